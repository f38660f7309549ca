package email

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBuild is returned for bad compose input. It is the caller's fault
	// and is never retried.
	ErrBuild = errors.New("invalid message")
	// ErrAuth means the relay refused our credentials.
	ErrAuth = errors.New("smarthost authentication failed")
	// ErrRecipientRejected means the relay permanently refused a recipient.
	ErrRecipientRejected = errors.New("recipient rejected")
	// ErrTransient covers network faults, timeouts and 4xx replies.
	ErrTransient = errors.New("transient delivery failure")
	// ErrRetriesExhausted is recorded when a recipient keeps failing
	// transiently past the retry ceiling.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrFromPolicy means the message carries a From override that the
	// current preferences no longer allow.
	ErrFromPolicy = errors.New("from address override requires a smarthost")
	// ErrUnknownMessage is returned for an ID the delivery agent does not own.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrDuplicateMessage is returned when an ID is enqueued twice.
	ErrDuplicateMessage = errors.New("message already enqueued")
)

// State is the delivery state of one recipient of one message.
type State int

const (
	StatePending State = iota
	StateInFlight
	StateDelivered
	StateFailed
	StateDeferred
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	case StateDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateFailed
}

// DeliveryRecord tracks one recipient of one OutgoingMessage.
type DeliveryRecord struct {
	MessageID   string
	Recipient   string
	State       State
	Attempts    int
	NextAttempt time.Time
	// Err is the failure reason for Failed, or the last transient cause
	// for Deferred.
	Err       error
	UpdatedAt time.Time
}

// Due reports whether the record should be part of an attempt at now.
func (r DeliveryRecord) Due(now time.Time) bool {
	switch r.State {
	case StatePending:
		return true
	case StateDeferred:
		return !r.NextAttempt.After(now)
	default:
		return false
	}
}

// OutcomeKind classifies the result of one attempt for one recipient.
type OutcomeKind int

const (
	OutcomeDelivered OutcomeKind = iota
	OutcomeRejected
	OutcomeTransient
)

// String returns the lower-case kind name.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Outcome is what a deliverer observed for a single recipient.
type Outcome struct {
	Kind OutcomeKind
	// Code is the SMTP reply code when one was received.
	Code int
	Err  error
}

// Delivered is the successful outcome.
func Delivered() Outcome {
	return Outcome{Kind: OutcomeDelivered}
}

// Rejected builds a permanent failure outcome wrapping ErrRecipientRejected.
func Rejected(code int, err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeRejected, Code: code, Err: ErrRecipientRejected}
	}
	return Outcome{Kind: OutcomeRejected, Code: code, Err: fmt.Errorf("%w: %w", ErrRecipientRejected, err)}
}

// Transient builds a retryable outcome. err is wrapped with ErrTransient
// unless it already carries ErrAuth.
func Transient(code int, err error) Outcome {
	if err == nil {
		err = ErrTransient
	} else if !errors.Is(err, ErrAuth) && !errors.Is(err, ErrTransient) {
		err = fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return Outcome{Kind: OutcomeTransient, Code: code, Err: err}
}

// Fill returns an outcome map giving every recipient the same outcome.
func Fill(recipients []string, o Outcome) map[string]Outcome {
	out := make(map[string]Outcome, len(recipients))
	for _, rcpt := range recipients {
		out[rcpt] = o
	}
	return out
}

// Package delivery owns the per-recipient delivery records of outgoing
// messages and drives attempts, retries and backoff.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/smtp-outbox/internal/email"
	"github.com/shineum/smtp-outbox/internal/policy"
	"github.com/shineum/smtp-outbox/internal/provider"
	"github.com/shineum/smtp-outbox/internal/store"
)

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 30 * time.Second
	defaultMaxDelay    = time.Hour
	defaultConcurrency = 4
)

// Scheduler runs fn at (or soon after) t. Firings may overlap.
type Scheduler interface {
	ScheduleAt(t time.Time, fn func(context.Context))
}

// Releaser frees the stored copy of a message that needs no more attempts.
type Releaser interface {
	Delete(ctx context.Context, key string) error
}

// Config tunes retries and parallelism.
type Config struct {
	// MaxAttempts is the number of attempts after which a transiently
	// failing recipient is marked failed.
	MaxAttempts int
	// BaseDelay is the wait after the first transient failure; it doubles
	// with every further attempt up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Concurrency caps how many messages are attempted at once by one Run.
	Concurrency int
}

// Option configures an Agent.
type Option func(*Agent)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// WithNotifier replaces the default LogNotifier.
func WithNotifier(n Notifier) Option {
	return func(a *Agent) { a.notifier = n }
}

// WithReleaser deletes a message's stored source, keyed by message ID, once
// no further attempt will read it.
func WithReleaser(r Releaser) Option {
	return func(a *Agent) { a.releaser = r }
}

// entry is one enqueued message. session is held for the whole of an
// attempt; the other fields are guarded by Agent.mu.
type entry struct {
	msg       *email.OutgoingMessage
	session   sync.Mutex
	order     []string
	records   map[string]*email.DeliveryRecord
	inFlight  bool
	withdrawn bool
}

// Agent tracks enqueued messages and attempts delivery when the scheduler
// wakes it. At most one attempt per message runs at any time; unrelated
// messages are attempted in parallel.
type Agent struct {
	provider  provider.Provider
	prefs     email.PreferencesSource
	scheduler Scheduler
	cfg       Config
	now       func() time.Time
	notifier  Notifier
	releaser  Releaser

	// mu guards entries, the records inside them and wake. It is never
	// held across a provider call.
	mu      sync.Mutex
	entries map[string]*entry
	wake    time.Time
}

// New returns an Agent delivering through p with preferences read from
// prefs at every attempt.
func New(p provider.Provider, prefs email.PreferencesSource, sched Scheduler, cfg Config, opts ...Option) *Agent {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = max(defaultMaxDelay, cfg.BaseDelay)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}

	a := &Agent{
		provider:  p,
		prefs:     prefs,
		scheduler: sched,
		cfg:       cfg,
		now:       time.Now,
		notifier:  LogNotifier{},
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Enqueue takes ownership of msg, creating a pending record per recipient,
// and asks the scheduler for an immediate attempt.
func (a *Agent) Enqueue(_ context.Context, msg *email.OutgoingMessage) error {
	if msg == nil || msg.Source == nil {
		return fmt.Errorf("%w: message has no content", email.ErrBuild)
	}
	recipients := email.Dedupe(msg.Recipients)
	if len(recipients) == 0 {
		return fmt.Errorf("%w: no recipients", email.ErrBuild)
	}

	now := a.now()
	e := &entry{
		msg:     msg,
		order:   recipients,
		records: make(map[string]*email.DeliveryRecord, len(recipients)),
	}
	for _, rcpt := range recipients {
		e.records[rcpt] = &email.DeliveryRecord{
			MessageID: msg.ID,
			Recipient: rcpt,
			State:     email.StatePending,
			UpdatedAt: now,
		}
	}

	a.mu.Lock()
	if _, ok := a.entries[msg.ID]; ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", email.ErrDuplicateMessage, msg.ID)
	}
	a.entries[msg.ID] = e
	a.mu.Unlock()

	slog.Info("message enqueued",
		"message_id", msg.ID,
		"from", msg.From,
		"recipients", len(recipients),
	)

	a.arm(now)
	return nil
}

// Run attempts every message that has due records and is not already in
// flight, then re-arms the scheduler for the next retry. It is safe to call
// concurrently with itself.
func (a *Agent) Run(ctx context.Context) {
	now := a.now()

	a.mu.Lock()
	var due []*entry
	for _, e := range a.entries {
		if e.hasDue(now) {
			due = append(due, e)
		}
	}
	a.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(a.cfg.Concurrency)
	for _, e := range due {
		if !e.session.TryLock() {
			slog.Debug("message already in flight", "message_id", e.msg.ID)
			continue
		}
		a.setInFlight(e, true)
		g.Go(func() error {
			defer e.session.Unlock()
			defer a.setInFlight(e, false)
			a.attempt(ctx, e)
			return nil
		})
	}
	_ = g.Wait()

	if next, ok := a.nextWake(); ok {
		a.arm(next)
	}
}

// attempt makes one delivery attempt for the due recipients of e. The
// caller holds e.session.
func (a *Agent) attempt(ctx context.Context, e *entry) {
	now := a.now()

	a.mu.Lock()
	if e.withdrawn {
		a.mu.Unlock()
		a.release(ctx, e.msg.ID)
		return
	}
	var recipients []string
	for _, rcpt := range e.order {
		rec := e.records[rcpt]
		if !rec.Due(now) {
			continue
		}
		rec.State = email.StateInFlight
		rec.UpdatedAt = now
		recipients = append(recipients, rcpt)
	}
	a.mu.Unlock()

	if len(recipients) == 0 {
		return
	}

	var outcomes map[string]email.Outcome
	prefs, err := a.prefs.Preferences(ctx)
	if err != nil {
		outcomes = email.Fill(recipients, email.Transient(0, fmt.Errorf("failed to load preferences: %w", err)))
	} else if !policy.Permits(prefs, e.msg.Account, e.msg.From) {
		slog.Warn("holding message: from override needs a smarthost",
			"message_id", e.msg.ID,
			"from", e.msg.From,
			"account", e.msg.Account,
		)
		outcomes = email.Fill(recipients, email.Transient(0, fmt.Errorf("%w: %s", email.ErrFromPolicy, e.msg.From)))
	} else {
		slog.Debug("attempting delivery",
			"message_id", e.msg.ID,
			"provider", a.provider.Name(),
			"relayed", prefs.Relayed(),
			"recipients", len(recipients),
		)
		outcomes = a.provider.Deliver(ctx, prefs, e.msg, recipients)
	}

	a.apply(ctx, e, recipients, outcomes)
}

// apply records the outcomes of one attempt. Results for a withdrawn
// message are dropped.
func (a *Agent) apply(ctx context.Context, e *entry, recipients []string, outcomes map[string]email.Outcome) {
	now := a.now()

	a.mu.Lock()
	if e.withdrawn {
		a.mu.Unlock()
		slog.Info("discarding results of withdrawn message", "message_id", e.msg.ID)
		a.release(ctx, e.msg.ID)
		return
	}

	var finished []email.DeliveryRecord
	for _, rcpt := range recipients {
		rec := e.records[rcpt]
		o, ok := outcomes[rcpt]
		if !ok {
			o = email.Transient(0, errors.New("no outcome reported"))
		}

		rec.Attempts++
		rec.UpdatedAt = now
		switch o.Kind {
		case email.OutcomeDelivered:
			rec.State = email.StateDelivered
			rec.Err = nil
			rec.NextAttempt = time.Time{}
		case email.OutcomeRejected:
			rec.State = email.StateFailed
			rec.Err = o.Err
			rec.NextAttempt = time.Time{}
		default:
			if rec.Attempts >= a.cfg.MaxAttempts {
				rec.State = email.StateFailed
				rec.Err = fmt.Errorf("%w after %d attempts: %w", email.ErrRetriesExhausted, rec.Attempts, o.Err)
				rec.NextAttempt = time.Time{}
			} else {
				rec.State = email.StateDeferred
				rec.Err = o.Err
				rec.NextAttempt = now.Add(a.backoff(rec.Attempts))
				slog.Info("delivery deferred",
					"message_id", rec.MessageID,
					"recipient", rec.Recipient,
					"attempts", rec.Attempts,
					"next_attempt", rec.NextAttempt,
					"error", rec.Err,
				)
			}
		}
		if rec.State.Terminal() {
			finished = append(finished, *rec)
		}
	}
	done := e.allTerminal()
	a.mu.Unlock()

	for _, rec := range finished {
		a.notifier.Notify(ctx, rec)
	}
	if done {
		a.release(ctx, e.msg.ID)
	}
}

// backoff returns the wait after the given number of failed attempts.
func (a *Agent) backoff(attempts int) time.Duration {
	b := retry.WithCappedDuration(a.cfg.MaxDelay, retry.NewExponential(a.cfg.BaseDelay))
	var d time.Duration
	for range attempts {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}

// Withdraw forgets the message. An attempt already in flight is allowed to
// finish but its results are discarded.
func (a *Agent) Withdraw(ctx context.Context, id string) error {
	a.mu.Lock()
	e, ok := a.entries[id]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", email.ErrUnknownMessage, id)
	}
	e.withdrawn = true
	delete(a.entries, id)
	a.mu.Unlock()

	slog.Info("message withdrawn", "message_id", id)

	// A running attempt releases the source itself when it finishes.
	if e.session.TryLock() {
		defer e.session.Unlock()
		a.release(ctx, id)
	}
	return nil
}

// Records returns a snapshot of the message's records in recipient order.
func (a *Agent) Records(id string) ([]email.DeliveryRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", email.ErrUnknownMessage, id)
	}
	out := make([]email.DeliveryRecord, 0, len(e.order))
	for _, rcpt := range e.order {
		out = append(out, *e.records[rcpt])
	}
	return out, nil
}

// Outstanding returns the number of records that are not yet terminal.
func (a *Agent) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, e := range a.entries {
		for _, rec := range e.records {
			if !rec.State.Terminal() {
				n++
			}
		}
	}
	return n
}

// nextWake returns the earliest time a record becomes due. Messages in
// flight are skipped; the Run attempting them re-arms when it finishes.
func (a *Agent) nextWake() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var next time.Time
	for _, e := range a.entries {
		if e.inFlight {
			continue
		}
		for _, rec := range e.records {
			var at time.Time
			switch rec.State {
			case email.StatePending:
				at = rec.UpdatedAt
			case email.StateDeferred:
				at = rec.NextAttempt
			default:
				continue
			}
			if next.IsZero() || at.Before(next) {
				next = at
			}
		}
	}
	return next, !next.IsZero()
}

// arm schedules Run at t unless an earlier wakeup is already pending.
func (a *Agent) arm(t time.Time) {
	a.mu.Lock()
	if a.wake.After(a.now()) && !a.wake.After(t) {
		a.mu.Unlock()
		return
	}
	a.wake = t
	a.mu.Unlock()

	a.scheduler.ScheduleAt(t, a.Run)
}

func (a *Agent) setInFlight(e *entry, v bool) {
	a.mu.Lock()
	e.inFlight = v
	a.mu.Unlock()
}

func (a *Agent) release(ctx context.Context, id string) {
	if a.releaser == nil {
		return
	}
	if err := a.releaser.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("failed to release stored message", "message_id", id, "error", err)
	}
}

func (e *entry) hasDue(now time.Time) bool {
	if e.withdrawn {
		return false
	}
	for _, rec := range e.records {
		if rec.Due(now) {
			return true
		}
	}
	return false
}

func (e *entry) allTerminal() bool {
	for _, rec := range e.records {
		if !rec.State.Terminal() {
			return false
		}
	}
	return true
}

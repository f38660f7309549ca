// Package email defines the core data model shared by the composer and the
// delivery subsystem.
package email

import (
	"context"
	"io"
	"strings"
	"time"
)

// ComposeRequest carries what a user typed into the compose form.
type ComposeRequest struct {
	// From is the account's canonical address. It is only a default: the
	// address actually used is decided by the From-address policy.
	From    string   `validate:"omitempty,email"`
	To      []string `validate:"required,min=1,dive,email"`
	Cc      []string `validate:"dive,email"`
	Bcc     []string `validate:"dive,email"`
	Subject string
	Body    string
}

// Recipients returns To, Cc and Bcc in order with duplicates removed.
func (r ComposeRequest) Recipients() []string {
	return Dedupe(r.To, r.Cc, r.Bcc)
}

// Source is a handle on a persisted message. Every call to Open yields a
// fresh reader positioned at the first byte of the same content.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// OutgoingMessage is a built message waiting for delivery. It is never
// mutated after construction.
type OutgoingMessage struct {
	ID        string
	MessageID string
	From      string
	// Account is the canonical address From was resolved from. Delivery
	// refuses a From other than Account once no smarthost is configured.
	// Empty disables the check.
	Account    string
	Recipients []string
	Source     Source
	CreatedAt  time.Time
}

// Dedupe concatenates address lists, keeping the first occurrence of each
// address. Comparison ignores case.
func Dedupe(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, addr := range list {
			key := strings.ToLower(addr)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

// Package provider defines the interface for delivery backends.
package provider

import (
	"context"

	"github.com/shineum/smtp-outbox/internal/email"
)

// Provider is the interface that delivery backends must implement.
// The delivery agent calls it once per attempt with the recipients that
// are still due; retries and backoff are the agent's business.
type Provider interface {
	// Deliver attempts msg for recipients and reports an outcome for every
	// one of them. Recipients missing from the result are treated as
	// transient failures.
	Deliver(ctx context.Context, prefs email.Preferences, msg *email.OutgoingMessage, recipients []string) map[string]email.Outcome

	// Name returns the human-readable name of this provider.
	Name() string
}

// Package compose is the entry point for outgoing mail: it picks the From
// address, renders and stores the message and hands it to delivery.
package compose

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/smtp-outbox/internal/email"
	"github.com/shineum/smtp-outbox/internal/message"
	"github.com/shineum/smtp-outbox/internal/policy"
)

// Enqueuer accepts messages for delivery. *delivery.Agent satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *email.OutgoingMessage) error
}

// Composer builds messages for one account. It never touches the network;
// both entry points return once the message is enqueued.
type Composer struct {
	account string
	prefs   email.PreferencesSource
	builder *message.Builder
	queue   Enqueuer
	now     func() time.Time
}

// Option configures a Composer.
type Option func(*Composer)

// WithClock overrides the time source used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Composer) { c.now = now }
}

// New returns a Composer for the account whose canonical address is
// account.
func New(account string, prefs email.PreferencesSource, builder *message.Builder, queue Enqueuer, opts ...Option) *Composer {
	c := &Composer{
		account: account,
		prefs:   prefs,
		builder: builder,
		queue:   queue,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateMessage renders req, stores it and enqueues it. req.From defaults
// to the account address.
func (c *Composer) CreateMessage(ctx context.Context, req email.ComposeRequest) (*email.OutgoingMessage, error) {
	if req.From == "" {
		req.From = c.account
	}

	from, err := c.resolveFrom(ctx, req.From)
	if err != nil {
		return nil, err
	}

	built, err := c.builder.Build(ctx, from, req)
	if err != nil {
		return nil, err
	}

	msg := &email.OutgoingMessage{
		ID:         built.Key,
		MessageID:  built.MessageID,
		From:       from,
		Account:    req.From,
		Recipients: req.Recipients(),
		Source:     built.Source,
		CreatedAt:  c.now(),
	}
	if err := c.queue.Enqueue(ctx, msg); err != nil {
		if derr := c.builder.Discard(ctx, built.Key); derr != nil {
			slog.Warn("failed to discard stored message",
				"message_id", built.Key,
				"error", derr,
			)
		}
		return nil, fmt.Errorf("failed to enqueue message: %w", err)
	}

	slog.Info("message created",
		"message_id", msg.ID,
		"header_message_id", msg.MessageID,
		"from", from,
		"recipients", len(msg.Recipients),
		"size", built.Size,
	)
	return msg, nil
}

// SendMessage enqueues an already stored message for recipients. The
// stored header is sent as is; only the envelope sender is decided here.
func (c *Composer) SendMessage(ctx context.Context, recipients []string, stored email.Source) (*email.OutgoingMessage, error) {
	if stored == nil {
		return nil, fmt.Errorf("%w: no message", email.ErrBuild)
	}
	if err := c.builder.ValidateRecipients(recipients); err != nil {
		return nil, err
	}

	from, err := c.resolveFrom(ctx, c.account)
	if err != nil {
		return nil, err
	}

	summary, err := message.Inspect(ctx, stored)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", email.ErrBuild, err)
	}

	msg := &email.OutgoingMessage{
		ID:         uuid.NewString(),
		MessageID:  summary.MessageID,
		From:       from,
		Account:    c.account,
		Recipients: email.Dedupe(recipients),
		Source:     stored,
		CreatedAt:  c.now(),
	}
	if err := c.queue.Enqueue(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to enqueue message: %w", err)
	}

	slog.Info("stored message submitted",
		"message_id", msg.ID,
		"header_message_id", msg.MessageID,
		"subject", summary.Subject,
		"from", from,
		"recipients", len(msg.Recipients),
	)
	return msg, nil
}

func (c *Composer) resolveFrom(ctx context.Context, defaultFrom string) (string, error) {
	prefs, err := c.prefs.Preferences(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load smarthost preferences: %w", err)
	}
	return policy.ResolveFrom(prefs, defaultFrom), nil
}

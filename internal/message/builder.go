// Package message renders composed mail into RFC 5322 form and persists it.
package message

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	gomail "github.com/wneessen/go-mail"

	"github.com/shineum/smtp-outbox/internal/email"
	"github.com/shineum/smtp-outbox/internal/store"
)

// userAgent is written to the User-Agent and X-Mailer headers.
const userAgent = "smtp-outbox"

// Built is a rendered and persisted message.
type Built struct {
	// Key identifies the message in the store.
	Key string
	// MessageID is the Message-ID header value without angle brackets.
	MessageID string
	Source    email.Source
	Size      int
}

// Builder turns compose requests into stored messages.
type Builder struct {
	store    store.Store
	validate *validator.Validate
	now      func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock overrides the time source used for the Date header.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// NewBuilder returns a Builder persisting into s.
func NewBuilder(s store.Store, opts ...Option) *Builder {
	b := &Builder{
		store:    s,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build renders req with from as the From header and stores the result.
// Invalid input is reported as email.ErrBuild; nothing is stored then.
func (b *Builder) Build(ctx context.Context, from string, req email.ComposeRequest) (Built, error) {
	if err := b.validate.Var(from, "required,email"); err != nil {
		return Built{}, fmt.Errorf("%w: from address %q is not valid", email.ErrBuild, from)
	}
	if err := b.validate.Struct(req); err != nil {
		return Built{}, buildError(err)
	}

	id := uuid.NewString()
	messageID := id + "@" + domainOf(from)

	msg := gomail.NewMsg(gomail.WithNoDefaultUserAgent())
	if err := msg.From(from); err != nil {
		return Built{}, fmt.Errorf("%w: %w", email.ErrBuild, err)
	}
	if err := msg.To(req.To...); err != nil {
		return Built{}, fmt.Errorf("%w: %w", email.ErrBuild, err)
	}
	if len(req.Cc) > 0 {
		if err := msg.Cc(req.Cc...); err != nil {
			return Built{}, fmt.Errorf("%w: %w", email.ErrBuild, err)
		}
	}
	msg.Subject(singleLine(req.Subject))
	msg.SetDateWithValue(b.now())
	msg.SetMessageIDWithValue(messageID)
	msg.SetUserAgent(userAgent)
	msg.SetBodyString(gomail.TypeTextPlain, req.Body)

	// Bcc recipients only travel in the envelope, never in the header.
	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		return Built{}, fmt.Errorf("failed to render message: %w", err)
	}

	src, err := b.store.Put(ctx, id, buf.Bytes())
	if err != nil {
		return Built{}, fmt.Errorf("failed to store message: %w", err)
	}

	return Built{
		Key:       id,
		MessageID: messageID,
		Source:    src,
		Size:      buf.Len(),
	}, nil
}

// Discard removes a message stored by Build that will not be delivered.
func (b *Builder) Discard(ctx context.Context, key string) error {
	return b.store.Delete(ctx, key)
}

// ValidateRecipients checks that addrs is non-empty and every entry is a
// syntactically valid address.
func (b *Builder) ValidateRecipients(addrs []string) error {
	if len(addrs) == 0 {
		return fmt.Errorf("%w: no recipients", email.ErrBuild)
	}
	for _, addr := range addrs {
		if err := b.validate.Var(addr, "required,email"); err != nil {
			return fmt.Errorf("%w: recipient %q is not valid", email.ErrBuild, addr)
		}
	}
	return nil
}

// buildError flattens validator errors into a single ErrBuild.
func buildError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", email.ErrBuild, err)
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required", "min":
			parts = append(parts, fmt.Sprintf("%s is required", strings.ToLower(fe.Field())))
		case "email":
			parts = append(parts, fmt.Sprintf("%s: %q is not a valid address", strings.ToLower(fe.StructField()), fe.Value()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", email.ErrBuild, strings.Join(parts, "; "))
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}

func singleLine(s string) string {
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool { return r == '\r' || r == '\n' }), " ")
}

// Package stdout implements a dry-run Provider that prints messages to
// standard output instead of delivering them.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/smtp-outbox/internal/email"
	"github.com/shineum/smtp-outbox/internal/message"
)

const separator = "========================================\n"

// Provider prints messages in a human-readable format. Every recipient is
// reported delivered once the message has been written.
type Provider struct {
	mu     sync.Mutex
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Deliver prints the envelope and the decoded content of msg.
func (p *Provider) Deliver(ctx context.Context, _ email.Preferences, msg *email.OutgoingMessage, recipients []string) map[string]email.Outcome {
	if len(recipients) == 0 {
		return map[string]email.Outcome{}
	}

	c, err := message.Extract(ctx, msg.Source)
	if err != nil {
		return email.Fill(recipients, email.Transient(0, err))
	}

	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "Envelope-From: %s\n", msg.From)
	fmt.Fprintf(&b, "Envelope-To: %s\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&b, "From: %s\n", c.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(c.To, ", "))

	if len(c.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(c.Cc, ", "))
	}

	fmt.Fprintf(&b, "Subject: %s\n", c.Subject)
	b.WriteString("Body:\n")

	body := c.TextBody
	if body == "" {
		body = c.HTMLBody
	}
	b.WriteString(strings.TrimRight(body, "\r\n") + "\n")

	if len(c.Attachments) > 0 {
		attachments := make([]string, 0, len(c.Attachments))
		for _, att := range c.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}

	b.WriteString(separator)

	p.mu.Lock()
	_, err = io.WriteString(p.writer, b.String())
	p.mu.Unlock()
	if err != nil {
		return email.Fill(recipients, email.Transient(0, fmt.Errorf("write message: %w", err)))
	}

	return email.Fill(recipients, email.Delivered())
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

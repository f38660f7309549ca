package stdout

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shineum/smtp-outbox/internal/email"
	"github.com/shineum/smtp-outbox/internal/message"
	"github.com/shineum/smtp-outbox/internal/store"
)

func storeRaw(t *testing.T, raw string) email.Source {
	t.Helper()
	src, err := store.NewMemory().Put(context.Background(), "k", []byte(raw))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	return src
}

func TestDeliver_BuiltMessage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	built, err := message.NewBuilder(store.NewMemory()).Build(ctx, "sender@example.com", email.ComposeRequest{
		To:      []string{"alice@example.com", "bob@example.com"},
		Bcc:     []string{"hidden@example.com"},
		Subject: "Monthly Report",
		Body:    "Please find the report attached.",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	var buf bytes.Buffer
	p := NewWithWriter(&buf)
	msg := &email.OutgoingMessage{ID: built.Key, From: "sender@example.com", Source: built.Source}
	recipients := []string{"bob@example.com", "hidden@example.com"}

	outcomes := p.Deliver(ctx, email.Preferences{}, msg, recipients)
	for _, rcpt := range recipients {
		if outcomes[rcpt].Kind != email.OutcomeDelivered {
			t.Errorf("%s: got %v, want delivered", rcpt, outcomes[rcpt].Kind)
		}
	}

	output := buf.String()
	for _, want := range []string{
		"Envelope-From: sender@example.com\n",
		"Envelope-To: bob@example.com, hidden@example.com\n",
		"From: sender@example.com\n",
		"To: alice@example.com, bob@example.com\n",
		"Subject: Monthly Report\n",
		"Please find the report attached.\n",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
	if strings.Contains(output, "Cc:") {
		t.Error("output should not contain Cc line when there are no Cc recipients")
	}
	if strings.Contains(output, "Attachments:") {
		t.Error("output should not contain Attachments line when there are none")
	}
	if !strings.HasPrefix(output, separator) || !strings.HasSuffix(output, separator) {
		t.Error("output should be framed by separator lines")
	}
}

func TestDeliver_WithAttachments(t *testing.T) {
	t.Parallel()

	src := storeRaw(t, strings.Join([]string{
		"From: sender@example.com",
		"To: alice@example.com",
		"Cc: carol@example.com",
		"Subject: Monthly Report",
		"Content-Type: multipart/mixed; boundary=bound",
		"",
		"--bound",
		"Content-Type: text/plain",
		"",
		"See attached",
		"--bound",
		"Content-Type: application/pdf",
		"Content-Disposition: attachment; filename=\"report.pdf\"",
		"Content-Transfer-Encoding: base64",
		"",
		"SGVsbG8gV29ybGQ=",
		"--bound--",
	}, "\r\n"))

	var buf bytes.Buffer
	p := NewWithWriter(&buf)
	p.Deliver(context.Background(), email.Preferences{}, &email.OutgoingMessage{ID: "m1", Source: src}, []string{"alice@example.com"})

	output := buf.String()
	if !strings.Contains(output, "Cc: carol@example.com\n") {
		t.Error("output missing Cc header")
	}
	if !strings.Contains(output, "Attachments: report.pdf (11 B)\n") {
		t.Errorf("output missing attachment line:\n%s", output)
	}
}

func TestDeliver_HTMLBodyFallback(t *testing.T) {
	t.Parallel()

	src := storeRaw(t, strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: HTML Only",
		"Content-Type: text/html",
		"",
		"<p>HTML content</p>",
	}, "\r\n"))

	var buf bytes.Buffer
	p := NewWithWriter(&buf)
	p.Deliver(context.Background(), email.Preferences{}, &email.OutgoingMessage{ID: "m1", Source: src}, []string{"recipient@example.com"})

	if !strings.Contains(buf.String(), "<p>HTML content</p>") {
		t.Error("output should display HTML body when text body is empty")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestDeliver_WriteFailureIsTransient(t *testing.T) {
	t.Parallel()

	src := storeRaw(t, "From: sender@example.com\r\nTo: a@example.com\r\n\r\nhi\r\n")
	p := NewWithWriter(failingWriter{})

	o := p.Deliver(context.Background(), email.Preferences{}, &email.OutgoingMessage{ID: "m1", Source: src}, []string{"a@example.com"})["a@example.com"]
	if o.Kind != email.OutcomeTransient {
		t.Errorf("got %v, want transient", o.Kind)
	}
}

func TestDeliver_NoRecipients(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)
	if out := p.Deliver(context.Background(), email.Preferences{}, &email.OutgoingMessage{ID: "m1"}, nil); len(out) != 0 {
		t.Errorf("got %d outcomes, want 0", len(out))
	}
	if buf.Len() != 0 {
		t.Error("nothing should be written without recipients")
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	p := New()
	if p.Name() != "stdout" {
		t.Errorf("Name: got %q, want %q", p.Name(), "stdout")
	}
}

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		bytes int
		want  string
	}{
		{name: "zero bytes", bytes: 0, want: "0 B"},
		{name: "small bytes", bytes: 512, want: "512 B"},
		{name: "kilobytes", bytes: 46080, want: "45.0 KB"},
		{name: "megabytes", bytes: 1258291, want: "1.2 MB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := formatSize(tt.bytes)
			if got != tt.want {
				t.Errorf("formatSize(%d): got %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}

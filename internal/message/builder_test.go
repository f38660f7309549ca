package message

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/mail"
	"strings"
	"testing"
	"time"

	"github.com/shineum/smtp-outbox/internal/email"
	"github.com/shineum/smtp-outbox/internal/store"
)

var fixedNow = time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC)

func newTestBuilder() (*Builder, *store.Memory) {
	mem := store.NewMemory()
	return NewBuilder(mem, WithClock(func() time.Time { return fixedNow })), mem
}

func openAll(t *testing.T, src email.Source) []byte {
	t.Helper()
	rc, err := src.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}

func TestBuild_Headers(t *testing.T) {
	t.Parallel()

	b, mem := newTestBuilder()
	built, err := b.Build(context.Background(), "from@example.com", email.ComposeRequest{
		To:      []string{"testuser@example.com"},
		Cc:      []string{"cc@example.com"},
		Bcc:     []string{"hidden@example.com"},
		Subject: "Sup dood",
		Body:    "A body",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mem.Len() != 1 {
		t.Errorf("stored messages: got %d, want 1", mem.Len())
	}

	raw := openAll(t, built.Source)
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	checks := map[string]string{
		"From": "from@example.com",
		"To":   "testuser@example.com",
		"Cc":   "cc@example.com",
	}
	for header, want := range checks {
		addr, err := mail.ParseAddress(msg.Header.Get(header))
		if err != nil {
			t.Errorf("%s: %v", header, err)
			continue
		}
		if addr.Address != want {
			t.Errorf("%s: got %q, want %q", header, addr.Address, want)
		}
	}
	if got := msg.Header.Get("Subject"); got != "Sup dood" {
		t.Errorf("Subject: got %q, want %q", got, "Sup dood")
	}

	if got := msg.Header.Get("Bcc"); got != "" {
		t.Errorf("Bcc header must not be written, got %q", got)
	}
	if strings.Contains(string(raw), "hidden@example.com") {
		t.Error("Bcc address leaked into message source")
	}

	date, err := msg.Header.Date()
	if err != nil {
		t.Fatalf("Date: %v", err)
	}
	if !date.Equal(fixedNow) {
		t.Errorf("Date: got %v, want %v", date, fixedNow)
	}

	wantID := "<" + built.MessageID + ">"
	if got := msg.Header.Get("Message-Id"); got != wantID {
		t.Errorf("Message-ID: got %q, want %q", got, wantID)
	}
	if !strings.HasSuffix(built.MessageID, "@example.com") {
		t.Errorf("Message-ID should use sender domain, got %q", built.MessageID)
	}

	body, err := io.ReadAll(msg.Body)
	if err != nil {
		t.Fatalf("body: %v", err)
	}
	if !strings.Contains(string(body), "A body") {
		t.Errorf("body: got %q, want it to contain %q", body, "A body")
	}
}

func TestBuild_ReopenIsByteIdentical(t *testing.T) {
	t.Parallel()

	b, _ := newTestBuilder()
	built, err := b.Build(context.Background(), "radix@example.com", email.ComposeRequest{
		To:      []string{"a@example.com", "b@example.com"},
		Subject: "hello",
		Body:    "line one\nline two\n",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first := openAll(t, built.Source)
	for i := 0; i < 3; i++ {
		if again := openAll(t, built.Source); !bytes.Equal(first, again) {
			t.Fatalf("open %d differs from first open", i+2)
		}
	}
	if built.Size != len(first) {
		t.Errorf("Size: got %d, want %d", built.Size, len(first))
	}
}

func TestBuild_SubjectCannotInjectHeaders(t *testing.T) {
	t.Parallel()

	b, _ := newTestBuilder()
	built, err := b.Build(context.Background(), "radix@example.com", email.ComposeRequest{
		To:      []string{"a@example.com"},
		Subject: "hi\r\nBcc: victim@example.net",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg, err := mail.ReadMessage(bytes.NewReader(openAll(t, built.Source)))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := msg.Header.Get("Bcc"); got != "" {
		t.Errorf("injected Bcc header: %q", got)
	}
}

func TestBuild_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from string
		req  email.ComposeRequest
	}{
		{
			name: "no recipients",
			from: "radix@example.com",
			req:  email.ComposeRequest{Subject: "x"},
		},
		{
			name: "bad to",
			from: "radix@example.com",
			req:  email.ComposeRequest{To: []string{"not-an-address"}},
		},
		{
			name: "bad cc",
			from: "radix@example.com",
			req:  email.ComposeRequest{To: []string{"a@example.com"}, Cc: []string{"@@"}},
		},
		{
			name: "bad bcc",
			from: "radix@example.com",
			req:  email.ComposeRequest{To: []string{"a@example.com"}, Bcc: []string{"b@"}},
		},
		{
			name: "bad from",
			from: "radix",
			req:  email.ComposeRequest{To: []string{"a@example.com"}},
		},
		{
			name: "empty from",
			from: "",
			req:  email.ComposeRequest{To: []string{"a@example.com"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b, mem := newTestBuilder()
			_, err := b.Build(context.Background(), tt.from, tt.req)
			if !errors.Is(err, email.ErrBuild) {
				t.Fatalf("got %v, want ErrBuild", err)
			}
			if mem.Len() != 0 {
				t.Errorf("nothing should be stored on error, got %d", mem.Len())
			}
		})
	}
}

func TestValidateRecipients(t *testing.T) {
	t.Parallel()

	b, _ := newTestBuilder()

	if err := b.ValidateRecipients([]string{"a@example.com", "b@example.org"}); err != nil {
		t.Errorf("valid recipients: %v", err)
	}
	if err := b.ValidateRecipients(nil); !errors.Is(err, email.ErrBuild) {
		t.Errorf("empty: got %v, want ErrBuild", err)
	}
	if err := b.ValidateRecipients([]string{"a@example.com", "nope"}); !errors.Is(err, email.ErrBuild) {
		t.Errorf("invalid: got %v, want ErrBuild", err)
	}
}

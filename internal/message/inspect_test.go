package message

import (
	"context"
	"testing"

	"github.com/shineum/smtp-outbox/internal/email"
	"github.com/shineum/smtp-outbox/internal/store"
)

func TestInspect_BuiltMessage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newTestBuilder()
	built, err := b.Build(ctx, "radix@example.com", email.ComposeRequest{
		To:      []string{"a@example.com", "b@example.com"},
		Cc:      []string{"c@example.com"},
		Subject: "Grüße",
		Body:    "hi",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sum, err := Inspect(ctx, built.Source)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if sum.From != "radix@example.com" {
		t.Errorf("From: got %q", sum.From)
	}
	if len(sum.To) != 2 || sum.To[0] != "a@example.com" || sum.To[1] != "b@example.com" {
		t.Errorf("To: got %v", sum.To)
	}
	if len(sum.Cc) != 1 || sum.Cc[0] != "c@example.com" {
		t.Errorf("Cc: got %v", sum.Cc)
	}
	if sum.Subject != "Grüße" {
		t.Errorf("Subject: got %q, want %q", sum.Subject, "Grüße")
	}
	if sum.MessageID != built.MessageID {
		t.Errorf("MessageID: got %q, want %q", sum.MessageID, built.MessageID)
	}
}

func TestInspect_Malformed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := store.NewMemory()
	src, _ := mem.Put(ctx, "k", []byte("HI DUDE"))

	if _, err := Inspect(ctx, src); err == nil {
		t.Fatal("expected parse error for headerless source")
	}
}

func TestParseAddressList_Fallback(t *testing.T) {
	t.Parallel()

	got := parseAddressList("a@example.com, not valid <,  b@example.com")
	if len(got) != 3 {
		t.Fatalf("got %v, want 3 entries", got)
	}
	if got[0] != "a@example.com" || got[2] != "b@example.com" {
		t.Errorf("got %v", got)
	}
}

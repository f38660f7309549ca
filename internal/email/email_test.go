package email

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func TestComposeRequest_Recipients(t *testing.T) {
	t.Parallel()

	req := ComposeRequest{
		To:  []string{"alice@example.com", "bob@example.com"},
		Cc:  []string{"Alice@Example.com", "carol@example.com"},
		Bcc: []string{"bob@example.com", "dave@example.com"},
	}
	want := []string{"alice@example.com", "bob@example.com", "carol@example.com", "dave@example.com"}
	if got := req.Recipients(); !slices.Equal(got, want) {
		t.Errorf("Recipients() = %v, want %v", got, want)
	}
}

func TestDedupe_Empty(t *testing.T) {
	t.Parallel()

	if got := Dedupe(nil, []string{}); len(got) != 0 {
		t.Errorf("Dedupe() = %v, want empty", got)
	}
}

func TestPreferences(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		prefs       Preferences
		wantRelayed bool
		wantAuth    bool
		wantAddr    string
		wantTLS     TLSMode
	}{
		{
			name:     "zero value",
			wantAddr: ":25",
			wantTLS:  TLSOpportunistic,
		},
		{
			name:        "relay with default port",
			prefs:       Preferences{Host: "smtp.example.com"},
			wantRelayed: true,
			wantAddr:    "smtp.example.com:25",
			wantTLS:     TLSOpportunistic,
		},
		{
			name:        "relay with credentials",
			prefs:       Preferences{Host: "smtp.example.com", Port: 587, Username: "u", Password: "p", TLS: TLSRequired},
			wantRelayed: true,
			wantAuth:    true,
			wantAddr:    "smtp.example.com:587",
			wantTLS:     TLSRequired,
		},
		{
			name:        "username without password",
			prefs:       Preferences{Host: "smtp.example.com", Port: -1, Username: "u"},
			wantRelayed: true,
			wantAddr:    "smtp.example.com:25",
			wantTLS:     TLSOpportunistic,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.prefs.Relayed(); got != tt.wantRelayed {
				t.Errorf("Relayed() = %v, want %v", got, tt.wantRelayed)
			}
			if got := tt.prefs.AuthRequired(); got != tt.wantAuth {
				t.Errorf("AuthRequired() = %v, want %v", got, tt.wantAuth)
			}
			if got := tt.prefs.Addr(); got != tt.wantAddr {
				t.Errorf("Addr() = %q, want %q", got, tt.wantAddr)
			}
			if got := tt.prefs.TLSMode(); got != tt.wantTLS {
				t.Errorf("TLSMode() = %q, want %q", got, tt.wantTLS)
			}
		})
	}
}

func TestStaticPreferences(t *testing.T) {
	t.Parallel()

	src := NewStaticPreferences(Preferences{Host: "a.example.com"})
	src.Set(Preferences{Host: "b.example.com"})
	src.Update(func(p *Preferences) { p.Port = 2525 })

	got, err := src.Preferences(context.Background())
	if err != nil {
		t.Fatalf("Preferences() error = %v", err)
	}
	if got.Host != "b.example.com" || got.Port != 2525 {
		t.Errorf("Preferences() = %+v", got)
	}
}

func TestDeliveryRecord_Due(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		rec  DeliveryRecord
		want bool
	}{
		{"pending", DeliveryRecord{State: StatePending}, true},
		{"deferred in past", DeliveryRecord{State: StateDeferred, NextAttempt: now.Add(-time.Second)}, true},
		{"deferred at now", DeliveryRecord{State: StateDeferred, NextAttempt: now}, true},
		{"deferred in future", DeliveryRecord{State: StateDeferred, NextAttempt: now.Add(time.Second)}, false},
		{"in flight", DeliveryRecord{State: StateInFlight}, false},
		{"delivered", DeliveryRecord{State: StateDelivered}, false},
		{"failed", DeliveryRecord{State: StateFailed}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.rec.Due(now); got != tt.want {
				t.Errorf("Due() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestState(t *testing.T) {
	t.Parallel()

	terminal := map[State]bool{
		StatePending:   false,
		StateInFlight:  false,
		StateDeferred:  false,
		StateDelivered: true,
		StateFailed:    true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
	if got := State(99).String(); got != "unknown" {
		t.Errorf("String() = %q, want unknown", got)
	}
}

func TestOutcomes(t *testing.T) {
	t.Parallel()

	cause := errors.New("550 no such user")

	r := Rejected(550, cause)
	if r.Kind != OutcomeRejected || r.Code != 550 {
		t.Errorf("Rejected() = %+v", r)
	}
	if !errors.Is(r.Err, ErrRecipientRejected) || !errors.Is(r.Err, cause) {
		t.Errorf("Rejected() error = %v, want both sentinel and cause", r.Err)
	}
	if !errors.Is(Rejected(0, nil).Err, ErrRecipientRejected) {
		t.Error("Rejected(nil) should carry ErrRecipientRejected")
	}

	tr := Transient(421, cause)
	if tr.Kind != OutcomeTransient || !errors.Is(tr.Err, ErrTransient) || !errors.Is(tr.Err, cause) {
		t.Errorf("Transient() = %+v", tr)
	}
	if !errors.Is(Transient(0, nil).Err, ErrTransient) {
		t.Error("Transient(nil) should carry ErrTransient")
	}

	auth := Transient(535, ErrAuth)
	if auth.Err != ErrAuth {
		t.Errorf("Transient(ErrAuth).Err = %v, want ErrAuth unwrapped", auth.Err)
	}
}

func TestFill(t *testing.T) {
	t.Parallel()

	got := Fill([]string{"a@example.com", "b@example.com"}, Delivered())
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	for rcpt, o := range got {
		if o.Kind != OutcomeDelivered {
			t.Errorf("%s: kind = %s", rcpt, o.Kind)
		}
	}
}

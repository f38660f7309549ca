package policy

import (
	"testing"

	"github.com/shineum/smtp-outbox/internal/email"
)

func TestResolveFrom(t *testing.T) {
	t.Parallel()

	const def = "radix@example.com"

	tests := []struct {
		name  string
		prefs email.Preferences
		want  string
	}{
		{
			name:  "no smarthost no override",
			prefs: email.Preferences{},
			want:  def,
		},
		{
			name:  "no smarthost ignores override",
			prefs: email.Preferences{FromAddressOverride: "from@example.com"},
			want:  def,
		},
		{
			name: "no smarthost ignores override even with credentials",
			prefs: email.Preferences{
				Port:                26,
				Username:            "radix",
				Password:            "secret",
				FromAddressOverride: "from@example.com",
			},
			want: def,
		},
		{
			name:  "smarthost without override",
			prefs: email.Preferences{Host: "example.org", Port: 26},
			want:  def,
		},
		{
			name:  "smarthost with override",
			prefs: email.Preferences{Host: "example.org", FromAddressOverride: "testuser2@example.com"},
			want:  "testuser2@example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ResolveFrom(tt.prefs, def); got != tt.want {
				t.Errorf("ResolveFrom: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveFrom_OverrideNeverLeaksWithoutHost(t *testing.T) {
	t.Parallel()

	overrides := []string{"", "a@b.c", "postmaster@example.net", "evil@bank.example", "from@example.com"}
	for _, o := range overrides {
		p := email.Preferences{FromAddressOverride: o, Username: "u", Password: "p"}
		if got := ResolveFrom(p, "radix@example.com"); got != "radix@example.com" {
			t.Errorf("override %q leaked without smarthost: got %q", o, got)
		}
		p.Host = "smtp.example.org"
		want := o
		if o == "" {
			want = "radix@example.com"
		}
		if got := ResolveFrom(p, "radix@example.com"); got != want {
			t.Errorf("override %q with smarthost: got %q, want %q", o, got, want)
		}
	}
}

func TestPermits(t *testing.T) {
	t.Parallel()

	const def = "radix@example.com"

	tests := []struct {
		name  string
		prefs email.Preferences
		from  string
		want  bool
	}{
		{
			name: "no smarthost default from",
			from: def,
			want: true,
		},
		{
			name: "no smarthost default from differing case",
			from: "Radix@Example.com",
			want: true,
		},
		{
			name:  "no smarthost override from",
			prefs: email.Preferences{FromAddressOverride: "ceo@bank.example"},
			from:  "ceo@bank.example",
			want:  false,
		},
		{
			name:  "smarthost override from",
			prefs: email.Preferences{Host: "example.org", FromAddressOverride: "ceo@bank.example"},
			from:  "ceo@bank.example",
			want:  true,
		},
		{
			name:  "smarthost with override since removed",
			prefs: email.Preferences{Host: "example.org"},
			from:  "ceo@bank.example",
			want:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Permits(tt.prefs, def, tt.from); got != tt.want {
				t.Errorf("Permits(%q) = %v, want %v", tt.from, got, tt.want)
			}
		})
	}

	if !Permits(email.Preferences{}, "", "anyone@example.com") {
		t.Error("an empty default should disable the check")
	}
}

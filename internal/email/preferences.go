package email

import (
	"context"
	"net"
	"strconv"
	"sync"
)

// DefaultPort is the SMTP port used when a preference leaves it unset.
const DefaultPort = 25

// TLSMode selects how a relay connection is secured.
type TLSMode string

const (
	// TLSOpportunistic upgrades with STARTTLS when the relay offers it.
	TLSOpportunistic TLSMode = "starttls"
	// TLSRequired fails the session when STARTTLS is not offered.
	TLSRequired TLSMode = "required"
	// TLSImplicit connects with TLS from the first byte (port 465 style).
	TLSImplicit TLSMode = "implicit"
	// TLSNone never negotiates TLS.
	TLSNone TLSMode = "none"
)

// Preferences holds the smarthost settings of an installation. The zero
// value means direct delivery on port 25 without authentication.
type Preferences struct {
	// Host is the relay. Empty means deliver directly to recipient MX hosts.
	Host     string
	Port     int
	Username string
	Password string
	// FromAddressOverride is honored only when Host is set.
	FromAddressOverride string

	TLS                TLSMode
	InsecureSkipVerify bool
}

// Relayed reports whether a smarthost is configured.
func (p Preferences) Relayed() bool {
	return p.Host != ""
}

// AuthRequired reports whether relay credentials are configured.
func (p Preferences) AuthRequired() bool {
	return p.Username != "" && p.Password != ""
}

// EffectivePort returns Port, or DefaultPort when unset.
func (p Preferences) EffectivePort() int {
	if p.Port <= 0 {
		return DefaultPort
	}
	return p.Port
}

// Addr returns host:port of the relay.
func (p Preferences) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.EffectivePort()))
}

// TLSMode returns the configured mode, defaulting to opportunistic STARTTLS.
func (p Preferences) TLSMode() TLSMode {
	if p.TLS == "" {
		return TLSOpportunistic
	}
	return p.TLS
}

// PreferencesSource gives read access to the current preferences.
type PreferencesSource interface {
	Preferences(ctx context.Context) (Preferences, error)
}

// StaticPreferences is an in-memory PreferencesSource. Set is how the
// outside world (admin UI, config reload) changes the values.
type StaticPreferences struct {
	mu    sync.RWMutex
	prefs Preferences
}

// NewStaticPreferences returns a source holding p.
func NewStaticPreferences(p Preferences) *StaticPreferences {
	return &StaticPreferences{prefs: p}
}

// Preferences returns a copy of the current values.
func (s *StaticPreferences) Preferences(_ context.Context) (Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs, nil
}

// Set replaces the current values.
func (s *StaticPreferences) Set(p Preferences) {
	s.mu.Lock()
	s.prefs = p
	s.mu.Unlock()
}

// Update applies fn to the current values under the lock.
func (s *StaticPreferences) Update(fn func(*Preferences)) {
	s.mu.Lock()
	fn(&s.prefs)
	s.mu.Unlock()
}

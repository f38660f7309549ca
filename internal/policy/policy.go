// Package policy decides which From address an outgoing message may carry.
package policy

import (
	"strings"

	"github.com/shineum/smtp-outbox/internal/email"
)

// ResolveFrom returns the From address to use for a message composed by an
// account whose canonical address is defaultFrom.
//
// The override in prefs is honored only when a smarthost is configured. A
// relay-less send always uses defaultFrom, whatever else is set.
func ResolveFrom(prefs email.Preferences, defaultFrom string) string {
	if !prefs.Relayed() {
		return defaultFrom
	}
	if prefs.FromAddressOverride != "" {
		return prefs.FromAddressOverride
	}
	return defaultFrom
}

// Permits reports whether a message whose From was resolved from
// defaultFrom may still go out as from under prefs. Preferences can change
// between compose and delivery; a relay-less send may only carry
// defaultFrom.
func Permits(prefs email.Preferences, defaultFrom, from string) bool {
	if defaultFrom == "" || prefs.Relayed() {
		return true
	}
	return strings.EqualFold(from, ResolveFrom(prefs, defaultFrom))
}

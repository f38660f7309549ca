package smtptest

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/emersion/go-sasl"
)

var errBadCredentials = errors.New("authentication failed")

// Authenticator checks AUTH exchanges against one configured account.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator returns an Authenticator for username/password. With
// either one empty, AUTH is not offered.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled reports whether the relay requires AUTH.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// VerifyPlain checks a base64 AUTH PLAIN response and returns the user it
// names.
func (a *Authenticator) VerifyPlain(encoded string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid base64 encoding: %w", err)
	}

	var user string
	server := sasl.NewPlainServer(func(_, username, password string) error {
		user = username
		return a.check(username, password)
	})
	if _, _, err := server.Next(decoded); err != nil {
		return user, err
	}
	return user, nil
}

// VerifyLogin checks the two base64 answers of an AUTH LOGIN exchange.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) (string, error) {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return "", fmt.Errorf("invalid base64 username: %w", err)
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return string(user), fmt.Errorf("invalid base64 password: %w", err)
	}
	return string(user), a.check(string(user), string(pass))
}

func (a *Authenticator) check(username, password string) error {
	if username != a.username || password != a.password {
		return errBadCredentials
	}
	return nil
}

// Package smtptest runs a scriptable SMTP relay on the loopback interface.
// It plays the smarthost in delivery tests: it can require AUTH, offer
// STARTTLS, reject chosen recipients, fail the DATA phase and report how
// many sessions were open at once.
package smtptest

import (
	"bytes"
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// Reply is an SMTP response line sent by the relay.
type Reply struct {
	Code    int
	Message string
}

// Config scripts the relay's behavior.
type Config struct {
	// Hostname is used in the greeting and EHLO response.
	Hostname string

	// Username and Password enable AUTH PLAIN/LOGIN. If both are empty,
	// authentication is not offered or required.
	Username string
	Password string
	// AuthMechanisms limits the advertised mechanisms. Defaults to PLAIN
	// and LOGIN.
	AuthMechanisms []string

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// MailReply, when set, answers every MAIL FROM.
	MailReply *Reply

	// RecipientReply returns a reply for recipients the relay refuses, or
	// nil to accept.
	RecipientReply func(rcpt string) *Reply

	// DataReply, when set, answers the end of DATA instead of 250.
	DataReply *Reply

	// DropDuringData closes the connection while the body is arriving.
	DropDuringData bool

	// Hold delays the final DATA reply, keeping the session open.
	Hold time.Duration
}

// Message is one mail transaction the relay accepted.
type Message struct {
	Username string
	From     string
	To       []string
	Data     []byte
	// TLS reports whether the transaction ran after STARTTLS.
	TLS bool
}

// Relay is a running test relay.
type Relay struct {
	config   Config
	auth     *Authenticator
	listener net.Listener

	mu            sync.Mutex
	messages      []Message
	authFailures  int
	sessions      int
	active        int
	maxConcurrent int

	// wg tracks in-flight session goroutines for Close.
	wg sync.WaitGroup
}

// NewRelay starts a relay listening on 127.0.0.1 on a random port.
func NewRelay(cfg Config) (*Relay, error) {
	if cfg.Hostname == "" {
		cfg.Hostname = "relay.test"
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	r := &Relay{
		config:   cfg,
		auth:     NewAuthenticator(cfg.Username, cfg.Password),
		listener: ln,
	}

	r.wg.Add(1)
	go r.serve()

	return r, nil
}

func (r *Relay) serve() {
	defer r.wg.Done()

	for {
		conn, err := r.listener.Accept()
		if err != nil {
			return
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.sessionStarted()
			defer r.sessionEnded()

			NewSession(conn, r).Handle()
		}()
	}
}

// Close stops accepting connections and waits for open sessions to end.
func (r *Relay) Close() error {
	err := r.listener.Close()
	r.wg.Wait()
	return err
}

// Addr returns the listener address.
func (r *Relay) Addr() string {
	return r.listener.Addr().String()
}

// Port returns the listener port.
func (r *Relay) Port() int {
	_, port, _ := net.SplitHostPort(r.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// Messages returns a copy of the accepted transactions.
func (r *Relay) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Message, len(r.messages))
	for i, m := range r.messages {
		m.To = append([]string(nil), m.To...)
		m.Data = bytes.Clone(m.Data)
		out[i] = m
	}
	return out
}

// Sessions returns how many connections were accepted.
func (r *Relay) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions
}

// MaxConcurrent returns the highest number of simultaneously open sessions.
func (r *Relay) MaxConcurrent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxConcurrent
}

// AuthFailures returns how many AUTH attempts were refused.
func (r *Relay) AuthFailures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authFailures
}

func (r *Relay) sessionStarted() {
	r.mu.Lock()
	r.sessions++
	r.active++
	if r.active > r.maxConcurrent {
		r.maxConcurrent = r.active
	}
	r.mu.Unlock()
}

func (r *Relay) sessionEnded() {
	r.mu.Lock()
	r.active--
	r.mu.Unlock()
}

func (r *Relay) record(m Message) {
	r.mu.Lock()
	r.messages = append(r.messages, m)
	r.mu.Unlock()
	slog.Debug("test relay accepted message", "from", m.From, "recipients", len(m.To))
}

func (r *Relay) authFailed() {
	r.mu.Lock()
	r.authFailures++
	r.mu.Unlock()
}

func (c Config) mechanisms() []string {
	if len(c.AuthMechanisms) == 0 {
		return []string{"PLAIN", "LOGIN"}
	}
	return c.AuthMechanisms
}

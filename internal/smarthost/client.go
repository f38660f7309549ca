// Package smarthost delivers stored messages over SMTP, either through a
// configured relay or directly to the recipients' MX hosts.
package smarthost

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/shineum/smtp-outbox/internal/email"
	smtptls "github.com/shineum/smtp-outbox/internal/tls"
	"github.com/shineum/smtp-outbox/internal/transport"
)

const defaultSessionTimeout = 5 * time.Minute

// ErrStartTLSUnavailable is reported when TLS is mandatory but the server
// does not advertise STARTTLS.
var ErrStartTLSUnavailable = errors.New("server does not offer STARTTLS")

// Config configures a Client.
type Config struct {
	// Transport opens connections. Defaults to a transport.Dialer.
	Transport transport.Transport
	// Resolver looks up MX hosts for direct delivery. Defaults to
	// net.DefaultResolver.
	Resolver transport.Resolver
	// HeloName is sent in EHLO. Defaults to "localhost".
	HeloName string
	// SessionTimeout bounds a whole SMTP session.
	SessionTimeout time.Duration
	// DirectPort is the port used for MX delivery. Defaults to 25.
	DirectPort int
	// RootCAs and CAFile control relay certificate verification.
	RootCAs *x509.CertPool
	CAFile  string
}

// Client is the SMTP deliverer.
type Client struct {
	transport      transport.Transport
	resolver       transport.Resolver
	heloName       string
	sessionTimeout time.Duration
	directPort     int
	rootCAs        *x509.CertPool
	caFile         string
}

// New returns a Client with defaults filled in.
func New(cfg Config) *Client {
	c := &Client{
		transport:      cfg.Transport,
		resolver:       cfg.Resolver,
		heloName:       cfg.HeloName,
		sessionTimeout: cfg.SessionTimeout,
		directPort:     cfg.DirectPort,
		rootCAs:        cfg.RootCAs,
		caFile:         cfg.CAFile,
	}
	if c.transport == nil {
		c.transport = &transport.Dialer{}
	}
	if c.resolver == nil {
		c.resolver = net.DefaultResolver
	}
	if c.heloName == "" {
		c.heloName = "localhost"
	}
	if c.sessionTimeout <= 0 {
		c.sessionTimeout = defaultSessionTimeout
	}
	if c.directPort <= 0 {
		c.directPort = email.DefaultPort
	}
	return c
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "smtp"
}

// target is one SMTP server and how to talk to it.
type target struct {
	host     string
	port     int
	tlsMode  email.TLSMode
	insecure bool
	username string
	password string
}

func (t target) authenticate() bool {
	return t.username != "" && t.password != ""
}

// Deliver runs one attempt of msg for recipients. Every recipient gets an
// outcome; the connection is closed before Deliver returns.
func (c *Client) Deliver(ctx context.Context, prefs email.Preferences, msg *email.OutgoingMessage, recipients []string) map[string]email.Outcome {
	if len(recipients) == 0 {
		return map[string]email.Outcome{}
	}

	if prefs.Relayed() {
		t := target{
			host:     prefs.Host,
			port:     prefs.EffectivePort(),
			tlsMode:  prefs.TLSMode(),
			insecure: prefs.InsecureSkipVerify,
		}
		if prefs.AuthRequired() {
			t.username = prefs.Username
			t.password = prefs.Password
		}
		return c.relay(ctx, t, msg, recipients)
	}

	return c.direct(ctx, msg, recipients)
}

func (c *Client) relay(ctx context.Context, t target, msg *email.OutgoingMessage, recipients []string) map[string]email.Outcome {
	conn, err := c.transport.Connect(ctx, t.host, t.port)
	if err != nil {
		slog.Warn("smarthost connect failed",
			"message_id", msg.ID,
			"host", t.host,
			"port", t.port,
			"error", err,
		)
		return email.Fill(recipients, email.Transient(0, err))
	}
	return c.session(ctx, conn, t, msg, recipients)
}

// direct delivers to each recipient domain's MX hosts, one session per
// domain, moving to the next host only when a connection cannot be made.
func (c *Client) direct(ctx context.Context, msg *email.OutgoingMessage, recipients []string) map[string]email.Outcome {
	var domains []string
	byDomain := make(map[string][]string)
	for _, rcpt := range recipients {
		d := strings.ToLower(transport.Domain(rcpt))
		if _, ok := byDomain[d]; !ok {
			domains = append(domains, d)
		}
		byDomain[d] = append(byDomain[d], rcpt)
	}

	out := make(map[string]email.Outcome, len(recipients))
	for _, domain := range domains {
		rcpts := byDomain[domain]
		for rcpt, o := range c.deliverDomain(ctx, domain, msg, rcpts) {
			out[rcpt] = o
		}
	}
	return out
}

func (c *Client) deliverDomain(ctx context.Context, domain string, msg *email.OutgoingMessage, rcpts []string) map[string]email.Outcome {
	if domain == "" {
		return email.Fill(rcpts, email.Rejected(0, errors.New("recipient has no domain")))
	}

	hosts, err := transport.MXHosts(ctx, c.resolver, domain)
	if errors.Is(err, transport.ErrNullMX) {
		return email.Fill(rcpts, email.Rejected(0, err))
	}
	if err != nil {
		return email.Fill(rcpts, email.Transient(0, err))
	}

	var lastErr error
	for _, host := range hosts {
		conn, err := c.transport.Connect(ctx, host, c.directPort)
		if err != nil {
			slog.Debug("mx connect failed",
				"message_id", msg.ID,
				"host", host,
				"error", err,
			)
			lastErr = err
			continue
		}
		// Direct peers rarely present certificates for their MX name.
		t := target{host: host, port: c.directPort, tlsMode: email.TLSOpportunistic, insecure: true}
		return c.session(ctx, conn, t, msg, rcpts)
	}
	return email.Fill(rcpts, email.Transient(0, fmt.Errorf("no reachable MX for %s: %w", domain, lastErr)))
}

// session runs one SMTP transaction over conn, which it always closes.
func (c *Client) session(ctx context.Context, conn net.Conn, t target, msg *email.OutgoingMessage, recipients []string) map[string]email.Outcome {
	ctx, cancel := context.WithTimeout(ctx, c.sessionTimeout)
	defer cancel()

	logger := slog.With("message_id", msg.ID, "host", t.host, "port", t.port)

	sc, release, err := c.open(ctx, conn, t)
	if err != nil {
		logger.Warn("smarthost session setup failed", "tls", t.tlsMode, "error", err)
		if errors.Is(err, ErrStartTLSUnavailable) {
			return email.Fill(recipients, email.Transient(0, err))
		}
		return email.Fill(recipients, classify(err))
	}
	defer release()
	defer sc.Close()

	if t.authenticate() {
		if err := sc.Auth(saslClient(sc, t)); err != nil {
			logger.Warn("smarthost authentication failed", "username", t.username, "error", err)
			return email.Fill(recipients, email.Transient(codeOf(err), fmt.Errorf("%w: %w", email.ErrAuth, err)))
		}
	}

	if err := sc.Mail(msg.From, nil); err != nil {
		return email.Fill(recipients, classify(err))
	}

	out := make(map[string]email.Outcome, len(recipients))
	var accepted []string
	for i, rcpt := range recipients {
		err := sc.Rcpt(rcpt, nil)
		if err == nil {
			accepted = append(accepted, rcpt)
			continue
		}
		var smtpErr *smtp.SMTPError
		if !errors.As(err, &smtpErr) {
			// The connection is gone; nothing after this point can succeed.
			for _, r := range recipients[i:] {
				out[r] = email.Transient(0, err)
			}
			for _, r := range accepted {
				out[r] = email.Transient(0, err)
			}
			return out
		}
		out[rcpt] = classify(err)
		logger.Info("recipient refused", "recipient", rcpt, "code", smtpErr.Code, "error", err)
	}

	if len(accepted) == 0 {
		_ = sc.Quit()
		return out
	}

	for rcpt, o := range c.data(ctx, sc, msg, accepted) {
		out[rcpt] = o
	}
	return out
}

// open greets the server over conn and secures the session as t asks.
// When an opportunistic upgrade finds no STARTTLS, the server has already
// been hung up on, so a fresh plaintext connection is made. Credentials
// never go out over that fallback. The returned func closes whichever
// connection is in use.
func (c *Client) open(ctx context.Context, conn net.Conn, t target) (*smtp.Client, func(), error) {
	release := closeWith(ctx, conn)

	switch t.tlsMode {
	case email.TLSNone:
		return c.hello(smtp.NewClient(conn), release)
	case email.TLSImplicit:
		cfg, err := c.tlsConfig(t)
		if err != nil {
			release()
			return nil, nil, err
		}
		tc := tls.Client(conn, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			release()
			return nil, nil, fmt.Errorf("tls handshake: %w", err)
		}
		return c.hello(smtp.NewClient(tc), release)
	}

	cfg, err := c.tlsConfig(t)
	if err != nil {
		release()
		return nil, nil, err
	}
	sc, err := smtp.NewClientStartTLS(conn, cfg)
	if err == nil {
		// The handshake runs with the first command on the upgraded link.
		up, release, herr := c.hello(sc, release)
		if herr != nil {
			return nil, nil, fmt.Errorf("starttls: %w", herr)
		}
		return up, release, nil
	}
	release()

	if !startTLSMissing(err) {
		return nil, nil, fmt.Errorf("starttls: %w", err)
	}
	if t.tlsMode == email.TLSRequired || t.authenticate() {
		return nil, nil, ErrStartTLSUnavailable
	}

	plain, err := c.transport.Connect(ctx, t.host, t.port)
	if err != nil {
		return nil, nil, err
	}
	return c.hello(smtp.NewClient(plain), closeWith(ctx, plain))
}

// hello introduces the client under its configured name.
func (c *Client) hello(sc *smtp.Client, release func()) (*smtp.Client, func(), error) {
	if err := sc.Hello(c.heloName); err != nil {
		sc.Close()
		release()
		return nil, nil, err
	}
	return sc, release, nil
}

// closeWith closes conn once ctx is done. The returned func closes it now.
func closeWith(ctx context.Context, conn net.Conn) func() {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	return func() {
		stop()
		conn.Close()
	}
}

// startTLSMissing reports the error go-smtp returns when the server does
// not advertise STARTTLS. It is not exported, and unlike server replies it
// is not an *smtp.SMTPError.
func startTLSMissing(err error) bool {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return false
	}
	return strings.Contains(err.Error(), "support STARTTLS")
}

// data sends the body once for all accepted recipients.
func (c *Client) data(ctx context.Context, sc *smtp.Client, msg *email.OutgoingMessage, accepted []string) map[string]email.Outcome {
	body, err := msg.Source.Open(ctx)
	if err != nil {
		return email.Fill(accepted, email.Transient(0, fmt.Errorf("open message source: %w", err)))
	}
	defer body.Close()

	w, err := sc.Data()
	if err != nil {
		return email.Fill(accepted, classify(err))
	}
	if _, err := io.Copy(w, body); err != nil {
		// Closing w would terminate a truncated message; abandon the
		// connection instead.
		return email.Fill(accepted, email.Transient(0, fmt.Errorf("write message body: %w", err)))
	}
	if err := w.Close(); err != nil {
		return email.Fill(accepted, classify(err))
	}

	_ = sc.Quit()
	return email.Fill(accepted, email.Delivered())
}

func (c *Client) tlsConfig(t target) (*tls.Config, error) {
	return smtptls.ClientConfig(smtptls.ClientOptions{
		ServerName:         t.host,
		CAFile:             c.caFile,
		RootCAs:            c.rootCAs,
		InsecureSkipVerify: t.insecure,
	})
}

// saslClient prefers PLAIN and falls back to LOGIN when only that is offered.
func saslClient(sc *smtp.Client, t target) sasl.Client {
	if !sc.SupportsAuth("PLAIN") && sc.SupportsAuth("LOGIN") {
		return sasl.NewLoginClient(t.username, t.password)
	}
	return sasl.NewPlainClient("", t.username, t.password)
}

// classify maps an SMTP reply to an outcome: 5xx is permanent, anything
// else (4xx, timeouts, broken connections) is retried.
func classify(err error) email.Outcome {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code >= 500 && smtpErr.Code < 600 {
		return email.Rejected(smtpErr.Code, err)
	}
	return email.Transient(codeOf(err), err)
}

func codeOf(err error) int {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code
	}
	return 0
}

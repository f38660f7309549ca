package smtptest

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strings"
	"time"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 10 * time.Second

// maxMessageSize is advertised in the EHLO response (10 MB).
const maxMessageSize = 10 * 1024 * 1024

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int
	relay  *Relay

	tlsActive bool
	username  string

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, relay *Relay) *Session {
	return &Session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		state:  stateConnected,
		relay:  relay,
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or an error occurs.
func (s *Session) Handle() {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP smtptest", s.relay.config.Hostname)

	for {
		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("test relay read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if done := s.handleCommand(cmd, arg); done {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA()
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.relay.config.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.relay.config.Hostname, arg)
	if s.relay.config.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.relay.auth.Enabled() {
		s.writeLine("250-AUTH %s", strings.Join(s.relay.config.mechanisms(), " "))
	}
	s.writeLine("250-SIZE %d", maxMessageSize)
	s.writeLine("250 8BITMIME")
}

func (s *Session) handleSTARTTLS() {
	if s.relay.config.TLSConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.relay.config.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Debug("test relay TLS handshake failed", "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
}

func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.relay.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	initial := ""
	if len(parts) > 1 {
		initial = strings.TrimSpace(parts[1])
	}

	mech := strings.ToUpper(parts[0])
	if !slices.Contains(s.relay.config.mechanisms(), mech) {
		s.writeLine("504 Unrecognized authentication type")
		return
	}

	switch mech {
	case "PLAIN":
		s.handleAuthPlain(initial)
	case "LOGIN":
		s.handleAuthLogin(initial)
	default:
		s.writeLine("504 Unrecognized authentication type")
	}
}

func (s *Session) handleAuthPlain(encoded string) {
	if encoded == "" {
		s.writeLine("334 ")
		line, ok := s.readAuthLine()
		if !ok {
			return
		}
		encoded = line
	}

	user, err := s.relay.auth.VerifyPlain(encoded)
	s.finishAuth(user, err)
}

// handleAuthLogin accepts the username either inline with the command or
// after the "Username:" challenge.
func (s *Session) handleAuthLogin(encodedUser string) {
	if encodedUser == "" {
		s.writeLine("334 VXNlcm5hbWU6")
		line, ok := s.readAuthLine()
		if !ok {
			return
		}
		encodedUser = line
	}

	s.writeLine("334 UGFzc3dvcmQ6")
	encodedPass, ok := s.readAuthLine()
	if !ok {
		return
	}

	user, err := s.relay.auth.VerifyLogin(encodedUser, encodedPass)
	s.finishAuth(user, err)
}

func (s *Session) readAuthLine() (string, bool) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", false
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "*" {
		s.writeLine("501 Authentication cancelled")
		return "", false
	}
	return line, true
}

func (s *Session) finishAuth(user string, err error) {
	if err != nil {
		s.relay.authFailed()
		s.writeLine("535 5.7.8 Authentication failed")
		return
	}
	s.username = user
	s.state = stateAuthOK
	s.writeLine("235 2.7.0 Authentication successful")
}

func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.relay.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 5.7.0 Authentication required")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	if reply := s.relay.config.MailReply; reply != nil {
		s.writeReply(*reply)
		return
	}

	s.mailFrom = extractAddress(arg[5:])
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	if fn := s.relay.config.RecipientReply; fn != nil {
		if reply := fn(addr); reply != nil {
			s.writeReply(*reply)
			return
		}
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the dot-terminated body and records the transaction.
// It returns true when the connection was dropped on purpose.
func (s *Session) handleDATA() bool {
	if s.state < stateRcptTo {
		s.writeLine("554 No valid recipients")
		return false
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var data strings.Builder
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return true
		}

		if s.relay.config.DropDuringData {
			return true
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}

		// Dot-stuffing: lines starting with ".." have the leading dot removed
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}

		data.WriteString(line)
	}

	if d := s.relay.config.Hold; d > 0 {
		time.Sleep(d)
	}

	if reply := s.relay.config.DataReply; reply != nil {
		s.writeReply(*reply)
		s.resetTransaction()
		return false
	}

	s.relay.record(Message{
		Username: s.username,
		From:     s.mailFrom,
		To:       append([]string(nil), s.rcptTo...),
		Data:     []byte(data.String()),
		TLS:      s.tlsActive,
	})
	s.writeLine("250 OK message queued")
	s.resetTransaction()
	return false
}

// resetTransaction clears the current mail transaction state without
// affecting the session state (greeting, auth).
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	if s.relay.auth.Enabled() && s.state >= stateAuthOK {
		s.state = stateAuthOK
	} else if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

func (s *Session) writeReply(r Reply) {
	s.writeLine("%d %s", r.Code, r.Message)
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		return
	}
	_ = s.writer.Flush()
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress extracts an email address from an SMTP parameter,
// handling both angle-bracket and bare formats.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}

	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}

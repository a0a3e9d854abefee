package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/mail"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/shineum/graph-relay/internal/email"
	"github.com/shineum/graph-relay/internal/parser"
	"github.com/shineum/graph-relay/internal/provider"
)

// maxRecipients caps RCPT TO commands per transaction; the Graph sendMail
// endpoint itself refuses messages beyond 500 recipients.
const maxRecipients = 500

// maxCommandLine caps one command line. RFC 5321 allows 512 octets plus
// extensions; 1024 leaves headroom for long AUTH responses.
const maxCommandLine = 1024

// errLineTooLong indicates a line arrived without a terminator within the
// allowed length. There is no line boundary to resynchronize on, so the
// session closes after reporting it.
var errLineTooLong = errors.New("smtp: line too long")

// Session is a single SMTP client connection: the protocol state machine,
// the envelope being accumulated, and the TLS/auth status of the link.
// A Session is owned by one goroutine and never shared.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  sessionState
	log    *slog.Logger

	auth          *Authenticator
	authenticated bool
	provider      provider.Provider
	cfg           *Config

	tlsActive bool
	helo      string
	envelope  email.Envelope
}

// NewSession creates a session for one accepted connection.
func NewSession(conn net.Conn, cfg *Config) *Session {
	id := ulid.Make().String()
	return &Session{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		writer:   bufio.NewWriter(conn),
		state:    stateConnected,
		auth:     NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
		provider: cfg.Provider,
		cfg:      cfg,
		log: slog.Default().With(
			"session", id,
			"remote", conn.RemoteAddr().String(),
		),
	}
}

// Handle runs the SMTP dialogue until the client quits, the connection
// fails, or the server shuts down. Commands are processed strictly in
// arrival order; a delivery attempt finishes before the next command is
// read.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.log.Info("connection accepted")
	defer s.log.Info("connection closed")

	s.writeLine("220 %s ESMTP graph-relay", s.cfg.Hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 4.3.0 %s Service shutting down", s.cfg.Hostname)
			return
		default:
		}

		line, err := s.readLine(s.cfg.CommandTimeout)
		if err != nil {
			switch {
			case isTimeout(err):
				// Best effort; the peer may already be gone.
				s.writeLine("421 4.4.2 %s Idle timeout, closing connection", s.cfg.Hostname)
			case errors.Is(err, errLineTooLong):
				s.log.Warn("command line exceeded length limit")
				s.writeLine("500 5.5.2 Line too long")
			case err != io.EOF:
				s.log.Debug("connection read error", "error", err)
			}
			return
		}
		if line == "" {
			continue
		}

		verb, arg := parser.Command(line)
		if s.handleCommand(ctx, verb, arg) {
			return
		}
	}
}

// handleCommand processes a single SMTP command and reports whether the
// session should end.
func (s *Session) handleCommand(ctx context.Context, verb, arg string) bool {
	switch verb {
	case "EHLO", "HELO":
		s.handleEHLO(verb, arg)
	case "STARTTLS":
		return s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "VRFY", "EXPN", "HELP":
		s.writeLine("502 5.5.1 Command not implemented")
	case "QUIT":
		s.writeLine("221 2.0.0 %s closing connection", s.cfg.Hostname)
		return true
	default:
		s.log.Debug("unrecognized command", "verb", verb)
		s.writeLine("500 5.5.2 Unrecognized command")
	}
	return false
}

// handleEHLO processes EHLO/HELO. Always legal; clears any open transaction.
func (s *Session) handleEHLO(verb, arg string) {
	if arg == "" {
		s.writeLine("501 5.5.4 Syntax: %s hostname", verb)
		return
	}

	s.helo = arg
	s.envelope.Reset()
	s.state = stateGreeted

	if verb == "HELO" {
		s.writeLine("250 %s Hello %s", s.cfg.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.cfg.Hostname, arg)
	s.writeLine("250-SIZE %d", s.cfg.MaxMessageSize)
	if s.cfg.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.auth.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250 OK")
}

// handleSTARTTLS upgrades the connection to TLS. Legal only before a mail
// transaction is open; after the upgrade the client must greet again.
// Returns true when the session must end (failed handshake).
func (s *Session) handleSTARTTLS() bool {
	if s.cfg.TLSConfig == nil {
		s.writeLine("454 4.7.0 TLS not available")
		return false
	}
	if s.tlsActive {
		s.writeLine("503 5.5.1 TLS already active")
		return false
	}
	if s.state.inTransaction() {
		s.writeLine("503 5.5.1 STARTTLS not allowed during a mail transaction")
		return false
	}

	s.writeLine("220 2.0.0 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.cfg.TLSConfig)
	if err := s.conn.SetDeadline(time.Now().Add(s.cfg.CommandTimeout)); err != nil {
		s.log.Warn("failed to set TLS handshake deadline", "error", err)
		return true
	}
	if err := tlsConn.Handshake(); err != nil {
		s.log.Warn("TLS handshake failed", "error", err)
		return true
	}
	tlsConn.SetDeadline(time.Time{})

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true

	// RFC 3207: the protocol restarts after the security layer change.
	s.state = stateConnected
	s.helo = ""
	s.authenticated = false
	s.envelope.Reset()

	s.log.Info("connection upgraded to TLS",
		"version", tls.VersionName(tlsConn.ConnectionState().Version),
	)
	return false
}

// handleAUTH processes AUTH PLAIN and AUTH LOGIN.
func (s *Session) handleAUTH(arg string) {
	if s.state == stateConnected {
		s.writeLine("503 5.5.1 Send EHLO/HELO first")
		return
	}
	if !s.auth.Enabled() {
		s.writeLine("503 5.5.1 AUTH not available")
		return
	}
	if s.authenticated {
		s.writeLine("503 5.5.1 Already authenticated")
		return
	}
	if s.cfg.RequireTLS && !s.tlsActive {
		// Never let credentials cross a plaintext link.
		s.writeLine("530 5.7.11 Encryption required, use STARTTLS first")
		return
	}

	mechanism, rest, _ := strings.Cut(arg, " ")
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		s.handleAuthPlain(rest)
	case "LOGIN":
		s.handleAuthLogin()
	default:
		s.writeLine("504 5.5.4 Unrecognized authentication type")
	}
}

// handleAuthPlain verifies an AUTH PLAIN exchange, inline or via challenge.
func (s *Session) handleAuthPlain(initial string) {
	encoded := initial
	if encoded == "" {
		s.writeLine("334")
		line, err := s.readLine(s.cfg.CommandTimeout)
		if err != nil {
			s.log.Debug("failed to read AUTH PLAIN response", "error", err)
			return
		}
		encoded = line
	}

	if encoded == "*" {
		s.writeLine("501 5.5.2 Authentication cancelled")
		return
	}

	if err := s.auth.VerifyPlain(encoded); err != nil {
		s.log.Warn("authentication failed", "mechanism", "PLAIN")
		s.writeLine("535 5.7.8 Authentication failed")
		return
	}

	s.authenticated = true
	s.writeLine("235 2.7.0 Authentication successful")
}

// handleAuthLogin verifies an AUTH LOGIN challenge-response exchange.
func (s *Session) handleAuthLogin() {
	// "Username:" then "Password:", base64-encoded challenges
	s.writeLine("334 VXNlcm5hbWU6")
	encodedUser, err := s.readLine(s.cfg.CommandTimeout)
	if err != nil {
		s.log.Debug("failed to read AUTH LOGIN username", "error", err)
		return
	}
	if encodedUser == "*" {
		s.writeLine("501 5.5.2 Authentication cancelled")
		return
	}

	s.writeLine("334 UGFzc3dvcmQ6")
	encodedPass, err := s.readLine(s.cfg.CommandTimeout)
	if err != nil {
		s.log.Debug("failed to read AUTH LOGIN password", "error", err)
		return
	}
	if encodedPass == "*" {
		s.writeLine("501 5.5.2 Authentication cancelled")
		return
	}

	if err := s.auth.VerifyLogin(encodedUser, encodedPass); err != nil {
		s.log.Warn("authentication failed", "mechanism", "LOGIN")
		s.writeLine("535 5.7.8 Authentication failed")
		return
	}

	s.authenticated = true
	s.writeLine("235 2.7.0 Authentication successful")
}

// handleMAIL opens a mail transaction. Legal only in the greeted state.
func (s *Session) handleMAIL(arg string) {
	switch {
	case s.state == stateConnected:
		s.writeLine("503 5.5.1 Send EHLO/HELO first")
		return
	case s.state.inTransaction():
		s.writeLine("503 5.5.1 Transaction already in progress, use RSET")
		return
	}
	if s.cfg.RequireTLS && !s.tlsActive {
		s.writeLine("530 5.7.11 Encryption required, use STARTTLS first")
		return
	}
	if s.auth.Enabled() && !s.authenticated {
		s.writeLine("530 5.7.0 Authentication required")
		return
	}

	addr, declaredSize, err := parser.MailFrom(arg)
	if err != nil {
		s.writeLine("501 5.5.4 Syntax: MAIL FROM:<address>")
		return
	}
	if _, err := mail.ParseAddress(addr); err != nil {
		s.writeLine("553 5.1.7 Invalid sender address")
		return
	}
	if declaredSize > s.cfg.MaxMessageSize {
		s.writeLine("552 5.3.4 Message size exceeds limit of %d bytes", s.cfg.MaxMessageSize)
		return
	}

	s.envelope.Reset()
	s.envelope.From = addr
	s.state = stateMailFrom
	s.writeLine("250 2.1.0 OK")
}

// handleRCPT appends a recipient. Legal only after MAIL FROM.
func (s *Session) handleRCPT(arg string) {
	if !s.state.inTransaction() {
		s.writeLine("503 5.5.1 Send MAIL FROM first")
		return
	}
	if len(s.envelope.To) >= maxRecipients {
		s.writeLine("452 4.5.3 Too many recipients")
		return
	}

	addr, err := parser.RcptTo(arg)
	if err != nil {
		s.writeLine("501 5.5.4 Syntax: RCPT TO:<address>")
		return
	}
	if _, err := mail.ParseAddress(addr); err != nil {
		s.writeLine("553 5.1.3 Invalid recipient address")
		return
	}

	s.envelope.To = append(s.envelope.To, addr)
	s.state = stateRcptTo
	s.writeLine("250 2.1.5 OK")
}

// handleDATA reads the message body and runs the delivery pipeline. The
// client is blocked until the outcome of this message is known. Returns
// true when the session must end (read failure mid-body).
func (s *Session) handleDATA(ctx context.Context) bool {
	if s.state != stateRcptTo {
		s.writeLine("503 5.5.1 Send RCPT TO first")
		return false
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	// A single body line may legally span the whole message, but never
	// more: past this no terminator can save the message, so the buffer
	// stays bounded by the size limit.
	maxDataLine := int(s.cfg.MaxMessageSize) + maxCommandLine

	var (
		buf      bytes.Buffer
		exceeded bool
	)
	for {
		line, err := s.readRawLine(s.cfg.DataTimeout, maxDataLine)
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				s.log.Warn("message line exceeded length limit, closing connection",
					"limit", maxDataLine,
				)
				s.writeLine("500 5.5.2 Line too long")
				return true
			}
			// A partial message is never delivered; close without a
			// reply, the client cannot distinguish outcomes anyway.
			s.log.Warn("read error during DATA", "error", err)
			return true
		}

		if strings.TrimRight(line, "\r\n") == "." {
			break
		}

		// Dot-stuffing: ".." at line start encodes a literal "."
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}

		if exceeded {
			continue
		}
		if int64(buf.Len()+len(line)) > s.cfg.MaxMessageSize {
			// Keep draining to the terminator so the protocol stays
			// in sync, but discard everything read so far.
			exceeded = true
			buf.Reset()
			continue
		}
		buf.WriteString(line)
	}

	defer s.resetTransaction()

	if exceeded {
		s.log.Warn("message rejected: size limit exceeded",
			"limit", s.cfg.MaxMessageSize,
		)
		s.writeLine("552 5.2.3 Message exceeds maximum size of %d bytes", s.cfg.MaxMessageSize)
		return false
	}

	s.envelope.Raw = buf.Bytes()
	msg, err := email.Normalize(&s.envelope, s.cfg.MaxMessageSize)
	if err != nil {
		s.log.Warn("message rejected by normalizer", "error", err)
		if errors.Is(err, email.ErrMessageTooLarge) {
			s.writeLine("552 5.2.3 Message exceeds maximum size of %d bytes", s.cfg.MaxMessageSize)
		} else {
			s.writeLine("554 5.6.0 Message rejected")
		}
		return false
	}

	s.deliver(ctx, msg)
	return false
}

// deliver hands the message to the provider and maps the outcome onto the
// SMTP reply the client sees.
func (s *Session) deliver(ctx context.Context, msg *email.Message) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	err := s.provider.Send(dctx, msg)
	elapsed := time.Since(start).Round(time.Millisecond)

	switch {
	case err == nil:
		s.log.Info("message delivered",
			"provider", s.provider.Name(),
			"recipients", len(msg.To),
			"size", msg.Size,
			"duration", elapsed,
		)
		s.writeLine("250 2.6.0 Message accepted for delivery")

	case provider.IsPermanent(err):
		s.log.Error("delivery failed permanently",
			"provider", s.provider.Name(),
			"duration", elapsed,
			"error", err,
		)
		s.writeLine("554 5.0.0 Message rejected by delivery backend")

	case provider.IsAuth(err):
		s.log.Error("delivery failed: backend rejected relay credentials",
			"provider", s.provider.Name(),
			"duration", elapsed,
			"error", err,
		)
		s.writeLine("454 4.7.0 Temporary authentication failure, try again later")

	default:
		s.log.Warn("delivery failed temporarily",
			"provider", s.provider.Name(),
			"duration", elapsed,
			"error", err,
		)
		s.writeLine("451 4.4.1 Temporary delivery failure, try again later")
	}
}

// resetTransaction clears the envelope and returns to the greeted state.
// TLS and authentication status survive; they belong to the link, not the
// transaction.
func (s *Session) resetTransaction() {
	s.envelope.Reset()
	if s.state != stateConnected {
		s.state = stateGreeted
	}
}

// readLine reads one command line, trimmed of its CRLF, under a deadline.
func (s *Session) readLine(timeout time.Duration) (string, error) {
	line, err := s.readRawLine(timeout, maxCommandLine)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readRawLine reads one line including its line ending, under a deadline.
// It never buffers more than max bytes: a line still unterminated at that
// point returns errLineTooLong instead of growing without bound.
func (s *Session) readRawLine(timeout time.Duration, max int) (string, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}

	var line []byte
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if len(line)+len(chunk) > max {
			return "", errLineTooLong
		}
		line = append(line, chunk...)

		switch err {
		case nil:
			return string(line), nil
		case bufio.ErrBufferFull:
			continue
		default:
			return "", err
		}
	}
}

// writeLine writes a formatted reply line followed by CRLF.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		s.log.Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.log.Debug("failed to flush to client", "error", err)
	}
}

// isTimeout reports whether err is a read-deadline expiry.
func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout() || errors.Is(err, os.ErrDeadlineExceeded)
}

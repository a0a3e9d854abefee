// Package email defines the envelope and message model used throughout the relay.
package email

import "errors"

var (
	// ErrNoSender indicates the envelope has no reverse-path.
	ErrNoSender = errors.New("email: envelope has no sender")

	// ErrNoRecipients indicates the envelope has no forward-paths.
	ErrNoRecipients = errors.New("email: envelope has no recipients")

	// ErrMessageTooLarge indicates the message body exceeds the configured limit.
	ErrMessageTooLarge = errors.New("email: message exceeds maximum size")
)

// Envelope is the mutable per-transaction state accumulated during one SMTP
// mail transaction: the MAIL FROM sender, the RCPT TO recipients in arrival
// order, and the raw message bytes collected during DATA.
//
// An Envelope belongs to exactly one session and is cleared on RSET, on
// EHLO/HELO, on a new MAIL FROM, and after every delivery attempt.
type Envelope struct {
	From string
	To   []string
	Raw  []byte
}

// Reset clears the envelope for reuse by the next transaction.
func (e *Envelope) Reset() {
	e.From = ""
	e.To = nil
	e.Raw = nil
}

// Message is an immutable, validated snapshot of a completed Envelope,
// ready for handoff to a delivery provider. Raw holds the RFC 5322 message
// exactly as received; the relay never rewrites headers or body.
type Message struct {
	From string
	To   []string
	Raw  []byte
	Size int64
}

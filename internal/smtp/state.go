// Package smtp implements the inbound SMTP server: a connection listener
// with a concurrency cap and a per-connection protocol state machine that
// hands completed messages to a delivery provider.
package smtp

// sessionState is the protocol position of one SMTP session. Commands are
// only legal in certain states; the handlers guard every transition and
// answer out-of-sequence commands with a 503.
type sessionState int

const (
	// stateConnected: connection established (or re-established after a
	// STARTTLS upgrade); the client must greet with EHLO/HELO.
	stateConnected sessionState = iota

	// stateGreeted: greeting done, no transaction open.
	stateGreeted

	// stateMailFrom: MAIL FROM accepted, awaiting recipients.
	stateMailFrom

	// stateRcptTo: at least one RCPT TO accepted; DATA is now legal.
	stateRcptTo
)

// String returns the human-readable name of the state.
func (s sessionState) String() string {
	switch s {
	case stateConnected:
		return "Connected"
	case stateGreeted:
		return "Greeted"
	case stateMailFrom:
		return "MailFrom"
	case stateRcptTo:
		return "RcptTo"
	default:
		return "Unknown"
	}
}

// inTransaction reports whether a mail transaction is open. STARTTLS and
// MAIL are refused while this holds.
func (s sessionState) inTransaction() bool {
	return s == stateMailFrom || s == stateRcptTo
}

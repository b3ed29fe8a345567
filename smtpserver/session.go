package smtpserver

import (
	"crypto/tls"
	"net"
)

// Session describes one connection's protocol-level state, as visible to
// the consumer's callbacks. It is only ever touched from the connection's
// own goroutine, so callbacks must not retain it past the call that
// handed it to them.
type Session struct {
	// ID is a short, process-unique identifier for this connection, used
	// for correlating log lines.
	ID string

	// RemoteAddr is the client's network address (post-HAProxy, if
	// enabled).
	RemoteAddr net.Addr

	// EHLODomain is the domain the client gave in HELO/EHLO.
	EHLODomain string
	ESMTP      bool

	// TLS is true once the connection is protected, either because it
	// was wrapped from the start or because STARTTLS completed.
	TLS      bool
	TLSState *tls.ConnectionState

	// Authenticated is true once AUTH completed successfully. User is
	// the opaque value the AuthCallback returned.
	Authenticated bool
	User          interface{}

	// MailFrom and RcptTo hold the envelope accumulated so far.
	MailFrom string
	RcptTo   []string

	// UnauthCommands counts commands accepted while Authenticated is
	// still false. It stops being incremented once AUTH succeeds.
	UnauthCommands int

	// UnrecognizedCommands counts commands that fell through to the
	// "unknown command" reply.
	UnrecognizedCommands int
}

// resetEnvelope clears the per-message envelope, as required after a
// successful DATA, a RSET, or a STARTTLS (which must start the dialog
// over).
func (s *Session) resetEnvelope() {
	s.MailFrom = ""
	s.RcptTo = nil
}

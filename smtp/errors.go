package smtp

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStartTLSUnavailable is wrapped in a *TLSError when STARTTLS is
	// required but the server doesn't advertise it.
	ErrStartTLSUnavailable = errors.New("the server does not advertise STARTTLS")
	// ErrAuthUnsupported is wrapped in an *AuthenticationError when
	// credentials are configured but the server doesn't advertise AUTH.
	ErrAuthUnsupported = errors.New("the server does not advertise AUTH")
	// ErrSMTPUTF8Unsupported means an address needs SMTPUTF8 and the relay
	// doesn't offer it.
	ErrSMTPUTF8Unsupported = errors.New("an address needs SMTPUTF8 but the server does not support it")
	// ErrMessageTooLarge means the message is bigger than a configured or
	// advertised size limit.
	ErrMessageTooLarge = errors.New("the message is too large")
	// ErrSessionClosed is returned when a Session is used after Close.
	ErrSessionClosed = errors.New("the session is closed")
)

// ConnectionError covers DNS failures, refused connections and connect
// timeouts.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("can't connect to %v: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError is an unexpected reply or a malformed line. Reply is nil
// when the failure happened below the reply level.
type ProtocolError struct {
	Command string
	Reply   *Reply
	Err     error
}

func (e *ProtocolError) Error() string {
	return describe("protocol error", e.Command, e.Reply, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Temporary reports a 4xx reply.
func (e *ProtocolError) Temporary() bool { return e.Reply != nil && e.Reply.Transient() }

// TLSError is a failed handshake, a refused STARTTLS, or STARTTLS being
// required but unavailable.
type TLSError struct {
	Reply *Reply
	Err   error
}

func (e *TLSError) Error() string {
	return describe("TLS negotiation failed", "STARTTLS", e.Reply, e.Err)
}

func (e *TLSError) Unwrap() error { return e.Err }

// AuthenticationError means the server didn't accept the credentials, or
// AUTH couldn't be carried out. Code is 0 when there was no final reply.
type AuthenticationError struct {
	Mechanism string
	Reply     *Reply
	Err       error
}

func (e *AuthenticationError) Error() string {
	cmd := "AUTH"
	if e.Mechanism != "" {
		cmd += " " + e.Mechanism
	}
	return describe("authentication failed", cmd, e.Reply, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// Code is the server's reply code, or 0.
func (e *AuthenticationError) Code() int {
	if e.Reply == nil {
		return 0
	}
	return e.Reply.Code
}

// Temporary reports a 4xx reply.
func (e *AuthenticationError) Temporary() bool { return e.Reply != nil && e.Reply.Transient() }

// Rejection is one recipient the server refused.
type Rejection struct {
	Address string
	Reply   *Reply
}

// RecipientRejectedError is returned when any RCPT TO is refused. The
// message isn't delivered to the remaining recipients either.
type RecipientRejectedError struct {
	Rejected []Rejection
}

func (e *RecipientRejectedError) Error() string {
	rs := make([]string, len(e.Rejected))
	for i, r := range e.Rejected {
		rs[i] = fmt.Sprintf("<%v>: %v", r.Address, r.Reply)
	}
	return "the server rejected recipients " + strings.Join(rs, "; ")
}

// Addresses lists the rejected recipients.
func (e *RecipientRejectedError) Addresses() []string {
	as := make([]string, len(e.Rejected))
	for i, r := range e.Rejected {
		as[i] = r.Address
	}
	return as
}

// Temporary reports whether every rejection was a 4xx.
func (e *RecipientRejectedError) Temporary() bool {
	for _, r := range e.Rejected {
		if !r.Reply.Transient() {
			return false
		}
	}
	return len(e.Rejected) > 0
}

// TransmissionError is a failure during the DATA phase.
type TransmissionError struct {
	Reply *Reply
	Err   error
}

func (e *TransmissionError) Error() string {
	return describe("transmission failed", "DATA", e.Reply, e.Err)
}

func (e *TransmissionError) Unwrap() error { return e.Err }

// Temporary reports a 4xx reply.
func (e *TransmissionError) Temporary() bool { return e.Reply != nil && e.Reply.Transient() }

// TeardownError is a failed QUIT or close. It never replaces the outcome of
// the send it follows.
type TeardownError struct {
	Reply *Reply
	Err   error
}

func (e *TeardownError) Error() string {
	return describe("teardown failed", "QUIT", e.Reply, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }

func describe(what, cmd string, r *Reply, err error) string {
	var b strings.Builder
	b.WriteString(what)
	if cmd != "" {
		b.WriteString(" at ")
		b.WriteString(cmd)
	}
	if r != nil {
		b.WriteString(": server replied ")
		b.WriteString(r.String())
	}
	if err != nil {
		b.WriteString(": ")
		b.WriteString(err.Error())
	}
	return b.String()
}

package smtp

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ptgott/one-mailer/auth"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// quitTimeout bounds QUIT so that teardown after a failure can't hang on a
// server that stopped talking.
const quitTimeout = 5 * time.Second

// Options configures a Session.
type Options struct {
	// Host is the relay's host name and the default TLS ServerName.
	Host string
	// HeloName is sent with EHLO. Defaults to "localhost".
	HeloName string
	Security Security
	// TLSConfig is cloned before use. Nil means the defaults for Host.
	TLSConfig *tls.Config
	// Credentials are optional. With zero Credentials AUTH is skipped.
	Credentials auth.Credentials
	// Mechanism forces a SASL mechanism instead of picking the strongest.
	Mechanism string
	// Deadline, if set, caps the time Close may spend on QUIT.
	Deadline time.Time
	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

// Session drives one SMTP conversation over a connection it owns. It is not
// safe for concurrent use; every send gets its own Session.
type Session struct {
	conn net.Conn
	text *textproto.Conn
	opts Options
	log  zerolog.Logger

	state     State
	caps      Capabilities
	tlsActive bool
	mechanism string

	greeted bool // we got a reply from the server, so QUIT makes sense
	broken  bool // a failed TLS handshake left the stream unusable
	ready   bool // Open succeeded
	sent    bool
	closed  bool
}

// NewSession takes ownership of conn. Call Close to release it, whatever
// happens in between.
func NewSession(conn net.Conn, opts Options) *Session {
	l := log.Logger
	if opts.Logger != nil {
		l = *opts.Logger
	}
	if opts.HeloName == "" {
		opts.HeloName = "localhost"
	}
	s := &Session{
		conn:  conn,
		text:  textproto.NewConn(conn),
		opts:  opts,
		state: StateConnected,
	}
	s.log = l.With().Str("relay", conn.RemoteAddr().String()).Logger()
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Capabilities returns the extensions from the most recent EHLO.
func (s *Session) Capabilities() Capabilities {
	return s.caps
}

// TLSActive reports whether the connection is encrypted.
func (s *Session) TLSActive() bool {
	return s.tlsActive
}

// Mechanism returns the SASL mechanism used, or "" if AUTH was skipped.
func (s *Session) Mechanism() string {
	return s.mechanism
}

// Open reads the greeting, negotiates capabilities and TLS, and
// authenticates. The session is unusable after an error, apart from Close.
func (s *Session) Open(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.state != StateConnected {
		return fmt.Errorf("can't open a session in state %v", s.state)
	}

	if s.opts.Security == SecurityTLS {
		if err := s.handshake(ctx); err != nil {
			return s.fail(err)
		}
	}

	reply, err := s.readReply()
	if err != nil {
		return s.fail(&ProtocolError{Command: "greeting", Err: err})
	}
	s.greeted = true
	if reply.Code != 220 {
		return s.fail(&ProtocolError{Command: "greeting", Reply: reply})
	}

	if err := s.hello(); err != nil {
		return s.fail(err)
	}
	if err := s.startTLS(ctx); err != nil {
		return s.fail(err)
	}
	if err := s.authenticate(); err != nil {
		return s.fail(err)
	}
	s.ready = true
	return nil
}

// Send transmits one message to every recipient or to none of them. from
// and to are bare addr-specs. data must already use CRLF line endings; dot
// stuffing is done here.
func (s *Session) Send(from string, to []string, data []byte) error {
	if s.closed {
		return ErrSessionClosed
	}
	if !s.ready || s.sent {
		return fmt.Errorf("can't send in state %v", s.state)
	}
	if len(to) == 0 {
		return s.fail(&ProtocolError{Command: "RCPT", Err: errors.New("no recipients")})
	}

	s.setState(StateSending)
	if err := s.envelope(from, to, data); err != nil {
		return s.fail(err)
	}
	if err := s.data(data); err != nil {
		return s.fail(err)
	}
	s.sent = true
	return nil
}

// Close sends QUIT if anything was ever said on the connection and then
// closes it. It always closes the connection, and it's safe to call more
// than once. The returned error is always a *TeardownError.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var terr error
	if s.greeted && !s.broken {
		deadline := time.Now().Add(quitTimeout)
		if !s.opts.Deadline.IsZero() && s.opts.Deadline.Before(deadline) {
			deadline = s.opts.Deadline
		}
		// Not fatal: QUIT will fail on its own if the deadline can't be set
		_ = s.conn.SetDeadline(deadline)

		reply, err := s.cmd("QUIT")
		switch {
		case err != nil:
			terr = &TeardownError{Err: err}
		case reply.Code != 221:
			terr = &TeardownError{Reply: reply}
		}
	}
	if err := s.text.Close(); err != nil && terr == nil {
		terr = &TeardownError{Err: err}
	}

	switch {
	case s.state == StateFailed:
	case s.sent:
		s.setState(StateCompleted)
	default:
		s.setState(StateDisconnected)
	}
	return terr
}

func (s *Session) setState(st State) {
	if st == s.state {
		return
	}
	s.log.Debug().
		Str("from", s.state.String()).
		Str("to", st.String()).
		Msg("session state")
	s.state = st
}

func (s *Session) fail(err error) error {
	s.setState(StateFailed)
	return err
}

func (s *Session) tlsConfig() *tls.Config {
	var c *tls.Config
	if s.opts.TLSConfig != nil {
		c = s.opts.TLSConfig.Clone()
	} else {
		c = &tls.Config{}
	}
	if c.ServerName == "" {
		c.ServerName = s.opts.Host
	}
	if c.MinVersion == 0 {
		c.MinVersion = tls.VersionTLS12
	}
	return c
}

func (s *Session) handshake(ctx context.Context) error {
	tc := tls.Client(s.conn, s.tlsConfig())
	if err := tc.HandshakeContext(ctx); err != nil {
		s.broken = true
		return &TLSError{Err: err}
	}
	s.conn = tc
	s.text = textproto.NewConn(tc)
	s.tlsActive = true

	cs := tc.ConnectionState()
	s.log.Debug().
		Str("version", tls.VersionName(cs.Version)).
		Str("cipher", tls.CipherSuiteName(cs.CipherSuite)).
		Msg("TLS established")
	s.setState(StateTLSNegotiated)
	return nil
}

func (s *Session) hello() error {
	reply, err := s.cmd("EHLO %s", s.opts.HeloName)
	if err != nil {
		return &ProtocolError{Command: "EHLO", Err: err}
	}
	if reply.Code != 250 {
		return &ProtocolError{Command: "EHLO", Reply: reply}
	}
	s.caps = parseCapabilities(reply)
	s.log.Debug().Strs("extensions", s.caps.Keywords()).Msg("server capabilities")
	return nil
}

func (s *Session) startTLS(ctx context.Context) error {
	if s.opts.Security != SecurityStartTLS && s.opts.Security != SecurityOpportunistic {
		return nil
	}
	if !s.caps.Has("STARTTLS") {
		if s.opts.Security == SecurityStartTLS {
			return &TLSError{Err: ErrStartTLSUnavailable}
		}
		s.log.Warn().Msg("the server does not offer STARTTLS, continuing without encryption")
		return nil
	}

	reply, err := s.cmd("STARTTLS")
	if err != nil {
		return &TLSError{Err: err}
	}
	if reply.Code != 220 {
		return &TLSError{Reply: reply}
	}
	if err := s.handshake(ctx); err != nil {
		return err
	}
	// Everything learned before the upgrade is discarded (RFC 3207 4.2)
	s.caps = Capabilities{}
	return s.hello()
}

func (s *Session) authenticate() error {
	creds := s.opts.Credentials
	if creds.IsZero() {
		return nil
	}
	if !s.caps.Has("AUTH") {
		return &AuthenticationError{Err: ErrAuthUnsupported}
	}

	mech, err := auth.Select(s.caps.AuthMechanisms(), s.opts.Mechanism, s.tlsActive)
	if err != nil {
		var ie *auth.InsecureAuthError
		if errors.As(err, &ie) {
			return err
		}
		return &AuthenticationError{Err: err}
	}
	client, err := auth.NewClient(mech, creds)
	if err != nil {
		return &AuthenticationError{Mechanism: mech, Err: err}
	}
	_, ir, err := client.Start()
	if err != nil {
		return &AuthenticationError{Mechanism: mech, Err: err}
	}

	s.log.Debug().Str("mechanism", mech).Object("credentials", creds).Msg("authenticating")

	line := "AUTH " + mech
	if ir != nil {
		// A zero-length initial response is sent as "=" (RFC 4954 4)
		enc := "="
		if len(ir) > 0 {
			enc = base64.StdEncoding.EncodeToString(ir)
		}
		line += " " + enc
	}
	reply, err := s.exchange(line, "AUTH "+mech+" [redacted]")
	for err == nil && reply.Code == 334 {
		var resp []byte
		challenge, cerr := base64.StdEncoding.DecodeString(reply.Text())
		if cerr == nil {
			resp, cerr = client.Next(challenge)
		}
		if cerr != nil {
			// Cancel the exchange; the server answers 501, which we ignore
			_, _ = s.exchange("*", "*")
			return &AuthenticationError{Mechanism: mech, Err: cerr}
		}
		reply, err = s.exchange(base64.StdEncoding.EncodeToString(resp), "[redacted]")
	}
	if err != nil {
		return &AuthenticationError{Mechanism: mech, Err: err}
	}
	if !reply.Positive() {
		return &AuthenticationError{Mechanism: mech, Reply: reply}
	}
	// A 235 right after the client final message leaves SCRAM unverified
	if v, ok := client.(auth.Verifier); ok && !v.Verified() {
		return &AuthenticationError{Mechanism: mech, Err: auth.ErrServerNotVerified}
	}

	s.mechanism = mech
	s.setState(StateAuthenticated)
	return nil
}

func (s *Session) envelope(from string, to []string, data []byte) error {
	size := int64(len(data))
	if limit, ok := s.caps.Size(); ok && size > limit {
		return &ProtocolError{
			Command: "MAIL",
			Err:     fmt.Errorf("%w: %d bytes, the server accepts at most %d", ErrMessageTooLarge, size, limit),
		}
	}

	mail := "MAIL FROM:<" + from + ">"
	if s.caps.Has("SIZE") {
		mail += fmt.Sprintf(" SIZE=%d", size)
	}
	if needsUTF8(from, to) {
		if !s.caps.Has("SMTPUTF8") {
			return &ProtocolError{Command: "MAIL", Err: ErrSMTPUTF8Unsupported}
		}
		mail += " SMTPUTF8"
	}
	if s.caps.Has("8BITMIME") && has8bit(data) {
		mail += " BODY=8BITMIME"
	}

	reply, err := s.cmd("%s", mail)
	if err != nil {
		return &ProtocolError{Command: "MAIL", Err: err}
	}
	if reply.Code != 250 {
		return &ProtocolError{Command: "MAIL", Reply: reply}
	}

	// Every recipient gets a RCPT so the caller learns about all the bad
	// ones at once.
	var rejected []Rejection
	for _, rcpt := range to {
		reply, err := s.cmd("RCPT TO:<%s>", rcpt)
		if err != nil {
			return &ProtocolError{Command: "RCPT", Err: err}
		}
		if reply.Code != 250 && reply.Code != 251 {
			s.log.Warn().
				Str("recipient", rcpt).
				Str("reply", reply.String()).
				Msg("recipient rejected")
			rejected = append(rejected, Rejection{Address: rcpt, Reply: reply})
		}
	}
	if len(rejected) > 0 {
		return &RecipientRejectedError{Rejected: rejected}
	}
	return nil
}

func (s *Session) data(data []byte) error {
	reply, err := s.cmd("DATA")
	if err != nil {
		return &TransmissionError{Err: err}
	}
	if reply.Code != 354 {
		return &TransmissionError{Reply: reply}
	}

	w := s.text.DotWriter()
	if _, err := w.Write(data); err != nil {
		w.Close()
		return &TransmissionError{Err: err}
	}
	if err := w.Close(); err != nil {
		return &TransmissionError{Err: err}
	}

	reply, err = s.readReply()
	if err != nil {
		return &TransmissionError{Err: err}
	}
	if reply.Code != 250 {
		return &TransmissionError{Reply: reply}
	}
	s.log.Debug().Int("bytes", len(data)).Msg("message accepted")
	return nil
}

func (s *Session) cmd(format string, args ...interface{}) (*Reply, error) {
	line := fmt.Sprintf(format, args...)
	return s.exchange(line, line)
}

// exchange writes one line and reads the reply. logged is what goes to the
// debug log in place of line.
func (s *Session) exchange(line, logged string) (*Reply, error) {
	if strings.ContainsAny(line, "\r\n") {
		return nil, fmt.Errorf("refusing to send a command with a line break: %q", logged)
	}
	s.log.Debug().Str("command", logged).Msg("client")
	if err := s.text.PrintfLine("%s", line); err != nil {
		return nil, err
	}
	return s.readReply()
}

func (s *Session) readReply() (*Reply, error) {
	code, msg, err := s.text.ReadResponse(0)
	if err != nil {
		return nil, err
	}
	r := newReply(code, msg)
	s.log.Debug().Int("code", code).Str("reply", r.String()).Msg("server")
	return r, nil
}

func needsUTF8(from string, to []string) bool {
	for _, a := range append([]string{from}, to...) {
		for i := 0; i < len(a); i++ {
			if a[i] >= utf8.RuneSelf {
				return true
			}
		}
	}
	return false
}

func has8bit(data []byte) bool {
	for _, c := range data {
		if c >= 0x80 {
			return true
		}
	}
	return false
}

package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/ptgott/one-mailer/auth"
	"github.com/ptgott/one-mailer/message"
	"github.com/ptgott/one-mailer/smtp"

	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds a whole send, from dialing to QUIT, when Config
// doesn't say otherwise.
const DefaultTimeout = 30 * time.Second

// Endpoint is where the relay listens and how to protect the connection.
// The port isn't checked against the security mode; a mismatch shows up as
// a handshake or greeting failure.
type Endpoint struct {
	Host     string
	Port     int
	Security smtp.Security
}

// Address is host:port, bracketing IPv6 literals.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.Address() + " (" + e.Security.String() + ")"
}

// Dialer opens connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config is everything a Transport needs. It's passed by value and never
// read from the environment here; see userconfig for that.
type Config struct {
	Endpoint    Endpoint
	Credentials auth.Credentials
	// HeloName is sent with EHLO. Defaults to the machine's hostname.
	HeloName string
	// Timeout bounds each Send. Defaults to DefaultTimeout.
	Timeout time.Duration
	// TLSConfig is cloned. ServerName defaults to Endpoint.Host and
	// MinVersion to TLS 1.2.
	TLSConfig *tls.Config
	// Mechanism forces a SASL mechanism.
	Mechanism string
	// MaxMessageSize rejects larger messages before dialing. Zero means
	// only the relay's advertised SIZE applies.
	MaxMessageSize int64
	// Dialer defaults to a net.Dialer.
	Dialer Dialer
}

// Transport sends messages to one relay. It holds no mutable state after
// NewTransport, so Send can be called from several goroutines at once,
// each call getting its own connection.
type Transport struct {
	cfg Config
}

// NewTransport validates c and fills in its defaults.
func NewTransport(c Config) (*Transport, error) {
	if c.Endpoint.Host == "" {
		return nil, errors.New("must supply the relay's host")
	}
	if c.Endpoint.Port <= 0 || c.Endpoint.Port > 65535 {
		return nil, fmt.Errorf("the relay port must be between 1 and 65535, got %d", c.Endpoint.Port)
	}
	if c.Mechanism != "" && !auth.Supported(c.Mechanism) {
		return nil, fmt.Errorf("%w: %v", auth.ErrNoMechanism, c.Mechanism)
	}

	if c.HeloName == "" {
		c.HeloName = heloName()
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.TLSConfig != nil {
		c.TLSConfig = c.TLSConfig.Clone()
	} else {
		c.TLSConfig = &tls.Config{}
	}
	if c.TLSConfig.ServerName == "" {
		c.TLSConfig.ServerName = c.Endpoint.Host
	}
	if c.TLSConfig.MinVersion == 0 {
		c.TLSConfig.MinVersion = tls.VersionTLS12
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
	return &Transport{cfg: c}, nil
}

// Endpoint returns the relay this Transport sends to.
func (t *Transport) Endpoint() Endpoint {
	return t.cfg.Endpoint
}

// Send delivers m to all of its recipients or to none of them. It blocks
// until the relay has accepted the message, something fails, or ctx is
// done. A nil error means the relay replied 250 to the end of DATA.
//
// Every failure is one of the error types in the smtp package (or an
// *auth.InsecureAuthError); use Kind to classify it. A failed QUIT after a
// delivered message is logged and doesn't turn the send into a failure.
func (t *Transport) Send(ctx context.Context, m *message.Message) error {
	if m == nil {
		return errors.New("no message to send")
	}
	if t.cfg.MaxMessageSize > 0 && int64(m.Len()) > t.cfg.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes, the limit is %d", smtp.ErrMessageTooLarge, m.Len(), t.cfg.MaxMessageSize)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	addr := t.cfg.Endpoint.Address()
	l := log.With().
		Str("relay", addr).
		Str("message_id", m.MessageID()).
		Logger()

	conn, err := t.cfg.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &smtp.ConnectionError{Addr: addr, Err: err}
	}

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return &smtp.ConnectionError{Addr: addr, Err: err}
	}
	// Cancelling ctx unblocks whatever read or write is in progress.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	s := smtp.NewSession(conn, smtp.Options{
		Host:        t.cfg.Endpoint.Host,
		HeloName:    t.cfg.HeloName,
		Security:    t.cfg.Endpoint.Security,
		TLSConfig:   t.cfg.TLSConfig,
		Credentials: t.cfg.Credentials,
		Mechanism:   t.cfg.Mechanism,
		Deadline:    deadline,
		Logger:      &l,
	})
	defer func() {
		if err := s.Close(); err != nil {
			l.Warn().Err(err).Msg("couldn't end the SMTP session cleanly")
		}
	}()

	if err := s.Open(ctx); err != nil {
		return withContext(ctx, err)
	}
	env := m.Envelope()
	if err := s.Send(env.From, env.To, m.Bytes()); err != nil {
		return withContext(ctx, err)
	}

	l.Info().
		Strs("to", env.To).
		Bool("tls", s.TLSActive()).
		Str("mechanism", s.Mechanism()).
		Msg("message accepted by the relay")
	return nil
}

// withContext attaches ctx's error when ctx ending is what broke the
// session, so callers can test for context.DeadlineExceeded.
func withContext(ctx context.Context, err error) error {
	cerr := ctx.Err()
	if d, ok := ctx.Deadline(); cerr == nil && ok && !time.Now().Before(d) {
		// The connection deadline can fire before the context's timer does
		cerr = context.DeadlineExceeded
	}
	if cerr == nil || errors.Is(err, cerr) {
		return err
	}
	return fmt.Errorf("%w: %w", cerr, err)
}

func heloName() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	return h
}

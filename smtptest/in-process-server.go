package smtptest

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog/log"
)

// messageData is one received message along with its envelope and the
// time it arrived, so tests can look at messages before/after a timestamp.
type messageData struct {
	created  time.Time
	username string
	from     string
	to       []string
	body     string
}

// Envelope is what a client said in MAIL FROM and RCPT TO for one message,
// plus the user it authenticated as.
type Envelope struct {
	Username string
	From     string
	To       []string
}

// Backend implements smtp.Backend. It checks credentials and hands out one
// session per connection that saves into a shared InMemoryEmailStore.
type Backend struct {
	*InMemoryEmailStore
	username string
	password string
	reject   map[string]bool
}

// Login implements smtp.Backend. The server only offers AUTH over TLS, so
// this is only reachable on an encrypted connection.
func (be *Backend) Login(_ *smtp.ConnectionState, username string, password string) (smtp.Session, error) {
	if username == "" || password == "" {
		return nil, errors.New("no username or password provided")
	}
	if username != be.username || password != be.password {
		return nil, &smtp.SMTPError{
			Code:         535,
			EnhancedCode: smtp.EnhancedCode{5, 7, 8},
			Message:      "Authentication failed",
		}
	}
	return &session{be: be, username: username}, nil
}

// AnonymousLogin implements smtp.Backend. Not supported since we want to
// enforce AUTH.
func (be *Backend) AnonymousLogin(_ *smtp.ConnectionState) (smtp.Session, error) {
	return nil, smtp.ErrAuthRequired
}

// session implements smtp.Session for a single connection.
type session struct {
	be       *Backend
	username string
	from     string
	to       []string
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error { return nil }

func (s *session) Mail(from string, _ smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *session) Rcpt(to string) error {
	if s.be.reject[strings.ToLower(to)] {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "No such user here",
		}
	}
	s.to = append(s.to, to)
	return nil
}

// Data stores the message in memory for retrieval at the end of the test.
func (s *session) Data(r io.Reader) error {
	// doubtful we'll get an email this big, but we need a limit
	var maxEmailSize int64 = 10 * units.MiB
	buf, err := io.ReadAll(io.LimitReader(r, maxEmailSize))
	if err != nil {
		return err
	}
	s.be.saveEmail(messageData{
		username: s.username,
		from:     s.from,
		to:       append([]string(nil), s.to...),
		body:     string(buf),
	})
	return nil
}

// InMemoryEmailStore retains email bodies in memory for comparison against
// a test's expected output. It's goroutine safe since we don't know how
// many connections will be hitting the server at once.
type InMemoryEmailStore struct {
	mu       *sync.Mutex
	messages []messageData
}

// saveEmail stores the message along with a timestamp created just prior
// to saving.
func (es *InMemoryEmailStore) saveEmail(m messageData) {
	es.mu.Lock()
	defer es.mu.Unlock()

	m.created = time.Now()
	es.messages = append(es.messages, m)
}

// RetrieveEmails returns a slice of all message bodies (as strings)
// received after epoch nanoseconds t.
func (es *InMemoryEmailStore) RetrieveEmails(t int64) ([]string, error) {
	es.mu.Lock()
	defer es.mu.Unlock()

	r := make([]string, 0, len(es.messages))
	for _, m := range es.messages {
		if m.created.UnixNano() >= t {
			r = append(r, m.body)
		}
	}
	return r, nil
}

// Envelopes returns the envelope of every stored message in arrival order.
func (es *InMemoryEmailStore) Envelopes() []Envelope {
	es.mu.Lock()
	defer es.mu.Unlock()

	r := make([]Envelope, len(es.messages))
	for i, m := range es.messages {
		r[i] = Envelope{Username: m.username, From: m.from, To: m.to}
	}
	return r
}

// InProcessOptions configures an InProcessServer.
type InProcessOptions struct {
	// Server certificate. Required, since AUTH is only offered over TLS.
	TLSConfig *tls.Config
	// ImplicitTLS makes the server expect a TLS handshake on connect
	// instead of offering STARTTLS.
	ImplicitTLS bool
	// Credentials the Backend accepts.
	Username string
	Password string
	// Recipients to refuse with a 550.
	RejectRecipients []string
	// MaxMessageBytes is advertised with SIZE. Zero means 10MiB.
	MaxMessageBytes int
}

// InProcessServer is an SMTP server that runs in the same process as the
// test suite, letting us inspect sent emails. You must initialize this
// via NewInProcessServer.
type InProcessServer struct {
	*smtp.Server
	// Embedded so tests can call RetrieveEmails and Envelopes directly
	// rather than going through the smtp.Server's Backend.
	*InMemoryEmailStore

	implicitTLS bool
	ln          net.Listener
}

// NewInProcessServer creates an InProcessServer, including configuring its
// SMTP server to store incoming messages in memory.
func NewInProcessServer(opts InProcessOptions) *InProcessServer {
	is := &InMemoryEmailStore{
		mu:       &sync.Mutex{},
		messages: []messageData{},
	}

	be := &Backend{
		InMemoryEmailStore: is,
		username:           opts.Username,
		password:           opts.Password,
		reject:             map[string]bool{},
	}
	for _, r := range opts.RejectRecipients {
		be.reject[strings.ToLower(r)] = true
	}

	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = false // need TLS before AUTH
	srv.AuthDisabled = false      // need AUTH here
	// Strict is undocumented, but it looks like it enforces <address> syntax
	// in messages:
	// https://github.com/emersion/go-smtp/blob/f92bf7f1a25777bcdaa28a142b1cd1a54b74c8f4/conn.go#L321-L325
	srv.Strict = true
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	srv.MaxMessageBytes = opts.MaxMessageBytes
	if srv.MaxMessageBytes == 0 {
		srv.MaxMessageBytes = 10 * units.MiB
	}
	srv.TLSConfig = opts.TLSConfig

	return &InProcessServer{
		Server:             srv,
		InMemoryEmailStore: is,
		implicitTLS:        opts.ImplicitTLS,
	}
}

// Start listens on an ephemeral loopback port and serves in the
// background.
func (is *InProcessServer) Start() error {
	ln, err := net.Listen("tcp", CertHost+":0")
	if err != nil {
		return err
	}
	if is.implicitTLS {
		ln = tls.NewListener(ln, is.Server.TLSConfig)
	}
	is.ln = ln
	is.Server.Addr = ln.Addr().String()

	go func() {
		if err := is.Server.Serve(ln); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debug().Err(err).Msg("in-process SMTP server stopped")
		}
	}()
	return nil
}

// Close shuts down the test server. You must initialize a new
// InProcessServer instead of restarting this one.
func (is *InProcessServer) Close() {
	if err := is.Server.Close(); err != nil {
		log.Debug().Err(err).Msg("can't close the in-process SMTP server")
	}
}

// Address returns the host:port of the test SMTP server.
func (is *InProcessServer) Address() string {
	return is.Server.Addr
}

package e2e

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"testing"

	"github.com/ptgott/one-mailer/smtptest"
)

const (
	testUsername = "myuser123"
	testPassword = "myuser123"
)

// testEnvironmentConfig exposes options that should be available and
// perhaps changeable when spinning up a test environment. While they
// may not vary between tests, they shouldn't be buried inside
// functions.
type testEnvironmentConfig struct {
	implicitTLS      bool     // TLS on connect rather than STARTTLS
	rejectRecipients []string // the relay answers RCPT for these with a 550
}

// testEnvironment manages all dependencies required to simulate a "real"
// environment and run the e2e tests. Callers should create this via
// startTestEnvironment.
type testEnvironment struct {
	SMTPServer *smtptest.InProcessServer
	// PEM certificate of the relay, for MAILER_CA_FILE
	certPath    string
	tempDirPath string
}

// startTestEnvironment spins up dependencies. Callers should defer a call to
// tearDown.
//
// Note that if startTestEnvironment fails, it will return an error along with
// whatever shreds of a test environment we've set up so far so you can tear
// it down (i.e., it won't just be the zero value)
func startTestEnvironment(t *testing.T, c testEnvironmentConfig) (*testEnvironment, error) {
	te := &testEnvironment{tempDirPath: t.TempDir()}

	key, cert, err := smtptest.GenerateTLSFiles(t)
	if err != nil {
		return te, fmt.Errorf("could not generate TLS files: %w", err)
	}
	te.certPath = cert

	kp, err := tls.LoadX509KeyPair(cert, key)
	if err != nil {
		return te, fmt.Errorf("could not load the TLS key pair: %w", err)
	}

	ts := smtptest.NewInProcessServer(smtptest.InProcessOptions{
		TLSConfig:        &tls.Config{Certificates: []tls.Certificate{kp}},
		ImplicitTLS:      c.implicitTLS,
		Username:         testUsername,
		Password:         testPassword,
		RejectRecipients: c.rejectRecipients,
	})
	if err := ts.Start(); err != nil {
		return te, fmt.Errorf("could not start the SMTP server: %w", err)
	}
	te.SMTPServer = ts

	return te, nil
}

// hostPort splits the relay's address for the config file.
func (te *testEnvironment) hostPort() (string, int) {
	h, p, _ := net.SplitHostPort(te.SMTPServer.Address())
	port, _ := strconv.Atoi(p)
	return h, port
}

// tearDown returns the testEnvironment to its state prior to start. Designed
// to call with defer. The temporary directory is removed by the testing
// package.
func (te *testEnvironment) tearDown() {
	if te.SMTPServer != nil {
		te.SMTPServer.Close()
	}
}

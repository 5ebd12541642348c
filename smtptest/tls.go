package smtptest

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flashmob/go-guerrilla/tests/testcert"
)

// CertHost is the name in the generated certificate. Clients must dial
// (or set ServerName to) this address for verification to pass.
const CertHost = "127.0.0.1"

// GenerateTLSFiles writes a TLS key and certificate to a temporary test
// directory that is removed after the test. It returns the file paths of
// the key and certificate. The certificate is a self-signed root for
// CertHost.
func GenerateTLSFiles(t *testing.T) (keyPath string, certPath string, err error) {
	t.Helper()
	d := t.TempDir() + string(filepath.Separator)
	err = testcert.GenerateCert(
		CertHost,
		"",                         // defaults to now
		time.Duration(1)*time.Hour, // the test suite won't run for this long
		true,                       // is a CA cert, so clients can trust it directly
		2048,                       // usually seen in online tutorials
		"",                         // RSA rather than an ecdsa curve
		d,
	)
	if err != nil {
		return
	}

	// These path names are hardcoded into testcert.GenerateCert
	keyPath = d + CertHost + ".key.pem"
	certPath = d + CertHost + ".cert.pem"
	return
}

// TLSConfigs generates a certificate and returns a server config that
// presents it and a client config that trusts it and nothing else.
func TLSConfigs(t *testing.T) (server *tls.Config, client *tls.Config) {
	t.Helper()
	keyPath, certPath, err := GenerateTLSFiles(t)
	if err != nil {
		t.Fatalf("can't generate TLS files: %v", err)
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		t.Fatalf("can't load the generated key pair: %v", err)
	}
	pem, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("can't read the generated certificate: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		t.Fatal("the generated certificate isn't valid PEM")
	}

	server = &tls.Config{Certificates: []tls.Certificate{cert}}
	client = &tls.Config{RootCAs: pool, ServerName: CertHost}
	return server, client
}

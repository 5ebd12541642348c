package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/xdg-go/scram"
)

// SASL mechanism names as they appear in the EHLO AUTH keyword.
const (
	SCRAMSHA256 = "SCRAM-SHA-256"
	SCRAMSHA1   = "SCRAM-SHA-1"
	CRAMMD5     = "CRAM-MD5"
	Plain       = "PLAIN"
	Login       = "LOGIN"
)

// Strongest first.
var preference = []string{SCRAMSHA256, SCRAMSHA1, CRAMMD5, Plain, Login}

var (
	// ErrNoMechanism means the client and server share no SASL mechanism.
	ErrNoMechanism = errors.New("no mutually supported authentication mechanism")
	// ErrServerNotVerified means the server accepted the credentials
	// without proving that it knows them.
	ErrServerNotVerified = errors.New("the server did not prove its identity")
)

// Verifier is implemented by clients whose mechanism authenticates the
// server as well. Verified is only meaningful once the server has accepted
// the exchange.
type Verifier interface {
	Verified() bool
}

// InsecureAuthError is returned instead of sending a cleartext mechanism
// over an unencrypted connection.
type InsecureAuthError struct {
	// The cleartext mechanisms the server offered
	Mechanisms []string
}

func (e *InsecureAuthError) Error() string {
	return fmt.Sprintf(
		"refusing to send credentials in the clear: the server only offers %v over an unencrypted connection",
		strings.Join(e.Mechanisms, ", "),
	)
}

// Supported reports whether mech is a mechanism this package implements.
func Supported(mech string) bool {
	mech = strings.ToUpper(mech)
	for _, p := range preference {
		if p == mech {
			return true
		}
	}
	return false
}

// Cleartext reports whether mech sends the secret itself rather than a proof
// of it.
func Cleartext(mech string) bool {
	switch strings.ToUpper(mech) {
	case Plain, Login:
		return true
	}
	return false
}

// Select picks the strongest mechanism both sides support. If forced isn't
// empty it's the only candidate. Cleartext mechanisms are only eligible when
// encrypted is true.
func Select(advertised []string, forced string, encrypted bool) (string, error) {
	offered := make(map[string]bool, len(advertised))
	for _, a := range advertised {
		offered[strings.ToUpper(a)] = true
	}

	candidates := preference
	if forced != "" {
		forced = strings.ToUpper(forced)
		if !Supported(forced) {
			return "", fmt.Errorf("%w: %v isn't implemented", ErrNoMechanism, forced)
		}
		candidates = []string{forced}
	}

	var refused []string
	for _, c := range candidates {
		if !offered[c] {
			continue
		}
		if Cleartext(c) && !encrypted {
			refused = append(refused, c)
			continue
		}
		return c, nil
	}
	if len(refused) > 0 {
		return "", &InsecureAuthError{Mechanisms: refused}
	}
	return "", fmt.Errorf("%w: the server offers %v", ErrNoMechanism, strings.Join(advertised, " "))
}

// NewClient returns a SASL client for mech that authenticates with c.
func NewClient(mech string, c Credentials) (sasl.Client, error) {
	switch strings.ToUpper(mech) {
	case Plain:
		return sasl.NewPlainClient("", c.username, c.secret), nil
	case Login:
		return &loginClient{username: c.username, password: c.secret}, nil
	case CRAMMD5:
		return &cramMD5Client{username: c.username, secret: c.secret}, nil
	case SCRAMSHA256:
		return newSCRAMClient(SCRAMSHA256, scram.SHA256, c)
	case SCRAMSHA1:
		return newSCRAMClient(SCRAMSHA1, scram.SHA1, c)
	}
	return nil, fmt.Errorf("%w: %v isn't implemented", ErrNoMechanism, mech)
}

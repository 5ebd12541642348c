package smtp

import (
	"fmt"
	"strings"
)

// State is where a Session is in its lifecycle. A session only ever moves
// forward through these, or to StateFailed.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateTLSNegotiated
	StateAuthenticated
	StateSending
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnected:
		return "Connected"
	case StateTLSNegotiated:
		return "TLSNegotiated"
	case StateAuthenticated:
		return "Authenticated"
	case StateSending:
		return "Sending"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Security is how the connection to the relay is protected.
type Security int

const (
	// SecurityTLS performs the TLS handshake right after connecting, before
	// the greeting. Usually port 465.
	SecurityTLS Security = iota
	// SecurityStartTLS upgrades with STARTTLS and fails if the server
	// doesn't offer it. Usually port 587.
	SecurityStartTLS
	// SecurityOpportunistic upgrades with STARTTLS when offered and stays
	// in plaintext otherwise.
	SecurityOpportunistic
	// SecurityPlain never encrypts. Usually port 25.
	SecurityPlain
)

func (s Security) String() string {
	switch s {
	case SecurityTLS:
		return "tls"
	case SecurityStartTLS:
		return "starttls"
	case SecurityOpportunistic:
		return "opportunistic"
	case SecurityPlain:
		return "plain"
	}
	return fmt.Sprintf("Security(%d)", int(s))
}

// ParseSecurity parses the names returned by Security.String. "ssl" and
// "none" are accepted as aliases.
func ParseSecurity(s string) (Security, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tls", "ssl", "implicit":
		return SecurityTLS, nil
	case "starttls":
		return SecurityStartTLS, nil
	case "opportunistic":
		return SecurityOpportunistic, nil
	case "plain", "none":
		return SecurityPlain, nil
	}
	return 0, fmt.Errorf("unknown security mode %q: use tls, starttls, opportunistic or plain", s)
}

package auth

import (
	"github.com/rs/zerolog"
)

// Credentials is a username and a password or token. The transport only
// presents them during AUTH and never stores them anywhere else.
type Credentials struct {
	username string
	secret   string
}

// NewCredentials doesn't validate anything. Only the server can tell whether
// the pair is any good.
func NewCredentials(username, secret string) Credentials {
	return Credentials{username: username, secret: secret}
}

// Username returns the authentication identity.
func (c Credentials) Username() string {
	return c.username
}

// Secret returns the password or token.
func (c Credentials) Secret() string {
	return c.secret
}

// IsZero reports whether no credentials were configured, in which case the
// session skips AUTH entirely.
func (c Credentials) IsZero() bool {
	return c.username == "" && c.secret == ""
}

// String keeps the secret out of fmt output.
func (c Credentials) String() string {
	if c.secret == "" {
		return c.username
	}
	return c.username + ":********"
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (c Credentials) MarshalZerologObject(e *zerolog.Event) {
	e.Str("username", c.username).Bool("secret_set", c.secret != "")
}

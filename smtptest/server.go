package smtptest

// Server is an SMTP server that runs for the length of a test and can
// return the messages sent to it. Both InProcessServer and ScriptedServer
// implement it.
type Server interface {
	// Start begins accepting connections and returns once the server is
	// listening, so Address is valid afterwards.
	Start() error

	// Close stops the server. It doesn't return an error so it's easy to
	// defer; implementations log failures instead.
	Close()

	// RetrieveEmails returns the payloads of all messages received after
	// time t in Unix epoch nanoseconds.
	RetrieveEmails(t int64) ([]string, error)

	// Address returns the host:port of the server.
	Address() string
}

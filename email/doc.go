package email

// email is responsible for getting one message to an SMTP relay. A Transport
// is bound to a relay and credentials when it's created, and every call to
// Send dials a new connection, drives an smtp.Session over it from greeting
// to QUIT, and closes it again. It's the only package that touches the
// network. It doesn't look at what a message says; message builds that.

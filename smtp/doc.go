// Package smtp is the client side of RFC 5321 for a single message.
//
// A Session owns one connection and walks a fixed sequence:
//
//	greeting (220) → EHLO → [STARTTLS → EHLO] → [AUTH] → MAIL → RCPT... → DATA → QUIT
//
// Implicit TLS wraps the connection before the greeting instead. Each step
// fails with its own error type (ProtocolError, TLSError,
// AuthenticationError, RecipientRejectedError, TransmissionError), and
// Close always runs QUIT and releases the connection regardless of how far
// the session got.
//
// Extensions used: STARTTLS (RFC 3207), AUTH (RFC 4954), SIZE (RFC 1870),
// 8BITMIME (RFC 6152), SMTPUTF8 (RFC 6531) and enhanced status codes
// (RFC 2034), which are parsed whenever present.
package smtp

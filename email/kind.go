package email

import (
	"context"
	"errors"
	"net"

	"github.com/ptgott/one-mailer/auth"
	"github.com/ptgott/one-mailer/message"
	"github.com/ptgott/one-mailer/smtp"
)

// Kind names the class of a Send or message.Build failure for logs and exit
// messages: "address", "connection", "timeout", "tls", "insecure_auth",
// "auth", "recipient_rejected", "message_too_large", "transmission",
// "protocol" or "unknown". A nil error is "".
func Kind(err error) string {
	var (
		ape *message.AddressParseError
		ce  *smtp.ConnectionError
		te  *smtp.TLSError
		ie  *auth.InsecureAuthError
		ae  *smtp.AuthenticationError
		re  *smtp.RecipientRejectedError
		xe  *smtp.TransmissionError
		pe  *smtp.ProtocolError
		ne  net.Error
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ape):
		return "address"
	case errors.As(err, &ce):
		return "connection"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return "timeout"
	case errors.As(err, &te):
		return "tls"
	case errors.As(err, &ie):
		return "insecure_auth"
	case errors.As(err, &ae):
		return "auth"
	case errors.As(err, &re):
		return "recipient_rejected"
	case errors.Is(err, smtp.ErrMessageTooLarge):
		return "message_too_large"
	case errors.As(err, &xe):
		return "transmission"
	case errors.As(err, &pe):
		return "protocol"
	}
	return "unknown"
}

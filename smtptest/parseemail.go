package smtptest

import (
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"strings"
)

// ParsedEmail is a received message reduced to what tests usually check.
type ParsedEmail struct {
	Header  mail.Header
	Subject string
	// Body is the decoded text, with quoted-printable undone and line
	// endings normalized to "\n".
	Body string
}

// ParseEmail reads a message as a server stored it. If an e2e test is
// failing in here, check that the message still uses a single text part.
func ParseEmail(raw string) (*ParsedEmail, error) {
	m, err := mail.ReadMessage(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("can't parse the message: %w", err)
	}

	dec := new(mime.WordDecoder)
	subject, err := dec.DecodeHeader(m.Header.Get("Subject"))
	if err != nil {
		return nil, fmt.Errorf("can't decode the subject: %w", err)
	}

	var r io.Reader = m.Body
	if strings.EqualFold(m.Header.Get("Content-Transfer-Encoding"), "quoted-printable") {
		r = quotedprintable.NewReader(r)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("can't read the body: %w", err)
	}

	return &ParsedEmail{
		Header:  m.Header,
		Subject: subject,
		Body:    strings.ReplaceAll(string(b), "\r\n", "\n"),
	}, nil
}

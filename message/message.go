package message

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	gomail "gopkg.in/gomail.v2"
)

// Lines longer than this can't go out unencoded (RFC 5322 section 2.1.1)
const maxLineLength = 998

// Message is an immutable, validated email. Create one with Build or a
// Builder.
type Message struct {
	from      Address
	to        []Address
	subject   string
	body      string
	html      string
	date      time.Time
	messageID string
	raw       []byte
}

// Envelope is the SMTP addressing for a Message, using ASCII domains.
type Envelope struct {
	From string
	To   []string
}

// Builder assembles a Message. It's a value type: every setter returns a
// modified copy and leaves the receiver untouched, so a partially configured
// Builder can be reused as a template.
type Builder struct {
	from      string
	to        []string
	subject   string
	body      string
	html      string
	date      time.Time
	messageID string
}

// NewBuilder returns an empty Builder.
func NewBuilder() Builder {
	return Builder{}
}

// From sets the sender mailbox.
func (b Builder) From(addr string) Builder {
	b.from = addr
	return b
}

// To appends one or more recipient mailboxes.
func (b Builder) To(addrs ...string) Builder {
	to := make([]string, 0, len(b.to)+len(addrs))
	to = append(to, b.to...)
	b.to = append(to, addrs...)
	return b
}

// Subject sets the subject text.
func (b Builder) Subject(s string) Builder {
	b.subject = s
	return b
}

// Body sets the text/plain body.
func (b Builder) Body(s string) Builder {
	b.body = s
	return b
}

// HTML adds a text/html alternative to the plain text body.
func (b Builder) HTML(s string) Builder {
	b.html = s
	return b
}

// Date overrides the Date header, which defaults to the time of Build.
func (b Builder) Date(t time.Time) Builder {
	b.date = t
	return b
}

// MessageID overrides the generated Message-ID. Angle brackets are added if
// missing.
func (b Builder) MessageID(id string) Builder {
	b.messageID = id
	return b
}

// Build validates the addresses and serializes the message. Nothing is
// returned on failure, not even a partial Message.
func (b Builder) Build() (*Message, error) {
	from, err := ParseAddress("from", b.from)
	if err != nil {
		return nil, err
	}

	if len(b.to) == 0 {
		return nil, &AddressParseError{
			Field: "to",
			Err:   fmt.Errorf("at least one recipient is required"),
		}
	}
	to := make([]Address, 0, len(b.to))
	for _, v := range b.to {
		a, err := ParseAddress("to", v)
		if err != nil {
			return nil, err
		}
		to = append(to, a)
	}

	subject := singleLine(b.subject)
	if err := checkSubject(subject); err != nil {
		return nil, err
	}

	m := &Message{
		from:      from,
		to:        to,
		subject:   subject,
		body:      b.body,
		html:      b.html,
		date:      b.date,
		messageID: b.messageID,
	}
	if m.date.IsZero() {
		m.date = time.Now()
	}
	if m.messageID == "" {
		m.messageID = fmt.Sprintf("<%s@%s>", uuid.NewString(), from.Domain())
	} else if !strings.HasPrefix(m.messageID, "<") {
		m.messageID = "<" + m.messageID + ">"
	}

	raw, err := m.render()
	if err != nil {
		return nil, fmt.Errorf("can't serialize the message: %w", err)
	}
	m.raw = raw
	return m, nil
}

// Build is shorthand for a Builder with a single text body.
func Build(from string, to []string, subject, body string) (*Message, error) {
	return NewBuilder().From(from).To(to...).Subject(subject).Body(body).Build()
}

// From returns the sender.
func (m *Message) From() Address { return m.from }

// To returns a copy of the recipients.
func (m *Message) To() []Address {
	return append([]Address(nil), m.to...)
}

// Subject returns the subject as given, minus any line breaks.
func (m *Message) Subject() string { return m.subject }

// Body returns the text body as given.
func (m *Message) Body() string { return m.body }

// MessageID returns the Message-ID header value including angle brackets.
func (m *Message) MessageID() string { return m.messageID }

// Date returns the Date header value.
func (m *Message) Date() time.Time { return m.date }

// Envelope returns the SMTP envelope for the message.
func (m *Message) Envelope() Envelope {
	env := Envelope{
		From: m.from.Envelope(),
		To:   make([]string, len(m.to)),
	}
	for i, a := range m.to {
		env.To[i] = a.Envelope()
	}
	return env
}

// Bytes returns the wire form of the message with CRLF line endings. The
// returned slice is a copy.
func (m *Message) Bytes() []byte {
	return append([]byte(nil), m.raw...)
}

// Len is the size of the wire form in bytes.
func (m *Message) Len() int {
	return len(m.raw)
}

// WriteTo implements io.WriterTo.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(m.raw)
	return int64(n), err
}

func (m *Message) render() ([]byte, error) {
	gm := gomail.NewMessage()
	gm.SetDateHeader("Date", m.date)
	gm.SetHeader("Message-ID", m.messageID)
	gm.SetAddressHeader("From", m.from.Addr, m.from.Name)

	to := make([]string, len(m.to))
	for i, a := range m.to {
		to[i] = gm.FormatAddress(a.Addr, a.Name)
	}
	formatted := append([]string(nil), to...)
	gm.SetHeader("To", to...)
	// SetHeader Q-encodes any value with non-ASCII bytes, which mangles an
	// internationalized address (RFC 6532). GetHeader hands back the stored
	// slice, so put the formatted values back.
	copy(gm.GetHeader("To"), formatted)

	// Encoded here. gomail folds every header at whitespace on write
	gm.SetHeader("Subject", m.subject)

	gm.SetBody("text/plain", toCRLF(m.body), gomail.SetPartEncoding(partEncoding(m.body)))
	if m.html != "" {
		gm.AddAlternative("text/html", toCRLF(m.html), gomail.SetPartEncoding(partEncoding(m.html)))
	}

	var buf bytes.Buffer
	if _, err := gm.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// partEncoding sends plain ASCII with short lines as it is and
// quoted-printable for anything else, so the message never needs 8BITMIME.
// gomail labels unencoded parts 8bit.
func partEncoding(s string) gomail.Encoding {
	lineLen := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\n' || c == '\r':
			lineLen = 0
			continue
		case c == 0 || c >= 0x80:
			return gomail.QuotedPrintable
		}
		lineLen++
		if lineLen > maxLineLength {
			return gomail.QuotedPrintable
		}
	}
	return gomail.Unencoded
}

// checkSubject rejects a subject with a run of characters that has no
// whitespace to fold at and so can't fit in one header line. Non-ASCII
// text is split into short encoded words anyway.
func checkSubject(s string) error {
	limit := maxLineLength - len("Subject: ")
	for _, w := range strings.Fields(s) {
		if len(w) > limit {
			return fmt.Errorf("the subject has a %d character word, the limit is %d", len(w), limit)
		}
	}
	return nil
}

// toCRLF rewrites bare LF and bare CR as CRLF.
func toCRLF(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\r':
			b.WriteString("\r\n")
			if i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
		case '\n':
			b.WriteString("\r\n")
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func singleLine(s string) string {
	return strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(s)
}

package message

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// AddressParseError is returned when a sender or recipient doesn't parse as
// a mailbox. Field is "from" or "to".
type AddressParseError struct {
	Field string
	Value string
	Err   error
}

func (e *AddressParseError) Error() string {
	return fmt.Sprintf("can't parse the %q address %q: %v", e.Field, e.Value, e.Err)
}

func (e *AddressParseError) Unwrap() error {
	return e.Err
}

// Address is a validated mailbox. Addr is the addr-spec that appears in
// headers, with the local part quoted when it isn't a dot-atom. The envelope
// form is the same with an ASCII domain.
type Address struct {
	Name  string
	Addr  string
	ascii string
	// as net/mail returned it, local part unquoted
	parsed string
}

// Envelope returns the addr-spec to use in MAIL FROM and RCPT TO.
func (a Address) Envelope() string {
	return a.ascii
}

// String renders the address for a header. Bare addresses stay bare so the
// header matches what the caller supplied.
func (a Address) String() string {
	if a.Name == "" {
		return a.Addr
	}
	return (&mail.Address{Name: a.Name, Address: a.parsed}).String()
}

// Domain returns the ASCII domain part of the address.
func (a Address) Domain() string {
	i := strings.LastIndexByte(a.ascii, '@')
	return a.ascii[i+1:]
}

// ParseAddress parses a single mailbox such as "alice@example.com" or
// "Alice <alice@example.com>". field names the header the value belongs to
// and is only used for error reporting.
func ParseAddress(field, value string) (Address, error) {
	perr := func(err error) (Address, error) {
		return Address{}, &AddressParseError{Field: field, Value: value, Err: err}
	}

	if strings.TrimSpace(value) == "" {
		return perr(fmt.Errorf("the address is empty"))
	}

	// net/mail unfolds CRLF+WSP, which would let a caller smuggle a header
	if strings.ContainsAny(value, "\r\n") {
		return perr(fmt.Errorf("the address contains a line break"))
	}

	pa, err := mail.ParseAddress(value)
	if err != nil {
		return perr(err)
	}

	// net/mail drops the quotes around a local part like "john doe", so put
	// them back before the address goes into a header or the envelope
	spec := addrSpec(pa.Address)
	i := strings.LastIndexByte(spec, '@')
	if i <= 0 || i == len(spec)-1 {
		return perr(fmt.Errorf("the address has no domain"))
	}
	local, domain := spec[:i], spec[i+1:]

	// Address literals ("[192.0.2.1]") go through as they are
	asciiDomain := domain
	if !strings.HasPrefix(domain, "[") {
		asciiDomain, err = idna.Lookup.ToASCII(domain)
		if err != nil {
			return perr(fmt.Errorf("invalid domain %q: %v", domain, err))
		}
	}

	return Address{
		Name:   pa.Name,
		Addr:   spec,
		ascii:  local + "@" + asciiDomain,
		parsed: pa.Address,
	}, nil
}

// addrSpec quotes the local part of a parsed address where RFC 5322 needs
// it. mail.Address.String already knows when, so borrow it without a name.
func addrSpec(addr string) string {
	s := (&mail.Address{Address: addr}).String()
	return strings.TrimSuffix(strings.TrimPrefix(s, "<"), ">")
}

// NeedsSMTPUTF8 reports whether the envelope form of the address still
// contains non-ASCII characters, which only happens in the local part.
func (a Address) NeedsSMTPUTF8() bool {
	for i := 0; i < len(a.ascii); i++ {
		if a.ascii[i] >= utf8.RuneSelf {
			return true
		}
	}
	return false
}

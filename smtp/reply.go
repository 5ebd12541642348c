package smtp

import (
	"sort"
	"strconv"
	"strings"
)

// Reply is a complete, possibly multi-line, server reply.
type Reply struct {
	Code int
	// Enhanced is the RFC 3463 status code, e.g. "5.7.8", when the server
	// sent one.
	Enhanced string
	// Lines holds the text of each line with the code and any enhanced
	// code removed.
	Lines []string
}

// newReply splits the message returned by textproto.Reader.ReadResponse.
func newReply(code int, msg string) *Reply {
	r := &Reply{Code: code, Lines: strings.Split(msg, "\n")}
	class := code / 100
	if class != 2 && class != 4 && class != 5 {
		return r
	}
	for i, l := range r.Lines {
		ec, rest, ok := cutEnhanced(class, l)
		if !ok {
			continue
		}
		if i == 0 {
			r.Enhanced = ec
		}
		r.Lines[i] = rest
	}
	return r
}

// cutEnhanced splits "5.7.8 Authentication failed" when the class digit
// matches the reply code.
func cutEnhanced(class int, line string) (code, rest string, ok bool) {
	word, rest, _ := strings.Cut(line, " ")
	parts := strings.Split(word, ".")
	if len(parts) != 3 || parts[0] != strconv.Itoa(class) {
		return "", line, false
	}
	for _, p := range parts[1:] {
		if n, err := strconv.Atoi(p); err != nil || n < 0 || n > 999 {
			return "", line, false
		}
	}
	return word, rest, true
}

// Class is the first digit of the code.
func (r *Reply) Class() int {
	return r.Code / 100
}

// Positive reports a 2xx reply.
func (r *Reply) Positive() bool {
	return r.Class() == 2
}

// Transient reports a 4xx reply. We never retry, but callers might.
func (r *Reply) Transient() bool {
	return r.Class() == 4
}

// Permanent reports a 5xx reply.
func (r *Reply) Permanent() bool {
	return r.Class() == 5
}

// Text joins the reply lines with spaces.
func (r *Reply) Text() string {
	return strings.Join(r.Lines, " ")
}

func (r *Reply) String() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(r.Code))
	if r.Enhanced != "" {
		b.WriteString(" ")
		b.WriteString(r.Enhanced)
	}
	if t := r.Text(); t != "" {
		b.WriteString(" ")
		b.WriteString(t)
	}
	return b.String()
}

// Capabilities are the service extensions listed in an EHLO reply.
// Keywords are stored upper case.
type Capabilities struct {
	Domain string
	ext    map[string]string
}

func parseCapabilities(r *Reply) Capabilities {
	c := Capabilities{ext: map[string]string{}}
	if len(r.Lines) == 0 {
		return c
	}
	c.Domain, _, _ = strings.Cut(r.Lines[0], " ")
	for _, l := range r.Lines[1:] {
		kw, param, _ := strings.Cut(strings.TrimSpace(l), " ")
		kw = strings.ToUpper(kw)
		// Some old servers advertise "AUTH=LOGIN PLAIN"
		if strings.HasPrefix(kw, "AUTH=") {
			param = strings.TrimSpace(kw[len("AUTH="):] + " " + param)
			kw = "AUTH"
			if prev, ok := c.ext[kw]; ok {
				param = prev + " " + param
			}
		}
		if kw == "" {
			continue
		}
		c.ext[kw] = param
	}
	return c
}

// Has reports whether the server advertised the keyword.
func (c Capabilities) Has(keyword string) bool {
	_, ok := c.ext[strings.ToUpper(keyword)]
	return ok
}

// Param returns the parameters that followed the keyword.
func (c Capabilities) Param(keyword string) string {
	return c.ext[strings.ToUpper(keyword)]
}

// AuthMechanisms lists the SASL mechanisms from the AUTH keyword.
func (c Capabilities) AuthMechanisms() []string {
	return strings.Fields(strings.ToUpper(c.Param("AUTH")))
}

// Size returns the SIZE limit. A server may advertise SIZE with no number
// or with 0, both of which mean no fixed limit.
func (c Capabilities) Size() (int64, bool) {
	if !c.Has("SIZE") {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(c.Param("SIZE")), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Keywords returns every advertised keyword, sorted.
func (c Capabilities) Keywords() []string {
	kws := make([]string, 0, len(c.ext))
	for k := range c.ext {
		kws = append(kws, k)
	}
	sort.Strings(kws)
	return kws
}

package smtptest

import (
	"bufio"
	"crypto/tls"
	"errors"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ScriptedServer is a bare-bones SMTP relay that answers from a script and
// records every line a client sends. It's for exercising failure paths that
// a real server won't produce on demand, such as a 4xx after DATA or a
// relay that forgets to offer STARTTLS.
//
// Set the fields before calling Start.
type ScriptedServer struct {
	// Greeting defaults to a 220.
	Greeting string
	// Extensions are listed in the EHLO reply. STARTTLS is added while the
	// connection is unencrypted if TLSConfig is set and ImplicitTLS isn't.
	Extensions []string
	// Replies overrides the default reply to a command. Keys are matched
	// against the whole line first and then against the verb. A value can
	// hold several reply lines separated by CRLF.
	Replies map[string]string
	// AuthReplies answers AUTH and each continuation line in turn. Once it
	// runs out, or a reply isn't 334, the exchange is over. Empty means a
	// 235 straight away.
	AuthReplies []string
	// AuthHandler, when set, answers the AUTH line and every continuation
	// instead of AuthReplies. The exchange goes on while it returns 334s.
	AuthHandler func(line string) string
	// DataReply answers the end of message. Defaults to a 250.
	DataReply string
	// TLSConfig enables STARTTLS, or TLS on connect with ImplicitTLS.
	TLSConfig   *tls.Config
	ImplicitTLS bool

	ln    net.Listener
	wg    sync.WaitGroup
	mu    sync.Mutex
	conns map[net.Conn]struct{}
	cmds  []string
	msgs  []messageData
}

// Start listens on an ephemeral loopback port and serves in the
// background.
func (s *ScriptedServer) Start() error {
	ln, err := net.Listen("tcp", CertHost+":0")
	if err != nil {
		return err
	}
	if s.ImplicitTLS {
		if s.TLSConfig == nil {
			ln.Close()
			return errors.New("implicit TLS needs a TLSConfig")
		}
		ln = tls.NewListener(ln, s.TLSConfig)
	}
	s.ln = ln
	s.conns = map[net.Conn]struct{}{}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns[c] = struct{}{}
			s.mu.Unlock()

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serve(c)
			}()
		}
	}()
	return nil
}

// Close stops accepting, drops open connections and waits for the
// connection handlers to return.
func (s *ScriptedServer) Close() {
	if s.ln == nil {
		return
	}
	if err := s.ln.Close(); err != nil {
		log.Debug().Err(err).Msg("can't close the scripted SMTP listener")
	}
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Address returns the host:port of the server.
func (s *ScriptedServer) Address() string {
	return s.ln.Addr().String()
}

// Commands returns every line received so far, in order, across all
// connections. Message content isn't included.
func (s *ScriptedServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cmds...)
}

// Verbs is Commands reduced to the first word of each line, uppercased.
func (s *ScriptedServer) Verbs() []string {
	cmds := s.Commands()
	r := make([]string, len(cmds))
	for i, c := range cmds {
		r[i] = verb(c)
	}
	return r
}

// Messages returns the content of every message received, with dot
// stuffing removed.
func (s *ScriptedServer) Messages() []string {
	r, _ := s.RetrieveEmails(0)
	return r
}

// RetrieveEmails returns the messages received after epoch nanoseconds t.
func (s *ScriptedServer) RetrieveEmails(t int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := make([]string, 0, len(s.msgs))
	for _, m := range s.msgs {
		if m.created.UnixNano() >= t {
			r = append(r, m.body)
		}
	}
	return r, nil
}

func (s *ScriptedServer) record(line string) {
	s.mu.Lock()
	s.cmds = append(s.cmds, line)
	s.mu.Unlock()
}

// scriptedConn is the per-connection state of a ScriptedServer.
type scriptedConn struct {
	srv   *ScriptedServer
	conn  net.Conn
	r     *textproto.Reader
	w     *bufio.Writer
	tls   bool
	auths int
}

func (c *scriptedConn) reset(conn net.Conn) {
	c.conn = conn
	c.r = textproto.NewReader(bufio.NewReader(conn))
	c.w = bufio.NewWriter(conn)
}

func (c *scriptedConn) reply(s string) error {
	if _, err := c.w.WriteString(s + "\r\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

func (s *ScriptedServer) serve(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	c := &scriptedConn{srv: s, tls: s.ImplicitTLS}
	c.reset(conn)

	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))
	greeting := s.Greeting
	if greeting == "" {
		greeting = "220 scripted ESMTP ready"
	}
	if c.reply(greeting) != nil || !strings.HasPrefix(greeting, "220") {
		return
	}

	for {
		line, err := c.r.ReadLine()
		if err != nil {
			return
		}
		s.record(line)
		done, err := c.handle(line)
		if err != nil {
			log.Debug().Err(err).Msg("scripted SMTP connection ended")
			return
		}
		if done {
			return
		}
	}
}

// handle answers one command. done means the connection should close.
func (c *scriptedConn) handle(line string) (done bool, err error) {
	s := c.srv
	v := verb(line)

	if r, ok := s.lookup(line, v); ok {
		if err := c.reply(r); err != nil {
			return true, err
		}
		switch {
		case v == "QUIT":
			return true, nil
		case v == "DATA" && strings.HasPrefix(r, "354"):
			return false, c.readMessage()
		case v == "AUTH" && strings.HasPrefix(r, "334"):
			return false, c.continueAuth()
		}
		return false, nil
	}

	switch v {
	case "EHLO", "HELO":
		return false, c.reply(c.ehlo())
	case "STARTTLS":
		if s.TLSConfig == nil || c.tls {
			return false, c.reply("502 5.5.1 STARTTLS not available")
		}
		if err := c.reply("220 2.0.0 Ready to start TLS"); err != nil {
			return true, err
		}
		tc := tls.Server(c.conn, s.TLSConfig)
		if err := tc.Handshake(); err != nil {
			return true, err
		}
		c.tls = true
		c.reset(tc)
		return false, nil
	case "AUTH":
		if s.AuthHandler != nil {
			return false, c.handleAuth(line)
		}
		return false, c.authStep()
	case "MAIL":
		return false, c.reply("250 2.1.0 Sender OK")
	case "RCPT":
		return false, c.reply("250 2.1.5 Recipient OK")
	case "DATA":
		if err := c.reply("354 Start mail input; end with <CRLF>.<CRLF>"); err != nil {
			return true, err
		}
		return false, c.readMessage()
	case "RSET", "NOOP":
		return false, c.reply("250 2.0.0 OK")
	case "QUIT":
		_ = c.reply("221 2.0.0 Bye")
		return true, nil
	}
	return false, c.reply("502 5.5.2 Command not recognized")
}

func (s *ScriptedServer) lookup(line, verb string) (string, bool) {
	if r, ok := s.Replies[line]; ok {
		return r, true
	}
	r, ok := s.Replies[verb]
	return r, ok
}

func (c *scriptedConn) ehlo() string {
	ext := append([]string(nil), c.srv.Extensions...)
	if c.srv.TLSConfig != nil && !c.tls {
		ext = append(ext, "STARTTLS")
	}
	lines := append([]string{"scripted greets you"}, ext...)
	var b strings.Builder
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		if i > 0 {
			b.WriteString("\r\n")
		}
		b.WriteString("250" + sep + l)
	}
	return b.String()
}

// authStep sends the next scripted AUTH reply and keeps reading
// continuation lines while the replies are 334s.
func (c *scriptedConn) authStep() error {
	s := c.srv
	if len(s.AuthReplies) == 0 {
		return c.reply("235 2.7.0 Authentication successful")
	}
	for {
		if c.auths >= len(s.AuthReplies) {
			return c.reply("535 5.7.8 Authentication credentials invalid")
		}
		r := s.AuthReplies[c.auths]
		c.auths++
		if err := c.reply(r); err != nil {
			return err
		}
		if !strings.HasPrefix(r, "334") {
			return nil
		}
		line, err := c.r.ReadLine()
		if err != nil {
			return err
		}
		s.record(line)
		if line == "*" {
			return c.reply("501 5.7.0 Authentication cancelled")
		}
	}
}

// handleAuth runs an exchange through AuthHandler, starting with the AUTH
// line itself.
func (c *scriptedConn) handleAuth(line string) error {
	for {
		r := c.srv.AuthHandler(line)
		if err := c.reply(r); err != nil {
			return err
		}
		if !strings.HasPrefix(r, "334") {
			return nil
		}
		var err error
		if line, err = c.r.ReadLine(); err != nil {
			return err
		}
		c.srv.record(line)
	}
}

// continueAuth reads one continuation after an overridden 334 and then
// carries on with AuthReplies.
func (c *scriptedConn) continueAuth() error {
	line, err := c.r.ReadLine()
	if err != nil {
		return err
	}
	c.srv.record(line)
	if line == "*" {
		return c.reply("501 5.7.0 Authentication cancelled")
	}
	return c.authStep()
}

func (c *scriptedConn) readMessage() error {
	b, err := c.r.ReadDotBytes()
	if err != nil {
		return err
	}
	s := c.srv
	s.mu.Lock()
	s.msgs = append(s.msgs, messageData{created: time.Now(), body: string(b)})
	s.mu.Unlock()

	r := s.DataReply
	if r == "" {
		r = "250 2.0.0 Message queued"
	}
	return c.reply(r)
}

func verb(line string) string {
	v := line
	if i := strings.IndexByte(line, ' '); i >= 0 {
		v = line[:i]
	}
	return strings.ToUpper(v)
}

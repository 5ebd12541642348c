package smtp

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ptgott/one-mailer/auth"
	"github.com/ptgott/one-mailer/smtptest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xdg-go/scram"
)

const testData = "Subject: hi\r\n\r\nhello there\r\n"

// startScripted starts s and stops it when the test is over.
func startScripted(t *testing.T, s *smtptest.ScriptedServer) *smtptest.ScriptedServer {
	t.Helper()
	require.NoError(t, s.Start())
	t.Cleanup(s.Close)
	return s
}

// newTestSession dials srv and wraps the connection.
func newTestSession(t *testing.T, srv smtptest.Server, opts Options) *Session {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Address(), 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	if opts.Host == "" {
		opts.Host = smtptest.CertHost
	}
	return NewSession(conn, opts)
}

func TestSessionDelivers(t *testing.T) {
	srv := startScripted(t, &smtptest.ScriptedServer{})
	s := newTestSession(t, srv, Options{Security: SecurityPlain})

	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.Send("from@example.com", []string{"a@example.com", "b@example.com"}, []byte(testData)))
	assert.NoError(t, s.Close())

	assert.Equal(t, StateCompleted, s.State())
	assert.False(t, s.TLSActive())
	assert.Equal(t, "", s.Mechanism())
	assert.Equal(t, []string{"EHLO", "MAIL", "RCPT", "RCPT", "DATA", "QUIT"}, srv.Verbs())
	assert.Equal(t, []string{
		"EHLO localhost",
		"MAIL FROM:<from@example.com>",
		"RCPT TO:<a@example.com>",
		"RCPT TO:<b@example.com>",
		"DATA",
		"QUIT",
	}, srv.Commands())
	assert.Equal(t, []string{"Subject: hi\n\nhello there\n"}, srv.Messages())
}

func TestSessionDotStuffing(t *testing.T) {
	srv := startScripted(t, &smtptest.ScriptedServer{})
	s := newTestSession(t, srv, Options{Security: SecurityPlain})

	data := "Subject: dots\r\n\r\nline one\r\n.\r\n.hidden\r\n..two\r\nlast"
	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.Send("from@example.com", []string{"a@example.com"}, []byte(data)))
	require.NoError(t, s.Close())

	// A lone "." would have ended the message early without stuffing
	assert.Equal(t, []string{"Subject: dots\n\nline one\n.\n.hidden\n..two\nlast\n"}, srv.Messages())
}

func TestSessionAuthRejected(t *testing.T) {
	serverTLS, clientTLS := smtptest.TLSConfigs(t)
	srv := startScripted(t, &smtptest.ScriptedServer{
		Extensions:  []string{"AUTH PLAIN LOGIN"},
		AuthReplies: []string{"535 5.7.8 Authentication credentials invalid"},
		TLSConfig:   serverTLS,
	})
	s := newTestSession(t, srv, Options{
		Security:    SecurityStartTLS,
		TLSConfig:   clientTLS,
		Credentials: auth.NewCredentials("user", "wrong"),
	})

	err := s.Open(context.Background())
	var ae *AuthenticationError
	require.True(t, errors.As(err, &ae), "got %v", err)
	assert.Equal(t, 535, ae.Code())
	assert.Equal(t, "5.7.8", ae.Reply.Enhanced)
	assert.Equal(t, auth.Plain, ae.Mechanism)
	assert.False(t, ae.Temporary())
	assert.Equal(t, StateFailed, s.State())

	assert.NoError(t, s.Close())
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, []string{"EHLO", "STARTTLS", "EHLO", "AUTH", "QUIT"}, srv.Verbs())
}

// scramRelay answers AUTH SCRAM-SHA-256 for user/pencil. With
// skipServerFinal it accepts the client final message straight away.
func scramRelay(t *testing.T, skipServerFinal bool) *smtptest.ScriptedServer {
	t.Helper()
	ref, err := scram.SHA256.NewClient("user", "pencil", "")
	require.NoError(t, err)
	stored := ref.GetStoredCredentials(scram.KeyFactors{Salt: "NaCl-salt", Iters: 4096})
	ss, err := scram.SHA256.NewServer(func(string) (scram.StoredCredentials, error) {
		return stored, nil
	})
	require.NoError(t, err)
	conv := ss.NewConversation()

	return startScripted(t, &smtptest.ScriptedServer{
		Extensions: []string{"AUTH SCRAM-SHA-256"},
		AuthHandler: func(line string) string {
			if conv.Done() {
				// The empty line after the server final message
				return "235 2.7.0 Authentication successful"
			}
			if f := strings.Fields(line); len(f) == 3 && f[0] == "AUTH" {
				line = f[2]
			}
			msg, err := base64.StdEncoding.DecodeString(line)
			if err != nil {
				return "501 5.5.2 Cannot decode response"
			}
			out, err := conv.Step(string(msg))
			if err != nil {
				return "535 5.7.8 Authentication credentials invalid"
			}
			if conv.Done() && skipServerFinal {
				return "235 2.7.0 Authentication successful"
			}
			return "334 " + base64.StdEncoding.EncodeToString([]byte(out))
		},
	})
}

func TestSessionSCRAM(t *testing.T) {
	testCases := []struct {
		description     string
		skipServerFinal bool
		shouldBeError   bool
	}{
		{description: "server proves itself"},
		{description: "server skips its final message", skipServerFinal: true, shouldBeError: true},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			srv := scramRelay(t, tc.skipServerFinal)
			s := newTestSession(t, srv, Options{
				Security:    SecurityPlain,
				Credentials: auth.NewCredentials("user", "pencil"),
			})

			err := s.Open(context.Background())
			assert.NoError(t, s.Close())
			if !tc.shouldBeError {
				require.NoError(t, err)
				assert.Equal(t, auth.SCRAMSHA256, s.Mechanism())
				return
			}
			var ae *AuthenticationError
			require.True(t, errors.As(err, &ae), "got %v", err)
			assert.True(t, errors.Is(err, auth.ErrServerNotVerified))
			assert.Equal(t, StateFailed, s.State())
			assert.Equal(t, "", s.Mechanism())
		})
	}
}

func TestSessionStartTLSUnavailable(t *testing.T) {
	srv := startScripted(t, &smtptest.ScriptedServer{
		Extensions: []string{"AUTH PLAIN"},
	})
	s := newTestSession(t, srv, Options{
		Security:    SecurityStartTLS,
		Credentials: auth.NewCredentials("user", "secret"),
	})

	err := s.Open(context.Background())
	var te *TLSError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.True(t, errors.Is(err, ErrStartTLSUnavailable))

	assert.NoError(t, s.Close())
	assert.Equal(t, []string{"EHLO", "QUIT"}, srv.Verbs())
}

func TestSessionRefusesCleartextAuth(t *testing.T) {
	srv := startScripted(t, &smtptest.ScriptedServer{
		Extensions: []string{"AUTH PLAIN LOGIN"},
	})
	s := newTestSession(t, srv, Options{
		Security:    SecurityPlain,
		Credentials: auth.NewCredentials("user", "secret"),
	})

	err := s.Open(context.Background())
	var ie *auth.InsecureAuthError
	require.True(t, errors.As(err, &ie), "got %v", err)
	assert.ElementsMatch(t, []string{auth.Plain, auth.Login}, ie.Mechanisms)
	assert.NoError(t, s.Close())

	assert.Equal(t, []string{"EHLO", "QUIT"}, srv.Verbs())
	wire := strings.Join(srv.Commands(), "\n")
	assert.NotContains(t, wire, "secret")
	assert.NotContains(t, wire, base64.StdEncoding.EncodeToString([]byte("\x00user\x00secret")))
	assert.NotContains(t, wire, base64.StdEncoding.EncodeToString([]byte("secret")))
}

func TestSessionRecipientRejected(t *testing.T) {
	srv := startScripted(t, &smtptest.ScriptedServer{
		Replies: map[string]string{
			"RCPT TO:<bad@example.com>": "550 5.1.1 No such user here",
		},
	})
	s := newTestSession(t, srv, Options{Security: SecurityPlain})

	require.NoError(t, s.Open(context.Background()))
	err := s.Send("from@example.com", []string{"good@example.com", "bad@example.com"}, []byte(testData))

	var re *RecipientRejectedError
	require.True(t, errors.As(err, &re), "got %v", err)
	assert.Equal(t, []string{"bad@example.com"}, re.Addresses())
	assert.Equal(t, 550, re.Rejected[0].Reply.Code)
	assert.False(t, re.Temporary())
	assert.NoError(t, s.Close())

	assert.Equal(t, []string{"EHLO", "MAIL", "RCPT", "RCPT", "QUIT"}, srv.Verbs())
	assert.Empty(t, srv.Messages())
}

func TestSessionEveryRecipientIsTried(t *testing.T) {
	srv := startScripted(t, &smtptest.ScriptedServer{
		Replies: map[string]string{
			"RCPT TO:<a@example.com>": "450 4.2.1 Mailbox busy",
			"RCPT TO:<b@example.com>": "451 4.3.0 Try later",
		},
	})
	s := newTestSession(t, srv, Options{Security: SecurityPlain})

	require.NoError(t, s.Open(context.Background()))
	err := s.Send("from@example.com", []string{"a@example.com", "b@example.com", "c@example.com"}, []byte(testData))

	var re *RecipientRejectedError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, re.Addresses())
	assert.True(t, re.Temporary())
	assert.NoError(t, s.Close())
	assert.Equal(t, []string{"EHLO", "MAIL", "RCPT", "RCPT", "RCPT", "QUIT"}, srv.Verbs())
}

func TestSessionDataFailureStillQuits(t *testing.T) {
	srv := startScripted(t, &smtptest.ScriptedServer{
		DataReply: "451 4.3.0 Try again later",
	})
	s := newTestSession(t, srv, Options{Security: SecurityPlain})

	require.NoError(t, s.Open(context.Background()))
	err := s.Send("from@example.com", []string{"a@example.com"}, []byte(testData))

	var te *TransmissionError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, 451, te.Reply.Code)
	assert.True(t, te.Temporary())

	assert.NoError(t, s.Close())
	assert.Equal(t, StateFailed, s.State())
	verbs := srv.Verbs()
	assert.Equal(t, "QUIT", verbs[len(verbs)-1])
}

func TestSessionDataRefused(t *testing.T) {
	srv := startScripted(t, &smtptest.ScriptedServer{
		Replies: map[string]string{"DATA": "554 5.5.1 No valid recipients"},
	})
	s := newTestSession(t, srv, Options{Security: SecurityPlain})

	require.NoError(t, s.Open(context.Background()))
	err := s.Send("from@example.com", []string{"a@example.com"}, []byte(testData))
	var te *TransmissionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 554, te.Reply.Code)
	assert.NoError(t, s.Close())
	assert.Empty(t, srv.Messages())
}

func TestSessionSize(t *testing.T) {
	t.Run("over the advertised limit", func(t *testing.T) {
		srv := startScripted(t, &smtptest.ScriptedServer{Extensions: []string{"SIZE 10"}})
		s := newTestSession(t, srv, Options{Security: SecurityPlain})

		require.NoError(t, s.Open(context.Background()))
		err := s.Send("from@example.com", []string{"a@example.com"}, []byte(testData))
		assert.True(t, errors.Is(err, ErrMessageTooLarge), "got %v", err)
		assert.NoError(t, s.Close())
		assert.Equal(t, []string{"EHLO", "QUIT"}, srv.Verbs())
	})

	t.Run("declared in MAIL FROM", func(t *testing.T) {
		srv := startScripted(t, &smtptest.ScriptedServer{Extensions: []string{"SIZE 1000"}})
		s := newTestSession(t, srv, Options{Security: SecurityPlain})

		require.NoError(t, s.Open(context.Background()))
		require.NoError(t, s.Send("from@example.com", []string{"a@example.com"}, []byte(testData)))
		assert.NoError(t, s.Close())
		assert.Contains(t, srv.Commands(), "MAIL FROM:<from@example.com> SIZE=28")
	})
}

func TestSessionMailParameters(t *testing.T) {
	t.Run("8BITMIME for 8-bit content", func(t *testing.T) {
		srv := startScripted(t, &smtptest.ScriptedServer{Extensions: []string{"8BITMIME"}})
		s := newTestSession(t, srv, Options{Security: SecurityPlain})

		require.NoError(t, s.Open(context.Background()))
		require.NoError(t, s.Send("from@example.com", []string{"a@example.com"}, []byte("\r\nGrüße\r\n")))
		assert.NoError(t, s.Close())
		assert.Contains(t, srv.Commands(), "MAIL FROM:<from@example.com> BODY=8BITMIME")
	})

	t.Run("SMTPUTF8 when advertised", func(t *testing.T) {
		srv := startScripted(t, &smtptest.ScriptedServer{Extensions: []string{"SMTPUTF8"}})
		s := newTestSession(t, srv, Options{Security: SecurityPlain})

		require.NoError(t, s.Open(context.Background()))
		require.NoError(t, s.Send("josé@example.com", []string{"a@example.com"}, []byte(testData)))
		assert.NoError(t, s.Close())
		assert.Contains(t, srv.Commands(), "MAIL FROM:<josé@example.com> SMTPUTF8")
	})

	t.Run("SMTPUTF8 missing", func(t *testing.T) {
		srv := startScripted(t, &smtptest.ScriptedServer{})
		s := newTestSession(t, srv, Options{Security: SecurityPlain})

		require.NoError(t, s.Open(context.Background()))
		err := s.Send("from@example.com", []string{"josé@example.com"}, []byte(testData))
		assert.True(t, errors.Is(err, ErrSMTPUTF8Unsupported), "got %v", err)
		assert.NoError(t, s.Close())
		assert.Equal(t, []string{"EHLO", "QUIT"}, srv.Verbs())
	})
}

func TestSessionOpportunistic(t *testing.T) {
	t.Run("stays in plaintext without STARTTLS", func(t *testing.T) {
		srv := startScripted(t, &smtptest.ScriptedServer{})
		s := newTestSession(t, srv, Options{Security: SecurityOpportunistic})

		require.NoError(t, s.Open(context.Background()))
		assert.False(t, s.TLSActive())
		require.NoError(t, s.Send("from@example.com", []string{"a@example.com"}, []byte(testData)))
		assert.NoError(t, s.Close())
	})

	t.Run("upgrades when offered", func(t *testing.T) {
		serverTLS, clientTLS := smtptest.TLSConfigs(t)
		srv := startScripted(t, &smtptest.ScriptedServer{TLSConfig: serverTLS})
		s := newTestSession(t, srv, Options{Security: SecurityOpportunistic, TLSConfig: clientTLS})

		require.NoError(t, s.Open(context.Background()))
		assert.True(t, s.TLSActive())
		assert.False(t, s.Capabilities().Has("STARTTLS"))
		require.NoError(t, s.Send("from@example.com", []string{"a@example.com"}, []byte(testData)))
		assert.NoError(t, s.Close())
		assert.Equal(t, []string{"EHLO", "STARTTLS", "EHLO", "MAIL", "RCPT", "DATA", "QUIT"}, srv.Verbs())
	})
}

func TestSessionImplicitTLSWithLogin(t *testing.T) {
	serverTLS, clientTLS := smtptest.TLSConfigs(t)
	srv := startScripted(t, &smtptest.ScriptedServer{
		Extensions: []string{"AUTH LOGIN"},
		AuthReplies: []string{
			"334 VXNlcm5hbWU6", // Username:
			"334 UGFzc3dvcmQ6", // Password:
			"235 2.7.0 Authentication successful",
		},
		TLSConfig:   serverTLS,
		ImplicitTLS: true,
	})
	s := newTestSession(t, srv, Options{
		Security:    SecurityTLS,
		TLSConfig:   clientTLS,
		Credentials: auth.NewCredentials("user", "secret"),
	})

	require.NoError(t, s.Open(context.Background()))
	assert.True(t, s.TLSActive())
	assert.Equal(t, auth.Login, s.Mechanism())
	assert.Equal(t, StateAuthenticated, s.State())

	require.NoError(t, s.Send("from@example.com", []string{"a@example.com"}, []byte(testData)))
	assert.NoError(t, s.Close())
	assert.Equal(t, StateCompleted, s.State())

	cmds := srv.Commands()
	require.GreaterOrEqual(t, len(cmds), 4)
	assert.Equal(t, []string{
		"AUTH LOGIN",
		base64.StdEncoding.EncodeToString([]byte("user")),
		base64.StdEncoding.EncodeToString([]byte("secret")),
	}, cmds[1:4])
}

func TestSessionHandshakeFailure(t *testing.T) {
	// Implicit TLS against a server that talks plaintext
	srv := startScripted(t, &smtptest.ScriptedServer{})
	s := newTestSession(t, srv, Options{Security: SecurityTLS})

	err := s.Open(context.Background())
	var te *TLSError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, StateFailed, s.State())

	// Nothing readable came back, so there's no QUIT to send
	assert.NoError(t, s.Close())
	assert.NotContains(t, srv.Verbs(), "QUIT")
}

func TestSessionBadGreeting(t *testing.T) {
	srv := startScripted(t, &smtptest.ScriptedServer{Greeting: "554 5.3.2 No service"})
	s := newTestSession(t, srv, Options{Security: SecurityPlain})

	err := s.Open(context.Background())
	var pe *ProtocolError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, 554, pe.Reply.Code)

	// The server hung up after the greeting, so QUIT can't succeed
	var td *TeardownError
	assert.True(t, errors.As(s.Close(), &td))
}

func TestSessionAfterClose(t *testing.T) {
	srv := startScripted(t, &smtptest.ScriptedServer{})
	s := newTestSession(t, srv, Options{Security: SecurityPlain})

	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.Equal(t, StateDisconnected, s.State())

	err := s.Send("from@example.com", []string{"a@example.com"}, []byte(testData))
	assert.True(t, errors.Is(err, ErrSessionClosed))
	assert.Equal(t, []string{"EHLO", "QUIT"}, srv.Verbs())
}

func TestSessionRejectsLineBreaksInCommands(t *testing.T) {
	srv := startScripted(t, &smtptest.ScriptedServer{})
	s := newTestSession(t, srv, Options{Security: SecurityPlain})

	require.NoError(t, s.Open(context.Background()))
	err := s.Send("from@example.com\r\nRCPT TO:<x@example.com>", []string{"a@example.com"}, []byte(testData))
	assert.Error(t, err)
	assert.NoError(t, s.Close())
	assert.Equal(t, []string{"EHLO", "QUIT"}, srv.Verbs())
}

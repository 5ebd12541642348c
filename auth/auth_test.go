package auth

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xdg-go/scram"
)

func TestSelect(t *testing.T) {
	testCases := []struct {
		description string
		advertised  []string
		forced      string
		encrypted   bool
		want        string
		insecure    bool
		noMech      bool
	}{
		{
			description: "prefers SCRAM over everything",
			advertised:  []string{"PLAIN", "LOGIN", "CRAM-MD5", "SCRAM-SHA-1", "SCRAM-SHA-256"},
			encrypted:   true,
			want:        SCRAMSHA256,
		},
		{
			description: "prefers CRAM-MD5 over PLAIN",
			advertised:  []string{"PLAIN", "LOGIN", "CRAM-MD5"},
			encrypted:   true,
			want:        CRAMMD5,
		},
		{
			description: "PLAIN over TLS",
			advertised:  []string{"LOGIN", "PLAIN"},
			encrypted:   true,
			want:        Plain,
		},
		{
			description: "lower case from the server",
			advertised:  []string{"login"},
			encrypted:   true,
			want:        Login,
		},
		{
			description: "only PLAIN in the clear",
			advertised:  []string{"PLAIN"},
			insecure:    true,
		},
		{
			description: "CRAM-MD5 is fine in the clear",
			advertised:  []string{"PLAIN", "CRAM-MD5"},
			want:        CRAMMD5,
		},
		{
			description: "nothing in common",
			advertised:  []string{"XOAUTH2", "GSSAPI"},
			encrypted:   true,
			noMech:      true,
		},
		{
			description: "forced mechanism",
			advertised:  []string{"PLAIN", "CRAM-MD5"},
			forced:      "plain",
			encrypted:   true,
			want:        Plain,
		},
		{
			description: "forced cleartext mechanism in the clear",
			advertised:  []string{"PLAIN", "CRAM-MD5"},
			forced:      "PLAIN",
			insecure:    true,
		},
		{
			description: "forced mechanism not offered",
			advertised:  []string{"PLAIN"},
			forced:      "CRAM-MD5",
			encrypted:   true,
			noMech:      true,
		},
		{
			description: "forced mechanism not implemented",
			advertised:  []string{"XOAUTH2"},
			forced:      "XOAUTH2",
			encrypted:   true,
			noMech:      true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			got, err := Select(tc.advertised, tc.forced, tc.encrypted)
			switch {
			case tc.insecure:
				var ie *InsecureAuthError
				require.True(t, errors.As(err, &ie), "expected *InsecureAuthError, got %v", err)
				assert.NotEmpty(t, ie.Mechanisms)
			case tc.noMech:
				assert.True(t, errors.Is(err, ErrNoMechanism), "expected ErrNoMechanism, got %v", err)
			default:
				require.NoError(t, err)
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestPlainClient(t *testing.T) {
	c, err := NewClient(Plain, NewCredentials("mailer@example.com", "secret"))
	require.NoError(t, err)

	mech, ir, err := c.Start()
	require.NoError(t, err)
	assert.Equal(t, Plain, mech)
	assert.Equal(t, "\x00mailer@example.com\x00secret", string(ir))
}

func TestLoginClient(t *testing.T) {
	testCases := []struct {
		description string
		challenges  []string
		want        []string
	}{
		{
			description: "standard prompts",
			challenges:  []string{"Username:", "Password:"},
			want:        []string{"user", "pass"},
		},
		{
			description: "unusual prompts fall back to order",
			challenges:  []string{"Who are you?", "Prove it"},
			want:        []string{"user", "pass"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			c, err := NewClient(Login, NewCredentials("user", "pass"))
			require.NoError(t, err)
			mech, ir, err := c.Start()
			require.NoError(t, err)
			assert.Equal(t, Login, mech)
			assert.Nil(t, ir)

			for i, ch := range tc.challenges {
				resp, err := c.Next([]byte(ch))
				require.NoError(t, err)
				assert.Equal(t, tc.want[i], string(resp))
			}
			_, err = c.Next([]byte("More?"))
			assert.Error(t, err)
		})
	}
}

// Test vector from RFC 2195 section 2
func TestCRAMMD5Client(t *testing.T) {
	c, err := NewClient(CRAMMD5, NewCredentials("tim", "tanstaaftanstaaf"))
	require.NoError(t, err)

	_, ir, err := c.Start()
	require.NoError(t, err)
	assert.Nil(t, ir)

	resp, err := c.Next([]byte("<1896.697170952@postoffice.reston.mci.net>"))
	require.NoError(t, err)
	assert.Equal(t, "tim b913a602c7eda7a495b4e6e7334d3890", string(resp))

	_, err = c.Next([]byte("again"))
	assert.Error(t, err)
}

func TestSCRAMClientAgainstServer(t *testing.T) {
	for _, tc := range []struct {
		mech string
		hash scram.HashGeneratorFcn
	}{
		{SCRAMSHA256, scram.SHA256},
		{SCRAMSHA1, scram.SHA1},
	} {
		t.Run(tc.mech, func(t *testing.T) {
			ref, err := tc.hash.NewClient("user", "pencil", "")
			require.NoError(t, err)
			stored := ref.GetStoredCredentials(scram.KeyFactors{Salt: "NaCl-salt", Iters: 4096})
			srv, err := tc.hash.NewServer(func(string) (scram.StoredCredentials, error) {
				return stored, nil
			})
			require.NoError(t, err)
			sconv := srv.NewConversation()

			c, err := NewClient(tc.mech, NewCredentials("user", "pencil"))
			require.NoError(t, err)
			mech, ir, err := c.Start()
			require.NoError(t, err)
			assert.Equal(t, tc.mech, mech)

			serverFirst, err := sconv.Step(string(ir))
			require.NoError(t, err)
			clientFinal, err := c.Next([]byte(serverFirst))
			require.NoError(t, err)
			serverFinal, err := sconv.Step(string(clientFinal))
			require.NoError(t, err)

			v, ok := c.(Verifier)
			require.True(t, ok, "SCRAM clients verify the server")
			assert.False(t, v.Verified(), "nothing verified before the server final message")

			last, err := c.Next([]byte(serverFinal))
			require.NoError(t, err)
			assert.Empty(t, last)
			assert.True(t, sconv.Valid())
			assert.True(t, v.Verified())
		})
	}
}

func TestSCRAMClientRejectsForgedServerFinal(t *testing.T) {
	ref, err := scram.SHA256.NewClient("user", "pencil", "")
	require.NoError(t, err)
	stored := ref.GetStoredCredentials(scram.KeyFactors{Salt: "NaCl-salt", Iters: 4096})
	srv, err := scram.SHA256.NewServer(func(string) (scram.StoredCredentials, error) {
		return stored, nil
	})
	require.NoError(t, err)
	sconv := srv.NewConversation()

	c, err := NewClient(SCRAMSHA256, NewCredentials("user", "pencil"))
	require.NoError(t, err)
	_, ir, err := c.Start()
	require.NoError(t, err)
	serverFirst, err := sconv.Step(string(ir))
	require.NoError(t, err)
	_, err = c.Next([]byte(serverFirst))
	require.NoError(t, err)

	_, err = c.Next([]byte("v=bm90IHRoZSBzaWduYXR1cmU="))
	assert.Error(t, err)
	assert.False(t, c.(Verifier).Verified())
}

func TestOnlySCRAMVerifies(t *testing.T) {
	for _, mech := range []string{Plain, Login, CRAMMD5} {
		c, err := NewClient(mech, NewCredentials("user", "pencil"))
		require.NoError(t, err)
		_, ok := c.(Verifier)
		assert.False(t, ok, mech)
	}
}

func TestCredentialsNeverPrintSecret(t *testing.T) {
	c := NewCredentials("mailer@example.com", "654f4b94c733f619")

	assert.NotContains(t, c.String(), "654f4b94c733f619")
	assert.NotContains(t, fmt.Sprintf("%v", c), "654f4b94c733f619")

	var buf bytes.Buffer
	l := zerolog.New(&buf)
	l.Info().Object("credentials", c).Msg("configured")
	assert.NotContains(t, buf.String(), "654f4b94c733f619")
	assert.Contains(t, buf.String(), `"username":"mailer@example.com"`)

	assert.True(t, NewCredentials("", "").IsZero())
	assert.False(t, c.IsZero())
}

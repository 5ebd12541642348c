package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/xdg-go/scram"
)

// loginClient answers the "Username:" and "Password:" prompts of the LOGIN
// mechanism. It sends no initial response since plenty of servers ignore it
// and prompt for the username anyway.
type loginClient struct {
	username string
	password string
	step     int
}

func (a *loginClient) Start() (string, []byte, error) {
	return Login, nil, nil
}

func (a *loginClient) Next(challenge []byte) ([]byte, error) {
	a.step++
	prompt := strings.ToLower(string(challenge))
	switch {
	case strings.HasPrefix(prompt, "user"):
		return []byte(a.username), nil
	case strings.HasPrefix(prompt, "pass"):
		return []byte(a.password), nil
	case a.step == 1:
		return []byte(a.username), nil
	case a.step == 2:
		return []byte(a.password), nil
	}
	return nil, fmt.Errorf("unexpected LOGIN challenge %q", challenge)
}

// cramMD5Client implements RFC 2195.
type cramMD5Client struct {
	username string
	secret   string
	done     bool
}

func (a *cramMD5Client) Start() (string, []byte, error) {
	return CRAMMD5, nil, nil
}

func (a *cramMD5Client) Next(challenge []byte) ([]byte, error) {
	if a.done {
		return nil, errors.New("unexpected CRAM-MD5 challenge after the response")
	}
	a.done = true
	d := hmac.New(md5.New, []byte(a.secret))
	d.Write(challenge)
	return []byte(a.username + " " + hex.EncodeToString(d.Sum(nil))), nil
}

// scramClient adapts an xdg-go/scram conversation to sasl.Client. The server
// final message arrives as one more 334 challenge, which we verify and
// answer with an empty line. A server that skips it is caught by Verified.
type scramClient struct {
	mech string
	conv *scram.ClientConversation
}

func newSCRAMClient(mech string, hash scram.HashGeneratorFcn, c Credentials) (sasl.Client, error) {
	client, err := hash.NewClient(c.username, c.secret, "")
	if err != nil {
		return nil, fmt.Errorf("can't set up %v: %w", mech, err)
	}
	return &scramClient{mech: mech, conv: client.NewConversation()}, nil
}

func (a *scramClient) Start() (string, []byte, error) {
	first, err := a.conv.Step("")
	if err != nil {
		return "", nil, err
	}
	return a.mech, []byte(first), nil
}

func (a *scramClient) Next(challenge []byte) ([]byte, error) {
	if a.conv.Done() {
		return nil, errors.New("unexpected challenge after the SCRAM exchange finished")
	}
	resp, err := a.conv.Step(string(challenge))
	if err != nil {
		return nil, err
	}
	return []byte(resp), nil
}

// Verified reports whether the server final message checked out.
func (a *scramClient) Verified() bool {
	return a.conv.Valid()
}

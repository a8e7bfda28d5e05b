// Package smtp implements the inbound SMTP listener. Accepted messages are
// parsed and delivered to the local inboxes of their recipients.
package smtp

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

var (
	errAuthFailed   = errors.New("authentication failed")
	errAuthEncoding = errors.New("invalid base64 encoding")
	errAuthFormat   = errors.New("invalid AUTH PLAIN format")
)

// Authenticator checks SMTP AUTH credentials. Inbound mail normally
// arrives unauthenticated; credentials are only needed when the listener
// is reachable by untrusted relays.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator. Leaving either value empty
// disables authentication.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{username: username, password: password}
}

// Enabled reports whether clients must authenticate before MAIL FROM.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// VerifyPlain checks an AUTH PLAIN response, base64("authzid\0user\0pass").
// The authorization identity is ignored.
func (a *Authenticator) VerifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return errAuthEncoding
	}
	fields := strings.SplitN(string(decoded), "\x00", 3)
	if len(fields) != 3 {
		return errAuthFormat
	}
	return a.check(fields[1], fields[2])
}

// VerifyLogin checks the two base64 answers of the AUTH LOGIN exchange.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return errAuthEncoding
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return errAuthEncoding
	}
	return a.check(string(user), string(pass))
}

func (a *Authenticator) check(user, pass string) error {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(a.password)) == 1
	if !userOK || !passOK {
		return errAuthFailed
	}
	return nil
}

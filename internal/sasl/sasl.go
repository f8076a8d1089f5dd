// Package sasl adapts this tree's account store and connection state to
// github.com/emersion/go-sasl, so the server and client SMTP protocols
// drive AUTH through the same mechanism implementations rather than each
// hand-rolling PLAIN/LOGIN challenge-response parsing.
package sasl

import (
	gosasl "github.com/emersion/go-sasl"
)

// Authenticator is the minimal account-store contract the server side
// needs: verify a (user, domain, password) triple.
type Authenticator interface {
	Authenticate(user, domain, password string) (bool, error)
}

// NewServer returns a go-sasl Server for mech ("PLAIN" or "LOGIN"),
// backed by auth. identity/username are split into local-part and domain
// the same way the rest of this tree expects ("user@domain"); a bare
// username with no '@' is rejected, mirroring the spec's insistence that
// the account selector be fully qualified.
func NewServer(mech string, auth Authenticator) (gosasl.Server, error) {
	switch mech {
	case gosasl.Plain:
		return gosasl.NewPlainServer(func(identity, username, password string) error {
			user, domain, err := splitAccount(username)
			if err != nil {
				return err
			}
			ok, err := auth.Authenticate(user, domain, password)
			if err != nil {
				return err
			}
			if !ok {
				return errAuthFailed
			}
			return nil
		}), nil
	case gosasl.Login:
		return gosasl.NewLoginServer(func(username, password string) error {
			user, domain, err := splitAccount(username)
			if err != nil {
				return err
			}
			ok, err := auth.Authenticate(user, domain, password)
			if err != nil {
				return err
			}
			if !ok {
				return errAuthFailed
			}
			return nil
		}), nil
	default:
		return nil, errUnsupportedMechanism
	}
}

// NewClient returns a go-sasl Client for mech, used by the forwarding
// client protocol when the remote peer requires AUTH.
func NewClient(mech, identity, username, password string) (gosasl.Client, error) {
	switch mech {
	case gosasl.Plain:
		return gosasl.NewPlainClient(identity, username, password), nil
	case gosasl.Login:
		return gosasl.NewLoginClient(username, password), nil
	default:
		return nil, errUnsupportedMechanism
	}
}

func splitAccount(s string) (user, domain string, err error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '@' {
			return s[:i], s[i+1:], nil
		}
	}
	return "", "", errMissingDomain
}

type saslError string

func (e saslError) Error() string { return string(e) }

const (
	errAuthFailed           = saslError("sasl: invalid username or password")
	errUnsupportedMechanism = saslError("sasl: unsupported mechanism")
	errMissingDomain        = saslError("sasl: account selector must be user@domain")
)

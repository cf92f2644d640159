package imap

import (
	"context"
	"encoding/base64"

	"github.com/emersion/go-sasl"
	"github.com/pkg/errors"
	xoauth2 "github.com/sqs/go-xoauth2"
)

// Mechanism names accepted in Options.
const (
	MechanismLogin       = "LOGIN"
	MechanismPlain       = "PLAIN"
	MechanismXOAuth2     = "XOAUTH2"
	MechanismOAuthBearer = "OAUTHBEARER"
)

// authenticate runs the mechanism selected by creds and opts. Failures are
// never retried.
func (s *Session) authenticate(ctx context.Context, creds Credentials) error {
	if err := s.requireState("authenticate", StateConnected); err != nil {
		return err
	}

	var err error
	switch {
	case creds.UsesOAuth2() && s.opts.OAuth2Mechanism == MechanismOAuthBearer:
		err = s.authenticateSASL(ctx, sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: creds.Login,
			Token:    string(creds.token),
			Host:     creds.Host,
			Port:     s.Port,
		}))
	case creds.UsesOAuth2():
		err = s.AuthenticateXOAuth2(ctx, creds.Login, string(creds.token))
	case s.opts.PasswordMechanism == MechanismPlain:
		err = s.authenticateSASL(ctx, sasl.NewPlainClient("", creds.Login, string(creds.password)))
	default:
		err = s.login(ctx, creds.Login, string(creds.password))
	}
	if err != nil {
		return opError("authenticate", err, ErrAuthentication)
	}
	s.setState(StateAuthenticated)
	return nil
}

// AuthenticateXOAuth2 authenticates with an OAuth2 access token using the
// XOAUTH2 mechanism.
func (s *Session) AuthenticateXOAuth2(ctx context.Context, username string, accessToken string) error {
	return s.Exec(ctx, "AUTHENTICATE XOAUTH2 "+xoauth2Response(username, accessToken), nil)
}

// xoauth2Response is the base64 initial response for XOAUTH2.
func xoauth2Response(username string, accessToken string) string {
	return base64.StdEncoding.EncodeToString([]byte(xoauth2.OAuth2String(username, accessToken)))
}

// login authenticates with a username and password
func (s *Session) login(ctx context.Context, username string, password string) error {
	return s.Exec(ctx, "LOGIN "+quoteString(username)+" "+quoteString(password), nil)
}

// authenticateSASL sends the client's initial response inline (SASL-IR).
func (s *Session) authenticateSASL(ctx context.Context, client sasl.Client) error {
	mech, ir, err := client.Start()
	if err != nil {
		return errors.Wrap(err, "sasl start")
	}
	resp := "="
	if len(ir) > 0 {
		resp = base64.StdEncoding.EncodeToString(ir)
	}
	return s.Exec(ctx, "AUTHENTICATE "+mech+" "+resp, nil)
}

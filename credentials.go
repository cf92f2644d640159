package imap

import (
	"fmt"
	"log/slog"
)

// PasswordSecret is a static account password.
type PasswordSecret string

// OAuth2Token is an OAuth2 bearer access token.
type OAuth2Token string

// Credentials identify one account on one server. Exactly one of the two
// secrets is set. The secret never appears in formatted or logged output.
type Credentials struct {
	Host  string
	Port  int
	Login string

	password PasswordSecret
	token    OAuth2Token
}

// NewPasswordCredentials returns credentials that authenticate with LOGIN
// or PLAIN.
func NewPasswordCredentials(host string, port int, login string, password PasswordSecret) Credentials {
	return Credentials{Host: host, Port: port, Login: login, password: password}
}

// NewOAuth2Credentials returns credentials that authenticate with XOAUTH2
// or OAUTHBEARER.
func NewOAuth2Credentials(host string, port int, login string, token OAuth2Token) Credentials {
	return Credentials{Host: host, Port: port, Login: login, token: token}
}

// UsesOAuth2 reports whether the credentials carry a bearer token.
func (c Credentials) UsesOAuth2() bool {
	return c.token != ""
}

// Method names the kind of secret, "oauth2" or "password".
func (c Credentials) Method() string {
	if c.UsesOAuth2() {
		return "oauth2"
	}
	return "password"
}

func (c Credentials) String() string {
	return fmt.Sprintf("%s@%s:%d (%s)", c.Login, c.Host, c.Port, c.Method())
}

func (c Credentials) GoString() string {
	return fmt.Sprintf("imap.Credentials{Host:%q, Port:%d, Login:%q, secret:****}", c.Host, c.Port, c.Login)
}

func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("host", c.Host),
		slog.Int("port", c.Port),
		slog.String("login", c.Login),
		slog.String("method", c.Method()),
	)
}

package imap

import (
	"strings"
	"time"
)

// String replacers for escaping/unescaping IMAP quoted strings
var (
	AddSlashes    = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	RemoveSlashes = strings.NewReplacer(`\\`, `\`, `\"`, `"`)
)

// Verbose outputs every command and its response with the IMAP server
var Verbose = false

// SkipResponses skips printing server responses in verbose mode
var SkipResponses = false

// Defaults used when the corresponding Options field is zero.
const (
	DefaultPort           = 993
	DefaultDialTimeout    = 30 * time.Second
	DefaultCommandTimeout = 60 * time.Second
)

// logoutTimeout bounds the LOGOUT exchange in Close.
const logoutTimeout = 5 * time.Second

// Options tunes how sessions are dialed and authenticated.
type Options struct {
	// DialTimeout bounds TCP connect plus TLS handshake.
	DialTimeout time.Duration
	// CommandTimeout bounds every command from write to tagged completion.
	CommandTimeout time.Duration
	// DialRetries is the number of extra connect attempts. Authentication is
	// never retried.
	DialRetries int
	// TLSSkipVerify disables certificate verification. Use with caution;
	// skipping verification exposes the connection to man-in-the-middle attacks.
	TLSSkipVerify bool
	// PasswordMechanism is MechanismLogin or MechanismPlain.
	PasswordMechanism string
	// OAuth2Mechanism is MechanismXOAuth2 or MechanismOAuthBearer.
	OAuth2Mechanism string
	// PoolSize > 0 makes a Bridge reuse up to that many sessions instead of
	// connecting once per call.
	PoolSize int
}

func (o Options) withDefaults() Options {
	if o.DialTimeout == 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.CommandTimeout == 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.DialRetries < 0 {
		o.DialRetries = 0
	}
	o.PasswordMechanism = strings.ToUpper(o.PasswordMechanism)
	if o.PasswordMechanism == "" {
		o.PasswordMechanism = MechanismLogin
	}
	o.OAuth2Mechanism = strings.ToUpper(o.OAuth2Mechanism)
	if o.OAuth2Mechanism == "" {
		o.OAuth2Mechanism = MechanismXOAuth2
	}
	return o
}

package imap

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"github.com/caarlos0/env/v6"
	"github.com/pkg/errors"
)

// keyringPrefix marks a secret value that names a keyring entry instead of
// holding the secret itself.
const keyringPrefix = "keyring:"

// KeyringService is the service name entries are stored under.
const KeyringService = "imap-mcp"

// Config is the environment-driven configuration of a bridge.
type Config struct {
	Host              string        `env:"IMAP_HOST"`
	Port              int           `env:"IMAP_PORT" envDefault:"993"`
	Login             string        `env:"IMAP_LOGIN"`
	Password          string        `env:"IMAP_PASSWORD"`
	Token             string        `env:"IMAP_TOKEN"`
	PasswordMechanism string        `env:"IMAP_PASSWORD_MECHANISM" envDefault:"LOGIN"`
	OAuth2Mechanism   string        `env:"IMAP_OAUTH2_MECHANISM" envDefault:"XOAUTH2"`
	DialTimeout       time.Duration `env:"IMAP_DIAL_TIMEOUT" envDefault:"30s"`
	CommandTimeout    time.Duration `env:"IMAP_COMMAND_TIMEOUT" envDefault:"60s"`
	DialRetries       int           `env:"IMAP_DIAL_RETRIES" envDefault:"0"`
	TLSSkipVerify     bool          `env:"IMAP_TLS_SKIP_VERIFY" envDefault:"false"`
	PoolSize          int           `env:"IMAP_POOL_SIZE" envDefault:"0"`
	Verbose           bool          `env:"IMAP_VERBOSE" envDefault:"false"`
}

// LoadConfig reads the process environment.
func LoadConfig() (*Config, error) {
	return loadConfig(env.Options{})
}

// LoadConfigFrom reads configuration from environ instead of the process
// environment.
func LoadConfigFrom(environ map[string]string) (*Config, error) {
	return loadConfig(env.Options{Environment: environ})
}

func loadConfig(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg, opts); err != nil {
		return nil, &Error{Kind: ErrConfiguration, Op: "load config", Err: err}
	}
	return cfg, nil
}

// SecretStore looks up secrets referenced as keyring:<key>.
type SecretStore interface {
	Get(key string) (keyring.Item, error)
}

// OpenKeyring opens the operating system keyring.
func OpenKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: KeyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
		},
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening keyring")
	}
	return ring, nil
}

// Credentials validates the configuration and builds the account
// credentials. store may be nil when no secret uses the keyring: prefix.
//
// When both a token and a password are configured the token wins and a
// warning is logged.
func (c *Config) Credentials(store SecretStore) (Credentials, error) {
	fail := func(err error) (Credentials, error) {
		return Credentials{}, &Error{Kind: ErrConfiguration, Op: "credentials", Err: err}
	}

	host, port := strings.TrimSpace(c.Host), c.Port
	if h, p, err := net.SplitHostPort(host); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return fail(errors.Errorf("invalid port in IMAP_HOST %q", c.Host))
		}
		host, port = h, n
	}
	if host == "" {
		return fail(errors.New("IMAP_HOST is not set"))
	}
	if port <= 0 || port > 65535 {
		return fail(errors.Errorf("invalid IMAP_PORT %d", port))
	}
	if c.Login == "" {
		return fail(errors.New("IMAP_LOGIN is not set"))
	}

	token, err := resolveSecret(c.Token, store)
	if err != nil {
		return fail(errors.Wrap(err, "IMAP_TOKEN"))
	}
	password, err := resolveSecret(c.Password, store)
	if err != nil {
		return fail(errors.Wrap(err, "IMAP_PASSWORD"))
	}

	switch {
	case token != "" && password != "":
		getLogger().Warn("both IMAP_TOKEN and IMAP_PASSWORD are set, using IMAP_TOKEN")
		return NewOAuth2Credentials(host, port, c.Login, OAuth2Token(token)), nil
	case token != "":
		return NewOAuth2Credentials(host, port, c.Login, OAuth2Token(token)), nil
	case password != "":
		return NewPasswordCredentials(host, port, c.Login, PasswordSecret(password)), nil
	}
	return fail(errors.New("one of IMAP_PASSWORD or IMAP_TOKEN must be set"))
}

// Options returns the session options the configuration describes.
func (c *Config) Options() (Options, error) {
	opts := Options{
		DialTimeout:       c.DialTimeout,
		CommandTimeout:    c.CommandTimeout,
		DialRetries:       c.DialRetries,
		TLSSkipVerify:     c.TLSSkipVerify,
		PasswordMechanism: c.PasswordMechanism,
		OAuth2Mechanism:   c.OAuth2Mechanism,
		PoolSize:          c.PoolSize,
	}.withDefaults()

	switch opts.PasswordMechanism {
	case MechanismLogin, MechanismPlain:
	default:
		return Options{}, &Error{Kind: ErrConfiguration, Op: "options", Err: errors.Errorf("unsupported IMAP_PASSWORD_MECHANISM %q", c.PasswordMechanism)}
	}
	switch opts.OAuth2Mechanism {
	case MechanismXOAuth2, MechanismOAuthBearer:
	default:
		return Options{}, &Error{Kind: ErrConfiguration, Op: "options", Err: errors.Errorf("unsupported IMAP_OAUTH2_MECHANISM %q", c.OAuth2Mechanism)}
	}
	if opts.DialTimeout < 0 || opts.CommandTimeout < 0 {
		return Options{}, &Error{Kind: ErrConfiguration, Op: "options", Err: errors.New("timeouts must not be negative")}
	}
	if opts.PoolSize < 0 {
		return Options{}, &Error{Kind: ErrConfiguration, Op: "options", Err: errors.Errorf("invalid IMAP_POOL_SIZE %d", opts.PoolSize)}
	}
	return opts, nil
}

func resolveSecret(value string, store SecretStore) (string, error) {
	key, ok := strings.CutPrefix(value, keyringPrefix)
	if !ok {
		return value, nil
	}
	if store == nil {
		return "", errors.Errorf("secret %q references the keyring but no keyring is available", key)
	}
	item, err := store.Get(key)
	if err != nil {
		return "", errors.Wrapf(err, "keyring entry %q", key)
	}
	return string(item.Data), nil
}

// UsesKeyring reports whether any secret is a keyring reference.
func (c *Config) UsesKeyring() bool {
	return strings.HasPrefix(c.Password, keyringPrefix) || strings.HasPrefix(c.Token, keyringPrefix)
}

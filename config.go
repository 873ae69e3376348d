package sfcore

import (
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// DefaultPort is the HTTPS port warehouse accounts listen on.
	DefaultPort = 443

	// DefaultLoginTimeout bounds the login exchange.
	DefaultLoginTimeout = 60 * time.Second

	// DefaultChunkPrefetch is the number of result chunks fetched ahead of
	// the consumer.
	DefaultChunkPrefetch = 2

	// envPrefix namespaces environment overrides, e.g. SFCORE_ACCOUNT or
	// SFCORE_RETRY__MAX_ATTEMPTS (double underscore separates nesting
	// levels, single underscores stay part of the key).
	envPrefix = "SFCORE_"
)

// TokenProvider supplies a bearer token for OAuth logins. Implementations
// refresh the token as needed; the driver calls Token before every login.
type TokenProvider interface {
	Token() (string, error)
}

// Config collects everything needed to open sessions against one account.
// The zero value is not usable: at minimum Account plus credentials for the
// chosen Authenticator are required. ApplyDefaults fills the rest.
type Config struct {
	// Account is the account identifier, e.g. "myorg-myaccount".
	Account string `koanf:"account"`

	// User is the login name. Required for all authenticators except OAUTH.
	User string `koanf:"user"`

	// Password authenticates the SNOWFLAKE (password) authenticator.
	Password string `koanf:"password"`

	// Token authenticates the PROGRAMMATIC_ACCESS_TOKEN and OAUTH
	// authenticators when static.
	Token string `koanf:"token"`

	// TokenProvider supplies live OAuth tokens. Takes precedence over
	// Token when both are set.
	TokenProvider TokenProvider `koanf:"-"`

	// PrivateKey signs the key-pair (SNOWFLAKE_JWT) login assertion.
	PrivateKey *rsa.PrivateKey `koanf:"-"`

	// PrivateKeyPath points at a PEM-encoded RSA private key used when
	// PrivateKey is nil. Encrypted keys are not supported; decrypt them
	// before handing them to the driver.
	PrivateKeyPath string `koanf:"private_key_path"`

	// Authenticator selects the login method: AuthenticatorPassword,
	// AuthenticatorKeyPair, AuthenticatorPAT or AuthenticatorOAuth.
	// Defaults to AuthenticatorPassword.
	Authenticator string `koanf:"authenticator"`

	// Host and Port locate the account endpoint. Host defaults to
	// "<account>.snowflakecomputing.com".
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	// Protocol is "https" (default) or "http" for test servers.
	Protocol string `koanf:"protocol"`

	// Database, Schema, Warehouse and Role seed the session context.
	Database  string `koanf:"database"`
	Schema    string `koanf:"schema"`
	Warehouse string `koanf:"warehouse"`
	Role      string `koanf:"role"`

	// Application is reported to the server as the client app id.
	Application string `koanf:"application"`

	// Params are session parameters applied at login.
	Params map[string]string `koanf:"params"`

	// LoginTimeout bounds the login exchange, including retries.
	LoginTimeout time.Duration `koanf:"login_timeout"`

	// RequestTimeout bounds each statement request. Zero means no limit
	// beyond the retry policy's MaxElapsed.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// Retry configures the retry executor for all REST calls.
	Retry RetryPolicy `koanf:"retry"`

	// ChunkPrefetch is how many result chunks are fetched ahead of the
	// consumer. Minimum 1.
	ChunkPrefetch int `koanf:"chunk_prefetch"`

	// TransferParallel caps concurrent file transfers. Zero means use the
	// server-suggested degree.
	TransferParallel int `koanf:"transfer_parallel"`

	// InsecureSkipVerify disables TLS certificate verification. Only for
	// test endpoints.
	InsecureSkipVerify bool `koanf:"insecure_skip_verify"`

	// TLS overrides the TLS client configuration entirely. When set,
	// InsecureSkipVerify is ignored.
	TLS *tls.Config `koanf:"-"`
}

// ApplyDefaults fills unset fields with their defaults. It is idempotent
// and is called by Connect; explicit use is only needed when inspecting the
// effective configuration.
func (c *Config) ApplyDefaults() {
	if c.Protocol == "" {
		c.Protocol = "https"
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Host == "" && c.Account != "" {
		c.Host = c.Account + ".snowflakecomputing.com"
	}
	if c.Authenticator == "" {
		c.Authenticator = AuthenticatorPassword
	}
	if c.Application == "" {
		c.Application = clientAppID
	}
	if c.LoginTimeout == 0 {
		c.LoginTimeout = DefaultLoginTimeout
	}
	if c.ChunkPrefetch == 0 {
		c.ChunkPrefetch = DefaultChunkPrefetch
	}

	def := DefaultRetryPolicy()
	if c.Retry.Jitter == "" {
		// A policy with no jitter mode was never fully constructed;
		// inherit the default verb gates along with it. Callers who want
		// different gates should start from DefaultRetryPolicy.
		c.Retry.Jitter = def.Jitter
		c.Retry.RetrySafeReads = def.RetrySafeReads
		c.Retry.RetryIdempotentWrites = def.RetryIdempotentWrites
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = def.MaxAttempts
	}
	if c.Retry.InitialBackoff == 0 {
		c.Retry.InitialBackoff = def.InitialBackoff
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = def.MaxBackoff
	}
	if c.Retry.BackoffFactor == 0 {
		c.Retry.BackoffFactor = def.BackoffFactor
	}
	if c.Retry.MaxElapsed == 0 {
		c.Retry.MaxElapsed = def.MaxElapsed
	}
}

// validate fails fast with configuration errors before any network I/O.
func (c *Config) validate() error {
	if c.Account == "" {
		return newError(KindConfiguration, "config", "account is required")
	}
	if c.Host == "" {
		return newError(KindConfiguration, "config", "host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return newError(KindConfiguration, "config", "port %d out of range", c.Port)
	}
	if c.Protocol != "http" && c.Protocol != "https" {
		return newError(KindConfiguration, "config", "unsupported protocol %q", c.Protocol)
	}
	if c.ChunkPrefetch < 1 {
		return newError(KindConfiguration, "config", "chunk prefetch must be at least 1, got %d", c.ChunkPrefetch)
	}

	switch c.Authenticator {
	case AuthenticatorPassword:
		if c.User == "" {
			return newError(KindConfiguration, "config", "user is required for password authentication")
		}
		if c.Password == "" {
			return newError(KindConfiguration, "config", "password is required for password authentication")
		}
	case AuthenticatorKeyPair:
		if c.User == "" {
			return newError(KindConfiguration, "config", "user is required for key-pair authentication")
		}
		if c.PrivateKey == nil && c.PrivateKeyPath == "" {
			return newError(KindConfiguration, "config", "key-pair authentication requires a private key")
		}
	case AuthenticatorPAT:
		if c.User == "" {
			return newError(KindConfiguration, "config", "user is required for programmatic access tokens")
		}
		if c.Token == "" {
			return newError(KindConfiguration, "config", "programmatic access token is required")
		}
	case AuthenticatorOAuth:
		if c.Token == "" && c.TokenProvider == nil {
			return newError(KindConfiguration, "config", "oauth requires a token or a token provider")
		}
	default:
		return newError(KindConfiguration, "config", "unknown authenticator %q", c.Authenticator)
	}

	return c.Retry.validate()
}

// baseURL builds the account endpoint URL.
func (c *Config) baseURL() *url.URL {
	host := c.Host
	if (c.Protocol == "https" && c.Port != 443) || (c.Protocol == "http" && c.Port != 80) {
		host = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}
	return &url.URL{Scheme: c.Protocol, Host: host}
}

// fillFrom copies non-zero fields of src into fields c left unset. DSN and
// programmatic settings win over file and environment settings.
func (c *Config) fillFrom(src *Config) {
	if c.Account == "" {
		c.Account = src.Account
	}
	if c.User == "" {
		c.User = src.User
	}
	if c.Password == "" {
		c.Password = src.Password
	}
	if c.Token == "" {
		c.Token = src.Token
	}
	if c.PrivateKeyPath == "" {
		c.PrivateKeyPath = src.PrivateKeyPath
	}
	if c.Authenticator == "" {
		c.Authenticator = src.Authenticator
	}
	if c.Host == "" {
		c.Host = src.Host
	}
	if c.Port == 0 {
		c.Port = src.Port
	}
	if c.Protocol == "" {
		c.Protocol = src.Protocol
	}
	if c.Database == "" {
		c.Database = src.Database
	}
	if c.Schema == "" {
		c.Schema = src.Schema
	}
	if c.Warehouse == "" {
		c.Warehouse = src.Warehouse
	}
	if c.Role == "" {
		c.Role = src.Role
	}
	if c.Application == "" {
		c.Application = src.Application
	}
	if c.LoginTimeout == 0 {
		c.LoginTimeout = src.LoginTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = src.RequestTimeout
	}
	if c.ChunkPrefetch == 0 {
		c.ChunkPrefetch = src.ChunkPrefetch
	}
	if c.TransferParallel == 0 {
		c.TransferParallel = src.TransferParallel
	}
	if !c.InsecureSkipVerify {
		c.InsecureSkipVerify = src.InsecureSkipVerify
	}
	if c.Retry.MaxAttempts == 0 && src.Retry.MaxAttempts != 0 {
		c.Retry = src.Retry
	}
	for k, v := range src.Params {
		if c.Params == nil {
			c.Params = make(map[string]string)
		}
		if _, ok := c.Params[k]; !ok {
			c.Params[k] = v
		}
	}
}

// LoadClientConfig reads the optional YAML client configuration file at
// path, overlays SFCORE_* environment variables, and returns the result.
// An empty path loads environment variables only.
//
// Typical layout:
//
//	account: myorg-myaccount
//	user: loader
//	warehouse: ETL_WH
//	retry:
//	  max_attempts: 4
//	  jitter: full
func LoadClientConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, wrapError(KindConfiguration, "config.load", err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, wrapError(KindConfiguration, "config.env", err)
	}

	// Pre-seed the retry policy so booleans the file leaves out keep their
	// defaults instead of collapsing to false.
	cfg := Config{Retry: DefaultRetryPolicy()}
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, wrapError(KindConfiguration, "config.parse", err)
	}
	return &cfg, nil
}

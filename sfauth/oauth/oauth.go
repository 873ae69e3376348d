// Package oauth provides OAuth token authentication for the sfcore client
// library. It lives in its own package to keep the oauth2 dependency opt-in.
package oauth

import (
	"context"
	"database/sql/driver"
	"fmt"
	"net/url"
	"strings"

	sfcore "github.com/sfc-gh-dszmolka/universal-driver-sub001"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// --- Static Token ---

// staticProvider returns the same token on every call.
type staticProvider string

func (p staticProvider) Token() (string, error) { return string(p), nil }

// NewStaticTokenProvider returns a TokenProvider for a pre-obtained access
// token. Use this for long-lived tokens issued out of band.
func NewStaticTokenProvider(token string) sfcore.TokenProvider {
	return staticProvider(token)
}

// --- Client Credentials Flow ---

// Config holds OAuth client credentials configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string   // Token endpoint URL
	Scopes       []string // Optional scopes
}

// validate checks that required fields are set.
func (c *Config) validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("oauth: ClientID is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("oauth: ClientSecret is required")
	}
	if c.TokenURL == "" {
		return fmt.Errorf("oauth: TokenURL is required")
	}
	return nil
}

// NewTokenProvider creates a TokenProvider that obtains and refreshes tokens
// using the client credentials flow. The returned provider is safe for
// concurrent use, the underlying oauth2 token source handles caching and
// refresh.
func NewTokenProvider(cfg Config) (sfcore.TokenProvider, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ccCfg := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}

	return TokenSource(ccCfg.TokenSource(context.Background())), nil
}

// TokenSource wraps an oauth2.TokenSource as an sfcore.TokenProvider. Use
// this when you have a custom token source (e.g. a token file, a metadata
// service, or custom refresh logic).
func TokenSource(ts oauth2.TokenSource) sfcore.TokenProvider {
	return tokenSourceProvider{ts}
}

type tokenSourceProvider struct {
	ts oauth2.TokenSource
}

func (p tokenSourceProvider) Token() (string, error) {
	token, err := p.ts.Token()
	if err != nil {
		return "", fmt.Errorf("oauth: fetch token: %w", err)
	}
	return token.AccessToken, nil
}

// --- DSN Integration ---

// DSN parameter names for OAuth configuration.
const (
	dsnAccessToken  = "access_token"
	dsnClientID     = "oauth_client_id"
	dsnClientSecret = "oauth_client_secret"
	dsnTokenURL     = "oauth_token_url"
	dsnScopes       = "oauth_scopes"
)

var oauthDSNParams = []string{
	dsnAccessToken, dsnClientID, dsnClientSecret, dsnTokenURL, dsnScopes,
}

// parseDSN extracts OAuth parameters from a DSN and returns the token
// provider and cleaned DSN. It supports two modes:
//
//  1. Static token: access_token=<token>
//  2. Client credentials: oauth_client_id, oauth_client_secret, oauth_token_url
func parseDSN(dsn string) (sfcore.TokenProvider, string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, "", fmt.Errorf("oauth: invalid DSN: %w", err)
	}

	q := u.Query()
	accessToken := q.Get(dsnAccessToken)
	clientID := q.Get(dsnClientID)
	clientSecret := q.Get(dsnClientSecret)
	tokenURL := q.Get(dsnTokenURL)
	scopes := q.Get(dsnScopes)

	for _, key := range oauthDSNParams {
		q.Del(key)
	}
	u.RawQuery = q.Encode()
	cleanDSN := u.String()

	if accessToken != "" {
		return NewStaticTokenProvider(accessToken), cleanDSN, nil
	}

	if clientID != "" {
		cfg := Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
		}
		if scopes != "" {
			parts := strings.Split(scopes, ",")
			cfg.Scopes = make([]string, 0, len(parts))
			for _, s := range parts {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					cfg.Scopes = append(cfg.Scopes, trimmed)
				}
			}
		}
		provider, err := NewTokenProvider(cfg)
		if err != nil {
			return nil, "", err
		}
		return provider, cleanDSN, nil
	}

	// No OAuth params found.
	return nil, cleanDSN, nil
}

// NewConnector creates a driver.Connector that logs in with OAuth. It
// supports two modes via DSN parameters:
//
//  1. Static token: access_token=<token>
//  2. Client credentials: oauth_client_id, oauth_client_secret, oauth_token_url
//
// OAuth parameters are stripped from the DSN before passing it on to
// sfcore.NewConnector.
func NewConnector(dsn string, opts ...sfcore.ConnectorOption) (driver.Connector, error) {
	provider, cleanDSN, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}

	if provider != nil {
		setupOpt := sfcore.WithConfig(func(cfg *sfcore.Config) {
			cfg.Authenticator = sfcore.AuthenticatorOAuth
			cfg.TokenProvider = provider
		})
		opts = append([]sfcore.ConnectorOption{setupOpt}, opts...)
	}

	return sfcore.NewConnector(cleanDSN, opts...)
}

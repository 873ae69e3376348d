package sfcore

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// jwtLifetime is how long a key-pair login assertion stays valid. Kept
	// short: the token is minted immediately before each login call.
	jwtLifetime = 120 * time.Second

	ocspModeFailOpen = "FAIL_OPEN"
)

// buildLoginRequest assembles the login-request body for the configured
// authenticator. Credentials never leave this function except inside the
// request itself.
func buildLoginRequest(cfg *Config) (*loginRequest, error) {
	data := loginRequestData{
		ClientAppID:      cfg.Application,
		ClientAppVersion: clientAppVersion,
		AccountName:      cfg.Account,
		ClientEnvironment: clientEnvironment{
			Application: cfg.Application,
			OS:          runtime.GOOS,
			OSVersion:   fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH),
			OCSPMode:    ocspModeFailOpen,
		},
	}
	if len(cfg.Params) > 0 {
		data.SessionParameters = make(map[string]any, len(cfg.Params))
		for k, v := range cfg.Params {
			data.SessionParameters[k] = v
		}
	}

	switch cfg.Authenticator {
	case AuthenticatorPassword:
		data.LoginName = cfg.User
		data.Password = cfg.Password
	case AuthenticatorKeyPair:
		token, err := generateKeyPairJWT(cfg)
		if err != nil {
			return nil, err
		}
		data.LoginName = cfg.User
		data.Token = token
		data.Authenticator = AuthenticatorKeyPair
	case AuthenticatorPAT:
		data.LoginName = cfg.User
		data.Token = cfg.Token
		data.Authenticator = AuthenticatorPAT
	case AuthenticatorOAuth:
		token := cfg.Token
		if cfg.TokenProvider != nil {
			t, err := cfg.TokenProvider.Token()
			if err != nil {
				return nil, wrapError(KindAuthentication, "oauth token", err)
			}
			token = t
		}
		data.LoginName = cfg.User
		data.Token = token
		data.Authenticator = AuthenticatorOAuth
	default:
		return nil, newError(KindConfiguration, "login", "unknown authenticator %q", cfg.Authenticator)
	}

	return &loginRequest{Data: data}, nil
}

// generateKeyPairJWT mints the RS256 assertion for key-pair logins. The
// subject is ACCOUNT.USER upper-cased; the issuer appends the SHA-256
// fingerprint of the public key so the server can locate the registered
// key.
func generateKeyPairJWT(cfg *Config) (string, error) {
	key, err := loadPrivateKey(cfg)
	if err != nil {
		return "", err
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", wrapError(KindConfiguration, "key-pair", err)
	}
	fingerprint := sha256.Sum256(pubDER)

	subject := strings.ToUpper(cfg.Account + "." + cfg.User)
	issuer := subject + ".SHA256:" + base64.StdEncoding.EncodeToString(fingerprint[:])

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(jwtLifetime)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", wrapError(KindAuthentication, "sign jwt", err)
	}
	return signed, nil
}

// loadPrivateKey returns the configured RSA key, reading and parsing the
// PEM file at PrivateKeyPath when no parsed key was supplied.
func loadPrivateKey(cfg *Config) (*rsa.PrivateKey, error) {
	if cfg.PrivateKey != nil {
		return cfg.PrivateKey, nil
	}

	raw, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, wrapError(KindConfiguration, "read private key", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, newError(KindConfiguration, "private key", "no PEM block found in %s", cfg.PrivateKeyPath)
	}
	if strings.Contains(block.Type, "ENCRYPTED") || block.Headers["Proc-Type"] != "" {
		return nil, newError(KindConfiguration, "private key",
			"encrypted private keys are not supported; decrypt the key first")
	}

	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, newError(KindConfiguration, "private key", "expected an RSA key, got %T", parsed)
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, wrapError(KindConfiguration, "parse private key", err)
	}
	return rsaKey, nil
}

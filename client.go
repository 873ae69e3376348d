package sfcore

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

const (
	clientAppID      = "sfcore-go"
	clientAppVersion = "0.9.0"

	contentTypeJSON     = "application/json"
	acceptSnowflake     = "application/snowflake"
	contentEncodingGzip = "gzip"
)

// RequestOption allows for functional overrides on individual requests.
type RequestOption func(*http.Request)

// Client is the HTTP transport every session shares: base URL, TLS setup,
// and the retry executor. It holds no authentication state; that lives on
// the Session it creates.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	retry      retryExecutor
	userAgent  string
	cfg        *Config
}

// --- Initialization & Lifecycle ---

// NewClient validates cfg and builds a client for its account endpoint. The
// returned client has not talked to the server yet; call Connect to open a
// session.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, newError(KindConfiguration, "client", "nil config")
	}
	own := *cfg
	if cfg.Params != nil {
		own.Params = make(map[string]string, len(cfg.Params))
		for k, v := range cfg.Params {
			own.Params[k] = v
		}
	}
	own.ApplyDefaults()
	if err := own.validate(); err != nil {
		return nil, err
	}

	tlsCfg := own.TLS
	if tlsCfg == nil && own.InsecureSkipVerify {
		tlsCfg = &tls.Config{InsecureSkipVerify: true}
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsCfg,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     30 * time.Second,
	}

	return &Client{
		httpClient: &http.Client{Transport: transport},
		baseURL:    own.baseURL(),
		retry:      retryExecutor{policy: own.Retry},
		userAgent:  defaultUserAgent(),
		cfg:        &own,
	}, nil
}

// Connect is shorthand for NewClient(cfg) followed by Client.Connect.
func Connect(ctx context.Context, cfg *Config) (*Session, error) {
	c, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return c.Connect(ctx)
}

// --- Client Configuration (not safe once requests are in flight) ---

// TLSConfig replaces the TLS client configuration.
func (c *Client) TLSConfig(tlsCfg *tls.Config) *Client {
	if t, ok := c.httpClient.Transport.(*http.Transport); ok {
		t.TLSClientConfig = tlsCfg
	} else {
		c.httpClient.Transport = &http.Transport{TLSClientConfig: tlsCfg}
	}
	return c
}

// HTTPClient replaces the underlying *http.Client entirely, e.g. to inject
// a recording transport in tests.
func (c *Client) HTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// UserAgent overrides the User-Agent header sent with every request.
func (c *Client) UserAgent(ua string) *Client {
	c.userAgent = ua
	return c
}

// BaseURL reports the account endpoint the client talks to.
func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

func defaultUserAgent() string {
	return fmt.Sprintf("%s/%s (%s %s) Go/%s",
		clientAppID, clientAppVersion, runtime.GOOS, runtime.GOARCH, runtime.Version())
}

// --- Request Lifecycle ---

// newRequest builds an http.Request against the account endpoint. body is
// JSON-encoded unless it is a plain string or nil. The request body is
// always replayable so the retry executor can reissue it.
func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any, options ...RequestOption) (*http.Request, error) {
	u, err := c.baseURL.Parse(path)
	if err != nil {
		return nil, newError(KindConfiguration, "request", "invalid path %q: %v", path, err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	bodyReader, contentType, err := prepareRequestBody(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, wrapError(KindConfiguration, "request", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", contentTypeJSON)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept-Encoding", contentEncodingGzip)

	// Apply functional options for specific request overrides
	for _, opt := range options {
		opt(req)
	}

	return req, nil
}

func prepareRequestBody(body any) (io.Reader, string, error) {
	if body == nil {
		return nil, "", nil
	}
	if s, ok := body.(string); ok {
		return strings.NewReader(s), "text/plain", nil
	}
	jsonBuf := &bytes.Buffer{}
	if err := json.NewEncoder(jsonBuf).Encode(body); err != nil {
		return nil, "", wrapError(KindProtocol, "encode request", err)
	}
	return jsonBuf, contentTypeJSON, nil
}

// do executes req through the retry executor and decodes a 2xx response
// body into v. Non-2xx responses become errors; 401 and 403 map to the
// authentication kind so callers can react without parsing strings.
func (c *Client) do(req *http.Request, v any, call callContext) (*http.Response, error) {
	resp, err := c.retry.do(c.httpClient, req, call)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := KindProtocol
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			kind = KindAuthentication
		}
		return resp, &Error{
			Kind: kind,
			Op:   fmt.Sprintf("%s %s", req.Method, req.URL.Path),
			Err:  newResponseError(resp),
		}
	}

	return resp, c.decodeResponseBody(resp, v)
}

// doRaw executes req through the retry executor and returns the response
// with its body still open. The caller owns the body. Used for chunk and
// stage downloads where streaming matters.
func (c *Client) doRaw(req *http.Request, call callContext) (*http.Response, error) {
	resp, err := c.retry.do(c.httpClient, req, call)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{
			Kind: KindNetwork,
			Op:   fmt.Sprintf("%s %s", req.Method, req.URL.Path),
			Err:  newResponseError(resp),
		}
	}
	return resp, nil
}

func (c *Client) decodeResponseBody(resp *http.Response, v any) (err error) {
	// Ensure the main response body is always closed
	defer func() {
		closeErr := resp.Body.Close()
		if err == nil {
			err = closeErr
		}
	}()

	if v == nil {
		return nil
	}

	var reader io.Reader = resp.Body

	if resp.Header.Get("Content-Encoding") == contentEncodingGzip {
		gz, gzErr := gzip.NewReader(resp.Body)
		if gzErr != nil {
			return wrapError(KindNetwork, "decompress response", gzErr)
		}
		defer func() {
			if cErr := gz.Close(); cErr != nil {
				// Logged rather than returned to avoid overwriting
				// primary decoding errors.
				log.Debug().Err(cErr).Msg("failed to close gzip reader")
			}
		}()
		reader = gz
	}

	if w, ok := v.(io.Writer); ok {
		_, err = io.Copy(w, reader)
		return err
	}

	if err = json.NewDecoder(reader).Decode(v); err != nil {
		if err == io.EOF {
			return nil
		}
		return wrapError(KindProtocol, "decode response", err)
	}

	return nil
}

// unwrapEnvelope decodes the standard {data, code, message, success}
// envelope into out. A success=false envelope becomes an error of the given
// kind carrying the server's code and message.
func unwrapEnvelope(envelope *serverResponse, op string, kind ErrorKind, out any) error {
	if !envelope.Success {
		return &Error{
			Kind:    kind,
			Op:      op,
			Message: envelope.Message,
			Code:    envelope.Code,
		}
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return wrapError(KindProtocol, op, err)
	}
	return nil
}

package sfcore

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient builds a client pointed at the test server.
func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(testConfig(t, srv))
	require.NoError(t, err)
	return c
}

// --- Segment 1: Construction ---

func TestNewClient_NilConfig(t *testing.T) {
	c, err := NewClient(nil)
	assert.Nil(t, c)
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, KindOf(err))
	assert.Contains(t, err.Error(), "nil config")
}

func TestNewClient_ValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "missing account",
			cfg:  Config{User: "u", Password: "p"},
			want: "account is required",
		},
		{
			name: "missing password",
			cfg:  Config{Account: "acct", User: "u"},
			want: "password is required",
		},
		{
			name: "bad protocol",
			cfg:  Config{Account: "acct", User: "u", Password: "p", Protocol: "ftp"},
			want: "unsupported protocol",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient(&tt.cfg)
			assert.Nil(t, c)
			require.Error(t, err)
			assert.Equal(t, KindConfiguration, KindOf(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewClient_LeavesCallerConfigAlone(t *testing.T) {
	cfg := &Config{
		Account:  "myacct",
		User:     "u",
		Password: "p",
		Params:   map[string]string{"TIMEZONE": "UTC"},
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)

	// Defaults land on the client's copy, not the caller's value.
	assert.Empty(t, cfg.Host)
	assert.Zero(t, cfg.Port)
	assert.Equal(t, "myacct.snowflakecomputing.com", c.cfg.Host)

	cfg.Account = "other"
	cfg.Params["TIMEZONE"] = "America/Los_Angeles"
	assert.Equal(t, "myacct", c.cfg.Account)
	assert.Equal(t, "UTC", c.cfg.Params["TIMEZONE"])
}

func TestNewClient_DerivesEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		endpoint string
	}{
		{
			name:     "account default",
			mutate:   func(*Config) {},
			endpoint: "https://myacct.snowflakecomputing.com",
		},
		{
			name:     "explicit https port",
			mutate:   func(c *Config) { c.Port = 8443 },
			endpoint: "https://myacct.snowflakecomputing.com:8443",
		},
		{
			name: "http default port omitted",
			mutate: func(c *Config) {
				c.Protocol = "http"
				c.Port = 80
			},
			endpoint: "http://myacct.snowflakecomputing.com",
		},
		{
			name: "custom host",
			mutate: func(c *Config) {
				c.Host = "warehouse.internal"
				c.Port = 9000
				c.Protocol = "http"
			},
			endpoint: "http://warehouse.internal:9000",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Account: "myacct", User: "u", Password: "p"}
			tt.mutate(&cfg)
			c, err := NewClient(&cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.endpoint, c.BaseURL().String())
		})
	}
}

func TestClient_BaseURLReturnsCopy(t *testing.T) {
	c, err := NewClient(&Config{Account: "myacct", User: "u", Password: "p"})
	require.NoError(t, err)

	u := c.BaseURL()
	u.Host = "hijacked.example.com"
	assert.Equal(t, "https://myacct.snowflakecomputing.com", c.BaseURL().String())
}

func TestNewClient_InsecureSkipVerify(t *testing.T) {
	c, err := NewClient(&Config{Account: "myacct", User: "u", Password: "p", InsecureSkipVerify: true})
	require.NoError(t, err)

	tr, ok := c.httpClient.Transport.(*http.Transport)
	require.True(t, ok)
	require.NotNil(t, tr.TLSClientConfig)
	assert.True(t, tr.TLSClientConfig.InsecureSkipVerify)
}

func TestClient_Setters(t *testing.T) {
	c, err := NewClient(&Config{Account: "myacct", User: "u", Password: "p"})
	require.NoError(t, err)

	t.Run("UserAgent is fluent", func(t *testing.T) {
		assert.Same(t, c, c.UserAgent("custom-agent/1.0"))
		assert.Equal(t, "custom-agent/1.0", c.userAgent)
	})

	t.Run("HTTPClient replaces the client", func(t *testing.T) {
		hc := &http.Client{}
		assert.Same(t, c, c.HTTPClient(hc))
		assert.Same(t, hc, c.httpClient)
	})

	t.Run("TLSConfig updates an http.Transport in place", func(t *testing.T) {
		c.HTTPClient(&http.Client{Transport: &http.Transport{}})
		tlsCfg := &tls.Config{ServerName: "pinned"}
		c.TLSConfig(tlsCfg)
		tr, ok := c.httpClient.Transport.(*http.Transport)
		require.True(t, ok)
		assert.Same(t, tlsCfg, tr.TLSClientConfig)
	})

	t.Run("TLSConfig swaps in a transport when needed", func(t *testing.T) {
		c.HTTPClient(&http.Client{Transport: &failingRoundTripper{}})
		tlsCfg := &tls.Config{ServerName: "pinned"}
		c.TLSConfig(tlsCfg)
		tr, ok := c.httpClient.Transport.(*http.Transport)
		require.True(t, ok)
		assert.Same(t, tlsCfg, tr.TLSClientConfig)
	})
}

// --- Segment 2: Building Requests ---

func TestNewRequest_JSONBody(t *testing.T) {
	c, err := NewClient(&Config{Account: "myacct", User: "u", Password: "p"})
	require.NoError(t, err)

	query := url.Values{"requestId": {"req-1"}}
	req, err := c.newRequest(context.Background(), http.MethodPost, "/queries/v1/query-request",
		query, map[string]string{"sqlText": "SELECT 1"})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "https://myacct.snowflakecomputing.com/queries/v1/query-request?requestId=req-1", req.URL.String())
	assert.Equal(t, defaultUserAgent(), req.Header.Get("User-Agent"))
	assert.True(t, strings.HasPrefix(req.Header.Get("User-Agent"), clientAppID+"/"+clientAppVersion+" ("))
	assert.Equal(t, contentTypeJSON, req.Header.Get("Accept"))
	assert.Equal(t, contentTypeJSON, req.Header.Get("Content-Type"))
	assert.Equal(t, contentEncodingGzip, req.Header.Get("Accept-Encoding"))

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sqlText": "SELECT 1"}`, string(body))

	// The retry executor reissues bodies through GetBody.
	require.NotNil(t, req.GetBody)
	replay, err := req.GetBody()
	require.NoError(t, err)
	replayed, err := io.ReadAll(replay)
	require.NoError(t, err)
	assert.Equal(t, body, replayed)
}

func TestNewRequest_StringBody(t *testing.T) {
	c, err := NewClient(&Config{Account: "myacct", User: "u", Password: "p"})
	require.NoError(t, err)

	req, err := c.newRequest(context.Background(), http.MethodPost, "/echo", nil, "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, "text/plain", req.Header.Get("Content-Type"))
	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", string(body))
}

func TestNewRequest_NilBody(t *testing.T) {
	c, err := NewClient(&Config{Account: "myacct", User: "u", Password: "p"})
	require.NoError(t, err)

	req, err := c.newRequest(context.Background(), http.MethodGet, "/monitoring/queries/q1", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, req.Body)
	assert.Empty(t, req.Header.Get("Content-Type"))
}

func TestNewRequest_OptionsRunLast(t *testing.T) {
	c, err := NewClient(&Config{Account: "myacct", User: "u", Password: "p"})
	require.NoError(t, err)

	req, err := c.newRequest(context.Background(), http.MethodGet, "/ping", nil, nil,
		func(r *http.Request) { r.Header.Set("X-Snowflake-Context", "cafe") },
		func(r *http.Request) { r.Header.Set("Accept", acceptSnowflake) },
	)
	require.NoError(t, err)
	assert.Equal(t, "cafe", req.Header.Get("X-Snowflake-Context"))
	assert.Equal(t, acceptSnowflake, req.Header.Get("Accept"))
}

func TestNewRequest_Errors(t *testing.T) {
	c, err := NewClient(&Config{Account: "myacct", User: "u", Password: "p"})
	require.NoError(t, err)

	t.Run("bad path", func(t *testing.T) {
		_, err := c.newRequest(context.Background(), http.MethodGet, "%zz", nil, nil)
		require.Error(t, err)
		assert.Equal(t, KindConfiguration, KindOf(err))
	})

	t.Run("unencodable body", func(t *testing.T) {
		_, err := c.newRequest(context.Background(), http.MethodPost, "/echo", nil, make(chan int))
		require.Error(t, err)
		assert.Equal(t, KindProtocol, KindOf(err))
	})
}

// --- Segment 3: Executing Requests ---

func TestClientDo_DecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, contentEncodingGzip, r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Type", contentTypeJSON)
		_, _ = w.Write([]byte(`{"value": "ok", "count": 3}`))
	}))
	defer srv.Close()
	c := testClient(t, srv)

	req, err := c.newRequest(context.Background(), http.MethodGet, "/ping", nil, nil)
	require.NoError(t, err)

	var out struct {
		Value string `json:"value"`
		Count int    `json:"count"`
	}
	resp, err := c.do(req, &out, newCallContext(http.MethodGet))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out.Value)
	assert.Equal(t, 3, out.Count)
}

func TestClientDo_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	c := testClient(t, srv)

	t.Run("into struct", func(t *testing.T) {
		req, err := c.newRequest(context.Background(), http.MethodGet, "/ping", nil, nil)
		require.NoError(t, err)
		var out struct {
			Value string `json:"value"`
		}
		_, err = c.do(req, &out, newCallContext(http.MethodGet))
		require.NoError(t, err)
		assert.Empty(t, out.Value)
	})

	t.Run("nil target", func(t *testing.T) {
		req, err := c.newRequest(context.Background(), http.MethodGet, "/ping", nil, nil)
		require.NoError(t, err)
		_, err = c.do(req, nil, newCallContext(http.MethodGet))
		require.NoError(t, err)
	})
}

func TestClientDo_GunzipsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		_, err := gz.Write([]byte(`{"value": "compressed"}`))
		require.NoError(t, err)
		require.NoError(t, gz.Close())

		// The transport does not auto-decompress because the client sets
		// Accept-Encoding itself; decodeResponseBody must gunzip.
		w.Header().Set("Content-Type", contentTypeJSON)
		w.Header().Set("Content-Encoding", contentEncodingGzip)
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()
	c := testClient(t, srv)

	req, err := c.newRequest(context.Background(), http.MethodGet, "/ping", nil, nil)
	require.NoError(t, err)

	var out struct {
		Value string `json:"value"`
	}
	_, err = c.do(req, &out, newCallContext(http.MethodGet))
	require.NoError(t, err)
	assert.Equal(t, "compressed", out.Value)
}

func TestClientDo_ErrorStatusKinds(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusUnauthorized, KindAuthentication},
		{http.StatusForbidden, KindAuthentication},
		{http.StatusBadRequest, KindProtocol},
		{http.StatusNotFound, KindProtocol},
		{http.StatusTeapot, KindProtocol},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()
			c := testClient(t, srv)

			req, err := c.newRequest(context.Background(), http.MethodGet, "/ping", nil, nil)
			require.NoError(t, err)

			resp, err := c.do(req, nil, newCallContext(http.MethodGet))
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.want, KindOf(err))

			var re *ResponseError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.status, re.Response.StatusCode)
			assert.Equal(t, "nope", re.Body)
		})
	}
}

func TestClientDo_WriterSink(t *testing.T) {
	payload := "a,b\n1,2\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()
	c := testClient(t, srv)

	req, err := c.newRequest(context.Background(), http.MethodGet, "/raw", nil, nil)
	require.NoError(t, err)

	sink := &bytes.Buffer{}
	_, err = c.do(req, sink, newCallContext(http.MethodGet))
	require.NoError(t, err)
	assert.Equal(t, payload, sink.String())
}

func TestClientDo_RetriesThroughExecutor(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", contentTypeJSON)
		_, _ = w.Write([]byte(`{"value": "eventually"}`))
	}))
	defer srv.Close()
	c := testClient(t, srv)

	req, err := c.newRequest(context.Background(), http.MethodGet, "/flaky", nil, nil)
	require.NoError(t, err)

	var out struct {
		Value string `json:"value"`
	}
	_, err = c.do(req, &out, newCallContext(http.MethodGet))
	require.NoError(t, err)
	assert.Equal(t, "eventually", out.Value)
	assert.Equal(t, int32(3), hits.Load())
}

func TestClientDoRaw_StreamsBody(t *testing.T) {
	payload := strings.Repeat("chunk-bytes;", 128)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()
	c := testClient(t, srv)

	req, err := c.newRequest(context.Background(), http.MethodGet, "/chunks/0", nil, nil)
	require.NoError(t, err)

	resp, err := c.doRaw(req, newCallContext(http.MethodGet))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))
}

func TestClientDoRaw_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("gone"))
	}))
	defer srv.Close()
	c := testClient(t, srv)

	req, err := c.newRequest(context.Background(), http.MethodGet, "/chunks/9", nil, nil)
	require.NoError(t, err)

	resp, err := c.doRaw(req, newCallContext(http.MethodGet))
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, KindNetwork, KindOf(err))

	var re *ResponseError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusNotFound, re.Response.StatusCode)
	assert.Equal(t, "gone", re.Body)
}

// --- Segment 4: Envelope Handling ---

func TestUnwrapEnvelope(t *testing.T) {
	t.Run("failure becomes typed error", func(t *testing.T) {
		envelope := &serverResponse{Success: false, Code: "390112", Message: "token expired"}
		err := unwrapEnvelope(envelope, "session.renew", KindAuthentication, nil)
		require.Error(t, err)

		var e *Error
		require.True(t, errors.As(err, &e))
		assert.Equal(t, KindAuthentication, e.Kind)
		assert.Equal(t, "session.renew", e.Op)
		assert.Equal(t, "390112", e.Code)
		assert.Equal(t, "token expired", e.Message)
	})

	t.Run("success decodes data", func(t *testing.T) {
		envelope := &serverResponse{Success: true, Data: json.RawMessage(`{"queryId": "q1"}`)}
		var out struct {
			QueryID string `json:"queryId"`
		}
		require.NoError(t, unwrapEnvelope(envelope, "statement.execute", KindServer, &out))
		assert.Equal(t, "q1", out.QueryID)
	})

	t.Run("success with nil out", func(t *testing.T) {
		envelope := &serverResponse{Success: true, Data: json.RawMessage(`{"ignored": true}`)}
		assert.NoError(t, unwrapEnvelope(envelope, "session.close", KindServer, nil))
	})

	t.Run("success with empty data", func(t *testing.T) {
		envelope := &serverResponse{Success: true}
		var out struct {
			QueryID string `json:"queryId"`
		}
		require.NoError(t, unwrapEnvelope(envelope, "statement.execute", KindServer, &out))
		assert.Empty(t, out.QueryID)
	})

	t.Run("malformed data", func(t *testing.T) {
		envelope := &serverResponse{Success: true, Data: json.RawMessage(`{"queryId":`)}
		var out struct {
			QueryID string `json:"queryId"`
		}
		err := unwrapEnvelope(envelope, "statement.execute", KindServer, &out)
		require.Error(t, err)
		assert.Equal(t, KindProtocol, KindOf(err))
	})
}

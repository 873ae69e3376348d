package sfcore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig points a password-authenticated config at the test server.
func testConfig(t *testing.T, srv *httptest.Server) *Config {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return &Config{
		Account:  "testacct",
		User:     "tester",
		Password: "hunter2",
		Host:     u.Hostname(),
		Port:     port,
		Protocol: "http",
		Database: "TESTDB",
		Schema:   "PUBLIC",
		Retry:    fastPolicy(),
	}
}

// writeEnvelope writes the standard response envelope around data.
func writeEnvelope(w http.ResponseWriter, data any, success bool, code, message string) {
	w.Header().Set("Content-Type", contentTypeJSON)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data":    data,
		"success": success,
		"code":    code,
		"message": message,
	})
}

func loginPayload(token, masterToken string) map[string]any {
	return map[string]any{
		"token":                   token,
		"masterToken":             masterToken,
		"validityInSeconds":       3600,
		"masterValidityInSeconds": 14400,
		"sessionId":               12345,
		"serverVersion":           "8.49.1",
		"sessionInfo": map[string]any{
			"databaseName":  "TESTDB",
			"schemaName":    "PUBLIC",
			"warehouseName": "COMPUTE_WH",
			"roleName":      "SYSADMIN",
		},
	}
}

func renewPayload(token string) map[string]any {
	return map[string]any{
		"sessionToken":        token,
		"validityInSecondsST": 3600,
		"masterToken":         "",
		"validityInSecondsMT": 0,
		"sessionId":           12345,
	}
}

// --- Segment 1: Login ---

func TestConnect_PasswordLogin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+loginPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "TESTDB", q.Get("databaseName"))
		assert.Equal(t, "PUBLIC", q.Get("schemaName"))
		assert.True(t, q.Has("warehouse"))
		assert.True(t, q.Has("roleName"))
		_, err := uuid.Parse(q.Get("requestId"))
		assert.NoError(t, err, "requestId must be a UUID")

		assert.Equal(t, acceptSnowflake, r.Header.Get("Accept"))
		assert.Equal(t, `Snowflake Token="None"`, r.Header.Get("Authorization"))
		assert.Contains(t, r.Header.Get("User-Agent"), clientAppID+"/"+clientAppVersion)

		var body loginRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "testacct", body.Data.AccountName)
		assert.Equal(t, "tester", body.Data.LoginName)
		assert.Equal(t, "hunter2", body.Data.Password)
		assert.Equal(t, clientAppID, body.Data.ClientAppID)
		assert.NotEmpty(t, body.Data.ClientEnvironment.OS)

		writeEnvelope(w, loginPayload("token-v1", "master-1"), true, "", "")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sess, err := Connect(context.Background(), testConfig(t, srv))
	require.NoError(t, err)
	defer sess.Close(context.Background())

	assert.Equal(t, StateActive, sess.State())
	assert.Equal(t, int64(12345), sess.SessionID())
	assert.Equal(t, "8.49.1", sess.ServerVersion())
	assert.Equal(t, "TESTDB", sess.Database())
	assert.Equal(t, "PUBLIC", sess.Schema())
	assert.Equal(t, "COMPUTE_WH", sess.Warehouse())
	assert.Equal(t, "SYSADMIN", sess.Role())
}

func TestConnect_LoginRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+loginPath, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, nil, false, "390100", "Incorrect username or password was specified.")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sess, err := Connect(context.Background(), testConfig(t, srv))
	require.Error(t, err)
	assert.Nil(t, sess)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindAuthentication, e.Kind)
	assert.Equal(t, "390100", e.Code)
	assert.Contains(t, e.Message, "Incorrect username or password")
}

func TestConnect_ValidationFailsBeforeNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv)
	cfg.Password = ""

	_, err := Connect(context.Background(), cfg)
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, KindOf(err))
	assert.Equal(t, int32(0), hits.Load(), "validation must not touch the network")
}

// --- Segment 2: Token Renewal ---

func TestSession_RenewsExpiredToken(t *testing.T) {
	var heartbeats, renews atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+loginPath, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, loginPayload("token-v1", "master-1"), true, "", "")
	})
	mux.HandleFunc("POST "+tokenRequestPath, func(w http.ResponseWriter, r *http.Request) {
		renews.Add(1)
		assert.Equal(t, `Snowflake Token="master-1"`, r.Header.Get("Authorization"),
			"renew must be authorized with the master token")
		assert.NotEmpty(t, r.URL.Query().Get("requestId"))

		var body renewSessionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "token-v1", body.OldSessionToken)
		assert.Equal(t, requestTypeRenew, body.RequestType)

		writeEnvelope(w, renewPayload("token-v2"), true, "", "")
	})
	mux.HandleFunc("POST "+heartbeatPath, func(w http.ResponseWriter, r *http.Request) {
		heartbeats.Add(1)
		if r.Header.Get("Authorization") == `Snowflake Token="token-v1"` {
			writeEnvelope(w, nil, false, codeSessionExpired, "Session token has expired")
			return
		}
		assert.Equal(t, `Snowflake Token="token-v2"`, r.Header.Get("Authorization"))
		writeEnvelope(w, nil, true, "", "")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sess, err := Connect(context.Background(), testConfig(t, srv))
	require.NoError(t, err)

	require.NoError(t, sess.Heartbeat(context.Background()))
	assert.Equal(t, int32(1), renews.Load())
	assert.Equal(t, int32(2), heartbeats.Load(), "expired call plus one replay")
	assert.Equal(t, StateActive, sess.State())
}

func TestSession_RenewCoalesced(t *testing.T) {
	var renews atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+loginPath, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, loginPayload("token-v1", "master-1"), true, "", "")
	})
	mux.HandleFunc("POST "+tokenRequestPath, func(w http.ResponseWriter, r *http.Request) {
		renews.Add(1)
		time.Sleep(30 * time.Millisecond)
		writeEnvelope(w, renewPayload("token-v2"), true, "", "")
	})
	mux.HandleFunc("POST "+heartbeatPath, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, nil, true, "", "")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sess, err := Connect(context.Background(), testConfig(t, srv))
	require.NoError(t, err)
	sess.setState(StateExpired)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = sess.Heartbeat(context.Background())
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), renews.Load(), "concurrent renews must coalesce")
	assert.Equal(t, StateActive, sess.State())
}

func TestSession_ProactiveRenewNearExpiry(t *testing.T) {
	var renews atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+loginPath, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, loginPayload("token-v1", "master-1"), true, "", "")
	})
	mux.HandleFunc("POST "+tokenRequestPath, func(w http.ResponseWriter, r *http.Request) {
		renews.Add(1)
		writeEnvelope(w, renewPayload("token-v2"), true, "", "")
	})
	mux.HandleFunc("POST "+heartbeatPath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `Snowflake Token="token-v2"`, r.Header.Get("Authorization"),
			"heartbeat must carry the renewed token")
		writeEnvelope(w, nil, true, "", "")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sess, err := Connect(context.Background(), testConfig(t, srv))
	require.NoError(t, err)

	sess.mu.Lock()
	sess.tokenExpiry = time.Now().Add(time.Second)
	sess.refreshMargin = time.Minute
	sess.mu.Unlock()

	require.NoError(t, sess.Heartbeat(context.Background()))
	assert.Equal(t, int32(1), renews.Load())
}

func TestSession_RenewFailureMarksExpired(t *testing.T) {
	var renewOK atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+loginPath, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, loginPayload("token-v1", "master-1"), true, "", "")
	})
	mux.HandleFunc("POST "+tokenRequestPath, func(w http.ResponseWriter, r *http.Request) {
		if !renewOK.Load() {
			writeEnvelope(w, nil, false, "390114", "Authentication token has expired.")
			return
		}
		writeEnvelope(w, renewPayload("token-v2"), true, "", "")
	})
	mux.HandleFunc("POST "+heartbeatPath, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, nil, true, "", "")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sess, err := Connect(context.Background(), testConfig(t, srv))
	require.NoError(t, err)
	sess.setState(StateExpired)

	err = sess.Heartbeat(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindAuthentication, KindOf(err))
	assert.Equal(t, StateExpired, sess.State())

	// A later call retries the renew and recovers.
	renewOK.Store(true)
	require.NoError(t, sess.Heartbeat(context.Background()))
	assert.Equal(t, StateActive, sess.State())
}

// --- Segment 3: Close & Use-After-Close ---

func TestSession_CloseIsIdempotent(t *testing.T) {
	var closes atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+loginPath, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, loginPayload("token-v1", "master-1"), true, "", "")
	})
	mux.HandleFunc("POST "+sessionPath, func(w http.ResponseWriter, r *http.Request) {
		closes.Add(1)
		assert.Equal(t, "true", r.URL.Query().Get("delete"))
		assert.NotEmpty(t, r.URL.Query().Get("requestId"))
		assert.Equal(t, `Snowflake Token="token-v1"`, r.Header.Get("Authorization"))
		writeEnvelope(w, nil, true, "", "")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sess, err := Connect(context.Background(), testConfig(t, srv))
	require.NoError(t, err)

	require.NoError(t, sess.Close(context.Background()))
	require.NoError(t, sess.Close(context.Background()))
	assert.Equal(t, int32(1), closes.Load(), "second close must not hit the server")
	assert.Equal(t, StateClosed, sess.State())
}

func TestSession_UseAfterClose(t *testing.T) {
	var heartbeats atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+loginPath, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, loginPayload("token-v1", "master-1"), true, "", "")
	})
	mux.HandleFunc("POST "+sessionPath, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, nil, true, "", "")
	})
	mux.HandleFunc("POST "+heartbeatPath, func(w http.ResponseWriter, r *http.Request) {
		heartbeats.Add(1)
		writeEnvelope(w, nil, true, "", "")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sess, err := Connect(context.Background(), testConfig(t, srv))
	require.NoError(t, err)
	require.NoError(t, sess.Close(context.Background()))

	err = sess.Heartbeat(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindUseAfterClose, KindOf(err))
	assert.Equal(t, int32(0), heartbeats.Load(), "closed session must not touch the network")
}

func TestSession_CloseSurvivesServerError(t *testing.T) {
	var closes atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+loginPath, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, loginPayload("token-v1", "master-1"), true, "", "")
	})
	mux.HandleFunc("POST "+sessionPath, func(w http.ResponseWriter, r *http.Request) {
		closes.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sess, err := Connect(context.Background(), testConfig(t, srv))
	require.NoError(t, err)

	err = sess.Close(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateClosed, sess.State(), "close is terminal even when the server errors")

	require.NoError(t, sess.Close(context.Background()))
	assert.Equal(t, int32(1), closes.Load())
}

// --- Segment 4: Request Options & State ---

func TestSession_RequestOptionsApplied(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+loginPath, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, loginPayload("token-v1", "master-1"), true, "", "")
	})
	mux.HandleFunc("POST "+heartbeatPath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "trace-123", r.Header.Get("X-Trace-Id"))
		writeEnvelope(w, nil, true, "", "")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sess, err := Connect(context.Background(), testConfig(t, srv))
	require.NoError(t, err)

	sess.RequestOptions(func(r *http.Request) {
		r.Header.Set("X-Trace-Id", "trace-123")
	})
	require.NoError(t, sess.Heartbeat(context.Background()))
}

func TestSessionState_String(t *testing.T) {
	cases := map[SessionState]string{
		StateUnauthenticated: "unauthenticated",
		StateAuthenticating:  "authenticating",
		StateActive:          "active",
		StateExpired:         "expired",
		StateClosed:          "closed",
		SessionState(99):     "SessionState(99)",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}

package sfcore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	// requestTypeRenew asks the token endpoint for a fresh session token.
	requestTypeRenew = "RENEW"

	// maxRefreshMargin caps how early a session token is renewed ahead of
	// its expiry.
	maxRefreshMargin = 5 * time.Minute
)

// --- Session State ---

// SessionState describes where a session is in its lifecycle.
type SessionState int32

const (
	// StateUnauthenticated means no login has succeeded yet.
	StateUnauthenticated SessionState = iota
	// StateAuthenticating means a login exchange is in flight.
	StateAuthenticating
	// StateActive means the session holds a token the server accepts.
	StateActive
	// StateExpired means the server rejected the token and a renew failed;
	// the next operation attempts another renew.
	StateExpired
	// StateClosed is terminal. Operations on a closed session fail
	// locally without touching the network.
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// --- Session ---

// Session is an authenticated connection to a warehouse account. It owns
// the session and master tokens, renews them when the server demands it,
// and stamps every request with the current token. A Session is safe for
// concurrent use.
type Session struct {
	client *Client
	cfg    *Config

	mu            sync.RWMutex
	state         SessionState
	token         string
	masterToken   string
	tokenExpiry   time.Time
	refreshMargin time.Duration
	sessionID     int64
	serverVersion string
	database      string
	schema        string
	warehouse     string
	role          string

	refreshGroup   singleflight.Group
	seq            atomic.Int64
	requestOptions []RequestOption
}

// Connect performs the login exchange for the client's configuration and
// returns an active session.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	s := &Session{
		client:    c,
		cfg:       c.cfg,
		state:     StateUnauthenticated,
		database:  c.cfg.Database,
		schema:    c.cfg.Schema,
		warehouse: c.cfg.Warehouse,
		role:      c.cfg.Role,
	}
	if err := s.login(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// login runs the login-request exchange and stores the issued tokens.
func (s *Session) login(ctx context.Context) error {
	s.setState(StateAuthenticating)

	body, err := buildLoginRequest(s.cfg)
	if err != nil {
		s.setState(StateUnauthenticated)
		return err
	}

	if s.cfg.LoginTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.LoginTimeout)
		defer cancel()
	}

	// The context parameters ride along even when empty; the server
	// answers with the effective values in sessionInfo.
	query := url.Values{
		"databaseName": {s.cfg.Database},
		"schemaName":   {s.cfg.Schema},
		"warehouse":    {s.cfg.Warehouse},
		"roleName":     {s.cfg.Role},
		"requestId":    {uuid.NewString()},
	}

	req, err := s.client.newRequest(ctx, http.MethodPost, loginPath, query, body,
		func(r *http.Request) {
			r.Header.Set("Accept", acceptSnowflake)
			r.Header.Set("Authorization", `Snowflake Token="None"`)
		})
	if err != nil {
		s.setState(StateUnauthenticated)
		return err
	}

	// The requestId makes a replayed login idempotent on the server side,
	// so the POST may be retried.
	call := newCallContext(http.MethodPost)
	call.allowPostRetry = true

	var envelope serverResponse
	if _, err := s.client.do(req, &envelope, call); err != nil {
		s.setState(StateUnauthenticated)
		return err
	}

	var data loginData
	if err := unwrapEnvelope(&envelope, "login", KindAuthentication, &data); err != nil {
		s.setState(StateUnauthenticated)
		return err
	}

	now := time.Now()
	s.mu.Lock()
	s.token = data.Token
	s.masterToken = data.MasterToken
	s.tokenExpiry, s.refreshMargin = tokenLifetime(now, data.ValidityInSeconds)
	s.sessionID = data.SessionID
	s.serverVersion = data.ServerVersion
	if data.SessionInfo.DatabaseName != "" {
		s.database = data.SessionInfo.DatabaseName
	}
	if data.SessionInfo.SchemaName != "" {
		s.schema = data.SessionInfo.SchemaName
	}
	if data.SessionInfo.WarehouseName != "" {
		s.warehouse = data.SessionInfo.WarehouseName
	}
	if data.SessionInfo.RoleName != "" {
		s.role = data.SessionInfo.RoleName
	}
	s.state = StateActive
	s.mu.Unlock()

	log.Debug().
		Int64("session_id", data.SessionID).
		Str("server_version", data.ServerVersion).
		Msg("session opened")
	return nil
}

// tokenLifetime converts a validity reported in seconds into an absolute
// expiry and the margin ahead of it at which a proactive renew kicks in. A
// non-positive validity means the token never expires on our side.
func tokenLifetime(now time.Time, validitySeconds int64) (time.Time, time.Duration) {
	if validitySeconds <= 0 {
		return time.Time{}, 0
	}
	validity := time.Duration(validitySeconds) * time.Second
	margin := validity / 2
	if margin > maxRefreshMargin {
		margin = maxRefreshMargin
	}
	return now.Add(validity), margin
}

// --- Authenticated requests ---

// authHeader stamps the warehouse token header on a request.
func authHeader(token string) RequestOption {
	return func(r *http.Request) {
		r.Header.Set("Authorization", fmt.Sprintf("Snowflake Token=%q", token))
	}
}

// authOption returns a RequestOption carrying the current session token.
// It snapshots the token when the option is built, so requests composed
// after a renew pick up the fresh token.
func (s *Session) authOption() RequestOption {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	return authHeader(token)
}

// doREST issues an authenticated request against a session endpoint. When
// the server answers that the session token expired, the token is renewed
// and the request reissued exactly once. The returned envelope may still
// carry success=false; callers decode it with unwrapEnvelope or their own
// error mapping.
func (s *Session) doREST(ctx context.Context, method, path string, query url.Values, body any, call callContext, opts ...RequestOption) (*serverResponse, error) {
	if err := s.ensureActive(ctx); err != nil {
		return nil, err
	}

	send := func() (*serverResponse, error) {
		options := append(s.options(), opts...)
		options = append(options, s.authOption())
		req, err := s.client.newRequest(ctx, method, path, query, body, options...)
		if err != nil {
			return nil, err
		}
		var envelope serverResponse
		if _, err := s.client.do(req, &envelope, call); err != nil {
			return nil, err
		}
		return &envelope, nil
	}

	envelope, err := send()
	if err != nil {
		return nil, err
	}

	if !envelope.Success && envelope.Code == codeSessionExpired {
		log.Debug().Str("path", path).Msg("session token expired, renewing")
		if err := s.refreshToken(ctx); err != nil {
			return nil, err
		}
		if envelope, err = send(); err != nil {
			return nil, err
		}
	}

	return envelope, nil
}

// ensureActive gates an operation on the session state: closed sessions
// fail locally, expired or nearly-expired sessions renew their token
// first.
func (s *Session) ensureActive(ctx context.Context) error {
	s.mu.RLock()
	state := s.state
	nearExpiry := !s.tokenExpiry.IsZero() && time.Until(s.tokenExpiry) <= s.refreshMargin
	s.mu.RUnlock()

	switch state {
	case StateClosed:
		return newError(KindUseAfterClose, "session", "session is closed")
	case StateExpired:
		return s.refreshToken(ctx)
	case StateActive:
		if nearExpiry {
			return s.refreshToken(ctx)
		}
		return nil
	default:
		return newError(KindAuthentication, "session", "session not authenticated (state %s)", state)
	}
}

// --- Token renewal ---

// refreshToken renews the session token. Concurrent callers are coalesced
// into a single renew request; every caller observes its outcome.
func (s *Session) refreshToken(ctx context.Context) error {
	_, err, _ := s.refreshGroup.Do("renew", func() (any, error) {
		return nil, s.renewToken(ctx)
	})
	return err
}

func (s *Session) renewToken(ctx context.Context) error {
	s.mu.RLock()
	state := s.state
	oldToken := s.token
	masterToken := s.masterToken
	s.mu.RUnlock()

	if state == StateClosed {
		return newError(KindUseAfterClose, "renew session", "session is closed")
	}

	body := renewSessionRequest{
		OldSessionToken: oldToken,
		RequestType:     requestTypeRenew,
	}
	query := url.Values{"requestId": {uuid.NewString()}}

	req, err := s.client.newRequest(ctx, http.MethodPost, tokenRequestPath, query, body,
		authHeader(masterToken))
	if err != nil {
		return err
	}

	call := newCallContext(http.MethodPost)
	call.allowPostRetry = true

	var envelope serverResponse
	if _, err := s.client.do(req, &envelope, call); err != nil {
		return err
	}

	var data renewSessionData
	if err := unwrapEnvelope(&envelope, "renew session", KindAuthentication, &data); err != nil {
		if KindOf(err) == KindAuthentication {
			s.setState(StateExpired)
		}
		return err
	}

	now := time.Now()
	s.mu.Lock()
	s.token = data.SessionToken
	if data.MasterToken != "" {
		s.masterToken = data.MasterToken
	}
	s.tokenExpiry, s.refreshMargin = tokenLifetime(now, data.ValidityInSecondsST)
	if s.state != StateClosed {
		s.state = StateActive
	}
	s.mu.Unlock()

	log.Debug().Msg("session token renewed")
	return nil
}

// --- Maintenance ---

// Heartbeat pings the server to keep an idle session alive.
func (s *Session) Heartbeat(ctx context.Context) error {
	envelope, err := s.doREST(ctx, http.MethodPost, heartbeatPath, nil, nil,
		newCallContext(http.MethodPost))
	if err != nil {
		return err
	}
	return unwrapEnvelope(envelope, "heartbeat", KindServer, nil)
}

// Close deletes the session on the server and marks it closed locally.
// The session is unusable afterwards whether or not the server call
// succeeded; closing an already-closed session is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	token := s.token
	s.state = StateClosed
	s.mu.Unlock()

	if token == "" {
		return nil
	}

	query := url.Values{
		"delete":    {"true"},
		"requestId": {uuid.NewString()},
	}
	req, err := s.client.newRequest(ctx, http.MethodPost, sessionPath, query, nil,
		authHeader(token))
	if err != nil {
		return err
	}

	var envelope serverResponse
	if _, err := s.client.do(req, &envelope, newCallContext(http.MethodPost)); err != nil {
		return err
	}
	return unwrapEnvelope(&envelope, "close session", KindServer, nil)
}

// --- Session context ---

// updateContext records the effective database, schema, warehouse and role
// the server reports after a statement, so USE statements are reflected in
// the session.
func (s *Session) updateContext(data *queryData) {
	s.mu.Lock()
	if data.FinalDatabaseName != "" {
		s.database = data.FinalDatabaseName
	}
	if data.FinalSchemaName != "" {
		s.schema = data.FinalSchemaName
	}
	if data.FinalWarehouseName != "" {
		s.warehouse = data.FinalWarehouseName
	}
	if data.FinalRoleName != "" {
		s.role = data.FinalRoleName
	}
	s.mu.Unlock()
}

// setState transitions the session state. Closed is terminal and never
// overwritten.
func (s *Session) setState(next SessionState) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = next
	}
	s.mu.Unlock()
}

// nextSequenceID numbers statements within the session, starting at 1.
func (s *Session) nextSequenceID() int64 {
	return s.seq.Add(1)
}

// RequestOptions appends options applied to every subsequent request made
// through the session.
func (s *Session) RequestOptions(opts ...RequestOption) *Session {
	s.mu.Lock()
	s.requestOptions = append(s.requestOptions, opts...)
	s.mu.Unlock()
	return s
}

func (s *Session) options() []RequestOption {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]RequestOption(nil), s.requestOptions...)
}

// --- Accessors ---

// State reports the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SessionID reports the server-assigned session identifier.
func (s *Session) SessionID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// ServerVersion reports the server version returned at login.
func (s *Session) ServerVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverVersion
}

// Database reports the session's current database.
func (s *Session) Database() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.database
}

// Schema reports the session's current schema.
func (s *Session) Schema() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schema
}

// Warehouse reports the session's current warehouse.
func (s *Session) Warehouse() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.warehouse
}

// Role reports the session's current role.
func (s *Session) Role() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

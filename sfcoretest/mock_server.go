// Package sfcoretest provides an in-process mock warehouse server for
// integration testing. It speaks the login, statement, monitoring and
// result-chunk endpoints the sfcore client uses, serving registered
// result templates instead of executing SQL.
package sfcoretest

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"

	sfcore "github.com/sfc-gh-dszmolka/universal-driver-sub001"
)

// Endpoint paths, relative to the server base URL.
const (
	loginPath      = "/session/v1/login-request"
	renewPath      = "/session/token-request"
	heartbeatPath  = "/session/heartbeat"
	sessionPath    = "/session"
	queryPath      = "/queries/v1/query-request"
	abortPath      = "/queries/v1/abort-request"
	resultPath     = "/queries/v1/result/"
	chunkPath      = "/chunks/"
	monitoringPath = "/monitoring/queries/"
)

// chunkAuthHeader must accompany chunk downloads. The server hands it to
// the client in the result manifest's chunkHeaders and rejects chunk
// requests without it, the way stage-served chunks require credentials.
const (
	chunkAuthHeader = "X-Mock-Stage-Auth"
	chunkAuthValue  = "granted"
)

// MockError describes a statement failure a template should produce.
type MockError struct {
	Code     string
	Message  string
	SQLState string
}

// MockBinding is one recorded bind parameter as it arrived on the wire.
type MockBinding struct {
	Type  string  `json:"type"`
	Value *string `json:"value"`
}

// MockTransfer turns a template into a PUT or GET command answered with a
// LOCAL_FS stage description, so transfers run against a plain directory.
type MockTransfer struct {
	Command           string   // "UPLOAD" or "DOWNLOAD"
	SrcLocations      []string // upload glob patterns, or download object names
	StageDir          string   // directory backing the stage
	LocalLocation     string   // download target directory
	AutoCompress      *bool
	SourceCompression string
	Overwrite         bool
	Parallel          int64
}

// MockQueryTemplate defines the canned response for one SQL string.
//
// Result distribution: when ChunkBatches is zero every row travels in the
// inline rowset. Otherwise the inline rowset is empty and the rows are
// split across ChunkBatches chunk downloads using ceiling division,
// rowsPerChunk = (totalRows + ChunkBatches - 1) / ChunkBatches, with chunk
// n serving the window [(n-1)*rowsPerChunk, n*rowsPerChunk).
//
// Queue simulation: QueuePolls > 0 makes the submit response report the
// statement in progress; the client must poll the result URL that many
// times before the terminal payload appears. Latency is spread evenly
// across the submit plus every poll.
type MockQueryTemplate struct {
	SQL             string
	Columns         []sfcore.RowType
	Data            [][]any // result cells; nil means SQL NULL
	ChunkBatches    int
	QueuePolls      int
	StatementTypeID int64
	Error           *MockError
	Transfer        *MockTransfer
	Latency         time.Duration
}

// activeQuery is one live execution instance of a template.
type activeQuery struct {
	id        string
	requestID string
	sql       string
	tmpl      *MockQueryTemplate
	bindings  map[string]MockBinding
	pollsLeft int
	finished  bool
	aborted   bool
}

// scriptedFailure makes the next requests to one path fail with a fixed
// HTTP status before the real handler runs.
type scriptedFailure struct {
	code  int
	count int
}

// MockWarehouseServer simulates the warehouse control plane for
// integration testing.
type MockWarehouseServer struct {
	server *httptest.Server

	mu        sync.RWMutex
	templates map[string]*MockQueryTemplate
	active    map[string]*activeQuery
	byRequest map[string]*activeQuery
	failures  map[string]*scriptedFailure

	tokenCounter   atomic.Int64
	queryIDCounter atomic.Int64
	logins         atomic.Int64
	renewals       atomic.Int64
	heartbeats     atomic.Int64
	sessionCloses  atomic.Int64

	today string
}

// NewMockWarehouseServer starts a mock server with no registered
// templates. Statements without a template succeed with a single default
// row.
func NewMockWarehouseServer() *MockWarehouseServer {
	m := &MockWarehouseServer{
		templates: make(map[string]*MockQueryTemplate),
		active:    make(map[string]*activeQuery),
		byRequest: make(map[string]*activeQuery),
		failures:  make(map[string]*scriptedFailure),
		today:     time.Now().Format("20060102"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+loginPath, m.handleLogin)
	mux.HandleFunc("POST "+renewPath, m.handleRenew)
	mux.HandleFunc("POST "+heartbeatPath, m.handleHeartbeat)
	mux.HandleFunc("POST "+sessionPath, m.handleSession)
	mux.HandleFunc("POST "+queryPath, m.handleQuery)
	mux.HandleFunc("POST "+abortPath, m.handleAbort)
	mux.HandleFunc("GET "+resultPath+"{queryID}", m.handleResult)
	mux.HandleFunc("GET "+chunkPath+"{queryID}/{seq}", m.handleChunk)
	mux.HandleFunc("GET "+monitoringPath+"{queryID}", m.handleMonitoring)

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.consumeFailure(w, r) {
			return
		}
		mux.ServeHTTP(w, r)
	}))
	return m
}

// URL returns the base URL of the mock server.
func (m *MockWarehouseServer) URL() string { return m.server.URL }

// Close shuts down the mock server.
func (m *MockWarehouseServer) Close() { m.server.Close() }

// ClientConfig returns a Config pointing at this server, with password
// authentication and a short retry budget suited to tests.
func (m *MockWarehouseServer) ClientConfig() *sfcore.Config {
	u, _ := url.Parse(m.server.URL)
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)
	return &sfcore.Config{
		Account:  "testacct",
		User:     "tester",
		Password: "hunter2",
		Host:     host,
		Port:     port,
		Protocol: "http",
	}
}

// AddQuery registers a template. ChunkBatches is capped at the row count
// so no chunk ever comes up empty.
func (m *MockWarehouseServer) AddQuery(tmpl *MockQueryTemplate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if total := len(tmpl.Data); tmpl.ChunkBatches > total {
		tmpl.ChunkBatches = total
	}
	m.templates[tmpl.SQL] = tmpl
}

// FailNext makes the next count requests to path fail with status before
// reaching the real handler. Use it to exercise retry behavior.
func (m *MockWarehouseServer) FailNext(path string, status, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[path] = &scriptedFailure{code: status, count: count}
}

// consumeFailure serves one scripted failure if any remain for the path.
func (m *MockWarehouseServer) consumeFailure(w http.ResponseWriter, r *http.Request) bool {
	m.mu.Lock()
	f := m.failures[r.URL.Path]
	if f == nil || f.count == 0 {
		m.mu.Unlock()
		return false
	}
	f.count--
	m.mu.Unlock()
	http.Error(w, http.StatusText(f.code), f.code)
	return true
}

// --- Counters and recordings ---

// Logins reports how many login requests the server has served.
func (m *MockWarehouseServer) Logins() int { return int(m.logins.Load()) }

// Renewals reports how many token renewals the server has served.
func (m *MockWarehouseServer) Renewals() int { return int(m.renewals.Load()) }

// Heartbeats reports how many heartbeats the server has served.
func (m *MockWarehouseServer) Heartbeats() int { return int(m.heartbeats.Load()) }

// SessionCloses reports how many session deletions the server has served.
func (m *MockWarehouseServer) SessionCloses() int { return int(m.sessionCloses.Load()) }

// Aborted reports whether the statement submitted under requestID was
// aborted.
func (m *MockWarehouseServer) Aborted(requestID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.byRequest[requestID]
	return ok && q.aborted
}

// BindingsFor returns the bind parameters recorded for the most recent
// execution of sql, or nil when it never ran with bindings.
func (m *MockWarehouseServer) BindingsFor(sql string) map[string]MockBinding {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *activeQuery
	for _, q := range m.active {
		if q.sql == sql && (latest == nil || q.id > latest.id) {
			latest = q
		}
	}
	if latest == nil {
		return nil
	}
	return latest.bindings
}

// --- Session handlers ---

func writeEnvelope(w http.ResponseWriter, data any, success bool, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data":    data,
		"success": success,
		"code":    code,
		"message": message,
	})
}

func (m *MockWarehouseServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	m.logins.Add(1)
	n := m.tokenCounter.Add(1)
	writeEnvelope(w, map[string]any{
		"token":                   fmt.Sprintf("session-token-%d", n),
		"masterToken":             fmt.Sprintf("master-token-%d", n),
		"validityInSeconds":       3600,
		"masterValidityInSeconds": 14400,
		"sessionId":               4711,
		"serverVersion":           "mock-8.0.0",
		"sessionInfo": map[string]any{
			"databaseName":  "TESTDB",
			"schemaName":    "PUBLIC",
			"warehouseName": "TESTWH",
			"roleName":      "TESTER",
		},
	}, true, "", "")
}

func (m *MockWarehouseServer) handleRenew(w http.ResponseWriter, r *http.Request) {
	m.renewals.Add(1)
	n := m.tokenCounter.Add(1)
	writeEnvelope(w, map[string]any{
		"sessionToken":        fmt.Sprintf("session-token-%d", n),
		"validityInSecondsST": 3600,
		"masterToken":         fmt.Sprintf("master-token-%d", n),
		"validityInSecondsMT": 14400,
		"sessionId":           4711,
	}, true, "", "")
}

func (m *MockWarehouseServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	m.heartbeats.Add(1)
	writeEnvelope(w, nil, true, "", "")
}

func (m *MockWarehouseServer) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("delete") == "true" {
		m.sessionCloses.Add(1)
	}
	writeEnvelope(w, nil, true, "", "")
}

// --- Statement handlers ---

// statementRequest mirrors the fields of a query-request the mock cares
// about.
type statementRequest struct {
	SQLText   string                 `json:"sqlText"`
	AsyncExec bool                   `json:"asyncExec"`
	Bindings  map[string]MockBinding `json:"bindings"`
}

func (m *MockWarehouseServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req statementRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	m.mu.RLock()
	tmpl, ok := m.templates[req.SQLText]
	m.mu.RUnlock()
	if !ok {
		tmpl = &MockQueryTemplate{
			SQL:     req.SQLText,
			Columns: []sfcore.RowType{{Name: "result", Type: "text"}},
			Data:    [][]any{{"statement not registered; default success"}},
		}
	}

	q := &activeQuery{
		id:        m.newQueryID(),
		requestID: r.URL.Query().Get("requestId"),
		sql:       req.SQLText,
		tmpl:      tmpl,
		bindings:  req.Bindings,
		pollsLeft: tmpl.QueuePolls,
	}
	m.mu.Lock()
	m.active[q.id] = q
	if q.requestID != "" {
		m.byRequest[q.requestID] = q
	}
	m.mu.Unlock()

	m.sleepShare(tmpl)

	if q.pollsLeft > 0 || req.AsyncExec {
		writeEnvelope(w, map[string]any{
			"queryId":      q.id,
			"getResultUrl": resultPath + q.id,
		}, true, "333333", "Statement executed asynchronously")
		return
	}
	m.writeTerminal(w, q)
}

func (m *MockWarehouseServer) handleResult(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	q := m.active[r.PathValue("queryID")]
	if q == nil {
		m.mu.Unlock()
		writeEnvelope(w, nil, false, "390104", "Query not found")
		return
	}
	pending := q.pollsLeft > 0
	if pending {
		q.pollsLeft--
	}
	aborted := q.aborted
	m.mu.Unlock()

	m.sleepShare(q.tmpl)

	if aborted {
		writeEnvelope(w, map[string]any{"queryId": q.id, "sqlState": "57014"},
			false, "604", "Query execution was canceled")
		return
	}
	if pending {
		writeEnvelope(w, map[string]any{
			"queryId":      q.id,
			"getResultUrl": resultPath + q.id,
		}, true, "", "")
		return
	}
	m.writeTerminal(w, q)
}

func (m *MockWarehouseServer) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID string `json:"requestId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	m.mu.Lock()
	if q, ok := m.byRequest[req.RequestID]; ok && !q.finished {
		q.aborted = true
	}
	m.mu.Unlock()
	writeEnvelope(w, nil, true, "", "")
}

func (m *MockWarehouseServer) handleMonitoring(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	q := m.active[r.PathValue("queryID")]
	m.mu.RUnlock()

	if q == nil {
		writeEnvelope(w, map[string]any{"queries": []any{}}, true, "", "")
		return
	}

	entry := map[string]any{"id": q.id, "status": "RUNNING"}
	switch {
	case q.aborted:
		entry["status"] = "FAILED_WITH_INCIDENT"
		entry["errorMessage"] = "Query execution was canceled"
	case q.finished && q.tmpl.Error != nil:
		entry["status"] = "FAILED_WITH_ERROR"
		entry["errorCode"] = q.tmpl.Error.Code
		entry["errorMessage"] = q.tmpl.Error.Message
	case q.finished:
		entry["status"] = "SUCCESS"
	}
	writeEnvelope(w, map[string]any{"queries": []any{entry}}, true, "", "")
}

// handleChunk serves one result chunk: the rows of its window, encoded as
// comma-separated JSON arrays without the outer brackets, gzip-compressed.
func (m *MockWarehouseServer) handleChunk(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(chunkAuthHeader) != chunkAuthValue {
		http.Error(w, "missing stage credentials", http.StatusForbidden)
		return
	}

	m.mu.RLock()
	q := m.active[r.PathValue("queryID")]
	m.mu.RUnlock()
	seq, err := strconv.Atoi(r.PathValue("seq"))
	if q == nil || err != nil || seq < 1 {
		http.NotFound(w, r)
		return
	}

	rows := chunkWindow(q.tmpl, seq)
	body, err := json.Marshal(rows)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// Strip the outer brackets; the client restores them while decoding.
	body = body[1 : len(body)-1]

	w.Header().Set("Content-Type", "application/octet-stream")
	gz := gzip.NewWriter(w)
	_, _ = gz.Write(body)
	_ = gz.Close()
}

// --- Response assembly ---

// writeTerminal emits the template's terminal payload and marks the query
// finished.
func (m *MockWarehouseServer) writeTerminal(w http.ResponseWriter, q *activeQuery) {
	m.mu.Lock()
	q.finished = true
	m.mu.Unlock()

	tmpl := q.tmpl
	if tmpl.Error != nil {
		writeEnvelope(w, map[string]any{
			"queryId":  q.id,
			"sqlState": tmpl.Error.SQLState,
		}, false, tmpl.Error.Code, tmpl.Error.Message)
		return
	}
	if tmpl.Transfer != nil {
		writeEnvelope(w, m.transferPayload(q), true, "", "")
		return
	}

	payload := map[string]any{
		"rowtype":           tmpl.Columns,
		"total":             len(tmpl.Data),
		"queryId":           q.id,
		"queryResultFormat": "json",
	}
	if tmpl.StatementTypeID != 0 {
		payload["statementTypeId"] = tmpl.StatementTypeID
	}

	if tmpl.ChunkBatches > 0 {
		payload["rowset"] = [][]any{}
		payload["qrmk"] = "mock-result-master-key"
		payload["chunkHeaders"] = map[string]string{chunkAuthHeader: chunkAuthValue}
		chunks := make([]map[string]any, tmpl.ChunkBatches)
		for n := 1; n <= tmpl.ChunkBatches; n++ {
			rows := chunkWindow(tmpl, n)
			chunks[n-1] = map[string]any{
				"url":      fmt.Sprintf("%s%s%s/%d", m.server.URL, chunkPath, q.id, n),
				"rowCount": len(rows),
			}
		}
		payload["chunks"] = chunks
	} else {
		payload["rowset"] = encodeRowset(tmpl.Data)
	}
	writeEnvelope(w, payload, true, "", "")
}

func (m *MockWarehouseServer) transferPayload(q *activeQuery) map[string]any {
	tr := q.tmpl.Transfer
	payload := map[string]any{
		"queryId":       q.id,
		"command":       tr.Command,
		"src_locations": tr.SrcLocations,
		"stageInfo": map[string]any{
			"locationType": "LOCAL_FS",
			"location":     tr.StageDir,
		},
		"localLocation":     tr.LocalLocation,
		"sourceCompression": tr.SourceCompression,
		"overwrite":         tr.Overwrite,
		"parallel":          tr.Parallel,
	}
	if tr.AutoCompress != nil {
		payload["autoCompress"] = *tr.AutoCompress
	}
	return payload
}

// chunkWindow returns the rows chunk seq serves, encoded as JSON cells.
func chunkWindow(tmpl *MockQueryTemplate, seq int) [][]*string {
	total := len(tmpl.Data)
	if tmpl.ChunkBatches == 0 || total == 0 {
		return nil
	}
	rowsPerChunk := (total + tmpl.ChunkBatches - 1) / tmpl.ChunkBatches
	start := (seq - 1) * rowsPerChunk
	if start >= total {
		return nil
	}
	end := start + rowsPerChunk
	if end > total {
		end = total
	}
	return encodeRowset(tmpl.Data[start:end])
}

// encodeRowset renders template cells the way the server serializes them:
// every value as a string, nil as JSON null.
func encodeRowset(data [][]any) [][]*string {
	out := make([][]*string, len(data))
	for i, row := range data {
		cells := make([]*string, len(row))
		for j, v := range row {
			if v == nil {
				continue
			}
			s := fmt.Sprint(v)
			cells[j] = &s
		}
		out[i] = cells
	}
	return out
}

func (m *MockWarehouseServer) newQueryID() string {
	return fmt.Sprintf("01%s-%06d", m.today, m.queryIDCounter.Add(1))
}

// sleepShare distributes a template's latency evenly across its expected
// request count (the submit plus every result poll).
func (m *MockWarehouseServer) sleepShare(tmpl *MockQueryTemplate) {
	if tmpl.Latency <= 0 {
		return
	}
	share := tmpl.Latency / time.Duration(tmpl.QueuePolls+1)
	if share > 0 {
		time.Sleep(share)
	}
}

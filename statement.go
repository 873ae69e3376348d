package sfcore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Bind types the server accepts for positional parameters.
const (
	bindTypeFixed        = "FIXED"
	bindTypeReal         = "REAL"
	bindTypeBoolean      = "BOOLEAN"
	bindTypeText         = "TEXT"
	bindTypeBinary       = "BINARY"
	bindTypeTimestampLTZ = "TIMESTAMP_LTZ"
)

// Statement type identifiers reported in query responses. The DML range
// determines whether a result row carries affected-row counts.
const (
	statementTypeDML              = int64(0x3000)
	statementTypeInsert           = statementTypeDML + 0x100
	statementTypeUpdate           = statementTypeDML + 0x200
	statementTypeDelete           = statementTypeDML + 0x300
	statementTypeMerge            = statementTypeDML + 0x400
	statementTypeMultiTableInsert = statementTypeDML + 0x500
)

func isDMLStatement(id int64) bool {
	return id >= statementTypeDML && id <= statementTypeMultiTableInsert
}

// shortPollDelays front-loads result polling; most short statements finish
// within a few tens of milliseconds, after which exponential backoff takes
// over.
var shortPollDelays = [...]time.Duration{
	5 * time.Millisecond,
	10 * time.Millisecond,
	20 * time.Millisecond,
	40 * time.Millisecond,
}

type contextKey string

const requestIDKey contextKey = "sfcore.requestID"

// WithRequestID pins the client-generated request id used for statements
// run under ctx. Resubmissions with the same id are deduplicated
// server-side, and the id is the handle for Session.Cancel.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v
	}
	return uuid.NewString()
}

// ExecResult reports the outcome of a statement run with Exec.
type ExecResult struct {
	// QueryID identifies the statement server-side.
	QueryID string
	// RowsAffected sums the per-operation counts a DML statement reports.
	// It is zero for DDL and other non-DML statements.
	RowsAffected int64
}

// --- Public operations ---

// Query runs sql synchronously and returns its result stream. Bind values
// replace ? placeholders by position. PUT and GET statements run the file
// transfer they describe; their rows report one file each.
func (s *Session) Query(ctx context.Context, sql string, binds ...any) (*Rows, error) {
	data, err := s.executeSync(ctx, sql, false, binds)
	if err != nil {
		return nil, err
	}
	if isTransferCommand(data) {
		return s.runTransfer(ctx, data)
	}
	return newRows(s, data)
}

// Exec runs sql synchronously and reports the affected-row count. Use it
// for DML and DDL where no result stream is wanted.
func (s *Session) Exec(ctx context.Context, sql string, binds ...any) (*ExecResult, error) {
	data, err := s.executeSync(ctx, sql, false, binds)
	if err != nil {
		return nil, err
	}
	if isTransferCommand(data) {
		rows, err := s.runTransfer(ctx, data)
		if err != nil {
			return nil, err
		}
		rows.Close()
		return &ExecResult{QueryID: data.QueryID}, nil
	}
	affected, err := affectedRows(data)
	if err != nil {
		return nil, err
	}
	return &ExecResult{QueryID: data.QueryID, RowsAffected: affected}, nil
}

// Describe compiles sql without executing it and returns the result column
// metadata.
func (s *Session) Describe(ctx context.Context, sql string) ([]RowType, error) {
	data, err := s.executeSync(ctx, sql, true, nil)
	if err != nil {
		return nil, err
	}
	return data.RowType, nil
}

// QueryAsync submits sql with asyncExec and returns as soon as the server
// acknowledges it. The returned handle waits for completion and fetches
// the result.
func (s *Session) QueryAsync(ctx context.Context, sql string, binds ...any) (*AsyncHandle, error) {
	requestID := requestIDFrom(ctx)
	envelope, data, err := s.submitStatement(ctx, requestID, sql, true, false, binds)
	if err != nil {
		return nil, err
	}
	if !envelope.Success && data.GetResultURL == "" {
		return nil, statementError(envelope, data)
	}
	if data.QueryID == "" {
		return nil, newError(KindProtocol, "submit statement", "server acknowledged without a query id")
	}

	h := &AsyncHandle{
		QueryID:   data.QueryID,
		RequestID: requestID,
		session:   s,
		resultURL: data.GetResultURL,
	}
	if envelope.Success && !queryInProgress(envelope, data) {
		// Short statements can finish inline even when submitted async.
		h.data = data
		s.updateContext(data)
	}
	return h, nil
}

// Cancel asks the server to abort the statement submitted under requestID
// (see WithRequestID and AsyncHandle.RequestID). Cancelling a statement
// that already finished is not an error, and cancellation is idempotent.
func (s *Session) Cancel(ctx context.Context, requestID string) error {
	body := abortRequest{SQLText: "", RequestID: requestID}
	query := url.Values{"requestId": {uuid.NewString()}}

	call := newCallContext(http.MethodPost)
	call.allowPostRetry = true

	envelope, err := s.doREST(ctx, http.MethodPost, abortPath, query, body, call)
	if err != nil {
		return err
	}
	return unwrapEnvelope(envelope, "abort statement", KindServer, nil)
}

// --- Async handle ---

// AsyncHandle tracks a statement submitted with QueryAsync.
type AsyncHandle struct {
	// QueryID identifies the running statement server-side.
	QueryID string
	// RequestID is the submission id, usable with Session.Cancel.
	RequestID string

	session   *Session
	resultURL string

	mu   sync.Mutex
	data *queryData
	rows *Rows
	err  error
}

// Wait blocks until the statement reaches a terminal state and returns its
// result stream. The result is cached: concurrent and repeated calls
// observe the same rows. Transient failures (deadline, transport) do not
// poison the handle; a later Wait picks up where polling left off.
func (h *AsyncHandle) Wait(ctx context.Context) (*Rows, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rows != nil || h.err != nil {
		return h.rows, h.err
	}

	if h.data == nil {
		envelope, data, err := h.session.waitForResult(ctx, h.resultURL)
		if err != nil {
			return nil, err
		}
		if !envelope.Success {
			h.err = statementError(envelope, data)
			return nil, h.err
		}
		h.data = data
		h.session.updateContext(data)
	}

	if isTransferCommand(h.data) {
		// Only a produced result stream is cached; the next Wait retries a
		// failed transfer with the same stage description.
		rows, err := h.session.runTransfer(ctx, h.data)
		if err != nil {
			return nil, err
		}
		h.rows = rows
		return rows, nil
	}

	rows, err := newRows(h.session, h.data)
	if err != nil {
		h.err = err
		return nil, err
	}
	h.rows = rows
	return rows, nil
}

// Status looks up the statement on the monitoring endpoint without
// touching the result.
func (h *AsyncHandle) Status(ctx context.Context) (*QueryStatus, error) {
	return h.session.QueryStatus(ctx, h.QueryID)
}

// Cancel aborts the statement.
func (h *AsyncHandle) Cancel(ctx context.Context) error {
	return h.session.Cancel(ctx, h.RequestID)
}

// --- Execution core ---

// executeSync drives a statement to a terminal response, polling the
// result URL while the server reports it in progress. When ctx is
// cancelled mid-flight the statement is aborted best-effort; the abort
// outcome never masks the original error.
func (s *Session) executeSync(ctx context.Context, sql string, describe bool, binds []any) (*queryData, error) {
	requestID := requestIDFrom(ctx)

	envelope, data, err := s.submitStatement(ctx, requestID, sql, false, describe, binds)
	if err != nil {
		s.abortOnCancel(ctx, requestID, err)
		return nil, err
	}

	if queryInProgress(envelope, data) {
		envelope, data, err = s.waitForResult(ctx, data.GetResultURL)
		if err != nil {
			s.abortOnCancel(ctx, requestID, err)
			return nil, err
		}
	}

	if !envelope.Success {
		return nil, statementError(envelope, data)
	}

	s.updateContext(data)
	return data, nil
}

// submitStatement posts one query-request. The response envelope is
// returned alongside its decoded data; a failure envelope still decodes,
// because error payloads carry the query id and SQL state.
func (s *Session) submitStatement(ctx context.Context, requestID, sql string, async, describe bool, binds []any) (*serverResponse, *queryData, error) {
	bindings, err := buildBindings(sql, binds)
	if err != nil {
		return nil, nil, err
	}

	body := &queryRequest{
		SQLText:             sql,
		AsyncExec:           async,
		SequenceID:          s.nextSequenceID(),
		QuerySubmissionTime: time.Now().UnixMilli(),
		IsInternal:          false,
		DescribeOnly:        describe,
		Bindings:            bindings,
		QueryContext:        &queryContextDTO{},
	}
	query := url.Values{
		"requestId":    {requestID},
		"request_guid": {uuid.NewString()},
	}

	// The requestId deduplicates resubmissions server-side, making the
	// POST safe to retry.
	call := newCallContext(http.MethodPost)
	call.allowPostRetry = true

	envelope, err := s.doREST(ctx, http.MethodPost, queryPath, query, body, call)
	if err != nil {
		return nil, nil, err
	}

	data, err := decodeQueryData(envelope)
	if err != nil {
		return nil, nil, err
	}

	log.Debug().
		Bool("success", envelope.Success).
		Bool("has_data", data.hasTabularData()).
		Str("query_id", data.QueryID).
		Str("result_url", data.GetResultURL).
		Msg("submitted statement")
	return envelope, data, nil
}

// waitForResult polls resultURL until the statement reaches a terminal
// state, starting with an immediate look, then the short-poll burst, then
// the retry policy's exponential backoff without jitter. The overall wait
// is bounded by the policy's elapsed budget and by ctx.
func (s *Session) waitForResult(ctx context.Context, resultURL string) (*serverResponse, *queryData, error) {
	if resultURL == "" {
		return nil, nil, newError(KindProtocol, "poll result",
			"server reported an in-progress statement without a result URL")
	}

	policy := s.client.retry.policy
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, policy.MaxElapsed)
	defer cancel()

	// Results of short statements land within single-digit milliseconds,
	// so look once before sleeping at all.
	envelope, data, err := s.pollResult(ctx, resultURL)
	if err != nil {
		return nil, nil, err
	}
	if pollDone(envelope, data) {
		return envelope, data, nil
	}

	attempt := 0
	sleepMS := float64(policy.InitialBackoff.Milliseconds())
	pollPolicy := policy
	pollPolicy.Jitter = JitterNone

	for {
		elapsed := time.Since(start)
		if elapsed >= policy.MaxElapsed {
			return nil, nil, &RetryError{Reason: ReasonDeadlineExceeded, Elapsed: elapsed, Budget: policy.MaxElapsed}
		}

		var delay time.Duration
		if attempt < len(shortPollDelays) {
			delay = shortPollDelays[attempt]
		} else {
			sleepMS, delay = nextDelay(sleepMS, pollPolicy)
		}
		attempt++

		if elapsed+delay >= policy.MaxElapsed {
			return nil, nil, &RetryError{Reason: ReasonDeadlineExceeded, Elapsed: elapsed + delay, Budget: policy.MaxElapsed}
		}
		if err := sleepContext(ctx, delay); err != nil {
			return nil, nil, err
		}

		envelope, data, err = s.pollResult(ctx, resultURL)
		if err != nil {
			return nil, nil, err
		}
		if pollDone(envelope, data) {
			return envelope, data, nil
		}
	}
}

func (s *Session) pollResult(ctx context.Context, resultURL string) (*serverResponse, *queryData, error) {
	envelope, err := s.doREST(ctx, http.MethodGet, resultURL, nil, nil, newCallContext(http.MethodGet))
	if err != nil {
		return nil, nil, err
	}
	data, err := decodeQueryData(envelope)
	if err != nil {
		return nil, nil, err
	}
	log.Debug().
		Bool("success", envelope.Success).
		Bool("has_data", data.hasTabularData()).
		Str("query_id", data.QueryID).
		Msg("polled statement result")
	return envelope, data, nil
}

func decodeQueryData(envelope *serverResponse) (*queryData, error) {
	data := &queryData{}
	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, data); err != nil && envelope.Success {
			return nil, wrapError(KindProtocol, "decode query response", err)
		}
	}
	return data, nil
}

// queryInProgress reports whether the server parked the statement and
// pointed at a result URL to poll.
func queryInProgress(envelope *serverResponse, data *queryData) bool {
	switch envelope.Code {
	case codeQueryInProgress, codeQueryInProgress2:
		return true
	}
	return data.GetResultURL != "" && !data.hasTabularData()
}

// pollDone reports whether a poll response is terminal. A failure that
// still carries a result URL stays pending: the coordinator answers for
// statements it has already handed off.
func pollDone(envelope *serverResponse, data *queryData) bool {
	if envelope.Success {
		return data.GetResultURL == "" || data.hasTabularData()
	}
	return data.GetResultURL == ""
}

// statementError maps a failed exec envelope onto the server error kind,
// keeping the query's identifiers.
func statementError(envelope *serverResponse, data *queryData) error {
	return &Error{
		Kind:     KindServer,
		Op:       "execute statement",
		Message:  envelope.Message,
		Code:     envelope.Code,
		QueryID:  data.QueryID,
		SQLState: data.SQLState,
	}
}

// abortOnCancel fires a best-effort abort for requestID when err stems
// from ctx being cancelled, so the server does not keep running a
// statement nobody waits for.
func (s *Session) abortOnCancel(ctx context.Context, requestID string, err error) {
	if ctx.Err() == nil || err == nil {
		return
	}
	abortCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if abortErr := s.Cancel(abortCtx, requestID); abortErr != nil {
		log.Debug().Err(abortErr).Str("request_id", requestID).Msg("abort after cancellation failed")
	}
}

// affectedRows sums the per-operation counts a DML statement reports in
// its single result row.
func affectedRows(data *queryData) (int64, error) {
	if !isDMLStatement(data.StatementTypeID) || len(data.RowSet) == 0 {
		return 0, nil
	}
	var total int64
	for _, cell := range data.RowSet[0] {
		if cell == nil {
			continue
		}
		n, err := strconv.ParseInt(*cell, 10, 64)
		if err != nil {
			return 0, wrapError(KindDecode, "affected rows", err)
		}
		total += n
	}
	return total, nil
}

// --- Bindings ---

// buildBindings converts positional bind values into the server's
// 1-indexed binding map. The placeholder count is validated first, before
// anything goes on the wire.
func buildBindings(sql string, binds []any) (map[string]bindParameter, error) {
	want := countPlaceholders(sql)
	if want != len(binds) {
		return nil, &Error{
			Kind:    KindBindArity,
			Op:      "bind",
			Message: fmt.Sprintf("statement has %d placeholders but %d bind values were given", want, len(binds)),
		}
	}
	if len(binds) == 0 {
		return nil, nil
	}

	out := make(map[string]bindParameter, len(binds))
	for i, v := range binds {
		p, err := bindValue(v)
		if err != nil {
			return nil, err
		}
		out[strconv.Itoa(i+1)] = p
	}
	return out, nil
}

// countPlaceholders counts ? markers outside single-quoted literals.
// Doubled quotes inside a literal escape themselves.
func countPlaceholders(sql string) int {
	count := 0
	inString := false
	for i := 0; i < len(sql); i++ {
		switch ch := sql[i]; {
		case ch == '\'':
			if inString && i+1 < len(sql) && sql[i+1] == '\'' {
				i++
				continue
			}
			inString = !inString
		case ch == '?' && !inString:
			count++
		}
	}
	return count
}

// bindValue maps one Go value onto the wire's {type, value} pair. Values
// travel as strings; nil becomes a typed NULL.
func bindValue(v any) (bindParameter, error) {
	if v == nil {
		return bindParameter{Type: bindTypeText}, nil
	}
	switch x := v.(type) {
	case time.Time:
		return stringBind(bindTypeTimestampLTZ, strconv.FormatInt(x.UnixNano(), 10)), nil
	case []byte:
		if x == nil {
			return bindParameter{Type: bindTypeBinary}, nil
		}
		return stringBind(bindTypeBinary, hex.EncodeToString(x)), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return stringBind(bindTypeFixed, strconv.FormatInt(rv.Int(), 10)), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return stringBind(bindTypeFixed, strconv.FormatUint(rv.Uint(), 10)), nil
	case reflect.Float32, reflect.Float64:
		return stringBind(bindTypeReal, strconv.FormatFloat(rv.Float(), 'g', -1, 64)), nil
	case reflect.Bool:
		return stringBind(bindTypeBoolean, strconv.FormatBool(rv.Bool())), nil
	case reflect.String:
		return stringBind(bindTypeText, rv.String()), nil
	case reflect.Pointer:
		if rv.IsNil() {
			return bindParameter{Type: bindTypeText}, nil
		}
		return bindValue(rv.Elem().Interface())
	default:
		return bindParameter{}, newError(KindConfiguration, "bind", "unsupported bind value type %T", v)
	}
}

func stringBind(typ, value string) bindParameter {
	return bindParameter{Type: typ, Value: &value}
}

package sfcore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Status values the monitoring endpoint reports while a statement is still
// moving, keyed for O(1) membership checks.
var runningStatuses = map[string]struct{}{
	"RUNNING":                    {},
	"QUEUED":                     {},
	"QUEUED_REPAIRING_WAREHOUSE": {},
	"RESUMING_WAREHOUSE":         {},
	"BLOCKED":                    {},
	"NO_DATA":                    {},
}

const statusSuccess = "SUCCESS"

// QueryStatus is the server-side state of a statement as the monitoring
// endpoint reports it.
type QueryStatus struct {
	// ID is the query id the status belongs to.
	ID string
	// Status is the raw server status, e.g. RUNNING or FAILED_WITH_ERROR.
	Status string
	// ErrorCode and ErrorMessage are set for failed statements.
	ErrorCode    string
	ErrorMessage string
}

// IsRunning reports whether the statement is still queued or executing.
func (q *QueryStatus) IsRunning() bool {
	_, ok := runningStatuses[q.Status]
	return ok
}

// IsSuccess reports whether the statement finished successfully.
func (q *QueryStatus) IsSuccess() bool {
	return q.Status == statusSuccess
}

// IsError reports whether the statement reached a terminal failure state.
func (q *QueryStatus) IsError() bool {
	return !q.IsRunning() && !q.IsSuccess()
}

// QueryStatus looks up a statement on the monitoring endpoint. A query the
// server has no record of yet reports NO_DATA, which counts as running.
func (s *Session) QueryStatus(ctx context.Context, queryID string) (*QueryStatus, error) {
	if queryID == "" {
		return nil, newError(KindConfiguration, "query status", "empty query id")
	}

	path := monitoringPath + url.PathEscape(queryID)
	envelope, err := s.doREST(ctx, http.MethodGet, path, nil, nil, newCallContext(http.MethodGet))
	if err != nil {
		return nil, err
	}

	var data monitoringData
	if err := unwrapEnvelope(envelope, "query status", KindServer, &data); err != nil {
		return nil, err
	}
	if len(data.Queries) == 0 {
		return &QueryStatus{ID: queryID, Status: "NO_DATA"}, nil
	}

	entry := data.Queries[0]
	status := entry.Status
	if status == "" {
		status = entry.State
	}
	return &QueryStatus{
		ID:           entry.ID,
		Status:       status,
		ErrorCode:    codeString(entry.ErrorCode),
		ErrorMessage: entry.ErrorMessage,
	}, nil
}

// codeString renders the errorCode field, which the server serializes as
// either a JSON number or a string.
func codeString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

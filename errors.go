package sfcore

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrorKind classifies driver errors into stable, machine-readable
// categories. Programs that need to branch on failure mode should compare
// kinds rather than match error strings, which are not part of the API
// contract.
type ErrorKind string

const (
	// KindConfiguration indicates invalid or incomplete client
	// configuration detected before any network I/O.
	KindConfiguration ErrorKind = "configuration"

	// KindAuthentication indicates the server rejected the supplied
	// credentials, or a token could not be produced locally.
	KindAuthentication ErrorKind = "authentication"

	// KindNetwork indicates a transport-level failure: connection refused,
	// TLS handshake error, timeout, or a broken response body.
	KindNetwork ErrorKind = "network"

	// KindProtocol indicates the server answered with something the driver
	// cannot interpret: malformed JSON, a missing required field, or an
	// unexpected status code.
	KindProtocol ErrorKind = "protocol"

	// KindServer indicates the server processed the request and reported a
	// failure of its own, such as a SQL compilation error. The Code and
	// SQLState fields carry the server's diagnostics.
	KindServer ErrorKind = "server"

	// KindRetryExhausted indicates the retry executor gave up. Errors of
	// this kind are always *RetryError.
	KindRetryExhausted ErrorKind = "retry_exhausted"

	// KindBindArity indicates the number of bind parameters does not match
	// the number of placeholders in the statement text.
	KindBindArity ErrorKind = "bind_arity"

	// KindDecode indicates a result set chunk could not be decoded. Decode
	// errors are fatal to the result stream that produced them.
	KindDecode ErrorKind = "decode"

	// KindUnsupportedCompression indicates a stage file uses a compression
	// format the driver recognizes but cannot handle.
	KindUnsupportedCompression ErrorKind = "unsupported_compression"

	// KindUseAfterClose indicates an operation was attempted on a closed
	// session, statement, or result stream.
	KindUseAfterClose ErrorKind = "use_after_close"
)

// Error is the driver's primary error type. Every failure surfaced by this
// package is either an *Error, a *RetryError, or wraps one of the two.
type Error struct {
	// Kind is the stable category of the failure.
	Kind ErrorKind

	// Op is the operation that failed, e.g. "session.login" or
	// "statement.execute".
	Op string

	// Message is the human-readable description.
	Message string

	// Code is the server-assigned error code, if the server reported one
	// (e.g. "390112" for an expired session token).
	Code string

	// SQLState is the five-character SQLSTATE reported by the server, if
	// any.
	SQLState string

	// QueryID identifies the server-side query the error relates to, if
	// known.
	QueryID string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Code != "" && e.QueryID != "":
		return fmt.Sprintf("sfcore: %s: %s (code: %s, query: %s)", e.Op, msg, e.Code, e.QueryID)
	case e.Code != "":
		return fmt.Sprintf("sfcore: %s: %s (code: %s)", e.Op, msg, e.Code)
	case e.Op != "":
		return fmt.Sprintf("sfcore: %s: %s", e.Op, msg)
	default:
		return fmt.Sprintf("sfcore: %s", msg)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// newError builds an *Error with a formatted message.
func newError(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// wrapError builds an *Error around a cause.
func wrapError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the ErrorKind from err, unwrapping as needed. It returns
// the empty string when err carries no kind.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var re *RetryError
	if errors.As(err, &re) {
		return KindRetryExhausted
	}
	return ""
}

// --- Retry exhaustion ---

// RetryReason explains why the retry executor stopped retrying.
type RetryReason string

const (
	// ReasonMaxAttempts means the configured attempt budget was consumed
	// while the request was still failing retryably.
	ReasonMaxAttempts RetryReason = "max_attempts"

	// ReasonRetryAfterExceedsDeadline means the server asked for a longer
	// pause than the remaining time budget allows. The executor fails
	// immediately instead of sleeping through the deadline.
	ReasonRetryAfterExceedsDeadline RetryReason = "retry_after_exceeds_deadline"

	// ReasonDeadlineExceeded means the overall elapsed-time budget ran out
	// between attempts.
	ReasonDeadlineExceeded RetryReason = "deadline_exceeded"
)

// RetryError reports that the retry executor exhausted one of its budgets.
// It records which budget ran out, how many attempts were made, and the
// last failure observed, so callers can distinguish "the server kept saying
// 503" from "the server asked us to wait longer than we had".
type RetryError struct {
	// Reason is the specific budget that was exhausted.
	Reason RetryReason

	// Attempts is the number of attempts performed.
	Attempts int

	// LastStatus is the HTTP status of the final retryable response, or
	// zero when the final failure was a transport error.
	LastStatus int

	// Delay is the pause that would have exceeded the remaining budget.
	// Only set when Reason is ReasonRetryAfterExceedsDeadline.
	Delay time.Duration

	// Remaining is the time budget left when Delay was rejected.
	Remaining time.Duration

	// Elapsed and Budget describe the elapsed-time exhaustion when Reason
	// is ReasonDeadlineExceeded.
	Elapsed time.Duration
	Budget  time.Duration

	// Err is the last underlying transport error, if any.
	Err error
}

// Error implements the error interface.
func (e *RetryError) Error() string {
	switch e.Reason {
	case ReasonMaxAttempts:
		return fmt.Sprintf("sfcore: max attempts (%d) reached; last status %d", e.Attempts, e.LastStatus)
	case ReasonRetryAfterExceedsDeadline:
		return fmt.Sprintf("sfcore: retry delay %s exceeds remaining budget %s (after %d attempts)", e.Delay, e.Remaining, e.Attempts)
	case ReasonDeadlineExceeded:
		return fmt.Sprintf("sfcore: deadline exceeded after %s (budget %s)", e.Elapsed, e.Budget)
	default:
		return fmt.Sprintf("sfcore: retries exhausted after %d attempts", e.Attempts)
	}
}

// Unwrap returns the last underlying transport error, if any.
func (e *RetryError) Unwrap() error {
	return e.Err
}

// --- HTTP error responses ---

// ResponseError represents an HTTP response the driver did not expect and
// will not retry. It preserves the response so callers can inspect headers
// and status.
type ResponseError struct {
	// Response is the original HTTP response.
	Response *http.Response

	// Body is the response body, already drained and closed.
	Body string
}

// Error implements the error interface.
func (e *ResponseError) Error() string {
	msg := e.Body
	if len(msg) > 256 {
		msg = msg[:256] + "..."
	}
	return fmt.Sprintf("sfcore: unexpected response %d: %s", e.Response.StatusCode, msg)
}

// newResponseError drains resp.Body and wraps resp in a *ResponseError.
func newResponseError(resp *http.Response) error {
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return wrapError(KindNetwork, "read response", err)
	}
	return &ResponseError{Response: resp, Body: string(b)}
}

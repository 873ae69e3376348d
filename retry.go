package sfcore

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Retry defaults. These match the warehouse service's published guidance:
// a short, decorrelated burst of attempts bounded by a two-minute wall
// clock.
const (
	DefaultMaxAttempts    = 6
	DefaultInitialBackoff = 50 * time.Millisecond
	DefaultMaxBackoff     = 1500 * time.Millisecond
	DefaultBackoffFactor  = 2.0
	DefaultMaxElapsed     = 120 * time.Second
)

// Jitter selects how the exponential backoff series is randomized.
type Jitter string

const (
	// JitterNone grows the delay deterministically: min(prev*factor, cap).
	JitterNone Jitter = "none"

	// JitterFull draws each delay uniformly from [0, min(prev*factor, cap)].
	JitterFull Jitter = "full"

	// JitterDecorrelated draws each delay uniformly from
	// [base, min(prev*3, cap)], feeding the drawn value back as prev. This
	// is the default: it spreads thundering herds without collapsing the
	// delay to zero.
	JitterDecorrelated Jitter = "decorrelated"
)

// RetryPolicy controls the retry executor. Every knob is explicit; there is
// no hidden adaptive behavior. The zero value is not usable, call
// DefaultRetryPolicy or Config.ApplyDefaults.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `koanf:"max_attempts"`

	// InitialBackoff seeds the backoff series.
	InitialBackoff time.Duration `koanf:"initial_backoff"`

	// MaxBackoff caps any single delay.
	MaxBackoff time.Duration `koanf:"max_backoff"`

	// BackoffFactor is the multiplier applied between attempts.
	BackoffFactor float64 `koanf:"backoff_factor"`

	// Jitter selects the randomization mode.
	Jitter Jitter `koanf:"jitter"`

	// MaxElapsed bounds the wall-clock time spent across all attempts and
	// delays. The executor never sleeps through this deadline: a delay
	// that would exceed it fails immediately instead.
	MaxElapsed time.Duration `koanf:"max_elapsed"`

	// RetrySafeReads permits retries of GET, HEAD and OPTIONS requests.
	RetrySafeReads bool `koanf:"retry_safe_reads"`

	// RetryIdempotentWrites permits retries of PUT and DELETE requests.
	RetryIdempotentWrites bool `koanf:"retry_idempotent_writes"`

	// RetryPostPatch permits retries of POST and PATCH requests globally.
	// Individual calls can opt in instead when the request carries a
	// deduplicating request ID.
	RetryPostPatch bool `koanf:"retry_post_patch"`

	// RetryableStatuses overrides the set of HTTP statuses considered
	// retryable. When nil, the default set applies: 408, 429, 307, 308 and
	// all 5xx.
	RetryableStatuses []int `koanf:"retryable_statuses"`
}

// DefaultRetryPolicy returns the policy used when the caller configures
// nothing: 6 attempts, 50ms..1.5s decorrelated backoff, 120s overall.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:           DefaultMaxAttempts,
		InitialBackoff:        DefaultInitialBackoff,
		MaxBackoff:            DefaultMaxBackoff,
		BackoffFactor:         DefaultBackoffFactor,
		Jitter:                JitterDecorrelated,
		MaxElapsed:            DefaultMaxElapsed,
		RetrySafeReads:        true,
		RetryIdempotentWrites: true,
		RetryPostPatch:        false,
	}
}

func (p RetryPolicy) validate() error {
	if p.MaxAttempts < 1 {
		return newError(KindConfiguration, "retry", "max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialBackoff <= 0 {
		return newError(KindConfiguration, "retry", "initial backoff must be positive, got %s", p.InitialBackoff)
	}
	if p.MaxBackoff < p.InitialBackoff {
		return newError(KindConfiguration, "retry", "max backoff %s is below initial backoff %s", p.MaxBackoff, p.InitialBackoff)
	}
	if p.BackoffFactor < 1 {
		return newError(KindConfiguration, "retry", "backoff factor must be >= 1, got %g", p.BackoffFactor)
	}
	if p.MaxElapsed <= 0 {
		return newError(KindConfiguration, "retry", "max elapsed must be positive, got %s", p.MaxElapsed)
	}
	switch p.Jitter {
	case JitterNone, JitterFull, JitterDecorrelated:
	default:
		return newError(KindConfiguration, "retry", "unknown jitter mode %q", p.Jitter)
	}
	return nil
}

// retryableStatus reports whether status warrants another attempt.
func (p RetryPolicy) retryableStatus(status int) bool {
	if p.RetryableStatuses != nil {
		for _, s := range p.RetryableStatuses {
			if s == status {
				return true
			}
		}
		return false
	}
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return status >= 500 && status <= 599
}

// callContext carries the per-call retry-safety flags. Retrying is never
// inferred from the payload: a call is retried only when its verb class is
// enabled in the policy or the call explicitly opts in here.
type callContext struct {
	// idempotent marks the request as safe to repeat server-side,
	// regardless of verb. PUT and DELETE default to true.
	idempotent bool

	// allowPostRetry permits retrying this particular POST or PATCH, used
	// when the request carries a deduplicating request ID.
	allowPostRetry bool
}

// newCallContext returns the default flags for an HTTP method.
func newCallContext(method string) callContext {
	return callContext{
		idempotent: method == http.MethodPut || method == http.MethodDelete,
	}
}

func (p RetryPolicy) allowRetry(method string, call callContext) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return p.RetrySafeReads
	case http.MethodPut, http.MethodDelete:
		return p.RetryIdempotentWrites || call.idempotent
	case http.MethodPost, http.MethodPatch:
		return p.RetryPostPatch || call.allowPostRetry
	default:
		return false
	}
}

// --- Retry executor ---

// retryExecutor drives a single HTTP request through the retry policy. It
// is stateless between calls; all per-call state lives on the stack.
type retryExecutor struct {
	policy RetryPolicy
}

// do performs req with retries. On a 2xx or non-retryable status the
// response is returned unconsumed for the caller to interpret. Exhaustion
// surfaces as *RetryError carrying the last transport error or status; a
// non-retryable transport failure surfaces as the transport error itself.
//
// The request body must be replayable: either nil or with GetBody set
// (http.NewRequest does this for the common reader types).
func (re *retryExecutor) do(hc *http.Client, req *http.Request, call callContext) (*http.Response, error) {
	p := re.policy
	ctx := req.Context()
	prevMS := float64(p.InitialBackoff.Milliseconds())
	start := time.Now()
	attempt := 0

	for {
		attempt++
		elapsed := time.Since(start)
		if elapsed >= p.MaxElapsed {
			return nil, &RetryError{
				Reason:   ReasonDeadlineExceeded,
				Attempts: attempt - 1,
				Elapsed:  elapsed,
				Budget:   p.MaxElapsed,
			}
		}
		// The budget is the earlier of MaxElapsed and the request
		// context's own deadline, so a Retry-After past either fails
		// fast instead of sleeping into it.
		remaining := p.MaxElapsed - elapsed
		if dl, ok := ctx.Deadline(); ok {
			if until := time.Until(dl); until < remaining {
				remaining = until
			}
		}

		if attempt > 1 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, wrapError(KindNetwork, "rewind request body", err)
			}
			req.Body = body
		}

		resp, err := hc.Do(req)
		if err != nil {
			if !isRetryableNetError(err) || !p.allowRetry(req.Method, call) {
				return nil, err
			}
			if attempt >= p.MaxAttempts {
				return nil, &RetryError{
					Reason:   ReasonMaxAttempts,
					Attempts: attempt,
					Err:      err,
				}
			}
			var delay time.Duration
			prevMS, delay = nextDelay(prevMS, p)
			if delay > remaining {
				return nil, &RetryError{
					Reason:    ReasonRetryAfterExceedsDeadline,
					Attempts:  attempt,
					Delay:     delay,
					Remaining: remaining,
					Err:       err,
				}
			}
			log.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).
				Str("method", req.Method).Str("path", req.URL.Path).
				Msg("retrying on connection error")
			if err := sleepContext(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		if !p.retryableStatus(resp.StatusCode) || !p.allowRetry(req.Method, call) {
			// Non-retryable status: surface the response to the caller.
			return resp, nil
		}
		if attempt >= p.MaxAttempts {
			status := resp.StatusCode
			drainBody(resp)
			return nil, &RetryError{
				Reason:     ReasonMaxAttempts,
				Attempts:   attempt,
				LastStatus: status,
			}
		}

		retryAfter, hasRetryAfter := parseRetryAfter(resp)
		status := resp.StatusCode
		drainBody(resp)

		var delay time.Duration
		prevMS, delay = nextDelay(prevMS, p)
		// A server-provided Retry-After floors the delay; backoff still
		// advances so the series keeps growing if the hint disappears.
		if hasRetryAfter && retryAfter > delay {
			delay = retryAfter
		}
		if delay > remaining {
			return nil, &RetryError{
				Reason:     ReasonRetryAfterExceedsDeadline,
				Attempts:   attempt,
				LastStatus: status,
				Delay:      delay,
				Remaining:  remaining,
			}
		}
		log.Debug().Int("attempt", attempt).Int("status", status).Dur("delay", delay).
			Str("method", req.Method).Str("path", req.URL.Path).
			Msg("retrying request")
		if err := sleepContext(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// nextDelay advances the backoff series. It returns the new series state in
// milliseconds and the delay to sleep.
func nextDelay(prevMS float64, p RetryPolicy) (float64, time.Duration) {
	baseMS := float64(p.InitialBackoff.Milliseconds())
	capMS := float64(p.MaxBackoff.Milliseconds())

	var nextMS float64
	switch p.Jitter {
	case JitterFull:
		upper := max(prevMS, baseMS) * p.BackoffFactor
		if upper > capMS {
			upper = capMS
		}
		nextMS = rand.Float64() * upper
	case JitterDecorrelated:
		upper := max(prevMS, baseMS) * 3
		if upper > capMS {
			upper = capMS
		}
		if upper < baseMS {
			upper = baseMS
		}
		nextMS = baseMS + rand.Float64()*(upper-baseMS)
	default:
		nextMS = max(prevMS, baseMS) * p.BackoffFactor
		if nextMS > capMS {
			nextMS = capMS
		}
	}
	return nextMS, time.Duration(nextMS * float64(time.Millisecond))
}

// parseRetryAfter reads an integer-seconds Retry-After header. HTTP-date
// values are ignored.
func parseRetryAfter(resp *http.Response) (time.Duration, bool) {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(h)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// isRetryableNetError returns true for transient network errors that warrant
// a retry (connection refused, DNS failures, connection reset, network
// timeouts). Context cancellation and deadline exceeded errors are NOT
// retried.
func isRetryableNetError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// sleepContext sleeps for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if err := resp.Body.Close(); err != nil {
		log.Debug().Err(err).Msg("failed to close response body")
	}
}

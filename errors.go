package famulus

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrJobCancelled is returned by the LLM client and the agent loop when the
// job's cancellation flag is observed. Treated as a distinguished result,
// not a failure: the worker maps it to status "cancelled".
var ErrJobCancelled = errors.New("job cancelled")

// ErrLLM wraps a provider-level failure that is not a transport error.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP carries a transport failure. The retry layer inspects Status to
// decide whether the error is transient, and honors RetryAfter as a delay
// floor when the server sent one.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrThinkingOrder signals that the provider rejected the request because of
// thinking-block placement (a thinking block preceding a non-thinking block,
// or thinking disabled mid-conversation). The client retries once with
// thinking blocks stripped from history.
type ErrThinkingOrder struct {
	Detail string
}

func (e *ErrThinkingOrder) Error() string {
	return "thinking block order rejected: " + e.Detail
}

// ErrConstraint wraps a store invariant violation (foreign key, uniqueness,
// not-found on a required row). Helpers never swallow these.
type ErrConstraint struct {
	Entity string
	Detail string
}

func (e *ErrConstraint) Error() string {
	return "constraint violation on " + e.Entity + ": " + e.Detail
}

// ParseRetryAfter parses an HTTP Retry-After header value in delay-seconds
// form. Returns 0 for empty, malformed, or HTTP-date values.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

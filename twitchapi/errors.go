package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// Soft conditions: the call was never issued (or the server asked us to back
// off) and the task should simply report "could not run" without log noise.
var (
	// ErrAuthUnavailable means no access token is loaded yet for the identity.
	ErrAuthUnavailable = errors.New("access token not available")
	// ErrBudgetExhausted means the admission gate rejected the call.
	ErrBudgetExhausted = errors.New("api call budget exhausted")
)

// RateLimitedError is returned on a 429; the budget has already been zeroed.
type RateLimitedError struct {
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.ResetAt.Format(time.RFC3339))
}

// MissingScopeError marks a persistent precondition failure: the credential
// lacks an OAuth scope the endpoint requires. Callers warn once and keep
// rechecking scope availability instead of retrying the call.
type MissingScopeError struct {
	Scope string
}

func (e *MissingScopeError) Error() string {
	return fmt.Sprintf("missing oauth scope %s", e.Scope)
}

// HTTPError is a non-429 4xx/5xx response with enough context to log.
type HTTPError struct {
	StatusCode int
	Method     string
	Endpoint   string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s - %d\n%s", e.Method, e.Endpoint, e.StatusCode, e.Body)
}

// IsSoft reports whether err is a condition a task should answer with
// state=false and no error logging: auth not ready, budget exhausted, or a
// 429 that already zeroed the budget.
func IsSoft(err error) bool {
	if errors.Is(err, ErrAuthUnavailable) || errors.Is(err, ErrBudgetExhausted) {
		return true
	}
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

// IsTransient reports connection resets, refusals, and timeouts. Best-effort
// callers (e.g. account-age lookups) swallow these silently.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ETIMEDOUT)
}

// HTTPStatus extracts the status code from an HTTPError or RateLimitedError
// chain; 0 when the error carries none (network failures, decode errors).
func HTTPStatus(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return 429
	}
	return 0
}

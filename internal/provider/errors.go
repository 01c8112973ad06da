package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// APIError is a classified provider failure. Status 0 means a transport
// failure before any HTTP response.
type APIError struct {
	Provider   string
	Status     int
	Message    string
	RetryAfter time.Duration // 0 = no server hint
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Message)
}

// Retryable reports whether the failure is transient: rate limits, server
// errors, request timeouts, and transport-level failures.
func (e *APIError) Retryable() bool {
	switch e.Status {
	case 0, 408, 409, 429:
		return true
	}
	return e.Status >= 500
}

// Retryable classifies any error from a provider call. Cancellation is never
// retryable; unknown network errors are.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// RetryAfterHint extracts a server-supplied retry-after delay, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter, true
	}
	return 0, false
}

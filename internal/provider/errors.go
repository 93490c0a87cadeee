package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// TransientError is a failure worth retrying: network trouble, 5xx, or a
// rate limit.
type TransientError struct {
	Provider string
	Status   int
	Err      error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: transient (status %d): %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: transient: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is a failure that will not improve on retry: bad credentials,
// unknown model, malformed request, exhausted quota.
type FatalError struct {
	Provider string
	Status   int
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: fatal (status %d): %v", e.Provider, e.Status, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// TimeoutError reports that the adapter-local deadline elapsed.
type TimeoutError struct {
	Provider string
	After    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: provider timeout after %s", e.Provider, e.After)
}

// IsRetryable reports whether err is a transient failure or a timeout.
func IsRetryable(err error) bool {
	var te *TransientError
	var to *TimeoutError
	return errors.As(err, &te) || errors.As(err, &to)
}

// IsFatal reports whether err is a non-retryable provider failure.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsClientError reports whether err is a provider rejecting this particular
// request (bad payload, unknown model, context too long). Such errors say
// nothing about the provider's health. Authentication and quota failures
// are not client errors: every later request would fail the same way.
func IsClientError(err error) bool {
	var fe *FatalError
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return false
	}
	return fe.Status >= 400 && fe.Status < 500
}

// classifyStatus maps a non-2xx provider response to an error type.
func classifyStatus(provider string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	cause := fmt.Errorf("status %d: %s", status, msg)

	switch {
	case status == http.StatusTooManyRequests:
		// Providers use 429 for both rate limits and hard quota exhaustion.
		if strings.Contains(msg, "insufficient_quota") || strings.Contains(msg, "quota_exceeded") {
			return &FatalError{Provider: provider, Status: status, Err: cause}
		}
		return &TransientError{Provider: provider, Status: status, Err: cause}
	case status >= 500 || status == http.StatusRequestTimeout:
		return &TransientError{Provider: provider, Status: status, Err: cause}
	default:
		return &FatalError{Provider: provider, Status: status, Err: cause}
	}
}

// classifyTransport maps a failed round trip. callCtx carries the adapter
// deadline; parent is the caller's context.
func classifyTransport(provider string, parent, callCtx context.Context, timeout time.Duration, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Provider: provider, After: timeout}
	}
	return &TransientError{Provider: provider, Err: err}
}

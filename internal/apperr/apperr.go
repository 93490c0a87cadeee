// Package apperr defines the error kinds shared by every layer of the
// control plane and their mapping onto HTTP status codes and CLI exit codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel kinds. Wrap them with New / Wrap or fmt.Errorf("...: %w", Kind).
var (
	ErrValidation         = errors.New("invalid request")
	ErrUnauthenticated    = errors.New("authentication required")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("state conflict")
	ErrBudgetDenied       = errors.New("budget exhausted")
	ErrAllProvidersDown   = errors.New("all providers down")
	ErrNoEligibleModel    = errors.New("no eligible model")
	ErrPathTraversal      = errors.New("path escapes workspace")
	ErrAmbiguousFramework = errors.New("ambiguous framework")
	ErrCancelled          = errors.New("cancelled")
	ErrProcess            = errors.New("process failed")
)

// Error carries a kind, a user-facing message and optional structured detail.
type Error struct {
	Kind    error
	Message string
	Detail  map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// New creates an error of the given kind.
func New(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to a cause.
func Wrap(kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// WithDetail returns e with detail merged in.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

// DetailOf returns the structured detail of the first *Error in the chain.
func DetailOf(err error) map[string]any {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Detail
	}
	return nil
}

// HTTPStatus maps an error onto the status code the request surface returns.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrPathTraversal), errors.Is(err, ErrAmbiguousFramework):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrBudgetDenied):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrAllProvidersDown), errors.Is(err, ErrNoEligibleModel):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// CLI exit codes.
const (
	ExitOK                  = 0
	ExitFailure             = 1
	ExitUsage               = 2
	ExitProviderUnavailable = 65
	ExitBudgetDenied        = 66
)

// ExitCode maps an error onto the CLI exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrValidation):
		return ExitUsage
	case errors.Is(err, ErrAllProvidersDown), errors.Is(err, ErrNoEligibleModel):
		return ExitProviderUnavailable
	case errors.Is(err, ErrBudgetDenied):
		return ExitBudgetDenied
	}
	return ExitFailure
}

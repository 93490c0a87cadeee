package apperr_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.New(apperr.ErrValidation, "bad"), http.StatusBadRequest},
		{apperr.New(apperr.ErrPathTraversal, "../x"), http.StatusBadRequest},
		{apperr.ErrUnauthenticated, http.StatusUnauthorized},
		{apperr.New(apperr.ErrForbidden, "owner bob"), http.StatusForbidden},
		{fmt.Errorf("lookup: %w", apperr.ErrNotFound), http.StatusNotFound},
		{apperr.New(apperr.ErrConflict, "running"), http.StatusConflict},
		{apperr.New(apperr.ErrBudgetDenied, "cap"), http.StatusTooManyRequests},
		{apperr.ErrAllProvidersDown, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, apperr.HTTPStatus(tc.err), tc.err.Error())
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, apperr.ExitCode(nil))
	assert.Equal(t, 2, apperr.ExitCode(apperr.New(apperr.ErrValidation, "usage")))
	assert.Equal(t, 65, apperr.ExitCode(apperr.ErrAllProvidersDown))
	assert.Equal(t, 66, apperr.ExitCode(apperr.New(apperr.ErrBudgetDenied, "cap")))
	assert.Equal(t, 1, apperr.ExitCode(errors.New("other")))
}

func TestWrapKeepsCause(t *testing.T) {
	err := apperr.Wrap(apperr.ErrCancelled, context.Canceled, "flow %s", "f1")
	assert.ErrorIs(t, err, apperr.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "flow f1")

	err.WithDetail("step", 3)
	assert.Equal(t, 3, apperr.DetailOf(fmt.Errorf("outer: %w", err))["step"])
}

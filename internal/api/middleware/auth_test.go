package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/appforge/internal/api/middleware"
	"github.com/appforge/appforge/internal/auth"
	"github.com/appforge/appforge/internal/config"
	pkgmw "github.com/appforge/appforge/pkg/middleware"
)

// stack runs auth then owner resolution and reports the owner it saw.
func stack(cfg config.AuthConfig) (http.Handler, *string) {
	var seen string
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = pkgmw.GetOwner(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	am := middleware.NewAuthMiddleware(auth.FromConfig(cfg), cfg.RequireAuth)
	return am.Handler(middleware.OwnerExtractor(final)), &seen
}

func serve(h http.Handler, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAuthDisabledPassesThrough(t *testing.T) {
	h, owner := stack(config.AuthConfig{})

	w := serve(h, "/agents/tasks", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "anonymous", *owner)

	w = serve(h, "/agents/tasks", map[string]string{"X-Owner-Id": "alice"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", *owner)
}

func TestAPIKeys(t *testing.T) {
	h, owner := stack(config.AuthConfig{APIKeys: []string{"test-key-1", "test-key-2"}, RequireAuth: true})

	w := serve(h, "/agents/tasks", map[string]string{"Authorization": "Bearer test-key-1", "X-Owner-Id": "bob"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bob", *owner)

	w = serve(h, "/agents/tasks", map[string]string{"X-API-Key": "test-key-2"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Regexp(t, `^key-[0-9a-f]{16}$`, *owner)

	w = serve(h, "/agents/tasks?api_key=test-key-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(h, "/agents/tasks", map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"success":false`)

	w = serve(h, "/agents/tasks", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPublicPathsSkipAuth(t *testing.T) {
	h, _ := stack(config.AuthConfig{APIKeys: []string{"k"}, RequireAuth: true})
	for _, p := range []string{"/health", "/version", "/metrics", "/build/abc/download"} {
		assert.Equal(t, http.StatusOK, serve(h, p, nil).Code, p)
	}
	assert.Equal(t, http.StatusUnauthorized, serve(h, "/build/abc", nil).Code)
}

func TestServiceAccountTokenBindsOwner(t *testing.T) {
	secret := "sa-secret"
	h, owner := stack(config.AuthConfig{SASecret: secret, RequireAuth: true})

	token, err := auth.GenerateToken([]byte(secret), "ci", "carol", time.Hour)
	require.NoError(t, err)
	w := serve(h, "/agents/tasks", map[string]string{"X-Service-Token": token, "X-Owner-Id": "mallory"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "carol", *owner)

	unbound, err := auth.GenerateToken([]byte(secret), "ci", "", time.Hour)
	require.NoError(t, err)
	w = serve(h, "/agents/tasks", map[string]string{"X-Service-Token": unbound})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "svc-ci", *owner)

	forged, err := auth.GenerateToken([]byte("other"), "ci", "carol", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, serve(h, "/agents/tasks", map[string]string{"X-Service-Token": forged}).Code)
}

func TestInvalidOwnerRejected(t *testing.T) {
	h, _ := stack(config.AuthConfig{})
	w := serve(h, "/agents/tasks", map[string]string{"X-Owner-Id": "../etc"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

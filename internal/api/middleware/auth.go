package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/appforge/appforge/pkg/contracts"
	pkgmw "github.com/appforge/appforge/pkg/middleware"
)

// AuthMiddleware authenticates requests using the pluggable
// provider chain and stores the resulting Identity in context.
type AuthMiddleware struct {
	chain       contracts.Authenticator
	requireAuth bool
}

// NewAuthMiddleware creates the auth middleware. With requireAuth,
// unauthenticated requests to non-public paths are rejected.
func NewAuthMiddleware(chain contracts.Authenticator, requireAuth bool) *AuthMiddleware {
	return &AuthMiddleware{chain: chain, requireAuth: requireAuth}
}

// Handler returns the HTTP handler middleware that authenticates requests.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAuthPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := am.chain.Authenticate(r.Context(), r)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("Authentication failed")
			unauthorized(w, "authentication failed: "+err.Error())
			return
		}
		if identity == nil && am.requireAuth {
			unauthorized(w, "authentication required: set Authorization: Bearer <key>, X-API-Key, or X-Service-Token")
			return
		}

		next.ServeHTTP(w, r.WithContext(pkgmw.SetIdentity(r.Context(), identity)))
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="appforge"`)
	writeError(w, http.StatusUnauthorized, msg)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}

// isAuthPublicPath returns true for paths that skip authentication.
// Artifact downloads carry their own signed token.
func isAuthPublicPath(path string) bool {
	switch path {
	case "/health", "/version", "/metrics":
		return true
	}
	return isDownloadPath(path)
}

func isDownloadPath(path string) bool {
	return strings.HasPrefix(path, "/build/") && strings.HasSuffix(path, "/download")
}

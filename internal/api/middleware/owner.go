package middleware

import (
	"net/http"
	"strings"

	"github.com/appforge/appforge/internal/workspace"
	pkgmw "github.com/appforge/appforge/pkg/middleware"
)

// OwnerHeader names the workspace owner of a request.
const OwnerHeader = "X-Owner-Id"

// OwnerExtractor resolves the workspace owner of a request. A credential
// bound to an owner wins; then the X-Owner-Id header; then the identity
// subject; otherwise "anonymous". It must run after the auth middleware.
func OwnerExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := ""
		id := pkgmw.GetIdentity(r.Context())

		// Priority 1: owner bound to the credential
		if id != nil && id.Owner != "" {
			owner = id.Owner
		}

		// Priority 2: X-Owner-Id header
		if owner == "" {
			owner = strings.TrimSpace(r.Header.Get(OwnerHeader))
		}

		// Priority 3: identity subject
		if owner == "" && id != nil {
			owner = id.Subject
		}

		if owner == "" {
			owner = pkgmw.Anonymous
		}
		if !workspace.ValidSegment(owner) {
			writeError(w, http.StatusBadRequest, "invalid owner id "+owner)
			return
		}
		next.ServeHTTP(w, r.WithContext(pkgmw.SetOwner(r.Context(), owner)))
	})
}

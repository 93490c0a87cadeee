// Package handlers implements the HTTP and WebSocket handlers of the
// AppForge control plane. Handlers translate requests into orchestrator,
// supervisor and ledger calls and hold no state of their own.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/internal/artifact"
	"github.com/appforge/appforge/internal/budget"
	"github.com/appforge/appforge/internal/catalog"
	"github.com/appforge/appforge/internal/memory"
	"github.com/appforge/appforge/internal/process"
	"github.com/appforge/appforge/internal/resilience"
	"github.com/appforge/appforge/internal/store"
	"github.com/appforge/appforge/internal/workflow"
	"github.com/appforge/appforge/internal/workspace"
	pkgmw "github.com/appforge/appforge/pkg/middleware"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

const ownerHeader = "X-Owner-Id"

// Handlers holds all handler dependencies.
type Handlers struct {
	Version    string
	Store      store.Store
	Engine     *workflow.Engine
	Supervisor *process.Supervisor
	Artifacts  *artifact.Store
	Workspace  *workspace.Workspace
	Memory     *memory.Store
	Catalog    *catalog.Catalog
	Refresher  *catalog.Refresher // nil disables POST /models/refresh
	Health     *resilience.HealthTracker
	Budget     *budget.Ledger
	Metrics    http.Handler
	URLTTL     time.Duration
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{"success": false, "error": message})
}

// respondErr maps err onto its status code and the error body.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	body := map[string]any{"success": false, "error": err.Error()}
	if detail := apperr.DetailOf(err); len(detail) > 0 {
		body["detail"] = detail
	}
	respondJSON(w, status, body)
}

// decodeJSON reads the request body into v. An empty body leaves v as is.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperr.Wrap(apperr.ErrValidation, err, "malformed JSON body")
	}
	return nil
}

func owner(r *http.Request) string {
	return pkgmw.GetOwner(r.Context())
}

// ownerBound reports whether the caller's credential pins its owner.
func ownerBound(r *http.Request) bool {
	return pkgmw.BoundOwner(r.Context()) != ""
}

// listOwner returns the owner a listing is scoped to. ?owner= names one
// explicitly; otherwise the caller. With every, an anonymous caller that
// named nobody sees all owners. A bound credential only ever sees its own.
func listOwner(r *http.Request, every bool) (string, error) {
	o := owner(r)
	if q := strings.TrimSpace(r.URL.Query().Get("owner")); q != "" {
		o = q
	} else if every && o == pkgmw.Anonymous && pkgmw.GetIdentity(r.Context()) == nil &&
		r.Header.Get(ownerHeader) == "" {
		o = ""
	}
	if err := checkBound(r, o); err != nil {
		return "", err
	}
	return o, nil
}

// checkBound rejects a request naming an owner other than the one its
// credential is bound to.
func checkBound(r *http.Request, named string) error {
	if bound := pkgmw.BoundOwner(r.Context()); bound != "" && named != bound {
		return apperr.New(apperr.ErrForbidden, "credential is bound to owner %q", bound)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// projectRef names the project a preview or build request targets.
type projectRef struct {
	ProjectID   string `json:"project_id"`
	ProjectPath string `json:"project_path"`
}

// resolve returns (owner, project id). A project_path of the form
// projects/<owner>/<id> wins over the caller's owner unless the caller's
// credential is bound to a different owner.
func (p projectRef) resolve(r *http.Request) (string, string, error) {
	if p.ProjectPath != "" {
		o, id, ok := workspace.ParseProjectPath(p.ProjectPath)
		if !ok {
			return "", "", apperr.New(apperr.ErrValidation, "invalid project_path %q", p.ProjectPath)
		}
		if err := checkBound(r, o); err != nil {
			return "", "", err
		}
		return o, id, nil
	}
	id := strings.TrimSpace(p.ProjectID)
	if id == "" {
		return "", "", apperr.New(apperr.ErrValidation, "project_id is required")
	}
	if !workspace.ValidSegment(id) {
		return "", "", apperr.New(apperr.ErrValidation, "invalid project_id %q", id)
	}
	return owner(r), id, nil
}

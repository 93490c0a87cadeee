package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/internal/workspace"
	"github.com/appforge/appforge/pkg/models"
)

// ── Projects ─────────────────────────────────────────────────

func projectID(r *http.Request) (string, error) {
	id := chi.URLParam(r, "project_id")
	if !workspace.ValidSegment(id) {
		return "", apperr.New(apperr.ErrValidation, "invalid project_id %q", id)
	}
	return id, nil
}

// ListProjects handles GET /projects.
func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.Workspace.ListProjects(owner(r))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if projects == nil {
		projects = []*models.Project{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"projects": projects, "count": len(projects)})
}

// ListProjectFiles handles GET /projects/{project_id}/files.
func (h *Handlers) ListProjectFiles(w http.ResponseWriter, r *http.Request) {
	id, err := projectID(r)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	files, err := h.Workspace.ListFiles(owner(r), id)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if files == nil {
		files = []models.FileEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"project_id": id, "files": files, "count": len(files)})
}

// GetProjectMemory handles GET /projects/{project_id}/memory. The response
// carries the raw memory and the summary handed to the models.
func (h *Handlers) GetProjectMemory(w http.ResponseWriter, r *http.Request) {
	id, err := projectID(r)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	o := owner(r)
	pm, err := h.Memory.Load(o, id)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	summary, err := h.Memory.ContextForAI(o, id)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"project_id": id, "memory": pm, "context": summary})
}

type memoryRequest struct {
	Category  models.MemoryCategory `json:"category"`
	Key       string                `json:"key"`
	Value     any                   `json:"value"`
	Decision  string                `json:"decision"`
	Rationale string                `json:"rationale"`
	Feedback  string                `json:"feedback"`
	Rating    int                   `json:"rating"`
}

// UpdateProjectMemory handles POST /projects/{project_id}/memory. The body
// is one of {decision, rationale}, {feedback, rating} or
// {category, key, value}.
func (h *Handlers) UpdateProjectMemory(w http.ResponseWriter, r *http.Request) {
	id, err := projectID(r)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	var req memoryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}

	o := owner(r)
	switch {
	case req.Decision != "":
		err = h.Memory.AddDecision(o, id, req.Decision, req.Rationale)
	case req.Feedback != "":
		err = h.Memory.AddFeedback(o, id, req.Feedback, req.Rating)
	case req.Key != "":
		err = h.Memory.Remember(o, id, req.Category, req.Key, req.Value)
	default:
		err = apperr.New(apperr.ErrValidation, "one of decision, feedback or key is required")
	}
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// DeleteProjectMemory handles DELETE /projects/{project_id}/memory. With
// ?category=&key= one entry is forgotten; without, the whole file goes.
func (h *Handlers) DeleteProjectMemory(w http.ResponseWriter, r *http.Request) {
	id, err := projectID(r)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	o := owner(r)
	q := r.URL.Query()
	if key := q.Get("key"); key != "" {
		found, err := h.Memory.Forget(o, id, models.MemoryCategory(q.Get("category")), key)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		if !found {
			respondError(w, http.StatusNotFound, "memory entry "+key+" not found")
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}
	if err := h.Memory.Delete(o, id); err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

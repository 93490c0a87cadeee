package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/pkg/models"
)

// previewLogTail is how many buffered lines a status response carries.
const previewLogTail = 50

// previewKind maps the {framework} path segment onto a dev-server flavour.
func previewKind(r *http.Request) (models.PreviewKind, error) {
	name := chi.URLParam(r, "framework")
	fw := models.NormalizeFramework(name)
	if fw == "" {
		return "", apperr.New(apperr.ErrValidation, "unknown preview framework %q", name)
	}
	return models.PreviewKindFor(fw), nil
}

type startPreviewRequest struct {
	projectRef
	Wait bool `json:"wait"`
}

// StartPreview handles POST /preview/{framework}/start. The owner's running
// preview, if any, is replaced. With wait=true the response is held until
// the dev server reports ready.
func (h *Handlers) StartPreview(w http.ResponseWriter, r *http.Request) {
	kind, err := previewKind(r)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	var req startPreviewRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}
	o, pid, err := req.resolve(r)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	srv, err := h.Supervisor.StartPreview(r.Context(), o, pid, kind)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if req.Wait {
		if srv, err = h.Supervisor.WaitPreviewReady(r.Context(), srv.ID); err != nil {
			respondErr(w, r, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"server_id": srv.ID,
		"url":       srv.URL,
		"port":      srv.Port,
		"server":    srv,
	})
}

type serverRequest struct {
	ServerID  string `json:"server_id"`
	PreviewID string `json:"preview_id"`
}

func (s serverRequest) id() string {
	if s.ServerID != "" {
		return s.ServerID
	}
	return s.PreviewID
}

// StopPreview handles POST /preview/{framework}/stop. Without a server_id
// the caller's running preview is stopped.
func (h *Handlers) StopPreview(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}

	ids := []string{req.id()}
	if req.id() == "" {
		ids = ids[:0]
		for _, p := range h.Supervisor.ListPreviews(owner(r)) {
			if p.State == models.ProcessStarting || p.State == models.ProcessRunning {
				ids = append(ids, p.ID)
			}
		}
		if len(ids) == 0 {
			respondError(w, http.StatusNotFound, "no running preview for "+owner(r))
			return
		}
	}

	stopped := make([]*models.PreviewServer, 0, len(ids))
	for _, id := range ids {
		srv, err := h.Supervisor.StopPreview(r.Context(), id)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		stopped = append(stopped, srv)
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "stopped": stopped})
}

// ReloadPreview handles POST /preview/{framework}/reload.
func (h *Handlers) ReloadPreview(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}
	if req.id() == "" {
		respondError(w, http.StatusBadRequest, "server_id is required")
		return
	}
	if err := h.Supervisor.ReloadPreview(req.id()); err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "server_id": req.id()})
}

// PreviewStatus handles GET /preview/{framework}/status/{server_id}.
func (h *Handlers) PreviewStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "server_id")
	srv, err := h.Supervisor.PreviewStatus(id)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	logs, err := h.Supervisor.PreviewLogs(id, queryInt(r, "lines", previewLogTail))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"server": srv, "logs": logs})
}

// ListPreviews handles GET /preview/servers. Callers that name an owner
// (header, credential or ?owner=) see that owner's servers; an anonymous
// caller sees every server, each tagged with its owner.
func (h *Handlers) ListPreviews(w http.ResponseWriter, r *http.Request) {
	o, err := listOwner(r, true)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	servers := h.Supervisor.ListPreviews(o)
	if servers == nil {
		servers = []*models.PreviewServer{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"servers": servers, "count": len(servers)})
}

// StopAllPreviews handles POST /preview/stop_all.
func (h *Handlers) StopAllPreviews(w http.ResponseWriter, r *http.Request) {
	n, err := h.Supervisor.StopAll(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "stopped": n})
}

package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/appforge/appforge/internal/agents"
	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/internal/artifact"
	"github.com/appforge/appforge/pkg/models"
)

type startBuildRequest struct {
	projectRef
	Platform  string `json:"platform"`
	Framework string `json:"framework"`
}

// StartBuild handles POST /build/start. The build runs in the background;
// follow it on /build/ws/{build_id} or poll GET /build/{build_id}.
func (h *Handlers) StartBuild(w http.ResponseWriter, r *http.Request) {
	var req startBuildRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}
	o, pid, err := req.resolve(r)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	fw := models.NormalizeFramework(req.Framework)
	if fw == "" {
		if detected, err := h.Workspace.DetectFramework(o, pid); err == nil {
			fw = detected
		}
	}
	if fw == "" {
		fw = models.FrameworkFlutter
	}

	job, err := h.Supervisor.StartBuild(r.Context(), o, pid, agents.PlatformFor(req.Platform, fw))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"success":  true,
		"build_id": job.ID,
		"build":    job,
	})
}

// ListBuilds handles GET /build.
func (h *Handlers) ListBuilds(w http.ResponseWriter, r *http.Request) {
	o, err := listOwner(r, false)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	builds := h.Supervisor.ListBuilds(o)
	respondJSON(w, http.StatusOK, map[string]any{"builds": builds, "count": len(builds)})
}

// GetBuild handles GET /build/{build_id}. A succeeded build carries a
// signed download URL; ?lines=N adds the last N log events.
func (h *Handlers) GetBuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "build_id")
	job, err := h.Supervisor.GetBuild(id)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	resp := map[string]any{"build": job}
	if job.State == models.BuildSucceeded && len(job.Artifacts) > 0 {
		url, err := h.Artifacts.DownloadURL(id, h.URLTTL)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		resp["download_url"] = url
	}
	if n := queryInt(r, "lines", 0); n > 0 {
		if logs, err := h.Supervisor.BuildLogs(id, n); err == nil {
			resp["logs"] = logs
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// CancelBuild handles POST /build/{build_id}/cancel. Cancelling a finished
// build is a conflict.
func (h *Handlers) CancelBuild(w http.ResponseWriter, r *http.Request) {
	job, err := h.Supervisor.CancelBuild(r.Context(), chi.URLParam(r, "build_id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "build": job})
}

// DownloadBuild handles GET /build/{build_id}/download?token=. The token
// is the signature issued with the download URL. One artifact is served as
// is; several are zipped first.
func (h *Handlers) DownloadBuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "build_id")
	if err := h.Artifacts.Verify(id, r.URL.Query().Get("token")); err != nil {
		respondErr(w, r, err)
		return
	}
	job, err := h.Supervisor.GetBuild(id)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if job.State != models.BuildSucceeded || len(job.Artifacts) == 0 {
		respondErr(w, r, apperr.New(apperr.ErrNotFound, "build %s has no artifacts", id))
		return
	}
	dir, err := h.Workspace.Path(job.Owner, job.ProjectID)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	art := job.Artifacts[0]
	if len(job.Artifacts) > 1 {
		pkg, err := h.Artifacts.Package(r.Context(), id, dir, job.Artifacts)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		art = *pkg
	}
	f, err := h.Artifacts.Open(dir, id, art)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		respondErr(w, r, err)
		return
	}

	w.Header().Set("Content-Type", artifact.ContentType(art.Name))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Name))
	if art.SHA256 != "" {
		w.Header().Set("X-Checksum-Sha256", art.SHA256)
	}
	http.ServeContent(w, r, art.Name, info.ModTime(), f)
}

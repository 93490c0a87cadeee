package handlers

import (
	"math"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/appforge/appforge/internal/agents"
	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/internal/workflow"
	"github.com/appforge/appforge/internal/workspace"
	"github.com/appforge/appforge/pkg/models"
)

// ── Health & info ────────────────────────────────────────────

// HealthCheck handles GET /health.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy", "service": "appforge"}
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			resp["status"] = "degraded"
			resp["error"] = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// VersionInfo handles GET /version.
func (h *Handlers) VersionInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"version":    h.Version,
		"service":    "appforge",
		"pipelines":  workflow.PipelineTypes(),
		"task_types": agents.TaskTypes(),
		"platforms":  h.Supervisor.Platforms(),
	})
}

// ServeMetrics handles GET /metrics.
func (h *Handlers) ServeMetrics(w http.ResponseWriter, r *http.Request) {
	if h.Metrics == nil {
		respondError(w, http.StatusNotFound, "metrics are disabled")
		return
	}
	h.Metrics.ServeHTTP(w, r)
}

// ── Models ───────────────────────────────────────────────────

// ListModels handles GET /models?provider=&capability=.
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("provider")
	capability := models.Capability(r.URL.Query().Get("capability"))

	out := []models.ModelDescriptor{}
	for _, m := range h.Catalog.All() {
		if provider != "" && m.Provider != provider {
			continue
		}
		if capability != "" && !m.Has(capability) {
			continue
		}
		out = append(out, m)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"models":    out,
		"count":     len(out),
		"providers": h.Catalog.Providers(),
	})
}

// GetModel handles GET /models/{model_id}.
func (h *Handlers) GetModel(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(chi.URLParam(r, "model_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid model id")
		return
	}
	m, err := h.Catalog.Describe(id)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	provider, _, _ := models.SplitModelID(m.ID)
	respondJSON(w, http.StatusOK, map[string]any{
		"model":  m,
		"health": h.Health.Health(provider),
	})
}

// RefreshModels handles POST /models/refresh.
func (h *Handlers) RefreshModels(w http.ResponseWriter, r *http.Request) {
	if h.Refresher == nil {
		respondError(w, http.StatusConflict, "catalog refresh is not configured")
		return
	}
	if err := h.Refresher.RefreshAll(r.Context()); err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "count": h.Catalog.Count()})
}

// ProviderHealth handles GET /providers/health.
func (h *Handlers) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	health := h.Health.All()
	if health == nil {
		health = []models.ProviderHealth{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"providers": health})
}

// ── Budget ───────────────────────────────────────────────────

func budgetUser(r *http.Request) (string, error) {
	user := chi.URLParam(r, "user")
	if !workspace.ValidSegment(user) {
		return "", apperr.New(apperr.ErrValidation, "invalid user %q", user)
	}
	if err := checkBound(r, user); err != nil {
		return "", err
	}
	return user, nil
}

// GetBudget handles GET /budget/{user}.
func (h *Handlers) GetBudget(w http.ResponseWriter, r *http.Request) {
	user, err := budgetUser(r)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	limits := h.Budget.Limits(user)
	remaining := make(map[models.BudgetPeriod]float64)
	for _, lim := range limits {
		if left, capped := h.Budget.Remaining(user, lim.Period); capped {
			remaining[lim.Period] = left
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user":      user,
		"limits":    limits,
		"remaining": remaining,
	})
}

type budgetRequest struct {
	Period models.BudgetPeriod `json:"period"`
	Cap    *float64            `json:"cap"`
}

// SetBudget handles PUT /budget/{user}. A null cap clears the period's cap.
func (h *Handlers) SetBudget(w http.ResponseWriter, r *http.Request) {
	user, err := budgetUser(r)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	var req budgetRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}
	if req.Period == "" {
		req.Period = models.PeriodDay
	}

	if req.Cap == nil {
		err = h.Budget.ClearCap(r.Context(), user, req.Period)
	} else {
		if math.IsNaN(*req.Cap) {
			respondError(w, http.StatusBadRequest, "cap must be a number")
			return
		}
		err = h.Budget.SetCap(r.Context(), user, req.Period, *req.Cap)
	}
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "limits": h.Budget.Limits(user)})
}

// BudgetHistory handles GET /budget/{user}/history?limit=.
func (h *Handlers) BudgetHistory(w http.ResponseWriter, r *http.Request) {
	user, err := budgetUser(r)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	txs := h.Budget.History(user, queryInt(r, "limit", 100))
	respondJSON(w, http.StatusOK, map[string]any{"user": user, "transactions": txs, "count": len(txs)})
}

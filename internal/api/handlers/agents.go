package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/internal/store"
	"github.com/appforge/appforge/internal/workflow"
	"github.com/appforge/appforge/pkg/models"
)

// ── Agents ───────────────────────────────────────────────────

type executeRequest struct {
	TaskType  string         `json:"task_type"`
	AgentType string         `json:"agent_type"`
	Params    map[string]any `json:"params"`
}

// ExecuteTask handles POST /agents/execute.
func (h *Handlers) ExecuteTask(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}
	if req.TaskType == "" && req.AgentType == "" {
		respondError(w, http.StatusBadRequest, "task_type or agent_type is required")
		return
	}

	task, err := h.Engine.ExecuteTask(r.Context(), workflow.TaskRequest{
		Owner:      owner(r),
		OwnerBound: ownerBound(r),
		TaskType:   req.TaskType,
		AgentType:  req.AgentType,
		Params:     req.Params,
	})
	if err != nil {
		if task == nil {
			respondErr(w, r, err)
			return
		}
		respondJSON(w, apperr.HTTPStatus(err), map[string]any{
			"success":  false,
			"task_id":  task.ID,
			"agent":    task.Agent,
			"error":    err.Error(),
			"duration": seconds(task.DurationMS),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"task_id":  task.ID,
		"result":   task.Result,
		"agent":    task.Agent,
		"model":    task.Model,
		"cost":     task.Cost,
		"duration": seconds(task.DurationMS),
	})
}

type pipelineRequest struct {
	PipelineType string         `json:"pipeline_type"`
	Params       map[string]any `json:"params"`
	Async        bool           `json:"async"`
}

// ExecutePipeline handles POST /agents/pipeline. A synchronous call
// answers with the terminal flow; async answers 202 with the snapshot.
func (h *Handlers) ExecutePipeline(w http.ResponseWriter, r *http.Request) {
	var req pipelineRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}
	if req.PipelineType == "" {
		respondError(w, http.StatusBadRequest, "pipeline_type is required")
		return
	}

	flow, err := h.Engine.ExecutePipeline(r.Context(), workflow.PipelineRequest{
		Owner:      owner(r),
		OwnerBound: ownerBound(r),
		Pipeline:   models.PipelineType(req.PipelineType),
		Params:     req.Params,
		Async:      req.Async,
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondFlow(w, flow)
}

type promptRequest struct {
	Prompt  string         `json:"prompt"`
	Context map[string]any `json:"context"`
	Async   bool           `json:"async"`
}

// RoutePrompt handles POST /agents/prompt.
func (h *Handlers) RoutePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}
	flow, err := h.Engine.RoutePrompt(r.Context(), workflow.PromptRequest{
		Owner:      owner(r),
		OwnerBound: ownerBound(r),
		Prompt:     req.Prompt,
		Context:    req.Context,
		Async:      req.Async,
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondFlow(w, flow)
}

// respondFlow writes the pipeline response shape. A failed pipeline is
// still a served request: success=false carries the error and the results
// up to the failing step.
func respondFlow(w http.ResponseWriter, f *models.Flow) {
	status := http.StatusOK
	if !f.CurrentStep.Terminal() {
		status = http.StatusAccepted
	}
	respondJSON(w, status, flowResponse(f))
}

func flowResponse(f *models.Flow) map[string]any {
	end := time.Now().UTC()
	if f.FinishedAt != nil {
		end = *f.FinishedAt
	}
	resp := map[string]any{
		"success":       f.CurrentStep != models.StepFailed && f.CurrentStep != models.StepCancelled,
		"pipeline_id":   f.ID,
		"pipeline_type": f.Target,
		"owner":         f.Owner,
		"project_id":    f.ProjectID,
		"framework":     f.Framework,
		"current_step":  f.CurrentStep,
		"progress":      f.Progress,
		"results":       f.Results,
		"duration":      end.Sub(f.StartedAt).Seconds(),
	}
	switch {
	case len(f.Errors) > 0:
		resp["error"] = strings.Join(f.Errors, "; ")
	case f.CurrentStep == models.StepCancelled:
		resp["error"] = "pipeline cancelled"
	}
	if f.FailedStep != nil {
		resp["failed_step"] = *f.FailedStep
	}
	return resp
}

func seconds(ms int64) float64 {
	return float64(ms) / 1000
}

// GetTask handles GET /agents/task/{task_id}.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Engine.GetTask(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

// ListTasks handles GET /agents/tasks. Results are scoped to the caller
// unless ?owner= names another owner.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	o, err := listOwner(r, false)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	filter := store.TaskFilter{
		Owner:     o,
		ProjectID: q.Get("project_id"),
		FlowID:    q.Get("flow_id"),
		Limit:     queryInt(r, "limit", 100),
	}
	if s := q.Get("status"); s != "" {
		switch st := models.TaskStatus(s); st {
		case models.TaskPending, models.TaskRunning, models.TaskCompleted, models.TaskFailed, models.TaskCancelled:
			filter.Status = st
		default:
			respondError(w, http.StatusBadRequest, "unknown task status "+s)
			return
		}
	}

	tasks, err := h.Engine.ListTasks(r.Context(), filter)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

// ── Flows ────────────────────────────────────────────────────

// ListFlows handles GET /agents/flows.
func (h *Handlers) ListFlows(w http.ResponseWriter, r *http.Request) {
	o, err := listOwner(r, false)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	flows := h.Engine.ListFlows(o)
	if flows == nil {
		flows = []*models.Flow{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"flows": flows, "count": len(flows)})
}

// GetFlow handles GET /agents/flows/{flow_id}.
func (h *Handlers) GetFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := h.Engine.GetFlow(chi.URLParam(r, "flow_id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, flowResponse(flow))
}

// CancelFlow handles POST /agents/flows/{flow_id}/cancel.
func (h *Handlers) CancelFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := h.Engine.CancelFlow(chi.URLParam(r, "flow_id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"success":      true,
		"pipeline_id":  flow.ID,
		"current_step": flow.CurrentStep,
	})
}

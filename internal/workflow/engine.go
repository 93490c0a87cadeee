// Package workflow implements the pipeline orchestrator.
//
// A pipeline is a named, ordered list of agent steps (ui, code, preview,
// build, package). The engine runs the steps of one flow strictly in
// sequence, feeds each step's result into the next step's params, writes
// generated code into the project workspace, and tracks progress and the
// flow state machine:
//
//	starting → ui_generation → code_generation → project_setup
//	         → preview → building → deploying → finished
//
// Any failing step ends the flow in "failed" with the partial results kept;
// nothing is rolled back. A cancelled flow starts no further steps.
// Finished flows move into a bounded in-memory history.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/appforge/appforge/internal/agents"
	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/internal/events"
	"github.com/appforge/appforge/internal/store"
	"github.com/appforge/appforge/internal/workspace"
	"github.com/appforge/appforge/pkg/models"
)

// DefaultHistorySize bounds the finished-flow history.
const DefaultHistorySize = 200

// Memory is the project-memory surface the engine records into.
type Memory interface {
	Remember(owner, projectID string, category models.MemoryCategory, key string, value any) error
	UpdateMetric(owner, projectID, name string, value float64) error
}

// Observer receives flow and task outcomes. telemetry.Metrics implements it.
type Observer interface {
	FlowFinished(pipeline, outcome string, elapsed time.Duration)
	TaskFinished(agent, outcome string, elapsed time.Duration)
}

// Options configures an Engine.
type Options struct {
	HistorySize int
}

// Engine runs tasks and pipelines.
type Engine struct {
	agents   *agents.Set
	store    store.TaskStore
	ws       Scaffolder
	memory   Memory
	bus      *events.Bus
	observer Observer
	now      func() time.Time

	// Active flows: flowID → run
	mu      sync.RWMutex
	active  map[string]*run
	history *lru.Cache[string, *models.Flow]
}

type run struct {
	mu        sync.Mutex
	flow      *models.Flow
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

func (r *run) snapshot() *models.Flow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneFlow(r.flow)
}

func cloneFlow(f *models.Flow) *models.Flow {
	cp := *f
	cp.Results = append([]models.StepResult(nil), f.Results...)
	cp.Errors = append([]string(nil), f.Errors...)
	if f.FailedStep != nil {
		i := *f.FailedStep
		cp.FailedStep = &i
	}
	return &cp
}

// NewEngine wires an engine. memory and bus may be nil.
func NewEngine(set *agents.Set, s store.TaskStore, ws Scaffolder, memory Memory, bus *events.Bus, opts Options) *Engine {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	history, err := lru.New[string, *models.Flow](opts.HistorySize)
	if err != nil {
		panic(err) // only for a non-positive size, excluded above
	}
	return &Engine{
		agents:  set,
		store:   s,
		ws:      ws,
		memory:  memory,
		bus:     bus,
		now:     time.Now,
		active:  make(map[string]*run),
		history: history,
	}
}

// SetObserver installs an outcome observer.
func (e *Engine) SetObserver(o Observer) { e.observer = o }

// ── Requests ─────────────────────────────────────────────────

// TaskRequest is one single-step execution.
type TaskRequest struct {
	Owner      string // caller; project_path or owner in Params may override
	OwnerBound bool   // Owner comes from the credential and may not be overridden
	TaskType   string
	AgentType  string
	Params     map[string]any
}

// PipelineRequest starts a pipeline.
type PipelineRequest struct {
	Owner      string
	OwnerBound bool
	Pipeline   models.PipelineType
	Params     map[string]any
	Async      bool
}

// PromptRequest routes a free-form prompt onto a pipeline.
type PromptRequest struct {
	Owner      string
	OwnerBound bool
	Prompt     string
	Context    map[string]any
	Async      bool
}

// resolveProject applies the owner rules: a project_path names both owner
// and project; otherwise an explicit owner param, then the caller. A bound
// caller may only name itself.
func resolveProject(owner string, bound bool, params map[string]any) (string, string, error) {
	o, id, err := projectFromParams(owner, params)
	if err != nil {
		return "", "", err
	}
	if bound && o != owner {
		return "", "", apperr.New(apperr.ErrForbidden, "credential is bound to owner %q, request names %q", owner, o)
	}
	return o, id, nil
}

func projectFromParams(owner string, params map[string]any) (string, string, error) {
	if p, _ := params["project_path"].(string); p != "" {
		o, id, ok := workspace.ParseProjectPath(p)
		if !ok {
			return "", "", apperr.New(apperr.ErrValidation, "invalid project_path %q", p)
		}
		return o, id, nil
	}
	for _, key := range []string{"owner", "user_id"} {
		if o, _ := params[key].(string); strings.TrimSpace(o) != "" {
			owner = strings.TrimSpace(o)
			break
		}
	}
	if owner == "" {
		owner = "anonymous"
	}
	id, _ := params["project_id"].(string)
	id = strings.TrimSpace(id)
	if !workspace.ValidSegment(owner) || (id != "" && !workspace.ValidSegment(id)) {
		return "", "", apperr.New(apperr.ErrValidation, "invalid owner or project id")
	}
	return owner, id, nil
}

func cloneParams(p map[string]any) map[string]any {
	out := make(map[string]any, len(p)+4)
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ── Tasks ────────────────────────────────────────────────────

// ExecuteTask runs one agent synchronously. The task record is returned
// even when the agent fails, alongside the error.
func (e *Engine) ExecuteTask(ctx context.Context, req TaskRequest) (*models.Task, error) {
	agent, err := e.agents.Resolve(req.TaskType, req.AgentType)
	if err != nil {
		return nil, err
	}
	owner, projectID, err := resolveProject(req.Owner, req.OwnerBound, req.Params)
	if err != nil {
		return nil, err
	}
	taskType := req.TaskType
	if taskType == "" {
		taskType = string(agent.Kind())
	}
	return e.runTask(ctx, agent, &models.Task{
		Type:      taskType,
		Owner:     owner,
		ProjectID: projectID,
		Params:    cloneParams(req.Params),
	})
}

func (e *Engine) runTask(ctx context.Context, agent agents.Agent, task *models.Task) (*models.Task, error) {
	task.ID = uuid.New().String()
	task.Agent = agent.Kind().AgentName()
	task.Status = models.TaskRunning
	task.CreatedAt = e.now().UTC()
	if err := e.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	start := e.now()
	out, runErr := agent.Execute(ctx, task)
	finished := e.now().UTC()
	task.FinishedAt = &finished
	task.DurationMS = finished.Sub(start).Milliseconds()

	outcome := "completed"
	switch {
	case runErr == nil:
		task.Status = models.TaskCompleted
		task.Result = out.Result
		task.Model = out.Model
		task.TokensIn, task.TokensOut, task.Cost = out.TokensIn, out.TokensOut, out.Cost
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, apperr.ErrCancelled):
		task.Status = models.TaskCancelled
		task.Error = runErr.Error()
		outcome = "cancelled"
	default:
		task.Status = models.TaskFailed
		task.Error = runErr.Error()
		outcome = "failed"
	}
	if err := e.store.UpdateTask(context.WithoutCancel(ctx), task); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to update task")
	}
	if e.observer != nil {
		e.observer.TaskFinished(task.Agent, outcome, finished.Sub(start))
	}

	log.Info().
		Str("task_id", task.ID).
		Str("flow_id", task.FlowID).
		Str("agent", task.Agent).
		Str("status", string(task.Status)).
		Int64("duration_ms", task.DurationMS).
		Float64("cost", task.Cost).
		Msg("Task finished")
	return task, runErr
}

// GetTask returns a task record.
func (e *Engine) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return e.store.GetTask(ctx, id)
}

// ListTasks returns task records, newest first.
func (e *Engine) ListTasks(ctx context.Context, f store.TaskFilter) ([]*models.Task, error) {
	return e.store.ListTasks(ctx, f)
}

// ── Pipelines ────────────────────────────────────────────────

// RoutePrompt classifies the prompt and runs the matching pipeline.
func (e *Engine) RoutePrompt(ctx context.Context, req PromptRequest) (*models.Flow, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, apperr.New(apperr.ErrValidation, "prompt is required")
	}
	params := cloneParams(req.Context)
	ctxFramework, _ := params["framework"].(string)
	fw, raw := PromptFramework(req.Prompt, ctxFramework)
	params["prompt"] = req.Prompt
	params["framework"] = raw
	if fw == models.FrameworkFlutter {
		params["framework"] = "flutter"
	}
	pipeline := ClassifyPrompt(req.Prompt)
	log.Info().Str("pipeline", string(pipeline)).Str("framework", string(fw)).Msg("Prompt routed")
	return e.ExecutePipeline(ctx, PipelineRequest{Owner: req.Owner, OwnerBound: req.OwnerBound, Pipeline: pipeline, Params: params, Async: req.Async})
}

// ExecutePipeline starts a flow. Synchronous requests return the terminal
// flow (or the current snapshot if ctx ends first); async requests return
// right after the flow is registered.
func (e *Engine) ExecutePipeline(ctx context.Context, req PipelineRequest) (*models.Flow, error) {
	stages, ok := pipelines[req.Pipeline]
	if !ok {
		return nil, apperr.New(apperr.ErrValidation, "unknown pipeline type %q", req.Pipeline)
	}
	params := cloneParams(req.Params)
	prompt, _ := params["prompt"].(string)
	if strings.TrimSpace(prompt) == "" {
		return nil, apperr.New(apperr.ErrValidation, "params.prompt is required")
	}
	owner, projectID, err := resolveProject(req.Owner, req.OwnerBound, params)
	if err != nil {
		return nil, err
	}
	if projectID == "" && needsProject(stages) {
		projectID = "app-" + uuid.New().String()[:8]
	}

	rawFramework, _ := params["framework"].(string)
	fw := models.NormalizeFramework(rawFramework)
	if fw == "" && projectID != "" {
		if detected, err := e.ws.DetectFramework(owner, projectID); err == nil {
			fw = detected
		}
	}
	if fw == "" {
		fw = models.FrameworkFlutter
	}
	params["framework"] = string(fw)
	if _, set := params["platform"]; !set {
		if p := defaultPlatform(strings.ToLower(rawFramework), prompt); p != "" {
			params["platform"] = p
		}
	}
	params["owner"] = owner
	if projectID != "" {
		params["project_id"] = projectID
		params["project_path"] = "projects/" + owner + "/" + projectID
	}

	flow := &models.Flow{
		ID:          uuid.New().String(),
		Owner:       owner,
		ProjectID:   projectID,
		Prompt:      prompt,
		Framework:   fw,
		Target:      req.Pipeline,
		CurrentStep: models.StepStarting,
		Results:     []models.StepResult{},
		StartedAt:   e.now().UTC(),
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{flow: flow, cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.active[flow.ID] = r
	e.mu.Unlock()

	log.Info().
		Str("flow_id", flow.ID).
		Str("pipeline", string(req.Pipeline)).
		Str("owner", owner).
		Str("project", projectID).
		Int("steps", len(stages)).
		Msg("Pipeline started")
	e.publish(r, "started", map[string]any{"pipeline_type": string(req.Pipeline)})

	go e.execute(runCtx, r, stages, params)

	if req.Async {
		return r.snapshot(), nil
	}
	select {
	case <-r.done:
	case <-ctx.Done():
	}
	return r.snapshot(), nil
}

// execute runs the stages of one flow in order.
func (e *Engine) execute(ctx context.Context, r *run, stages []stage, base map[string]any) {
	defer func() {
		r.cancel()
		e.finish(r)
	}()

	flow := r.snapshot()
	if flow.ProjectID != "" && e.memory != nil {
		if err := e.memory.Remember(flow.Owner, flow.ProjectID, models.MemTechStack, "framework", string(flow.Framework)); err != nil {
			log.Warn().Err(err).Str("flow_id", flow.ID).Msg("Failed to remember framework")
		}
	}

	stepParams, _ := base["step_params"].(map[string]any)
	var prev *models.StepResult
	for i, st := range stages {
		if ctx.Err() != nil || r.isCancelled() {
			e.cancelFlow(r)
			return
		}
		e.advance(r, st.step, -1)

		params := e.paramsFor(base, stepParams, st, prev)
		agent, ok := e.agents.Get(st.kind)
		if !ok {
			e.failFlow(r, i, st, models.StepResult{Step: st.name, Agent: st.kind.AgentName()},
				apperr.New(apperr.ErrValidation, "agent %s is not available", st.kind.AgentName()))
			return
		}
		task, err := e.runTask(ctx, agent, &models.Task{
			FlowID:    flow.ID,
			Type:      st.name,
			Owner:     flow.Owner,
			ProjectID: flow.ProjectID,
			Params:    params,
		})
		res := models.StepResult{Step: st.name, Agent: st.kind.AgentName()}
		if task != nil {
			res.TaskID = task.ID
			res.DurationMS = task.DurationMS
			res.Result = task.Result
		}
		if err != nil {
			if r.isCancelled() {
				e.cancelFlow(r)
				return
			}
			e.failFlow(r, i, st, res, err)
			return
		}
		res.Success = true

		if st.kind == agents.KindCode && flow.ProjectID != "" {
			e.advance(r, st.step, st.progress)
			if err := e.writeCode(r, flow, &res); err != nil {
				e.failFlow(r, i, st, res, err)
				return
			}
			e.recordStep(r, res, writeProgress)
		} else {
			e.recordStep(r, res, st.progress)
		}
		if e.memory != nil && flow.ProjectID != "" {
			if err := e.memory.UpdateMetric(flow.Owner, flow.ProjectID, st.name+"_ms", float64(res.DurationMS)); err != nil {
				log.Debug().Err(err).Msg("metric not recorded")
			}
		}
		prev = &res
	}
	e.completeFlow(r)
}

// paramsFor builds a stage's params. Explicit step params win; otherwise
// the previous result is merged in (without overriding flow params) and
// also kept whole under the previous stage's name.
func (e *Engine) paramsFor(base, stepParams map[string]any, st stage, prev *models.StepResult) map[string]any {
	params := cloneParams(base)
	delete(params, "step_params")
	if explicit, ok := stepParams[st.name].(map[string]any); ok {
		for k, v := range explicit {
			params[k] = v
		}
		return params
	}
	if prev == nil {
		return params
	}
	for k, v := range prev.Result {
		if _, set := params[k]; !set {
			params[k] = v
		}
	}
	params[prev.Step] = prev.Result
	return params
}

// writeCode puts the generated code into the workspace as the project
// setup step.
func (e *Engine) writeCode(r *run, flow *models.Flow, res *models.StepResult) error {
	e.advance(r, models.StepProjectSetup, -1)
	code, _ := res.Result["code"].(string)
	if strings.TrimSpace(code) == "" {
		return apperr.New(apperr.ErrProcess, "code step produced no code")
	}
	if _, err := e.ws.EnsureProject(flow.Owner, flow.ProjectID, flow.Framework, ""); err != nil {
		return err
	}
	written, err := writeScaffold(e.ws, flow.Owner, flow.ProjectID, flow.Framework, code)
	if err != nil {
		return err
	}
	result := cloneParams(res.Result)
	result["files_written"] = written
	result["project_path"] = "projects/" + flow.Owner + "/" + flow.ProjectID
	res.Result = result
	e.publish(r, "files_written", map[string]any{"files": written})
	return nil
}

// ── Flow state ───────────────────────────────────────────────

var stepOrder = map[models.FlowStep]int{
	models.StepStarting:       0,
	models.StepUIGeneration:   1,
	models.StepCodeGeneration: 2,
	models.StepProjectSetup:   3,
	models.StepPreview:        4,
	models.StepBuilding:       5,
	models.StepDeploying:      6,
	models.StepFinished:       7,
}

// advance moves current_step forward and raises progress to p (p < 0
// leaves progress alone). Neither ever goes backwards.
func (e *Engine) advance(r *run, step models.FlowStep, p int) {
	r.mu.Lock()
	f := r.flow
	if f.CurrentStep.Terminal() {
		r.mu.Unlock()
		return
	}
	if stepOrder[step] > stepOrder[f.CurrentStep] {
		f.CurrentStep = step
	}
	if p > f.Progress {
		f.Progress = min(p, 100)
	}
	data := map[string]any{"step": string(f.CurrentStep), "progress": f.Progress}
	r.mu.Unlock()
	e.publish(r, "progress", data)
}

func (e *Engine) recordStep(r *run, res models.StepResult, progress int) {
	r.mu.Lock()
	r.flow.Results = append(r.flow.Results, res)
	r.mu.Unlock()
	e.advance(r, "", progress)
}

func (r *run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (e *Engine) failFlow(r *run, index int, st stage, res models.StepResult, err error) {
	res.Success = false
	res.Error = err.Error()
	now := e.now().UTC()

	r.mu.Lock()
	f := r.flow
	f.Results = append(f.Results, res)
	f.Errors = append(f.Errors, fmt.Sprintf("%s: %s", st.name, err.Error()))
	f.FailedStep = &index
	f.CurrentStep = models.StepFailed
	f.FinishedAt = &now
	r.mu.Unlock()

	log.Error().
		Str("flow_id", f.ID).
		Str("step", st.name).
		Int("index", index).
		Err(err).
		Msg("Pipeline failed")
	e.publish(r, "failed", map[string]any{"step": st.name, "index": index, "error": err.Error()})
}

func (e *Engine) cancelFlow(r *run) {
	now := e.now().UTC()
	r.mu.Lock()
	f := r.flow
	if !f.CurrentStep.Terminal() {
		f.Errors = append(f.Errors, "flow cancelled")
		f.CurrentStep = models.StepCancelled
		f.FinishedAt = &now
	}
	r.mu.Unlock()
	log.Warn().Str("flow_id", f.ID).Msg("Pipeline cancelled")
	e.publish(r, "cancelled", nil)
}

func (e *Engine) completeFlow(r *run) {
	now := e.now().UTC()
	r.mu.Lock()
	f := r.flow
	f.CurrentStep = models.StepFinished
	f.Progress = 100
	f.FinishedAt = &now
	elapsed := now.Sub(f.StartedAt)
	steps := len(f.Results)
	r.mu.Unlock()

	log.Info().
		Str("flow_id", f.ID).
		Str("pipeline", string(f.Target)).
		Int("steps", steps).
		Dur("elapsed", elapsed).
		Msg("Pipeline completed")
	e.publish(r, "finished", map[string]any{"progress": 100})
}

// finish moves a terminal flow into history and closes its channel.
func (e *Engine) finish(r *run) {
	flow := r.snapshot()
	e.mu.Lock()
	delete(e.active, flow.ID)
	e.history.Add(flow.ID, flow)
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Close(events.Key{Kind: events.KindFlow, ID: flow.ID})
	}
	if e.observer != nil && flow.FinishedAt != nil {
		e.observer.FlowFinished(string(flow.Target), string(flow.CurrentStep), flow.FinishedAt.Sub(flow.StartedAt))
	}
	close(r.done)
}

func (e *Engine) publish(r *run, name string, data map[string]any) {
	if e.bus == nil {
		return
	}
	r.mu.Lock()
	id, owner := r.flow.ID, r.flow.Owner
	r.mu.Unlock()
	ev := models.Event{Ts: e.now().UTC(), Stream: models.StreamEvent, Event: name, Data: data}
	e.bus.Publish(events.Key{Kind: events.KindFlow, ID: id}, ev)

	userData := map[string]any{"flow_id": id}
	for k, v := range data {
		userData[k] = v
	}
	ev.Event, ev.Data = "flow_"+name, userData
	e.bus.Publish(events.Key{Kind: events.KindUser, ID: owner}, ev)
}

// CancelFlow stops a flow from starting further steps. The running step
// sees a cancelled context; child processes it started keep running until
// stopped through the supervisor.
func (e *Engine) CancelFlow(id string) (*models.Flow, error) {
	e.mu.RLock()
	r, ok := e.active[id]
	e.mu.RUnlock()
	if !ok {
		if f, found := e.history.Get(id); found {
			return nil, apperr.New(apperr.ErrConflict, "flow %s already %s", id, f.CurrentStep)
		}
		return nil, apperr.New(apperr.ErrNotFound, "flow %s not found", id)
	}
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	r.cancel()
	return r.snapshot(), nil
}

// WaitFlow blocks until the flow is terminal or ctx ends.
func (e *Engine) WaitFlow(ctx context.Context, id string) (*models.Flow, error) {
	e.mu.RLock()
	r, ok := e.active[id]
	e.mu.RUnlock()
	if !ok {
		return e.GetFlow(id)
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// GetFlow returns an active or finished flow.
func (e *Engine) GetFlow(id string) (*models.Flow, error) {
	e.mu.RLock()
	r, ok := e.active[id]
	e.mu.RUnlock()
	if ok {
		return r.snapshot(), nil
	}
	if f, ok := e.history.Get(id); ok {
		return cloneFlow(f), nil
	}
	return nil, apperr.New(apperr.ErrNotFound, "flow %s not found", id)
}

// ListFlows returns the owner's active and remembered flows, newest first.
// An empty owner lists everyone's.
func (e *Engine) ListFlows(owner string) []*models.Flow {
	e.mu.RLock()
	runs := make([]*run, 0, len(e.active))
	for _, r := range e.active {
		runs = append(runs, r)
	}
	e.mu.RUnlock()

	var out []*models.Flow
	for _, r := range runs {
		if f := r.snapshot(); owner == "" || f.Owner == owner {
			out = append(out, f)
		}
	}
	for _, id := range e.history.Keys() {
		if f, ok := e.history.Peek(id); ok && (owner == "" || f.Owner == owner) {
			out = append(out, cloneFlow(f))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Shutdown cancels every active flow and waits for them to wind down.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.RLock()
	runs := make([]*run, 0, len(e.active))
	for _, r := range e.active {
		runs = append(runs, r)
	}
	e.mu.RUnlock()

	for _, r := range runs {
		r.mu.Lock()
		r.cancelled = true
		r.mu.Unlock()
		r.cancel()
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

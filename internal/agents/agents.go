// Package agents holds the task executors the orchestrator dispatches to.
// Each agent is one variant of Kind; the task-type table mapping task types
// onto kinds is pure data.
package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/pkg/models"
)

// Kind is the closed set of agent variants.
type Kind string

const (
	KindUI      Kind = "ui"
	KindCode    Kind = "code"
	KindPreview Kind = "preview"
	KindBuild   Kind = "build"
	KindPackage Kind = "package"
)

// AgentName is the name reported in task results.
func (k Kind) AgentName() string { return string(k) + "_agent" }

// Agent executes one task.
type Agent interface {
	Kind() Kind
	Execute(ctx context.Context, task *models.Task) (*models.TaskOutput, error)
}

var taskKinds = map[string]Kind{
	"create_ui":       KindUI,
	"ui":              KindUI,
	"ui_generation":   KindUI,
	"design_screen":   KindUI,
	"generate_code":   KindCode,
	"code":            KindCode,
	"code_generation": KindCode,
	"generate_screen": KindCode,
	"preview":         KindPreview,
	"start_preview":   KindPreview,
	"preview_screen":  KindPreview,
	"build":           KindBuild,
	"build_app":       KindBuild,
	"package":         KindPackage,
	"deploy":          KindPackage,
	"download":        KindPackage,
}

var agentKinds = map[string]Kind{
	"ui_agent":      KindUI,
	"code_agent":    KindCode,
	"preview_agent": KindPreview,
	"build_agent":   KindBuild,
	"package_agent": KindPackage,
}

// KindForTask maps a task type onto an agent kind.
func KindForTask(taskType string) (Kind, bool) {
	k, ok := taskKinds[strings.ToLower(strings.TrimSpace(taskType))]
	return k, ok
}

// KindForAgent maps an explicit agent name ("ui_agent" or "ui") onto a kind.
func KindForAgent(name string) (Kind, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if k, ok := agentKinds[name]; ok {
		return k, true
	}
	k, ok := agentKinds[name+"_agent"]
	return k, ok
}

// TaskTypes lists the known task types.
func TaskTypes() []string {
	out := make([]string, 0, len(taskKinds))
	for t := range taskKinds {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Set is the agent registry, one agent per kind.
type Set struct {
	agents map[Kind]Agent
}

// NewSet registers agents by their kind.
func NewSet(agents ...Agent) *Set {
	s := &Set{agents: make(map[Kind]Agent, len(agents))}
	for _, a := range agents {
		s.agents[a.Kind()] = a
	}
	return s
}

// Get returns the agent for kind.
func (s *Set) Get(k Kind) (Agent, bool) {
	a, ok := s.agents[k]
	return a, ok
}

// Resolve picks the agent for a task: an explicit agent name wins over the
// task type.
func (s *Set) Resolve(taskType, agentName string) (Agent, error) {
	var (
		k  Kind
		ok bool
	)
	if agentName != "" {
		if k, ok = KindForAgent(agentName); !ok {
			return nil, apperr.New(apperr.ErrValidation, "unknown agent %q", agentName)
		}
	} else if k, ok = KindForTask(taskType); !ok {
		return nil, apperr.New(apperr.ErrValidation, "unknown task type %q", taskType)
	}
	a, ok := s.agents[k]
	if !ok {
		return nil, apperr.New(apperr.ErrValidation, "agent %s is not available", k.AgentName())
	}
	return a, nil
}

// ── params helpers ───────────────────────────────────────────

func str(p map[string]any, key string) string {
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func boolParam(p map[string]any, key string, def bool) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return def
}

func mapParam(p map[string]any, key string) map[string]any {
	m, _ := p[key].(map[string]any)
	return m
}

// framework resolves the project framework from params, defaulting to
// flutter.
func framework(p map[string]any) models.Framework {
	if fw := models.NormalizeFramework(str(p, "framework")); fw != "" {
		return fw
	}
	return models.FrameworkFlutter
}

// requireProject checks that the task is bound to a project.
func requireProject(task *models.Task) error {
	if task.Owner == "" || task.ProjectID == "" {
		return apperr.New(apperr.ErrValidation, "task %s needs a project (project_path or project_id)", task.Type)
	}
	return nil
}

package models

import (
	"strings"
	"time"
)

// ── Model Catalog ────────────────────────────────────────────

// Capability is a coarse declaration of what a model can do.
type Capability string

const (
	CapText      Capability = "text"
	CapCode      Capability = "code"
	CapVision    Capability = "vision"
	CapReasoning Capability = "reasoning"
	CapEmbedding Capability = "embedding"
)

// ModelDescriptor is an immutable catalog entry. ID is "<provider>:<model>".
type ModelDescriptor struct {
	ID            string       `json:"id" yaml:"-"`
	Provider      string       `json:"provider" yaml:"provider"`
	Name          string       `json:"name" yaml:"name"`
	ContextWindow int          `json:"context_window" yaml:"context_window"`
	Capabilities  []Capability `json:"capabilities" yaml:"capabilities"`
	Quality       int          `json:"quality" yaml:"quality"` // 1-10
	PricePer1KIn  float64      `json:"price_per_1k_in" yaml:"price_per_1k_in"`
	PricePer1KOut float64      `json:"price_per_1k_out" yaml:"price_per_1k_out"`
}

// AvgPrice is the mean of input and output price per 1k tokens.
func (m ModelDescriptor) AvgPrice() float64 {
	return (m.PricePer1KIn + m.PricePer1KOut) / 2
}

// Has reports whether the model declares every capability in required.
func (m ModelDescriptor) Has(required ...Capability) bool {
	for _, r := range required {
		found := false
		for _, c := range m.Capabilities {
			if c == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ModelID builds the canonical id for a provider/model pair.
func ModelID(provider, model string) string {
	return provider + ":" + model
}

// SplitModelID splits a canonical id. The model part may itself contain ':'
// (ollama tags such as "llama3:8b").
func SplitModelID(id string) (provider, model string, ok bool) {
	i := strings.Index(id, ":")
	if i <= 0 || i == len(id)-1 {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}

// ── Provider Health ──────────────────────────────────────────

// ProviderState is the circuit state of one provider.
type ProviderState string

const (
	ProviderOperational ProviderState = "operational"
	ProviderDegraded    ProviderState = "degraded"
	ProviderDown        ProviderState = "down"
	ProviderUnknown     ProviderState = "unknown"
	ProviderHalfOpen    ProviderState = "half_open"
)

// ProviderHealth is owned by the circuit breaker; readers get copies.
type ProviderHealth struct {
	Provider            string        `json:"provider"`
	State               ProviderState `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastCheck           time.Time     `json:"last_check,omitempty"`
	AvgLatencyMS        float64       `json:"avg_latency_ms"`
	LastError           string        `json:"last_error,omitempty"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
}

// ── Messages ─────────────────────────────────────────────────

// Role of a chat message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentPart is one element of a multimodal message: text, inline image
// bytes (base64) or an image URL.
type ContentPart struct {
	Text      string `json:"text,omitempty"`
	ImageB64  string `json:"image_b64,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
}

// IsImage reports whether the part carries an image.
func (p ContentPart) IsImage() bool {
	return p.ImageB64 != "" || p.ImageURL != ""
}

// Message is either plain text (Content) or a list of parts.
type Message struct {
	Role    Role          `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

// TextMessage builds a plain text message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Content: text}
}

// Text returns the textual content of the message, joining text parts.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	if m.Content != "" {
		b.WriteString(m.Content)
	}
	for _, p := range m.Parts {
		if p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// CompletionOptions tunes a single completion call.
type CompletionOptions struct {
	Temperature     float64       `json:"temperature"`
	MaxOutputTokens int           `json:"max_output_tokens,omitempty"`
	Stream          bool          `json:"stream,omitempty"`
	Timeout         time.Duration `json:"-"` // zero = adapter default
}

// CompletionResult is the uniform adapter response.
type CompletionResult struct {
	Text          string  `json:"text"`
	TokensIn      int     `json:"tokens_in"`
	TokensOut     int     `json:"tokens_out"`
	LatencyMS     int64   `json:"latency_ms"`
	Provider      string  `json:"provider"`
	Model         string  `json:"model"`
	Estimated     bool    `json:"estimated,omitempty"`
	FallbackUsed  bool    `json:"fallback_used"`
	OriginalModel string  `json:"original_model,omitempty"`
	Cost          float64 `json:"cost"`
}

// ModelID returns the canonical id of the model that produced the result.
func (r *CompletionResult) ModelID() string {
	return ModelID(r.Provider, r.Model)
}

// ── Budget ───────────────────────────────────────────────────

// BudgetPeriod is a spend window.
type BudgetPeriod string

const (
	PeriodHour  BudgetPeriod = "hour"
	PeriodDay   BudgetPeriod = "day"
	PeriodWeek  BudgetPeriod = "week"
	PeriodMonth BudgetPeriod = "month"
	PeriodTotal BudgetPeriod = "total"
)

// AllPeriods lists every budget period in ascending length.
var AllPeriods = []BudgetPeriod{PeriodHour, PeriodDay, PeriodWeek, PeriodMonth, PeriodTotal}

// Duration of the window. Zero means the window never resets.
func (p BudgetPeriod) Duration() time.Duration {
	switch p {
	case PeriodHour:
		return time.Hour
	case PeriodDay:
		return 24 * time.Hour
	case PeriodWeek:
		return 7 * 24 * time.Hour
	case PeriodMonth:
		return 30 * 24 * time.Hour
	}
	return 0
}

// Valid reports whether p is a known period.
func (p BudgetPeriod) Valid() bool {
	for _, known := range AllPeriods {
		if p == known {
			return true
		}
	}
	return false
}

// BudgetLimit tracks spend of one user in one period.
type BudgetLimit struct {
	User        string       `json:"user"`
	Period      BudgetPeriod `json:"period"`
	Cap         float64      `json:"cap"`
	HasCap      bool         `json:"has_cap"`
	Spent       float64      `json:"spent"`
	WindowStart time.Time    `json:"window_start"`
}

// Transaction is one recorded LLM invocation and its realized cost.
type Transaction struct {
	User      string    `json:"user"`
	ModelID   string    `json:"model_id"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	Cost      float64   `json:"cost"`
	Timestamp time.Time `json:"ts"`
	TaskHint  string    `json:"task_hint,omitempty"`
}

// ── Agent Roles ──────────────────────────────────────────────

// Strategy ranks eligible models.
type Strategy string

const (
	StrategyCheapest    Strategy = "cheapest"
	StrategyBalanced    Strategy = "balanced"
	StrategyBestQuality Strategy = "best_quality"
	StrategyFastest     Strategy = "fastest"
)

// AgentRole is a named set of model-selection constraints.
type AgentRole struct {
	Name                 string       `json:"name"`
	MinQuality           int          `json:"min_quality"`
	MaxCostPer1K         float64      `json:"max_cost_per_1k"`
	RequiredCapabilities []Capability `json:"required_capabilities"`
	Strategy             Strategy     `json:"strategy"`
	Temperature          float64      `json:"temperature"`
	MaxOutputTokens      int          `json:"max_output_tokens"`
}

// ── Projects ─────────────────────────────────────────────────

// Framework of a project workspace.
type Framework string

const (
	FrameworkFlutter Framework = "flutter"
	FrameworkWeb     Framework = "web"
)

// NormalizeFramework maps user-facing names ("react", "nextjs", ...) onto a
// workspace framework. Unknown names return "".
func NormalizeFramework(name string) Framework {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "flutter", "dart", "flutter_web":
		return FrameworkFlutter
	case "react", "web", "nextjs", "next", "vite", "javascript", "js":
		return FrameworkWeb
	}
	return ""
}

// Project is owned by the workspace; identified by (Owner, ProjectID).
type Project struct {
	Owner         string    `json:"owner"`
	ProjectID     string    `json:"project_id"`
	Name          string    `json:"name"`
	Framework     Framework `json:"framework"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	WorkspacePath string    `json:"workspace_path"`
}

// FileEntry is one file in a workspace listing.
type FileEntry struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// ── Processes ────────────────────────────────────────────────

// ProcessStatus describes the lifecycle of a preview server.
type ProcessStatus string

const (
	ProcessStarting ProcessStatus = "starting"
	ProcessRunning  ProcessStatus = "running"
	ProcessStopped  ProcessStatus = "stopped"
	ProcessFailed   ProcessStatus = "failed"
)

// PreviewKind is the dev-server flavour.
type PreviewKind string

const (
	PreviewWeb        PreviewKind = "web"
	PreviewFlutterWeb PreviewKind = "flutter_web"
)

// PreviewKindFor maps a project framework to its dev-server flavour.
func PreviewKindFor(f Framework) PreviewKind {
	if f == FrameworkFlutter {
		return PreviewFlutterWeb
	}
	return PreviewWeb
}

// PreviewServer is a running development server. At most one per owner.
type PreviewServer struct {
	ID        string        `json:"preview_id"`
	Owner     string        `json:"owner"`
	ProjectID string        `json:"project_id"`
	Framework PreviewKind   `json:"framework"`
	Port      int           `json:"port"`
	URL       string        `json:"url"`
	PID       int           `json:"pid,omitempty"`
	State     ProcessStatus `json:"state"`
	StartedAt time.Time     `json:"started_at"`
	StoppedAt *time.Time    `json:"stopped_at,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// BuildPlatform is a build target.
type BuildPlatform string

const (
	PlatformFlutterAPK BuildPlatform = "flutter_apk"
	PlatformFlutterWeb BuildPlatform = "flutter_web"
	PlatformFlutterIOS BuildPlatform = "flutter_ios"
	PlatformReactWeb   BuildPlatform = "react_web"
	PlatformNextJSWeb  BuildPlatform = "nextjs_web"
	PlatformElectron   BuildPlatform = "electron"
)

// BuildState is the lifecycle of a build job.
type BuildState string

const (
	BuildQueued    BuildState = "queued"
	BuildRunning   BuildState = "running"
	BuildSucceeded BuildState = "succeeded"
	BuildFailed    BuildState = "failed"
	BuildCancelled BuildState = "cancelled"
)

// Terminal reports whether the build has finished.
func (s BuildState) Terminal() bool {
	return s == BuildSucceeded || s == BuildFailed || s == BuildCancelled
}

// BuildJob is one platform build of a project.
type BuildJob struct {
	ID          string        `json:"build_id"`
	Owner       string        `json:"owner"`
	ProjectID   string        `json:"project_id"`
	Platform    BuildPlatform `json:"platform"`
	State       BuildState    `json:"state"`
	CurrentStep string        `json:"current_step,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
	ExitCode    *int          `json:"exit_code,omitempty"`
	Error       string        `json:"error,omitempty"`
	Artifacts   []Artifact    `json:"artifacts"`
}

// Artifact is a concrete build output stored under the build's directory.
type Artifact struct {
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

// ── Events ───────────────────────────────────────────────────

// Event streams.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamEvent  = "event"
)

// Event is what the bus carries to subscribers. Log lines fill Stream and
// Text; lifecycle notifications fill Event (and optionally Data).
type Event struct {
	Ts     time.Time      `json:"ts"`
	Stream string         `json:"stream,omitempty"`
	Text   string         `json:"text,omitempty"`
	Event  string         `json:"event,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// ── Tasks & Flows ────────────────────────────────────────────

// TaskStatus is the lifecycle of a single agent task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is one agent execution.
type Task struct {
	ID         string         `json:"task_id"`
	FlowID     string         `json:"flow_id,omitempty"`
	Type       string         `json:"task_type"`
	Agent      string         `json:"agent"`
	Owner      string         `json:"owner"`
	ProjectID  string         `json:"project_id,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Status     TaskStatus     `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Model      string         `json:"model,omitempty"`
	TokensIn   int            `json:"tokens_in"`
	TokensOut  int            `json:"tokens_out"`
	Cost       float64        `json:"cost"`
	CreatedAt  time.Time      `json:"created_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// TaskOutput is what an agent hands back to the orchestrator.
type TaskOutput struct {
	Result    map[string]any
	Model     string
	TokensIn  int
	TokensOut int
	Cost      float64
}

// PipelineType names a built-in pipeline.
type PipelineType string

const (
	PipelineCreateUI       PipelineType = "create_ui"
	PipelineGenerateScreen PipelineType = "generate_screen"
	PipelinePreviewScreen  PipelineType = "preview_screen"
	PipelineBuildApp       PipelineType = "build_app"
	PipelineFullCycle      PipelineType = "full_cycle"
)

// FlowStep is the flow state machine position; it only moves forward.
type FlowStep string

const (
	StepStarting       FlowStep = "starting"
	StepUIGeneration   FlowStep = "ui_generation"
	StepCodeGeneration FlowStep = "code_generation"
	StepProjectSetup   FlowStep = "project_setup"
	StepPreview        FlowStep = "preview"
	StepBuilding       FlowStep = "building"
	StepDeploying      FlowStep = "deploying"
	StepFinished       FlowStep = "finished"
	StepFailed         FlowStep = "failed"
	StepCancelled      FlowStep = "cancelled"
)

// Terminal reports whether the flow has ended.
func (s FlowStep) Terminal() bool {
	return s == StepFinished || s == StepFailed || s == StepCancelled
}

// StepResult is the outcome of one pipeline step.
type StepResult struct {
	Step       string         `json:"step"`
	Agent      string         `json:"agent"`
	TaskID     string         `json:"task_id,omitempty"`
	Success    bool           `json:"success"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// Flow is one end-to-end pipeline run.
type Flow struct {
	ID          string       `json:"flow_id"`
	Owner       string       `json:"owner"`
	ProjectID   string       `json:"project_id"`
	Prompt      string       `json:"prompt"`
	Framework   Framework    `json:"framework"`
	Target      PipelineType `json:"pipeline_type"`
	Progress    int          `json:"progress"`
	CurrentStep FlowStep     `json:"current_step"`
	Results     []StepResult `json:"results"`
	Errors      []string     `json:"errors,omitempty"`
	FailedStep  *int         `json:"failed_step,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
}

// ── Project Memory ───────────────────────────────────────────

// MemoryCategory groups project memory entries.
type MemoryCategory string

const (
	MemPreferences  MemoryCategory = "preferences"
	MemCodeStyle    MemoryCategory = "code_style"
	MemArchitecture MemoryCategory = "architecture"
	MemUIStandards  MemoryCategory = "ui_standards"
	MemTechStack    MemoryCategory = "tech_stack"
	MemFeatures     MemoryCategory = "features"
	MemDecisions    MemoryCategory = "decisions"
	MemFeedback     MemoryCategory = "feedback"
	MemMetrics      MemoryCategory = "metrics"
)

// AllMemoryCategories in presentation order.
var AllMemoryCategories = []MemoryCategory{
	MemPreferences, MemCodeStyle, MemArchitecture, MemUIStandards, MemTechStack,
	MemFeatures, MemDecisions, MemFeedback, MemMetrics,
}

// Valid reports whether c is a known category.
func (c MemoryCategory) Valid() bool {
	for _, known := range AllMemoryCategories {
		if c == known {
			return true
		}
	}
	return false
}

// MemoryEntry is one remembered value.
type MemoryEntry struct {
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// ProjectMemory maps category → key → entry. It is the on-disk JSON shape.
type ProjectMemory map[MemoryCategory]map[string]MemoryEntry

// NewProjectMemory returns a memory with every category present.
func NewProjectMemory() ProjectMemory {
	pm := make(ProjectMemory, len(AllMemoryCategories))
	for _, c := range AllMemoryCategories {
		pm[c] = make(map[string]MemoryEntry)
	}
	return pm
}

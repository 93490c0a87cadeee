package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the AppForge control plane.
type Config struct {
	Port       int
	Version    string
	DataDir    string
	Log        LogConfig
	Workspace  WorkspaceConfig
	Providers  ProvidersConfig
	Breaker    BreakerConfig
	Budget     BudgetConfig
	Catalog    CatalogConfig
	Supervisor SupervisorConfig
	Events     EventsConfig
	Workflow   WorkflowConfig
	Artifacts  ArtifactsConfig
	Auth       AuthConfig
	Telemetry  TelemetryConfig
	Retention  RetentionConfig
}

type LogConfig struct {
	Level  string
	Format string // console | json | auto
}

type WorkspaceConfig struct {
	ProjectsDir string
	MemoryDir   string
}

type ProvidersConfig struct {
	OpenAIKey        string
	OpenAIBaseURL    string
	AnthropicKey     string
	AnthropicBaseURL string
	GoogleKey        string
	GroqKey          string
	GroqBaseURL      string
	OllamaBaseURL    string
	OllamaEnabled    bool
	Emulated         bool
	Timeout          time.Duration
}

type BreakerConfig struct {
	Threshold     int
	CoolDown      time.Duration
	MaxRetries    int
	BaseBackoff   time.Duration
	FallbackChain []string
}

type BudgetConfig struct {
	DBPath string
}

type CatalogConfig struct {
	ModelsFile  string
	RefreshSpec string
}

type SupervisorConfig struct {
	WebPorts     PortRange
	FlutterPorts PortRange
	Grace        time.Duration
	ReadyTimeout time.Duration
	LogRingSize  int
}

type EventsConfig struct {
	Buffer int
}

type WorkflowConfig struct {
	HistorySize int
}

type ArtifactsConfig struct {
	SigningKey string
	URLTTL     time.Duration
	S3         S3Config
}

type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Secure    bool
}

// Enabled reports whether the S3 mirror is configured.
func (c S3Config) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

type AuthConfig struct {
	APIKeys     []string
	SASecret    string
	RequireAuth bool
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
	Version      string
}

type RetentionConfig struct {
	Interval          time.Duration
	TaskRetention     time.Duration
	ArtifactRetention time.Duration
	ArchiveDir        string
}

// env is the flat environment surface; Load maps it into Config.
type env struct {
	Port    int    `envconfig:"APPFORGE_PORT" default:"8080"`
	Version string `envconfig:"APPFORGE_VERSION" default:"0.1.0"`
	DataDir string `envconfig:"APPFORGE_DATA_DIR" default:"./data"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"auto"`

	ProjectsDir string `envconfig:"PROJECTS_DIR" default:"./projects"`
	MemoryDir   string `envconfig:"MEMORY_DIR" default:"./data/project_memory"`

	OpenAIKey        string        `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL    string        `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	AnthropicKey     string        `envconfig:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL string        `envconfig:"ANTHROPIC_BASE_URL" default:"https://api.anthropic.com"`
	GoogleKey        string        `envconfig:"GOOGLE_API_KEY"`
	GroqKey          string        `envconfig:"GROQ_API_KEY"`
	GroqBaseURL      string        `envconfig:"GROQ_BASE_URL" default:"https://api.groq.com/openai/v1"`
	OllamaBaseURL    string        `envconfig:"OLLAMA_BASE_URL" default:"http://localhost:11434"`
	OllamaEnabled    bool          `envconfig:"OLLAMA_ENABLED" default:"true"`
	Emulated         bool          `envconfig:"EMULATED_PROVIDER" default:"false"`
	ProviderTimeout  time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"60s"`

	BreakerThreshold int           `envconfig:"BREAKER_THRESHOLD" default:"3"`
	BreakerCoolDown  time.Duration `envconfig:"BREAKER_COOLDOWN" default:"300s"`
	MaxRetries       int           `envconfig:"MAX_RETRIES" default:"3"`
	BaseBackoff      time.Duration `envconfig:"RETRY_BASE_BACKOFF" default:"500ms"`
	FallbackChain    []string      `envconfig:"FALLBACK_CHAIN" default:"openai,anthropic,google,groq,ollama"`

	BudgetDBPath string `envconfig:"BUDGET_DB_PATH"`

	ModelsFile         string `envconfig:"MODELS_FILE"`
	CatalogRefreshSpec string `envconfig:"CATALOG_REFRESH_SPEC" default:"@every 30m"`

	WebPorts     PortRange     `envconfig:"PREVIEW_PORT_RANGE_WEB" default:"3001-3999"`
	FlutterPorts PortRange     `envconfig:"PREVIEW_PORT_RANGE_FLUTTER" default:"8080-8180"`
	GraceSeconds int           `envconfig:"CHILD_SIGTERM_GRACE_SECONDS" default:"5"`
	ReadyTimeout time.Duration `envconfig:"PREVIEW_READY_TIMEOUT" default:"120s"`
	LogRingSize  int           `envconfig:"LOG_RING_SIZE" default:"1000"`

	EventBuffer     int `envconfig:"EVENT_BUFFER" default:"256"`
	FlowHistorySize int `envconfig:"FLOW_HISTORY_SIZE" default:"200"`

	ArtifactSigningKey string        `envconfig:"ARTIFACT_SIGNING_KEY"`
	ArtifactURLTTL     time.Duration `envconfig:"ARTIFACT_URL_TTL" default:"24h"`
	S3Endpoint         string        `envconfig:"ARTIFACT_S3_ENDPOINT"`
	S3Bucket           string        `envconfig:"ARTIFACT_S3_BUCKET"`
	S3AccessKey        string        `envconfig:"ARTIFACT_S3_ACCESS_KEY"`
	S3SecretKey        string        `envconfig:"ARTIFACT_S3_SECRET_KEY"`
	S3Region           string        `envconfig:"ARTIFACT_S3_REGION"`
	S3Secure           bool          `envconfig:"ARTIFACT_S3_SECURE" default:"true"`

	APIKeys     []string `envconfig:"APPFORGE_API_KEYS"`
	SASecret    string   `envconfig:"APPFORGE_SA_SECRET"`
	RequireAuth bool     `envconfig:"APPFORGE_REQUIRE_AUTH" default:"false"`

	OTELEnabled  bool   `envconfig:"OTEL_ENABLED" default:"false"`
	OTELEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4317"`
	OTELService  string `envconfig:"OTEL_SERVICE_NAME" default:"appforge"`

	RetentionInterval time.Duration `envconfig:"RETENTION_INTERVAL" default:"1h"`
	TaskRetention     time.Duration `envconfig:"TASK_RETENTION" default:"168h"`
	ArtifactRetention time.Duration `envconfig:"ARTIFACT_RETENTION" default:"168h"`
	ArchiveDir        string        `envconfig:"ARCHIVE_DIR"`
}

// Load reads a .env file when present, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var e env
	if err := envconfig.Process("", &e); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return e.build()
}

func (e env) build() (*Config, error) {
	if e.GraceSeconds < 0 {
		return nil, fmt.Errorf("config: CHILD_SIGTERM_GRACE_SECONDS must be >= 0")
	}
	if e.BreakerThreshold < 1 {
		return nil, fmt.Errorf("config: BREAKER_THRESHOLD must be >= 1")
	}
	signingKey := e.ArtifactSigningKey
	if signingKey == "" {
		signingKey = randomKey()
	}
	archiveDir := e.ArchiveDir
	if archiveDir == "" {
		archiveDir = filepath.Join(e.DataDir, "archive")
	}

	chain := make([]string, 0, len(e.FallbackChain))
	for _, p := range e.FallbackChain {
		if p = strings.TrimSpace(p); p != "" {
			chain = append(chain, p)
		}
	}
	keys := make([]string, 0, len(e.APIKeys))
	for _, k := range e.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}

	return &Config{
		Port:    e.Port,
		Version: e.Version,
		DataDir: e.DataDir,
		Log:     LogConfig{Level: e.LogLevel, Format: e.LogFormat},
		Workspace: WorkspaceConfig{
			ProjectsDir: e.ProjectsDir,
			MemoryDir:   e.MemoryDir,
		},
		Providers: ProvidersConfig{
			OpenAIKey:        e.OpenAIKey,
			OpenAIBaseURL:    e.OpenAIBaseURL,
			AnthropicKey:     e.AnthropicKey,
			AnthropicBaseURL: e.AnthropicBaseURL,
			GoogleKey:        e.GoogleKey,
			GroqKey:          e.GroqKey,
			GroqBaseURL:      e.GroqBaseURL,
			OllamaBaseURL:    e.OllamaBaseURL,
			OllamaEnabled:    e.OllamaEnabled,
			Emulated:         e.Emulated,
			Timeout:          e.ProviderTimeout,
		},
		Breaker: BreakerConfig{
			Threshold:     e.BreakerThreshold,
			CoolDown:      e.BreakerCoolDown,
			MaxRetries:    e.MaxRetries,
			BaseBackoff:   e.BaseBackoff,
			FallbackChain: chain,
		},
		Budget:  BudgetConfig{DBPath: e.BudgetDBPath},
		Catalog: CatalogConfig{ModelsFile: e.ModelsFile, RefreshSpec: e.CatalogRefreshSpec},
		Supervisor: SupervisorConfig{
			WebPorts:     e.WebPorts,
			FlutterPorts: e.FlutterPorts,
			Grace:        time.Duration(e.GraceSeconds) * time.Second,
			ReadyTimeout: e.ReadyTimeout,
			LogRingSize:  e.LogRingSize,
		},
		Events:   EventsConfig{Buffer: e.EventBuffer},
		Workflow: WorkflowConfig{HistorySize: e.FlowHistorySize},
		Artifacts: ArtifactsConfig{
			SigningKey: signingKey,
			URLTTL:     e.ArtifactURLTTL,
			S3: S3Config{
				Endpoint:  e.S3Endpoint,
				Bucket:    e.S3Bucket,
				AccessKey: e.S3AccessKey,
				SecretKey: e.S3SecretKey,
				Region:    e.S3Region,
				Secure:    e.S3Secure,
			},
		},
		Auth: AuthConfig{
			APIKeys:     keys,
			SASecret:    e.SASecret,
			RequireAuth: e.RequireAuth,
		},
		Telemetry: TelemetryConfig{
			Enabled:      e.OTELEnabled,
			OTLPEndpoint: e.OTELEndpoint,
			ServiceName:  e.OTELService,
			Version:      e.Version,
		},
		Retention: RetentionConfig{
			Interval:          e.RetentionInterval,
			TaskRetention:     e.TaskRetention,
			ArtifactRetention: e.ArtifactRetention,
			ArchiveDir:        archiveDir,
		},
	}, nil
}

// PortRange is an inclusive port interval written as "low-high".
type PortRange struct {
	Low  int
	High int
}

// Decode implements envconfig.Decoder.
func (r *PortRange) Decode(value string) error {
	parsed, err := ParsePortRange(value)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Size is the number of ports in the range.
func (r PortRange) Size() int {
	return r.High - r.Low + 1
}

func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Low, r.High)
}

// ParsePortRange parses "3001-3999".
func ParsePortRange(value string) (PortRange, error) {
	lo, hi, ok := strings.Cut(strings.TrimSpace(value), "-")
	if !ok {
		return PortRange{}, fmt.Errorf("port range %q: want low-high", value)
	}
	low, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return PortRange{}, fmt.Errorf("port range %q: %w", value, err)
	}
	high, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return PortRange{}, fmt.Errorf("port range %q: %w", value, err)
	}
	if low < 1 || high > 65535 || low > high {
		return PortRange{}, fmt.Errorf("port range %q: out of bounds", value)
	}
	return PortRange{Low: low, High: high}, nil
}

func randomKey() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(b)
}

package config_test

import (
	"testing"
	"time"

	"github.com/appforge/appforge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "./projects", cfg.Workspace.ProjectsDir)
	assert.Equal(t, "./data/project_memory", cfg.Workspace.MemoryDir)
	assert.Equal(t, "http://localhost:11434", cfg.Providers.OllamaBaseURL)
	assert.Equal(t, 60*time.Second, cfg.Providers.Timeout)
	assert.Equal(t, config.PortRange{Low: 3001, High: 3999}, cfg.Supervisor.WebPorts)
	assert.Equal(t, config.PortRange{Low: 8080, High: 8180}, cfg.Supervisor.FlutterPorts)
	assert.Equal(t, 5*time.Second, cfg.Supervisor.Grace)
	assert.Equal(t, []string{"openai", "anthropic", "google", "groq", "ollama"}, cfg.Breaker.FallbackChain)
	assert.Equal(t, 3, cfg.Breaker.Threshold)
	assert.Equal(t, 300*time.Second, cfg.Breaker.CoolDown)
	assert.NotEmpty(t, cfg.Artifacts.SigningKey)
	assert.False(t, cfg.Artifacts.S3.Enabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PROJECTS_DIR", "/srv/projects")
	t.Setenv("PREVIEW_PORT_RANGE_WEB", "4000-4010")
	t.Setenv("CHILD_SIGTERM_GRACE_SECONDS", "2")
	t.Setenv("FALLBACK_CHAIN", "anthropic, ollama")
	t.Setenv("APPFORGE_API_KEYS", "k1, k2")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "/srv/projects", cfg.Workspace.ProjectsDir)
	assert.Equal(t, 11, cfg.Supervisor.WebPorts.Size())
	assert.Equal(t, 2*time.Second, cfg.Supervisor.Grace)
	assert.Equal(t, []string{"anthropic", "ollama"}, cfg.Breaker.FallbackChain)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Auth.APIKeys)
}

func TestLoadRejectsBadPortRange(t *testing.T) {
	t.Setenv("PREVIEW_PORT_RANGE_FLUTTER", "9000")
	_, err := config.Load()
	assert.Error(t, err)
}

func TestParsePortRange(t *testing.T) {
	r, err := config.ParsePortRange(" 8080 - 8180 ")
	require.NoError(t, err)
	assert.Equal(t, 8080, r.Low)
	assert.Equal(t, 8180, r.High)
	assert.Equal(t, "8080-8180", r.String())

	_, err = config.ParsePortRange("9000-8000")
	assert.Error(t, err)
	_, err = config.ParsePortRange("abc-1")
	assert.Error(t, err)
}

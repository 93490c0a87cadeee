package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/internal/config"
	"github.com/appforge/appforge/pkg/models"
)

// offlineConfig loads configuration with only the emulated provider and
// every directory under a temp dir.
func offlineConfig(t *testing.T) ConfigLoader {
	t.Helper()
	dir := t.TempDir()
	for k, v := range map[string]string{
		"APPFORGE_DATA_DIR":    filepath.Join(dir, "data"),
		"PROJECTS_DIR":         filepath.Join(dir, "projects"),
		"MEMORY_DIR":           filepath.Join(dir, "memory"),
		"OLLAMA_ENABLED":       "false",
		"EMULATED_PROVIDER":    "true",
		"OPENAI_API_KEY":       "",
		"ANTHROPIC_API_KEY":    "",
		"GOOGLE_API_KEY":       "",
		"GROQ_API_KEY":         "",
		"CATALOG_REFRESH_SPEC": "",
		"OTEL_ENABLED":         "false",
	} {
		t.Setenv(k, v)
	}
	return config.Load
}

func run(t *testing.T, load ConfigLoader, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out, load)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, offlineConfig(t), "version")
	require.NoError(t, err)
	assert.Equal(t, "appforge dev\n", out)
}

func TestModelsCommandFilters(t *testing.T) {
	load := offlineConfig(t)

	out, err := run(t, load, "models", "--provider", "openai")
	require.NoError(t, err)
	assert.Contains(t, out, "MODEL")
	assert.Contains(t, out, "openai:gpt-4o-mini")
	assert.NotContains(t, out, "anthropic:")

	out, err = run(t, load, "models", "--capability", "embedding", "--json")
	require.NoError(t, err)
	var list []models.ModelDescriptor
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.NotEmpty(t, list)
	for _, m := range list {
		assert.True(t, m.Has(models.CapEmbedding), m.ID)
	}
}

func TestPromptCommandUsesEmulatedProvider(t *testing.T) {
	out, err := run(t, offlineConfig(t), "prompt", "hello", "there")
	require.NoError(t, err)
	assert.Contains(t, out, "hello there")
	assert.Contains(t, out, "emulated:synthetic")
}

func TestUsageErrorsMapToExitCode2(t *testing.T) {
	load := offlineConfig(t)
	cases := [][]string{
		{"prompt"},
		{"prompt", "  "},
		{"models", "extra"},
		{"version", "--no-such-flag"},
	}
	for _, args := range cases {
		_, err := run(t, load, args...)
		require.Error(t, err, args)
		assert.Equal(t, apperr.ExitUsage, apperr.ExitCode(err), args)
	}
}

package catalog_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/internal/catalog"
	"github.com/appforge/appforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribe(t *testing.T) {
	c := catalog.New()

	d, err := c.Describe("openai:gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "openai", d.Provider)
	assert.Equal(t, "gpt-4o", d.Name)
	assert.True(t, d.Has(models.CapVision))

	_, err = c.Describe("openai:does-not-exist")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestListByProviderAndCapability(t *testing.T) {
	c := catalog.NewWith(
		models.ModelDescriptor{Provider: "a", Name: "z", Capabilities: []models.Capability{models.CapText}},
		models.ModelDescriptor{Provider: "a", Name: "m", Capabilities: []models.Capability{models.CapText, models.CapCode}},
		models.ModelDescriptor{Provider: "b", Name: "x", Capabilities: []models.Capability{models.CapCode}},
	)

	assert.Equal(t, []string{"a:m", "a:z"}, c.ListBy("a"))
	assert.Equal(t, []string{"a:m", "b:x"}, c.ListByCapability(models.CapCode))
	assert.Empty(t, c.ListByCapability(models.CapEmbedding))
	assert.Equal(t, []string{"a", "b"}, c.Providers())
}

func TestReplaceProviderIsWholeTable(t *testing.T) {
	c := catalog.NewWith(
		models.ModelDescriptor{Provider: "ollama", Name: "old"},
		models.ModelDescriptor{Provider: "openai", Name: "gpt-4o"},
	)

	err := c.ReplaceProvider("ollama", []models.ModelDescriptor{
		{Provider: "ollama", Name: "new1"},
		{Provider: "ollama", Name: "new2"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ollama:new1", "ollama:new2"}, c.ListBy("ollama"))
	assert.Equal(t, []string{"openai:gpt-4o"}, c.ListBy("openai"))

	err = c.ReplaceProvider("ollama", []models.ModelDescriptor{{Provider: "openai", Name: "sneaky"}})
	assert.Error(t, err)
	assert.Equal(t, []string{"ollama:new1", "ollama:new2"}, c.ListBy("ollama"))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	body := `models:
  - provider: openai
    name: gpt-4.1
    quality: 9
    context_window: 1000000
    capabilities: [text, code]
    price_per_1k_in: 0.002
    price_per_1k_out: 0.008
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	c := catalog.New()
	n, err := c.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, err := c.Describe("openai:gpt-4.1")
	require.NoError(t, err)
	assert.Equal(t, 9, d.Quality)
	assert.InDelta(t, 0.005, d.AvgPrice(), 1e-9)
}

func TestLoadFileRejectsBadQuality(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models:\n  - provider: x\n    name: y\n    quality: 11\n"), 0o644))
	_, err := catalog.New().LoadFile(path)
	assert.Error(t, err)
}

type fakeLister struct {
	kind  string
	names []string
	err   error
}

func (f fakeLister) Kind() string { return f.kind }
func (f fakeLister) ListModels(context.Context) ([]string, error) {
	return f.names, f.err
}

func TestRefreshAll(t *testing.T) {
	c := catalog.New()
	r := catalog.NewRefresher(c,
		fakeLister{kind: "ollama", names: []string{"qwen2.5-coder:7b", "mistral:7b"}},
		fakeLister{kind: "groq", err: errors.New("unreachable")},
	)

	err := r.RefreshAll(context.Background())
	assert.Error(t, err, "groq failure is reported")

	assert.Equal(t, []string{"ollama:mistral:7b", "ollama:qwen2.5-coder:7b"}, c.ListBy("ollama"))
	known, err := c.Describe("ollama:qwen2.5-coder:7b")
	require.NoError(t, err)
	assert.Equal(t, 6, known.Quality, "known models keep their static attributes")

	assert.NotEmpty(t, c.ListBy("groq"), "failed provider keeps its table")
}

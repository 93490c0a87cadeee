package memory

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/pkg/models"
)

func TestRememberRecallForget(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	require.NoError(t, s.Remember("u", "p", models.MemTechStack, "framework", "flutter"))
	v, err := s.Recall("u", "p", models.MemTechStack, "framework", nil)
	require.NoError(t, err)
	assert.Equal(t, "flutter", v)

	v, err = s.Recall("u", "p", models.MemTechStack, "database", "none")
	require.NoError(t, err)
	assert.Equal(t, "none", v)

	assert.FileExists(t, filepath.Join(dir, "u_p.json"))

	existed, err := s.Forget("u", "p", models.MemTechStack, "framework")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = s.Forget("u", "p", models.MemTechStack, "framework")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestPersistsAcrossStores(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, New(dir).Remember("u", "p", models.MemPreferences, "theme", "dark"))

	v, err := New(dir).Recall("u", "p", models.MemPreferences, "theme", "")
	require.NoError(t, err)
	assert.Equal(t, "dark", v)
}

func TestSaveDropsCache(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Remember("u", "p", models.MemPreferences, "theme", "dark"))
	_, err := s.Load("u", "p")
	require.NoError(t, err)

	// an out-of-band edit is seen once the next save drops the cache
	pm := models.NewProjectMemory()
	pm[models.MemPreferences]["theme"] = models.MemoryEntry{Value: "light", Timestamp: time.Now()}
	require.NoError(t, s.Save("u", "p", pm))
	v, _ := s.Recall("u", "p", models.MemPreferences, "theme", "")
	assert.Equal(t, "light", v)
}

func TestLoadReturnsCopy(t *testing.T) {
	s := New(t.TempDir())
	pm, err := s.Load("u", "p")
	require.NoError(t, err)
	pm[models.MemFeatures]["x"] = models.MemoryEntry{Value: 1}

	again, err := s.Load("u", "p")
	require.NoError(t, err)
	assert.Empty(t, again[models.MemFeatures])
	assert.Len(t, again, len(models.AllMemoryCategories))
}

func TestValidation(t *testing.T) {
	s := New(t.TempDir())
	assert.ErrorIs(t, s.Remember("u", "p", "bogus", "k", 1), apperr.ErrValidation)
	assert.ErrorIs(t, s.Remember("u", "p", models.MemFeatures, " ", 1), apperr.ErrValidation)
	assert.ErrorIs(t, s.Remember("../u", "p", models.MemFeatures, "k", 1), apperr.ErrValidation)
	assert.ErrorIs(t, s.AddFeedback("u", "p", "nice", 7), apperr.ErrValidation)
	assert.ErrorIs(t, s.AddDecision("u", "p", "", "why"), apperr.ErrValidation)
}

func TestUpdateMetricKeepsRunningMean(t *testing.T) {
	s := New(t.TempDir())
	for _, v := range []float64{100, 200, 600} {
		require.NoError(t, s.UpdateMetric("u", "p", "ui_generation_ms", v))
	}
	v, err := s.Recall("u", "p", models.MemMetrics, "ui_generation_ms", nil)
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, 600.0, m["last"])
	assert.Equal(t, 3.0, m["count"])
	assert.InDelta(t, 300.0, m["avg"].(float64), 1e-9)
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	s := New(t.TempDir())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.UpdateMetric("u", "p", "builds", 1))
		}()
	}
	wg.Wait()
	v, _ := s.Recall("u", "p", models.MemMetrics, "builds", nil)
	assert.Equal(t, 20.0, v.(map[string]any)["count"])
}

func TestContextForAI(t *testing.T) {
	s := New(t.TempDir())
	empty, err := s.ContextForAI("u", "p")
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, s.Remember("u", "p", models.MemTechStack, "framework", "react"))
	require.NoError(t, s.AddDecision("u", "p", "Use Material 3", "consistent look"))
	require.NoError(t, s.AddFeedback("u", "p", "Buttons too small", 3))
	require.NoError(t, s.UpdateMetric("u", "p", "build_ms", 1500))

	ctx, err := s.ContextForAI("u", "p")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ctx, "Project memory:"))
	assert.Contains(t, ctx, "framework: react")
	assert.Contains(t, ctx, "Use Material 3 (because consistent look)")
	assert.Contains(t, ctx, "Buttons too small (rating 3/5)")
	assert.Contains(t, ctx, "build_ms: last 1500")
	// categories keep presentation order
	assert.Less(t, strings.Index(ctx, "[tech_stack]"), strings.Index(ctx, "[decisions]"))
}

func TestContextForAIIsBounded(t *testing.T) {
	s := New(t.TempDir())
	long := strings.Repeat("x", 300)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.AddDecision("u", "p", long, ""))
		require.NoError(t, s.AddFeedback("u", "p", long, 0))
	}
	ctx, err := s.ContextForAI("u", "p")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(ctx), contextMaxChars)
	assert.LessOrEqual(t, strings.Count(ctx, "\n- "), 2*contextEntriesPerCategory)
}

func TestDelete(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Remember("u", "p", models.MemFeatures, "auth", true))
	require.NoError(t, s.Delete("u", "p"))
	_, err := os.Stat(filepath.Join(dir, "u_p.json"))
	assert.True(t, os.IsNotExist(err))
	v, _ := s.Recall("u", "p", models.MemFeatures, "auth", false)
	assert.Equal(t, false, v)
	require.NoError(t, s.Delete("u", "p"))
}

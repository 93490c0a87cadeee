package retention

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/appforge/internal/store"
	"github.com/appforge/appforge/pkg/models"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedTask(t *testing.T, s store.TaskStore, id string, status models.TaskStatus, age time.Duration) {
	t.Helper()
	require.NoError(t, s.CreateTask(context.Background(), &models.Task{
		ID:        id,
		Type:      "create_ui",
		Owner:     "alice",
		Status:    status,
		CreatedAt: now.Add(-age),
	}))
}

type failingArchiver struct{}

func (failingArchiver) Kind() string { return "broken" }
func (failingArchiver) ArchiveTasks(context.Context, []*models.Task) (string, error) {
	return "", errors.New("disk full")
}
func (failingArchiver) HealthCheck(context.Context) error { return nil }

type fakeBuilds struct {
	mu      sync.Mutex
	jobs    []*models.BuildJob
	removed []string
}

func (f *fakeBuilds) ListBuilds(string) []*models.BuildJob { return f.jobs }
func (f *fakeBuilds) RemoveBuild(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

type fakeArtifacts struct{ removed []string }

func (f *fakeArtifacts) Remove(_ context.Context, dir, buildID string) error {
	f.removed = append(f.removed, filepath.Join(dir, buildID))
	return nil
}

type fakeProjects struct{}

func (fakeProjects) Path(owner, id string) (string, error) { return "/projects/" + owner + "/" + id, nil }

func newJanitor(s store.TaskStore, b Builds, a Artifacts) *Janitor {
	j := NewJanitor(s, b, a, fakeProjects{}, Options{
		Interval:          time.Hour,
		TaskRetention:     48 * time.Hour,
		ArtifactRetention: 24 * time.Hour,
	})
	j.now = func() time.Time { return now }
	return j
}

func readArchive(t *testing.T, path string) []models.Task {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)

	var out []models.Task
	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		var task models.Task
		require.NoError(t, json.Unmarshal(sc.Bytes(), &task))
		out = append(out, task)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestArchiveThenPurgeExpiredTasks(t *testing.T) {
	s := store.NewMemoryStore("")
	defer s.Close()
	seedTask(t, s, "old-done", models.TaskCompleted, 72*time.Hour)
	seedTask(t, s, "old-failed", models.TaskFailed, 50*time.Hour)
	seedTask(t, s, "old-running", models.TaskRunning, 72*time.Hour)
	seedTask(t, s, "fresh", models.TaskCompleted, time.Hour)

	j := newJanitor(s, nil, nil)
	j.RegisterArchiver(NewLocalFileArchiver(t.TempDir(), true))

	stats := j.RunCycle(context.Background())
	assert.Empty(t, stats.Errors)
	assert.Equal(t, 2, stats.TasksArchived)
	assert.Equal(t, 2, stats.TasksPurged)
	require.Len(t, stats.ArchiveRecords, 1)

	archived := readArchive(t, stats.ArchiveRecords[0])
	ids := []string{archived[0].ID, archived[1].ID}
	assert.ElementsMatch(t, []string{"old-done", "old-failed"}, ids)

	left, err := s.ListTasks(context.Background(), store.TaskFilter{})
	require.NoError(t, err)
	var leftIDs []string
	for _, task := range left {
		leftIDs = append(leftIDs, task.ID)
	}
	assert.ElementsMatch(t, []string{"old-running", "fresh"}, leftIDs)
}

func TestArchiveFailureKeepsTasks(t *testing.T) {
	s := store.NewMemoryStore("")
	defer s.Close()
	seedTask(t, s, "old", models.TaskCompleted, 72*time.Hour)

	j := newJanitor(s, nil, nil)
	j.RegisterArchiver(failingArchiver{})

	stats := j.RunCycle(context.Background())
	assert.Len(t, stats.Errors, 1)
	assert.Zero(t, stats.TasksPurged)

	_, err := s.GetTask(context.Background(), "old")
	assert.NoError(t, err)
}

func TestPurgeWithoutArchiver(t *testing.T) {
	s := store.NewMemoryStore("")
	defer s.Close()
	seedTask(t, s, "old", models.TaskCancelled, 72*time.Hour)

	stats := newJanitor(s, nil, nil).RunCycle(context.Background())
	assert.Equal(t, 1, stats.TasksPurged)
	assert.Zero(t, stats.TasksArchived)
}

func TestExpiredBuildsAreRemoved(t *testing.T) {
	s := store.NewMemoryStore("")
	defer s.Close()

	old := now.Add(-48 * time.Hour)
	recent := now.Add(-time.Hour)
	builds := &fakeBuilds{jobs: []*models.BuildJob{
		{ID: "b-old", Owner: "alice", ProjectID: "shop", State: models.BuildSucceeded, FinishedAt: &old},
		{ID: "b-recent", Owner: "alice", ProjectID: "shop", State: models.BuildFailed, FinishedAt: &recent},
		{ID: "b-running", Owner: "alice", ProjectID: "shop", State: models.BuildRunning},
	}}
	arts := &fakeArtifacts{}

	stats := newJanitor(s, builds, arts).RunCycle(context.Background())
	assert.Equal(t, 1, stats.BuildsRemoved)
	assert.Equal(t, []string{"b-old"}, builds.removed)
	assert.Equal(t, []string{filepath.Join("/projects/alice/shop", "b-old")}, arts.removed)
}

func TestLocalArchiverPlainJSONL(t *testing.T) {
	dir := t.TempDir()
	a := NewLocalFileArchiver(dir, false)
	require.NoError(t, a.HealthCheck(context.Background()))

	uri, err := a.ArchiveTasks(context.Background(), []*models.Task{{ID: "t1"}, {ID: "t2"}})
	require.NoError(t, err)
	assert.Equal(t, ".jsonl", filepath.Ext(uri))

	data, err := os.ReadFile(uri)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}


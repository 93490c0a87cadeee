package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/pkg/models"
)

const flushDelay = 500 * time.Millisecond

// taskFile is the on-disk shape of the store.
type taskFile struct {
	Tasks map[string]*models.Task `json:"tasks"`
}

// MemoryStore keeps tasks in a map. With a data dir every change schedules
// a rewrite of tasks.json; writes within flushDelay coalesce.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task

	path    string // "" disables persistence
	writeMu sync.Mutex
	timerMu sync.Mutex
	timer   *time.Timer
	closed  bool
}

// NewMemoryStore opens the store. A non-empty dataDir loads and persists
// dataDir/tasks.json.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{tasks: make(map[string]*models.Task)}
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Task store: data dir unusable, keeping tasks in memory only")
		} else {
			m.path = filepath.Join(dataDir, "tasks.json")
			m.load()
		}
	}
	log.Info().Str("file", m.path).Int("tasks", len(m.tasks)).Msg("Task store ready")
	return m
}

// markDirty schedules a flush unless one is already pending.
func (m *MemoryStore) markDirty() {
	if m.path == "" {
		return
	}
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.closed || m.timer != nil {
		return
	}
	m.timer = time.AfterFunc(flushDelay, func() {
		m.timerMu.Lock()
		m.timer = nil
		m.timerMu.Unlock()
		if err := m.flush(); err != nil {
			log.Error().Err(err).Str("file", m.path).Msg("Task store: flush failed")
		}
	})
}

// flush rewrites the task file through a temp file and rename.
func (m *MemoryStore) flush() error {
	m.mu.RLock()
	data, err := json.MarshalIndent(taskFile{Tasks: m.tasks}, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

// load reads the task file. Tasks still pending or running belonged to a
// process that is gone; they are marked failed.
func (m *MemoryStore) load() {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("file", m.path).Msg("Task store: cannot read task file, starting empty")
		return
	}
	var f taskFile
	if err := json.Unmarshal(data, &f); err != nil {
		log.Error().Err(err).Str("file", m.path).Msg("Task store: corrupt task file, starting empty")
		return
	}

	interrupted := 0
	for id, t := range f.Tasks {
		if t == nil {
			continue
		}
		if t.Status == models.TaskPending || t.Status == models.TaskRunning {
			t.Status = models.TaskFailed
			t.Error = "interrupted by restart"
			interrupted++
		}
		m.tasks[id] = t
	}
	if interrupted > 0 {
		log.Warn().Int("tasks", interrupted).Msg("Task store: interrupted tasks marked failed")
	}
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close cancels any pending flush and writes the final state once.
func (m *MemoryStore) Close() error {
	m.timerMu.Lock()
	if m.closed {
		m.timerMu.Unlock()
		return nil
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerMu.Unlock()

	if m.path == "" {
		return nil
	}
	return m.flush()
}

func cloneTask(t *models.Task) *models.Task {
	cp := *t
	return &cp
}

// ── Tasks ────────────────────────────────────────────────────

func (m *MemoryStore) CreateTask(_ context.Context, task *models.Task) error {
	if task.ID == "" {
		return apperr.New(apperr.ErrValidation, "task id is required")
	}
	m.mu.Lock()
	if _, exists := m.tasks[task.ID]; exists {
		m.mu.Unlock()
		return apperr.New(apperr.ErrConflict, "task %q already exists", task.ID)
	}
	m.tasks[task.ID] = cloneTask(task)
	m.mu.Unlock()
	m.markDirty()
	return nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, task *models.Task) error {
	m.mu.Lock()
	if _, ok := m.tasks[task.ID]; !ok {
		m.mu.Unlock()
		return apperr.New(apperr.ErrNotFound, "task %q not found", task.ID)
	}
	m.tasks[task.ID] = cloneTask(task)
	m.mu.Unlock()
	m.markDirty()
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, apperr.New(apperr.ErrNotFound, "task %q not found", id)
	}
	return cloneTask(t), nil
}

func (m *MemoryStore) ListTasks(_ context.Context, f TaskFilter) ([]*models.Task, error) {
	m.mu.RLock()
	out := make([]*models.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if f.Owner != "" && t.Owner != f.Owner {
			continue
		}
		if f.ProjectID != "" && t.ProjectID != f.ProjectID {
			continue
		}
		if f.FlowID != "" && t.FlowID != f.FlowID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, cloneTask(t))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func finished(s models.TaskStatus) bool {
	return s == models.TaskCompleted || s == models.TaskFailed || s == models.TaskCancelled
}

func (m *MemoryStore) DeleteFinishedBefore(_ context.Context, cutoff time.Time) ([]*models.Task, error) {
	m.mu.Lock()
	var removed []*models.Task
	for id, t := range m.tasks {
		if !finished(t.Status) || !t.CreatedAt.Before(cutoff) {
			continue
		}
		removed = append(removed, t)
		delete(m.tasks, id)
	}
	m.mu.Unlock()

	if len(removed) > 0 {
		m.markDirty()
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].CreatedAt.Before(removed[j].CreatedAt) })
	return removed, nil
}

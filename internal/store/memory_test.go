package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/internal/store"
	"github.com/appforge/appforge/pkg/models"
)

// newTestStore creates a fresh in-memory store with no persistence.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	return s
}

func task(id, owner string, status models.TaskStatus, created time.Time) *models.Task {
	return &models.Task{ID: id, Owner: owner, Type: "create_ui", Agent: "ui_agent", Status: status, CreatedAt: created}
}

// ─── Task CRUD ───────────────────────────────────────────────

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateTask(ctx, task("t1", "alice", models.TaskPending, time.Now())); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Owner != "alice" || got.Status != models.TaskPending {
		t.Errorf("GetTask() = %+v", got)
	}

	// returned records are copies
	got.Status = models.TaskCompleted
	again, _ := s.GetTask(ctx, "t1")
	if again.Status != models.TaskPending {
		t.Errorf("store was mutated through a returned pointer")
	}
}

func TestCreateTask_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_ = s.CreateTask(ctx, task("dup", "a", models.TaskPending, time.Now()))
	err := s.CreateTask(ctx, task("dup", "a", models.TaskPending, time.Now()))
	if !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("CreateTask() duplicate error = %v, want ErrConflict", err)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask(context.Background(), "missing")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetTask() error = %v, want ErrNotFound", err)
	}
	err = s.UpdateTask(context.Background(), task("missing", "a", models.TaskRunning, time.Now()))
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("UpdateTask() error = %v, want ErrNotFound", err)
	}
}

func TestListTasks_FilterAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 5; i++ {
		owner := "alice"
		status := models.TaskCompleted
		if i%2 == 1 {
			owner, status = "bob", models.TaskFailed
		}
		_ = s.CreateTask(ctx, task(fmt.Sprintf("t%d", i), owner, status, base.Add(time.Duration(i)*time.Second)))
	}

	all, _ := s.ListTasks(ctx, store.TaskFilter{})
	if len(all) != 5 || all[0].ID != "t4" {
		t.Fatalf("ListTasks() = %d tasks, first %q; want 5, t4", len(all), all[0].ID)
	}
	alice, _ := s.ListTasks(ctx, store.TaskFilter{Owner: "alice"})
	if len(alice) != 3 {
		t.Errorf("ListTasks(owner=alice) = %d, want 3", len(alice))
	}
	failed, _ := s.ListTasks(ctx, store.TaskFilter{Status: models.TaskFailed})
	if len(failed) != 2 {
		t.Errorf("ListTasks(status=failed) = %d, want 2", len(failed))
	}
	limited, _ := s.ListTasks(ctx, store.TaskFilter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("ListTasks(limit=2) = %d, want 2", len(limited))
	}
}

func TestDeleteFinishedBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	_ = s.CreateTask(ctx, task("old-done", "a", models.TaskCompleted, old))
	_ = s.CreateTask(ctx, task("old-running", "a", models.TaskRunning, old))
	_ = s.CreateTask(ctx, task("new-done", "a", models.TaskCompleted, time.Now()))

	removed, err := s.DeleteFinishedBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteFinishedBefore() error = %v", err)
	}
	if len(removed) != 1 || removed[0].ID != "old-done" {
		t.Fatalf("removed = %+v, want [old-done]", removed)
	}
	if _, err := s.GetTask(ctx, "old-running"); err != nil {
		t.Errorf("running task was removed")
	}
}

// ─── Persistence ─────────────────────────────────────────────

func TestSnapshotSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1 := store.NewMemoryStore(dir)
	_ = s1.CreateTask(ctx, task("done", "a", models.TaskCompleted, time.Now()))
	_ = s1.CreateTask(ctx, task("busy", "a", models.TaskRunning, time.Now()))
	if err := s1.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2 := store.NewMemoryStore(dir)
	defer s2.Close()
	got, err := s2.GetTask(ctx, "done")
	if err != nil || got.Status != models.TaskCompleted {
		t.Fatalf("GetTask(done) = %+v, %v", got, err)
	}
	busy, _ := s2.GetTask(ctx, "busy")
	if busy.Status != models.TaskFailed || busy.Error == "" {
		t.Errorf("interrupted task = %+v, want failed with an error", busy)
	}
}

func TestChangesFlushWithoutClose(t *testing.T) {
	dir := t.TempDir()
	s := store.NewMemoryStore(dir)
	defer s.Close()
	_ = s.CreateTask(context.Background(), task("t1", "a", models.TaskCompleted, time.Now()))

	path := filepath.Join(dir, "tasks.json")
	deadline := time.Now().Add(3 * time.Second)
	for {
		data, err := os.ReadFile(path)
		if err == nil && strings.Contains(string(data), `"t1"`) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("tasks.json not written within 3s (err = %v)", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

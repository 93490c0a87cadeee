// Package store provides the task storage interface and its in-memory
// implementation with snapshot persistence.
package store

import (
	"context"
	"time"

	"github.com/appforge/appforge/pkg/models"
)

// Store is the storage interface the orchestrator and the request surface
// depend on.
type Store interface {
	TaskStore

	// Ping checks if the backing storage is usable.
	Ping(ctx context.Context) error

	// Close flushes pending writes and releases resources.
	Close() error
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	Owner     string
	ProjectID string
	FlowID    string
	Status    models.TaskStatus
	Limit     int
}

// TaskStore manages agent task records.
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.Task) error
	UpdateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	// ListTasks returns matching tasks, newest first.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error)
	// DeleteFinishedBefore removes finished tasks older than cutoff and
	// returns them.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) ([]*models.Task, error)
}

// Package contracts defines the pluggable service boundaries of the AppForge
// control plane.
//
// The server wires concrete implementations from internal/ packages; these
// interfaces let an alternative implementation (a different archive backend
// or auth provider) be swapped in with a single change in the wiring code.
package contracts

import (
	"context"

	"github.com/appforge/appforge/pkg/models"
)

// ── Archive Driver ──────────────────────────────────────────

// ArchiveDriver writes expired task records to durable storage before the
// retention janitor purges them from the hot store.
// Implemented by retention.LocalFileArchiver (JSONL, optionally gzip).
type ArchiveDriver interface {
	// Kind returns the driver identifier (e.g. "local").
	Kind() string

	// ArchiveTasks writes one batch and returns a URI naming where it went.
	ArchiveTasks(ctx context.Context, tasks []*models.Task) (string, error)

	// HealthCheck verifies the backend is writable.
	HealthCheck(ctx context.Context) error
}

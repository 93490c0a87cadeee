// Package retention periodically archives and purges expired control plane
// data.
//
// Two kinds of data expire:
//   - task records: finished tasks older than TASK_RETENTION are archived
//     through the registered ArchiveDriver, then deleted from the task store;
//   - builds: terminal builds that finished more than ARTIFACT_RETENTION ago
//     lose their build_artifacts/<build_id> directory (and mirrored objects)
//     and are forgotten by the supervisor.
//
// Archive failures are fail-safe: tasks are NOT deleted if archiving fails.
// Without a registered archiver, expired tasks are purged directly.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/appforge/appforge/internal/store"
	"github.com/appforge/appforge/pkg/contracts"
	"github.com/appforge/appforge/pkg/models"
)

// DefaultArchiveBatchSize is the max records per archive write.
const DefaultArchiveBatchSize = 5000

// Builds is the slice of process.Supervisor the janitor sweeps.
type Builds interface {
	ListBuilds(owner string) []*models.BuildJob
	RemoveBuild(id string) error
}

// Artifacts removes a build's stored outputs.
type Artifacts interface {
	Remove(ctx context.Context, projectDir, buildID string) error
}

// Projects resolves project directories.
type Projects interface {
	Path(owner, id string) (string, error)
}

// Options configures the janitor. Zero retentions disable that sweep.
type Options struct {
	Interval          time.Duration
	TaskRetention     time.Duration
	ArtifactRetention time.Duration
}

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	TasksArchived  int
	TasksPurged    int
	BuildsRemoved  int
	ArchiveRecords []string
	Errors         []error
}

// Janitor periodically archives and purges expired data.
type Janitor struct {
	tasks     store.TaskStore
	builds    Builds
	artifacts Artifacts
	projects  Projects
	opts      Options
	now       func() time.Time

	driverMu sync.RWMutex
	driver   contracts.ArchiveDriver
}

// NewJanitor creates a retention janitor. builds, artifacts and projects may
// be nil, which disables the build sweep.
func NewJanitor(tasks store.TaskStore, builds Builds, artifacts Artifacts, projects Projects, opts Options) *Janitor {
	if opts.Interval < time.Minute {
		opts.Interval = time.Hour // minimum 1 hour
	}
	return &Janitor{
		tasks:     tasks,
		builds:    builds,
		artifacts: artifacts,
		projects:  projects,
		opts:      opts,
		now:       time.Now,
	}
}

// RegisterArchiver installs the archive driver tasks go through before
// they are purged.
func (j *Janitor) RegisterArchiver(driver contracts.ArchiveDriver) {
	j.driverMu.Lock()
	defer j.driverMu.Unlock()
	j.driver = driver
	log.Info().Str("kind", driver.Kind()).Msg("Archive driver registered")
}

func (j *Janitor) archiver() contracts.ArchiveDriver {
	j.driverMu.RLock()
	defer j.driverMu.RUnlock()
	return j.driver
}

// Start runs the janitor until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	kind := "none"
	if d := j.archiver(); d != nil {
		kind = d.Kind()
	}
	log.Info().
		Dur("interval", j.opts.Interval).
		Dur("task_retention", j.opts.TaskRetention).
		Dur("artifact_retention", j.opts.ArtifactRetention).
		Str("archiver", kind).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.opts.Interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one retention sweep.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	start := j.now()
	var stats CycleStats

	if j.opts.TaskRetention > 0 {
		j.sweepTasks(ctx, start.Add(-j.opts.TaskRetention), &stats)
	}
	if j.opts.ArtifactRetention > 0 && j.builds != nil {
		j.sweepBuilds(ctx, start.Add(-j.opts.ArtifactRetention), &stats)
	}

	for _, e := range stats.Errors {
		log.Warn().Err(e).Msg("Retention cycle error")
	}
	if stats.TasksPurged > 0 || stats.TasksArchived > 0 || stats.BuildsRemoved > 0 {
		log.Info().
			Int("archived_tasks", stats.TasksArchived).
			Int("purged_tasks", stats.TasksPurged).
			Int("removed_builds", stats.BuildsRemoved).
			Dur("elapsed", j.now().Sub(start)).
			Msg("Retention cycle complete")
	}
	return stats
}

func finished(s models.TaskStatus) bool {
	return s == models.TaskCompleted || s == models.TaskFailed || s == models.TaskCancelled
}

// sweepTasks archives then purges finished tasks created before cutoff.
func (j *Janitor) sweepTasks(ctx context.Context, cutoff time.Time, stats *CycleStats) {
	driver := j.archiver()
	archived := make(map[string]bool)

	if driver != nil {
		all, err := j.tasks.ListTasks(ctx, store.TaskFilter{})
		if err != nil {
			stats.Errors = append(stats.Errors, err)
			return
		}
		var expired []*models.Task
		for _, t := range all {
			if finished(t.Status) && t.CreatedAt.Before(cutoff) {
				expired = append(expired, t)
			}
		}
		if len(expired) == 0 {
			return
		}
		if !j.archive(ctx, driver, expired, archived, stats) {
			log.Warn().Int("tasks", len(expired)).Msg("Archive failed, skipping purge")
			return
		}
	}

	removed, err := j.tasks.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		return
	}
	stats.TasksPurged += len(removed)

	// Tasks that finished between listing and purging still get archived.
	if driver != nil {
		var late []*models.Task
		for _, t := range removed {
			if !archived[t.ID] {
				late = append(late, t)
			}
		}
		if len(late) > 0 {
			j.archive(ctx, driver, late, archived, stats)
		}
	}
}

func (j *Janitor) archive(ctx context.Context, driver contracts.ArchiveDriver, tasks []*models.Task, archived map[string]bool, stats *CycleStats) bool {
	allOK := true
	for i := 0; i < len(tasks); i += DefaultArchiveBatchSize {
		batch := tasks[i:min(i+DefaultArchiveBatchSize, len(tasks))]
		uri, err := driver.ArchiveTasks(ctx, batch)
		if err != nil {
			log.Warn().Err(err).
				Str("backend", driver.Kind()).
				Int("batch_size", len(batch)).
				Msg("Failed to archive tasks")
			stats.Errors = append(stats.Errors, err)
			allOK = false
			continue
		}
		for _, t := range batch {
			archived[t.ID] = true
		}
		stats.TasksArchived += len(batch)
		stats.ArchiveRecords = append(stats.ArchiveRecords, uri)
	}
	return allOK
}

// sweepBuilds drops the artifacts and records of long-finished builds.
func (j *Janitor) sweepBuilds(ctx context.Context, cutoff time.Time, stats *CycleStats) {
	for _, b := range j.builds.ListBuilds("") {
		if !b.State.Terminal() || b.FinishedAt == nil || !b.FinishedAt.Before(cutoff) {
			continue
		}
		if j.artifacts != nil && j.projects != nil {
			dir, err := j.projects.Path(b.Owner, b.ProjectID)
			if err == nil {
				err = j.artifacts.Remove(ctx, dir, b.ID)
			}
			if err != nil {
				log.Warn().Err(err).Str("build_id", b.ID).Msg("Failed to remove expired artifacts")
				stats.Errors = append(stats.Errors, err)
				continue
			}
		}
		if err := j.builds.RemoveBuild(b.ID); err != nil {
			stats.Errors = append(stats.Errors, err)
			continue
		}
		stats.BuildsRemoved++
	}
}

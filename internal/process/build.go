package process

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/internal/events"
	"github.com/appforge/appforge/pkg/models"
)

var errBuildCancelled = errors.New("build cancelled")

type build struct {
	mu        sync.Mutex
	job       models.BuildJob
	ring      *LogBuffer
	key       events.Key
	current   *child
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

func (b *build) snapshot() *models.BuildJob {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := b.job
	cp.Artifacts = append([]models.Artifact(nil), b.job.Artifacts...)
	return &cp
}

func projectKey(owner, projectID string) string { return owner + "/" + projectID }

// StartBuild queues a build of the project for platform and runs it in the
// background. A project has at most one running build.
func (s *Supervisor) StartBuild(ctx context.Context, owner, projectID string, platform models.BuildPlatform) (*models.BuildJob, error) {
	plat, ok := s.opts.Platforms[platform]
	if !ok {
		return nil, apperr.New(apperr.ErrValidation, "unknown build platform %q", platform)
	}
	dir, err := s.ws.Path(owner, projectID)
	if err != nil {
		return nil, err
	}
	if !s.ws.Exists(owner, projectID) {
		return nil, apperr.New(apperr.ErrNotFound, "project %s/%s not found", owner, projectID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())
	b := &build{
		job: models.BuildJob{
			ID:        id,
			Owner:     owner,
			ProjectID: projectID,
			Platform:  platform,
			State:     models.BuildQueued,
			StartedAt: s.now().UTC(),
			Artifacts: []models.Artifact{},
		},
		ring:   NewLogBuffer(s.opts.LogRingSize),
		key:    events.Key{Kind: events.KindBuild, ID: id},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	pk := projectKey(owner, projectID)
	s.mu.Lock()
	if running, busy := s.running[pk]; busy {
		s.mu.Unlock()
		cancel()
		return nil, apperr.New(apperr.ErrConflict, "project %s already has a running build", pk).WithDetail("build_id", running)
	}
	s.builds[id] = b
	s.running[pk] = id
	s.mu.Unlock()

	b.mu.Lock()
	s.emitBuildLocked(b, "queued", map[string]any{"platform": string(platform)})
	b.mu.Unlock()

	log.Info().Str("build_id", id).Str("owner", owner).Str("project", projectID).Str("platform", string(platform)).Msg("Build queued")

	go s.runBuild(runCtx, b, plat, dir)
	return b.snapshot(), nil
}

func (s *Supervisor) emitBuildLocked(b *build, name string, data map[string]any) {
	ev := event(s.now().UTC(), name, data)
	b.ring.Write(ev)
	s.bus.Publish(b.key, ev)

	summary := map[string]any{"build_id": b.job.ID, "project_id": b.job.ProjectID, "state": string(b.job.State)}
	s.bus.Publish(events.Key{Kind: events.KindUser, ID: b.job.Owner}, event(ev.Ts, "build_"+name, summary))
}

func (s *Supervisor) buildLine(b *build) lineFunc {
	return func(stream, line string) {
		b.mu.Lock()
		defer b.mu.Unlock()
		ev := models.Event{Ts: s.now().UTC(), Stream: stream, Text: line}
		b.ring.Write(ev)
		s.bus.Publish(b.key, ev)
		if isHotReload(line) {
			s.emitBuildLocked(b, "hot_reload", nil)
		}
	}
}

func (s *Supervisor) runBuild(ctx context.Context, b *build, plat Platform, dir string) {
	defer b.cancel()
	started := s.now()

	b.mu.Lock()
	if b.cancelled {
		b.mu.Unlock()
		s.finishBuild(b, nil, errBuildCancelled, nil, started)
		return
	}
	b.job.State = models.BuildRunning
	s.emitBuildLocked(b, "running", nil)
	b.mu.Unlock()

	var exitCode *int
	err := func() error {
		for i, step := range plat.Steps {
			if ctx.Err() != nil {
				return errBuildCancelled
			}
			b.mu.Lock()
			b.job.CurrentStep = step.Name
			s.emitBuildLocked(b, "step", map[string]any{"step": step.Name, "index": i, "command": step.Command.String()})
			b.mu.Unlock()

			proc, err := startChild(dir, step.Command, s.opts.Env, s.buildLine(b))
			if err != nil {
				return err
			}
			b.mu.Lock()
			b.current = proc
			cancelled := b.cancelled
			b.mu.Unlock()
			if cancelled {
				proc.stop(s.opts.Grace)
			}
			<-proc.done

			b.mu.Lock()
			b.current = nil
			cancelled = b.cancelled
			b.mu.Unlock()
			if cancelled {
				return errBuildCancelled
			}
			if proc.exitCode != 0 {
				code := proc.exitCode
				exitCode = &code
				return apperr.New(apperr.ErrProcess, "step %s (%s) exited with code %d", step.Name, step.Command, code)
			}
		}
		return nil
	}()

	var arts []models.Artifact
	if err == nil && s.collector != nil {
		arts, err = s.collector.Collect(ctx, b.job.ID, dir, plat.ArtifactKind, plat.Outputs)
		if err == nil && len(arts) == 0 {
			err = apperr.New(apperr.ErrProcess, "no build outputs matched %v", plat.Outputs)
		}
		if err != nil && ctx.Err() != nil {
			err = errBuildCancelled
		}
	}
	b.mu.Lock()
	cancelled := b.cancelled
	b.mu.Unlock()
	if cancelled && !errors.Is(err, errBuildCancelled) {
		// A cancel that lands during collection still wins.
		if len(arts) > 0 {
			s.discardArtifacts(dir, b.job.ID)
		}
		arts, err = nil, errBuildCancelled
	}
	if err == nil {
		zero := 0
		exitCode = &zero
	}
	s.finishBuild(b, arts, err, exitCode, started)
}

// artifactRemover is implemented by collectors that can delete what they
// collected.
type artifactRemover interface {
	Remove(ctx context.Context, projectDir, buildID string) error
}

func (s *Supervisor) discardArtifacts(dir, buildID string) {
	r, ok := s.collector.(artifactRemover)
	if !ok {
		return
	}
	if err := r.Remove(context.Background(), dir, buildID); err != nil {
		log.Warn().Err(err).Str("build_id", buildID).Msg("Failed to discard artifacts of cancelled build")
	}
}

func (s *Supervisor) finishBuild(b *build, arts []models.Artifact, err error, exitCode *int, started time.Time) {
	b.mu.Lock()
	now := s.now().UTC()
	b.job.FinishedAt = &now
	b.job.ExitCode = exitCode
	data := map[string]any{}
	switch {
	case errors.Is(err, errBuildCancelled):
		b.job.State = models.BuildCancelled
		b.job.Error = errBuildCancelled.Error()
	case err != nil:
		b.job.State = models.BuildFailed
		b.job.Error = err.Error()
		data["tail"] = b.ring.Lines(failureTail)
	default:
		b.job.State = models.BuildSucceeded
		b.job.Artifacts = arts
		data["artifacts"] = len(arts)
	}
	if b.job.Error != "" {
		data["error"] = b.job.Error
	}
	if exitCode != nil {
		data["exit_code"] = *exitCode
	}
	s.emitBuildLocked(b, string(b.job.State), data)
	s.bus.Close(b.key)
	job := b.job
	b.mu.Unlock()

	s.mu.Lock()
	pk := projectKey(job.Owner, job.ProjectID)
	if s.running[pk] == job.ID {
		delete(s.running, pk)
	}
	s.mu.Unlock()

	elapsed := s.now().Sub(started)
	if s.observer != nil {
		s.observer.BuildFinished(string(job.Platform), string(job.State), elapsed)
	}
	ev := log.Info()
	if job.State == models.BuildFailed {
		ev = log.Warn().Str("error", job.Error)
	}
	ev.Str("build_id", job.ID).Str("platform", string(job.Platform)).Str("state", string(job.State)).
		Dur("elapsed", elapsed).Int("artifacts", len(job.Artifacts)).Msg("Build finished")
	close(b.done)
}

func (s *Supervisor) lookupBuild(id string) (*build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return nil, apperr.New(apperr.ErrNotFound, "build %q not found", id)
	}
	return b, nil
}

// GetBuild returns a snapshot of a build.
func (s *Supervisor) GetBuild(id string) (*models.BuildJob, error) {
	b, err := s.lookupBuild(id)
	if err != nil {
		return nil, err
	}
	return b.snapshot(), nil
}

// ListBuilds returns builds newest first, optionally of one owner.
func (s *Supervisor) ListBuilds(owner string) []*models.BuildJob {
	s.mu.Lock()
	all := make([]*build, 0, len(s.builds))
	for _, b := range s.builds {
		all = append(all, b)
	}
	s.mu.Unlock()

	out := make([]*models.BuildJob, 0, len(all))
	for _, b := range all {
		snap := b.snapshot()
		if owner != "" && snap.Owner != owner {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CancelBuild stops the running step (SIGTERM, grace, SIGKILL), skips the
// remaining ones and waits for the build to reach cancelled.
func (s *Supervisor) CancelBuild(ctx context.Context, id string) (*models.BuildJob, error) {
	b, err := s.lookupBuild(id)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.job.State.Terminal() {
		state := b.job.State
		b.mu.Unlock()
		return b.snapshot(), apperr.New(apperr.ErrConflict, "build %s already %s", id, state)
	}
	b.cancelled = true
	proc := b.current
	b.mu.Unlock()

	log.Info().Str("build_id", id).Msg("Cancelling build")
	b.cancel()
	if proc != nil {
		proc.stop(s.opts.Grace)
	}
	select {
	case <-b.done:
		return b.snapshot(), nil
	case <-ctx.Done():
		return b.snapshot(), ctx.Err()
	}
}

// WaitBuild blocks until the build is terminal or ctx ends.
func (s *Supervisor) WaitBuild(ctx context.Context, id string) (*models.BuildJob, error) {
	b, err := s.lookupBuild(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-b.done:
		return b.snapshot(), nil
	case <-ctx.Done():
		return b.snapshot(), ctx.Err()
	}
}

// AttachBuild is AttachPreview for builds.
func (s *Supervisor) AttachBuild(id string) ([]models.Event, *events.Subscription, error) {
	b, err := s.lookupBuild(id)
	if err != nil {
		return nil, nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	replay := b.ring.Recent(0)
	sub := s.bus.Subscribe(b.key)
	if b.job.State.Terminal() {
		s.bus.Unsubscribe(sub)
	}
	return replay, sub, nil
}

// BuildLogs returns up to n buffered events of a build.
func (s *Supervisor) BuildLogs(id string, n int) ([]models.Event, error) {
	b, err := s.lookupBuild(id)
	if err != nil {
		return nil, err
	}
	return b.ring.Recent(n), nil
}

// RemoveBuild forgets a finished build.
func (s *Supervisor) RemoveBuild(id string) error {
	b, err := s.lookupBuild(id)
	if err != nil {
		return err
	}
	if st := b.snapshot().State; !st.Terminal() {
		return apperr.New(apperr.ErrConflict, "build %s is %s", id, st)
	}
	s.mu.Lock()
	delete(s.builds, id)
	s.mu.Unlock()
	return nil
}

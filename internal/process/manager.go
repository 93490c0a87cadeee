// Package process supervises the child processes behind preview servers
// and builds.
//
// A preview is a long-running dev server (npm run dev, flutter run) bound to
// a port the supervisor allocates; each owner has at most one. A build runs
// a platform's step list to completion and hands the outputs to the
// artifact store.
//
//	Supervisor
//	    ├─► StartPreview ─► child (process group) ─► LogBuffer + events.Bus
//	    └─► StartBuild   ─► step, step, ...       ─► Collector
package process

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/internal/config"
	"github.com/appforge/appforge/internal/events"
	"github.com/appforge/appforge/pkg/models"
)

const (
	maxPortAttempts = 100
	failureTail     = 20
)

// portAllocator hands out random free ports and remembers which are held.
type portAllocator struct {
	mu   sync.Mutex
	used map[int]bool
	free func(port int) bool
}

func newPortAllocator() *portAllocator {
	return &portAllocator{used: make(map[int]bool), free: portFree}
}

// portFree asks the OS whether port can be bound on all interfaces.
func portFree(port int) bool {
	l, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

func (pa *portAllocator) Allocate(r config.PortRange) (int, error) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	for i := 0; i < maxPortAttempts; i++ {
		port := r.Low + rand.IntN(r.Size())
		if pa.used[port] || !pa.free(port) {
			continue
		}
		pa.used[port] = true
		return port, nil
	}
	return 0, apperr.New(apperr.ErrProcess, "no free port in %s after %d attempts", r, maxPortAttempts)
}

func (pa *portAllocator) Release(port int) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	delete(pa.used, port)
}

func (pa *portAllocator) Held() []int {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	out := make([]int, 0, len(pa.used))
	for p := range pa.used {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Workspaces resolves project directories.
type Workspaces interface {
	Path(owner, id string) (string, error)
	Exists(owner, id string) bool
}

// Collector copies build outputs into the artifact store.
type Collector interface {
	Collect(ctx context.Context, buildID, projectDir, kind string, patterns []string) ([]models.Artifact, error)
}

// Observer is notified of supervisor activity (metrics).
type Observer interface {
	PreviewsActive(n int)
	BuildFinished(platform, state string, elapsed time.Duration)
}

// Options tunes the supervisor. Zero values take the defaults.
type Options struct {
	WebPorts        config.PortRange
	FlutterPorts    config.PortRange
	Grace           time.Duration
	ReadyTimeout    time.Duration
	LogRingSize     int
	PreviewCommands map[models.PreviewKind]PreviewCommand
	Platforms       map[models.BuildPlatform]Platform
	// Env is appended to the inherited environment of every child.
	Env []string
}

// OptionsFromConfig maps the supervisor config section onto Options with
// the default commands and platforms.
func OptionsFromConfig(cfg config.SupervisorConfig) Options {
	return Options{
		WebPorts:     cfg.WebPorts,
		FlutterPorts: cfg.FlutterPorts,
		Grace:        cfg.Grace,
		ReadyTimeout: cfg.ReadyTimeout,
		LogRingSize:  cfg.LogRingSize,
	}
}

func (o *Options) defaults() {
	if o.WebPorts.Size() <= 0 {
		o.WebPorts = config.PortRange{Low: 3001, High: 3999}
	}
	if o.FlutterPorts.Size() <= 0 {
		o.FlutterPorts = config.PortRange{Low: 8080, High: 8180}
	}
	if o.Grace <= 0 {
		o.Grace = 5 * time.Second
	}
	if o.LogRingSize <= 0 {
		o.LogRingSize = DefaultLogRingSize
	}
	if o.PreviewCommands == nil {
		o.PreviewCommands = DefaultPreviewCommands()
	}
	if o.Platforms == nil {
		o.Platforms = DefaultPlatforms()
	}
}

// Supervisor owns every preview server and build job of the process.
type Supervisor struct {
	opts      Options
	ws        Workspaces
	bus       *events.Bus
	collector Collector
	observer  Observer
	ports     *portAllocator
	now       func() time.Time

	mu         sync.Mutex
	previews   map[string]*preview // by preview id, includes the last finished one per owner
	byOwner    map[string]string   // owner → active preview id
	ownerLocks map[string]*sync.Mutex
	builds     map[string]*build
	running    map[string]string // owner/project → running build id
}

// New creates a supervisor. collector may be nil, in which case builds
// succeed without artifacts.
func New(opts Options, ws Workspaces, bus *events.Bus, collector Collector) *Supervisor {
	opts.defaults()
	if bus == nil {
		bus = events.New(0)
	}
	return &Supervisor{
		opts:       opts,
		ws:         ws,
		bus:        bus,
		collector:  collector,
		ports:      newPortAllocator(),
		now:        time.Now,
		previews:   make(map[string]*preview),
		byOwner:    make(map[string]string),
		ownerLocks: make(map[string]*sync.Mutex),
		builds:     make(map[string]*build),
		running:    make(map[string]string),
	}
}

// SetObserver installs a metrics observer.
func (s *Supervisor) SetObserver(o Observer) { s.observer = o }

// Bus returns the event bus the supervisor publishes on.
func (s *Supervisor) Bus() *events.Bus { return s.bus }

// Platforms lists the configured build targets.
func (s *Supervisor) Platforms() []models.BuildPlatform {
	out := make([]models.BuildPlatform, 0, len(s.opts.Platforms))
	for p := range s.opts.Platforms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ── Previews ─────────────────────────────────────────────────

type preview struct {
	mu       sync.Mutex // orders ring writes with bus publishes
	info     models.PreviewServer
	ring     *LogBuffer
	proc     *child
	key      events.Key
	markers  []string
	stopping bool
	failure  string

	readyOnce sync.Once
	ready     chan struct{}
	finished  chan struct{}
}

func (p *preview) terminalLocked() bool {
	return p.info.State == models.ProcessStopped || p.info.State == models.ProcessFailed
}

func (p *preview) snapshot() *models.PreviewServer {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := p.info
	return &cp
}

func (s *Supervisor) ownerLock(owner string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ownerLocks[owner]
	if !ok {
		l = &sync.Mutex{}
		s.ownerLocks[owner] = l
	}
	return l
}

func (s *Supervisor) portRange(kind models.PreviewKind) config.PortRange {
	if kind == models.PreviewFlutterWeb {
		return s.opts.FlutterPorts
	}
	return s.opts.WebPorts
}

// StartPreview launches a dev server for a project. An owner's running
// preview is stopped (and its port freed) before the new one starts.
func (s *Supervisor) StartPreview(ctx context.Context, owner, projectID string, kind models.PreviewKind) (*models.PreviewServer, error) {
	pc, ok := s.opts.PreviewCommands[kind]
	if !ok {
		return nil, apperr.New(apperr.ErrValidation, "unknown preview framework %q", kind)
	}
	dir, err := s.ws.Path(owner, projectID)
	if err != nil {
		return nil, err
	}
	if !s.ws.Exists(owner, projectID) {
		return nil, apperr.New(apperr.ErrNotFound, "project %s/%s not found", owner, projectID)
	}

	lock := s.ownerLock(owner)
	lock.Lock()
	defer lock.Unlock()

	if old := s.activePreview(owner); old != nil {
		log.Info().Str("owner", owner).Str("preview_id", old.info.ID).Msg("Replacing running preview")
		s.stopPreview(old)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	port, err := s.ports.Allocate(s.portRange(kind))
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	p := &preview{
		info: models.PreviewServer{
			ID:        id,
			Owner:     owner,
			ProjectID: projectID,
			Framework: kind,
			Port:      port,
			URL:       fmt.Sprintf("http://localhost:%d", port),
			State:     models.ProcessStarting,
			StartedAt: s.now().UTC(),
		},
		ring:     NewLogBuffer(s.opts.LogRingSize),
		key:      events.Key{Kind: events.KindPreview, ID: id},
		markers:  pc.Ready,
		ready:    make(chan struct{}),
		finished: make(chan struct{}),
	}

	env := append([]string{"PORT=" + strconv.Itoa(port), "HOST=0.0.0.0", "BROWSER=none"}, s.opts.Env...)
	cmd := pc.Command(port)
	proc, err := startChild(dir, cmd, env, s.previewLine(p))
	if err != nil {
		s.ports.Release(port)
		return nil, err
	}

	// Registered only once the child runs: anything that can look the
	// preview up may rely on p.proc being set.
	p.mu.Lock()
	p.proc = proc
	p.info.PID = proc.pid()
	s.emitPreviewLocked(p, "starting", map[string]any{"port": port, "command": cmd.String()})
	p.mu.Unlock()

	s.mu.Lock()
	for pid, prev := range s.previews {
		if prev.info.Owner == owner && pid != id {
			delete(s.previews, pid)
		}
	}
	s.previews[id] = p
	s.byOwner[owner] = id
	s.mu.Unlock()

	log.Info().
		Str("owner", owner).
		Str("project", projectID).
		Str("preview_id", id).
		Str("framework", string(kind)).
		Int("port", port).
		Int("pid", proc.pid()).
		Msg("Preview server started")

	go s.watchPreview(p)
	s.reportPreviews()
	return p.snapshot(), nil
}

func (s *Supervisor) activePreview(owner string) *preview {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byOwner[owner]
	if !ok {
		return nil
	}
	return s.previews[id]
}

func (s *Supervisor) lookupPreview(id string) (*preview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.previews[id]
	if !ok {
		return nil, apperr.New(apperr.ErrNotFound, "preview %q not found", id)
	}
	return p, nil
}

func event(ts time.Time, name string, data map[string]any) models.Event {
	return models.Event{Ts: ts, Stream: models.StreamEvent, Event: name, Data: data}
}

func (s *Supervisor) emitPreviewLocked(p *preview, name string, data map[string]any) {
	ev := event(s.now().UTC(), name, data)
	p.ring.Write(ev)
	s.bus.Publish(p.key, ev)

	summary := map[string]any{"preview_id": p.info.ID, "project_id": p.info.ProjectID, "state": string(p.info.State)}
	s.bus.Publish(events.Key{Kind: events.KindUser, ID: p.info.Owner}, event(ev.Ts, "preview_"+name, summary))
}

func (s *Supervisor) previewLine(p *preview) lineFunc {
	return func(stream, line string) {
		p.mu.Lock()
		defer p.mu.Unlock()
		ev := models.Event{Ts: s.now().UTC(), Stream: stream, Text: line}
		p.ring.Write(ev)
		s.bus.Publish(p.key, ev)

		if p.info.State == models.ProcessStarting && containsAny(line, p.markers) {
			p.info.State = models.ProcessRunning
			p.readyOnce.Do(func() { close(p.ready) })
			s.emitPreviewLocked(p, "ready", map[string]any{"url": p.info.URL, "port": p.info.Port})
		}
		if isHotReload(line) {
			s.emitPreviewLocked(p, "hot_reload", nil)
		}
	}
}

// watchPreview enforces the readiness deadline and finalizes the preview
// once its process exits.
func (s *Supervisor) watchPreview(p *preview) {
	var deadline <-chan time.Time
	if s.opts.ReadyTimeout > 0 {
		t := time.NewTimer(s.opts.ReadyTimeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		select {
		case <-p.proc.done:
			s.finishPreview(p)
			return
		case <-deadline:
			deadline = nil
			p.mu.Lock()
			starting := p.info.State == models.ProcessStarting
			if starting {
				p.failure = fmt.Sprintf("not ready after %s", s.opts.ReadyTimeout)
			}
			p.mu.Unlock()
			if starting {
				log.Warn().Str("preview_id", p.info.ID).Dur("timeout", s.opts.ReadyTimeout).Msg("Preview did not become ready, stopping")
				go p.proc.stop(s.opts.Grace)
			}
		}
	}
}

func (s *Supervisor) finishPreview(p *preview) {
	p.mu.Lock()
	now := s.now().UTC()
	code := p.proc.exitCode
	switch {
	case p.failure != "":
		p.info.State = models.ProcessFailed
		p.info.Error = p.failure
	case p.stopping || code == 0:
		p.info.State = models.ProcessStopped
	default:
		p.info.State = models.ProcessFailed
		p.info.Error = fmt.Sprintf("exited with code %d", code)
	}
	p.info.StoppedAt = &now
	data := map[string]any{"exit_code": code}
	if p.info.State == models.ProcessFailed {
		data["error"] = p.info.Error
		data["tail"] = p.ring.Lines(failureTail)
	}
	s.emitPreviewLocked(p, string(p.info.State), data)
	s.bus.Close(p.key)
	info := p.info
	p.mu.Unlock()

	s.ports.Release(info.Port)
	s.mu.Lock()
	if s.byOwner[info.Owner] == info.ID {
		delete(s.byOwner, info.Owner)
	}
	s.mu.Unlock()

	ev := log.Info()
	if info.State == models.ProcessFailed {
		ev = log.Warn().Str("error", info.Error)
	}
	ev.Str("preview_id", info.ID).Str("owner", info.Owner).Int("port", info.Port).Str("state", string(info.State)).Msg("Preview server exited")

	close(p.finished)
	s.reportPreviews()
}

// stopPreview terminates p and waits until it is finalized.
func (s *Supervisor) stopPreview(p *preview) {
	p.mu.Lock()
	p.stopping = true
	proc := p.proc
	p.mu.Unlock()
	if proc != nil {
		proc.stop(s.opts.Grace)
	}
	<-p.finished
}

// StopPreview stops a preview: SIGTERM, the grace period, then SIGKILL.
// Its port is free and its event channel closed when this returns.
// Stopping a finished preview is a no-op.
func (s *Supervisor) StopPreview(ctx context.Context, id string) (*models.PreviewServer, error) {
	p, err := s.lookupPreview(id)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		s.stopPreview(p)
		close(done)
	}()
	select {
	case <-done:
		return p.snapshot(), nil
	case <-ctx.Done():
		return p.snapshot(), ctx.Err()
	}
}

// ReloadPreview triggers a reload: flutter gets "r" on stdin (hot reload),
// web servers reload on their own so only an event is published.
func (s *Supervisor) ReloadPreview(id string) error {
	p, err := s.lookupPreview(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminalLocked() || p.proc == nil {
		return apperr.New(apperr.ErrConflict, "preview %s is %s", id, p.info.State)
	}
	if p.info.Framework == models.PreviewFlutterWeb {
		if err := p.proc.write("r\n"); err != nil {
			return apperr.Wrap(apperr.ErrProcess, err, "send hot reload")
		}
	}
	s.emitPreviewLocked(p, "reload", nil)
	return nil
}

// PreviewStatus returns a snapshot of a preview.
func (s *Supervisor) PreviewStatus(id string) (*models.PreviewServer, error) {
	p, err := s.lookupPreview(id)
	if err != nil {
		return nil, err
	}
	return p.snapshot(), nil
}

// ListPreviews returns the active previews, optionally of one owner.
func (s *Supervisor) ListPreviews(owner string) []*models.PreviewServer {
	s.mu.Lock()
	active := make([]*preview, 0, len(s.byOwner))
	for o, id := range s.byOwner {
		if owner != "" && o != owner {
			continue
		}
		if p, ok := s.previews[id]; ok {
			active = append(active, p)
		}
	}
	s.mu.Unlock()

	out := make([]*models.PreviewServer, 0, len(active))
	for _, p := range active {
		out = append(out, p.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// StopAll stops every active preview concurrently and returns how many
// were stopped.
func (s *Supervisor) StopAll(ctx context.Context) (int, error) {
	active := s.ListPreviews("")
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range active {
		id := p.ID
		g.Go(func() error {
			_, err := s.StopPreview(ctx, id)
			return err
		})
	}
	return len(active), g.Wait()
}

// WaitPreviewReady blocks until the preview reports its heartbeat, fails,
// or ctx ends.
func (s *Supervisor) WaitPreviewReady(ctx context.Context, id string) (*models.PreviewServer, error) {
	p, err := s.lookupPreview(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-p.ready:
		return p.snapshot(), nil
	case <-p.finished:
		snap := p.snapshot()
		return snap, apperr.New(apperr.ErrProcess, "preview %s %s before it was ready: %s", id, snap.State, snap.Error).
			WithDetail("tail", p.ring.Lines(failureTail))
	case <-ctx.Done():
		return p.snapshot(), ctx.Err()
	}
}

// AttachPreview returns the buffered events and a live subscription. The
// replay and the subscription are taken atomically, so no event is lost or
// duplicated between them. For a finished preview the subscription is
// already closed.
func (s *Supervisor) AttachPreview(id string) ([]models.Event, *events.Subscription, error) {
	p, err := s.lookupPreview(id)
	if err != nil {
		return nil, nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	replay := p.ring.Recent(0)
	sub := s.bus.Subscribe(p.key)
	if p.terminalLocked() {
		s.bus.Unsubscribe(sub)
	}
	return replay, sub, nil
}

// PreviewLogs returns up to n buffered events.
func (s *Supervisor) PreviewLogs(id string, n int) ([]models.Event, error) {
	p, err := s.lookupPreview(id)
	if err != nil {
		return nil, err
	}
	return p.ring.Recent(n), nil
}

func (s *Supervisor) reportPreviews() {
	if s.observer == nil {
		return
	}
	s.mu.Lock()
	n := len(s.byOwner)
	s.mu.Unlock()
	s.observer.PreviewsActive(n)
}

// Shutdown stops all previews and cancels running builds.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	var ids []string
	for _, id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		if _, err := s.CancelBuild(ctx, id); err != nil {
			log.Warn().Err(err).Str("build_id", id).Msg("Cancel build on shutdown")
		}
	}
	n, err := s.StopAll(ctx)
	log.Info().Int("previews", n).Int("builds", len(ids)).Msg("Process supervisor stopped")
	return err
}

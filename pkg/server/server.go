// Package server wires the AppForge control plane from configuration.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	srv.Start(ctx)
//	http.ListenAndServe(fmt.Sprintf(":%d", srv.Port), srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/appforge/appforge/internal/agents"
	"github.com/appforge/appforge/internal/api"
	"github.com/appforge/appforge/internal/api/handlers"
	"github.com/appforge/appforge/internal/artifact"
	"github.com/appforge/appforge/internal/auth"
	"github.com/appforge/appforge/internal/budget"
	"github.com/appforge/appforge/internal/catalog"
	"github.com/appforge/appforge/internal/config"
	"github.com/appforge/appforge/internal/events"
	"github.com/appforge/appforge/internal/llm"
	"github.com/appforge/appforge/internal/memory"
	"github.com/appforge/appforge/internal/process"
	"github.com/appforge/appforge/internal/provider"
	"github.com/appforge/appforge/internal/resilience"
	"github.com/appforge/appforge/internal/retention"
	"github.com/appforge/appforge/internal/router"
	"github.com/appforge/appforge/internal/store"
	"github.com/appforge/appforge/internal/telemetry"
	"github.com/appforge/appforge/internal/workflow"
	"github.com/appforge/appforge/internal/workspace"
)

// Server holds the initialized control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Port is the port the server should listen on.
	Port int

	Config     *config.Config
	Catalog    *catalog.Catalog
	Providers  *provider.Registry
	LLM        *llm.Service
	Engine     *workflow.Engine
	Supervisor *process.Supervisor
	Tasks      *store.MemoryStore

	refresher   *catalog.Refresher
	janitor     *retention.Janitor
	budgetStore *budget.Store
	telemetry   func(context.Context) error
	cancel      context.CancelFunc
}

// New loads configuration from the environment and builds a Server.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig builds every component from cfg. Background work does not
// begin until Start.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without tracing")
		shutdownTelemetry = func(context.Context) error { return nil }
	}
	metrics := telemetry.NewMetrics()

	cat := catalog.New()
	if cfg.Catalog.ModelsFile != "" {
		n, err := cat.LoadFile(cfg.Catalog.ModelsFile)
		if err != nil {
			return nil, fmt.Errorf("load models file: %w", err)
		}
		log.Info().Str("file", cfg.Catalog.ModelsFile).Int("models", n).Msg("Model catalog seeded")
	}

	reg := provider.FromConfig(ctx, cfg.Providers)
	var listers []catalog.Lister
	for _, l := range reg.Listers() {
		listers = append(listers, l)
	}
	refresher := catalog.NewRefresher(cat, listers...)

	health := resilience.NewHealthTracker(cfg.Breaker.Threshold, cfg.Breaker.CoolDown)
	caller := resilience.NewCaller(reg, cat, health, resilience.Options{
		MaxRetries:    cfg.Breaker.MaxRetries,
		BaseBackoff:   cfg.Breaker.BaseBackoff,
		FallbackChain: cfg.Breaker.FallbackChain,
		Observer:      metrics,
	})

	var (
		ledger      *budget.Ledger
		budgetStore *budget.Store
	)
	if cfg.Budget.DBPath != "" {
		budgetStore, err = budget.OpenStore(cfg.Budget.DBPath)
		if err != nil {
			return nil, err
		}
		ledger, err = budget.NewPersistentLedger(ctx, cat, budgetStore)
		if err != nil {
			_ = budgetStore.Close()
			return nil, err
		}
	} else {
		ledger = budget.NewLedger(cat)
	}

	rt := router.New(cat, health, ledger, reg)

	ws := workspace.New(cfg.Workspace.ProjectsDir)
	mem := memory.New(cfg.Workspace.MemoryDir)

	svc := llm.NewService(rt, ledger, caller, mem)
	svc.SetObserver(metrics)

	arts, err := artifact.New(cfg.Artifacts)
	if err != nil {
		if budgetStore != nil {
			_ = budgetStore.Close()
		}
		return nil, err
	}

	bus := events.New(cfg.Events.Buffer)
	sup := process.New(process.OptionsFromConfig(cfg.Supervisor), ws, bus, arts)
	sup.SetObserver(metrics)

	set := agents.NewSet(
		agents.NewUIAgent(svc),
		agents.NewCodeAgent(svc),
		agents.NewPreviewAgent(sup, ws),
		agents.NewBuildAgent(sup, ws),
		agents.NewPackageAgent(sup, arts, ws, cfg.Artifacts.URLTTL),
	)

	tasks := store.NewMemoryStore(cfg.DataDir)
	engine := workflow.NewEngine(set, tasks, ws, mem, bus, workflow.Options{HistorySize: cfg.Workflow.HistorySize})
	engine.SetObserver(metrics)

	janitor := retention.NewJanitor(tasks, sup, arts, ws, retention.Options{
		Interval:          cfg.Retention.Interval,
		TaskRetention:     cfg.Retention.TaskRetention,
		ArtifactRetention: cfg.Retention.ArtifactRetention,
	})
	if cfg.Retention.ArchiveDir != "" {
		janitor.RegisterArchiver(retention.NewLocalFileArchiver(cfg.Retention.ArchiveDir, true))
	}

	h := &handlers.Handlers{
		Version:    cfg.Version,
		Store:      tasks,
		Engine:     engine,
		Supervisor: sup,
		Artifacts:  arts,
		Workspace:  ws,
		Memory:     mem,
		Catalog:    cat,
		Refresher:  refresher,
		Health:     health,
		Budget:     ledger,
		Metrics:    metrics.Handler(),
		URLTTL:     cfg.Artifacts.URLTTL,
	}
	handler := api.NewRouter(h, api.Options{
		Auth:        auth.FromConfig(cfg.Auth),
		RequireAuth: cfg.Auth.RequireAuth,
		Metrics:     metrics,
	})

	log.Info().
		Strs("providers", reg.Kinds()).
		Int("models", cat.Count()).
		Bool("budget_persistent", budgetStore != nil).
		Bool("auth_required", cfg.Auth.RequireAuth).
		Msg("AppForge control plane initialized")

	return &Server{
		Handler:     handler,
		Port:        cfg.Port,
		Config:      cfg,
		Catalog:     cat,
		Providers:   reg,
		LLM:         svc,
		Engine:      engine,
		Supervisor:  sup,
		Tasks:       tasks,
		refresher:   refresher,
		janitor:     janitor,
		budgetStore: budgetStore,
		telemetry:   shutdownTelemetry,
	}, nil
}

// Start launches the catalog refresh schedule and the retention janitor.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if err := s.refresher.Start(ctx, s.Config.Catalog.RefreshSpec); err != nil {
		cancel()
		return err
	}
	if s.Config.Retention.Interval > 0 {
		go s.janitor.Start(ctx)
	}
	return nil
}

// Shutdown stops flows first, then the processes they started, then the
// stores. Every step runs; the errors are joined.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.refresher.Stop()

	var errs []error
	if err := s.Engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("workflow engine: %w", err))
	}
	if err := s.Supervisor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("supervisor: %w", err))
	}
	if err := s.Tasks.Close(); err != nil {
		errs = append(errs, fmt.Errorf("task store: %w", err))
	}
	if s.budgetStore != nil {
		if err := s.budgetStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("budget store: %w", err))
		}
	}
	if err := s.telemetry(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}

// Run serves HTTP on s.Port until ctx is done, then drains requests and
// shuts every component down within shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.Port),
		Handler:      s.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // build downloads and WebSocket streams are long-lived
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", s.Port).Str("version", s.Config.Version).Msg("AppForge control plane listening")
		errCh <- httpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down gracefully...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}
	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Component shutdown reported errors")
	}
	return serveErr
}

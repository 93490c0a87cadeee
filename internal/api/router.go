// Package api assembles the HTTP surface of the control plane.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/appforge/appforge/internal/api/handlers"
	"github.com/appforge/appforge/internal/api/middleware"
	"github.com/appforge/appforge/pkg/contracts"
)

// Options configures the router middleware.
type Options struct {
	Auth        contracts.Authenticator
	RequireAuth bool
	Metrics     middleware.HTTPObserver // nil disables request metrics
}

// NewRouter creates the HTTP router with all API routes.
func NewRouter(h *handlers.Handlers, opts Options) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	if opts.Metrics != nil {
		r.Use(middleware.Metrics(opts.Metrics))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Service-Token", middleware.OwnerHeader, "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if opts.Auth != nil {
		r.Use(middleware.NewAuthMiddleware(opts.Auth, opts.RequireAuth).Handler)
	}
	r.Use(middleware.OwnerExtractor)
	r.Use(middleware.Telemetry)

	// Health & info
	r.Get("/health", h.HealthCheck)
	r.Get("/version", h.VersionInfo)
	r.Get("/metrics", h.ServeMetrics)

	// Agents and pipelines
	r.Route("/agents", func(r chi.Router) {
		r.Post("/execute", h.ExecuteTask)
		r.Post("/pipeline", h.ExecutePipeline)
		r.Post("/prompt", h.RoutePrompt)
		r.Get("/task/{task_id}", h.GetTask)
		r.Get("/tasks", h.ListTasks)
		r.Get("/flows", h.ListFlows)
		r.Get("/flows/{flow_id}", h.GetFlow)
		r.Post("/flows/{flow_id}/cancel", h.CancelFlow)
		r.Get("/ws/flows/{flow_id}", h.StreamFlow)
	})

	// Preview servers
	r.Route("/preview", func(r chi.Router) {
		r.Get("/servers", h.ListPreviews)
		r.Post("/stop_all", h.StopAllPreviews)
		r.Get("/ws/logs/{server_id}", h.StreamPreviewLogs)
		r.Route("/{framework}", func(r chi.Router) {
			r.Post("/start", h.StartPreview)
			r.Post("/stop", h.StopPreview)
			r.Post("/reload", h.ReloadPreview)
			r.Get("/status/{server_id}", h.PreviewStatus)
		})
	})

	// Builds
	r.Route("/build", func(r chi.Router) {
		r.Get("/", h.ListBuilds)
		r.Post("/start", h.StartBuild)
		r.Get("/ws/{build_id}", h.StreamBuild)
		r.Route("/{build_id}", func(r chi.Router) {
			r.Get("/", h.GetBuild)
			r.Post("/cancel", h.CancelBuild)
			r.Get("/download", h.DownloadBuild)
		})
	})

	// Model catalog and provider health
	r.Route("/models", func(r chi.Router) {
		r.Get("/", h.ListModels)
		r.Post("/refresh", h.RefreshModels)
		r.Get("/{model_id}", h.GetModel)
	})
	r.Get("/providers/health", h.ProviderHealth)

	// Budgets
	r.Route("/budget/{user}", func(r chi.Router) {
		r.Get("/", h.GetBudget)
		r.Put("/", h.SetBudget)
		r.Get("/history", h.BudgetHistory)
	})

	// Projects
	r.Route("/projects", func(r chi.Router) {
		r.Get("/", h.ListProjects)
		r.Route("/{project_id}", func(r chi.Router) {
			r.Get("/files", h.ListProjectFiles)
			r.Get("/memory", h.GetProjectMemory)
			r.Post("/memory", h.UpdateProjectMemory)
			r.Delete("/memory", h.DeleteProjectMemory)
		})
	})

	// Owner event stream
	r.Get("/ws/events", h.StreamOwnerEvents)

	return r
}

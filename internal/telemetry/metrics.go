package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "appforge"

// Metrics collects Prometheus counters and histograms for the control
// plane. It satisfies the observer interfaces of resilience, llm, process
// and workflow. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpDurationSeconds *prometheus.HistogramVec

	providerCallsTotal   *prometheus.CounterVec
	providerCallSeconds  *prometheus.HistogramVec
	fallbacksTotal       *prometheus.CounterVec
	completionTokens     *prometheus.CounterVec
	completionCostUSD    *prometheus.CounterVec
	budgetDenialsTotal   *prometheus.CounterVec
	previewsActive       prometheus.Gauge
	buildsTotal          *prometheus.CounterVec
	buildDurationSeconds *prometheus.HistogramVec
	flowsTotal           *prometheus.CounterVec
	flowDurationSeconds  *prometheus.HistogramVec
	tasksTotal           *prometheus.CounterVec
}

// NewMetrics constructs a private registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		providerCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "provider_calls_total",
			Help:      "Provider call attempts by outcome.",
		}, []string{"provider", "model", "outcome"}),
		providerCallSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "provider_call_duration_seconds",
			Help:      "Provider call latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"provider"}),
		fallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "fallbacks_total",
			Help:      "Fallbacks from one provider to another.",
		}, []string{"from", "to"}),
		completionTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Tokens consumed by role and direction.",
		}, []string{"role", "model", "direction"}),
		completionCostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "cost_usd_total",
			Help:      "Realized completion cost in USD.",
		}, []string{"role", "model"}),
		budgetDenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "denials_total",
			Help:      "Calls refused by the budget ledger, by period.",
		}, []string{"period"}),
		previewsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "preview",
			Name:      "active",
			Help:      "Preview servers currently starting or running.",
		}),
		buildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "finished_total",
			Help:      "Finished builds by platform and state.",
		}, []string{"platform", "state"}),
		buildDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "duration_seconds",
			Help:      "Build runtime from start to terminal state.",
			Buckets:   []float64{5, 10, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"platform"}),
		flowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "finished_total",
			Help:      "Finished pipeline flows by pipeline and outcome.",
		}, []string{"pipeline", "outcome"}),
		flowDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "duration_seconds",
			Help:      "Pipeline flow runtime.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
		}, []string{"pipeline"}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "finished_total",
			Help:      "Finished agent tasks by agent and outcome.",
		}, []string{"agent", "outcome"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpDurationSeconds,
		m.providerCallsTotal,
		m.providerCallSeconds,
		m.fallbacksTotal,
		m.completionTokens,
		m.completionCostUSD,
		m.budgetDenialsTotal,
		m.previewsActive,
		m.buildsTotal,
		m.buildDurationSeconds,
		m.flowsTotal,
		m.flowDurationSeconds,
		m.tasksTotal,
	)
	return m
}

// Registry exposes the private registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) ObserveProviderCall(provider, model, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.providerCallsTotal.WithLabelValues(provider, model, outcome).Inc()
	m.providerCallSeconds.WithLabelValues(provider).Observe(latency.Seconds())
}

func (m *Metrics) ObserveFallback(from, to string) {
	if m == nil {
		return
	}
	m.fallbacksTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveCompletion(role, model string, tokensIn, tokensOut int, cost float64) {
	if m == nil {
		return
	}
	m.completionTokens.WithLabelValues(role, model, "in").Add(float64(tokensIn))
	m.completionTokens.WithLabelValues(role, model, "out").Add(float64(tokensOut))
	m.completionCostUSD.WithLabelValues(role, model).Add(cost)
}

func (m *Metrics) ObserveBudgetDenied(period string) {
	if m == nil {
		return
	}
	m.budgetDenialsTotal.WithLabelValues(period).Inc()
}

func (m *Metrics) PreviewsActive(n int) {
	if m == nil {
		return
	}
	m.previewsActive.Set(float64(n))
}

func (m *Metrics) BuildFinished(platform, state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.buildsTotal.WithLabelValues(platform, state).Inc()
	m.buildDurationSeconds.WithLabelValues(platform).Observe(elapsed.Seconds())
}

func (m *Metrics) FlowFinished(pipeline, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.flowsTotal.WithLabelValues(pipeline, outcome).Inc()
	m.flowDurationSeconds.WithLabelValues(pipeline).Observe(elapsed.Seconds())
}

func (m *Metrics) TaskFinished(agent, outcome string, _ time.Duration) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(agent, outcome).Inc()
}

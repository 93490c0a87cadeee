package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/internal/catalog"
	"github.com/appforge/appforge/internal/provider"
	"github.com/appforge/appforge/pkg/models"
)

var tracer = otel.Tracer("appforge/resilience")

// DefaultFallbackChain is the provider order walked after the primary fails.
var DefaultFallbackChain = []string{"openai", "anthropic", "google", "groq", "ollama"}

var errCircuitOpen = errors.New("circuit open")

// Observer receives call outcomes. telemetry.Metrics implements it.
type Observer interface {
	ObserveProviderCall(provider, model, outcome string, latency time.Duration)
	ObserveFallback(from, to string)
}

// Options configures a Caller.
type Options struct {
	MaxRetries    int           // attempts per model, default 3
	BaseBackoff   time.Duration // first back-off, doubled per attempt; default 500ms
	FallbackChain []string
	Observer      Observer
}

// Caller performs completions with retries, circuit breaking and fallback.
type Caller struct {
	adapters    *provider.Registry
	catalog     *catalog.Catalog
	health      *HealthTracker
	maxRetries  int
	baseBackoff time.Duration
	chain       []string
	observer    Observer
}

// NewCaller wires a Caller.
func NewCaller(adapters *provider.Registry, cat *catalog.Catalog, health *HealthTracker, opts Options) *Caller {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 500 * time.Millisecond
	}
	if len(opts.FallbackChain) == 0 {
		opts.FallbackChain = DefaultFallbackChain
	}
	return &Caller{
		adapters:    adapters,
		catalog:     cat,
		health:      health,
		maxRetries:  opts.MaxRetries,
		baseBackoff: opts.BaseBackoff,
		chain:       append([]string(nil), opts.FallbackChain...),
		observer:    opts.Observer,
	}
}

// Health exposes the tracker the caller records into.
func (c *Caller) Health() *HealthTracker { return c.health }

// CallWithFallback completes against primaryID, retrying transient
// failures, then walks the fallback chain. The result records whether a
// fallback model served the call.
func (c *Caller) CallWithFallback(ctx context.Context, primaryID string, msgs []models.Message, opts models.CompletionOptions) (*models.CompletionResult, error) {
	primary, err := c.catalog.Describe(primaryID)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "llm.call_with_fallback",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("llm.primary_model", primaryID)),
	)
	defer span.End()

	var failures []error
	res, err := c.tryModel(ctx, primary, msgs, opts)
	if err == nil {
		span.SetAttributes(attribute.Bool("llm.fallback_used", false))
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	failures = append(failures, err)

	required := requiredCapabilities(msgs)
	for _, p := range c.chain {
		if p == primary.Provider || !c.adapters.Has(p) {
			continue
		}
		// A half-open provider stays in the walk; Allow admits its one probe.
		if c.health.State(p) == models.ProviderDown {
			continue
		}
		alt, ok := c.closestModel(p, primary.Quality, required)
		if !ok {
			continue
		}

		log.Warn().Str("from", primaryID).Str("to", alt.ID).Err(err).Msg("falling back to alternate provider")
		if c.observer != nil {
			c.observer.ObserveFallback(primary.Provider, p)
		}
		res, err = c.tryModel(ctx, alt, msgs, opts)
		if err == nil {
			res.FallbackUsed = true
			res.OriginalModel = primaryID
			span.SetAttributes(attribute.Bool("llm.fallback_used", true), attribute.String("llm.model", alt.ID))
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		failures = append(failures, err)
	}

	span.SetStatus(codes.Error, "all providers failed")
	return nil, apperr.Wrap(apperr.ErrAllProvidersDown, errors.Join(failures...),
		"every provider failed for %s", primaryID)
}

// tryModel runs one model with exponential back-off on retryable errors.
func (c *Caller) tryModel(ctx context.Context, m models.ModelDescriptor, msgs []models.Message, opts models.CompletionOptions) (*models.CompletionResult, error) {
	adapter, ok := c.adapters.Get(m.Provider)
	if !ok {
		return nil, &provider.FatalError{Provider: m.Provider, Err: fmt.Errorf("provider not configured")}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.baseBackoff
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = c.baseBackoff * time.Duration(math.Pow(2, float64(c.maxRetries)))
	eb.MaxElapsedTime = 0
	eb.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.maxRetries-1)), ctx)

	var res *models.CompletionResult
	attempt := 0
	op := func() error {
		attempt++
		if !c.health.Allow(m.Provider) {
			return backoff.Permanent(fmt.Errorf("%s: %w", m.Provider, errCircuitOpen))
		}
		start := time.Now()
		out, err := adapter.Complete(ctx, m.Name, msgs, opts)
		elapsed := time.Since(start)
		if err != nil {
			if ctx.Err() != nil {
				c.health.Release(m.Provider)
				return backoff.Permanent(ctx.Err())
			}
			if provider.IsClientError(err) {
				c.health.Release(m.Provider)
				c.observe(m, "client_error", elapsed)
				return backoff.Permanent(err)
			}
			c.health.RecordFailure(m.Provider, err)
			c.observe(m, "error", elapsed)
			log.Debug().Str("model", m.ID).Int("attempt", attempt).Err(err).Msg("provider call failed")
			if provider.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		c.health.RecordSuccess(m.Provider, elapsed)
		c.observe(m, "ok", elapsed)
		res = out
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Caller) observe(m models.ModelDescriptor, outcome string, d time.Duration) {
	if c.observer != nil {
		c.observer.ObserveProviderCall(m.Provider, m.ID, outcome, d)
	}
}

// closestModel picks the provider's model nearest in quality to target
// that covers required. Ties prefer higher quality, then the lower id.
func (c *Caller) closestModel(providerName string, target int, required []models.Capability) (models.ModelDescriptor, bool) {
	var best models.ModelDescriptor
	found := false
	bestDist := 0
	for _, id := range c.catalog.ListBy(providerName) {
		d, err := c.catalog.Describe(id)
		if err != nil || !d.Has(required...) {
			continue
		}
		dist := d.Quality - target
		if dist < 0 {
			dist = -dist
		}
		switch {
		case !found, dist < bestDist,
			dist == bestDist && d.Quality > best.Quality:
			best, bestDist, found = d, dist, true
		}
	}
	return best, found
}

// requiredCapabilities derives what a substitute model must support from
// the messages themselves.
func requiredCapabilities(msgs []models.Message) []models.Capability {
	req := []models.Capability{models.CapText}
	for _, m := range msgs {
		for _, p := range m.Parts {
			if p.IsImage() {
				return append(req, models.CapVision)
			}
		}
	}
	return req
}

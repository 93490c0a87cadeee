package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/appforge/appforge/pkg/models"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Lister is implemented by provider adapters that can enumerate their
// models live.
type Lister interface {
	Kind() string
	ListModels(ctx context.Context) ([]string, error)
}

// Refresher replaces provider tables from live listings, on demand or on a
// cron schedule.
type Refresher struct {
	catalog *Catalog
	listers []Lister
	timeout time.Duration

	mu   sync.Mutex
	cron *cron.Cron
}

// NewRefresher creates a refresher over the given listers.
func NewRefresher(c *Catalog, listers ...Lister) *Refresher {
	return &Refresher{catalog: c, listers: listers, timeout: 30 * time.Second}
}

// RefreshAll lists every provider concurrently and applies a whole-table
// replacement per provider. A provider whose listing fails or is empty keeps
// its current table. Errors are joined.
func (r *Refresher) RefreshAll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(4)
	for _, l := range r.listers {
		g.Go(func() error {
			if err := r.refreshOne(ctx, l); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (r *Refresher) refreshOne(ctx context.Context, l Lister) error {
	provider := l.Kind()
	names, err := l.ListModels(ctx)
	if err != nil {
		log.Warn().Err(err).Str("provider", provider).Msg("Catalog: model listing failed")
		return fmt.Errorf("list %s models: %w", provider, err)
	}
	if len(names) == 0 {
		return nil
	}

	sort.Strings(names)
	descs := make([]models.ModelDescriptor, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if known, err := r.catalog.Describe(models.ModelID(provider, name)); err == nil {
			descs = append(descs, known)
			continue
		}
		descs = append(descs, defaultFor(provider, name))
	}
	if err := r.catalog.ReplaceProvider(provider, descs); err != nil {
		return err
	}
	log.Info().Str("provider", provider).Int("models", len(descs)).Msg("Catalog: provider refreshed")
	return nil
}

// Start schedules RefreshAll with a cron spec such as "@every 30m".
// An empty spec disables scheduling.
func (r *Refresher) Start(ctx context.Context, spec string) error {
	if spec == "" || len(r.listers) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if err := r.RefreshAll(ctx); err != nil {
			log.Debug().Err(err).Msg("Catalog: scheduled refresh finished with errors")
		}
	}); err != nil {
		return fmt.Errorf("catalog refresh schedule %q: %w", spec, err)
	}
	c.Start()
	r.cron = c
	log.Info().Str("schedule", spec).Int("providers", len(r.listers)).Msg("Catalog refresher started")
	return nil
}

// Stop halts the schedule and waits for a running refresh.
func (r *Refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.cron = nil
}

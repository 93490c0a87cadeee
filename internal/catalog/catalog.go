// Package catalog is the model registry of the AppForge control plane.
//
// It holds the static table of model descriptors keyed by canonical id
// ("<provider>:<model>"). After startup the only mutation is a whole-table
// replacement for one provider, applied when a provider's live model
// listing is refreshed (see Refresher).
package catalog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/pkg/models"
	"github.com/rs/zerolog/log"
)

// Catalog is a thread-safe model registry.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]models.ModelDescriptor // key: canonical id
}

// New creates a catalog seeded with the built-in table.
func New() *Catalog {
	c := &Catalog{models: make(map[string]models.ModelDescriptor)}
	for _, d := range builtinModels() {
		c.put(d)
	}
	return c
}

// NewWith creates a catalog holding exactly the given descriptors.
func NewWith(descs ...models.ModelDescriptor) *Catalog {
	c := &Catalog{models: make(map[string]models.ModelDescriptor)}
	for _, d := range descs {
		c.put(d)
	}
	return c
}

func (c *Catalog) put(d models.ModelDescriptor) {
	d.ID = models.ModelID(d.Provider, d.Name)
	d.Capabilities = append([]models.Capability(nil), d.Capabilities...)
	c.models[d.ID] = d
}

// Describe returns the descriptor for a canonical id.
func (c *Catalog) Describe(id string) (models.ModelDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.models[id]
	if !ok {
		return models.ModelDescriptor{}, apperr.New(apperr.ErrNotFound, "model %q not found", id)
	}
	return d, nil
}

// ListBy returns the sorted ids of one provider's models.
func (c *Catalog) ListBy(provider string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []string
	for id, d := range c.models {
		if d.Provider == provider {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ListByCapability returns the sorted ids of models declaring cap.
func (c *Catalog) ListByCapability(cap models.Capability) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []string
	for id, d := range c.models {
		if d.Has(cap) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// All returns every descriptor sorted by id.
func (c *Catalog) All() []models.ModelDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.ModelDescriptor, 0, len(c.models))
	for _, d := range c.models {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Providers returns the sorted set of providers present in the table.
func (c *Catalog) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, d := range c.models {
		if !seen[d.Provider] {
			seen[d.Provider] = true
			out = append(out, d.Provider)
		}
	}
	sort.Strings(out)
	return out
}

// Count returns the number of models in the catalog.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.models)
}

// ReplaceProvider swaps the whole table of one provider for descs.
// Every descriptor must belong to provider.
func (c *Catalog) ReplaceProvider(provider string, descs []models.ModelDescriptor) error {
	for _, d := range descs {
		if d.Provider != provider {
			return fmt.Errorf("catalog: descriptor %s/%s does not belong to %s", d.Provider, d.Name, provider)
		}
		if d.Name == "" {
			return fmt.Errorf("catalog: descriptor without name for %s", provider)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, d := range c.models {
		if d.Provider == provider {
			delete(c.models, id)
			removed++
		}
	}
	for _, d := range descs {
		c.put(d)
	}

	log.Debug().
		Str("provider", provider).
		Int("removed", removed).
		Int("added", len(descs)).
		Msg("Catalog: provider table replaced")
	return nil
}

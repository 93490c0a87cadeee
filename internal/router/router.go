// Package router maps a task and an agent role to a concrete model.
package router

import (
	"math"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/internal/catalog"
	"github.com/appforge/appforge/pkg/models"
)

// priceFloor stands in for a zero price when ranking by quality per dollar.
const priceFloor = 1e-6

// Health is the provider health view the router needs.
type Health interface {
	IsDown(provider string) bool
	AvgLatency(provider string) (float64, bool)
}

// Budget is the ledger view the router needs.
type Budget interface {
	DowngradeIfTight(user, modelID string, minQuality int, allow func(models.ModelDescriptor) bool) string
}

// Availability reports which providers have a configured adapter.
type Availability interface {
	Has(provider string) bool
}

// Router picks models for agent roles.
type Router struct {
	catalog   *catalog.Catalog
	health    Health
	budget    Budget
	available Availability
	roles     map[string]models.AgentRole
}

// New returns a router over the default role table. budget may be nil.
func New(cat *catalog.Catalog, health Health, budget Budget, available Availability) *Router {
	return &Router{
		catalog:   cat,
		health:    health,
		budget:    budget,
		available: available,
		roles:     DefaultRoles(),
	}
}

// WithRoles replaces the role table.
func (r *Router) WithRoles(roles map[string]models.AgentRole) *Router {
	r.roles = roles
	return r
}

// Role looks up a role by name.
func (r *Router) Role(name string) (models.AgentRole, bool) {
	role, ok := r.roles[name]
	return role, ok
}

// Roles returns the role table sorted by name.
func (r *Router) Roles() []models.AgentRole {
	out := make([]models.AgentRole, 0, len(r.roles))
	for _, role := range r.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Candidates returns the eligible models for role in rank order, before
// any budget downgrade.
func (r *Router) Candidates(role models.AgentRole) []models.ModelDescriptor {
	var cands []models.ModelDescriptor
	for _, d := range r.catalog.All() {
		if r.eligible(role, d) && (role.MaxCostPer1K <= 0 || d.AvgPrice() <= role.MaxCostPer1K) {
			cands = append(cands, d)
		}
	}
	r.rank(cands, role.Strategy)
	return cands
}

func (r *Router) eligible(role models.AgentRole, d models.ModelDescriptor) bool {
	if !d.Has(role.RequiredCapabilities...) || d.Quality < role.MinQuality {
		return false
	}
	if r.available != nil && !r.available.Has(d.Provider) {
		return false
	}
	return r.health == nil || !r.health.IsDown(d.Provider)
}

// Route picks a model id for taskText under roleName. An empty roleName
// is inferred from the text.
func (r *Router) Route(user, taskText, roleName string) (string, error) {
	if roleName == "" {
		roleName = InferRole(taskText)
	}
	role, ok := r.roles[roleName]
	if !ok {
		return "", apperr.New(apperr.ErrValidation, "unknown agent role %q", roleName)
	}

	cands := r.Candidates(role)
	if len(cands) == 0 {
		return "", apperr.New(apperr.ErrNoEligibleModel, "no eligible model for role %s", role.Name)
	}
	chosen := cands[0].ID

	if r.budget != nil {
		allow := func(d models.ModelDescriptor) bool { return r.eligible(role, d) }
		if alt := r.budget.DowngradeIfTight(user, chosen, role.MinQuality, allow); alt != "" {
			chosen = alt
		}
	}
	log.Debug().Str("user", user).Str("role", role.Name).Str("model", chosen).Msg("routed")
	return chosen, nil
}

// rank orders models by strategy. Ties break on id so the choice is
// deterministic.
func (r *Router) rank(ms []models.ModelDescriptor, strategy models.Strategy) {
	key := func(d models.ModelDescriptor) float64 {
		switch strategy {
		case models.StrategyCheapest:
			return d.AvgPrice()
		case models.StrategyFastest:
			if r.health != nil {
				if lat, ok := r.health.AvgLatency(d.Provider); ok {
					return lat
				}
			}
			return math.MaxFloat64
		case models.StrategyBestQuality:
			return -float64(d.Quality)
		default: // balanced
			return -float64(d.Quality) / math.Max(d.AvgPrice(), priceFloor)
		}
	}
	sort.SliceStable(ms, func(i, j int) bool {
		ki, kj := key(ms[i]), key(ms[j])
		if ki != kj {
			return ki < kj
		}
		return ms[i].ID < ms[j].ID
	})
}

// Package resilience wraps provider adapters with per-provider circuit
// breakers, retries and a fallback chain.
package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/appforge/appforge/pkg/models"
)

const (
	DefaultThreshold = 3
	DefaultCoolDown  = 300 * time.Second
)

type providerState struct {
	health  models.ProviderHealth
	probing bool // a half-open probe is in flight
}

// HealthTracker holds the circuit state of every provider it has seen.
//
//	operational --failure--> degraded --(>= threshold)--> down
//	down --(cool-down elapsed)--> half_open --probe ok--> operational
//	                                         --probe fail--> down
type HealthTracker struct {
	mu        sync.Mutex
	threshold int
	coolDown  time.Duration
	now       func() time.Time
	states    map[string]*providerState
}

// NewHealthTracker returns a tracker. Non-positive arguments take defaults.
func NewHealthTracker(threshold int, coolDown time.Duration) *HealthTracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if coolDown <= 0 {
		coolDown = DefaultCoolDown
	}
	return &HealthTracker{
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
		states:    make(map[string]*providerState),
	}
}

func (h *HealthTracker) get(provider string) *providerState {
	s, ok := h.states[provider]
	if !ok {
		s = &providerState{health: models.ProviderHealth{Provider: provider, State: models.ProviderUnknown}}
		h.states[provider] = s
	}
	return s
}

// Allow reports whether a call to provider may go out now. A down provider
// whose cool-down has elapsed moves to half_open and admits exactly one
// probe; further callers are refused until the probe is recorded.
func (h *HealthTracker) Allow(provider string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.get(provider)
	switch s.health.State {
	case models.ProviderDown:
		if h.now().Sub(s.health.OpenedAt) < h.coolDown {
			return false
		}
		s.health.State = models.ProviderHalfOpen
		s.probing = true
		return true
	case models.ProviderHalfOpen:
		if s.probing {
			return false
		}
		s.probing = true
		return true
	default:
		return true
	}
}

// Release gives back a half-open probe slot whose call never completed.
func (h *HealthTracker) Release(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.states[provider]; ok {
		s.probing = false
	}
}

// RecordSuccess closes the circuit and folds latency into the EMA.
func (h *HealthTracker) RecordSuccess(provider string, latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.get(provider)
	ms := float64(latency.Milliseconds())
	if s.health.AvgLatencyMS == 0 {
		s.health.AvgLatencyMS = ms
	} else {
		s.health.AvgLatencyMS = 0.7*s.health.AvgLatencyMS + 0.3*ms
	}
	s.health.State = models.ProviderOperational
	s.health.ConsecutiveFailures = 0
	s.health.LastError = ""
	s.health.OpenedAt = time.Time{}
	s.health.LastCheck = h.now()
	s.probing = false
}

// RecordFailure counts a failure and opens the circuit at the threshold.
// A failed half-open probe reopens it immediately.
func (h *HealthTracker) RecordFailure(provider string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.get(provider)
	now := h.now()
	s.health.ConsecutiveFailures++
	s.health.LastCheck = now
	if err != nil {
		s.health.LastError = err.Error()
	}
	wasProbe := s.health.State == models.ProviderHalfOpen
	s.probing = false
	if wasProbe || s.health.ConsecutiveFailures >= h.threshold {
		s.health.State = models.ProviderDown
		s.health.OpenedAt = now
		return
	}
	s.health.State = models.ProviderDegraded
}

// State returns the effective state, reporting half_open for a down
// provider whose cool-down has elapsed.
func (h *HealthTracker) State(provider string) models.ProviderState {
	return h.Health(provider).State
}

// IsDown reports whether the provider's circuit is open and cooling down.
func (h *HealthTracker) IsDown(provider string) bool {
	return h.State(provider) == models.ProviderDown
}

// AvgLatency returns the latency EMA in milliseconds and whether any sample
// was recorded.
func (h *HealthTracker) AvgLatency(provider string) (float64, bool) {
	hh := h.Health(provider)
	return hh.AvgLatencyMS, hh.AvgLatencyMS > 0
}

// Health returns a snapshot of one provider's health.
func (h *HealthTracker) Health(provider string) models.ProviderHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.states[provider]
	if !ok {
		return models.ProviderHealth{Provider: provider, State: models.ProviderUnknown}
	}
	out := s.health
	if out.State == models.ProviderDown && h.now().Sub(out.OpenedAt) >= h.coolDown {
		out.State = models.ProviderHalfOpen
	}
	return out
}

// All returns snapshots for every provider seen so far, sorted by name.
func (h *HealthTracker) All() []models.ProviderHealth {
	h.mu.Lock()
	names := make([]string, 0, len(h.states))
	for name := range h.states {
		names = append(names, name)
	}
	h.mu.Unlock()
	sort.Strings(names)

	out := make([]models.ProviderHealth, 0, len(names))
	for _, n := range names {
		out = append(out, h.Health(n))
	}
	return out
}

// Package auth provides the authentication provider chain for the AppForge
// control plane.
//
// Shipped providers:
//   - APIKeyProvider: static API keys from APPFORGE_API_KEYS
//   - ServiceAccountProvider: HS256 JWTs signed with APPFORGE_SA_SECRET
package auth

import (
	"context"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/appforge/appforge/internal/config"
	"github.com/appforge/appforge/pkg/contracts"
)

// ProviderChain implements contracts.Authenticator.
// It walks registered providers in order until one returns an Identity.
type ProviderChain struct {
	mu        sync.RWMutex
	providers []contracts.AuthProvider
}

// NewProviderChain creates an empty auth provider chain.
func NewProviderChain() *ProviderChain {
	return &ProviderChain{}
}

// FromConfig builds the default chain: API keys first, then service
// account tokens.
func FromConfig(cfg config.AuthConfig) *ProviderChain {
	c := NewProviderChain()
	c.RegisterProvider(NewAPIKeyProvider(cfg.APIKeys))
	c.RegisterProvider(NewServiceAccountProvider(cfg.SASecret))
	return c
}

// RegisterProvider adds a provider to the end of the chain.
// Providers are tried in registration order.
func (c *ProviderChain) RegisterProvider(provider contracts.AuthProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers = append(c.providers, provider)
	log.Info().
		Str("provider", provider.Name()).
		Bool("enabled", provider.Enabled()).
		Msg("Auth provider registered")
}

// Authenticate walks the chain of providers in order.
//
// Contract:
//   - (*Identity, nil) → authenticated, stop walking
//   - (nil, nil) → this provider doesn't handle this request, try next
//   - (nil, error) → auth attempted but failed, reject immediately
func (c *ProviderChain) Authenticate(ctx context.Context, r *http.Request) (*contracts.Identity, error) {
	c.mu.RLock()
	providers := make([]contracts.AuthProvider, len(c.providers))
	copy(providers, c.providers)
	c.mu.RUnlock()

	for _, p := range providers {
		if !p.Enabled() {
			continue
		}
		identity, err := p.Authenticate(ctx, r)
		if err != nil {
			log.Debug().
				Str("provider", p.Name()).
				Err(err).
				Msg("Auth provider rejected request")
			return nil, err
		}
		if identity != nil {
			log.Debug().
				Str("provider", p.Name()).
				Str("subject", identity.Subject).
				Msg("Request authenticated")
			return identity, nil
		}
	}

	// No provider matched: anonymous request
	return nil, nil
}

// Enabled reports whether any provider can authenticate requests.
func (c *ProviderChain) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.providers {
		if p.Enabled() {
			return true
		}
	}
	return false
}

// ListProviders returns the names of all registered providers.
func (c *ProviderChain) ListProviders() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

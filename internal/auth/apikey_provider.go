package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/appforge/appforge/pkg/contracts"
)

// ErrInvalidAPIKey is returned for a presented but unknown key.
var ErrInvalidAPIKey = errors.New("invalid API key")

// APIKeyProvider accepts static keys. A configured entry is either "key"
// or "owner=key"; the second form pins every request made with the key to
// that workspace owner.
//
// Keys are read from Authorization: Bearer, X-API-Key, or the api_key query
// parameter (browsers cannot set headers on a WebSocket handshake).
type APIKeyProvider struct {
	mu   sync.RWMutex
	keys map[string]string // key -> bound owner ("" when unbound)
}

// NewAPIKeyProvider parses the configured entries. Blank entries are
// ignored; with none left the provider is disabled.
func NewAPIKeyProvider(entries []string) *APIKeyProvider {
	p := &APIKeyProvider{keys: make(map[string]string)}
	for _, e := range entries {
		p.AddKey(e)
	}
	return p
}

func (p *APIKeyProvider) Name() string { return "apikey" }

func (p *APIKeyProvider) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.keys) > 0
}

// Authenticate returns (nil, nil) when the request carries no key and
// ErrInvalidAPIKey when it carries an unknown one.
func (p *APIKeyProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	presented := presentedKey(r)
	if presented == "" {
		return nil, nil
	}
	owner, ok := p.lookup(presented)
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	sum := sha256.Sum256([]byte(presented))
	return &contracts.Identity{
		Subject:     "key-" + hex.EncodeToString(sum[:8]),
		Provider:    "apikey",
		DisplayName: "API key",
		Owner:       owner,
	}, nil
}

// lookup compares against every key in constant time so the position of a
// match is not observable.
func (p *APIKeyProvider) lookup(candidate string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	owner, found := "", false
	for key, o := range p.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			owner, found = o, true
		}
	}
	return owner, found
}

// AddKey registers an entry ("key" or "owner=key") at runtime.
func (p *APIKeyProvider) AddKey(entry string) {
	entry = strings.TrimSpace(entry)
	owner, key, bound := strings.Cut(entry, "=")
	if !bound {
		owner, key = "", entry
	}
	owner, key = strings.TrimSpace(owner), strings.TrimSpace(key)
	if key == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[key] = owner
}

// RemoveKey revokes a key.
func (p *APIKeyProvider) RemoveKey(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.keys, strings.TrimSpace(key))
}

func presentedKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if k := r.Header.Get("X-API-Key"); k != "" {
		return strings.TrimSpace(k)
	}
	return r.URL.Query().Get("api_key")
}

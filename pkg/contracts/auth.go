package contracts

import (
	"context"
	"net/http"
	"time"
)

// Identity is the caller a credential resolved to.
type Identity struct {
	// Subject names the credential: "key-<hash prefix>" for API keys, the
	// token subject for service accounts.
	Subject     string    `json:"subject"`
	DisplayName string    `json:"display_name,omitempty"`
	Provider    string    `json:"provider"` // "apikey" or "service_account"
	ExpiresAt   time.Time `json:"expires_at,omitempty"`

	// Owner pins the credential to one workspace owner. When set, requests
	// may not act on any other owner's projects.
	Owner string `json:"owner,omitempty"`
}

// AuthProvider checks one kind of credential. Authenticate returns
// (nil, nil) when the request carries none of its credentials and an error
// when it carries a bad one.
type AuthProvider interface {
	Name() string
	Enabled() bool
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}

// Authenticator resolves a request to an Identity, or to nil for an
// anonymous request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}

package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/appforge/appforge/pkg/contracts"
)

// ServiceAccountProvider validates HS256 service account JWTs presented in
// the X-Service-Token header. Used by CI pipelines and internal services.
//
// Claims: {"sub": "ci-pipeline", "owner": "alice", "exp": 1234567890}
type ServiceAccountProvider struct {
	secret []byte
}

// ServiceClaims are the claims of a service account token.
type ServiceClaims struct {
	Owner string `json:"owner,omitempty"`
	jwt.RegisteredClaims
}

// NewServiceAccountProvider creates a service account provider. An empty
// secret disables it.
func NewServiceAccountProvider(secret string) *ServiceAccountProvider {
	return &ServiceAccountProvider{secret: []byte(secret)}
}

func (p *ServiceAccountProvider) Name() string  { return "service_account" }
func (p *ServiceAccountProvider) Enabled() bool { return len(p.secret) > 0 }

// Authenticate validates the service account token.
// Returns (nil, nil) if no service token is present.
// Returns (nil, error) if the token is present but invalid.
func (p *ServiceAccountProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	token := r.Header.Get("X-Service-Token")
	if token == "" {
		return nil, nil
	}

	claims, err := p.validateToken(token)
	if err != nil {
		return nil, fmt.Errorf("invalid service account token: %w", err)
	}

	id := &contracts.Identity{
		Subject:     "svc-" + claims.Subject,
		Provider:    "service_account",
		Owner:       claims.Owner,
		DisplayName: claims.Subject,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

func (p *ServiceAccountProvider) validateToken(token string) (*ServiceClaims, error) {
	var claims ServiceClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing subject")
	}
	return &claims, nil
}

// GenerateToken creates a signed service account token.
// This is a helper for CLI tools and tests, not called by the server.
func GenerateToken(secret []byte, subject, owner string, ttl time.Duration) (string, error) {
	claims := ServiceClaims{
		Owner: owner,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

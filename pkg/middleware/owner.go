// Package middleware provides context helpers shared by the request surface
// and anything composing the server from pkg/.
package middleware

import (
	"context"

	"github.com/appforge/appforge/pkg/contracts"
)

type contextKey int

const (
	ownerKey contextKey = iota
	identityKey
)

// Anonymous is the owner of requests that name nobody.
const Anonymous = "anonymous"

// GetOwner returns the workspace owner of the request, or Anonymous.
func GetOwner(ctx context.Context) string {
	if v, ok := ctx.Value(ownerKey).(string); ok && v != "" {
		return v
	}
	return Anonymous
}

func SetOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey, owner)
}

// GetIdentity returns the authenticated caller; nil for anonymous requests.
func GetIdentity(ctx context.Context) *contracts.Identity {
	id, _ := ctx.Value(identityKey).(*contracts.Identity)
	return id
}

// SetIdentity is a no-op for a nil identity.
func SetIdentity(ctx context.Context, id *contracts.Identity) context.Context {
	if id == nil {
		return ctx
	}
	return context.WithValue(ctx, identityKey, id)
}

// BoundOwner returns the owner the request's credential is pinned to, or
// "" when the caller may name any owner.
func BoundOwner(ctx context.Context) string {
	if id := GetIdentity(ctx); id != nil {
		return id.Owner
	}
	return ""
}

package server

import (
	"context"

	"github.com/recallmesh/recallmesh/internal/identity"
)

type contextKey int

const identityKey contextKey = iota

// WithIdentity attaches the caller's decoded identity to the context.
func WithIdentity(ctx context.Context, id identity.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the identity attached by the transport layer.
func IdentityFrom(ctx context.Context) (identity.Identity, bool) {
	id, ok := ctx.Value(identityKey).(identity.Identity)
	return id, ok
}

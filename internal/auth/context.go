// ABOUTME: Request-scoped caller identity carried through handlers
// ABOUTME: Provides WithIdentity/FromContext for propagating identity via context

package auth

import (
	"context"
)

// Identity is the caller resolved for one request. It is not modified once attached.
type Identity struct {
	UserID      string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// identityKey is the key type for storing Identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context with a copy of id attached.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, ok := ctx.Value(identityKey{}).(Identity)
	if !ok {
		return nil
	}
	return &id
}

// MustFromContext retrieves the Identity from the context, panicking if not present.
// Only use it behind the auth middleware on a non-exempt route.
func MustFromContext(ctx context.Context) *Identity {
	id := FromContext(ctx)
	if id == nil {
		panic("auth: Identity not found in context")
	}
	return id
}

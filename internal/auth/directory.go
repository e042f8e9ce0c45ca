// ABOUTME: User directory boundary used to resolve token subjects and legacy tokens
// ABOUTME: StoreDirectory adapts the SQLite user table and hides disabled users

package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/fleet-gateway/internal/store"
)

// ErrUnknownSubject is returned when a user does not exist or may no longer authenticate.
// Any other Directory error is a lookup failure.
var ErrUnknownSubject = errors.New("unknown subject")

// Directory resolves callers to identities
type Directory interface {
	LookupUser(ctx context.Context, userID string) (Identity, error)
	LookupLegacyToken(ctx context.Context, token string) (Identity, error)
}

// StoreDirectory resolves identities from a store.UserStore
type StoreDirectory struct {
	users store.UserStore
}

// NewStoreDirectory creates a Directory over the user table
func NewStoreDirectory(users store.UserStore) *StoreDirectory {
	return &StoreDirectory{users: users}
}

// LookupUser implements Directory.
func (d *StoreDirectory) LookupUser(ctx context.Context, userID string) (Identity, error) {
	u, err := d.users.GetUser(ctx, userID)
	return toIdentity(u, err)
}

// LookupLegacyToken implements Directory.
func (d *StoreDirectory) LookupLegacyToken(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrUnknownSubject
	}
	u, err := d.users.GetUserByLegacyToken(ctx, token)
	return toIdentity(u, err)
}

func toIdentity(u *store.User, err error) (Identity, error) {
	if errors.Is(err, store.ErrNotFound) {
		return Identity{}, ErrUnknownSubject
	}
	if err != nil {
		return Identity{}, fmt.Errorf("directory lookup: %w", err)
	}
	if !u.Active() {
		return Identity{}, ErrUnknownSubject
	}
	return IdentityFromUser(u), nil
}

// IdentityFromUser converts a stored user into a request identity
func IdentityFromUser(u *store.User) Identity {
	return Identity{
		UserID:      u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
	}
}

// Compile-time check that StoreDirectory implements Directory
var _ Directory = (*StoreDirectory)(nil)

// ABOUTME: Session store contract shared by the memory and redis backends
// ABOUTME: Records cache the caller identity under an opaque session handle

package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no bound record exists for a handle
var ErrNotFound = errors.New("session not found")

// ErrEmptyHandle is returned for operations on the empty handle
var ErrEmptyHandle = errors.New("empty session handle")

// Record is the server-side state for one session handle
type Record struct {
	Handle      string    `json:"handle"`
	UserID      string    `json:"user_id,omitempty"`
	Username    string    `json:"username,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	TouchedAt   time.Time `json:"touched_at"`
}

// Bound reports whether the record caches an identity
func (r *Record) Bound() bool {
	return r != nil && r.UserID != ""
}

// Bind caches an identity on the record
func (r *Record) Bind(userID, username, displayName string) {
	r.UserID = userID
	r.Username = username
	r.DisplayName = displayName
}

// Clear drops the cached identity
func (r *Record) Clear() {
	r.UserID = ""
	r.Username = ""
	r.DisplayName = ""
}

// UpdateFunc mutates a record while the store holds the handle exclusively.
// Returning an error aborts the update and nothing is written.
type UpdateFunc func(rec *Record) error

// Store holds session records. Operations on one handle are mutually
// exclusive; operations on different handles do not contend.
type Store interface {
	// Update runs fn with exclusive access to the record for handle. A
	// missing or expired record is presented as a fresh unbound record.
	// After fn returns nil, a bound record is saved with TouchedAt set to
	// now and an unbound record is removed.
	Update(ctx context.Context, handle string, fn UpdateFunc) error

	// Get returns a copy of the bound record for handle or ErrNotFound.
	Get(ctx context.Context, handle string) (*Record, error)

	// Delete removes the record for handle. Deleting a missing handle is not an error.
	Delete(ctx context.Context, handle string) error

	// Len returns the number of live records.
	Len(ctx context.Context) (int, error)

	Close() error
}

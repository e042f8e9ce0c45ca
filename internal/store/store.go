// ABOUTME: Store interfaces and data types for fleet-gateway persistence
// ABOUTME: Defines users, nodes, and the Store interface backed by SQLite

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique column (username, legacy token, node id) is already taken
var ErrDuplicate = errors.New("already exists")

// UserStatus is the lifecycle state of a user record
type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusDisabled UserStatus = "disabled"
)

// User is a person or automation allowed to call the gateway
type User struct {
	ID           string
	Username     string
	DisplayName  string
	PasswordHash string // bcrypt; empty means password login is not possible
	LegacyToken  string // optional single-token credential; empty when unset
	Status       UserStatus
	CreatedAt    time.Time
	LastSeen     *time.Time
}

// Active reports whether the user may authenticate
func (u *User) Active() bool {
	return u.Status == UserStatusActive
}

// Node is a persisted remote agent the gateway can forward to
type Node struct {
	ID        string
	Name      string
	BaseURL   string
	Secret    string
	CreatedAt time.Time
}

// UserStore is the user half of the directory
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByLegacyToken(ctx context.Context, token string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	SetUserStatus(ctx context.Context, id string, status UserStatus) error
	TouchUser(ctx context.Context, id string, seen time.Time) error
	CountUsers(ctx context.Context) (int, error)
}

// NodeStore persists node descriptors
type NodeStore interface {
	CreateNode(ctx context.Context, n *Node) error
	GetNode(ctx context.Context, id string) (*Node, error)
	ListNodes(ctx context.Context) ([]*Node, error)
	DeleteNode(ctx context.Context, id string) error
}

// AuditStore records administrative and authentication actions
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// Store is everything the gateway persists
type Store interface {
	UserStore
	NodeStore
	AuditStore
	Close() error
}

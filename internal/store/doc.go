// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The store package uses small interfaces composed into Store:
//
//   - UserStore: the user directory (lookup by id, username, legacy token)
//   - NodeStore: node descriptors loaded into the forwarding registry
//   - AuditStore: append-only audit log of auth and admin actions
//
// SQLiteStore implements all interfaces in a single struct. MockStore is an
// in-memory equivalent for tests in other packages.
//
// # Data Models
//
//   - User: id, username, display name, bcrypt password hash, optional legacy
//     token, status (active/disabled), created and last-seen times
//   - Node: id, name, base URL, node-scoped secret
//   - AuditEntry: actor, action, target, timestamp, JSON detail
//
// # Database
//
// Uses modernc.org/sqlite (pure Go). WAL mode and foreign keys are enabled on
// open; the schema is created if missing and column migrations are idempotent.
// Timestamps are stored as RFC3339 strings in UTC.
//
// # Errors
//
//   - ErrNotFound: entity does not exist
//   - ErrDuplicate: unique username, legacy token, or node id already taken
package store

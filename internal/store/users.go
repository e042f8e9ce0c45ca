// ABOUTME: User persistence for the gateway's user directory
// ABOUTME: Lookup by id, username, and legacy token plus status and last-seen updates

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const userColumns = `id, username, display_name, password_hash, legacy_token, status, created_at, last_seen`

// CreateUser inserts a new user.
// Returns ErrDuplicate if the username or legacy token is already in use.
func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	if u.Status == "" {
		u.Status = UserStatusActive
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO users (id, username, display_name, password_hash, legacy_token, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		u.ID,
		u.Username,
		u.DisplayName,
		nullString(u.PasswordHash),
		nullString(u.LegacyToken),
		string(u.Status),
		formatTime(u.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Debug("created user", "id", u.ID, "username", u.Username)
	return nil
}

// GetUser retrieves a user by ID regardless of status.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByUsername retrieves a user by login name.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// GetUserByLegacyToken retrieves the user owning a legacy single-token credential.
// An empty token never matches.
func (s *SQLiteStore) GetUserByLegacyToken(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE legacy_token = ?`, token)
	return scanUser(row)
}

// ListUsers returns all users ordered by username
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	users := []*User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating users: %w", err)
	}
	return users, nil
}

// SetUserStatus enables or disables a user.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) SetUserStatus(ctx context.Context, id string, status UserStatus) error {
	if status != UserStatusActive && status != UserStatusDisabled {
		return fmt.Errorf("invalid user status %q", status)
	}

	result, err := s.db.ExecContext(ctx, `UPDATE users SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("updating user status: %w", err)
	}
	return requireAffected(result)
}

// TouchUser records the last time the user was seen on an authorized request
func (s *SQLiteStore) TouchUser(ctx context.Context, id string, seen time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET last_seen = ? WHERE id = ?`, formatTime(seen), id)
	if err != nil {
		return fmt.Errorf("updating last_seen: %w", err)
	}
	return requireAffected(result)
}

// CountUsers returns the number of users of any status
func (s *SQLiteStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return n, nil
}

func scanUser(scanner interface{ Scan(dest ...any) error }) (*User, error) {
	var u User
	var passwordHash, legacyToken, lastSeen sql.NullString
	var status, createdAt string

	err := scanner.Scan(
		&u.ID,
		&u.Username,
		&u.DisplayName,
		&passwordHash,
		&legacyToken,
		&status,
		&createdAt,
		&lastSeen,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}

	u.PasswordHash = passwordHash.String
	u.LegacyToken = legacyToken.String
	u.Status = UserStatus(status)

	u.CreatedAt, err = parseTime("created_at", createdAt)
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		t, err := parseTime("last_seen", lastSeen.String)
		if err != nil {
			return nil, err
		}
		u.LastSeen = &t
	}
	return &u, nil
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

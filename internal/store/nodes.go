// ABOUTME: Node descriptor persistence for the forwarding registry
// ABOUTME: CRUD over the nodes table; the registry snapshots these on load

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateNode inserts a node descriptor.
// Returns ErrDuplicate if a node with the same ID exists.
func (s *SQLiteStore) CreateNode(ctx context.Context, n *Node) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, name, base_url, secret, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, n.ID, n.Name, n.BaseURL, n.Secret, formatTime(n.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting node: %w", err)
	}

	s.logger.Debug("created node", "id", n.ID, "base_url", n.BaseURL)
	return nil
}

// GetNode retrieves a node by ID.
// Returns ErrNotFound if the node doesn't exist.
func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, base_url, secret, created_at FROM nodes WHERE id = ?
	`, id)
	return scanNode(row)
}

// ListNodes returns every persisted node ordered by ID
func (s *SQLiteStore) ListNodes(ctx context.Context) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, base_url, secret, created_at FROM nodes ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	nodes := []*Node{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating nodes: %w", err)
	}
	return nodes, nil
}

// DeleteNode removes a node.
// Returns ErrNotFound if the node doesn't exist.
func (s *SQLiteStore) DeleteNode(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting node: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}
	s.logger.Debug("deleted node", "id", id)
	return nil
}

func scanNode(scanner interface{ Scan(dest ...any) error }) (*Node, error) {
	var n Node
	var createdAt string
	err := scanner.Scan(&n.ID, &n.Name, &n.BaseURL, &n.Secret, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning node: %w", err)
	}
	n.CreatedAt, err = parseTime("created_at", createdAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

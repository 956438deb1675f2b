// ABOUTME: SQLite persistence for numbers and their owners
// ABOUTME: Numbers carry the AI switches the inbound router reads on every message

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateNumber inserts a number configuration.
// Returns ErrDuplicateNumber if the id is taken.
func (s *SQLiteStore) CreateNumber(ctx context.Context, n *Number) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO numbers (id, owner_id, display_name, ai_enabled, ai_unknown_enabled,
			response_groups, ai_prompt, ai_model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		n.ID,
		n.OwnerID,
		n.DisplayName,
		n.AIEnabled,
		n.AIUnknownEnabled,
		n.ResponseGroups,
		n.AIPrompt,
		n.AIModel,
		formatTime(n.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateNumber
		}
		return fmt.Errorf("inserting number: %w", err)
	}

	s.logger.Debug("created number", "id", n.ID, "owner_id", n.OwnerID)
	return nil
}

const numberColumns = `id, owner_id, display_name, ai_enabled, ai_unknown_enabled,
	response_groups, ai_prompt, ai_model, created_at`

// GetNumber retrieves a number by id.
// Returns ErrNotFound if the number doesn't exist.
func (s *SQLiteStore) GetNumber(ctx context.Context, id string) (*Number, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+numberColumns+` FROM numbers WHERE id = ?`, id)
	n, err := scanNumber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// ListNumbersByOwner returns the owner's numbers ordered by creation.
func (s *SQLiteStore) ListNumbersByOwner(ctx context.Context, ownerID string) ([]*Number, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+numberColumns+` FROM numbers WHERE owner_id = ? ORDER BY created_at ASC, id ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying numbers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var numbers []*Number
	for rows.Next() {
		n, err := scanNumber(rows)
		if err != nil {
			return nil, err
		}
		numbers = append(numbers, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating number rows: %w", err)
	}
	return numbers, nil
}

// DeleteNumbersByOwner deletes every number belonging to the owner.
func (s *SQLiteStore) DeleteNumbersByOwner(ctx context.Context, ownerID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM numbers WHERE owner_id = ?`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("deleting numbers: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	s.logger.Debug("deleted numbers", "owner_id", ownerID, "count", deleted)
	return deleted, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNumber(row rowScanner) (*Number, error) {
	var n Number
	var createdAt string
	err := row.Scan(
		&n.ID,
		&n.OwnerID,
		&n.DisplayName,
		&n.AIEnabled,
		&n.AIUnknownEnabled,
		&n.ResponseGroups,
		&n.AIPrompt,
		&n.AIModel,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning number: %w", err)
	}
	if n.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateOwner inserts a tenant account.
// Returns ErrDuplicateOwner if the id is taken.
func (s *SQLiteStore) CreateOwner(ctx context.Context, o *Owner) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO owners (id, email, max_response_tokens, advisor_handoff, advisor_email,
			credits_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		o.ID,
		o.Email,
		o.MaxResponseTokens,
		o.AdvisorHandoff,
		o.AdvisorEmail,
		o.CreditsUsed,
		formatTime(o.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateOwner
		}
		return fmt.Errorf("inserting owner: %w", err)
	}

	s.logger.Debug("created owner", "id", o.ID)
	return nil
}

// GetOwner retrieves an owner by id.
// Returns ErrNotFound if the owner doesn't exist.
func (s *SQLiteStore) GetOwner(ctx context.Context, id string) (*Owner, error) {
	query := `
		SELECT id, email, max_response_tokens, advisor_handoff, advisor_email, credits_used, created_at
		FROM owners
		WHERE id = ?
	`

	var o Owner
	var createdAt string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&o.ID,
		&o.Email,
		&o.MaxResponseTokens,
		&o.AdvisorHandoff,
		&o.AdvisorEmail,
		&o.CreditsUsed,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying owner: %w", err)
	}
	if o.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	return &o, nil
}

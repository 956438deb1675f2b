// ABOUTME: SQLite implementation of the credit ledger
// ABOUTME: Debits bump the owner's running total and append a usage row atomically

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Debit records amount tokens against the owner.
// A zero amount still confirms the owner exists but writes no usage row.
func (s *SQLiteStore) Debit(ctx context.Context, ownerID, numberID string, amount int) (bool, error) {
	if amount < 0 {
		return false, fmt.Errorf("negative debit %d", amount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`UPDATE owners SET credits_used = credits_used + ? WHERE id = ?`, amount, ownerID)
	if err != nil {
		return false, fmt.Errorf("updating owner credits: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if amount > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO credit_usage (id, owner_id, number_id, amount, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, uuid.New().String(), ownerID, numberID, amount, formatTime(time.Now()))
		if err != nil {
			return false, fmt.Errorf("inserting credit usage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing debit: %w", err)
	}

	s.logger.Debug("debited credits", "owner_id", ownerID, "number_id", numberID, "amount", amount)
	return true, nil
}

// ListCreditUsage returns the owner's ledger rows, oldest first.
func (s *SQLiteStore) ListCreditUsage(ctx context.Context, ownerID string) ([]*CreditUsage, error) {
	query := `
		SELECT id, owner_id, number_id, amount, created_at
		FROM credit_usage
		WHERE owner_id = ?
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying credit usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var usage []*CreditUsage
	for rows.Next() {
		var u CreditUsage
		var createdAt string
		if err := rows.Scan(&u.ID, &u.OwnerID, &u.NumberID, &u.Amount, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning credit usage: %w", err)
		}
		if u.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		usage = append(usage, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credit usage rows: %w", err)
	}
	return usage, nil
}

// ABOUTME: SQLite persistence for synced and unsynced conversation parties
// ABOUTME: Unsynced shadows are upserted idempotently on (number_id, external_id)

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetSyncedParty looks up an imported contact or group.
// Returns ErrNotFound if the party was never synced.
func (s *SQLiteStore) GetSyncedParty(ctx context.Context, numberID, externalID string) (*SyncedParty, error) {
	query := `
		SELECT number_id, external_id, name, kind, agent_enabled, created_at, updated_at
		FROM synced_parties
		WHERE number_id = ? AND external_id = ?
	`
	p, err := scanSyncedParty(s.db.QueryRowContext(ctx, query, numberID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// UpsertSyncedParty creates the party or updates its name and kind.
// AgentEnabled is only applied on insert; use SetSyncedPartyAgent to toggle it.
func (s *SQLiteStore) UpsertSyncedParty(ctx context.Context, p *SyncedParty) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	query := `
		INSERT INTO synced_parties (number_id, external_id, name, kind, agent_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(number_id, external_id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		p.NumberID,
		p.ExternalID,
		p.Name,
		string(p.Kind),
		p.AgentEnabled,
		formatTime(p.CreatedAt),
		formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting synced party: %w", err)
	}

	s.logger.Debug("upserted synced party", "number_id", p.NumberID, "external_id", p.ExternalID, "kind", p.Kind)
	return nil
}

// ListSyncedParties returns the number's synced parties ordered by name.
func (s *SQLiteStore) ListSyncedParties(ctx context.Context, numberID string) ([]*SyncedParty, error) {
	query := `
		SELECT number_id, external_id, name, kind, agent_enabled, created_at, updated_at
		FROM synced_parties
		WHERE number_id = ?
		ORDER BY name ASC, external_id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, numberID)
	if err != nil {
		return nil, fmt.Errorf("querying synced parties: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var parties []*SyncedParty
	for rows.Next() {
		p, err := scanSyncedParty(rows)
		if err != nil {
			return nil, err
		}
		parties = append(parties, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating synced party rows: %w", err)
	}
	return parties, nil
}

// SetSyncedPartyAgent toggles auto-reply for one synced party.
// Returns ErrNotFound if no row matched.
func (s *SQLiteStore) SetSyncedPartyAgent(ctx context.Context, numberID, externalID string, enabled bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE synced_parties SET agent_enabled = ?, updated_at = ? WHERE number_id = ? AND external_id = ?`,
		enabled, formatTime(time.Now()), numberID, externalID)
	if err != nil {
		return fmt.Errorf("updating synced party: %w", err)
	}
	return requireAffected(result)
}

// SetAllSyncedPartiesAgent toggles auto-reply for every synced party of a number.
func (s *SQLiteStore) SetAllSyncedPartiesAgent(ctx context.Context, numberID string, enabled bool) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE synced_parties SET agent_enabled = ?, updated_at = ? WHERE number_id = ?`,
		enabled, formatTime(time.Now()), numberID)
	if err != nil {
		return 0, fmt.Errorf("updating synced parties: %w", err)
	}
	updated, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return updated, nil
}

func scanSyncedParty(row rowScanner) (*SyncedParty, error) {
	var p SyncedParty
	var kind, createdAt, updatedAt string
	err := row.Scan(&p.NumberID, &p.ExternalID, &p.Name, &kind, &p.AgentEnabled, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning synced party: %w", err)
	}
	p.Kind = PartyKind(kind)
	if p.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertUnsyncedParty creates or refreshes the shadow record inside a transaction.
func (s *SQLiteStore) UpsertUnsyncedParty(ctx context.Context, p *UnsyncedParty) (*UnsyncedParty, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := getUnsyncedParty(ctx, tx, p.NumberID, p.ExternalID)
	created := errors.Is(err, ErrNotFound)
	if err != nil && !created {
		return nil, false, err
	}

	if created {
		row := *p
		row.AgentEnabled = true
		if row.CreatedAt.IsZero() {
			row.CreatedAt = time.Now()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO unsynced_parties (number_id, external_id, agent_enabled, last_message_preview, last_message_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, row.NumberID, row.ExternalID, row.AgentEnabled, row.LastMessagePreview,
			formatNullTime(row.LastMessageTimestamp), formatTime(row.CreatedAt))
		if err != nil {
			return nil, false, fmt.Errorf("inserting unsynced party: %w", err)
		}
		existing = &row
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE unsynced_parties SET last_message_preview = ?, last_message_at = ?
			WHERE number_id = ? AND external_id = ?
		`, p.LastMessagePreview, formatNullTime(p.LastMessageTimestamp), p.NumberID, p.ExternalID)
		if err != nil {
			return nil, false, fmt.Errorf("updating unsynced party: %w", err)
		}
		existing.LastMessagePreview = p.LastMessagePreview
		existing.LastMessageTimestamp = p.LastMessageTimestamp.UTC().Truncate(time.Second)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing unsynced party: %w", err)
	}

	s.logger.Debug("upserted unsynced party",
		"number_id", p.NumberID,
		"external_id", p.ExternalID,
		"created", created,
	)
	return existing, created, nil
}

// GetUnsyncedParty retrieves a shadow record.
// Returns ErrNotFound if none exists.
func (s *SQLiteStore) GetUnsyncedParty(ctx context.Context, numberID, externalID string) (*UnsyncedParty, error) {
	return getUnsyncedParty(ctx, s.db, numberID, externalID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getUnsyncedParty(ctx context.Context, q queryRower, numberID, externalID string) (*UnsyncedParty, error) {
	query := `
		SELECT number_id, external_id, agent_enabled, last_message_preview, last_message_at, created_at
		FROM unsynced_parties
		WHERE number_id = ? AND external_id = ?
	`
	p, err := scanUnsyncedParty(q.QueryRowContext(ctx, query, numberID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ListUnsyncedParties returns the number's shadows, most recent message first.
func (s *SQLiteStore) ListUnsyncedParties(ctx context.Context, numberID string) ([]*UnsyncedParty, error) {
	query := `
		SELECT number_id, external_id, agent_enabled, last_message_preview, last_message_at, created_at
		FROM unsynced_parties
		WHERE number_id = ?
		ORDER BY last_message_at DESC, external_id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, numberID)
	if err != nil {
		return nil, fmt.Errorf("querying unsynced parties: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var parties []*UnsyncedParty
	for rows.Next() {
		p, err := scanUnsyncedParty(rows)
		if err != nil {
			return nil, err
		}
		parties = append(parties, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating unsynced party rows: %w", err)
	}
	return parties, nil
}

// SetUnsyncedPartyAgent toggles auto-reply for a shadow record.
// Returns ErrNotFound if no row matched.
func (s *SQLiteStore) SetUnsyncedPartyAgent(ctx context.Context, numberID, externalID string, enabled bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE unsynced_parties SET agent_enabled = ? WHERE number_id = ? AND external_id = ?`,
		enabled, numberID, externalID)
	if err != nil {
		return fmt.Errorf("updating unsynced party: %w", err)
	}
	return requireAffected(result)
}

// DeleteUnsyncedParty removes a shadow record. Deleting a missing row is not an error.
func (s *SQLiteStore) DeleteUnsyncedParty(ctx context.Context, numberID, externalID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM unsynced_parties WHERE number_id = ? AND external_id = ?`, numberID, externalID)
	if err != nil {
		return fmt.Errorf("deleting unsynced party: %w", err)
	}
	return nil
}

func scanUnsyncedParty(row rowScanner) (*UnsyncedParty, error) {
	var p UnsyncedParty
	var lastAt sql.NullString
	var createdAt string
	err := row.Scan(&p.NumberID, &p.ExternalID, &p.AgentEnabled, &p.LastMessagePreview, &lastAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning unsynced party: %w", err)
	}
	if p.LastMessageTimestamp, err = parseNullTime("last_message_at", lastAt); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

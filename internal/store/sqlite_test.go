// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers numbers, owners, party upserts, agent toggles and the credit ledger

package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedNumber(t *testing.T, s Store, id, ownerID string) *Number {
	t.Helper()
	ctx := t.Context()
	if _, err := s.GetOwner(ctx, ownerID); err != nil {
		require.NoError(t, s.CreateOwner(ctx, &Owner{ID: ownerID, Email: ownerID + "@example.com"}))
	}
	n := &Number{
		ID:          id,
		OwnerID:     ownerID,
		DisplayName: "Front desk",
		AIEnabled:   true,
		AIPrompt:    "You are a helpful receptionist.",
		AIModel:     "gpt-4o-mini",
	}
	require.NoError(t, s.CreateNumber(ctx, n))
	return n
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
}

func TestNewSQLiteStore_Memory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.CreateOwner(t.Context(), &Owner{ID: "owner-1"}))
	_, err = s.GetOwner(t.Context(), "owner-1")
	assert.NoError(t, err)
}

func TestNumbers_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	seedNumber(t, s, "42", "owner-1")
	seedNumber(t, s, "43", "owner-1")
	seedNumber(t, s, "99", "owner-2")

	got, err := s.GetNumber(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "owner-1", got.OwnerID)
	assert.True(t, got.AIEnabled)
	assert.False(t, got.AIUnknownEnabled)
	assert.Equal(t, "gpt-4o-mini", got.AIModel)

	err = s.CreateNumber(ctx, &Number{ID: "42", OwnerID: "owner-1"})
	assert.ErrorIs(t, err, ErrDuplicateNumber)

	list, err := s.ListNumbersByOwner(ctx, "owner-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	deleted, err := s.DeleteNumbersByOwner(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	_, err = s.GetNumber(ctx, "42")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetNumber(ctx, "99")
	assert.NoError(t, err, "other owner's numbers must survive")
}

func TestOwners_GetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetOwner(t.Context(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOwners_RoundTripAdvisorSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.CreateOwner(ctx, &Owner{
		ID:                "owner-1",
		MaxResponseTokens: 200,
		AdvisorHandoff:    true,
		AdvisorEmail:      "advisor@example.com",
	}))
	assert.ErrorIs(t, s.CreateOwner(ctx, &Owner{ID: "owner-1"}), ErrDuplicateOwner)

	o, err := s.GetOwner(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 200, o.MaxResponseTokens)
	assert.True(t, o.CanHandOff())
}

func TestSyncedParties_UpsertKeepsAgentFlag(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	seedNumber(t, s, "42", "owner-1")

	require.NoError(t, s.UpsertSyncedParty(ctx, &SyncedParty{
		NumberID: "42", ExternalID: "5215550001@c.us", Name: "Ana", Kind: PartyKindContact, AgentEnabled: true,
	}))
	require.NoError(t, s.SetSyncedPartyAgent(ctx, "42", "5215550001@c.us", false))

	// Re-syncing with a new name must not re-enable the agent
	require.NoError(t, s.UpsertSyncedParty(ctx, &SyncedParty{
		NumberID: "42", ExternalID: "5215550001@c.us", Name: "Ana María", Kind: PartyKindContact, AgentEnabled: true,
	}))

	p, err := s.GetSyncedParty(ctx, "42", "5215550001@c.us")
	require.NoError(t, err)
	assert.Equal(t, "Ana María", p.Name)
	assert.False(t, p.AgentEnabled)

	_, err = s.GetSyncedParty(ctx, "42", "missing@c.us")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.SetSyncedPartyAgent(ctx, "42", "missing@c.us", true), ErrNotFound)
}

func TestSyncedParties_BulkToggle(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	seedNumber(t, s, "42", "owner-1")

	for _, id := range []string{"1@c.us", "2@c.us", "team@g.us"} {
		kind := PartyKindContact
		if id == "team@g.us" {
			kind = PartyKindGroup
		}
		require.NoError(t, s.UpsertSyncedParty(ctx, &SyncedParty{NumberID: "42", ExternalID: id, Name: id, Kind: kind, AgentEnabled: true}))
	}

	updated, err := s.SetAllSyncedPartiesAgent(ctx, "42", false)
	require.NoError(t, err)
	assert.Equal(t, int64(3), updated)

	parties, err := s.ListSyncedParties(ctx, "42")
	require.NoError(t, err)
	require.Len(t, parties, 3)
	for _, p := range parties {
		assert.False(t, p.AgentEnabled, p.ExternalID)
	}
}

func TestUnsyncedParties_UpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	seedNumber(t, s, "42", "owner-1")

	first := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	p, created, err := s.UpsertUnsyncedParty(ctx, &UnsyncedParty{
		NumberID: "42", ExternalID: "5215550002@c.us", LastMessagePreview: "Hola", LastMessageTimestamp: first,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, p.AgentEnabled, "new shadows default to agent enabled")

	require.NoError(t, s.SetUnsyncedPartyAgent(ctx, "42", "5215550002@c.us", false))

	second := first.Add(time.Minute)
	p, created, err = s.UpsertUnsyncedParty(ctx, &UnsyncedParty{
		NumberID: "42", ExternalID: "5215550002@c.us", LastMessagePreview: "¿Siguen abiertos?", LastMessageTimestamp: second,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.False(t, p.AgentEnabled, "upsert must not reset the agent flag")
	assert.Equal(t, "¿Siguen abiertos?", p.LastMessagePreview)

	list, err := s.ListUnsyncedParties(ctx, "42")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].LastMessageTimestamp.Equal(second))

	require.NoError(t, s.DeleteUnsyncedParty(ctx, "42", "5215550002@c.us"))
	_, err = s.GetUnsyncedParty(ctx, "42", "5215550002@c.us")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParties_CascadeOnNumberDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	seedNumber(t, s, "42", "owner-1")

	require.NoError(t, s.UpsertSyncedParty(ctx, &SyncedParty{NumberID: "42", ExternalID: "1@c.us", Kind: PartyKindContact}))
	_, _, err := s.UpsertUnsyncedParty(ctx, &UnsyncedParty{NumberID: "42", ExternalID: "2@c.us"})
	require.NoError(t, err)

	_, err = s.DeleteNumbersByOwner(ctx, "owner-1")
	require.NoError(t, err)

	_, err = s.GetSyncedParty(ctx, "42", "1@c.us")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetUnsyncedParty(ctx, "42", "2@c.us")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDebit(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	seedNumber(t, s, "42", "owner-1")

	ok, err := s.Debit(ctx, "owner-1", "42", 37)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Debit(ctx, "owner-1", "42", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Debit(ctx, "ghost", "42", 10)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Debit(ctx, "owner-1", "42", -1)
	assert.Error(t, err)

	o, err := s.GetOwner(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(37), o.CreditsUsed)

	usage, err := s.ListCreditUsage(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, usage, 1, "zero debits write no ledger row")
	assert.Equal(t, 37, usage[0].Amount)
	assert.Equal(t, "42", usage[0].NumberID)
}

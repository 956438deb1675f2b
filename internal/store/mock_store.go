// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject ledger failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	numbers  map[string]*Number        // keyed by number ID
	owners   map[string]*Owner         // keyed by owner ID
	synced   map[string]*SyncedParty   // keyed by "numberID:externalID"
	unsynced map[string]*UnsyncedParty // keyed by "numberID:externalID"
	usage    []*CreditUsage

	// DebitErr, when set, is returned by every Debit call.
	DebitErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		numbers:  make(map[string]*Number),
		owners:   make(map[string]*Owner),
		synced:   make(map[string]*SyncedParty),
		unsynced: make(map[string]*UnsyncedParty),
	}
}

func partyKey(numberID, externalID string) string {
	return numberID + ":" + externalID
}

// CreateNumber stores a new number.
func (m *MockStore) CreateNumber(ctx context.Context, n *Number) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.numbers[n.ID]; exists {
		return ErrDuplicateNumber
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	c := *n
	m.numbers[c.ID] = &c
	return nil
}

// GetNumber retrieves a number by ID.
func (m *MockStore) GetNumber(ctx context.Context, id string) (*Number, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.numbers[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *n
	return &c, nil
}

// ListNumbersByOwner returns the owner's numbers ordered by creation.
func (m *MockStore) ListNumbersByOwner(ctx context.Context, ownerID string) ([]*Number, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Number
	for _, n := range m.numbers {
		if n.OwnerID == ownerID {
			c := *n
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// DeleteNumbersByOwner removes the owner's numbers and their parties.
func (m *MockStore) DeleteNumbersByOwner(ctx context.Context, ownerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, n := range m.numbers {
		if n.OwnerID != ownerID {
			continue
		}
		delete(m.numbers, id)
		deleted++
		for key, p := range m.synced {
			if p.NumberID == id {
				delete(m.synced, key)
			}
		}
		for key, p := range m.unsynced {
			if p.NumberID == id {
				delete(m.unsynced, key)
			}
		}
	}
	return deleted, nil
}

// CreateOwner stores a new owner.
func (m *MockStore) CreateOwner(ctx context.Context, o *Owner) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.owners[o.ID]; exists {
		return ErrDuplicateOwner
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	c := *o
	m.owners[c.ID] = &c
	return nil
}

// GetOwner retrieves an owner by ID.
func (m *MockStore) GetOwner(ctx context.Context, id string) (*Owner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.owners[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *o
	return &c, nil
}

// GetSyncedParty retrieves a synced party.
func (m *MockStore) GetSyncedParty(ctx context.Context, numberID, externalID string) (*SyncedParty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.synced[partyKey(numberID, externalID)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

// UpsertSyncedParty creates or updates a synced party, keeping AgentEnabled on update.
func (m *MockStore) UpsertSyncedParty(ctx context.Context, p *SyncedParty) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	key := partyKey(p.NumberID, p.ExternalID)
	if existing, ok := m.synced[key]; ok {
		existing.Name = p.Name
		existing.Kind = p.Kind
		existing.UpdatedAt = now
		return nil
	}
	c := *p
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.synced[key] = &c
	return nil
}

// ListSyncedParties returns the number's synced parties ordered by name.
func (m *MockStore) ListSyncedParties(ctx context.Context, numberID string) ([]*SyncedParty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*SyncedParty
	for _, p := range m.synced {
		if p.NumberID == numberID {
			c := *p
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name == result[j].Name {
			return result[i].ExternalID < result[j].ExternalID
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// SetSyncedPartyAgent toggles auto-reply for one synced party.
func (m *MockStore) SetSyncedPartyAgent(ctx context.Context, numberID, externalID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.synced[partyKey(numberID, externalID)]
	if !ok {
		return ErrNotFound
	}
	p.AgentEnabled = enabled
	p.UpdatedAt = time.Now()
	return nil
}

// SetAllSyncedPartiesAgent toggles auto-reply for every synced party of a number.
func (m *MockStore) SetAllSyncedPartiesAgent(ctx context.Context, numberID string, enabled bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var updated int64
	for _, p := range m.synced {
		if p.NumberID == numberID {
			p.AgentEnabled = enabled
			p.UpdatedAt = time.Now()
			updated++
		}
	}
	return updated, nil
}

// UpsertUnsyncedParty creates or refreshes a shadow record.
func (m *MockStore) UpsertUnsyncedParty(ctx context.Context, p *UnsyncedParty) (*UnsyncedParty, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := partyKey(p.NumberID, p.ExternalID)
	if existing, ok := m.unsynced[key]; ok {
		existing.LastMessagePreview = p.LastMessagePreview
		existing.LastMessageTimestamp = p.LastMessageTimestamp
		c := *existing
		return &c, false, nil
	}

	c := *p
	c.AgentEnabled = true
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	m.unsynced[key] = &c
	out := c
	return &out, true, nil
}

// GetUnsyncedParty retrieves a shadow record.
func (m *MockStore) GetUnsyncedParty(ctx context.Context, numberID, externalID string) (*UnsyncedParty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.unsynced[partyKey(numberID, externalID)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

// ListUnsyncedParties returns the number's shadows, most recent message first.
func (m *MockStore) ListUnsyncedParties(ctx context.Context, numberID string) ([]*UnsyncedParty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*UnsyncedParty
	for _, p := range m.unsynced {
		if p.NumberID == numberID {
			c := *p
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastMessageTimestamp.After(result[j].LastMessageTimestamp)
	})
	return result, nil
}

// SetUnsyncedPartyAgent toggles auto-reply for a shadow record.
func (m *MockStore) SetUnsyncedPartyAgent(ctx context.Context, numberID, externalID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.unsynced[partyKey(numberID, externalID)]
	if !ok {
		return ErrNotFound
	}
	p.AgentEnabled = enabled
	return nil
}

// DeleteUnsyncedParty removes a shadow record.
func (m *MockStore) DeleteUnsyncedParty(ctx context.Context, numberID, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.unsynced, partyKey(numberID, externalID))
	return nil
}

// Debit records usage against the owner.
func (m *MockStore) Debit(ctx context.Context, ownerID, numberID string, amount int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DebitErr != nil {
		return false, m.DebitErr
	}
	o, ok := m.owners[ownerID]
	if !ok {
		return false, nil
	}
	o.CreditsUsed += int64(amount)
	if amount > 0 {
		m.usage = append(m.usage, &CreditUsage{
			ID:        uuid.New().String(),
			OwnerID:   ownerID,
			NumberID:  numberID,
			Amount:    amount,
			CreatedAt: time.Now(),
		})
	}
	return true, nil
}

// ListCreditUsage returns the owner's ledger rows, oldest first.
func (m *MockStore) ListCreditUsage(ctx context.Context, ownerID string) ([]*CreditUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*CreditUsage
	for _, u := range m.usage {
		if u.OwnerID == ownerID {
			c := *u
			result = append(result, &c)
		}
	}
	return result, nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

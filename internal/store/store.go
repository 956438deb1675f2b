// ABOUTME: Store interfaces and data types for chorus-gateway persistence
// ABOUTME: Defines numbers, owners, synced/unsynced parties and the credit ledger

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateNumber is returned when trying to create a number that already exists
var ErrDuplicateNumber = errors.New("number already exists")

// ErrDuplicateOwner is returned when trying to create an owner that already exists
var ErrDuplicateOwner = errors.New("owner already exists")

// PartyKind distinguishes a one-to-one contact from a group conversation.
type PartyKind string

const (
	PartyKindContact PartyKind = "contact"
	PartyKindGroup   PartyKind = "group"
)

// Number is the per-number AI configuration. Its ID doubles as the session id.
type Number struct {
	ID               string
	OwnerID          string
	DisplayName      string
	AIEnabled        bool
	AIUnknownEnabled bool
	ResponseGroups   bool
	AIPrompt         string
	AIModel          string
	CreatedAt        time.Time
}

// Owner is the tenant account a number belongs to.
type Owner struct {
	ID                string
	Email             string
	MaxResponseTokens int // 0 means the gateway default
	AdvisorHandoff    bool
	AdvisorEmail      string
	CreditsUsed       int64
	CreatedAt         time.Time
}

// CanHandOff reports whether escalations for this owner can be delivered.
func (o *Owner) CanHandOff() bool {
	return o != nil && o.AdvisorHandoff && o.AdvisorEmail != ""
}

// SyncedParty is a contact or group the owner explicitly imported.
type SyncedParty struct {
	NumberID     string
	ExternalID   string
	Name         string
	Kind         PartyKind
	AgentEnabled bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UnsyncedParty is a shadow record auto-created for inbound traffic from
// a party nobody imported. AgentEnabled defaults to true for new rows.
type UnsyncedParty struct {
	NumberID             string
	ExternalID           string
	AgentEnabled         bool
	LastMessagePreview   string
	LastMessageTimestamp time.Time
	CreatedAt            time.Time
}

// CreditUsage is one ledger row recording tokens consumed for an owner.
type CreditUsage struct {
	ID        string
	OwnerID   string
	NumberID  string
	Amount    int
	CreatedAt time.Time
}

// NumberStore manages per-number configuration.
type NumberStore interface {
	CreateNumber(ctx context.Context, n *Number) error
	GetNumber(ctx context.Context, id string) (*Number, error)
	ListNumbersByOwner(ctx context.Context, ownerID string) ([]*Number, error)
	// DeleteNumbersByOwner removes every number of the owner and returns how many were deleted.
	DeleteNumbersByOwner(ctx context.Context, ownerID string) (int64, error)
}

// OwnerStore manages tenant accounts.
type OwnerStore interface {
	CreateOwner(ctx context.Context, o *Owner) error
	GetOwner(ctx context.Context, id string) (*Owner, error)
}

// PartyStore manages synced and unsynced conversation parties.
type PartyStore interface {
	GetSyncedParty(ctx context.Context, numberID, externalID string) (*SyncedParty, error)
	UpsertSyncedParty(ctx context.Context, p *SyncedParty) error
	ListSyncedParties(ctx context.Context, numberID string) ([]*SyncedParty, error)
	SetSyncedPartyAgent(ctx context.Context, numberID, externalID string, enabled bool) error
	SetAllSyncedPartiesAgent(ctx context.Context, numberID string, enabled bool) (int64, error)

	// UpsertUnsyncedParty creates the shadow record or refreshes its last
	// message fields. It never resets AgentEnabled on an existing row.
	// The returned bool reports whether a new row was created.
	UpsertUnsyncedParty(ctx context.Context, p *UnsyncedParty) (*UnsyncedParty, bool, error)
	GetUnsyncedParty(ctx context.Context, numberID, externalID string) (*UnsyncedParty, error)
	ListUnsyncedParties(ctx context.Context, numberID string) ([]*UnsyncedParty, error)
	SetUnsyncedPartyAgent(ctx context.Context, numberID, externalID string, enabled bool) error
	DeleteUnsyncedParty(ctx context.Context, numberID, externalID string) error
}

// CreditLedger meters token usage against owners.
type CreditLedger interface {
	// Debit records amount against the owner. Returns false when the owner does not exist.
	Debit(ctx context.Context, ownerID, numberID string, amount int) (bool, error)
	ListCreditUsage(ctx context.Context, ownerID string) ([]*CreditUsage, error)
}

// Store is the full persistence surface used by the gateway.
type Store interface {
	NumberStore
	OwnerStore
	PartyStore
	CreditLedger
	Close() error
}

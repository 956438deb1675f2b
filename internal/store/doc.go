// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The store package exposes small interfaces composed into Store:
//
//   - NumberStore: per-number AI configuration (the session id is the number id)
//   - OwnerStore: tenant accounts with response budget and advisor settings
//   - PartyStore: synced contacts/groups and auto-created unsynced shadows
//   - CreditLedger: token debits recorded per owner
//
// SQLiteStore implements all interfaces in a single struct. MockStore is an
// in-memory implementation for unit tests.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// Parties reference numbers with ON DELETE CASCADE, so deleting an owner's
// numbers removes their parties too. Credit usage rows are kept.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateNumber, ErrDuplicateOwner: unique key already taken
package store

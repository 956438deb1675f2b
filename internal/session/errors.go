// ABOUTME: Sentinel errors surfaced by session commands
// ABOUTME: The command surface maps these to rejected requests

package session

import "errors"

var (
	ErrMissingSessionID   = errors.New("session id is required")
	ErrMissingOwnerID     = errors.New("owner id is required")
	ErrInvalidRecipient   = errors.New("invalid recipient")
	ErrRecipientNotSynced = errors.New("recipient is not a synced party")
	ErrEmptyContent       = errors.New("message content is required")
	ErrNoActiveSession    = errors.New("no active session")
	ErrSessionNotReady    = errors.New("session is not ready")
	ErrPartyNotFound      = errors.New("party not found")
)

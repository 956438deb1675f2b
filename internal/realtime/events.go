// ABOUTME: Realtime event names and payloads pushed to browser clients
// ABOUTME: Field names are part of the client contract and must not change

package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/2389/chorus-gateway/internal/conversation"
)

// Event names as seen by clients.
const (
	EventQRCode         = "qr-code"
	EventReady          = "whatsapp-ready"
	EventNumbersUpdated = "whatsapp-numbers-updated"
	EventChatHistory    = "chat-history"
	EventSyncProgress   = "sync-progress"
	EventCreditsUpdated = "creditsUpdated"
)

// Event is a typed payload that knows its wire name.
type Event interface {
	EventName() string
}

// QRCode carries a pairing code rendered as a PNG data URL.
type QRCode struct {
	SessionID string `json:"sessionId"`
	QR        string `json:"qr"`
}

func (QRCode) EventName() string { return EventQRCode }

// Ready announces that a session authenticated.
type Ready struct {
	SessionID string `json:"sessionId"`
}

func (Ready) EventName() string { return EventReady }

// NumbersUpdated tells clients to reload their number list.
type NumbersUpdated struct{}

func (NumbersUpdated) EventName() string { return EventNumbersUpdated }

// ChatHistory carries a refreshed history window for one conversation.
type ChatHistory struct {
	SessionID            string               `json:"sessionId"`
	ChatHistory          []conversation.Entry `json:"chatHistory"`
	To                   string               `json:"to"`
	LastMessageTimestamp *int64               `json:"lastMessageTimestamp"`
}

func (ChatHistory) EventName() string { return EventChatHistory }

// NewChatHistory builds the event from a window.
func NewChatHistory(sessionID string, w *conversation.Window) ChatHistory {
	entries := w.Entries
	if entries == nil {
		entries = []conversation.Entry{}
	}
	return ChatHistory{
		SessionID:            sessionID,
		ChatHistory:          entries,
		To:                   w.ChatID,
		LastMessageTimestamp: w.LastTimestamp(),
	}
}

// SyncProgress reports party sync progress.
type SyncProgress struct {
	SessionID string `json:"sessionId"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

func (SyncProgress) EventName() string { return EventSyncProgress }

// CreditsUpdated reports tokens consumed by a reply.
type CreditsUpdated struct {
	CreditsUsed int `json:"creditsUsed"`
}

func (CreditsUpdated) EventName() string { return EventCreditsUpdated }

// Envelope is the frame written to clients.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Encode wraps an event in an envelope.
func Encode(ev Event) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s: %w", ev.EventName(), err)
	}
	return Envelope{Event: ev.EventName(), Data: data}, nil
}

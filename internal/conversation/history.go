// ABOUTME: Chat-history window built from the protocol client's recent messages
// ABOUTME: Re-sorts newest-first fetches into oldest-first role-tagged entries

package conversation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/2389/chorus-gateway/internal/protocol"
)

// DefaultWindow is how many messages a history window holds when unset.
const DefaultWindow = 20

// Role tags an entry as coming from the contact or from the session.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one message in a chat-history window.
type Entry struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	FromMe    bool   `json:"fromMe"`
}

// Fetcher is the slice of protocol.Client a window needs.
type Fetcher interface {
	FetchMessages(ctx context.Context, chatID string, limit int) ([]*protocol.Message, error)
}

// Window is an ordered, oldest-first view of a conversation.
type Window struct {
	ChatID  string
	Entries []Entry
}

// Fetch reads the most recent limit messages of chatID and returns them oldest first.
func Fetch(ctx context.Context, f Fetcher, chatID string, limit int) (*Window, error) {
	if limit <= 0 {
		limit = DefaultWindow
	}
	msgs, err := f.FetchMessages(ctx, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching messages for %s: %w", chatID, err)
	}
	return &Window{ChatID: chatID, Entries: FromMessages(msgs)}, nil
}

// FromMessages maps protocol messages to entries sorted by timestamp ascending.
// Messages with equal timestamps keep their relative order reversed from the
// newest-first input, so the oldest stays first.
func FromMessages(msgs []*protocol.Message) []Entry {
	ordered := make([]*protocol.Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i] != nil {
			ordered = append(ordered, msgs[i])
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	entries := make([]Entry, 0, len(ordered))
	for _, m := range ordered {
		entries = append(entries, entryFor(m))
	}
	return entries
}

func entryFor(m *protocol.Message) Entry {
	role := RoleUser
	if m.FromMe {
		role = RoleAssistant
	}
	return Entry{
		Role:      role,
		Content:   m.Body,
		Timestamp: m.Timestamp.UnixMilli(),
		FromMe:    m.FromMe,
	}
}

// Append adds an assistant entry for text sent at t.
func (w *Window) Append(text string, t time.Time) {
	w.Entries = append(w.Entries, Entry{
		Role:      RoleAssistant,
		Content:   text,
		Timestamp: t.UTC().UnixMilli(),
		FromMe:    true,
	})
}

// LastTimestamp returns the newest entry's timestamp, or nil for an empty window.
func (w *Window) LastTimestamp() *int64 {
	if w == nil || len(w.Entries) == 0 {
		return nil
	}
	ts := w.Entries[len(w.Entries)-1].Timestamp
	return &ts
}

// TrimLeadingAssistant drops assistant entries at the start of entries.
func TrimLeadingAssistant(entries []Entry) []Entry {
	for i, e := range entries {
		if e.Role != RoleAssistant {
			return entries[i:]
		}
	}
	return nil
}

// ABOUTME: Interfaces for the browser-backed chat protocol client each session drives
// ABOUTME: Defines lifecycle events, message/chat/contact shapes and optional teardown capabilities

package protocol

import (
	"context"
	"time"
)

// EventType identifies a lifecycle or traffic event raised by a Client.
type EventType string

const (
	EventQR           EventType = "qr"
	EventReady        EventType = "ready"
	EventDisconnected EventType = "disconnected"
	EventMessage      EventType = "message"
)

// StatusBroadcastID is the pseudo-chat carrying status updates, never a conversation.
const StatusBroadcastID = "status@broadcast"

// Event is a typed notification from the client. Exactly one of QR, Reason
// or Message is meaningful, depending on Type.
type Event struct {
	Type    EventType
	QR      string   // raw pairing payload for EventQR
	Reason  string   // for EventDisconnected
	Message *Message // for EventMessage
}

// Message is one chat message as seen by the transport.
type Message struct {
	ID        string
	ChatID    string // conversation the message belongs to
	From      string // author id; equals ChatID for one-to-one chats
	Body      string
	FromMe    bool
	Timestamp time.Time
}

// Chat describes a conversation.
type Chat struct {
	ID      string
	Name    string
	IsGroup bool
}

// Contact is an entry in the account's address book.
type Contact struct {
	ID          string
	Name        string
	Number      string
	IsGroup     bool
	IsMyContact bool
}

// Handler receives events. Implementations must not block for long.
type Handler func(Event)

// Client is a single authenticated connection to the chat network.
type Client interface {
	// OnEvent installs the handler that receives every event. It must be
	// called before Initialize; a later call replaces the handler.
	OnEvent(h Handler)
	// RemoveAllListeners detaches the handler; no events are delivered afterwards.
	RemoveAllListeners()

	// Initialize starts the client. It may block until pairing or failure.
	Initialize(ctx context.Context) error

	SendMessage(ctx context.Context, chatID, text string) (*Message, error)
	// FetchMessages returns up to limit messages, most recent first.
	FetchMessages(ctx context.Context, chatID string, limit int) ([]*Message, error)
	GetChatByID(ctx context.Context, chatID string) (*Chat, error)
	GetContacts(ctx context.Context) ([]*Contact, error)

	Logout(ctx context.Context) error
	Destroy(ctx context.Context) error
}

// ConnectionProber is implemented by clients that can report whether the
// underlying connection is live. Teardown only logs out connected clients.
type ConnectionProber interface {
	IsConnected() bool
}

// Page is the browser tab hosting the session.
type Page interface {
	IsClosed() bool
	Close(ctx context.Context) error
}

// Browser is the automation process owning the page.
type Browser interface {
	Disconnect() error
	Close(ctx context.Context) error
}

// PageHolder is implemented by clients that expose their browser page.
type PageHolder interface {
	Page() Page
}

// BrowserHolder is implemented by clients that expose their browser process.
type BrowserHolder interface {
	Browser() Browser
}

// Factory creates a new Client for a session id.
type Factory interface {
	NewClient(sessionID string) (Client, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(sessionID string) (Client, error)

// NewClient calls f.
func (f FactoryFunc) NewClient(sessionID string) (Client, error) { return f(sessionID) }

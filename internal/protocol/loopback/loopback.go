// ABOUTME: In-memory protocol client for tests and local development
// ABOUTME: Scriptable pairing, inbound delivery and per-step teardown failure injection

package loopback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/chorus-gateway/internal/clock"
	"github.com/2389/chorus-gateway/internal/protocol"
)

// Teardown step names used with Fail, Hang and Panic.
const (
	StepLogout            = "logout"
	StepPageClose         = "page.close"
	StepBrowserDisconnect = "browser.disconnect"
	StepBrowserClose      = "browser.close"
	StepDestroy           = "destroy"
	StepSend              = "send"
)

// ErrNoChat is returned for lookups of chats the client does not know.
var ErrNoChat = errors.New("chat not found")

// Options control how a loopback client behaves.
type Options struct {
	// AutoPair emits a qr event as soon as Initialize runs.
	AutoPair bool
	// AutoReady emits ready after pairing (or immediately when AutoPair is false).
	AutoReady bool
	// InitErr is returned from Initialize.
	InitErr error
	Clock   clock.Clock
}

// Client is an in-memory protocol.Client. The zero value is not usable; use New.
type Client struct {
	id   string
	opts Options

	mu        sync.Mutex
	handler   protocol.Handler
	connected bool
	chats     map[string]*protocol.Chat
	history   map[string][]*protocol.Message
	contacts  []*protocol.Contact
	sent      []*protocol.Message
	calls     map[string]int
	fail      map[string]error
	hang      map[string]bool
	panics    map[string]bool
	release   chan struct{}
	page      *fakePage
	browser   *fakeBrowser
}

// New creates a loopback client for a session id.
func New(sessionID string, opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	c := &Client{
		id:      sessionID,
		opts:    opts,
		chats:   make(map[string]*protocol.Chat),
		history: make(map[string][]*protocol.Message),
		calls:   make(map[string]int),
		fail:    make(map[string]error),
		hang:    make(map[string]bool),
		panics:  make(map[string]bool),
		release: make(chan struct{}),
	}
	c.page = &fakePage{c: c}
	c.browser = &fakeBrowser{c: c}
	return c
}

// ID returns the session id the client was created for.
func (c *Client) ID() string { return c.id }

// OnEvent installs the event handler.
func (c *Client) OnEvent(h protocol.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// RemoveAllListeners detaches the handler.
func (c *Client) RemoveAllListeners() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["detach"]++
	c.handler = nil
}

// Initialize runs the scripted pairing sequence.
func (c *Client) Initialize(ctx context.Context) error {
	c.record("initialize")
	if c.opts.InitErr != nil {
		return c.opts.InitErr
	}
	if c.opts.AutoPair {
		c.Emit(protocol.Event{Type: protocol.EventQR, QR: "loopback-pair:" + c.id})
	}
	if c.opts.AutoReady {
		c.MarkReady()
	}
	return nil
}

// MarkReady flips the client to connected and emits ready.
func (c *Client) MarkReady() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.Emit(protocol.Event{Type: protocol.EventReady})
}

// Disconnect flips the client to disconnected and emits the event.
func (c *Client) Disconnect(reason string) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.Emit(protocol.Event{Type: protocol.EventDisconnected, Reason: reason})
}

// Emit delivers an event to the installed handler, if any.
func (c *Client) Emit(evt protocol.Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

// AddChat registers a conversation.
func (c *Client) AddChat(chat protocol.Chat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := chat
	c.chats[chat.ID] = &cp
}

// AddContact appends an address book entry.
func (c *Client) AddContact(contact protocol.Contact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := contact
	c.contacts = append(c.contacts, &cp)
}

// Seed appends messages to a chat's history without emitting events.
func (c *Client) Seed(msgs ...*protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		cp := *m
		if cp.ID == "" {
			cp.ID = uuid.New().String()
		}
		c.history[cp.ChatID] = append(c.history[cp.ChatID], &cp)
	}
}

// Deliver simulates an inbound message: it is stored in history and emitted.
func (c *Client) Deliver(chatID, body string) *protocol.Message {
	msg := &protocol.Message{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		From:      chatID,
		Body:      body,
		Timestamp: c.opts.Clock.Now(),
	}
	c.Seed(msg)
	c.Emit(protocol.Event{Type: protocol.EventMessage, Message: msg})
	return msg
}

// Fail makes a step return err.
func (c *Client) Fail(step string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail[step] = err
}

// Hang makes a step block until Release is called. Context cancellation is ignored.
func (c *Client) Hang(step string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hang[step] = true
}

// Panic makes a step panic.
func (c *Client) Panic(step string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.panics[step] = true
}

// Release unblocks every hanging step.
func (c *Client) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.release:
	default:
		close(c.release)
	}
}

// Calls returns how many times a step or operation ran.
func (c *Client) Calls(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

// Sent returns the messages sent through the client, oldest first.
func (c *Client) Sent() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Message, len(c.sent))
	copy(out, c.sent)
	return out
}

// IsConnected reports whether the client reached ready and has not been logged out.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Page exposes the fake browser page.
func (c *Client) Page() protocol.Page { return c.page }

// Browser exposes the fake browser process.
func (c *Client) Browser() protocol.Browser { return c.browser }

// step records a call and applies injected behavior for it.
func (c *Client) step(name string) error {
	c.mu.Lock()
	c.calls[name]++
	err := c.fail[name]
	hang := c.hang[name]
	boom := c.panics[name]
	release := c.release
	c.mu.Unlock()

	if boom {
		panic(fmt.Sprintf("loopback: %s exploded", name))
	}
	if hang {
		<-release
	}
	return err
}

func (c *Client) record(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[name]++
}

// SendMessage appends an outbound message to the chat history.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) (*protocol.Message, error) {
	if err := c.step(StepSend); err != nil {
		return nil, err
	}
	msg := &protocol.Message{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		From:      c.id,
		Body:      text,
		FromMe:    true,
		Timestamp: c.opts.Clock.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.history[chatID] = append(c.history[chatID], msg)
	c.sent = append(c.sent, msg)
	cp := *msg
	return &cp, nil
}

// FetchMessages returns up to limit messages, most recent first.
func (c *Client) FetchMessages(ctx context.Context, chatID string, limit int) ([]*protocol.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["fetch"]++

	hist := c.history[chatID]
	msgs := make([]*protocol.Message, 0, len(hist))
	for i := len(hist) - 1; i >= 0; i-- {
		cp := *hist[i]
		msgs = append(msgs, &cp)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.After(msgs[j].Timestamp) })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// GetChatByID returns a registered chat. Unknown ids that already have history are
// treated as one-to-one chats.
func (c *Client) GetChatByID(ctx context.Context, chatID string) (*protocol.Chat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if chat, ok := c.chats[chatID]; ok {
		cp := *chat
		return &cp, nil
	}
	if _, ok := c.history[chatID]; ok {
		return &protocol.Chat{ID: chatID}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoChat, chatID)
}

// GetContacts returns the address book.
func (c *Client) GetContacts(ctx context.Context) ([]*protocol.Contact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Contact, 0, len(c.contacts))
	for _, ct := range c.contacts {
		cp := *ct
		out = append(out, &cp)
	}
	return out, nil
}

// Logout ends the authenticated session.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.step(StepLogout); err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

// Destroy releases the client.
func (c *Client) Destroy(ctx context.Context) error {
	return c.step(StepDestroy)
}

type fakePage struct {
	c      *Client
	mu     sync.Mutex
	closed bool
}

func (p *fakePage) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePage) Close(ctx context.Context) error {
	if err := p.c.step(StepPageClose); err != nil {
		return err
	}
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

type fakeBrowser struct {
	c *Client
}

func (b *fakeBrowser) Disconnect() error {
	return b.c.step(StepBrowserDisconnect)
}

func (b *fakeBrowser) Close(ctx context.Context) error {
	return b.c.step(StepBrowserClose)
}

var (
	_ protocol.Client           = (*Client)(nil)
	_ protocol.ConnectionProber = (*Client)(nil)
	_ protocol.PageHolder       = (*Client)(nil)
	_ protocol.BrowserHolder    = (*Client)(nil)
)

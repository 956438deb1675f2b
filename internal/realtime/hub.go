// ABOUTME: In-memory fan-out hub that groups realtime subscribers by session id
// ABOUTME: Publishes lifecycle and history events to every client that joined a session

package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Publisher is what the orchestrator needs to push events.
type Publisher interface {
	Publish(sessionID string, ev Event)
}

// Relay forwards envelopes to other gateway processes.
type Relay interface {
	Forward(ctx context.Context, sessionID string, env Envelope) error
}

// Hub provides in-memory pub/sub keyed by session id. Subscribers join a
// session group and receive every envelope published to it.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Envelope // sessionID -> subID -> ch
	relay       Relay
	logger      *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]map[string]chan Envelope),
		logger:      logger.With("component", "realtime"),
	}
}

// SetRelay installs a relay that receives every locally published envelope.
func (h *Hub) SetRelay(r Relay) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.relay = r
}

// Subscribe joins the session group. Returns a channel that receives envelopes
// and a subscription ID for later unsubscription. The subscription is
// automatically cleaned up when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, sessionID string) (<-chan Envelope, string) {
	subID := uuid.New().String()
	ch := make(chan Envelope, subscriberBufferSize)

	h.mu.Lock()
	if _, ok := h.subscribers[sessionID]; !ok {
		h.subscribers[sessionID] = make(map[string]chan Envelope)
	}
	h.subscribers[sessionID][subID] = ch
	h.mu.Unlock()

	h.logger.Debug("subscriber joined", "session_id", sessionID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		h.Unsubscribe(sessionID, subID)
	}()

	return ch, subID
}

// Publish encodes ev and delivers it to the session group, then hands it to the relay.
func (h *Hub) Publish(sessionID string, ev Event) {
	env, err := Encode(ev)
	if err != nil {
		h.logger.Error("dropping unencodable event", "session_id", sessionID, "error", err)
		return
	}
	h.Deliver(sessionID, env)

	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay != nil {
		if err := relay.Forward(context.Background(), sessionID, env); err != nil {
			h.logger.Warn("relay forward failed", "session_id", sessionID, "event", env.Event, "error", err)
		}
	}
}

// Deliver sends an envelope to local subscribers only.
// Non-blocking: envelopes are dropped for subscribers whose channels are full.
func (h *Hub) Deliver(sessionID string, env Envelope) {
	h.mu.RLock()
	subs, ok := h.subscribers[sessionID]
	if !ok || len(subs) == 0 {
		h.mu.RUnlock()
		return
	}

	// Read lock is held through the non-blocking sends so Unsubscribe cannot close a channel mid-send.
	targets := make([]chan Envelope, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}

	for _, ch := range targets {
		select {
		case ch <- env:
		default:
			h.logger.Debug("dropped event for slow subscriber", "session_id", sessionID, "event", env.Event)
		}
	}
	h.mu.RUnlock()
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(sessionID, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[sessionID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(h.subscribers, sessionID)
	}

	h.logger.Debug("subscriber left", "session_id", sessionID, "sub_id", subID)
}

// SubscriberCount returns how many subscribers joined a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[sessionID])
}

// Close shuts down the hub and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sessionID, subs := range h.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(h.subscribers, sessionID)
	}

	h.logger.Debug("hub closed")
}

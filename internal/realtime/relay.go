// ABOUTME: Redis pub/sub relay so several gateway processes share session groups
// ABOUTME: Each process tags frames with its node id and ignores frames it published

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix namespaces relay channels.
const DefaultChannelPrefix = "chorus:session"

type relayFrame struct {
	Origin    string   `json:"origin"`
	SessionID string   `json:"sessionId"`
	Envelope  Envelope `json:"envelope"`
}

// RedisRelay publishes envelopes to Redis and delivers frames from other
// nodes into the local hub.
type RedisRelay struct {
	client *redis.Client
	hub    *Hub
	prefix string
	nodeID string
	logger *slog.Logger
}

// NewRedisRelay creates a relay. The caller owns client.
func NewRedisRelay(client *redis.Client, hub *Hub, prefix, nodeID string, logger *slog.Logger) *RedisRelay {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{
		client: client,
		hub:    hub,
		prefix: prefix,
		nodeID: nodeID,
		logger: logger.With("component", "relay"),
	}
}

func (r *RedisRelay) channel(sessionID string) string {
	return r.prefix + ":" + sessionID
}

// Forward implements Relay.
func (r *RedisRelay) Forward(ctx context.Context, sessionID string, env Envelope) error {
	payload, err := json.Marshal(relayFrame{Origin: r.nodeID, SessionID: sessionID, Envelope: env})
	if err != nil {
		return fmt.Errorf("encoding relay frame: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel(sessionID), payload).Err(); err != nil {
		return fmt.Errorf("publishing to redis: %w", err)
	}
	return nil
}

// Run subscribes to every session channel and blocks until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, r.prefix+":*")
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to redis: %w", err)
	}
	r.logger.Info("relay subscribed", "pattern", r.prefix+":*", "node_id", r.nodeID)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(msg.Channel, msg.Payload)
		}
	}
}

// handle decodes one frame and delivers it locally unless this node sent it.
func (r *RedisRelay) handle(channel, payload string) {
	var frame relayFrame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		r.logger.Warn("dropping malformed relay frame", "channel", channel, "error", err)
		return
	}
	if frame.Origin == r.nodeID {
		return
	}
	sessionID := frame.SessionID
	if sessionID == "" {
		sessionID = strings.TrimPrefix(channel, r.prefix+":")
	}
	r.hub.Deliver(sessionID, frame.Envelope)
}

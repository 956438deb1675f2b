// ABOUTME: Websocket endpoint where browser clients join session groups
// ABOUTME: Clients send join/leave commands; the server streams envelopes for joined sessions

package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Commands a client may send over the socket.
const (
	CommandJoin  = "join"
	CommandLeave = "leave"
)

// Control events the endpoint itself emits.
const (
	EventJoined = "joined"
	EventLeft   = "left"
	EventError  = "error"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ClientCommand is a frame read from a client.
type ClientCommand struct {
	Command   string `json:"command"`
	SessionID string `json:"sessionId"`
}

// WSHandler upgrades requests and serves the join protocol.
type WSHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSHandler creates the websocket endpoint for hub.
func NewWSHandler(hub *Hub, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		hub:      hub,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger:   logger.With("component", "ws"),
	}
}

// ServeHTTP implements http.Handler.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		conn:   conn,
		hub:    h.hub,
		out:    make(chan Envelope, subscriberBufferSize),
		joined: make(map[string]context.CancelFunc),
		logger: h.logger,
	}

	go c.writeLoop(ctx)
	c.readLoop(ctx)

	cancel()
	c.leaveAll()
	_ = conn.Close()
}

type wsConn struct {
	conn   *websocket.Conn
	hub    *Hub
	out    chan Envelope
	logger *slog.Logger

	mu     sync.Mutex
	joined map[string]context.CancelFunc
}

func (c *wsConn) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd ClientCommand
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		switch cmd.Command {
		case CommandJoin:
			if cmd.SessionID == "" {
				c.control(ctx, EventError, map[string]string{"error": "sessionId is required"})
				continue
			}
			c.join(ctx, cmd.SessionID)
			c.control(ctx, EventJoined, map[string]string{"sessionId": cmd.SessionID})
		case CommandLeave:
			c.leave(cmd.SessionID)
			c.control(ctx, EventLeft, map[string]string{"sessionId": cmd.SessionID})
		default:
			c.control(ctx, EventError, map[string]string{"error": "unknown command " + cmd.Command})
		}
	}
}

// join subscribes to a session group once; repeated joins are no-ops.
func (c *wsConn) join(ctx context.Context, sessionID string) {
	c.mu.Lock()
	if _, ok := c.joined[sessionID]; ok {
		c.mu.Unlock()
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	c.joined[sessionID] = cancel
	c.mu.Unlock()

	events, _ := c.hub.Subscribe(subCtx, sessionID)
	go func() {
		for env := range events {
			select {
			case c.out <- env:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *wsConn) leave(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.joined[sessionID]; ok {
		cancel()
		delete(c.joined, sessionID)
	}
}

func (c *wsConn) leaveAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cancel := range c.joined {
		cancel()
		delete(c.joined, id)
	}
}

func (c *wsConn) control(ctx context.Context, event string, payload any) {
	data, _ := json.Marshal(payload)
	select {
	case c.out <- Envelope{Event: event, Data: data}:
	case <-ctx.Done():
	}
}

func (c *wsConn) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.logger.Warn("ws write failed, dropping connection", "error", err)
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				return
			}
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// ABOUTME: Factory that hands out loopback clients and remembers them per session
// ABOUTME: Tests use it to reach the client a controller created for an id

package loopback

import (
	"sync"

	"github.com/2389/chorus-gateway/internal/protocol"
)

// Network is a protocol.Factory producing loopback clients.
type Network struct {
	mu        sync.Mutex
	opts      Options
	configure func(*Client)
	clients   map[string][]*Client
}

// NewNetwork returns a factory whose clients use opts. configure, if non-nil,
// runs on every new client before it is returned.
func NewNetwork(opts Options, configure func(*Client)) *Network {
	return &Network{
		opts:      opts,
		configure: configure,
		clients:   make(map[string][]*Client),
	}
}

// NewClient implements protocol.Factory.
func (n *Network) NewClient(sessionID string) (protocol.Client, error) {
	c := New(sessionID, n.opts)
	if n.configure != nil {
		n.configure(c)
	}

	n.mu.Lock()
	n.clients[sessionID] = append(n.clients[sessionID], c)
	n.mu.Unlock()
	return c, nil
}

// Latest returns the most recent client created for a session id.
func (n *Network) Latest(sessionID string) *Client {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.clients[sessionID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// All returns every client created for a session id, oldest first.
func (n *Network) All(sessionID string) []*Client {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Client, len(n.clients[sessionID]))
	copy(out, n.clients[sessionID])
	return out
}

// ABOUTME: Session lifecycle states and the transition table that governs them
// ABOUTME: ABSENT -> INITIALIZING -> QR_PENDING -> READY -> DISCONNECTED -> ABSENT

package session

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidTransition is returned when a trigger is not legal in the current state.
var ErrInvalidTransition = errors.New("invalid state transition")

// State is where a session is in its lifecycle.
type State string

const (
	StateAbsent       State = "ABSENT"
	StateInitializing State = "INITIALIZING"
	StateQRPending    State = "QR_PENDING"
	StateReady        State = "READY"
	StateDisconnected State = "DISCONNECTED"
)

// Trigger moves a session between states.
type Trigger string

const (
	TriggerQR           Trigger = "qr"
	TriggerReady        Trigger = "ready"
	TriggerDisconnected Trigger = "disconnected"
	TriggerRemoved      Trigger = "removed" // teardown finished, entry gone
)

var transitions = map[State]map[Trigger]State{
	StateInitializing: {
		TriggerQR:           StateQRPending,
		TriggerReady:        StateReady,
		TriggerDisconnected: StateDisconnected,
		TriggerRemoved:      StateAbsent,
	},
	StateQRPending: {
		TriggerQR:           StateQRPending,
		TriggerReady:        StateReady,
		TriggerDisconnected: StateDisconnected,
		TriggerRemoved:      StateAbsent,
	},
	StateReady: {
		TriggerDisconnected: StateDisconnected,
		TriggerRemoved:      StateAbsent,
	},
	StateDisconnected: {
		TriggerRemoved: StateAbsent,
	},
}

// Machine tracks one session's state. Safe for concurrent use.
type Machine struct {
	mu    sync.Mutex
	state State
}

// NewMachine returns a machine in INITIALIZING, the state a freshly registered session starts in.
func NewMachine() *Machine {
	return &Machine{state: StateInitializing}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Apply fires t. An illegal trigger leaves the state unchanged and returns ErrInvalidTransition.
func (m *Machine) Apply(t Trigger) (from, to State, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from = m.state
	next, ok := transitions[from][t]
	if !ok {
		return from, from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, t, from)
	}
	m.state = next
	return from, next, nil
}

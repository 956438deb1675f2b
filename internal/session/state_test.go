// ABOUTME: Tests for the lifecycle transition table, the registry and recipient normalization
// ABOUTME: Pure unit tests with no goroutines

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chorus-gateway/internal/protocol/loopback"
)

func TestMachine_HappyPath(t *testing.T) {
	m := NewMachine()
	assert.Equal(t, StateInitializing, m.State())

	steps := []struct {
		trigger Trigger
		want    State
	}{
		{TriggerQR, StateQRPending},
		{TriggerQR, StateQRPending},
		{TriggerReady, StateReady},
		{TriggerDisconnected, StateDisconnected},
		{TriggerRemoved, StateAbsent},
	}
	for _, s := range steps {
		_, to, err := m.Apply(s.trigger)
		require.NoError(t, err, "trigger %s", s.trigger)
		assert.Equal(t, s.want, to)
	}
}

func TestMachine_IllegalTransitions(t *testing.T) {
	tests := []struct {
		name    string
		setup   []Trigger
		trigger Trigger
		state   State
	}{
		{"qr after ready", []Trigger{TriggerReady}, TriggerQR, StateReady},
		{"ready after disconnect", []Trigger{TriggerDisconnected}, TriggerReady, StateDisconnected},
		{"anything once absent", []Trigger{TriggerRemoved}, TriggerQR, StateAbsent},
		{"removed twice", []Trigger{TriggerRemoved}, TriggerRemoved, StateAbsent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine()
			for _, tr := range tt.setup {
				_, _, err := m.Apply(tr)
				require.NoError(t, err)
			}
			from, to, err := m.Apply(tt.trigger)
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, tt.state, from)
			assert.Equal(t, tt.state, to)
			assert.Equal(t, tt.state, m.State())
		})
	}
}

func TestMachine_DisconnectFromEveryLiveState(t *testing.T) {
	for _, setup := range [][]Trigger{nil, {TriggerQR}, {TriggerReady}} {
		m := NewMachine()
		for _, tr := range setup {
			_, _, err := m.Apply(tr)
			require.NoError(t, err)
		}
		_, to, err := m.Apply(TriggerDisconnected)
		require.NoError(t, err)
		assert.Equal(t, StateDisconnected, to)
	}
}

func TestRegistry_RemoveIfOnlyRemovesSameHandle(t *testing.T) {
	r := NewRegistry()
	old := newSession("42", loopback.New("42", loopback.Options{}), time.Now())
	current := newSession("42", loopback.New("42", loopback.Options{}), time.Now())

	r.Set("42", current)
	assert.False(t, r.RemoveIf("42", old), "stale handle must not remove its replacement")

	got, ok := r.Get("42")
	require.True(t, ok)
	assert.Same(t, current, got)

	assert.True(t, r.RemoveIf("42", current))
	_, ok = r.Get("42")
	assert.False(t, ok)
}

func TestRegistry_ListSortedAndLookup(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"b", "a", "c"} {
		r.Set(id, newSession(id, loopback.New(id, loopback.Options{}), time.Now()))
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "c", list[2].ID)

	var lookup Lookup = r
	_, ok := lookup.Client("b")
	assert.True(t, ok)
	_, ok = lookup.Client("zzz")
	assert.False(t, ok)

	r.Remove("b")
	assert.Equal(t, 2, r.Len())
}

func TestNormalizeRecipient(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"5215550001234", "5215550001234@c.us", false},
		{"+52 1 555 000 1234", "5215550001234@c.us", false},
		{"5215550001234@c.us", "5215550001234@c.us", false},
		{"120363025@g.us", "120363025@g.us", false},
		{"5215550001-1612345678@g.us", "5215550001-1612345678@g.us", false},
		{"12345", "", true},
		{"hello", "", true},
		{"", "", true},
		{"5215550001234@example.com", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeRecipient(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRecipient)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// ABOUTME: Tests for the inbound router decision table
// ABOUTME: Covers skips, synced and unsynced paths and pre-reply history emission

package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chorus-gateway/internal/clock"
	"github.com/2389/chorus-gateway/internal/dedupe"
	"github.com/2389/chorus-gateway/internal/protocol"
	"github.com/2389/chorus-gateway/internal/protocol/loopback"
	"github.com/2389/chorus-gateway/internal/realtime"
	"github.com/2389/chorus-gateway/internal/reply"
	"github.com/2389/chorus-gateway/internal/store"
)

const (
	contactID = "5215550001@c.us"
	groupID   = "120363-555@g.us"
)

type staticSessions map[string]protocol.Client

func (s staticSessions) Client(id string) (protocol.Client, bool) {
	c, ok := s[id]
	return c, ok
}

type recordingResponder struct {
	mu     sync.Mutex
	inputs []reply.Input
	err    error
}

func (r *recordingResponder) Run(ctx context.Context, in reply.Input) (*reply.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs = append(r.inputs, in)
	if r.err != nil {
		return nil, r.err
	}
	return &reply.Outcome{Text: "ok", TokensUsed: 1, Credited: 1}, nil
}

func (r *recordingResponder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inputs)
}

type routerFixture struct {
	router  *Router
	client  *loopback.Client
	store   *store.MockStore
	pub     *realtime.Recorder
	replies *recordingResponder
	clk     *clock.FakeClock
	number  *store.Number
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRouterFixture(t *testing.T, number store.Number) *routerFixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	f := &routerFixture{
		client:  loopback.New("42", loopback.Options{Clock: clk}),
		store:   store.NewMockStore(),
		pub:     &realtime.Recorder{},
		replies: &recordingResponder{},
		clk:     clk,
	}
	number.ID = "42"
	number.OwnerID = "owner-1"
	f.number = &number
	require.NoError(t, f.store.CreateOwner(t.Context(), &store.Owner{ID: "owner-1", Email: "o@example.com"}))
	require.NoError(t, f.store.CreateNumber(t.Context(), f.number))

	f.client.AddChat(protocol.Chat{ID: contactID, Name: "Ana"})
	f.client.AddChat(protocol.Chat{ID: groupID, Name: "Equipo", IsGroup: true})

	f.router = New(Options{
		Sessions:  staticSessions{"42": f.client},
		Store:     f.store,
		Publisher: f.pub,
		Replies:   f.replies,
		Dedupe:    dedupe.New(dedupe.DefaultTTL, dedupe.DefaultMaxSize, clk),
		Clock:     clk,
		Logger:    silentLogger(),
	})
	return f
}

func (f *routerFixture) sync(t *testing.T, externalID string, kind store.PartyKind, enabled bool) {
	t.Helper()
	require.NoError(t, f.store.UpsertSyncedParty(t.Context(), &store.SyncedParty{
		NumberID: "42", ExternalID: externalID, Kind: kind, Name: externalID,
	}))
	require.NoError(t, f.store.SetSyncedPartyAgent(t.Context(), "42", externalID, enabled))
}

func (f *routerFixture) inbound(chatID, body string) *protocol.Message {
	msg := &protocol.Message{ID: "m-" + body, ChatID: chatID, From: chatID, Body: body, Timestamp: f.clk.Now()}
	f.client.Seed(msg)
	return msg
}

func TestRoute_Skips(t *testing.T) {
	f := newRouterFixture(t, store.Number{AIEnabled: true, AIUnknownEnabled: true})

	tests := []struct {
		name   string
		msg    *protocol.Message
		reason string
	}{
		{"own message", &protocol.Message{ID: "a", ChatID: contactID, FromMe: true}, ReasonFromMe},
		{"status update", &protocol.Message{ID: "b", ChatID: protocol.StatusBroadcastID}, ReasonStatusBroadcast},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := f.router.Route(t.Context(), "42", tt.msg)
			require.NoError(t, err)
			assert.Equal(t, ActionIgnore, d.Action)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}

	d, err := f.router.Route(t.Context(), "7", &protocol.Message{ID: "c", ChatID: contactID})
	require.NoError(t, err)
	assert.Equal(t, ReasonNoSession, d.Reason)

	assert.Zero(t, f.replies.count())
	assert.Empty(t, f.pub.Events())
}

func TestRoute_DuplicateMessageAnsweredOnce(t *testing.T) {
	f := newRouterFixture(t, store.Number{AIEnabled: true})
	f.sync(t, contactID, store.PartyKindContact, true)
	msg := f.inbound(contactID, "Hola")

	d, err := f.router.Route(t.Context(), "42", msg)
	require.NoError(t, err)
	assert.Equal(t, ActionRespond, d.Action)

	d, err = f.router.Route(t.Context(), "42", msg)
	require.NoError(t, err)
	assert.Equal(t, ReasonDuplicate, d.Reason)
	assert.Equal(t, 1, f.replies.count())
}

func TestRoute_SyncedDecisionTable(t *testing.T) {
	tests := []struct {
		name    string
		number  store.Number
		chatID  string
		kind    store.PartyKind
		enabled bool
		action  Action
		reason  string
	}{
		{"contact enabled", store.Number{AIEnabled: true}, contactID, store.PartyKindContact, true, ActionRespond, ""},
		{"contact agent off", store.Number{AIEnabled: true}, contactID, store.PartyKindContact, false, ActionIgnore, ReasonAgentDisabled},
		{"ai off", store.Number{}, contactID, store.PartyKindContact, true, ActionIgnore, ReasonAIDisabled},
		{"group needs response groups", store.Number{AIEnabled: true}, groupID, store.PartyKindGroup, true, ActionIgnore, ReasonGroupsDisabled},
		{"group enabled", store.Number{AIEnabled: true, ResponseGroups: true}, groupID, store.PartyKindGroup, true, ActionRespond, ""},
		{"group agent off", store.Number{AIEnabled: true, ResponseGroups: true}, groupID, store.PartyKindGroup, false, ActionIgnore, ReasonAgentDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture(t, tt.number)
			f.sync(t, tt.chatID, tt.kind, tt.enabled)

			d, err := f.router.Route(t.Context(), "42", f.inbound(tt.chatID, "Hola"))
			require.NoError(t, err)
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, PathSynced, d.Path)

			if tt.action == ActionRespond {
				assert.Equal(t, 1, f.replies.count())
				assert.Equal(t, []string{realtime.EventChatHistory}, f.pub.Names())
			} else {
				assert.Zero(t, f.replies.count())
				assert.Empty(t, f.pub.Events(), "no history for a non-responding message")
			}
			unsynced, err := f.store.ListUnsyncedParties(t.Context(), "42")
			require.NoError(t, err)
			assert.Empty(t, unsynced)
		})
	}
}

func TestRoute_DisabledSyncedPartyNeverSendsOrDebits(t *testing.T) {
	f := newRouterFixture(t, store.Number{AIEnabled: true})
	f.sync(t, contactID, store.PartyKindContact, false)

	_, err := f.router.Route(t.Context(), "42", f.inbound(contactID, "Hola"))
	require.NoError(t, err)

	assert.Empty(t, f.client.Sent())
	usage, err := f.store.ListCreditUsage(t.Context(), "owner-1")
	require.NoError(t, err)
	assert.Empty(t, usage)
}

func TestRoute_UnsyncedProvisionsExactlyOneRow(t *testing.T) {
	f := newRouterFixture(t, store.Number{AIEnabled: true, AIUnknownEnabled: true})

	f.clk.Advance(time.Minute)
	first := f.inbound(contactID, "primero")
	d, err := f.router.Route(t.Context(), "42", first)
	require.NoError(t, err)
	assert.Equal(t, ActionRespond, d.Action)
	assert.Equal(t, PathUnsynced, d.Path)
	assert.True(t, d.Provisioned)

	f.clk.Advance(time.Minute)
	second := f.inbound(contactID, "segundo")
	d, err = f.router.Route(t.Context(), "42", second)
	require.NoError(t, err)
	assert.False(t, d.Provisioned)

	rows, err := f.store.ListUnsyncedParties(t.Context(), "42")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].AgentEnabled)
	assert.Equal(t, "segundo", rows[0].LastMessagePreview)
	assert.True(t, rows[0].LastMessageTimestamp.Equal(second.Timestamp))
	assert.Equal(t, 2, f.replies.count())
}

func TestRoute_UnsyncedRespectsFlags(t *testing.T) {
	f := newRouterFixture(t, store.Number{AIEnabled: true})

	d, err := f.router.Route(t.Context(), "42", f.inbound(contactID, "Hola"))
	require.NoError(t, err)
	assert.Equal(t, ActionIgnore, d.Action)
	assert.Equal(t, ReasonUnknownDisabled, d.Reason)
	assert.True(t, d.Provisioned, "shadow row is created even when not answering")

	f.number.AIUnknownEnabled = true
	f2 := newRouterFixture(t, *f.number)
	f2.inbound(contactID, "x")
	_, _, err = f2.store.UpsertUnsyncedParty(t.Context(), &store.UnsyncedParty{NumberID: "42", ExternalID: contactID})
	require.NoError(t, err)
	require.NoError(t, f2.store.SetUnsyncedPartyAgent(t.Context(), "42", contactID, false))

	d, err = f2.router.Route(t.Context(), "42", f2.inbound(contactID, "Hola"))
	require.NoError(t, err)
	assert.Equal(t, ReasonAgentDisabled, d.Reason)
	assert.False(t, d.Provisioned)
	assert.Zero(t, f2.replies.count())
}

func TestRoute_LongBodyPreviewTruncated(t *testing.T) {
	f := newRouterFixture(t, store.Number{})
	body := strings.Repeat("ñ", previewLength+20)

	_, err := f.router.Route(t.Context(), "42", f.inbound(contactID, body))
	require.NoError(t, err)

	row, err := f.store.GetUnsyncedParty(t.Context(), "42", contactID)
	require.NoError(t, err)
	assert.Equal(t, previewLength, len([]rune(row.LastMessagePreview)))
}

func TestRoute_RespondPassesWindowAndOwner(t *testing.T) {
	f := newRouterFixture(t, store.Number{AIEnabled: true})
	f.sync(t, contactID, store.PartyKindContact, true)
	f.client.Seed(
		&protocol.Message{ChatID: contactID, Body: "antes", Timestamp: f.clk.Now().Add(-2 * time.Minute)},
		&protocol.Message{ChatID: contactID, Body: "respuesta", FromMe: true, Timestamp: f.clk.Now().Add(-time.Minute)},
	)

	_, err := f.router.Route(t.Context(), "42", f.inbound(contactID, "Hola"))
	require.NoError(t, err)

	require.Equal(t, 1, f.replies.count())
	in := f.replies.inputs[0]
	assert.Equal(t, "Hola", in.Text)
	assert.Equal(t, contactID, in.ChatID)
	require.NotNil(t, in.Owner)
	assert.Equal(t, "owner-1", in.Owner.ID)
	require.Len(t, in.Window.Entries, 3)
	assert.Equal(t, "antes", in.Window.Entries[0].Content)
	assert.Equal(t, "Hola", in.Window.Entries[2].Content)

	hist := f.pub.Named(realtime.EventChatHistory)[0].Event.(realtime.ChatHistory)
	assert.Equal(t, contactID, hist.To)
	assert.Len(t, hist.ChatHistory, 3)
}

func TestRoute_MissingNumberIgnored(t *testing.T) {
	f := newRouterFixture(t, store.Number{AIEnabled: true})
	f.router.opts.Sessions = staticSessions{"99": f.client}

	d, err := f.router.Route(t.Context(), "99", f.inbound(contactID, "Hola"))
	require.NoError(t, err)
	assert.Equal(t, ReasonNoNumber, d.Reason)
}

func TestRoute_ReplyErrorReturned(t *testing.T) {
	f := newRouterFixture(t, store.Number{AIEnabled: true})
	f.sync(t, contactID, store.PartyKindContact, true)
	f.replies.err = errors.New("model down")

	d, err := f.router.Route(t.Context(), "42", f.inbound(contactID, "Hola"))
	require.Error(t, err)
	assert.Equal(t, ActionRespond, d.Action)

	// HandleMessage only logs.
	f.router.HandleMessage(t.Context(), "42", f.inbound(contactID, "otra"))
}

func TestRoute_UnknownChatErrors(t *testing.T) {
	f := newRouterFixture(t, store.Number{AIEnabled: true})
	_, err := f.router.Route(t.Context(), "42", &protocol.Message{ID: "z", ChatID: "nobody@c.us"})
	assert.ErrorIs(t, err, loopback.ErrNoChat)
}

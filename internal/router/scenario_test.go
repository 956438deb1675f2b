// ABOUTME: End-to-end scenario wiring controller, router and reply pipeline
// ABOUTME: Pairs session 42 on a loopback transport and answers one inbound message

package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chorus-gateway/internal/clock"
	"github.com/2389/chorus-gateway/internal/completion"
	"github.com/2389/chorus-gateway/internal/dedupe"
	"github.com/2389/chorus-gateway/internal/protocol"
	"github.com/2389/chorus-gateway/internal/protocol/loopback"
	"github.com/2389/chorus-gateway/internal/realtime"
	"github.com/2389/chorus-gateway/internal/reply"
	"github.com/2389/chorus-gateway/internal/session"
	"github.com/2389/chorus-gateway/internal/store"
)

type fixedCompleter struct {
	text   string
	tokens int
}

func (c fixedCompleter) Complete(ctx context.Context, req completion.Request) (*completion.Result, error) {
	return &completion.Result{Text: c.text, TokensUsed: c.tokens}, nil
}

func waitFor(t *testing.T, ctrl *session.Controller, id string, want session.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := ctrl.Registry().Get(id)
		return ok && s.State() == want
	}, time.Second, 5*time.Millisecond, "session %s never reached %s", id, want)
}

func TestScenario_PairAndAnswerSyncedContact(t *testing.T) {
	ctx := t.Context()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	net := loopback.NewNetwork(loopback.Options{Clock: clk}, nil)
	db := store.NewMockStore()
	pub := &realtime.Recorder{}

	require.NoError(t, db.CreateOwner(ctx, &store.Owner{ID: "owner-1", Email: "o@example.com"}))
	require.NoError(t, db.CreateNumber(ctx, &store.Number{
		ID: "42", OwnerID: "owner-1", AIEnabled: true, AIPrompt: "Eres un asistente.",
	}))
	require.NoError(t, db.UpsertSyncedParty(ctx, &store.SyncedParty{
		NumberID: "42", ExternalID: contactID, Name: "Ana", Kind: store.PartyKindContact, AgentEnabled: true,
	}))

	ctrl := session.NewController(session.Options{
		Factory:   net,
		Store:     db,
		Publisher: pub,
		Clock:     clk,
		Logger:    silentLogger(),
	})
	pipeline := reply.New(reply.Options{
		Completer:    fixedCompleter{text: "¡Hola Ana!", tokens: 42},
		Ledger:       db,
		Publisher:    pub,
		Clock:        clk,
		Logger:       silentLogger(),
		DefaultModel: "gpt-4o-mini",
	})
	ctrl.SetMessageHandler(New(Options{
		Sessions:  ctrl.Registry(),
		Store:     db,
		Publisher: pub,
		Replies:   pipeline,
		Dedupe:    dedupe.New(0, 0, clk),
		Clock:     clk,
		Logger:    silentLogger(),
	}))

	require.NoError(t, ctrl.Start(ctx, "42"))
	waitFor(t, ctrl, "42", session.StateInitializing)
	client := net.Latest("42")
	require.NotNil(t, client)

	client.Emit(protocol.Event{Type: protocol.EventQR, QR: "pair-42"})
	waitFor(t, ctrl, "42", session.StateQRPending)
	client.MarkReady()
	waitFor(t, ctrl, "42", session.StateReady)
	require.Eventually(t, func() bool { return len(pub.Named(realtime.EventReady)) == 1 }, time.Second, 5*time.Millisecond)

	pending := clk.PendingCount()
	client.Deliver(contactID, "Hola")
	clk.WaitForTimers(pending + 1)

	assert.Equal(t, []string{
		realtime.EventQRCode,
		realtime.EventReady,
		realtime.EventChatHistory,
		realtime.EventCreditsUpdated,
	}, pub.Names())

	sent := client.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, contactID, sent[0].ChatID)
	assert.Equal(t, "¡Hola Ana!", sent[0].Body)

	credits := pub.Named(realtime.EventCreditsUpdated)
	assert.Equal(t, 42, credits[0].Event.(realtime.CreditsUpdated).CreditsUsed)

	before := pub.Named(realtime.EventChatHistory)[0].Event.(realtime.ChatHistory)
	require.Len(t, before.ChatHistory, 1)
	assert.Equal(t, "Hola", before.ChatHistory[0].Content)

	clk.Advance(499 * time.Millisecond)
	assert.Len(t, pub.Named(realtime.EventChatHistory), 1)
	clk.Advance(time.Millisecond)

	require.Eventually(t, func() bool {
		return len(pub.Named(realtime.EventChatHistory)) == 2
	}, time.Second, 5*time.Millisecond)
	after := pub.Named(realtime.EventChatHistory)[1].Event.(realtime.ChatHistory)
	require.Len(t, after.ChatHistory, 2)
	assert.Equal(t, "¡Hola Ana!", after.ChatHistory[1].Content)
	assert.True(t, after.ChatHistory[1].FromMe)

	owner, err := db.GetOwner(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), owner.CreditsUsed)
}

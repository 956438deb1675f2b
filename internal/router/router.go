// ABOUTME: Inbound router deciding whether a message gets an AI reply
// ABOUTME: Applies the synced/unsynced decision table and provisions shadow parties

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/chorus-gateway/internal/clock"
	"github.com/2389/chorus-gateway/internal/conversation"
	"github.com/2389/chorus-gateway/internal/dedupe"
	"github.com/2389/chorus-gateway/internal/protocol"
	"github.com/2389/chorus-gateway/internal/realtime"
	"github.com/2389/chorus-gateway/internal/reply"
	"github.com/2389/chorus-gateway/internal/session"
	"github.com/2389/chorus-gateway/internal/store"
)

// previewLength caps the stored last-message preview, in runes.
const previewLength = 100

// Action is what the router decided to do with a message.
type Action string

const (
	ActionRespond Action = "respond"
	ActionIgnore  Action = "ignore"
)

// Path records which party table governed a respond decision.
type Path string

const (
	PathSynced   Path = "synced"
	PathUnsynced Path = "unsynced"
)

// Reasons attached to ignore decisions.
const (
	ReasonFromMe          = "own message"
	ReasonStatusBroadcast = "status broadcast"
	ReasonDuplicate       = "duplicate"
	ReasonNoSession       = "no live session"
	ReasonNoNumber        = "number not configured"
	ReasonAIDisabled      = "ai disabled"
	ReasonGroupsDisabled  = "group replies disabled"
	ReasonAgentDisabled   = "agent disabled for party"
	ReasonUnknownDisabled = "replies to unknown parties disabled"
)

// Decision is the outcome of routing one message.
type Decision struct {
	Action Action
	Reason string
	Path   Path
	// Provisioned is true when this message created a new unsynced party.
	Provisioned bool
	Reply       *reply.Outcome
}

func ignore(reason string) Decision {
	return Decision{Action: ActionIgnore, Reason: reason}
}

// Responder produces the AI reply for a routed message.
type Responder interface {
	Run(ctx context.Context, in reply.Input) (*reply.Outcome, error)
}

// PartyStore is the persistence surface the router reads and writes.
type PartyStore interface {
	GetNumber(ctx context.Context, id string) (*store.Number, error)
	GetOwner(ctx context.Context, id string) (*store.Owner, error)
	GetSyncedParty(ctx context.Context, numberID, externalID string) (*store.SyncedParty, error)
	UpsertUnsyncedParty(ctx context.Context, p *store.UnsyncedParty) (*store.UnsyncedParty, bool, error)
}

// Options configure a Router.
type Options struct {
	Sessions      session.Lookup
	Store         PartyStore
	Publisher     realtime.Publisher
	Replies       Responder
	Dedupe        *dedupe.Cache // nil disables duplicate suppression
	HistoryWindow int
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Router routes inbound messages to the reply pipeline.
type Router struct {
	opts   Options
	logger *slog.Logger
}

// New creates a router.
func New(opts Options) *Router {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = conversation.DefaultWindow
	}
	return &Router{opts: opts, logger: opts.Logger.With("component", "router")}
}

// HandleMessage implements session.MessageHandler.
func (r *Router) HandleMessage(ctx context.Context, sessionID string, msg *protocol.Message) {
	d, err := r.Route(ctx, sessionID, msg)
	logger := r.logger.With("session_id", sessionID, "chat_id", msg.ChatID, "message_id", msg.ID)
	if err != nil {
		logger.Error("routing message", "action", d.Action, "path", d.Path, "error", err)
		return
	}
	if d.Action == ActionIgnore {
		logger.Debug("message ignored", "reason", d.Reason, "provisioned", d.Provisioned)
		return
	}
	logger.Debug("message answered", "path", d.Path, "provisioned", d.Provisioned)
}

// Route applies the decision table to msg and, when it decides to respond,
// runs the reply pipeline before returning.
func (r *Router) Route(ctx context.Context, sessionID string, msg *protocol.Message) (Decision, error) {
	if msg.FromMe {
		return ignore(ReasonFromMe), nil
	}
	if msg.ChatID == protocol.StatusBroadcastID {
		return ignore(ReasonStatusBroadcast), nil
	}
	if r.opts.Dedupe != nil && msg.ID != "" && r.opts.Dedupe.CheckAndMark(dedupe.MessageKey(sessionID, msg.ID)) {
		return ignore(ReasonDuplicate), nil
	}

	client, ok := r.opts.Sessions.Client(sessionID)
	if !ok {
		return ignore(ReasonNoSession), nil
	}
	chat, err := client.GetChatByID(ctx, msg.ChatID)
	if err != nil {
		return ignore(""), fmt.Errorf("loading chat %s: %w", msg.ChatID, err)
	}
	number, err := r.opts.Store.GetNumber(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return ignore(ReasonNoNumber), nil
	}
	if err != nil {
		return ignore(""), fmt.Errorf("loading number: %w", err)
	}

	d, err := r.decide(ctx, number, chat, msg)
	if err != nil || d.Action != ActionRespond {
		return d, err
	}

	out, err := r.respond(ctx, sessionID, client, number, msg)
	d.Reply = out
	return d, err
}

func (r *Router) decide(ctx context.Context, number *store.Number, chat *protocol.Chat, msg *protocol.Message) (Decision, error) {
	party, err := r.opts.Store.GetSyncedParty(ctx, number.ID, chat.ID)
	switch {
	case err == nil:
		return decideSynced(number, chat, party), nil
	case !errors.Is(err, store.ErrNotFound):
		return ignore(""), fmt.Errorf("loading synced party: %w", err)
	}

	at := msg.Timestamp
	if at.IsZero() {
		at = r.opts.Clock.Now()
	}
	shadow, created, err := r.opts.Store.UpsertUnsyncedParty(ctx, &store.UnsyncedParty{
		NumberID:             number.ID,
		ExternalID:           chat.ID,
		LastMessagePreview:   preview(msg.Body),
		LastMessageTimestamp: at.UTC(),
	})
	if err != nil {
		return ignore(""), fmt.Errorf("provisioning unsynced party: %w", err)
	}

	d := Decision{Action: ActionIgnore, Path: PathUnsynced, Provisioned: created}
	switch {
	case !number.AIUnknownEnabled:
		d.Reason = ReasonUnknownDisabled
	case !shadow.AgentEnabled:
		d.Reason = ReasonAgentDisabled
	default:
		d.Action = ActionRespond
	}
	return d, nil
}

func decideSynced(number *store.Number, chat *protocol.Chat, party *store.SyncedParty) Decision {
	d := Decision{Action: ActionIgnore, Path: PathSynced}
	isGroup := chat.IsGroup || party.Kind == store.PartyKindGroup
	switch {
	case !number.AIEnabled:
		d.Reason = ReasonAIDisabled
	case isGroup && !number.ResponseGroups:
		d.Reason = ReasonGroupsDisabled
	case !party.AgentEnabled:
		d.Reason = ReasonAgentDisabled
	default:
		d.Action = ActionRespond
	}
	return d
}

// respond publishes the pre-reply history and hands off to the pipeline.
func (r *Router) respond(ctx context.Context, sessionID string, client protocol.Client, number *store.Number, msg *protocol.Message) (*reply.Outcome, error) {
	window, err := conversation.Fetch(ctx, client, msg.ChatID, r.opts.HistoryWindow)
	if err != nil {
		return nil, err
	}
	r.opts.Publisher.Publish(sessionID, realtime.NewChatHistory(sessionID, window))

	owner, err := r.opts.Store.GetOwner(ctx, number.OwnerID)
	if err != nil {
		r.logger.Warn("owner lookup failed, using defaults", "owner_id", number.OwnerID, "error", err)
		owner = nil
	}

	return r.opts.Replies.Run(ctx, reply.Input{
		SessionID: sessionID,
		ChatID:    msg.ChatID,
		Text:      msg.Body,
		Client:    client,
		Number:    number,
		Owner:     owner,
		Window:    window,
	})
}

func preview(body string) string {
	runes := []rune(body)
	if len(runes) <= previewLength {
		return body
	}
	return string(runes[:previewLength])
}

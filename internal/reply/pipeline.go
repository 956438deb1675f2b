// ABOUTME: AI reply pipeline: complete, escalate, send, meter and refresh history
// ABOUTME: Runs once per inbound message the router decided to answer

package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/chorus-gateway/internal/clock"
	"github.com/2389/chorus-gateway/internal/completion"
	"github.com/2389/chorus-gateway/internal/conversation"
	"github.com/2389/chorus-gateway/internal/notify"
	"github.com/2389/chorus-gateway/internal/protocol"
	"github.com/2389/chorus-gateway/internal/realtime"
	"github.com/2389/chorus-gateway/internal/store"
)

// DefaultRefreshDelay is how long the pipeline waits before re-reading history after a send.
const DefaultRefreshDelay = 500 * time.Millisecond

// ErrMissingNumber is returned when Input has no number configuration.
var ErrMissingNumber = errors.New("reply input has no number")

// Conversation is what the pipeline needs from the protocol client.
type Conversation interface {
	SendMessage(ctx context.Context, chatID, text string) (*protocol.Message, error)
	FetchMessages(ctx context.Context, chatID string, limit int) ([]*protocol.Message, error)
}

// Input is one message to answer.
type Input struct {
	SessionID string
	ChatID    string
	Text      string
	Client    Conversation
	Number    *store.Number
	Owner     *store.Owner // may be nil when the owner record could not be loaded
	Window    *conversation.Window
}

// Outcome reports what the pipeline did.
type Outcome struct {
	Text       string
	TokensUsed int
	Credited   int
	HandedOff  bool
}

// Options configure a Pipeline.
type Options struct {
	Completer        completion.Completer
	Mailer           notify.Mailer // nil disables escalation email
	Ledger           store.CreditLedger
	Publisher        realtime.Publisher
	Clock            clock.Clock
	Logger           *slog.Logger
	DefaultModel     string
	DefaultMaxTokens int
	HandoffPhrase    string
	HistoryWindow    int
	RefreshDelay     time.Duration
}

// Pipeline produces and delivers AI replies.
type Pipeline struct {
	opts   Options
	logger *slog.Logger
}

// New creates a pipeline.
func New(opts Options) *Pipeline {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DefaultMaxTokens <= 0 {
		opts.DefaultMaxTokens = completion.DefaultMaxTokens
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = conversation.DefaultWindow
	}
	if opts.RefreshDelay <= 0 {
		opts.RefreshDelay = DefaultRefreshDelay
	}
	return &Pipeline{opts: opts, logger: opts.Logger.With("component", "reply")}
}

// Run answers in. Errors abort the remaining steps; a failed debit does not.
func (p *Pipeline) Run(ctx context.Context, in Input) (*Outcome, error) {
	if in.Number == nil {
		return nil, ErrMissingNumber
	}
	window := in.Window
	if window == nil {
		window = &conversation.Window{ChatID: in.ChatID}
	}
	logger := p.logger.With("session_id", in.SessionID, "chat_id", in.ChatID)

	res, err := p.opts.Completer.Complete(ctx, completion.Request{
		System:    in.Number.AIPrompt,
		History:   conversation.TrimLeadingAssistant(window.Entries),
		Input:     in.Text,
		Model:     p.model(in.Number),
		MaxTokens: p.maxTokens(in.Owner),
	})
	if err != nil {
		return nil, fmt.Errorf("completing reply: %w", err)
	}
	out := &Outcome{Text: res.Text, TokensUsed: res.TokensUsed}

	if p.isHandoff(res.Text) && in.Owner.CanHandOff() && p.opts.Mailer != nil {
		out.HandedOff = true
		p.escalate(in, window, logger)
	}

	if _, err := in.Client.SendMessage(ctx, in.ChatID, res.Text); err != nil {
		return out, fmt.Errorf("sending reply: %w", err)
	}
	window.Append(res.Text, p.opts.Clock.Now())

	out.Credited = p.debit(ctx, in, res.TokensUsed, logger)
	p.opts.Publisher.Publish(in.SessionID, realtime.CreditsUpdated{CreditsUsed: out.Credited})

	select {
	case <-p.opts.Clock.After(p.opts.RefreshDelay):
	case <-ctx.Done():
		return out, ctx.Err()
	}

	refreshed, err := conversation.Fetch(ctx, in.Client, in.ChatID, p.opts.HistoryWindow)
	if err != nil {
		return out, fmt.Errorf("refreshing history: %w", err)
	}
	p.opts.Publisher.Publish(in.SessionID, realtime.NewChatHistory(in.SessionID, refreshed))

	logger.Info("reply delivered", "tokens", res.TokensUsed, "credited", out.Credited, "handoff", out.HandedOff)
	return out, nil
}

func (p *Pipeline) model(n *store.Number) string {
	if n.AIModel != "" {
		return n.AIModel
	}
	return p.opts.DefaultModel
}

func (p *Pipeline) maxTokens(o *store.Owner) int {
	if o != nil && o.MaxResponseTokens > 0 {
		return o.MaxResponseTokens
	}
	return p.opts.DefaultMaxTokens
}

func (p *Pipeline) isHandoff(text string) bool {
	return p.opts.HandoffPhrase != "" && strings.EqualFold(strings.TrimSpace(text), p.opts.HandoffPhrase)
}

// escalate sends the advisor email in the background.
func (p *Pipeline) escalate(in Input, window *conversation.Window, logger *slog.Logger) {
	esc := notify.Escalation{
		AdvisorEmail: in.Owner.AdvisorEmail,
		NumberID:     in.Number.ID,
		DisplayName:  in.Number.DisplayName,
		ChatID:       in.ChatID,
		Trigger:      in.Text,
		History:      append([]conversation.Entry(nil), window.Entries...),
		At:           p.opts.Clock.Now(),
	}
	go func() {
		if err := notify.Escalate(context.Background(), p.opts.Mailer, esc); err != nil {
			logger.Error("advisor escalation failed", "error", err)
			return
		}
		logger.Info("advisor escalation sent", "advisor", esc.AdvisorEmail)
	}()
}

// debit returns the amount actually credited.
func (p *Pipeline) debit(ctx context.Context, in Input, tokens int, logger *slog.Logger) int {
	if p.opts.Ledger == nil {
		return 0
	}
	if tokens < 0 {
		tokens = 0
	}
	ok, err := p.opts.Ledger.Debit(ctx, in.Number.OwnerID, in.Number.ID, tokens)
	switch {
	case err != nil:
		logger.Error("debiting credits", "owner_id", in.Number.OwnerID, "tokens", tokens, "error", err)
		return 0
	case !ok:
		logger.Warn("debit skipped, owner not found", "owner_id", in.Number.OwnerID)
		return 0
	}
	return tokens
}

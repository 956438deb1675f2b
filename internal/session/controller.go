// ABOUTME: Session lifecycle controller: start, evict, stop and the per-session event intake
// ABOUTME: Serializes session creation per id and exposes the command surface over live sessions

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/chorus-gateway/internal/clock"
	"github.com/2389/chorus-gateway/internal/conversation"
	"github.com/2389/chorus-gateway/internal/protocol"
	"github.com/2389/chorus-gateway/internal/qr"
	"github.com/2389/chorus-gateway/internal/realtime"
	"github.com/2389/chorus-gateway/internal/store"
)

// DefaultStopConcurrency bounds parallel teardowns in StopForOwner and Shutdown.
const DefaultStopConcurrency = 8

// MessageHandler receives inbound messages from live sessions.
type MessageHandler interface {
	HandleMessage(ctx context.Context, sessionID string, msg *protocol.Message)
}

// Config tunes controller behavior.
type Config struct {
	TeardownTimeout     time.Duration
	HistoryWindow       int
	HistoryRefreshDelay time.Duration
	LazyStart           bool
	StopConcurrency     int
}

// Options are the collaborators a Controller needs.
type Options struct {
	Factory   protocol.Factory
	Store     store.Store
	Publisher realtime.Publisher
	Clock     clock.Clock
	Logger    *slog.Logger
	QRWriter  io.Writer // when set, pairing codes are also rendered here
	Config    Config
}

// Controller owns the registry and drives every session through its lifecycle.
type Controller struct {
	registry *Registry
	factory  protocol.Factory
	store    store.Store
	hub      realtime.Publisher
	clock    clock.Clock
	qrOut    io.Writer
	cfg      Config
	logger   *slog.Logger

	handler atomic.Pointer[MessageHandler]

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewController creates a controller.
func NewController(opts Options) *Controller {
	cfg := opts.Config
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = DefaultTeardownTimeout
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = conversation.DefaultWindow
	}
	if cfg.HistoryRefreshDelay <= 0 {
		cfg.HistoryRefreshDelay = 500 * time.Millisecond
	}
	if cfg.StopConcurrency <= 0 {
		cfg.StopConcurrency = DefaultStopConcurrency
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		registry: NewRegistry(),
		factory:  opts.Factory,
		store:    opts.Store,
		hub:      opts.Publisher,
		clock:    clk,
		qrOut:    opts.QRWriter,
		cfg:      cfg,
		logger:   logger.With("component", "session"),
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetMessageHandler installs the router. Messages arriving before it is set are dropped.
func (c *Controller) SetMessageHandler(h MessageHandler) {
	c.handler.Store(&h)
}

// Registry exposes the session table for read-only lookups.
func (c *Controller) Registry() *Registry { return c.registry }

func (c *Controller) lock(id string) func() {
	c.locksMu.Lock()
	mu, ok := c.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[id] = mu
	}
	c.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// Start creates a fresh session for id, evicting any existing one first.
// It returns once the client is registered; readiness arrives as an event.
func (c *Controller) Start(ctx context.Context, id string) error {
	if id == "" {
		return ErrMissingSessionID
	}
	unlock := c.lock(id)
	defer unlock()

	_, err := c.startLocked(ctx, id)
	return err
}

// Ensure returns the live session for id, starting one if none exists. It
// shares Start's per-id lock so a read path and an explicit start cannot
// both create a handle.
func (c *Controller) Ensure(ctx context.Context, id string) (*Session, bool, error) {
	if id == "" {
		return nil, false, ErrMissingSessionID
	}
	unlock := c.lock(id)
	defer unlock()

	if s, ok := c.registry.Get(id); ok {
		return s, false, nil
	}
	s, err := c.startLocked(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// startLocked must be called with the per-id lock held.
func (c *Controller) startLocked(ctx context.Context, id string) (*Session, error) {
	if old, ok := c.registry.Get(id); ok {
		c.logger.Info("evicting existing session", "session_id", id, "state", old.State())
		c.teardown(ctx, old, "evicted")
	}

	client, err := c.factory.NewClient(id)
	if err != nil {
		return nil, fmt.Errorf("creating client for %s: %w", id, err)
	}

	s := newSession(id, client, c.clock.Now())
	client.OnEvent(s.enqueue)
	c.registry.Set(id, s)

	go c.intake(s)
	go c.initialize(s)

	c.logger.Info("session starting", "session_id", id)
	return s, nil
}

func (c *Controller) initialize(s *Session) {
	if err := s.Client.Initialize(context.Background()); err != nil {
		c.logger.Error("client initialize failed", "session_id", s.ID, "error", err)
		c.teardown(context.Background(), s, "initialize failed")
	}
}

// intake applies one session's events in the order the transport raised them.
func (c *Controller) intake(s *Session) {
	for {
		select {
		case ev := <-s.events:
			c.handleEvent(s, ev)
		case <-s.closing:
			return
		}
	}
}

func (c *Controller) handleEvent(s *Session, ev protocol.Event) {
	if cur, ok := c.registry.Get(s.ID); !ok || cur != s {
		c.logger.Debug("dropping event from stale session", "session_id", s.ID, "event", ev.Type)
		return
	}

	switch ev.Type {
	case protocol.EventQR:
		c.onQR(s, ev.QR)
	case protocol.EventReady:
		c.onReady(s)
	case protocol.EventDisconnected:
		c.onDisconnected(s, ev.Reason)
	case protocol.EventMessage:
		c.dispatchMessage(s, ev.Message)
	default:
		c.logger.Debug("ignoring unknown event", "session_id", s.ID, "event", ev.Type)
	}
}

func (c *Controller) onQR(s *Session, payload string) {
	if _, _, err := s.machine.Apply(TriggerQR); err != nil {
		c.logger.Warn("ignoring qr event", "session_id", s.ID, "error", err)
		return
	}

	url, err := qr.DataURL(payload)
	if err != nil {
		c.logger.Error("encoding qr code", "session_id", s.ID, "error", err)
		return
	}
	c.hub.Publish(s.ID, realtime.QRCode{SessionID: s.ID, QR: url})

	if c.qrOut != nil {
		fmt.Fprintf(c.qrOut, "\nScan to pair session %s:\n", s.ID)
		qr.Print(c.qrOut, payload)
	}
}

func (c *Controller) onReady(s *Session) {
	if _, _, err := s.machine.Apply(TriggerReady); err != nil {
		c.logger.Warn("ignoring ready event", "session_id", s.ID, "error", err)
		return
	}
	c.logger.Info("session ready", "session_id", s.ID)
	c.hub.Publish(s.ID, realtime.Ready{SessionID: s.ID})
}

func (c *Controller) onDisconnected(s *Session, reason string) {
	if _, _, err := s.machine.Apply(TriggerDisconnected); err != nil {
		c.logger.Warn("disconnect in unexpected state", "session_id", s.ID, "error", err)
	}
	c.logger.Info("session disconnected", "session_id", s.ID, "reason", reason)
	c.teardown(context.Background(), s, "disconnected")
}

func (c *Controller) dispatchMessage(s *Session, msg *protocol.Message) {
	hp := c.handler.Load()
	if hp == nil || msg == nil {
		return
	}
	h := *hp

	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("message handler panicked", "session_id", s.ID, "message_id", msg.ID, "panic", r)
			}
		}()
		h.HandleMessage(context.Background(), s.ID, msg)
	}()
}

// teardown runs Safe Teardown once per session and always drops the
// registry entry if it still points at s.
func (c *Controller) teardown(ctx context.Context, s *Session, reason string) *TeardownReport {
	if !s.claimTeardown() {
		c.registry.RemoveIf(s.ID, s)
		return &TeardownReport{SessionID: s.ID}
	}

	report := Teardown(ctx, s.ID, s.Client, c.clock, c.cfg.TeardownTimeout)
	c.registry.RemoveIf(s.ID, s)
	_, _, _ = s.machine.Apply(TriggerRemoved)

	if report.TimedOut || len(report.Failed()) > 0 {
		c.logger.Warn("session teardown incomplete", "reason", reason, "report", report)
	} else {
		c.logger.Info("session torn down", "reason", reason, "report", report)
	}

	c.hub.Publish(s.ID, realtime.NumbersUpdated{})
	return &report
}

// Stop tears down the session for id. The report is nil when no session was live.
func (c *Controller) Stop(ctx context.Context, id string) (*TeardownReport, error) {
	if id == "" {
		return nil, ErrMissingSessionID
	}
	unlock := c.lock(id)
	defer unlock()

	s, ok := c.registry.Get(id)
	if !ok {
		return nil, nil
	}
	return c.teardown(ctx, s, "stopped"), nil
}

// OwnerStopResult summarizes StopForOwner.
type OwnerStopResult struct {
	SessionsStopped int   `json:"sessionsStopped"`
	NumbersDeleted  int64 `json:"numbersDeleted"`
}

// StopForOwner tears down every session of ownerID concurrently, then deletes
// the owner's number records. Teardown problems never fail the call.
func (c *Controller) StopForOwner(ctx context.Context, ownerID string) (OwnerStopResult, error) {
	if ownerID == "" {
		return OwnerStopResult{}, ErrMissingOwnerID
	}

	numbers, err := c.store.ListNumbersByOwner(ctx, ownerID)
	if err != nil {
		return OwnerStopResult{}, fmt.Errorf("listing numbers for owner %s: %w", ownerID, err)
	}

	var stopped atomic.Int32
	g := new(errgroup.Group)
	g.SetLimit(c.cfg.StopConcurrency)
	for _, n := range numbers {
		id := n.ID
		g.Go(func() error {
			report, _ := c.Stop(ctx, id)
			if report != nil {
				stopped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	deleted, err := c.store.DeleteNumbersByOwner(ctx, ownerID)
	if err != nil {
		return OwnerStopResult{SessionsStopped: int(stopped.Load())}, fmt.Errorf("deleting numbers for owner %s: %w", ownerID, err)
	}
	for _, n := range numbers {
		c.hub.Publish(n.ID, realtime.NumbersUpdated{})
	}

	c.logger.Info("owner sessions stopped", "owner_id", ownerID, "sessions", stopped.Load(), "numbers_deleted", deleted)
	return OwnerStopResult{SessionsStopped: int(stopped.Load()), NumbersDeleted: deleted}, nil
}

// Shutdown tears down every live session.
func (c *Controller) Shutdown(ctx context.Context) {
	g := new(errgroup.Group)
	g.SetLimit(c.cfg.StopConcurrency)
	for _, s := range c.registry.List() {
		id := s.ID
		g.Go(func() error {
			_, _ = c.Stop(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

// Info describes a live session.
type Info struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListSessions returns every live session sorted by id.
func (c *Controller) ListSessions() []Info {
	sessions := c.registry.List()
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Info{ID: s.ID, State: s.State(), CreatedAt: s.CreatedAt})
	}
	return out
}

// ReadyCount returns how many sessions are READY.
func (c *Controller) ReadyCount() int {
	n := 0
	for _, s := range c.registry.List() {
		if s.State() == StateReady {
			n++
		}
	}
	return n
}

func (c *Controller) readySession(id string) (*Session, error) {
	if id == "" {
		return nil, ErrMissingSessionID
	}
	s, ok := c.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveSession, id)
	}
	if st := s.State(); st != StateReady {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionNotReady, id, st)
	}
	return s, nil
}

// SendMessage delivers content to a synced recipient and publishes a
// refreshed chat-history once the transport has caught up.
func (c *Controller) SendMessage(ctx context.Context, id, recipient, content string) (*protocol.Message, error) {
	if id == "" {
		return nil, ErrMissingSessionID
	}
	chatID, err := NormalizeRecipient(recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, recipient)
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	s, err := c.readySession(id)
	if err != nil {
		return nil, err
	}

	if _, err := c.store.GetSyncedParty(ctx, id, chatID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRecipientNotSynced, chatID)
		}
		return nil, fmt.Errorf("looking up party %s: %w", chatID, err)
	}

	msg, err := s.Client.SendMessage(ctx, chatID, content)
	if err != nil {
		return nil, fmt.Errorf("sending to %s: %w", chatID, err)
	}

	go func() {
		<-c.clock.After(c.cfg.HistoryRefreshDelay)
		if _, err := c.publishHistory(context.Background(), s, chatID); err != nil {
			c.logger.Warn("refreshing history after send", "session_id", id, "chat_id", chatID, "error", err)
		}
	}()
	return msg, nil
}

// GetHistory returns and publishes the history window for a recipient. With
// lazy start enabled, a missing session is started and ErrSessionNotReady returned.
func (c *Controller) GetHistory(ctx context.Context, id, recipient string) (realtime.ChatHistory, error) {
	if id == "" {
		return realtime.ChatHistory{}, ErrMissingSessionID
	}
	chatID, err := NormalizeRecipient(recipient)
	if err != nil {
		return realtime.ChatHistory{}, fmt.Errorf("%w: %q", err, recipient)
	}

	if _, ok := c.registry.Get(id); !ok {
		if !c.cfg.LazyStart {
			return realtime.ChatHistory{}, fmt.Errorf("%w: %s", ErrNoActiveSession, id)
		}
		if _, created, err := c.Ensure(ctx, id); err != nil {
			return realtime.ChatHistory{}, err
		} else if created {
			c.logger.Info("session started on demand", "session_id", id)
		}
	}

	s, err := c.readySession(id)
	if err != nil {
		return realtime.ChatHistory{}, err
	}
	return c.publishHistory(ctx, s, chatID)
}

func (c *Controller) publishHistory(ctx context.Context, s *Session, chatID string) (realtime.ChatHistory, error) {
	w, err := conversation.Fetch(ctx, s.Client, chatID, c.cfg.HistoryWindow)
	if err != nil {
		return realtime.ChatHistory{}, err
	}
	ev := realtime.NewChatHistory(s.ID, w)
	c.hub.Publish(s.ID, ev)
	return ev, nil
}

// Contact is an address book entry annotated with its sync state.
type Contact struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Number       string `json:"number"`
	IsGroup      bool   `json:"isGroup"`
	Synced       bool   `json:"synced"`
	AgentEnabled bool   `json:"agentEnabled"`
}

// ListContacts returns the session's address book.
func (c *Controller) ListContacts(ctx context.Context, id string) ([]Contact, error) {
	s, err := c.readySession(id)
	if err != nil {
		return nil, err
	}

	contacts, err := s.Client.GetContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching contacts: %w", err)
	}
	synced, err := c.store.ListSyncedParties(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing synced parties: %w", err)
	}
	byID := make(map[string]*store.SyncedParty, len(synced))
	for _, p := range synced {
		byID[p.ExternalID] = p
	}

	out := make([]Contact, 0, len(contacts))
	for _, ct := range contacts {
		if ct.ID == "" {
			continue
		}
		entry := Contact{ID: ct.ID, Name: ct.Name, Number: ct.Number, IsGroup: ct.IsGroup}
		if p, ok := byID[ct.ID]; ok {
			entry.Synced = true
			entry.AgentEnabled = p.AgentEnabled
		}
		out = append(out, entry)
	}
	return out, nil
}

// PartySpec names a party to sync.
type PartySpec struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SyncResult summarizes SyncParties.
type SyncResult struct {
	Synced   int      `json:"synced"`
	Promoted int      `json:"promoted"`
	Skipped  []string `json:"skipped"`
}

// SyncParties enrolls parties for number id, publishing sync-progress after
// each one. An unsynced shadow is promoted: its agent setting carries over
// and the shadow row is removed.
func (c *Controller) SyncParties(ctx context.Context, id string, parties []PartySpec) (SyncResult, error) {
	result := SyncResult{Skipped: []string{}}
	if id == "" {
		return result, ErrMissingSessionID
	}
	if _, err := c.store.GetNumber(ctx, id); err != nil {
		return result, fmt.Errorf("loading number %s: %w", id, err)
	}
	client, _ := c.registry.Client(id)

	total := len(parties)
	for i, spec := range parties {
		if err := c.syncOne(ctx, id, client, spec, &result); err != nil {
			return result, err
		}
		c.hub.Publish(id, realtime.SyncProgress{SessionID: id, Completed: i + 1, Total: total})
	}

	c.logger.Info("parties synced", "session_id", id, "synced", result.Synced, "promoted", result.Promoted, "skipped", len(result.Skipped))
	return result, nil
}

func (c *Controller) syncOne(ctx context.Context, id string, client protocol.Client, spec PartySpec, result *SyncResult) error {
	chatID, err := NormalizeRecipient(spec.ID)
	if err != nil {
		result.Skipped = append(result.Skipped, spec.ID)
		return nil
	}

	party := &store.SyncedParty{
		NumberID:     id,
		ExternalID:   chatID,
		Name:         spec.Name,
		Kind:         store.PartyKindContact,
		AgentEnabled: true,
	}
	if IsGroupID(chatID) {
		party.Kind = store.PartyKindGroup
	}
	if client != nil {
		if chat, err := client.GetChatByID(ctx, chatID); err == nil {
			if party.Name == "" {
				party.Name = chat.Name
			}
			if chat.IsGroup {
				party.Kind = store.PartyKindGroup
			}
		}
	}

	promoted := false
	shadow, err := c.store.GetUnsyncedParty(ctx, id, chatID)
	switch {
	case err == nil:
		party.AgentEnabled = shadow.AgentEnabled
		promoted = true
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("loading unsynced party %s: %w", chatID, err)
	}

	if err := c.store.UpsertSyncedParty(ctx, party); err != nil {
		return fmt.Errorf("saving synced party %s: %w", chatID, err)
	}
	if promoted {
		if err := c.store.DeleteUnsyncedParty(ctx, id, chatID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("removing unsynced party %s: %w", chatID, err)
		}
		result.Promoted++
	}
	result.Synced++
	return nil
}

// SetPartyAgent toggles auto-reply for one party, synced or not.
func (c *Controller) SetPartyAgent(ctx context.Context, id, externalID string, enabled bool) error {
	if id == "" {
		return ErrMissingSessionID
	}
	chatID, err := NormalizeRecipient(externalID)
	if err != nil {
		return fmt.Errorf("%w: %q", err, externalID)
	}

	err = c.store.SetSyncedPartyAgent(ctx, id, chatID, enabled)
	if errors.Is(err, store.ErrNotFound) {
		err = c.store.SetUnsyncedPartyAgent(ctx, id, chatID, enabled)
	}
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrPartyNotFound, chatID)
	}
	return err
}

// SetAllPartiesAgent toggles auto-reply for every synced party of id.
func (c *Controller) SetAllPartiesAgent(ctx context.Context, id string, enabled bool) (int64, error) {
	if id == "" {
		return 0, ErrMissingSessionID
	}
	return c.store.SetAllSyncedPartiesAgent(ctx, id, enabled)
}

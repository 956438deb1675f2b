// ABOUTME: HTTP command API over the session controller
// ABOUTME: Maps JSON requests to lifecycle, messaging and party operations

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/2389/chorus-gateway/internal/auth"
	"github.com/2389/chorus-gateway/internal/session"
	"github.com/2389/chorus-gateway/internal/store"
)

// SendMessageRequest is the JSON body for POST /api/sessions/{id}/messages.
type SendMessageRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

// SendMessageResponse describes the delivered message.
type SendMessageResponse struct {
	ID        string `json:"id"`
	To        string `json:"to"`
	Timestamp int64  `json:"timestamp"`
}

// SyncRequest is the JSON body for POST /api/sessions/{id}/sync.
type SyncRequest struct {
	Parties []session.PartySpec `json:"parties"`
}

// AgentToggleRequest is the JSON body for the agent enablement routes.
type AgentToggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// StartResponse is returned by POST /api/sessions/{id}/start.
type StartResponse struct {
	SessionID string        `json:"sessionId"`
	State     session.State `json:"state"`
}

// StopResponse is returned by POST /api/sessions/{id}/stop.
type StopResponse struct {
	SessionID   string   `json:"sessionId"`
	Stopped     bool     `json:"stopped"`
	TimedOut    bool     `json:"timedOut"`
	FailedSteps []string `json:"failedSteps"`
}

// apiHandler builds the /api/ route table.
func (g *Gateway) apiHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", g.handleListSessions)
	mux.HandleFunc("POST /api/sessions/{id}/start", g.handleStartSession)
	mux.HandleFunc("POST /api/sessions/{id}/stop", g.handleStopSession)
	mux.HandleFunc("POST /api/owners/{ownerID}/stop", g.handleStopOwner)
	mux.HandleFunc("POST /api/sessions/{id}/messages", g.handleSendMessage)
	mux.HandleFunc("GET /api/sessions/{id}/history", g.handleHistory)
	mux.HandleFunc("GET /api/sessions/{id}/contacts", g.handleContacts)
	mux.HandleFunc("POST /api/sessions/{id}/sync", g.handleSync)
	mux.HandleFunc("PUT /api/sessions/{id}/parties/{externalID}/agent", g.handleSetPartyAgent)
	mux.HandleFunc("PUT /api/sessions/{id}/parties/agent", g.handleSetAllPartiesAgent)
	return mux
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeCommandError maps controller errors to HTTP statuses.
func (g *Gateway) writeCommandError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrMissingSessionID),
		errors.Is(err, session.ErrMissingOwnerID),
		errors.Is(err, session.ErrInvalidRecipient),
		errors.Is(err, session.ErrEmptyContent):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrNoActiveSession),
		errors.Is(err, session.ErrPartyNotFound),
		errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrRecipientNotSynced):
		status = http.StatusConflict
	case errors.Is(err, session.ErrSessionNotReady):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		g.logger.Error("command failed", "method", r.Method, "path", r.URL.Path, "error", err)
		sendJSONError(w, status, "internal error")
		return
	}
	sendJSONError(w, status, err.Error())
}

// decodeBody decodes a JSON request body, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// authEnabled reports whether bearer auth guards the API.
func (g *Gateway) authEnabled() bool {
	return g.config.Auth.JWTSecret != ""
}

// authorizeOwner checks that the caller may act for ownerID.
func (g *Gateway) authorizeOwner(w http.ResponseWriter, r *http.Request, ownerID string) bool {
	if !g.authEnabled() || auth.FromContext(r.Context()).CanActFor(ownerID) {
		return true
	}
	sendJSONError(w, http.StatusForbidden, "not permitted for this owner")
	return false
}

// authorizeSession checks that an owner-scoped caller owns the number behind id.
func (g *Gateway) authorizeSession(w http.ResponseWriter, r *http.Request, id string) bool {
	if !g.authEnabled() {
		return true
	}
	ac := auth.FromContext(r.Context())
	if ac != nil && ac.OwnerID == "" {
		return true
	}
	number, err := g.store.GetNumber(r.Context(), id)
	if err == nil && ac.CanActFor(number.OwnerID) {
		return true
	}
	sendJSONError(w, http.StatusForbidden, "not permitted for this session")
	return false
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos := g.sessions.ListSessions()
	if ac := auth.FromContext(r.Context()); g.authEnabled() && ac != nil && ac.OwnerID != "" {
		filtered := infos[:0]
		for _, info := range infos {
			if n, err := g.store.GetNumber(r.Context(), info.ID); err == nil && n.OwnerID == ac.OwnerID {
				filtered = append(filtered, info)
			}
		}
		infos = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

func (g *Gateway) handleStartSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !g.authorizeSession(w, r, id) {
		return
	}
	if err := g.sessions.Start(r.Context(), id); err != nil {
		g.writeCommandError(w, r, err)
		return
	}
	resp := StartResponse{SessionID: id, State: session.StateInitializing}
	if s, ok := g.sessions.Registry().Get(id); ok {
		resp.State = s.State()
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (g *Gateway) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !g.authorizeSession(w, r, id) {
		return
	}
	report, err := g.sessions.Stop(r.Context(), id)
	if err != nil {
		g.writeCommandError(w, r, err)
		return
	}
	resp := StopResponse{SessionID: id, FailedSteps: []string{}}
	if report != nil {
		resp.Stopped = true
		resp.TimedOut = report.TimedOut
		for _, step := range report.Failed() {
			resp.FailedSteps = append(resp.FailedSteps, step.Name)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleStopOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := r.PathValue("ownerID")
	if !g.authorizeOwner(w, r, ownerID) {
		return
	}
	result, err := g.sessions.StopForOwner(r.Context(), ownerID)
	if err != nil {
		g.writeCommandError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !g.authorizeSession(w, r, id) {
		return
	}
	var req SendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	msg, err := g.sessions.SendMessage(r.Context(), id, req.To, req.Content)
	if err != nil {
		g.writeCommandError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SendMessageResponse{
		ID:        msg.ID,
		To:        msg.ChatID,
		Timestamp: msg.Timestamp.UnixMilli(),
	})
}

func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !g.authorizeSession(w, r, id) {
		return
	}
	hist, err := g.sessions.GetHistory(r.Context(), id, r.URL.Query().Get("to"))
	if err != nil {
		g.writeCommandError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (g *Gateway) handleContacts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !g.authorizeSession(w, r, id) {
		return
	}
	contacts, err := g.sessions.ListContacts(r.Context(), id)
	if err != nil {
		g.writeCommandError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contacts": contacts})
}

func (g *Gateway) handleSync(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !g.authorizeSession(w, r, id) {
		return
	}
	var req SyncRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := g.sessions.SyncParties(r.Context(), id, req.Parties)
	if err != nil {
		g.writeCommandError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (g *Gateway) decodeToggle(w http.ResponseWriter, r *http.Request) (bool, bool) {
	var req AgentToggleRequest
	if !decodeBody(w, r, &req) {
		return false, false
	}
	if req.Enabled == nil {
		sendJSONError(w, http.StatusBadRequest, "enabled is required")
		return false, false
	}
	return *req.Enabled, true
}

func (g *Gateway) handleSetPartyAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !g.authorizeSession(w, r, id) {
		return
	}
	enabled, ok := g.decodeToggle(w, r)
	if !ok {
		return
	}
	externalID := r.PathValue("externalID")
	if err := g.sessions.SetPartyAgent(r.Context(), id, externalID, enabled); err != nil {
		g.writeCommandError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"externalId": externalID, "agentEnabled": enabled})
}

func (g *Gateway) handleSetAllPartiesAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !g.authorizeSession(w, r, id) {
		return
	}
	enabled, ok := g.decodeToggle(w, r)
	if !ok {
		return
	}
	n, err := g.sessions.SetAllPartiesAgent(r.Context(), id, enabled)
	if err != nil {
		g.writeCommandError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": n, "agentEnabled": enabled})
}

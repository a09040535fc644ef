package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/arkadas/parley/internal/conversation"
	"github.com/arkadas/parley/internal/coordinator"
	"github.com/arkadas/parley/internal/maintenance"
)

// Default and maximum limits for history and restore reads.
const (
	historyDefaultLimit = 100
	historyMaxLimit     = 1000
)

// SessionService is the coordinator surface the session handlers use.
type SessionService interface {
	RecordTurn(ctx context.Context, sessionID string, role conversation.Role, text string, attachments []conversation.Attachment) (conversation.Turn, error)
	History(ctx context.Context, sessionID string, limit int) ([]conversation.Turn, error)
	Exists(ctx context.Context, sessionID string) (bool, error)
	Clear(ctx context.Context, sessionID string) error
	ActiveSessions(ctx context.Context) ([]conversation.SessionSummary, error)
	Restore(ctx context.Context, sessionID string, limit int) (coordinator.RestoreResult, error)
}

// Cleaner runs one maintenance pass on demand.
type Cleaner interface {
	RunOnce(ctx context.Context) maintenance.Report
}

// sessionHandler serves session CRUD, history, restore, and cleanup.
type sessionHandler struct {
	sessions SessionService
	cleaner  Cleaner
	logger   *slog.Logger
}

// recordTurnRequest is the body of POST /api/turns. An empty session_id
// starts a new session.
type recordTurnRequest struct {
	SessionID   string                    `json:"session_id"`
	Role        string                    `json:"role"`
	Text        string                    `json:"text"`
	Attachments []conversation.Attachment `json:"attachments,omitempty"`
}

type recordTurnResponse struct {
	SessionID string            `json:"session_id"`
	Turn      conversation.Turn `json:"turn"`
}

func (h *sessionHandler) recordTurn(w http.ResponseWriter, r *http.Request) {
	var req recordTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}

	role, err := conversation.ParseRole(req.Role)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	turn, err := h.sessions.RecordTurn(r.Context(), req.SessionID, role, req.Text, req.Attachments)
	if err != nil {
		h.logger.Error("record turn failed", "session_id", req.SessionID, "error", err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, recordTurnResponse{
		SessionID: turn.SessionID,
		Turn:      turn,
	})
}

func (h *sessionHandler) listSessions(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.sessions.ActiveSessions(r.Context())
	if err != nil {
		h.logger.Error("list sessions failed", "error", err)
		writeDomainError(w, err)
		return
	}
	if summaries == nil {
		summaries = []conversation.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": summaries})
}

func (h *sessionHandler) history(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	limit, err := parseLimit(r, historyDefaultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}

	turns, err := h.sessions.History(r.Context(), sessionID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if turns == nil {
		turns = []conversation.Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"turns":      turns,
	})
}

func (h *sessionHandler) exists(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	exists, err := h.sessions.Exists(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

func (h *sessionHandler) clear(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := h.sessions.Clear(r.Context(), sessionID); err != nil {
		h.logger.Error("clear session failed", "session_id", sessionID, "error", err)
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *sessionHandler) restore(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	limit, err := parseLimit(r, historyMaxLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}

	result, err := h.sessions.Restore(r.Context(), sessionID, limit)
	if err != nil {
		h.logger.Error("restore failed", "session_id", sessionID, "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *sessionHandler) cleanup(w http.ResponseWriter, r *http.Request) {
	report := h.cleaner.RunOnce(r.Context())
	writeJSON(w, http.StatusOK, report)
}

// parseLimit reads the limit query parameter, capped at historyMaxLimit.
func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, fmt.Errorf("limit must be a positive integer, got %q", raw)
	}
	if limit > historyMaxLimit {
		limit = historyMaxLimit
	}
	return limit, nil
}

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/arkadas/parley/internal/conversation"
)

const (
	transcriptsDefaultLimit = 50
	transcriptsMaxLimit     = 200
)

// TranscriptSaver snapshots a live session into a durable transcript.
type TranscriptSaver interface {
	SaveTranscript(ctx context.Context, sessionID, title string) (string, error)
}

// TranscriptStore is the durable-store surface the transcript handlers use.
type TranscriptStore interface {
	GetTranscript(ctx context.Context, transcriptID string) (*conversation.Transcript, error)
	ListAllTranscripts(ctx context.Context, limit, offset int) ([]conversation.Transcript, error)
	ListTranscriptsForSession(ctx context.Context, sessionID string, limit int) ([]conversation.Transcript, error)
	SearchTranscripts(ctx context.Context, query string) ([]conversation.Transcript, error)
	DeleteTranscript(ctx context.Context, transcriptID string) (bool, error)
}

// transcriptHandler serves durable transcript CRUD and search.
type transcriptHandler struct {
	saver  TranscriptSaver
	store  TranscriptStore
	logger *slog.Logger
}

// saveTranscriptRequest is the body of POST /api/transcripts. Title is
// optional; when empty the session's derived title is kept.
type saveTranscriptRequest struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title,omitempty"`
}

func (h *transcriptHandler) save(w http.ResponseWriter, r *http.Request) {
	var req saveTranscriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "missing_session_id", "session_id is required")
		return
	}

	transcriptID, err := h.saver.SaveTranscript(r.Context(), req.SessionID, req.Title)
	if err != nil {
		h.logger.Error("save transcript failed", "session_id", req.SessionID, "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"transcript_id": transcriptID})
}

func (h *transcriptHandler) get(w http.ResponseWriter, r *http.Request) {
	transcriptID := r.PathValue("id")
	transcript, err := h.store.GetTranscript(r.Context(), transcriptID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transcript)
}

// list serves GET /api/transcripts. A session_id query parameter narrows
// the listing to one session's transcripts.
func (h *transcriptHandler) list(w http.ResponseWriter, r *http.Request) {
	limit := transcriptsDefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, transcriptsMaxLimit)
	}

	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_offset", "offset must be a non-negative integer")
			return
		}
		offset = n
	}

	var (
		transcripts []conversation.Transcript
		err         error
	)
	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		transcripts, err = h.store.ListTranscriptsForSession(r.Context(), sessionID, limit)
	} else {
		transcripts, err = h.store.ListAllTranscripts(r.Context(), limit, offset)
	}
	if err != nil {
		h.logger.Error("list transcripts failed", "error", err)
		writeDomainError(w, err)
		return
	}
	if transcripts == nil {
		transcripts = []conversation.Transcript{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transcripts": transcripts})
}

func (h *transcriptHandler) search(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing_query", "q parameter is required")
		return
	}

	transcripts, err := h.store.SearchTranscripts(r.Context(), query)
	if err != nil {
		h.logger.Error("search transcripts failed", "query", query, "error", err)
		writeDomainError(w, err)
		return
	}
	if transcripts == nil {
		transcripts = []conversation.Transcript{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transcripts": transcripts})
}

func (h *transcriptHandler) delete(w http.ResponseWriter, r *http.Request) {
	transcriptID := r.PathValue("id")
	deleted, err := h.store.DeleteTranscript(r.Context(), transcriptID)
	if err != nil {
		h.logger.Error("delete transcript failed", "transcript_id", transcriptID, "error", err)
		writeDomainError(w, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "not_found", "transcript not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Package api exposes the session subsystem over a JSON HTTP surface.
//
// Handlers depend on narrow consumer interfaces (SessionService,
// TranscriptStore) so they can be tested against fakes; the wiring in
// cmd/ passes the real coordinator and durable store.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ServerConfig contains everything needed to build the API server.
type ServerConfig struct {
	Logger      *slog.Logger
	Sessions    SessionService  // Required
	Saver       TranscriptSaver // Required
	Transcripts TranscriptStore // Required
	Cleaner     Cleaner         // Required
	Pool        *pgxpool.Pool   // Optional: nil disables pool stats in /ready
	// CacheConnected reports whether the cache tier is backed by a live
	// external cache or the in-process fallback.
	CacheConnected func() bool
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates the API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("session service is required")
	}
	if cfg.Saver == nil || cfg.Transcripts == nil {
		return nil, errors.New("transcript saver and store are required")
	}
	if cfg.Cleaner == nil {
		return nil, errors.New("cleaner is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	connected := cfg.CacheConnected
	if connected == nil {
		connected = func() bool { return false }
	}

	sh := &sessionHandler{sessions: cfg.Sessions, cleaner: cfg.Cleaner, logger: logger}
	th := &transcriptHandler{saver: cfg.Saver, store: cfg.Transcripts, logger: logger}

	mux := http.NewServeMux()

	// Turn ingestion
	mux.HandleFunc("POST /api/turns", sh.recordTurn)

	// Live sessions
	mux.HandleFunc("GET /api/sessions", sh.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}/history", sh.history)
	mux.HandleFunc("GET /api/sessions/{id}/exists", sh.exists)
	mux.HandleFunc("POST /api/sessions/{id}/restore", sh.restore)
	mux.HandleFunc("DELETE /api/sessions/{id}", sh.clear)
	mux.HandleFunc("POST /api/sessions/cleanup", sh.cleanup)

	// Durable transcripts
	mux.HandleFunc("POST /api/transcripts", th.save)
	mux.HandleFunc("GET /api/transcripts", th.list)
	mux.HandleFunc("GET /api/transcripts/search", th.search)
	mux.HandleFunc("GET /api/transcripts/{id}", th.get)
	mux.HandleFunc("DELETE /api/transcripts/{id}", th.delete)

	// Middleware stack (outermost first): Recovery → Logging → Routes
	var handler http.Handler = mux
	handler = loggingMiddleware(logger)(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health probes bypass the middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.Pool, connected))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

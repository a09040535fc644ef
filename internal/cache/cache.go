// Package cache provides the volatile, low-latency tier of session storage.
//
// Two implementations exist behind the same [Store] interface: [Redis],
// backed by a networked key-value store with native TTL expiry, and
// [Memory], an in-process fallback selected when the networked tier is
// unreachable at startup. The fallback keeps the service available at the
// cost of strict TTL fidelity; it survives only for the process lifetime.
//
// Storage convention: each session holds its turns most-recent-first (an
// atomic list prepend on every append), so concurrent appends to the same
// session never lose a turn to a read-modify-write race. Readers always
// receive chronological order with the most recent turns preserved when
// truncating.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arkadas/parley/internal/conversation"
	"github.com/arkadas/parley/internal/log"
)

// DefaultTTL is the session expiry window. Every append refreshes it.
const DefaultTTL = 24 * time.Hour

// connectTimeout bounds the startup reachability probe.
const connectTimeout = 5 * time.Second

// Store is the cache-tier contract shared by the networked and in-process
// implementations.
//
// All operations are safe for concurrent use. A session with no writes for
// the TTL window expires silently; expiry is not an error condition.
type Store interface {
	// Append adds a turn to the session's list and resets the TTL to the
	// full window, creating the list if absent.
	Append(ctx context.Context, sessionID string, turn conversation.Turn) error

	// Read returns at most limit turns in chronological order, oldest
	// first. When the session holds more than limit turns, the most recent
	// ones are kept. A missing session reads as empty.
	Read(ctx context.Context, sessionID string, limit int) ([]conversation.Turn, error)

	// Exists reports whether the session has cached state.
	Exists(ctx context.Context, sessionID string) (bool, error)

	// Clear deletes all cached state for the session. Idempotent.
	Clear(ctx context.Context, sessionID string) error

	// SetTitle stores the session title under the session TTL.
	SetTitle(ctx context.Context, sessionID, title string) error

	// Title returns the stored title, or a deterministic fallback derived
	// from the session id when no title is set.
	Title(ctx context.Context, sessionID string) (string, error)

	// ListActive returns summaries of every session currently cached.
	ListActive(ctx context.Context) ([]conversation.SessionSummary, error)

	// Connected reports whether the store is backed by the networked tier.
	// False means the in-process fallback is serving.
	Connected() bool
}

// Connect selects the cache implementation at startup. It probes the
// networked tier; on failure it logs the degraded mode and returns the
// in-process fallback instead of failing. Availability is prioritized over
// strict TTL fidelity, so Connect never returns an error.
//
// When the fallback is selected, callers must start its janitor with
// [Memory.Run] to get expiry at all.
func Connect(ctx context.Context, addr, password string, db int, ttl time.Duration, logger log.Logger) Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		logger.Warn("cache tier unreachable, degrading to in-process storage",
			"addr", addr, "error", err)
		return NewMemory(ttl, logger)
	}

	logger.Info("cache tier connected", "addr", addr, "ttl", ttl)
	return NewRedis(client, ttl, logger)
}

// fallbackTitle derives a deterministic title from a session id, used when
// no title was ever stored (or it expired separately).
func fallbackTitle(sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return "Session " + short
}

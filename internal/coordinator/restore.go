package coordinator

import (
	"context"
	"fmt"

	"github.com/arkadas/parley/internal/conversation"
)

// RestoreResult reports the outcome of a Restore call.
type RestoreResult struct {
	Restored bool                `json:"restored"`
	Turns    []conversation.Turn `json:"turns"`
}

// Restore rebuilds a session's cache copy from the durable record after
// the cache entry has lapsed. When durable history exists it clears any
// stale cache state, replays the turns in chronological order (resetting
// the TTL), and recomputes the title from the earliest restored user turn.
// The resulting cache state is indistinguishable from one built by live
// RecordTurn calls with the same history.
//
// Restore is idempotent: a second call replays identical data onto an
// identical result. Concurrent calls for the same session are collapsed to
// a single clear+replay via singleflight; the shared replay is detached
// from any individual caller's cancellation, so an abandoned caller never
// fails the waiters that joined its flight. Note this does not serialize
// Restore against a concurrent RecordTurn on the same session, which
// remains a documented race (a turn recorded mid-restore can be dropped
// from the cache copy until the next restore).
func (c *Coordinator) Restore(ctx context.Context, sessionID string, limit int) (RestoreResult, error) {
	// The flight outlives any one caller: later joiners share the first
	// caller's execution, so its cancellation must not poison theirs. The
	// replay runs detached and every waiter gets the same result.
	flightCtx := context.WithoutCancel(ctx)
	result, err, shared := c.restores.Do(sessionID, func() (any, error) {
		return c.restore(flightCtx, sessionID, limit)
	})
	if err != nil {
		return RestoreResult{}, err
	}
	if shared {
		c.logger.Debug("restore deduplicated", "session_id", sessionID)
	}
	return result.(RestoreResult), nil
}

func (c *Coordinator) restore(ctx context.Context, sessionID string, limit int) (RestoreResult, error) {
	turns, err := c.durable.ReadTurns(ctx, sessionID, limit)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("reading durable history for session %s: %w", sessionID, err)
	}
	if len(turns) == 0 {
		return RestoreResult{Restored: false, Turns: []conversation.Turn{}}, nil
	}

	if err := c.cache.Clear(ctx, sessionID); err != nil {
		return RestoreResult{}, fmt.Errorf("clearing stale cache for session %s: %w", sessionID, err)
	}

	// Chronological replay leaves the cache list most-recent-first,
	// exactly as live appends would have.
	for _, turn := range turns {
		if err := c.cache.Append(ctx, sessionID, turn); err != nil {
			return RestoreResult{}, fmt.Errorf("replaying turn into cache for session %s: %w", sessionID, err)
		}
	}

	// The earliest user turn re-titles the session, overwriting any
	// customized title. Matches the pre-expiry behavior of a new session.
	for _, turn := range turns {
		if turn.Role == conversation.RoleUser {
			if err := c.cache.SetTitle(ctx, sessionID, DeriveTitle(turn.Text)); err != nil {
				c.logger.Warn("storing restored title failed", "session_id", sessionID, "error", err)
			}
			break
		}
	}

	c.logger.Info("restored session from durable history",
		"session_id", sessionID, "turns", len(turns))
	return RestoreResult{Restored: true, Turns: turns}, nil
}

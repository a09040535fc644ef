package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arkadas/parley/internal/conversation"
	"github.com/arkadas/parley/internal/log"
)

// Key layout: one list of serialized turns plus one title string per
// session, both under the session TTL.
const (
	keyPrefix   = "session:"
	turnsSuffix = ":turns"
	titleSuffix = ":title"

	// scanBatch is the COUNT hint passed to SCAN in ListActive.
	scanBatch = 200
)

// Redis is the networked cache implementation.
//
// Appends use LPUSH, which is atomic per key: concurrent appends to the
// same session interleave but never drop a turn. TTL expiry is native and
// costs nothing at read time.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger log.Logger
}

// NewRedis wraps an already-connected client.
func NewRedis(client *redis.Client, ttl time.Duration, logger log.Logger) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Redis{client: client, ttl: ttl, logger: logger}
}

// Connected reports true: this implementation only exists after a
// successful startup probe.
func (r *Redis) Connected() bool { return true }

// Close releases the underlying client.
func (r *Redis) Close() error { return r.client.Close() }

func turnsKey(sessionID string) string { return keyPrefix + sessionID + turnsSuffix }
func titleKey(sessionID string) string { return keyPrefix + sessionID + titleSuffix }

// Append prepends the turn and refreshes the TTL on both session keys.
func (r *Redis) Append(ctx context.Context, sessionID string, turn conversation.Turn) error {
	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshaling turn: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, turnsKey(sessionID), payload)
	pipe.Expire(ctx, turnsKey(sessionID), r.ttl)
	pipe.Expire(ctx, titleKey(sessionID), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: appending turn: %v", conversation.ErrConnectivity, err)
	}

	r.logger.Debug("cached turn", "session_id", sessionID, "role", turn.Role)
	return nil
}

// Read returns the most recent limit turns in chronological order.
func (r *Redis) Read(ctx context.Context, sessionID string, limit int) ([]conversation.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}

	// The list is most-recent-first, so the first limit elements are the
	// most recent turns; reversing restores chronological order.
	raw, err := r.client.LRange(ctx, turnsKey(sessionID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: reading turns: %v", conversation.ErrConnectivity, err)
	}

	turns := make([]conversation.Turn, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var turn conversation.Turn
		if err := json.Unmarshal([]byte(raw[i]), &turn); err != nil {
			r.logger.Warn("skipping malformed cached turn",
				"session_id", sessionID, "error", err)
			continue
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// Exists reports whether the session has any cached state. Either key
// counts: a title-only session (state written but no turns yet) is live,
// matching the in-process implementation.
func (r *Redis) Exists(ctx context.Context, sessionID string) (bool, error) {
	n, err := r.client.Exists(ctx, turnsKey(sessionID), titleKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: checking session: %v", conversation.ErrConnectivity, err)
	}
	return n > 0, nil
}

// Clear removes both session keys. Deleting absent keys is a no-op.
func (r *Redis) Clear(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, turnsKey(sessionID), titleKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("%w: clearing session: %v", conversation.ErrConnectivity, err)
	}
	r.logger.Debug("cleared cached session", "session_id", sessionID)
	return nil
}

// SetTitle stores the title under the session TTL.
func (r *Redis) SetTitle(ctx context.Context, sessionID, title string) error {
	if err := r.client.Set(ctx, titleKey(sessionID), title, r.ttl).Err(); err != nil {
		return fmt.Errorf("%w: storing title: %v", conversation.ErrConnectivity, err)
	}
	return nil
}

// Title returns the stored title or the deterministic fallback.
func (r *Redis) Title(ctx context.Context, sessionID string) (string, error) {
	title, err := r.client.Get(ctx, titleKey(sessionID)).Result()
	switch {
	case err == redis.Nil:
		return fallbackTitle(sessionID), nil
	case err != nil:
		return "", fmt.Errorf("%w: reading title: %v", conversation.ErrConnectivity, err)
	}
	return title, nil
}

// ListActive scans for session keys and summarizes each session. Both key
// kinds are scanned so a session that holds only a title (left by an
// aborted request before its first turn) still appears, with a zero turn
// count, where the maintenance pass can find it.
func (r *Redis) ListActive(ctx context.Context) ([]conversation.SessionSummary, error) {
	seen := make(map[string]struct{})
	var summaries []conversation.SessionSummary

	iter := r.client.Scan(ctx, 0, keyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		sessionID, ok := sessionIDFromKey(iter.Val())
		if !ok {
			continue
		}
		if _, dup := seen[sessionID]; dup {
			continue
		}
		seen[sessionID] = struct{}{}

		summary, err := r.summarize(ctx, sessionID)
		if err != nil {
			// The key may have expired between SCAN and the follow-up
			// reads; skip rather than failing the whole listing.
			r.logger.Debug("skipping session during listing",
				"session_id", sessionID, "error", err)
			continue
		}
		summaries = append(summaries, summary)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: scanning sessions: %v", conversation.ErrConnectivity, err)
	}
	return summaries, nil
}

func sessionIDFromKey(key string) (string, bool) {
	body := strings.TrimPrefix(key, keyPrefix)
	switch {
	case strings.HasSuffix(body, turnsSuffix):
		return strings.TrimSuffix(body, turnsSuffix), true
	case strings.HasSuffix(body, titleSuffix):
		return strings.TrimSuffix(body, titleSuffix), true
	default:
		return "", false
	}
}

func (r *Redis) summarize(ctx context.Context, sessionID string) (conversation.SessionSummary, error) {
	key := turnsKey(sessionID)

	// LLEN of a missing key is 0, which is exactly the zero-turn case.
	count, err := r.client.LLen(ctx, key).Result()
	if err != nil {
		return conversation.SessionSummary{}, err
	}

	remaining, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return conversation.SessionSummary{}, err
	}
	if remaining < 0 {
		// No turn list; the title key carries the session's TTL.
		if remaining, err = r.client.TTL(ctx, titleKey(sessionID)).Result(); err != nil {
			return conversation.SessionSummary{}, err
		}
		if remaining < 0 {
			remaining = 0
		}
	}

	title, err := r.Title(ctx, sessionID)
	if err != nil {
		return conversation.SessionSummary{}, err
	}

	summary := conversation.SessionSummary{
		SessionID:    sessionID,
		Title:        title,
		TurnCount:    int(count),
		RemainingTTL: remaining,
	}

	// Head of the list is the most recent turn.
	if head, err := r.client.LIndex(ctx, key, 0).Result(); err == nil {
		var turn conversation.Turn
		if json.Unmarshal([]byte(head), &turn) == nil {
			summary.LastActivity = turn.Timestamp
		}
	}
	return summary, nil
}

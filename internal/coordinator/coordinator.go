// Package coordinator composes the cache and durable tiers into a single
// consistent view of "the current state of session S".
//
// Write path: a recorded turn goes to the cache tier first (latency,
// refreshing the TTL) and then unconditionally to the durable tier.
// Read path: history is served from the cache; a cache miss is reported as
// not-found rather than silently restored, so callers can distinguish a
// fresh empty session from an expired one whose history is still
// restorable. Restore is an explicit operation, see [Coordinator.Restore].
//
// Per-session state machine: UNBORN -> ACTIVE on the first recorded turn;
// ACTIVE -> EXPIRED on TTL lapse (implicit, observed only on next access);
// EXPIRED -> ACTIVE via Restore when durable history exists; Clear removes
// cache state only, leaving the durable record so a later Restore still
// succeeds.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/arkadas/parley/internal/conversation"
	"github.com/arkadas/parley/internal/log"
)

// transcriptReadLimit bounds how many turns a saved transcript captures.
const transcriptReadLimit = 1000

// CacheStore is the volatile tier as consumed by the coordinator.
// Implemented by the cache package's Redis and Memory stores.
type CacheStore interface {
	Append(ctx context.Context, sessionID string, turn conversation.Turn) error
	Read(ctx context.Context, sessionID string, limit int) ([]conversation.Turn, error)
	Exists(ctx context.Context, sessionID string) (bool, error)
	Clear(ctx context.Context, sessionID string) error
	SetTitle(ctx context.Context, sessionID, title string) error
	Title(ctx context.Context, sessionID string) (string, error)
	ListActive(ctx context.Context) ([]conversation.SessionSummary, error)
	Connected() bool
}

// DurableStore is the permanent tier as consumed by the coordinator.
type DurableStore interface {
	AppendTurn(ctx context.Context, turn conversation.Turn) error
	ReadTurns(ctx context.Context, sessionID string, limit int) ([]conversation.Turn, error)
	SaveTranscript(ctx context.Context, sessionID string, turns []conversation.Turn, title string) (string, error)
}

// IDGenerator issues globally-unique identifiers. The default draws
// 128-bit random UUIDs; tests may inject a deterministic source.
type IDGenerator func() string

// Coordinator is the single point of truth callers use; it hides the
// two-tier split. Sessions are fully independent units of concurrency;
// no cross-session locking exists.
type Coordinator struct {
	cache   CacheStore
	durable DurableStore
	newID   IDGenerator
	logger  log.Logger

	// restores deduplicates concurrent Restore calls per session id, so
	// two callers reopening the same conversation share one clear+replay
	// instead of racing.
	restores singleflight.Group

	// now is swappable for tests.
	now func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithIDGenerator overrides the identifier source.
func WithIDGenerator(gen IDGenerator) Option {
	return func(c *Coordinator) { c.newID = gen }
}

// New creates a Coordinator over the two storage tiers.
func New(cache CacheStore, durable DurableStore, logger log.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = log.NewNop()
	}
	c := &Coordinator{
		cache:   cache,
		durable: durable,
		newID:   uuid.NewString,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RecordTurn appends one turn to a session, allocating a fresh session id
// when none is supplied. The cache write happens first and its failures
// are absorbed (the turn stays reachable via Restore); the durable write
// always runs and its failures surface to the caller.
//
// The first user turn of a session also derives and stores the session
// title; later turns never overwrite it.
func (c *Coordinator) RecordTurn(ctx context.Context, sessionID string, role conversation.Role, text string, attachments []conversation.Attachment) (conversation.Turn, error) {
	if strings.TrimSpace(text) == "" {
		return conversation.Turn{}, fmt.Errorf("%w: message text is required", conversation.ErrValidation)
	}
	if !role.Valid() {
		return conversation.Turn{}, fmt.Errorf("%w: unknown role %q", conversation.ErrValidation, role)
	}

	if sessionID == "" {
		sessionID = c.newID()
	}

	// Normalize before either tier writes, so the cache copy, the durable
	// row, and the returned turn all carry the same attachment shape.
	attachments = normalizeAttachments(attachments)

	turn := conversation.Turn{
		ID:          c.newID(),
		SessionID:   sessionID,
		Role:        role,
		Text:        text,
		Timestamp:   c.now().UTC(),
		Attachments: attachments,
	}

	// The exists check must precede the append: it decides whether this is
	// the session's first user turn and therefore titles the session.
	titleIt := false
	if role == conversation.RoleUser {
		exists, err := c.cache.Exists(ctx, sessionID)
		if err != nil {
			c.logger.Warn("cache exists check failed", "session_id", sessionID, "error", err)
		}
		titleIt = err == nil && !exists
	}

	if err := c.cache.Append(ctx, sessionID, turn); err != nil {
		// Absorbed: the durable copy below keeps the turn recoverable and
		// the cache entry self-heals via TTL and Restore.
		c.logger.Warn("cache append failed", "session_id", sessionID, "error", err)
	} else if titleIt {
		if err := c.cache.SetTitle(ctx, sessionID, DeriveTitle(text)); err != nil {
			c.logger.Warn("storing title failed", "session_id", sessionID, "error", err)
		}
	}

	if err := c.durable.AppendTurn(ctx, turn); err != nil {
		return conversation.Turn{}, fmt.Errorf("recording turn for session %s: %w", sessionID, err)
	}

	c.logger.Debug("recorded turn", "session_id", sessionID, "role", role)
	return turn, nil
}

// normalizeAttachments returns a copy with the schema version defaulted on
// every entry that omits it. The input slice is never mutated.
func normalizeAttachments(attachments []conversation.Attachment) []conversation.Attachment {
	if len(attachments) == 0 {
		return attachments
	}
	normalized := make([]conversation.Attachment, len(attachments))
	copy(normalized, attachments)
	for i := range normalized {
		if normalized[i].Version == 0 {
			normalized[i].Version = conversation.AttachmentSchemaVersion
		}
	}
	return normalized
}

// History returns up to limit cached turns in chronological order. A cache
// miss reports not-found; it never restores implicitly, so callers can
// tell a fresh empty session from an expired one.
func (c *Coordinator) History(ctx context.Context, sessionID string, limit int) ([]conversation.Turn, error) {
	exists, err := c.cache.Exists(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("checking session %s: %w", sessionID, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: session %s", conversation.ErrNotFound, sessionID)
	}
	turns, err := c.cache.Read(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", sessionID, err)
	}
	return turns, nil
}

// Exists reports whether the session has live cached state.
func (c *Coordinator) Exists(ctx context.Context, sessionID string) (bool, error) {
	return c.cache.Exists(ctx, sessionID)
}

// Clear evicts the session's cache copy. The durable history is retained,
// so a later Restore still succeeds: this is cache eviction, not deletion.
func (c *Coordinator) Clear(ctx context.Context, sessionID string) error {
	if err := c.cache.Clear(ctx, sessionID); err != nil {
		return fmt.Errorf("clearing session %s: %w", sessionID, err)
	}
	c.logger.Debug("cleared session", "session_id", sessionID)
	return nil
}

// ActiveSessions summarizes every session currently in the cache tier.
func (c *Coordinator) ActiveSessions(ctx context.Context) ([]conversation.SessionSummary, error) {
	return c.cache.ListActive(ctx)
}

// SaveTranscript snapshots the session's turns into the durable transcript
// record, preferring the cache copy and falling back to durable history
// when the cache entry has expired. Reports not-found when the session has
// no turns anywhere.
func (c *Coordinator) SaveTranscript(ctx context.Context, sessionID, title string) (string, error) {
	turns, err := c.cache.Read(ctx, sessionID, transcriptReadLimit)
	if err != nil {
		c.logger.Warn("cache read failed, saving from durable history",
			"session_id", sessionID, "error", err)
		turns = nil
	}
	if len(turns) == 0 {
		if turns, err = c.durable.ReadTurns(ctx, sessionID, transcriptReadLimit); err != nil {
			return "", fmt.Errorf("reading history for session %s: %w", sessionID, err)
		}
	}
	if len(turns) == 0 {
		return "", fmt.Errorf("%w: session %s has no turns", conversation.ErrNotFound, sessionID)
	}

	id, err := c.durable.SaveTranscript(ctx, sessionID, turns, title)
	if err != nil {
		return "", fmt.Errorf("saving transcript for session %s: %w", sessionID, err)
	}
	return id, nil
}

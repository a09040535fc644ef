package cache

import (
	"context"
	"sync"
	"time"

	"github.com/arkadas/parley/internal/conversation"
	"github.com/arkadas/parley/internal/log"
)

// janitorInterval is how often the in-process store scans for expired
// entries. Expired entries are also dropped lazily on access, so the
// janitor only bounds memory held by abandoned sessions.
const janitorInterval = time.Minute

// entry holds one session's cached state. Turns are most-recent-first to
// mirror the networked tier's storage convention.
type entry struct {
	turns     []conversation.Turn
	title     string
	expiresAt time.Time
}

// Memory is the in-process fallback cache, selected when the networked
// tier is unreachable at startup.
//
// TTL enforcement is best-effort: entries past their recorded expiry
// instant are dropped on access and by a polling janitor ([Memory.Run]).
// True zero-cost TTL expiry is only available on the networked tier.
//
// Memory is safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	logger  log.Logger

	// now is swappable for TTL tests.
	now func() time.Time
}

// NewMemory creates an empty in-process cache.
func NewMemory(ttl time.Duration, logger log.Logger) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Memory{
		entries: make(map[string]*entry),
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
	}
}

// Connected reports false: this implementation is the degraded mode.
func (m *Memory) Connected() bool { return false }

// Run blocks until ctx is canceled, evicting expired entries on each tick.
// Callers must track the goroutine with a WaitGroup.
func (m *Memory) Run(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.evictExpired(); n > 0 {
				m.logger.Debug("evicted expired sessions", "count", n)
			}
		}
	}
}

// evictExpired removes every entry past its expiry instant and returns the
// number removed.
func (m *Memory) evictExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	evicted := 0
	for id, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, id)
			evicted++
		}
	}
	return evicted
}

// live returns the entry for a session, dropping it first if expired.
// Caller must hold mu.
func (m *Memory) live(sessionID string) *entry {
	e, ok := m.entries[sessionID]
	if !ok {
		return nil
	}
	if m.now().After(e.expiresAt) {
		delete(m.entries, sessionID)
		return nil
	}
	return e
}

// Append prepends the turn and resets the entry's expiry instant.
func (m *Memory) Append(_ context.Context, sessionID string, turn conversation.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(sessionID)
	if e == nil {
		e = &entry{}
		m.entries[sessionID] = e
	}
	e.turns = append([]conversation.Turn{turn}, e.turns...)
	e.expiresAt = m.now().Add(m.ttl)
	return nil
}

// Read returns the most recent limit turns in chronological order.
func (m *Memory) Read(_ context.Context, sessionID string, limit int) ([]conversation.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(sessionID)
	if e == nil {
		return nil, nil
	}

	n := len(e.turns)
	if n > limit {
		n = limit
	}
	turns := make([]conversation.Turn, 0, n)
	for i := n - 1; i >= 0; i-- {
		turns = append(turns, e.turns[i])
	}
	return turns, nil
}

// Exists reports whether the session has unexpired cached state.
func (m *Memory) Exists(_ context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live(sessionID) != nil, nil
}

// Clear removes the session. Idempotent.
func (m *Memory) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sessionID)
	return nil
}

// SetTitle stores the title on the session entry, creating it if absent so
// a title set before the first turn is not lost.
func (m *Memory) SetTitle(_ context.Context, sessionID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(sessionID)
	if e == nil {
		e = &entry{expiresAt: m.now().Add(m.ttl)}
		m.entries[sessionID] = e
	}
	e.title = title
	return nil
}

// Title returns the stored title or the deterministic fallback.
func (m *Memory) Title(_ context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.live(sessionID); e != nil && e.title != "" {
		return e.title, nil
	}
	return fallbackTitle(sessionID), nil
}

// ListActive summarizes every unexpired session.
func (m *Memory) ListActive(_ context.Context) ([]conversation.SessionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var summaries []conversation.SessionSummary
	for id, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, id)
			continue
		}

		title := e.title
		if title == "" {
			title = fallbackTitle(id)
		}
		summary := conversation.SessionSummary{
			SessionID:    id,
			Title:        title,
			TurnCount:    len(e.turns),
			RemainingTTL: e.expiresAt.Sub(now),
		}
		if len(e.turns) > 0 {
			summary.LastActivity = e.turns[0].Timestamp
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

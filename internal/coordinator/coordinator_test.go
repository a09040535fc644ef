package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkadas/parley/internal/cache"
	"github.com/arkadas/parley/internal/conversation"
	"github.com/arkadas/parley/internal/log"
)

// fakeDurable is an in-memory DurableStore double.
type fakeDurable struct {
	mu    sync.Mutex
	turns map[string][]conversation.Turn

	appendErr error
	readErr   error

	transcriptIDs  map[string]string
	savedTurns     map[string][]conversation.Turn
	savedTitles    map[string]string
	saveCount      int
	nextTranscript int
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{
		turns:         make(map[string][]conversation.Turn),
		transcriptIDs: make(map[string]string),
		savedTurns:    make(map[string][]conversation.Turn),
		savedTitles:   make(map[string]string),
	}
}

func (f *fakeDurable) AppendTurn(_ context.Context, turn conversation.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.turns[turn.SessionID] = append(f.turns[turn.SessionID], turn)
	return nil
}

func (f *fakeDurable) ReadTurns(_ context.Context, sessionID string, limit int) ([]conversation.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	all := f.turns[sessionID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]conversation.Turn, len(all))
	copy(out, all)
	return out, nil
}

func (f *fakeDurable) SaveTranscript(_ context.Context, sessionID string, turns []conversation.Turn, title string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCount++
	id, ok := f.transcriptIDs[sessionID]
	if !ok {
		f.nextTranscript++
		id = fmt.Sprintf("transcript-%d", f.nextTranscript)
		f.transcriptIDs[sessionID] = id
	}
	f.savedTurns[id] = append([]conversation.Turn(nil), turns...)
	if title != "" {
		f.savedTitles[id] = title
	}
	return id, nil
}

// failingCache wraps a CacheStore and forces errors per operation.
type failingCache struct {
	CacheStore
	appendErr error
	existsErr error
}

func (f *failingCache) Append(ctx context.Context, sessionID string, turn conversation.Turn) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	return f.CacheStore.Append(ctx, sessionID, turn)
}

func (f *failingCache) Exists(ctx context.Context, sessionID string) (bool, error) {
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return f.CacheStore.Exists(ctx, sessionID)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *cache.Memory, *fakeDurable) {
	t.Helper()
	mem := cache.NewMemory(time.Hour, log.NewNop())
	durable := newFakeDurable()

	seq := 0
	coord := New(mem, durable, log.NewNop(), WithIDGenerator(func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}))

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	coord.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return coord, mem, durable
}

func TestRecordTurn_NewSessionAllocatesID(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	turn, err := coord.RecordTurn(ctx, "", conversation.RoleUser, "Hello", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, turn.SessionID, "a fresh session id must be allocated")
	assert.NotEmpty(t, turn.ID)
	assert.Equal(t, conversation.RoleUser, turn.Role)

	history, err := coord.History(ctx, turn.SessionID, 50)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "Hello", history[0].Text)
	assert.Equal(t, conversation.RoleUser, history[0].Role)

	title, err := coord.cache.Title(ctx, turn.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", title)
}

func TestRecordTurn_AppendOrdering(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	first, err := coord.RecordTurn(ctx, "", conversation.RoleUser, "turn 0", nil)
	require.NoError(t, err)
	sessionID := first.SessionID

	for i := 1; i < 6; i++ {
		role := conversation.RoleAssistant
		if i%2 == 0 {
			role = conversation.RoleUser
		}
		_, err := coord.RecordTurn(ctx, sessionID, role, fmt.Sprintf("turn %d", i), nil)
		require.NoError(t, err)
	}

	history, err := coord.History(ctx, sessionID, 6)
	require.NoError(t, err)
	require.Len(t, history, 6)
	for i, turn := range history {
		assert.Equal(t, fmt.Sprintf("turn %d", i), turn.Text, "position %d", i)
	}
}

func TestRecordTurn_Validation(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.RecordTurn(ctx, "", conversation.RoleUser, "   ", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, conversation.ErrValidation)

	_, err = coord.RecordTurn(ctx, "", conversation.Role("system"), "text", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, conversation.ErrValidation)
}

func TestRecordTurn_TitleSetOnce(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	first, err := coord.RecordTurn(ctx, "", conversation.RoleUser, "What is the revenue trend?", nil)
	require.NoError(t, err)
	sessionID := first.SessionID

	_, err = coord.RecordTurn(ctx, sessionID, conversation.RoleAssistant, "Revenue grew 12%.", nil)
	require.NoError(t, err)
	_, err = coord.RecordTurn(ctx, sessionID, conversation.RoleUser, "And the costs?", nil)
	require.NoError(t, err)

	title, err := coord.cache.Title(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "What is the revenue trend", title,
		"later turns must not overwrite the title")
}

func TestRecordTurn_DurableFailureSurfaces(t *testing.T) {
	coord, _, durable := newTestCoordinator(t)
	durable.appendErr = fmt.Errorf("%w: connection refused", conversation.ErrDurability)

	_, err := coord.RecordTurn(context.Background(), "", conversation.RoleUser, "Hello", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, conversation.ErrDurability)
}

func TestRecordTurn_CacheFailureAbsorbed(t *testing.T) {
	mem := cache.NewMemory(time.Hour, log.NewNop())
	durable := newFakeDurable()
	failing := &failingCache{CacheStore: mem, appendErr: errors.New("cache down")}
	coord := New(failing, durable, log.NewNop())

	turn, err := coord.RecordTurn(context.Background(), "", conversation.RoleUser, "Hello", nil)
	require.NoError(t, err, "cache failures must never surface from RecordTurn")

	// The turn still reached the durable tier and is restorable.
	stored, err := durable.ReadTurns(context.Background(), turn.SessionID, 10)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestHistory_MissingSessionIsNotFound(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)

	_, err := coord.History(context.Background(), "never-seen", 50)
	require.Error(t, err)
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestClearThenRestore_RoundTrip(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	first, err := coord.RecordTurn(ctx, "", conversation.RoleUser, "question 1", nil)
	require.NoError(t, err)
	sessionID := first.SessionID

	texts := []string{"question 1"}
	for i := 0; i < 5; i++ {
		role := conversation.RoleAssistant
		text := fmt.Sprintf("answer %d", i/2+1)
		if i%2 == 1 {
			role = conversation.RoleUser
			text = fmt.Sprintf("question %d", i/2+2)
		}
		_, err := coord.RecordTurn(ctx, sessionID, role, text, nil)
		require.NoError(t, err)
		texts = append(texts, text)
	}

	require.NoError(t, coord.Clear(ctx, sessionID))

	_, err = coord.History(ctx, sessionID, 50)
	assert.ErrorIs(t, err, conversation.ErrNotFound, "cleared session reads as not-found")

	result, err := coord.Restore(ctx, sessionID, 50)
	require.NoError(t, err)
	assert.True(t, result.Restored)
	require.Len(t, result.Turns, 6)

	history, err := coord.History(ctx, sessionID, 50)
	require.NoError(t, err)
	require.Len(t, history, 6)
	for i, turn := range history {
		assert.Equal(t, texts[i], turn.Text, "position %d", i)
		assert.Equal(t, result.Turns[i].Role, turn.Role, "position %d", i)
	}
}

func TestRestore_NonexistentSession(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)

	result, err := coord.Restore(context.Background(), "nonexistent-id", 50)
	require.NoError(t, err)
	assert.False(t, result.Restored)
	assert.Empty(t, result.Turns)
}

func TestRestore_Idempotent(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	first, err := coord.RecordTurn(ctx, "", conversation.RoleUser, "Hello there", nil)
	require.NoError(t, err)
	sessionID := first.SessionID
	_, err = coord.RecordTurn(ctx, sessionID, conversation.RoleAssistant, "Hi!", nil)
	require.NoError(t, err)

	require.NoError(t, coord.Clear(ctx, sessionID))

	firstResult, err := coord.Restore(ctx, sessionID, 50)
	require.NoError(t, err)
	afterFirst, err := coord.History(ctx, sessionID, 50)
	require.NoError(t, err)

	secondResult, err := coord.Restore(ctx, sessionID, 50)
	require.NoError(t, err)
	afterSecond, err := coord.History(ctx, sessionID, 50)
	require.NoError(t, err)

	assert.Equal(t, firstResult, secondResult)
	assert.Equal(t, afterFirst, afterSecond, "second restore must be a no-op replay")
}

func TestRestore_RecomputesTitle(t *testing.T) {
	coord, mem, _ := newTestCoordinator(t)
	ctx := context.Background()

	first, err := coord.RecordTurn(ctx, "", conversation.RoleUser, "original question", nil)
	require.NoError(t, err)
	sessionID := first.SessionID

	// A customized title does not survive restore.
	require.NoError(t, mem.SetTitle(ctx, sessionID, "Custom Title"))
	require.NoError(t, coord.Clear(ctx, sessionID))

	_, err = coord.Restore(ctx, sessionID, 50)
	require.NoError(t, err)

	title, err := mem.Title(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "Original question", title)
}

func TestRestore_PreservesRoles(t *testing.T) {
	coord, _, durable := newTestCoordinator(t)
	ctx := context.Background()

	// History that exists only durably, as after cache expiry.
	durable.turns["s1"] = []conversation.Turn{
		{ID: "t1", SessionID: "s1", Role: conversation.RoleUser, Text: "hi"},
		{ID: "t2", SessionID: "s1", Role: conversation.RoleAssistant, Text: "hello"},
		{ID: "t3", SessionID: "s1", Role: conversation.RoleUser, Text: "how are you"},
	}

	result, err := coord.Restore(ctx, "s1", 50)
	require.NoError(t, err)
	require.True(t, result.Restored)

	history, err := coord.History(ctx, "s1", 50)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, conversation.RoleUser, history[0].Role)
	assert.Equal(t, conversation.RoleAssistant, history[1].Role)
	assert.Equal(t, conversation.RoleUser, history[2].Role)
}

func TestClear_LeavesDurableHistory(t *testing.T) {
	coord, _, durable := newTestCoordinator(t)
	ctx := context.Background()

	first, err := coord.RecordTurn(ctx, "", conversation.RoleUser, "keep me", nil)
	require.NoError(t, err)

	require.NoError(t, coord.Clear(ctx, first.SessionID))
	require.NoError(t, coord.Clear(ctx, first.SessionID), "clearing twice is idempotent")

	stored, err := durable.ReadTurns(ctx, first.SessionID, 10)
	require.NoError(t, err)
	assert.Len(t, stored, 1, "durable record survives cache eviction")
}

func TestSaveTranscript_StableIDAcrossResaves(t *testing.T) {
	coord, _, durable := newTestCoordinator(t)
	ctx := context.Background()

	first, err := coord.RecordTurn(ctx, "", conversation.RoleUser, "first set", nil)
	require.NoError(t, err)
	sessionID := first.SessionID

	id1, err := coord.SaveTranscript(ctx, sessionID, "My Title")
	require.NoError(t, err)

	_, err = coord.RecordTurn(ctx, sessionID, conversation.RoleAssistant, "second set", nil)
	require.NoError(t, err)

	id2, err := coord.SaveTranscript(ctx, sessionID, "")
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "re-saving keeps the transcript id")
	assert.Len(t, durable.savedTurns[id2], 2, "second save reflects the new turn set")
	assert.Equal(t, "My Title", durable.savedTitles[id1])
}

func TestSaveTranscript_FallsBackToDurable(t *testing.T) {
	coord, _, durable := newTestCoordinator(t)
	ctx := context.Background()

	first, err := coord.RecordTurn(ctx, "", conversation.RoleUser, "hello", nil)
	require.NoError(t, err)
	require.NoError(t, coord.Clear(ctx, first.SessionID))

	id, err := coord.SaveTranscript(ctx, first.SessionID, "After Expiry")
	require.NoError(t, err)
	assert.Len(t, durable.savedTurns[id], 1)
}

func TestSaveTranscript_EmptySessionIsNotFound(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)

	_, err := coord.SaveTranscript(context.Background(), "empty-session", "Title")
	require.Error(t, err)
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestRecordTurn_AttachmentVersionConsistentAcrossTiers(t *testing.T) {
	coord, _, durable := newTestCoordinator(t)
	ctx := context.Background()

	attachments := []conversation.Attachment{
		{Kind: "source", Title: "doc.pdf", Data: json.RawMessage(`{"page":3}`)},
	}
	turn, err := coord.RecordTurn(ctx, "", conversation.RoleUser, "See the source", attachments)
	require.NoError(t, err)
	sessionID := turn.SessionID

	// The returned turn carries the defaulted version; the caller's slice
	// stays untouched.
	require.Len(t, turn.Attachments, 1)
	assert.Equal(t, conversation.AttachmentSchemaVersion, turn.Attachments[0].Version)
	assert.Equal(t, 0, attachments[0].Version)

	// Both tiers hold the same normalized shape.
	live, err := coord.History(ctx, sessionID, 10)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, conversation.AttachmentSchemaVersion, live[0].Attachments[0].Version)
	assert.Equal(t, conversation.AttachmentSchemaVersion, durable.turns[sessionID][0].Attachments[0].Version)

	// Clear+Restore rebuilds cache content identical to the live copy.
	require.NoError(t, coord.Clear(ctx, sessionID))
	result, err := coord.Restore(ctx, sessionID, 50)
	require.NoError(t, err)
	require.True(t, result.Restored)

	restored, err := coord.History(ctx, sessionID, 10)
	require.NoError(t, err)
	assert.Equal(t, live, restored)
}

// restoreCtxDurable fails reads when the caller's context is already done,
// like a real driver would.
type restoreCtxDurable struct {
	*fakeDurable
}

func (d *restoreCtxDurable) ReadTurns(ctx context.Context, sessionID string, limit int) ([]conversation.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", conversation.ErrDurability, err)
	}
	return d.fakeDurable.ReadTurns(ctx, sessionID, limit)
}

func TestRestore_DetachedFromCallerCancellation(t *testing.T) {
	mem := cache.NewMemory(time.Hour, log.NewNop())
	durable := newFakeDurable()
	durable.turns["s1"] = []conversation.Turn{
		{ID: "t1", SessionID: "s1", Role: conversation.RoleUser, Text: "hi", Timestamp: time.Now()},
	}
	coord := New(mem, &restoreCtxDurable{fakeDurable: durable}, log.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// An abandoned caller's cancellation must not fail the shared replay
	// other waiters may have joined.
	result, err := coord.Restore(ctx, "s1", 50)
	require.NoError(t, err)
	assert.True(t, result.Restored)
	assert.Len(t, result.Turns, 1)
}

func TestRestore_ConcurrentCallsShareOneReplay(t *testing.T) {
	mem := cache.NewMemory(time.Hour, log.NewNop())
	durable := newFakeDurable()
	durable.turns["s1"] = []conversation.Turn{
		{ID: "t1", SessionID: "s1", Role: conversation.RoleUser, Text: "hi", Timestamp: time.Now()},
		{ID: "t2", SessionID: "s1", Role: conversation.RoleAssistant, Text: "hello", Timestamp: time.Now()},
	}
	coord := New(mem, durable, log.NewNop())

	const callers = 8
	var wg sync.WaitGroup
	results := make([]RestoreResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = coord.Restore(context.Background(), "s1", 50)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.True(t, results[i].Restored)
	}

	// However the calls interleaved, the cache holds exactly one replay.
	history, err := coord.History(context.Background(), "s1", 50)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arkadas/parley/internal/conversation"
	"github.com/arkadas/parley/internal/log"
)

// fakeSessions implements Sessions with scripted state.
type fakeSessions struct {
	mu        sync.Mutex
	summaries []conversation.SessionSummary
	listErr   error
	clearErr  map[string]error
	cleared   []string
	passes    int
}

func (f *fakeSessions) ActiveSessions(context.Context) ([]conversation.SessionSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passes++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.summaries, nil
}

func (f *fakeSessions) Clear(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.clearErr[sessionID]; err != nil {
		return err
	}
	f.cleared = append(f.cleared, sessionID)
	return nil
}

func TestRunOnce_ClearsOnlyEmptySessions(t *testing.T) {
	sessions := &fakeSessions{
		summaries: []conversation.SessionSummary{
			{SessionID: "a", TurnCount: 2},
			{SessionID: "b", TurnCount: 0},
			{SessionID: "c", TurnCount: 1},
			{SessionID: "d", TurnCount: 0},
		},
	}
	s := New(sessions, log.NewNop())

	report := s.RunOnce(context.Background())

	if report.Cleaned != 2 {
		t.Errorf("cleaned = %d, want 2", report.Cleaned)
	}
	if len(report.Errors) != 0 {
		t.Errorf("errors = %v, want none", report.Errors)
	}
	for _, id := range sessions.cleared {
		if id != "b" && id != "d" {
			t.Errorf("cleared non-empty session %q", id)
		}
	}
}

func TestRunOnce_NothingToClean(t *testing.T) {
	sessions := &fakeSessions{
		summaries: []conversation.SessionSummary{
			{SessionID: "a", TurnCount: 3},
		},
	}
	s := New(sessions, log.NewNop())

	report := s.RunOnce(context.Background())
	if report.Cleaned != 0 || len(report.Errors) != 0 {
		t.Errorf("report = %+v, want zero cleaned and no errors", report)
	}
}

func TestRunOnce_CollectsErrorsAndContinues(t *testing.T) {
	sessions := &fakeSessions{
		summaries: []conversation.SessionSummary{
			{SessionID: "bad", TurnCount: 0},
			{SessionID: "good", TurnCount: 0},
		},
		clearErr: map[string]error{"bad": errors.New("boom")},
	}
	s := New(sessions, log.NewNop())

	report := s.RunOnce(context.Background())

	if report.Cleaned != 1 {
		t.Errorf("cleaned = %d, want 1", report.Cleaned)
	}
	if len(report.Errors) != 1 {
		t.Fatalf("errors = %v, want exactly one", report.Errors)
	}
}

func TestRunOnce_ListFailureReported(t *testing.T) {
	sessions := &fakeSessions{listErr: errors.New("cache down")}
	s := New(sessions, log.NewNop())

	report := s.RunOnce(context.Background())
	if report.Cleaned != 0 {
		t.Errorf("cleaned = %d, want 0", report.Cleaned)
	}
	if len(report.Errors) != 1 {
		t.Fatalf("errors = %v, want exactly one", report.Errors)
	}
}

func TestRun_StartupPassAndCancellation(t *testing.T) {
	sessions := &fakeSessions{}
	s := New(sessions, log.NewNop(),
		WithStartupDelay(5*time.Millisecond),
		WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// Wait for the startup pass, then cancel.
	deadline := time.After(2 * time.Second)
	for {
		sessions.mu.Lock()
		passes := sessions.passes
		sessions.mu.Unlock()
		if passes >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("startup pass never ran")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}

// Package maintenance runs periodic session hygiene: sessions left with
// zero turns by aborted requests are evicted from the cache tier.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/arkadas/parley/internal/conversation"
	"github.com/arkadas/parley/internal/log"
)

// Default schedule: one early pass shortly after startup to catch sessions
// abandoned mid-request, then a fixed interval.
const (
	DefaultInterval     = 4 * time.Hour
	DefaultStartupDelay = 30 * time.Second
)

// Sessions is the slice of the coordinator the scheduler consumes.
type Sessions interface {
	ActiveSessions(ctx context.Context) ([]conversation.SessionSummary, error)
	Clear(ctx context.Context, sessionID string) error
}

// Report summarizes one cleanup pass. Errors are collected per session;
// a failing session never stops the pass.
type Report struct {
	Cleaned int      `json:"cleaned"`
	Errors  []string `json:"errors"`
}

// Scheduler periodically evicts empty sessions.
type Scheduler struct {
	sessions     Sessions
	interval     time.Duration
	startupDelay time.Duration
	logger       log.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval overrides the cleanup interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithStartupDelay overrides the delay before the first pass.
func WithStartupDelay(d time.Duration) Option {
	return func(s *Scheduler) { s.startupDelay = d }
}

// New creates a Scheduler with the default schedule.
func New(sessions Sessions, logger log.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = log.NewNop()
	}
	s := &Scheduler{
		sessions:     sessions,
		interval:     DefaultInterval,
		startupDelay: DefaultStartupDelay,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is canceled: one pass after the startup delay, then
// one per interval. Failures are logged, never fatal to the loop. Callers
// must track the goroutine with a WaitGroup.
func (s *Scheduler) Run(ctx context.Context) {
	startup := time.NewTimer(s.startupDelay)
	defer startup.Stop()

	select {
	case <-ctx.Done():
		return
	case <-startup.C:
		s.logAndRun(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logAndRun(ctx)
		}
	}
}

func (s *Scheduler) logAndRun(ctx context.Context) {
	report := s.RunOnce(ctx)
	if len(report.Errors) > 0 {
		s.logger.Warn("cleanup pass finished with errors",
			"cleaned", report.Cleaned, "errors", report.Errors)
		return
	}
	if report.Cleaned > 0 {
		s.logger.Info("cleanup pass finished", "cleaned", report.Cleaned)
	}
}

// RunOnce executes a single cleanup pass: every session whose turn count
// is exactly zero is cleared. Sessions with one or more turns are never
// touched.
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	report := Report{Errors: []string{}}

	summaries, err := s.sessions.ActiveSessions(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("listing sessions: %v", err))
		return report
	}

	for _, summary := range summaries {
		if summary.TurnCount != 0 {
			continue
		}
		if err := s.sessions.Clear(ctx, summary.SessionID); err != nil {
			report.Errors = append(report.Errors,
				fmt.Sprintf("clearing session %s: %v", summary.SessionID, err))
			continue
		}
		report.Cleaned++
	}
	return report
}

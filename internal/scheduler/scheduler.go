// Package scheduler drives the periodic ingestion and aggregation cycle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cam3ron2/pr-leaderboard/internal/credentials"
	"github.com/cam3ron2/pr-leaderboard/internal/reconcile"
	"github.com/rs/xid"
	"go.uber.org/zap"
)

// State is the loop lifecycle state.
type State string

const (
	// StateRunning is the initial state.
	StateRunning State = "running"
	// StateShuttingDown is terminal; no further cycles start.
	StateShuttingDown State = "shutting_down"
)

const (
	defaultInterval    = 45 * time.Minute
	defaultBackoffBase = 60 * time.Second
	defaultBackoffMax  = 300 * time.Second
)

// Config configures cycle timing.
type Config struct {
	Interval    time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// StorageChecker verifies and restores the storage connection.
type StorageChecker interface {
	EnsureConnected(ctx context.Context) error
}

// CredentialRefresher rebuilds the credential pool.
type CredentialRefresher interface {
	Refresh(ctx context.Context) (credentials.RefreshResult, error)
}

// Reconciler runs the pull request ingestion pass.
type Reconciler interface {
	Run(ctx context.Context) (reconcile.Result, error)
}

// Aggregator recomputes the leaderboard.
type Aggregator interface {
	Recompute(ctx context.Context) error
}

// Recorder receives cycle outcomes for metrics.
type Recorder interface {
	ObserveCycle(result string, duration time.Duration)
	ObserveBackoff(wait time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveCycle(string, time.Duration) {}
func (nopRecorder) ObserveBackoff(time.Duration)       {}

// Report describes one completed cycle.
type Report struct {
	CycleID     string
	Credentials credentials.RefreshResult
	Reconcile   reconcile.Result
	Duration    time.Duration
}

// Status is a snapshot used by health evaluation.
type Status struct {
	State               State
	CycleRunning        bool
	LastCycleID         string
	LastSuccess         time.Time
	LastError           string
	ConsecutiveFailures int
}

// Scheduler runs cycles sequentially until its context is canceled.
type Scheduler struct {
	cfg        Config
	storage    StorageChecker
	refresher  CredentialRefresher
	reconciler Reconciler
	aggregator Aggregator
	recorder   Recorder
	logger     *zap.Logger

	mu     sync.RWMutex
	status Status

	// Sleep and Now are injected for testability.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// New creates a scheduler. refresher may be nil when the pool is managed elsewhere.
func New(
	cfg Config,
	storage StorageChecker,
	refresher CredentialRefresher,
	reconciler Reconciler,
	aggregator Aggregator,
	recorder Recorder,
	logger ...*zap.Logger,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}
	return &Scheduler{
		cfg:        cfg,
		storage:    storage,
		refresher:  refresher,
		reconciler: reconciler,
		aggregator: aggregator,
		recorder:   recorder,
		logger:     baseLogger,
		status:     Status{State: StateRunning},
		Sleep:      sleepContext,
		Now:        time.Now,
	}
}

// Run loops until ctx is canceled, then moves to StateShuttingDown and returns nil.
// A failed cycle is retried after an exponential backoff; a successful one is followed
// by the fixed interval.
func (s *Scheduler) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("scheduler is nil")
	}
	backoff := s.cfg.BackoffBase
	for {
		if s.State() == StateShuttingDown || ctx.Err() != nil {
			s.shutdown()
			return nil
		}

		_, err := s.RunOnce(ctx)
		if ctx.Err() != nil {
			s.shutdown()
			return nil
		}

		wait := s.cfg.Interval
		if err != nil {
			wait = backoff
			backoff = nextBackoff(backoff, s.cfg.BackoffMax)
			s.recorder.ObserveBackoff(wait)
			s.logger.Warn("ingestion cycle failed; backing off", zap.Duration("backoff", wait), zap.Error(err))
		} else {
			backoff = s.cfg.BackoffBase
			s.logger.Debug("sleeping until next cycle", zap.Duration("interval", wait))
		}

		if err := s.Sleep(ctx, wait); err != nil {
			s.shutdown()
			return nil
		}
	}
}

// RunOnce executes one cycle: storage check, credential refresh, reconcile, aggregate.
// A panic inside the cycle is recovered and returned as an error.
func (s *Scheduler) RunOnce(ctx context.Context) (report Report, err error) {
	report.CycleID = xid.New().String()
	logger := s.logger.With(zap.String("cycle_id", report.CycleID))
	start := s.Now()

	s.mu.Lock()
	s.status.CycleRunning = true
	s.status.LastCycleID = report.CycleID
	s.mu.Unlock()

	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("ingestion cycle panic: %v", recovered)
			logger.Error("recovered panic in ingestion cycle", zap.Any("panic", recovered), zap.Stack("stack"))
		}
		report.Duration = s.Now().Sub(start)
		s.finish(report, err)
		result := "success"
		if err != nil {
			result = "failure"
		}
		s.recorder.ObserveCycle(result, report.Duration)
	}()

	logger.Info("ingestion cycle started")
	if s.storage != nil {
		if err := s.storage.EnsureConnected(ctx); err != nil {
			return report, fmt.Errorf("ensure storage: %w", err)
		}
	}

	if s.refresher != nil {
		refreshed, err := s.refresher.Refresh(ctx)
		report.Credentials = refreshed
		if err != nil {
			logger.Warn("credential refresh failed; keeping previous pool", zap.Error(err))
		} else {
			logger.Info("credential pool refreshed",
				zap.Int("tokens", refreshed.Tokens),
				zap.Strings("failed_sources", refreshed.FailedSources),
			)
		}
	}

	if s.reconciler == nil || s.aggregator == nil {
		return report, fmt.Errorf("scheduler is missing reconciler or aggregator")
	}
	result, err := s.reconciler.Run(ctx)
	report.Reconcile = result
	if err != nil {
		return report, fmt.Errorf("reconcile: %w", err)
	}
	if err := s.aggregator.Recompute(ctx); err != nil {
		return report, fmt.Errorf("recompute leaderboard: %w", err)
	}

	logger.Info("ingestion cycle finished",
		zap.Int("inserted", result.Inserted),
		zap.Int("updated", result.Updated),
		zap.Int("repos", len(result.Repos)),
		zap.Duration("duration", s.Now().Sub(start)),
	)
	return report, nil
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.State
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Scheduler) finish(report Report, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.CycleRunning = false
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.status.ConsecutiveFailures++
		s.status.LastError = err.Error()
		return
	}
	s.status.ConsecutiveFailures = 0
	s.status.LastError = ""
	s.status.LastSuccess = s.Now()
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.State != StateShuttingDown {
		s.status.State = StateShuttingDown
		s.logger.Info("scheduler shutting down")
	}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

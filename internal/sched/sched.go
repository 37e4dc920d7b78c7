// Package sched runs the periodic refresh and reconciliation jobs. Jobs
// are independent; the only coordination between them is the named locks
// in the cache, so multiple workers can run the same schedule safely.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/fieldeng/casebridge/internal/cache"
	"github.com/fieldeng/casebridge/internal/config"
	"github.com/fieldeng/casebridge/internal/reconcile"
)

// Lock TTLs. A crashed worker holds a lock at most this long before
// another worker can take over.
const (
	refreshLockTTL   = 30 * time.Minute
	reconcileLockTTL = 2 * time.Hour
)

// ErrLocked reports that a job skipped its cycle because another worker
// holds the lock. Not a failure.
var ErrLocked = errors.New("job already running elsewhere")

// ErrUnknownJob reports a job name outside the fixed registry.
var ErrUnknownJob = errors.New("unknown job")

// ErrReadOnly reports that a mutating job was suppressed by the global
// read-only switch.
var ErrReadOnly = errors.New("suppressed by read-only mode")

// LockStore is the cache surface the scheduler needs.
type LockStore interface {
	TryLock(name string, ttl time.Duration) (token string, acquired bool, err error)
	Unlock(name, token string) error
	Set(key string, v any) error
	Delete(key string) error
}

// Syncer mirrors upstream state into the cache.
type Syncer interface {
	SyncCases(ctx context.Context) error
	SyncDetails(ctx context.Context) error
	SyncBugs(ctx context.Context) error
	SyncIssues(ctx context.Context) error
	SyncEscalations(ctx context.Context) error
	SyncWatchlist(ctx context.Context) error
}

// Aggregator rebuilds the cards document.
type Aggregator interface {
	SyncCards(ctx context.Context) error
}

// Reconciler closes the case/card gap and keeps priorities aligned.
type Reconciler interface {
	Reconcile(ctx context.Context) (reconcile.Result, error)
	SyncPriority(ctx context.Context) error
}

// StatsRoller appends the daily stats entry.
type StatsRoller interface {
	Rollup() error
}

type job struct {
	schedule string
	mutating bool
	run      func(ctx context.Context) error
}

// Scheduler owns the job registry and the cron loop.
type Scheduler struct {
	store     LockStore
	syncer    Syncer
	agg       Aggregator
	engine    Reconciler
	stats     StatsRoller
	readOnly  bool
	logger    *slog.Logger
	retryBase time.Duration

	jobs map[string]job
}

// New creates a Scheduler with the fixed job registry.
func New(store LockStore, syncer Syncer, agg Aggregator, engine Reconciler, statsEngine StatsRoller, cfg config.ReconcileConfig) *Scheduler {
	s := &Scheduler{
		store:     store,
		syncer:    syncer,
		agg:       agg,
		engine:    engine,
		stats:     statsEngine,
		readOnly:  cfg.ReadOnly,
		logger:    slog.Default(),
		retryBase: time.Second,
	}
	s.jobs = map[string]job{
		"cases":       {schedule: "@every 15m", run: syncer.SyncCases},
		"details":     {schedule: "@every 30m", run: syncer.SyncDetails},
		"bugs":        {schedule: "@every 30m", run: syncer.SyncBugs},
		"issues":      {schedule: "@every 30m", run: syncer.SyncIssues},
		"escalations": {schedule: "@every 1h", run: syncer.SyncEscalations},
		"watchlist":   {schedule: "@every 1h", run: syncer.SyncWatchlist},
		"cards":       {schedule: "@every 30m", run: s.refreshCards},
		"stats":       {schedule: "5 0 * * *", run: func(context.Context) error { return statsEngine.Rollup() }},
		"priority":    {schedule: "@every 2h", mutating: true, run: engine.SyncPriority},
		"reconcile":   {schedule: "@every 1h", mutating: true, run: s.reconcileOnce},
	}
	return s
}

// Run starts the cron loop and blocks until ctx is cancelled. Running
// jobs finish before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New()
	for name, j := range s.jobs {
		name := name
		if _, err := c.AddFunc(j.schedule, func() {
			if err := s.RunJob(ctx, name); err != nil && !errors.Is(err, ErrLocked) && !errors.Is(err, ErrReadOnly) {
				s.logger.Error("scheduled job failed", "job", name, "error", err)
			}
		}); err != nil {
			return fmt.Errorf("registering job %s: %w", name, err)
		}
	}
	c.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))

	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	return ctx.Err()
}

// RunJob executes one named job immediately, with the same locking,
// read-only and retry semantics as a scheduled run.
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	if j.mutating && s.readOnly {
		s.logger.Info("skipping mutating job in read-only mode", "job", name)
		return ErrReadOnly
	}
	return s.withRetry(ctx, name, j.run)
}

// withRetry runs fn up to three times, sleeping 2^n seconds between
// attempts. Lock contention and read-only suppression are not retried.
func (s *Scheduler) withRetry(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	const maxAttempts = 3
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || errors.Is(err, ErrLocked) || errors.Is(err, ErrReadOnly) {
			return err
		}
		if attempt+1 >= maxAttempts {
			return fmt.Errorf("job %s failed after %d attempts: %w", name, maxAttempts, err)
		}
		delay := time.Duration(1<<attempt) * s.retryBase
		s.logger.Warn("job failed, backing off", "job", name, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// refreshCards rebuilds the cards document under the refresh lock. A held
// lock means another worker is mid-refresh; skip without error noise.
func (s *Scheduler) refreshCards(ctx context.Context) error {
	token, acquired, err := s.store.TryLock(cache.LockRefresh, refreshLockTTL)
	if err != nil {
		return fmt.Errorf("acquiring refresh lock: %w", err)
	}
	if !acquired {
		return ErrLocked
	}
	defer func() {
		if err := s.store.Unlock(cache.LockRefresh, token); err != nil {
			s.logger.Warn("releasing refresh lock failed", "error", err)
		}
	}()

	id := uuid.NewString()
	if err := s.store.Set(cache.KeyRefreshID, id); err != nil {
		return err
	}
	defer s.store.Delete(cache.KeyRefreshID)

	return s.agg.SyncCards(ctx)
}

func (s *Scheduler) reconcileOnce(ctx context.Context) error {
	token, acquired, err := s.store.TryLock(cache.LockSync, reconcileLockTTL)
	if err != nil {
		return fmt.Errorf("acquiring reconcile lock: %w", err)
	}
	if !acquired {
		return ErrLocked
	}
	defer func() {
		if err := s.store.Unlock(cache.LockSync, token); err != nil {
			s.logger.Warn("releasing reconcile lock failed", "error", err)
		}
	}()

	result, err := s.engine.Reconcile(ctx)
	if err != nil {
		return err
	}
	if result.Aborted {
		s.logger.Warn("reconciliation aborted by safety valve")
	}
	return nil
}

package sched

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fieldeng/casebridge/internal/cache"
	"github.com/fieldeng/casebridge/internal/config"
	"github.com/fieldeng/casebridge/internal/reconcile"
)

type fakeSyncer struct {
	caseCalls int
	caseErrs  []error
}

func (f *fakeSyncer) SyncCases(context.Context) error {
	f.caseCalls++
	if len(f.caseErrs) > 0 {
		err := f.caseErrs[0]
		f.caseErrs = f.caseErrs[1:]
		return err
	}
	return nil
}

func (f *fakeSyncer) SyncDetails(context.Context) error     { return nil }
func (f *fakeSyncer) SyncBugs(context.Context) error        { return nil }
func (f *fakeSyncer) SyncIssues(context.Context) error      { return nil }
func (f *fakeSyncer) SyncEscalations(context.Context) error { return nil }
func (f *fakeSyncer) SyncWatchlist(context.Context) error   { return nil }

type fakeAgg struct {
	calls int
}

func (f *fakeAgg) SyncCards(context.Context) error {
	f.calls++
	return nil
}

type fakeReconciler struct {
	reconciles int
	priorities int
}

func (f *fakeReconciler) Reconcile(context.Context) (reconcile.Result, error) {
	f.reconciles++
	return reconcile.Result{}, nil
}

func (f *fakeReconciler) SyncPriority(context.Context) error {
	f.priorities++
	return nil
}

type fakeStats struct{ rollups int }

func (f *fakeStats) Rollup() error {
	f.rollups++
	return nil
}

type schedFixture struct {
	s      *Scheduler
	store  *cache.Store
	syncer *fakeSyncer
	agg    *fakeAgg
	engine *fakeReconciler
	stats  *fakeStats
}

func newFixture(t *testing.T, cfg config.ReconcileConfig) schedFixture {
	t.Helper()
	store, err := cache.Open(":memory:")
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := schedFixture{
		store:  store,
		syncer: &fakeSyncer{},
		agg:    &fakeAgg{},
		engine: &fakeReconciler{},
		stats:  &fakeStats{},
	}
	f.s = New(store, f.syncer, f.agg, f.engine, f.stats, cfg)
	f.s.retryBase = time.Millisecond
	return f
}

func TestRunJobUnknown(t *testing.T) {
	f := newFixture(t, config.ReconcileConfig{})
	err := f.s.RunJob(context.Background(), "nope")
	if !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("err = %v, want ErrUnknownJob", err)
	}
}

func TestReadOnlySuppressesMutatingJobs(t *testing.T) {
	f := newFixture(t, config.ReconcileConfig{ReadOnly: true})

	if err := f.s.RunJob(context.Background(), "reconcile"); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("reconcile err = %v, want ErrReadOnly", err)
	}
	if err := f.s.RunJob(context.Background(), "priority"); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("priority err = %v, want ErrReadOnly", err)
	}
	if f.engine.reconciles != 0 || f.engine.priorities != 0 {
		t.Error("mutating job ran in read-only mode")
	}

	if err := f.s.RunJob(context.Background(), "cases"); err != nil {
		t.Errorf("non-mutating job blocked in read-only mode: %v", err)
	}
}

func TestCardsJobSkipsWhenLocked(t *testing.T) {
	f := newFixture(t, config.ReconcileConfig{})

	_, acquired, err := f.store.TryLock(cache.LockRefresh, time.Minute)
	if err != nil || !acquired {
		t.Fatalf("pre-acquiring lock: acquired=%v err=%v", acquired, err)
	}

	if err := f.s.RunJob(context.Background(), "cards"); !errors.Is(err, ErrLocked) {
		t.Fatalf("err = %v, want ErrLocked", err)
	}
	if f.agg.calls != 0 {
		t.Error("refresh ran despite held lock")
	}
}

func TestCardsJobReleasesLock(t *testing.T) {
	f := newFixture(t, config.ReconcileConfig{})

	if err := f.s.RunJob(context.Background(), "cards"); err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if f.agg.calls != 1 {
		t.Fatalf("agg calls = %d, want 1", f.agg.calls)
	}

	token, acquired, err := f.store.TryLock(cache.LockRefresh, time.Minute)
	if err != nil || !acquired {
		t.Fatalf("lock not released: acquired=%v err=%v", acquired, err)
	}
	f.store.Unlock(cache.LockRefresh, token)

	var id string
	if f.store.Get(cache.KeyRefreshID, &id) {
		t.Error("refresh id not cleared after completion")
	}
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	f := newFixture(t, config.ReconcileConfig{})
	f.syncer.caseErrs = []error{errors.New("timeout"), errors.New("timeout")}

	if err := f.s.RunJob(context.Background(), "cases"); err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if f.syncer.caseCalls != 3 {
		t.Errorf("attempts = %d, want 3", f.syncer.caseCalls)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, config.ReconcileConfig{})
	f.syncer.caseErrs = []error{
		errors.New("down"), errors.New("down"), errors.New("down"), errors.New("down"),
	}

	err := f.s.RunJob(context.Background(), "cases")
	if err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
	if f.syncer.caseCalls != 3 {
		t.Errorf("attempts = %d, want 3", f.syncer.caseCalls)
	}
}

func TestReconcileJobUsesSyncLock(t *testing.T) {
	f := newFixture(t, config.ReconcileConfig{})

	_, acquired, err := f.store.TryLock(cache.LockSync, time.Minute)
	if err != nil || !acquired {
		t.Fatalf("pre-acquiring lock: acquired=%v err=%v", acquired, err)
	}

	if err := f.s.RunJob(context.Background(), "reconcile"); !errors.Is(err, ErrLocked) {
		t.Fatalf("err = %v, want ErrLocked", err)
	}
	if f.engine.reconciles != 0 {
		t.Error("reconciliation ran despite held lock")
	}
}

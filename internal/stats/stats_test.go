package stats

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fieldeng/casebridge/internal/cache"
	"github.com/fieldeng/casebridge/internal/model"
)

var statsNow = time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *cache.Store) {
	t.Helper()
	store, err := cache.Open(":memory:")
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	e := New(store)
	e.now = func() time.Time { return statsNow }
	return e, store
}

func daysAgo(n int) time.Time { return statsNow.Add(-time.Duration(n) * 24 * time.Hour) }

func seed(t *testing.T, store *cache.Store) {
	t.Helper()
	cases := map[string]model.Case{
		"1": {CaseNumber: "1", Account: "Acme", Status: "Open", CreatedAt: daysAgo(2), LastUpdate: daysAgo(1)},
		"2": {CaseNumber: "2", Account: "Acme", Status: "Open", CreatedAt: daysAgo(30), LastUpdate: daysAgo(10)},
		"3": {CaseNumber: "3", Account: "Globex", Status: "Closed", CreatedAt: daysAgo(20), LastUpdate: daysAgo(3), ClosedAt: daysAgo(3)},
	}
	cards := map[string]model.Card{
		"FE-1": {
			CaseNumber: "1", Account: "Acme", CaseStatus: "Open",
			Severity: "High", Status: "Eng Working",
			Assignee: model.Assignee{DisplayName: "Alice", Name: "alice"},
			Bugs:     []model.BugDetail{{Number: "111", TargetRelease: []string{"---"}}},
		},
		"FE-2": {
			CaseNumber: "2", Account: "Acme", CaseStatus: "Open",
			Severity: "Normal", Status: "Backlog",
			Assignee:  model.Assignee{DisplayName: "Bob", Name: "bob"},
			Escalated: true, CritSit: true,
			Issues: []model.IssueRef{{ID: "FE-9", FixVersions: []string{"4.18.z"}}},
		},
		"FE-3": {
			CaseNumber: "3", Account: "Globex", CaseStatus: "Closed",
			Severity: "Low", Status: "Done",
			Assignee: model.Assignee{DisplayName: "Alice", Name: "alice"},
		},
	}
	if err := store.Set(cache.KeyCases, cases); err != nil {
		t.Fatal(err)
	}
	if err := store.Set(cache.KeyCards, cards); err != nil {
		t.Fatal(err)
	}
	if err := store.Set(cache.KeyEscalations, []string{"2"}); err != nil {
		t.Fatal(err)
	}
}

func TestGenerate(t *testing.T) {
	e, store := newTestEngine(t)
	seed(t, store)

	snap := e.Generate(Filter{})

	if snap.OpenCases != 2 {
		t.Errorf("open cases = %d, want 2", snap.OpenCases)
	}
	if snap.ByCustomer["Acme"] != 2 {
		t.Errorf("by_customer[Acme] = %d, want 2", snap.ByCustomer["Acme"])
	}
	if diff := cmp.Diff(map[string]int{"Open": 2, "Closed": 1}, snap.ByStatus); diff != "" {
		t.Errorf("by_status (-want +got):\n%s", diff)
	}
	if snap.HighPrio != 1 {
		t.Errorf("high_prio = %d, want 1", snap.HighPrio)
	}
	if snap.Escalated != 1 || snap.CritSit != 1 {
		t.Errorf("escalated = %d, crit_sit = %d", snap.Escalated, snap.CritSit)
	}
	if snap.WeeklyOpenedCases != 1 || snap.DailyOpenedCases != 0 {
		t.Errorf("weekly/daily opened = %d/%d", snap.WeeklyOpenedCases, snap.DailyOpenedCases)
	}
	if snap.WeeklyClosedCases != 1 {
		t.Errorf("weekly closed = %d, want 1", snap.WeeklyClosedCases)
	}
	if snap.NoUpdates != 1 {
		t.Errorf("no_updates = %d, want 1 (case 2 stale)", snap.NoUpdates)
	}
	if snap.Bugs.Unique != 2 {
		t.Errorf("unique bugs = %d, want 2", snap.Bugs.Unique)
	}
	if snap.Bugs.NoTarget != 1 {
		t.Errorf("no_target = %d, want 1 (bug 111 has ---)", snap.Bugs.NoTarget)
	}
	if snap.TotalEscalations != 1 {
		t.Errorf("total_escalations = %d, want 1 (card FE-2 escalated and crit-sit)", snap.TotalEscalations)
	}
}

func TestGenerateStatusBreakdownUsesCaseStatus(t *testing.T) {
	e, store := newTestEngine(t)
	cards := map[string]model.Card{
		"FE-1": {CaseNumber: "1", CaseStatus: "Open", Status: "Debugging"},
		"FE-2": {CaseNumber: "2", CaseStatus: "Closed", Status: "Done"},
		"FE-3": {CaseNumber: "3", CaseStatus: "Waiting on Customer", Status: "Eng Working"},
	}
	if err := store.Set(cache.KeyCards, cards); err != nil {
		t.Fatal(err)
	}

	snap := e.Generate(Filter{})
	want := map[string]int{"Open": 1, "Closed": 1, "Waiting on Customer": 1}
	if diff := cmp.Diff(want, snap.ByStatus); diff != "" {
		t.Errorf("by_status keyed by case status, closed included (-want +got):\n%s", diff)
	}
}

func TestGenerateTotalEscalationsFromCards(t *testing.T) {
	e, store := newTestEngine(t)
	cards := map[string]model.Card{
		"FE-1": {CaseNumber: "1", CaseStatus: "Open", Escalated: true},
		"FE-2": {CaseNumber: "2", CaseStatus: "Open", CritSit: true},
		"FE-3": {CaseNumber: "3", CaseStatus: "Open"},
		"FE-4": {CaseNumber: "4", CaseStatus: "Closed", Escalated: true},
	}
	if err := store.Set(cache.KeyCards, cards); err != nil {
		t.Fatal(err)
	}
	// Escalation-board entries for cases with no card must not inflate
	// the count.
	if err := store.Set(cache.KeyEscalations, []string{"91", "92", "93", "94", "95"}); err != nil {
		t.Fatal(err)
	}

	snap := e.Generate(Filter{})
	if snap.TotalEscalations != 2 {
		t.Errorf("total_escalations = %d, want 2 (open escalated or crit-sit cards)", snap.TotalEscalations)
	}
}

func TestGenerateOpenedCountsExcludeClosed(t *testing.T) {
	e, store := newTestEngine(t)
	cases := map[string]model.Case{
		"1": {CaseNumber: "1", Status: "Open", CreatedAt: daysAgo(2)},
		"2": {CaseNumber: "2", Status: "Closed", CreatedAt: daysAgo(2), ClosedAt: daysAgo(1)},
	}
	if err := store.Set(cache.KeyCases, cases); err != nil {
		t.Fatal(err)
	}

	snap := e.Generate(Filter{})
	if snap.WeeklyOpenedCases != 1 {
		t.Errorf("weekly opened = %d, want 1 (closed case excluded)", snap.WeeklyOpenedCases)
	}
	if snap.DailyOpenedCases != 0 {
		t.Errorf("daily opened = %d, want 0", snap.DailyOpenedCases)
	}
	if snap.WeeklyClosedCases != 1 || snap.DailyClosedCases != 1 {
		t.Errorf("closed counts = %d/%d, want 1/1", snap.WeeklyClosedCases, snap.DailyClosedCases)
	}
}

func TestGenerateFilters(t *testing.T) {
	e, store := newTestEngine(t)
	seed(t, store)

	byAccount := e.Generate(Filter{Account: "acme"})
	if byAccount.OpenCases != 2 || len(byAccount.ByCustomer) != 1 {
		t.Errorf("account filter: open=%d customers=%v", byAccount.OpenCases, byAccount.ByCustomer)
	}

	byEngineer := e.Generate(Filter{Engineer: "alice"})
	if byEngineer.ByEngineer["Bob"] != 0 {
		t.Errorf("engineer filter leaked: %v", byEngineer.ByEngineer)
	}
	if byEngineer.ByEngineer["Alice"] != 1 {
		t.Errorf("by_engineer[Alice] = %d, want 1", byEngineer.ByEngineer["Alice"])
	}
}

func TestRollupAppendOnly(t *testing.T) {
	e, store := newTestEngine(t)
	seed(t, store)

	yesterday := model.StatsSnapshot{OpenCases: 99}
	history := map[string]model.StatsSnapshot{"2026-08-30": yesterday}
	if err := store.Set(cache.KeyStats, history); err != nil {
		t.Fatal(err)
	}

	if err := e.Rollup(); err != nil {
		t.Fatalf("Rollup: %v", err)
	}
	if err := e.Rollup(); err != nil {
		t.Fatalf("second Rollup: %v", err)
	}

	after := map[string]model.StatsSnapshot{}
	store.Get(cache.KeyStats, &after)
	if len(after) != 2 {
		t.Fatalf("history has %d days, want 2", len(after))
	}
	if diff := cmp.Diff(yesterday, after["2026-08-30"]); diff != "" {
		t.Errorf("prior day mutated (-want +got):\n%s", diff)
	}
	if after["2026-08-31"].OpenCases != 2 {
		t.Errorf("today's entry = %+v", after["2026-08-31"])
	}
}

func TestGenerateSeries(t *testing.T) {
	e, store := newTestEngine(t)
	history := map[string]model.StatsSnapshot{
		"2026-08-30": {OpenCases: 5, HighPrio: 2},
		"2026-08-29": {OpenCases: 4},
	}
	if err := store.Set(cache.KeyStats, history); err != nil {
		t.Fatal(err)
	}

	s := e.GenerateSeries()
	if diff := cmp.Diff([]string{"2026-08-29", "2026-08-30"}, s.Dates); diff != "" {
		t.Errorf("dates (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{4, 5}, s.OpenCases); diff != "" {
		t.Errorf("open cases (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, 2}, s.HighPrio); diff != "" {
		t.Errorf("missing metric should read as zero (-want +got):\n%s", diff)
	}
}

func TestGenerateHistogram(t *testing.T) {
	e, store := newTestEngine(t)
	created := daysAgo(10)
	resolvedA := daysAgo(6) // 4 days
	resolvedB := daysAgo(2) // 8 days
	relief := daysAgo(8)    // 2 days
	cards := map[string]model.Card{
		"FE-1": {Severity: "High", CaseCreatedAt: created, ResolvedAt: &resolvedA, ReliefAt: &relief},
		"FE-2": {Severity: "High", CaseCreatedAt: created, ResolvedAt: &resolvedB},
		"FE-3": {Severity: "Low", CaseCreatedAt: time.Time{}}, // no case timestamps, ignored
	}
	if err := store.Set(cache.KeyCards, cards); err != nil {
		t.Fatal(err)
	}

	h := e.GenerateHistogram(Filter{})
	high := h.Resolved["High"]
	if high.Count != 2 {
		t.Fatalf("resolved[High].count = %d, want 2", high.Count)
	}
	if high.Mean != 6 || high.Median != 6 {
		t.Errorf("resolved[High] mean/median = %v/%v, want 6/6", high.Mean, high.Median)
	}
	if h.Relief["High"].Count != 1 || h.Relief["High"].Median != 2 {
		t.Errorf("relief[High] = %+v", h.Relief["High"])
	}
	if _, ok := h.Resolved["Low"]; ok {
		t.Error("card without timestamps bucketed")
	}
}

func TestGenerateHistogramFiltered(t *testing.T) {
	e, store := newTestEngine(t)
	created := daysAgo(10)
	resolvedA := daysAgo(6)
	resolvedB := daysAgo(2)
	cards := map[string]model.Card{
		"FE-1": {
			Account: "Acme", Severity: "High",
			Assignee:      model.Assignee{DisplayName: "Alice", Name: "alice"},
			CaseCreatedAt: created, ResolvedAt: &resolvedA,
		},
		"FE-2": {
			Account: "Globex", Severity: "High",
			Assignee:      model.Assignee{DisplayName: "Bob", Name: "bob"},
			CaseCreatedAt: created, ResolvedAt: &resolvedB,
		},
	}
	if err := store.Set(cache.KeyCards, cards); err != nil {
		t.Fatal(err)
	}

	byAccount := e.GenerateHistogram(Filter{Account: "acme"})
	if got := byAccount.Resolved["High"]; got.Count != 1 || got.Median != 4 {
		t.Errorf("account filter: resolved[High] = %+v, want count 1 median 4", got)
	}

	byEngineer := e.GenerateHistogram(Filter{Engineer: "bob"})
	if got := byEngineer.Resolved["High"]; got.Count != 1 || got.Median != 8 {
		t.Errorf("engineer filter: resolved[High] = %+v, want count 1 median 8", got)
	}
}

func TestCardSummary(t *testing.T) {
	e, store := newTestEngine(t)
	seed(t, store)

	summary := e.CardSummary()
	want := map[string]int{"Eng Working": 1, "Backlog": 1, "Done": 1}
	if diff := cmp.Diff(want, summary); diff != "" {
		t.Errorf("card summary (-want +got):\n%s", diff)
	}
}

// Package stats derives dashboard metrics from the cache snapshot. All
// computation is over cached documents; nothing here talks to upstream
// systems.
package stats

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fieldeng/casebridge/internal/cache"
	"github.com/fieldeng/casebridge/internal/model"
)

// Store is the slice of the cache the stats engine needs.
type Store interface {
	Get(key string, v any) bool
	Set(key string, v any) error
}

// Filter restricts stats to one account or engineer. Empty fields match
// everything.
type Filter struct {
	Account  string
	Engineer string
}

// Engine computes stats snapshots and maintains the daily rollup.
type Engine struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Engine.
func New(store Store) *Engine {
	return &Engine{store: store, logger: slog.Default(), now: time.Now}
}

func (f Filter) matchCard(card model.Card) bool {
	if f.Account != "" && !strings.EqualFold(card.Account, f.Account) {
		return false
	}
	if f.Engineer != "" && !strings.EqualFold(card.Assignee.DisplayName, f.Engineer) &&
		!strings.EqualFold(card.Assignee.Name, f.Engineer) {
		return false
	}
	return true
}

func (f Filter) matchCase(c model.Case) bool {
	return f.Account == "" || strings.EqualFold(c.Account, f.Account)
}

// Generate computes one stats snapshot from the current cache state.
func (e *Engine) Generate(filter Filter) model.StatsSnapshot {
	cases := map[string]model.Case{}
	cards := map[string]model.Card{}
	e.store.Get(cache.KeyCases, &cases)
	e.store.Get(cache.KeyCards, &cards)

	now := e.now().UTC()
	snap := model.StatsSnapshot{
		ByCustomer: map[string]int{},
		ByEngineer: map[string]int{},
		BySeverity: map[string]int{},
		ByStatus:   map[string]int{},
	}

	trackedBugs := map[string]model.BugDetail{}
	trackedIssues := map[string]model.IssueRef{}
	for _, card := range cards {
		if !filter.matchCard(card) {
			continue
		}

		// The case-status breakdown includes closed cases; every other
		// breakdown and bug completeness is over open cases only.
		snap.ByStatus[card.CaseStatus]++
		if card.CaseStatus != "Closed" {
			snap.ByCustomer[card.Account]++
			if card.Assignee.DisplayName != "" {
				snap.ByEngineer[card.Assignee.DisplayName]++
			}
			snap.BySeverity[card.Severity]++
			if card.Severity == "Urgent" || card.Severity == "High" {
				snap.HighPrio++
			}
			if card.Escalated {
				snap.Escalated++
			}
			if card.CritSit {
				snap.CritSit++
			}
			if card.Escalated || card.CritSit {
				snap.TotalEscalations++
			}
			if len(card.Bugs) == 0 && len(card.Issues) == 0 {
				snap.NoBugs++
			}
			for _, bug := range card.Bugs {
				trackedBugs[bug.Number] = bug
			}
			for _, issue := range card.Issues {
				trackedIssues[issue.ID] = issue
			}
		}
	}

	for _, c := range cases {
		if !filter.matchCase(c) {
			continue
		}
		if c.Open() {
			snap.OpenCases++
			if now.Sub(c.LastUpdate) > 7*24*time.Hour {
				snap.NoUpdates++
			}
			if now.Sub(c.CreatedAt) < 7*24*time.Hour {
				snap.WeeklyOpenedCases++
				if now.Sub(c.CreatedAt) <= 24*time.Hour {
					snap.DailyOpenedCases++
				}
			}
		}
		if !c.ClosedAt.IsZero() && now.Sub(c.ClosedAt) < 7*24*time.Hour {
			snap.WeeklyClosedCases++
			if now.Sub(c.ClosedAt) <= 24*time.Hour {
				snap.DailyClosedCases++
			}
		}
	}

	snap.Bugs.Unique = len(trackedBugs) + len(trackedIssues)
	for _, bug := range trackedBugs {
		if bug.MissingTarget() {
			snap.Bugs.NoTarget++
		}
	}
	for _, issue := range trackedIssues {
		if issue.MissingTarget() {
			snap.Bugs.NoTarget++
		}
	}
	return snap
}

// LatencyBucket summarizes case-to-event latency for one severity.
type LatencyBucket struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
}

// Histogram buckets resolution and relief latency by severity.
type Histogram struct {
	Resolved map[string]LatencyBucket `json:"resolved"`
	Relief   map[string]LatencyBucket `json:"relief"`
}

// GenerateHistogram computes latency buckets from the cached cards,
// optionally restricted to one account or engineer. Days run from case
// creation to the resolved or relief timestamp.
func (e *Engine) GenerateHistogram(filter Filter) Histogram {
	cards := map[string]model.Card{}
	e.store.Get(cache.KeyCards, &cards)

	resolved := map[string][]float64{}
	relief := map[string][]float64{}
	for _, card := range cards {
		if !filter.matchCard(card) {
			continue
		}
		if card.CaseCreatedAt.IsZero() {
			continue
		}
		if card.ResolvedAt != nil {
			days := card.ResolvedAt.Sub(card.CaseCreatedAt).Hours() / 24
			resolved[card.Severity] = append(resolved[card.Severity], days)
		}
		if card.ReliefAt != nil {
			days := card.ReliefAt.Sub(card.CaseCreatedAt).Hours() / 24
			relief[card.Severity] = append(relief[card.Severity], days)
		}
	}
	return Histogram{Resolved: bucketize(resolved), Relief: bucketize(relief)}
}

func bucketize(bySeverity map[string][]float64) map[string]LatencyBucket {
	out := make(map[string]LatencyBucket, len(bySeverity))
	for severity, days := range bySeverity {
		sort.Float64s(days)
		var sum float64
		for _, d := range days {
			sum += d
		}
		n := len(days)
		median := days[n/2]
		if n%2 == 0 {
			median = (days[n/2-1] + days[n/2]) / 2
		}
		out[severity] = LatencyBucket{Count: n, Mean: sum / float64(n), Median: median}
	}
	return out
}

// Rollup writes today's snapshot into the stats time series. Prior days
// are never rewritten; running twice on the same day replaces only
// today's entry.
func (e *Engine) Rollup() error {
	history := map[string]model.StatsSnapshot{}
	e.store.Get(cache.KeyStats, &history)

	today := e.now().UTC().Format("2006-01-02")
	history[today] = e.Generate(Filter{})
	e.logger.Info("stats rollup written", "date", today, "days", len(history))
	return e.store.Set(cache.KeyStats, history)
}

// Series is the stats history pivoted into parallel arrays for plotting.
// A day missing a metric reads as zero.
type Series struct {
	Dates             []string `json:"dates"`
	OpenCases         []int    `json:"open_cases"`
	HighPrio          []int    `json:"high_prio"`
	Escalated         []int    `json:"escalated"`
	CritSit           []int    `json:"crit_sit"`
	WeeklyOpenedCases []int    `json:"weekly_opened_cases"`
	WeeklyClosedCases []int    `json:"weekly_closed_cases"`
	DailyOpenedCases  []int    `json:"daily_opened_cases"`
	DailyClosedCases  []int    `json:"daily_closed_cases"`
	NoUpdates         []int    `json:"no_updates"`
	NoBugs            []int    `json:"no_bzs"`
}

// GenerateSeries pivots the rollup history, ordered by date.
func (e *Engine) GenerateSeries() Series {
	history := map[string]model.StatsSnapshot{}
	e.store.Get(cache.KeyStats, &history)

	dates := make([]string, 0, len(history))
	for date := range history {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	s := Series{Dates: dates}
	for _, date := range dates {
		day := history[date]
		s.OpenCases = append(s.OpenCases, day.OpenCases)
		s.HighPrio = append(s.HighPrio, day.HighPrio)
		s.Escalated = append(s.Escalated, day.Escalated)
		s.CritSit = append(s.CritSit, day.CritSit)
		s.WeeklyOpenedCases = append(s.WeeklyOpenedCases, day.WeeklyOpenedCases)
		s.WeeklyClosedCases = append(s.WeeklyClosedCases, day.WeeklyClosedCases)
		s.DailyOpenedCases = append(s.DailyOpenedCases, day.DailyOpenedCases)
		s.DailyClosedCases = append(s.DailyClosedCases, day.DailyClosedCases)
		s.NoUpdates = append(s.NoUpdates, day.NoUpdates)
		s.NoBugs = append(s.NoBugs, day.NoBugs)
	}
	return s
}

// CardSummary counts cached cards by canonical status.
func (e *Engine) CardSummary() map[string]int {
	cards := map[string]model.Card{}
	e.store.Get(cache.KeyCards, &cards)

	summary := map[string]int{}
	for _, card := range cards {
		summary[card.Status]++
	}
	return summary
}

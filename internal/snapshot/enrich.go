package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/fieldeng/casebridge/internal/bugs"
	"github.com/fieldeng/casebridge/internal/cache"
	"github.com/fieldeng/casebridge/internal/model"
)

// SyncDetails fetches the per-case detail record for every open case and
// writes the "details" and "case_bz" documents. Closed cases are skipped
// so cost stays bounded to active work; a failure on one case is logged
// and the loop continues.
func (s *Syncer) SyncDetails(ctx context.Context) error {
	cases := map[string]model.Case{}
	s.store.Get(cache.KeyCases, &cases)

	details := make(map[string]model.CaseDetail)
	caseBugs := make(map[string][]model.BugDetail)
	for number, c := range cases {
		if !c.Open() {
			continue
		}
		rec, err := s.source.FetchCaseDetail(ctx, number)
		if err != nil {
			s.logger.Warn("fetching case detail failed, continuing", "case", number, "error", err)
			continue
		}

		users := make([]string, 0, len(rec.NotifiedUsers))
		for _, u := range rec.NotifiedUsers {
			users = append(users, u.SSOUsername)
		}
		details[number] = model.CaseDetail{
			CritSit:       rec.CritSit,
			GroupName:     rec.GroupName,
			NotifiedUsers: users,
			ReliefAt:      parsePortalTimePtr(rec.ReliefAt),
			ResolvedAt:    parsePortalTimePtr(rec.ResolvedAt),
		}
		if c.BugID != "" {
			refs := make([]model.BugDetail, 0, len(rec.Bugs))
			for _, b := range rec.Bugs {
				refs = append(refs, model.BugDetail{Number: b.Number, URL: b.URL})
			}
			caseBugs[number] = refs
		}
	}

	if err := s.store.Set(cache.KeyDetails, details); err != nil {
		return err
	}
	return s.store.Set(cache.KeyCaseBugs, caseBugs)
}

// SyncBugs enriches the "case_bz" bug references with detail from the bug
// tracker and writes the "bugs" document. Restricted or deleted bugs keep
// placeholder fields so the dashboard still shows the link.
func (s *Syncer) SyncBugs(ctx context.Context) error {
	if !s.bugs.Enabled() {
		s.logger.Info("bug source not configured, writing empty bugs document")
		return s.store.Set(cache.KeyBugs, map[string][]model.BugDetail{})
	}

	caseBugs := map[string][]model.BugDetail{}
	s.store.Get(cache.KeyCaseBugs, &caseBugs)

	enriched := make(map[string][]model.BugDetail, len(caseBugs))
	for number, refs := range caseBugs {
		out := make([]model.BugDetail, 0, len(refs))
		for _, ref := range refs {
			detail, err := s.bugs.GetBug(ctx, ref.Number)
			switch {
			case err == nil:
				if detail.URL == "" {
					detail.URL = ref.URL
				}
				out = append(out, detail)
			case errors.Is(err, bugs.ErrRestricted) || errors.Is(err, bugs.ErrNotFound):
				s.logger.Warn("bug not accessible", "bug", ref.Number, "error", err)
				out = append(out, model.BugDetail{
					Number:        ref.Number,
					URL:           ref.URL,
					TargetRelease: []string{"unavailable"},
					Assignee:      "unavailable",
					Severity:      "unavailable",
					LastChangedAt: "unavailable",
				})
			default:
				s.logger.Warn("fetching bug failed, keeping bare reference", "bug", ref.Number, "error", err)
				out = append(out, ref)
			}
		}
		enriched[number] = out
	}
	return s.store.Set(cache.KeyBugs, enriched)
}

// SyncIssues resolves the tracker issues the portal links to each open
// case and writes the "issues" document. An issue the tracker refuses to
// show us is skipped, not fatal.
func (s *Syncer) SyncIssues(ctx context.Context) error {
	cases := map[string]model.Case{}
	s.store.Get(cache.KeyCases, &cases)

	issues := make(map[string][]model.IssueRef)
	for number, c := range cases {
		if !c.Open() {
			continue
		}
		linked, err := s.source.ListLinkedIssues(ctx, number)
		if err != nil {
			s.logger.Warn("listing linked issues failed, continuing", "case", number, "error", err)
			continue
		}

		var refs []model.IssueRef
		for _, link := range linked {
			if link.Title == "" {
				continue
			}
			card, err := s.issues.GetCard(ctx, link.ResourceKey)
			if err != nil {
				s.logger.Warn("cannot access linked issue", "issue", link.ResourceKey, "error", err)
				continue
			}
			ref := model.IssueRef{
				ID:          link.ResourceKey,
				URL:         link.ResourceURL,
				Title:       link.Title,
				Status:      link.Status,
				Updated:     formatPortalDate(link.ModifiedDate),
				QAContact:   card.QAContact,
				FixVersions: card.FixVersions,
				Priority:    card.Priority,
				Severity:    card.Severity,
				Type:        card.Type,
			}
			if card.Assignee != nil {
				ref.Assignee = card.Assignee.Name
			}
			refs = append(refs, ref)
		}
		if len(refs) > 0 {
			issues[number] = refs
		}
	}
	return s.store.Set(cache.KeyIssues, issues)
}

func formatPortalDate(s string) string {
	t := parsePortalTime(s)
	if t.IsZero() {
		return s
	}
	return t.Format("2006-01-02")
}

// SyncEscalations queries the escalation board and writes the list of
// escalated case numbers. Without an escalation board configured the
// document is an empty list.
func (s *Syncer) SyncEscalations(ctx context.Context) error {
	if s.tracker.EscalationsProject == "" || s.tracker.EscalationsLabel == "" {
		return s.store.Set(cache.KeyEscalations, []string{})
	}

	jql := fmt.Sprintf("project = %s AND labels = %q AND status != \"Closed\"",
		s.tracker.EscalationsProject, s.tracker.EscalationsLabel)
	cards, err := s.issues.SearchCards(ctx, jql, s.tracker.MaxResults)
	if err != nil {
		return fmt.Errorf("querying escalation board: %w", err)
	}

	escalations := []string{}
	for _, card := range cards {
		if card.CaseField != "" {
			escalations = append(escalations, card.CaseField)
		}
	}
	return s.store.Set(cache.KeyEscalations, escalations)
}

// SyncWatchlist pulls the externally maintained watchlist and records the
// watched case numbers that exist in the case cache.
func (s *Syncer) SyncWatchlist(ctx context.Context) error {
	cases := map[string]model.Case{}
	s.store.Get(cache.KeyCases, &cases)

	entries, err := s.source.FetchWatchlist(ctx, s.portal.MaxResults)
	if err != nil {
		return fmt.Errorf("fetching watchlist: %w", err)
	}

	watchlist := []string{}
	for _, entry := range entries {
		for _, watched := range entry.Cases {
			if _, ok := cases[watched.CaseNumber]; ok {
				watchlist = append(watchlist, watched.CaseNumber)
			}
		}
	}
	return s.store.Set(cache.KeyWatchlist, watchlist)
}

// Package snapshot mirrors the upstream systems into the cache: the full
// case list, per-case details, linked bugs and issues, escalations and the
// watchlist. Each sync replaces its cache document wholesale.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fieldeng/casebridge/internal/cache"
	"github.com/fieldeng/casebridge/internal/config"
	"github.com/fieldeng/casebridge/internal/model"
	"github.com/fieldeng/casebridge/internal/portal"
	"github.com/fieldeng/casebridge/internal/tracker"
)

// Store is the slice of the cache the syncer needs.
type Store interface {
	Get(key string, v any) bool
	Set(key string, v any) error
}

// CaseSource is the portal capability surface consumed here.
type CaseSource interface {
	FetchCases(ctx context.Context, query string, fields []string, maxResults int) ([]portal.CaseRecord, error)
	FetchCaseDetail(ctx context.Context, caseNumber string) (portal.DetailRecord, error)
	ListLinkedIssues(ctx context.Context, caseNumber string) ([]portal.LinkedIssue, error)
	FetchWatchlist(ctx context.Context, maxResults int) ([]portal.WatchEntry, error)
}

// IssueSource resolves tracker issues linked to cases.
type IssueSource interface {
	SearchCards(ctx context.Context, jql string, maxResults int) ([]tracker.Card, error)
	GetCard(ctx context.Context, key string) (tracker.Card, error)
}

// BugSource fetches bug details; restricted and missing bugs are tagged
// errors, not failures.
type BugSource interface {
	Enabled() bool
	GetBug(ctx context.Context, id string) (model.BugDetail, error)
}

// Syncer refreshes the upstream mirror documents.
type Syncer struct {
	store   Store
	source  CaseSource
	issues  IssueSource
	bugs    BugSource
	portal  config.PortalConfig
	tracker config.TrackerConfig
	logger  *slog.Logger
}

// NewSyncer creates a Syncer.
func NewSyncer(store Store, source CaseSource, issues IssueSource, bugSource BugSource, portalCfg config.PortalConfig, trackerCfg config.TrackerConfig) *Syncer {
	return &Syncer{
		store:   store,
		source:  source,
		issues:  issues,
		bugs:    bugSource,
		portal:  portalCfg,
		tracker: trackerCfg,
		logger:  slog.Default(),
	}
}

// SyncCases pulls the full case list from the portal and replaces the
// "cases" document. A fetch error leaves the previous snapshot untouched.
func (s *Syncer) SyncCases(ctx context.Context) error {
	start := time.Now()
	records, err := s.source.FetchCases(ctx, s.portal.Query, s.portal.Fields, s.portal.MaxResults)
	if err != nil {
		return fmt.Errorf("fetching cases: %w", err)
	}
	s.logger.Info("fetched cases", "count", len(records), "elapsed", time.Since(start))

	cases := make(map[string]model.Case, len(records))
	for _, rec := range records {
		cases[rec.CaseNumber] = normalizeCase(rec)
	}
	return s.store.Set(cache.KeyCases, cases)
}

func normalizeCase(rec portal.CaseRecord) model.Case {
	c := model.Case{
		CaseNumber:  rec.CaseNumber,
		Owner:       rec.Owner,
		Severity:    rec.Severity,
		Account:     rec.AccountName,
		Problem:     rec.Summary,
		Status:      rec.Status,
		CreatedAt:   parsePortalTime(rec.CreatedDate),
		LastUpdate:  parsePortalTime(rec.ModifiedDate),
		Description: rec.Description,
		Tags:        splitDelimited(rec.Tags),
		BugID:       rec.BugNumber,
	}
	if len(rec.Product) > 0 {
		c.Product = strings.TrimSpace(rec.Product[0] + " " + rec.Version)
	}
	if rec.ClosedDate != "" {
		c.ClosedAt = parsePortalTime(rec.ClosedDate)
	}
	return c
}

// splitDelimited normalizes the portal's tag field. When the upstream
// crams several tags into one semicolon-delimited element it is split
// into a proper set; a missing field becomes an empty slice, never nil.
func splitDelimited(values []string) []string {
	switch len(values) {
	case 0:
		return []string{}
	case 1:
		parts := strings.Split(values[0], ";")
		tags := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				tags = append(tags, p)
			}
		}
		return tags
	default:
		return values
	}
}

func parsePortalTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func parsePortalTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := parsePortalTime(s)
	if t.IsZero() {
		return nil
	}
	return &t
}

// Package aggregate builds the denormalized "cards" document: every
// tracker card matching the configured query, joined with its case, bug,
// issue, escalation, watchlist and detail records.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fieldeng/casebridge/internal/cache"
	"github.com/fieldeng/casebridge/internal/config"
	"github.com/fieldeng/casebridge/internal/model"
	"github.com/fieldeng/casebridge/internal/tracker"
)

// cardFetchWorkers bounds concurrent per-card comment and link fetches.
const cardFetchWorkers = 8

// caseLinkTitle is the remote link title that carries the case reference.
const caseLinkTitle = "Support Case"

// Store is the slice of the cache the aggregator needs.
type Store interface {
	Get(key string, v any) bool
	Set(key string, v any) error
	Delete(key string) error
}

// CardSource is the tracker capability surface consumed here.
type CardSource interface {
	SearchCards(ctx context.Context, jql string, maxResults int) ([]tracker.Card, error)
	ListComments(ctx context.Context, key string) ([]tracker.CardComment, error)
	ListRemoteLinks(ctx context.Context, key string) ([]tracker.RemoteLink, error)
}

// ErrUnmappedStatus marks a native tracker status missing from the status
// table. This is a configuration problem and aborts the whole refresh
// rather than silently dropping cards.
var ErrUnmappedStatus = errors.New("unmapped tracker status")

// statusTable maps the tracker's native workflow states to the canonical
// card statuses the dashboard understands.
var statusTable = map[string]string{
	"New":                  "New",
	"To Do":                "Backlog",
	"Open":                 "Debugging",
	"In Progress":          "Eng Working",
	"Code Review":          "Backport",
	"QE Review":            "Ready To Close",
	"Blocked":              "Blocked",
	"Won't Fix / Obsolete": "Done",
	"Done":                 "Done",
	"Closed":               "Done",
}

func canonicalStatus(native string) (string, error) {
	mapped, ok := statusTable[native]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnmappedStatus, native)
	}
	return mapped, nil
}

// Aggregator produces the "cards" cache document.
type Aggregator struct {
	store   Store
	tracker CardSource
	cfg     config.TrackerConfig
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an Aggregator.
func New(store Store, source CardSource, cfg config.TrackerConfig) *Aggregator {
	return &Aggregator{
		store:   store,
		tracker: source,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// snapshot bundles the cache documents a card join reads from.
type snapshot struct {
	cases       map[string]model.Case
	details     map[string]model.CaseDetail
	bugs        map[string][]model.BugDetail
	issues      map[string][]model.IssueRef
	escalations map[string]bool
	watchlist   map[string]bool
}

func (a *Aggregator) loadSnapshot() snapshot {
	snap := snapshot{
		cases:       map[string]model.Case{},
		details:     map[string]model.CaseDetail{},
		bugs:        map[string][]model.BugDetail{},
		issues:      map[string][]model.IssueRef{},
		escalations: map[string]bool{},
		watchlist:   map[string]bool{},
	}
	a.store.Get(cache.KeyCases, &snap.cases)
	a.store.Get(cache.KeyDetails, &snap.details)
	a.store.Get(cache.KeyBugs, &snap.bugs)
	a.store.Get(cache.KeyIssues, &snap.issues)

	var escalations, watchlist []string
	a.store.Get(cache.KeyEscalations, &escalations)
	a.store.Get(cache.KeyWatchlist, &watchlist)
	for _, n := range escalations {
		snap.escalations[n] = true
	}
	for _, n := range watchlist {
		snap.watchlist[n] = true
	}
	return snap
}

// SyncCards searches the tracker for every card carrying the query label,
// joins each with the cached case state and replaces the "cards" document.
// Cards that do not resolve to a cached case are discarded. A failure on
// one card is logged and the batch continues; an unmapped status aborts.
func (a *Aggregator) SyncCards(ctx context.Context) error {
	snap := a.loadSnapshot()

	jql := fmt.Sprintf("project = %s AND labels = %q", a.cfg.Project, a.cfg.QueryLabel)
	tracked, err := a.tracker.SearchCards(ctx, jql, a.cfg.MaxResults)
	if err != nil {
		return fmt.Errorf("searching tracker cards: %w", err)
	}

	out := make(map[string]model.Card)
	var (
		mu   sync.Mutex
		done int
	)
	total := len(tracked)

	// Progress must not outlive the refresh, however it ends.
	defer func() {
		if err := a.store.Delete(cache.KeyProgress); err != nil {
			a.logger.Warn("clearing refresh progress failed", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cardFetchWorkers)
	for _, tc := range tracked {
		tc := tc
		g.Go(func() error {
			card, ok, err := a.buildCard(gctx, tc, snap)

			mu.Lock()
			defer mu.Unlock()
			done++
			a.reportProgress(done, total)
			switch {
			case errors.Is(err, ErrUnmappedStatus):
				return err
			case err != nil:
				a.logger.Warn("building card failed, continuing", "card", tc.Key, "error", err)
				return nil
			case !ok:
				return nil
			}
			out[tc.Key] = card
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := a.store.Set(cache.KeyCards, out); err != nil {
		return err
	}
	if err := a.store.Set(cache.KeyTimestamp, a.now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	a.logger.Info("card refresh complete", "cards", len(out), "searched", total)
	return nil
}

func (a *Aggregator) reportProgress(current, total int) {
	p := model.Progress{Current: current, Total: total, Status: "running"}
	if err := a.store.Set(cache.KeyProgress, p); err != nil {
		a.logger.Warn("writing refresh progress failed", "error", err)
	}
}

// buildCard joins one tracker card with the cached case state. ok is false
// when the card does not resolve to a known case and must be discarded.
func (a *Aggregator) buildCard(ctx context.Context, tc tracker.Card, snap snapshot) (model.Card, bool, error) {
	links, err := a.tracker.ListRemoteLinks(ctx, tc.Key)
	if err != nil {
		return model.Card{}, false, fmt.Errorf("listing remote links: %w", err)
	}
	number := ""
	for _, link := range links {
		if link.Title == caseLinkTitle {
			number = caseNumberFromURL(link.URL)
			break
		}
	}
	c, known := snap.cases[number]
	if number == "" || !known {
		a.logger.Debug("card has no resolvable case, discarding", "card", tc.Key)
		return model.Card{}, false, nil
	}

	status, err := canonicalStatus(tc.Status)
	if err != nil {
		return model.Card{}, false, err
	}

	rawComments, err := a.tracker.ListComments(ctx, tc.Key)
	if err != nil {
		return model.Card{}, false, fmt.Errorf("listing comments: %w", err)
	}
	comments := make([]model.Comment, 0, len(rawComments))
	for _, rc := range rawComments {
		comments = append(comments, model.Comment{
			Body:    rewriteLinks(rc.Body),
			Updated: rc.Updated,
		})
	}

	escalated := snap.escalations[number]
	detail := snap.details[number]
	card := model.Card{
		Status:              status,
		CreatedAt:           tc.Created,
		Account:             c.Account,
		Summary:             tc.Summary,
		Description:         c.Description,
		Comments:            comments,
		Contributors:        toAssignees(tc.Contributors),
		CaseNumber:          number,
		Tags:                c.Tags,
		Labels:              tc.Labels,
		Bugs:                snap.bugs[number],
		Issues:              snap.issues[number],
		Severity:            severityWord(c.Severity),
		Priority:            tc.Priority,
		Escalated:           escalated,
		PotentialEscalation: !escalated && hasLabel(tc.Labels, "PotentialEscalation"),
		Watched:             snap.watchlist[number],
		Product:             c.Product,
		CaseStatus:          c.Status,
		CritSit:             detail.CritSit,
		GroupName:           detail.GroupName,
		CaseUpdatedAt:       c.LastUpdate,
		CaseDaysOpen:        int(a.now().Sub(c.CreatedAt).Hours() / 24),
		CaseCreatedAt:       c.CreatedAt,
		NotifiedUsers:       detail.NotifiedUsers,
		ReliefAt:            detail.ReliefAt,
		ResolvedAt:          detail.ResolvedAt,
	}
	if tc.Assignee != nil {
		card.Assignee = model.Assignee{
			DisplayName: tc.Assignee.DisplayName,
			Key:         tc.Assignee.Key,
			Name:        tc.Assignee.Name,
		}
	}
	return card, true, nil
}

func toAssignees(users []tracker.User) []model.Assignee {
	out := make([]model.Assignee, 0, len(users))
	for _, u := range users {
		out = append(out, model.Assignee{DisplayName: u.DisplayName, Key: u.Key, Name: u.Name})
	}
	return out
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// severityWord strips the numeric prefix from the portal severity form,
// "2 (High)" becoming "High".
func severityWord(s string) string {
	if i := strings.Index(s, "("); i >= 0 {
		return strings.TrimSuffix(strings.TrimSpace(s[i+1:]), ")")
	}
	return s
}

// caseNumberFromURL extracts the case number from a case link. Two shapes
// occur in the wild: a path segment after "cases" and a single-page-app
// fragment after "case".
func caseNumberFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if u.Fragment != "" {
		parts := strings.Split(strings.Trim(u.Fragment, "/"), "/")
		for i, p := range parts {
			if p == "case" && i+1 < len(parts) {
				return parts[i+1]
			}
		}
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if p == "cases" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

var (
	bracketLinkRe = regexp.MustCompile(`\[([^|\]]+)\|(https?://[^\]\s]+)\]`)
	plainURLRe    = regexp.MustCompile(`(^|[^">\]])(https?://[^\s|\]<"]+)`)
)

// rewriteLinks turns embedded URLs in a comment body into anchor markup.
// Bracketed tracker links ([text|url]) keep their text; bare URLs become
// self-labeled anchors.
func rewriteLinks(body string) string {
	body = bracketLinkRe.ReplaceAllString(body, `<a href="$2" target="_blank">$1</a>`)
	return plainURLRe.ReplaceAllString(body, `$1<a href="$2" target="_blank">$2</a>`)
}

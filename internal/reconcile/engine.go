// Package reconcile ensures every qualifying open case has exactly one
// tracker card. Cases without a card are either matched to a dormant
// prior card and reopened, or get a fresh card assigned to a team member.
// A safety valve aborts the run when the uncovered count looks wrong.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/fieldeng/casebridge/internal/cache"
	"github.com/fieldeng/casebridge/internal/config"
	"github.com/fieldeng/casebridge/internal/model"
	"github.com/fieldeng/casebridge/internal/tracker"
)

// reopenAge is how old a case must be before an uncovered case is treated
// as a candidate for reopening a prior card instead of creating a new one.
const reopenAge = 15 * 24 * time.Hour

const inProgressState = "In Progress"

// Store is the slice of the cache the engine needs.
type Store interface {
	Get(key string, v any) bool
	Set(key string, v any) error
}

// CardWriter is the tracker capability surface consumed here.
type CardWriter interface {
	SearchCards(ctx context.Context, jql string, maxResults int) ([]tracker.Card, error)
	GetCard(ctx context.Context, key string) (tracker.Card, error)
	CreateCard(ctx context.Context, fields tracker.CardFields) (string, error)
	TransitionCard(ctx context.Context, key, state string) error
	ActiveSprint(ctx context.Context, board string) (tracker.Sprint, error)
	AddToSprint(ctx context.Context, sprintID int, keys []string) error
	AddLink(ctx context.Context, key, linkURL, title string) error
	AddComment(ctx context.Context, key, text string) error
	UpdatePriority(ctx context.Context, key, priority string) error
}

// WatcherAdder subscribes a user to case updates on the portal side.
type WatcherAdder interface {
	AddCaseWatcher(ctx context.Context, caseNumber, user string) error
}

// Notifier delivers the per-run notifications.
type Notifier interface {
	NotifyNewCards(ctx context.Context, payloads map[string]model.NotificationPayload, caseNumbers []string) error
	Alert(subject, body string) error
}

// Result is what one reconciliation run produced.
type Result struct {
	Created   map[string]model.Card
	Payloads  map[string]model.NotificationPayload
	Processed []string
	Reopened  []string
	Aborted   bool
}

// Engine drives reconciliation runs.
type Engine struct {
	store   Store
	tracker CardWriter
	portal  WatcherAdder
	notify  Notifier
	cfg     config.Config
	logger  *slog.Logger
	now     func() time.Time
	pick    func(n int) int
}

// New creates an Engine.
func New(store Store, cardWriter CardWriter, portal WatcherAdder, notify Notifier, cfg config.Config) *Engine {
	return &Engine{
		store:   store,
		tracker: cardWriter,
		portal:  portal,
		notify:  notify,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		pick:    rand.Intn,
	}
}

var priorityByWord = map[string]string{
	"Urgent": "Critical",
	"High":   "Major",
	"Normal": "Normal",
	"Low":    "Minor",
}

func severityWord(s string) string {
	if i := strings.Index(s, "("); i >= 0 {
		return strings.TrimSuffix(strings.TrimSpace(s[i+1:]), ")")
	}
	return s
}

func priorityFor(severity string) string {
	if p, ok := priorityByWord[severityWord(severity)]; ok {
		return p
	}
	return "Normal"
}

// Reconcile compares the open case set against the covered cards and
// closes the gap. The safety valve is evaluated on the set of cases that
// would need a brand new card, after reopen detection; when it trips
// nothing is mutated and a single alert lists every uncovered case.
func (e *Engine) Reconcile(ctx context.Context) (Result, error) {
	cases := map[string]model.Case{}
	cards := map[string]model.Card{}
	e.store.Get(cache.KeyCases, &cases)
	e.store.Get(cache.KeyCards, &cards)

	covered := make(map[string]bool, len(cards))
	for _, card := range cards {
		covered[card.CaseNumber] = true
	}

	var uncovered []string
	for number, c := range cases {
		if c.Open() && !covered[number] {
			uncovered = append(uncovered, number)
		}
	}
	sort.Strings(uncovered)

	if len(uncovered) == 0 {
		e.logger.Info("reconciliation found no uncovered cases")
		return Result{}, nil
	}

	// Detect reopens first; detection only searches, it never mutates,
	// so the safety valve can still veto the whole run afterwards.
	reopens := map[string]string{}
	var toCreate []string
	for _, number := range uncovered {
		c := cases[number]
		if e.now().Sub(c.CreatedAt) > reopenAge {
			if key, found := e.findPriorCard(ctx, number); found {
				reopens[number] = key
				continue
			}
		}
		toCreate = append(toCreate, number)
	}

	if len(toCreate) > e.cfg.Reconcile.MaxToCreate {
		e.logger.Warn("safety valve tripped, aborting reconciliation",
			"uncovered", len(uncovered), "to_create", len(toCreate), "max", e.cfg.Reconcile.MaxToCreate)
		subject := "High New Case Count Detected"
		body := fmt.Sprintf("Reconciliation wanted to create %d cards (limit %d). No cards were created.\n\nUncovered cases:\n%s\n",
			len(toCreate), e.cfg.Reconcile.MaxToCreate, strings.Join(uncovered, "\n"))
		if err := e.notify.Alert(subject, body); err != nil {
			e.logger.Error("sending safety valve alert failed", "error", err)
		}
		return Result{Aborted: true}, nil
	}

	sprintID := e.resolveSprint(ctx)

	result := Result{
		Created:  map[string]model.Card{},
		Payloads: map[string]model.NotificationPayload{},
	}
	for _, number := range uncovered {
		if key, ok := reopens[number]; ok {
			if err := e.reopenCard(ctx, key, number, sprintID); err != nil {
				e.logger.Error("reopening card failed", "card", key, "case", number, "error", err)
				continue
			}
			result.Reopened = append(result.Reopened, number)
			result.Processed = append(result.Processed, number)
			continue
		}

		key, card, payload, err := e.createCard(ctx, cases[number], sprintID)
		if err != nil {
			e.logger.Error("creating card failed", "case", number, "error", err)
			continue
		}
		result.Created[key] = card
		result.Payloads[key] = payload
		result.Processed = append(result.Processed, number)
	}

	if len(result.Created) > 0 {
		e.mergeNewCards(result.Created)
		if err := e.notify.NotifyNewCards(ctx, result.Payloads, result.Processed); err != nil {
			e.logger.Error("notifying about new cards failed", "error", err)
		}
	}
	return result, nil
}

// findPriorCard looks for any existing card whose summary mentions the
// case number. Summaries embed the case number at creation, so this finds
// cards for cases that closed and came back.
func (e *Engine) findPriorCard(ctx context.Context, number string) (string, bool) {
	jql := fmt.Sprintf("project = %s AND summary ~ %q", e.cfg.Tracker.Project, number)
	found, err := e.tracker.SearchCards(ctx, jql, 10)
	if err != nil {
		e.logger.Warn("prior card search failed, treating case as new", "case", number, "error", err)
		return "", false
	}
	if len(found) == 0 {
		return "", false
	}
	return found[0].Key, true
}

func (e *Engine) resolveSprint(ctx context.Context) int {
	if e.cfg.Tracker.Board == "" {
		return 0
	}
	sprint, err := e.tracker.ActiveSprint(ctx, e.cfg.Tracker.Board)
	if err != nil {
		e.logger.Warn("resolving active sprint failed, skipping sprint placement", "error", err)
		return 0
	}
	return sprint.ID
}

func (e *Engine) reopenCard(ctx context.Context, key, number string, sprintID int) error {
	if sprintID != 0 {
		if err := e.tracker.AddToSprint(ctx, sprintID, []string{key}); err != nil {
			return fmt.Errorf("adding to sprint: %w", err)
		}
	}
	if err := e.tracker.TransitionCard(ctx, key, inProgressState); err != nil {
		return fmt.Errorf("transitioning: %w", err)
	}
	comment := fmt.Sprintf("Case %s is active again. This card has been pulled back into the "+
		"current sprint instead of creating a duplicate.", number)
	if err := e.tracker.AddComment(ctx, key, comment); err != nil {
		return fmt.Errorf("commenting: %w", err)
	}
	e.logger.Info("reopened prior card", "card", key, "case", number)
	return nil
}

// truncate caps a tracker text field at 253 characters, marking the cut
// with a two-char ellipsis. Cutting on a rune boundary keeps non-ASCII
// summaries valid UTF-8.
func truncate(s string) string {
	runes := []rune(s)
	if len(runes) > 253 {
		return string(runes[:253]) + ".."
	}
	return s
}

func (e *Engine) createCard(ctx context.Context, c model.Case, sprintID int) (string, model.Card, model.NotificationPayload, error) {
	member := e.assign(c)

	summary := truncate(fmt.Sprintf("%s: %s", c.CaseNumber, c.Problem))
	description := truncate(fmt.Sprintf(
		"This card was automatically created from the case dashboard sync job.\n\n"+
			"This card was created because it had a severity of %s.\n"+
			"The account for the case is %s and it is currently in %s status.\n\n"+
			"Description: %s",
		c.Severity, c.Account, c.Status, c.Description))

	fields := tracker.CardFields{
		Project:     e.cfg.Tracker.Project,
		IssueType:   e.cfg.Tracker.IssueType,
		Component:   e.cfg.Tracker.Component,
		Priority:    priorityFor(c.Severity),
		Labels:      e.cfg.Tracker.Labels,
		Summary:     summary,
		Description: description,
		Assignee:    member.TrackerUser,
	}
	key, err := e.tracker.CreateCard(ctx, fields)
	if err != nil {
		return "", model.Card{}, model.NotificationPayload{}, err
	}
	e.logger.Info("created card", "card", key, "case", c.CaseNumber, "assignee", member.Name)

	e.placeCard(ctx, key, c, sprintID)
	if member.Notify && member.TrackerUser != "" {
		if err := e.portal.AddCaseWatcher(ctx, c.CaseNumber, member.TrackerUser); err != nil {
			e.logger.Warn("adding case watcher failed", "case", c.CaseNumber, "user", member.TrackerUser, "error", err)
		}
	}

	card := model.Card{
		Status:        "New",
		CreatedAt:     e.now().UTC(),
		Account:       c.Account,
		Summary:       summary,
		Description:   c.Description,
		Comments:      []model.Comment{},
		Assignee:      model.Assignee{Name: member.TrackerUser, DisplayName: member.Name},
		CaseNumber:    c.CaseNumber,
		Tags:          c.Tags,
		Labels:        e.cfg.Tracker.Labels,
		Severity:      severityWord(c.Severity),
		Priority:      fields.Priority,
		Product:       c.Product,
		CaseStatus:    c.Status,
		CaseUpdatedAt: c.LastUpdate,
		CaseDaysOpen:  int(e.now().Sub(c.CreatedAt).Hours() / 24),
		CaseCreatedAt: c.CreatedAt,
	}

	body := fmt.Sprintf("A new card (%s) has been created to track a support case.\n"+
		"Case #: %s\nAccount: %s\nSeverity: %s\nStatus: %s\n"+
		"It is initially being tracked by %s.\n",
		key, c.CaseNumber, c.Account, c.Severity, c.Status, member.Name)
	descLine := fmt.Sprintf("Description: %s\n", c.Description)
	payload := model.NotificationPayload{
		Body:        body,
		Severity:    c.Severity,
		Description: descLine,
		Assignee:    member.Name,
		FullMessage: body + descLine,
	}
	return key, card, payload, nil
}

// placeCard does the post-creation housekeeping: sprint, workflow column
// and links back to the case and bug. None of these failing undoes the
// card; they are logged and the card stays.
func (e *Engine) placeCard(ctx context.Context, key string, c model.Case, sprintID int) {
	if sprintID != 0 {
		if err := e.tracker.AddToSprint(ctx, sprintID, []string{key}); err != nil {
			e.logger.Warn("adding card to sprint failed", "card", key, "error", err)
		}
	}
	if created, err := e.tracker.GetCard(ctx, key); err != nil {
		e.logger.Warn("reading created card failed", "card", key, "error", err)
	} else if created.Status == "New" || created.Status == "To Do" {
		if err := e.tracker.TransitionCard(ctx, key, inProgressState); err != nil {
			e.logger.Warn("transitioning card failed", "card", key, "error", err)
		}
	}

	if err := e.tracker.AddLink(ctx, key, e.caseURL(c.CaseNumber), "Support Case"); err != nil {
		e.logger.Warn("linking case failed", "card", key, "error", err)
	}
	if c.BugID != "" {
		bugURL := e.cfg.Bugs.BaseURL + "/show_bug.cgi?id=" + c.BugID
		if err := e.tracker.AddLink(ctx, key, bugURL, "Bug "+c.BugID); err != nil {
			e.logger.Warn("linking bug failed", "card", key, "error", err)
		}
	}
}

func (e *Engine) caseURL(number string) string {
	base := e.cfg.Portal.BaseURL
	if u, err := url.Parse(base); err == nil && u.Host != "" {
		base = u.Scheme + "://" + u.Host
	}
	return base + "/support/cases/" + number
}

// assign picks the team member for a case. An account substring match
// wins; otherwise pick at random, excluding whoever was picked last time
// when the team has more than one member.
func (e *Engine) assign(c model.Case) config.TeamMember {
	team := e.cfg.Reconcile.Team
	if len(team) == 0 {
		return config.TeamMember{}
	}

	account := strings.ToLower(c.Account)
	for _, member := range team {
		for _, owned := range member.Accounts {
			if owned != "" && strings.Contains(account, strings.ToLower(owned)) {
				return member
			}
		}
	}

	var last string
	e.store.Get(cache.KeyLastChoice, &last)
	candidates := team
	if len(team) > 1 && last != "" {
		candidates = make([]config.TeamMember, 0, len(team)-1)
		for _, member := range team {
			if member.Name != last {
				candidates = append(candidates, member)
			}
		}
		if len(candidates) == 0 {
			candidates = team
		}
	}

	chosen := candidates[e.pick(len(candidates))]
	if err := e.store.Set(cache.KeyLastChoice, chosen.Name); err != nil {
		e.logger.Warn("recording assignment choice failed", "error", err)
	}
	return chosen
}

func (e *Engine) mergeNewCards(created map[string]model.Card) {
	cards := map[string]model.Card{}
	e.store.Get(cache.KeyCards, &cards)
	for key, card := range created {
		cards[key] = card
	}
	if err := e.store.Set(cache.KeyCards, cards); err != nil {
		e.logger.Error("merging new cards into cache failed", "error", err)
	}
}

// SyncPriority realigns each cached card's tracker priority with the
// current case severity. Severities drift upstream after card creation.
func (e *Engine) SyncPriority(ctx context.Context) error {
	cards := map[string]model.Card{}
	e.store.Get(cache.KeyCards, &cards)

	keys := make([]string, 0, len(cards))
	for key := range cards {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		card := cards[key]
		want := priorityFor(card.Severity)
		if card.Priority == want {
			continue
		}
		if err := e.tracker.UpdatePriority(ctx, key, want); err != nil {
			e.logger.Warn("updating card priority failed", "card", key, "error", err)
			continue
		}
		e.logger.Info("updated card priority", "card", key, "from", card.Priority, "to", want)
		card.Priority = want
		cards[key] = card
	}
	return e.store.Set(cache.KeyCards, cards)
}

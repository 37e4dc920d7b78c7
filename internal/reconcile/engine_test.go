package reconcile

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/fieldeng/casebridge/internal/cache"
	"github.com/fieldeng/casebridge/internal/config"
	"github.com/fieldeng/casebridge/internal/model"
	"github.com/fieldeng/casebridge/internal/tracker"
)

type fakeWriter struct {
	prior map[string][]tracker.Card // case number -> prior cards

	created     []tracker.CardFields
	createdKeys []string
	transitions map[string][]string
	comments    map[string][]string
	links       map[string][]string
	sprintAdds  map[int][]string
	priorities  map[string]string
	sprint      tracker.Sprint
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{
		prior:       map[string][]tracker.Card{},
		transitions: map[string][]string{},
		comments:    map[string][]string{},
		links:       map[string][]string{},
		sprintAdds:  map[int][]string{},
		priorities:  map[string]string{},
	}
}

func (f *fakeWriter) SearchCards(_ context.Context, jql string, _ int) ([]tracker.Card, error) {
	for number, cards := range f.prior {
		if strings.Contains(jql, number) {
			return cards, nil
		}
	}
	return nil, nil
}

func (f *fakeWriter) GetCard(_ context.Context, key string) (tracker.Card, error) {
	return tracker.Card{Key: key, Status: "New"}, nil
}

func (f *fakeWriter) CreateCard(_ context.Context, fields tracker.CardFields) (string, error) {
	f.created = append(f.created, fields)
	key := fmt.Sprintf("FE-10%d", len(f.createdKeys))
	f.createdKeys = append(f.createdKeys, key)
	return key, nil
}

func (f *fakeWriter) TransitionCard(_ context.Context, key, state string) error {
	f.transitions[key] = append(f.transitions[key], state)
	return nil
}

func (f *fakeWriter) ActiveSprint(_ context.Context, _ string) (tracker.Sprint, error) {
	return f.sprint, nil
}

func (f *fakeWriter) AddToSprint(_ context.Context, sprintID int, keys []string) error {
	f.sprintAdds[sprintID] = append(f.sprintAdds[sprintID], keys...)
	return nil
}

func (f *fakeWriter) AddLink(_ context.Context, key, linkURL, title string) error {
	f.links[key] = append(f.links[key], title+" "+linkURL)
	return nil
}

func (f *fakeWriter) AddComment(_ context.Context, key, text string) error {
	f.comments[key] = append(f.comments[key], text)
	return nil
}

func (f *fakeWriter) UpdatePriority(_ context.Context, key, priority string) error {
	f.priorities[key] = priority
	return nil
}

type fakeWatcher struct {
	added []string
}

func (f *fakeWatcher) AddCaseWatcher(_ context.Context, caseNumber, user string) error {
	f.added = append(f.added, caseNumber+":"+user)
	return nil
}

type fakeNotify struct {
	payloads []map[string]model.NotificationPayload
	alerts   []string
}

func (f *fakeNotify) NotifyNewCards(_ context.Context, payloads map[string]model.NotificationPayload, _ []string) error {
	f.payloads = append(f.payloads, payloads)
	return nil
}

func (f *fakeNotify) Alert(subject, _ string) error {
	f.alerts = append(f.alerts, subject)
	return nil
}

func testEngineConfig() config.Config {
	cfg := config.Config{}
	cfg.Portal.BaseURL = "https://support.example.com/api"
	cfg.Tracker = config.TrackerConfig{
		Project:   "FE",
		Board:     "Field Engineering",
		IssueType: "Story",
		Component: "Labs & Field",
		Labels:    []string{"field"},
	}
	cfg.Bugs.BaseURL = "https://bugs.example.com"
	cfg.Reconcile = config.ReconcileConfig{
		MaxToCreate: 10,
		Team: []config.TeamMember{
			{Name: "Alice", TrackerUser: "alice", Accounts: []string{"acme"}, Notify: true},
		},
	}
	return cfg
}

func newTestEngine(t *testing.T, writer *fakeWriter, cfg config.Config) (*Engine, *cache.Store, *fakeWatcher, *fakeNotify) {
	t.Helper()
	store, err := cache.Open(":memory:")
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	watcher := &fakeWatcher{}
	notify := &fakeNotify{}
	e := New(store, writer, watcher, notify, cfg)
	e.now = func() time.Time { return time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC) }
	return e, store, watcher, notify
}

func seedCase(number, severity, account string, age time.Duration) model.Case {
	created := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC).Add(-age)
	return model.Case{
		CaseNumber: number,
		Severity:   severity,
		Account:    account,
		Problem:    "node down",
		Status:     "Open",
		CreatedAt:  created,
	}
}

func TestReconcileCreatesCard(t *testing.T) {
	writer := newFakeWriter()
	writer.sprint = tracker.Sprint{ID: 7}
	e, store, watcher, notify := newTestEngine(t, writer, testEngineConfig())

	cases := map[string]model.Case{
		"12345678": seedCase("12345678", "2 (High)", "Acme", 24*time.Hour),
	}
	if err := store.Set(cache.KeyCases, cases); err != nil {
		t.Fatal(err)
	}

	result, err := e.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if len(result.Created) != 1 || result.Aborted {
		t.Fatalf("result = %+v, want one created card", result)
	}
	if len(writer.created) != 1 {
		t.Fatalf("created %d cards in tracker", len(writer.created))
	}
	fields := writer.created[0]
	if fields.Priority != "Major" {
		t.Errorf("priority = %q, want Major", fields.Priority)
	}
	if fields.Assignee != "alice" {
		t.Errorf("assignee = %q, want alice", fields.Assignee)
	}
	if !strings.HasPrefix(fields.Summary, "12345678: ") {
		t.Errorf("summary = %q", fields.Summary)
	}

	key := writer.createdKeys[0]
	if got := writer.sprintAdds[7]; len(got) != 1 || got[0] != key {
		t.Errorf("sprint adds = %v", writer.sprintAdds)
	}
	if len(writer.transitions[key]) != 1 || writer.transitions[key][0] != inProgressState {
		t.Errorf("transitions = %v", writer.transitions[key])
	}
	if len(writer.links[key]) != 1 || !strings.HasPrefix(writer.links[key][0], "Support Case https://support.example.com/support/cases/12345678") {
		t.Errorf("links = %v", writer.links[key])
	}
	if len(watcher.added) != 1 || watcher.added[0] != "12345678:alice" {
		t.Errorf("watchers = %v", watcher.added)
	}

	if len(notify.payloads) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notify.payloads))
	}
	payload := notify.payloads[0][key]
	if !strings.Contains(payload.Body, "Case #: 12345678") {
		t.Errorf("payload body = %q", payload.Body)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	writer := newFakeWriter()
	e, store, _, _ := newTestEngine(t, writer, testEngineConfig())

	cases := map[string]model.Case{
		"12345678": seedCase("12345678", "2 (High)", "Acme", 24*time.Hour),
	}
	if err := store.Set(cache.KeyCases, cases); err != nil {
		t.Fatal(err)
	}

	first, err := e.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	if len(first.Created) != 1 {
		t.Fatalf("first run created %d cards", len(first.Created))
	}

	second, err := e.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if len(second.Created) != 0 {
		t.Errorf("second run created %d cards, want 0", len(second.Created))
	}
	if len(writer.created) != 1 {
		t.Errorf("tracker saw %d creates total, want 1", len(writer.created))
	}
}

func TestSafetyValve(t *testing.T) {
	writer := newFakeWriter()
	cfg := testEngineConfig()
	cfg.Reconcile.MaxToCreate = 10
	e, store, _, notify := newTestEngine(t, writer, cfg)

	cases := map[string]model.Case{}
	for i := 0; i < 11; i++ {
		number := "case-" + string(rune('a'+i))
		cases[number] = seedCase(number, "3 (Normal)", "Acme", 24*time.Hour)
	}
	if err := store.Set(cache.KeyCases, cases); err != nil {
		t.Fatal(err)
	}

	result, err := e.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !result.Aborted {
		t.Fatal("safety valve did not trip")
	}
	if len(writer.created) != 0 {
		t.Errorf("created %d cards despite valve", len(writer.created))
	}
	if len(notify.alerts) != 1 {
		t.Errorf("alerts = %d, want exactly 1", len(notify.alerts))
	}
	cards := map[string]model.Card{}
	if store.Get(cache.KeyCards, &cards) && len(cards) > 0 {
		t.Error("cache mutated despite aborted run")
	}
}

func TestSafetyValveAtThreshold(t *testing.T) {
	writer := newFakeWriter()
	cfg := testEngineConfig()
	cfg.Reconcile.MaxToCreate = 2
	e, store, _, notify := newTestEngine(t, writer, cfg)

	cases := map[string]model.Case{
		"a": seedCase("a", "3 (Normal)", "Acme", time.Hour),
		"b": seedCase("b", "3 (Normal)", "Acme", time.Hour),
	}
	if err := store.Set(cache.KeyCases, cases); err != nil {
		t.Fatal(err)
	}

	result, err := e.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Aborted || len(result.Created) != 2 {
		t.Errorf("exactly-at-limit run should proceed, got %+v", result)
	}
	if len(notify.alerts) != 0 {
		t.Errorf("unexpected alerts: %v", notify.alerts)
	}
}

func TestReopenInsteadOfCreate(t *testing.T) {
	writer := newFakeWriter()
	writer.prior["87654321"] = []tracker.Card{{Key: "FE-7", Summary: "87654321: old trouble"}}
	writer.sprint = tracker.Sprint{ID: 3}
	e, store, _, _ := newTestEngine(t, writer, testEngineConfig())

	cases := map[string]model.Case{
		"87654321": seedCase("87654321", "3 (Normal)", "Acme", 20*24*time.Hour),
	}
	if err := store.Set(cache.KeyCases, cases); err != nil {
		t.Fatal(err)
	}

	result, err := e.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(result.Created) != 0 || len(result.Reopened) != 1 {
		t.Fatalf("result = %+v, want one reopen and no creates", result)
	}
	if len(writer.created) != 0 {
		t.Error("new card created despite prior card")
	}
	if got := writer.sprintAdds[3]; len(got) != 1 || got[0] != "FE-7" {
		t.Errorf("sprint adds = %v", writer.sprintAdds)
	}
	if len(writer.transitions["FE-7"]) != 1 || writer.transitions["FE-7"][0] != inProgressState {
		t.Errorf("transitions = %v", writer.transitions["FE-7"])
	}
	if len(writer.comments["FE-7"]) != 1 {
		t.Errorf("comments = %v", writer.comments["FE-7"])
	}
}

func TestYoungCaseNotReopened(t *testing.T) {
	writer := newFakeWriter()
	writer.prior["11112222"] = []tracker.Card{{Key: "FE-8"}}
	e, store, _, _ := newTestEngine(t, writer, testEngineConfig())

	cases := map[string]model.Case{
		"11112222": seedCase("11112222", "3 (Normal)", "Acme", 5*24*time.Hour),
	}
	if err := store.Set(cache.KeyCases, cases); err != nil {
		t.Fatal(err)
	}

	result, err := e.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(result.Reopened) != 0 || len(result.Created) != 1 {
		t.Errorf("young case should get a fresh card, got %+v", result)
	}
}

func TestAssignAntiRepeat(t *testing.T) {
	writer := newFakeWriter()
	cfg := testEngineConfig()
	cfg.Reconcile.Team = []config.TeamMember{
		{Name: "Alice", TrackerUser: "alice"},
		{Name: "Bob", TrackerUser: "bob"},
		{Name: "Carol", TrackerUser: "carol"},
	}
	e, _, _, _ := newTestEngine(t, writer, cfg)

	unmatched := model.Case{Account: "Unknown Corp"}
	prev := e.assign(unmatched).Name
	for i := 0; i < 50; i++ {
		next := e.assign(unmatched).Name
		if next == prev {
			t.Fatalf("member %q assigned twice in a row", next)
		}
		prev = next
	}
}

func TestAssignAccountMatchWins(t *testing.T) {
	writer := newFakeWriter()
	cfg := testEngineConfig()
	cfg.Reconcile.Team = []config.TeamMember{
		{Name: "Alice", TrackerUser: "alice", Accounts: []string{"acme"}},
		{Name: "Bob", TrackerUser: "bob", Accounts: []string{"globex"}},
	}
	e, _, _, _ := newTestEngine(t, writer, cfg)

	got := e.assign(model.Case{Account: "ACME Industrial"})
	if got.Name != "Alice" {
		t.Errorf("assigned %q, want Alice via account match", got.Name)
	}
}

func TestSummaryTruncation(t *testing.T) {
	long := strings.Repeat("x", 400)
	got := truncate(long)
	if len(got) != 255 || !strings.HasSuffix(got, "..") {
		t.Errorf("len = %d, suffix ok = %v", len(got), strings.HasSuffix(got, ".."))
	}
	if truncate("short") != "short" {
		t.Error("short string modified")
	}
}

func TestSummaryTruncationMultibyte(t *testing.T) {
	long := strings.Repeat("é", 300)
	got := truncate(long)
	if !utf8.ValidString(got) {
		t.Fatal("truncation split a rune")
	}
	if n := utf8.RuneCountInString(got); n != 255 {
		t.Errorf("rune count = %d, want 255", n)
	}
	if !strings.HasSuffix(got, "..") {
		t.Errorf("missing ellipsis: %q", got[len(got)-8:])
	}
}

func TestSyncPriority(t *testing.T) {
	writer := newFakeWriter()
	e, store, _, _ := newTestEngine(t, writer, testEngineConfig())

	cards := map[string]model.Card{
		"FE-1": {CaseNumber: "1", Severity: "High", Priority: "Normal"},
		"FE-2": {CaseNumber: "2", Severity: "Low", Priority: "Minor"},
	}
	if err := store.Set(cache.KeyCards, cards); err != nil {
		t.Fatal(err)
	}

	if err := e.SyncPriority(context.Background()); err != nil {
		t.Fatalf("SyncPriority: %v", err)
	}
	if writer.priorities["FE-1"] != "Major" {
		t.Errorf("FE-1 priority = %q, want Major", writer.priorities["FE-1"])
	}
	if _, touched := writer.priorities["FE-2"]; touched {
		t.Error("aligned card was updated")
	}

	updated := map[string]model.Card{}
	store.Get(cache.KeyCards, &updated)
	if updated["FE-1"].Priority != "Major" {
		t.Error("cache not updated with new priority")
	}
}

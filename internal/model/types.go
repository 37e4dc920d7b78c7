package model

import "time"

// Case is a customer support case as normalized from the portal search API.
// A full refresh replaces the whole case set; individual cases are never
// mutated between refreshes.
type Case struct {
	CaseNumber  string    `json:"case_number"`
	Owner       string    `json:"owner"`
	Severity    string    `json:"severity"` // portal form, e.g. "2 (High)"
	Account     string    `json:"account"`
	Problem     string    `json:"problem"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdate  time.Time `json:"last_update"`
	ClosedAt    time.Time `json:"closed_at,omitzero"`
	Description string    `json:"description"`
	Product     string    `json:"product"`
	Tags        []string  `json:"tags"`
	BugID       string    `json:"bug_id,omitempty"`
}

// Open reports whether the case is still being worked.
func (c Case) Open() bool { return c.Status != "Closed" }

// Assignee identifies a tracker user.
type Assignee struct {
	DisplayName string `json:"display_name"`
	Key         string `json:"key"`
	Name        string `json:"name"`
}

// Comment is a single tracker card comment. Bodies have embedded URLs
// rewritten to anchor markup before they are cached.
type Comment struct {
	Body    string    `json:"body"`
	Updated time.Time `json:"updated"`
}

// Card is the denormalized join of a tracker card with its case, bug,
// issue, escalation, watchlist and detail records. Keyed by tracker card
// id in the "cards" cache document.
type Card struct {
	Status              string      `json:"card_status"` // canonical, via the status map
	CreatedAt           time.Time   `json:"card_created"`
	Account             string      `json:"account"`
	Summary             string      `json:"summary"`
	Description         string      `json:"description"`
	Comments            []Comment   `json:"comments"`
	Assignee            Assignee    `json:"assignee"`
	Contributors        []Assignee  `json:"contributors"`
	CaseNumber          string      `json:"case_number"`
	Tags                []string    `json:"tags"`
	Labels              []string    `json:"labels"`
	Bugs                []BugDetail `json:"bugs"`
	Issues              []IssueRef  `json:"issues"`
	Severity            string      `json:"severity"` // word form: Urgent, High, ...
	Priority            string      `json:"priority"`
	Escalated           bool        `json:"escalated"`
	EscalationURL       string      `json:"escalation_url,omitempty"`
	PotentialEscalation bool        `json:"potential_escalation"`
	Watched             bool        `json:"watched"`
	Product             string      `json:"product"`
	CaseStatus          string      `json:"case_status"`
	CritSit             bool        `json:"crit_sit"`
	GroupName           string      `json:"group_name,omitempty"`
	CaseUpdatedAt       time.Time   `json:"case_updated_at"`
	CaseDaysOpen        int         `json:"case_days_open"`
	CaseCreatedAt       time.Time   `json:"case_created"`
	NotifiedUsers       []string    `json:"notified_users"`
	ReliefAt            *time.Time  `json:"relief_at,omitempty"`
	ResolvedAt          *time.Time  `json:"resolved_at,omitempty"`
}

// CaseDetail holds the per-case fields only available from the single-case
// portal endpoint. Cached under "details" for open cases only.
type CaseDetail struct {
	CritSit       bool       `json:"crit_sit"`
	GroupName     string     `json:"group_name,omitempty"`
	NotifiedUsers []string   `json:"notified_users"`
	ReliefAt      *time.Time `json:"relief_at,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// BugDetail describes a bug linked to a case, enriched from the bug
// tracker where the bug is accessible.
type BugDetail struct {
	Number        string   `json:"number"`
	URL           string   `json:"url,omitempty"`
	Summary       string   `json:"summary,omitempty"`
	TargetRelease []string `json:"target_release"`
	Assignee      string   `json:"assignee,omitempty"`
	QAContact     string   `json:"qa_contact,omitempty"`
	Severity      string   `json:"severity,omitempty"`
	LastChangedAt string   `json:"last_changed_at,omitempty"`
}

// MissingTarget reports whether the bug has no usable target release.
// "---" is the tracker's placeholder for an unset target.
func (b BugDetail) MissingTarget() bool {
	return len(b.TargetRelease) == 0 || b.TargetRelease[0] == "---"
}

// IssueRef describes a tracker issue linked to a case via the portal.
type IssueRef struct {
	ID          string   `json:"id"`
	URL         string   `json:"url"`
	Title       string   `json:"title"`
	Status      string   `json:"status"`
	Updated     string   `json:"updated"`
	QAContact   string   `json:"qa_contact,omitempty"`
	Assignee    string   `json:"assignee,omitempty"`
	FixVersions []string `json:"fix_versions"`
	Priority    string   `json:"priority,omitempty"`
	Severity    string   `json:"jira_severity,omitempty"`
	Type        string   `json:"jira_type,omitempty"`
}

// MissingTarget reports whether the issue has no usable fix version.
func (i IssueRef) MissingTarget() bool {
	return len(i.FixVersions) == 0 || i.FixVersions[0] == "---"
}

// NotificationPayload is emitted for each newly created card. It is never
// persisted; the notification sink consumes it and it is gone.
type NotificationPayload struct {
	Body        string `json:"body"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Assignee    string `json:"assignee,omitempty"`
	FullMessage string `json:"full_message"`
}

// BugStats summarizes bug-tracking completeness across open cases.
type BugStats struct {
	Unique   int `json:"unique"`
	NoTarget int `json:"no_target"`
}

// StatsSnapshot is one day's worth of derived metrics. The stats time
// series maps "YYYY-MM-DD" to one of these; history is append-only.
type StatsSnapshot struct {
	ByCustomer        map[string]int `json:"by_customer"`
	ByEngineer        map[string]int `json:"by_engineer"`
	BySeverity        map[string]int `json:"by_severity"`
	ByStatus          map[string]int `json:"by_status"`
	HighPrio          int            `json:"high_prio"`
	Escalated         int            `json:"escalated"`
	OpenCases         int            `json:"open_cases"`
	WeeklyClosedCases int            `json:"weekly_closed_cases"`
	WeeklyOpenedCases int            `json:"weekly_opened_cases"`
	DailyClosedCases  int            `json:"daily_closed_cases"`
	DailyOpenedCases  int            `json:"daily_opened_cases"`
	NoUpdates         int            `json:"no_updates"`
	NoBugs            int            `json:"no_bzs"`
	Bugs              BugStats       `json:"bugs"`
	CritSit           int            `json:"crit_sit"`
	TotalEscalations  int            `json:"total_escalations"`
}

// Progress is written to the refresh-progress cache key while a card
// refresh runs so a polling client can render a progress bar.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Status  string `json:"status"`
}

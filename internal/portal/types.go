package portal

// CaseRecord mirrors one document from the portal case search API. Field
// names follow the upstream wire format; normalization into model.Case
// happens in the snapshot builder.
type CaseRecord struct {
	CaseNumber   string   `json:"case_number"`
	Owner        string   `json:"case_owner"`
	Severity     string   `json:"case_severity"`
	AccountName  string   `json:"case_account_name"`
	Summary      string   `json:"case_summary"`
	Status       string   `json:"case_status"`
	CreatedDate  string   `json:"case_createdDate"`
	ModifiedDate string   `json:"case_lastModifiedDate"`
	ClosedDate   string   `json:"case_closedDate,omitempty"`
	Description  string   `json:"case_description"`
	Product      []string `json:"case_product"`
	Version      string   `json:"case_version"`
	Tags         []string `json:"case_tags,omitempty"`
	BugNumber    string   `json:"case_bugzillaNumber,omitempty"`
}

// DetailRecord mirrors the single-case endpoint response.
type DetailRecord struct {
	CritSit       bool           `json:"critSit"`
	GroupName     string         `json:"groupName"`
	NotifiedUsers []NotifiedUser `json:"notifiedUsers"`
	ReliefAt      string         `json:"reliefAt"`
	ResolvedAt    string         `json:"resolvedAt"`
	Bugs          []BugRef       `json:"bugzillas"`
}

type NotifiedUser struct {
	SSOUsername string `json:"ssoUsername"`
}

// BugRef is a bug link as the portal reports it, before enrichment from
// the bug tracker.
type BugRef struct {
	Number string `json:"bugzillaNumber"`
	URL    string `json:"resourceURL,omitempty"`
}

// LinkedIssue is a tracker issue the portal has associated with a case.
type LinkedIssue struct {
	ResourceKey  string `json:"resourceKey"`
	ResourceURL  string `json:"resourceURL"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	ModifiedDate string `json:"lastModifiedDate"`
}

// WatchEntry is one escalation-watch record; each covers a set of cases.
type WatchEntry struct {
	Cases []WatchedCase `json:"cases"`
}

type WatchedCase struct {
	CaseNumber string `json:"caseNumber"`
}

package tracker

import "time"

// User is a tracker account reference.
type User struct {
	DisplayName string `json:"displayName"`
	Key         string `json:"key"`
	Name        string `json:"name"`
}

// Card is a tracker card with the fields the sync pipeline consumes.
type Card struct {
	Key          string
	Summary      string
	Status       string
	Created      time.Time
	Labels       []string
	Priority     string
	Assignee     *User
	Contributors []User
	Type         string
	FixVersions  []string
	QAContact    string
	Severity     string
	CaseField    string // escalation boards carry the case number in a dedicated field
}

// CardComment is one comment on a card, oldest first.
type CardComment struct {
	Body    string    `json:"body"`
	Updated time.Time `json:"updated"`
}

// RemoteLink is an external web link attached to a card.
type RemoteLink struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// CardFields is the field set for card creation.
type CardFields struct {
	Project     string
	IssueType   string
	Component   string
	Priority    string
	Labels      []string
	Summary     string
	Description string
	Assignee    string // tracker username; empty leaves the card unassigned
}

// Sprint identifies a board sprint.
type Sprint struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// wire shapes

type issueEnvelope struct {
	Key    string      `json:"key"`
	Fields issueFields `json:"fields"`
}

type issueFields struct {
	Summary      string       `json:"summary"`
	Status       namedField   `json:"status"`
	Priority     namedField   `json:"priority"`
	Created      time.Time    `json:"created"`
	Labels       []string     `json:"labels"`
	Assignee     *User        `json:"assignee"`
	Contributors []User       `json:"contributors"`
	IssueType    namedField   `json:"issuetype"`
	FixVersions  []namedField `json:"fixVersions"`
	QAContact    *User        `json:"qa_contact"`
	Severity     namedField   `json:"severity"`
	CaseField    string       `json:"case_number"`
}

type namedField struct {
	Name string `json:"name"`
}

func (e issueEnvelope) card() Card {
	var fixVersions []string
	for _, v := range e.Fields.FixVersions {
		fixVersions = append(fixVersions, v.Name)
	}
	var qaContact string
	if e.Fields.QAContact != nil {
		qaContact = e.Fields.QAContact.Name
	}
	return Card{
		Key:          e.Key,
		Summary:      e.Fields.Summary,
		Status:       e.Fields.Status.Name,
		Created:      e.Fields.Created,
		Labels:       e.Fields.Labels,
		Priority:     e.Fields.Priority.Name,
		Assignee:     e.Fields.Assignee,
		Contributors: e.Fields.Contributors,
		Type:         e.Fields.IssueType.Name,
		FixVersions:  fixVersions,
		QAContact:    qaContact,
		Severity:     e.Fields.Severity.Name,
		CaseField:    e.Fields.CaseField,
	}
}

package bugs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fieldeng/casebridge/internal/model"
)

// Tagged fetch outcomes. Restricted and not-found bugs are expected
// conditions, not failures: callers fill in placeholder fields and move
// on. Anything else is transient and retried at the job level.
var (
	ErrRestricted = errors.New("bug is restricted")
	ErrNotFound   = errors.New("bug not found")
)

// Client talks to the bug tracker REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client for the bug tracker at baseURL. An empty apiKey
// disables enrichment entirely (the bug sync job checks Enabled).
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Enabled reports whether an API key is configured.
func (c *Client) Enabled() bool { return c.apiKey != "" }

type bugResponse struct {
	Bugs []struct {
		ID            int      `json:"id"`
		Summary       string   `json:"summary"`
		TargetRelease []string `json:"target_release"`
		AssignedTo    string   `json:"assigned_to"`
		QAContact     string   `json:"qa_contact"`
		Severity      string   `json:"severity"`
		LastChange    string   `json:"last_change_time"`
	} `json:"bugs"`
}

// GetBug fetches one bug. A 401/403 means the bug is access-restricted
// and yields ErrRestricted; a 404 yields ErrNotFound.
func (c *Client) GetBug(ctx context.Context, id string) (model.BugDetail, error) {
	q := url.Values{"api_key": {c.apiKey}}
	u := c.baseURL + "/rest/bug/" + id + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return model.BugDetail{}, fmt.Errorf("creating bug request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.BugDetail{}, fmt.Errorf("fetching bug %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return model.BugDetail{}, fmt.Errorf("bug %s: %w", id, ErrRestricted)
	case resp.StatusCode == http.StatusNotFound:
		return model.BugDetail{}, fmt.Errorf("bug %s: %w", id, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return model.BugDetail{}, fmt.Errorf("bug %s: unexpected status %d", id, resp.StatusCode)
	}

	var br bugResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return model.BugDetail{}, fmt.Errorf("decoding bug %s: %w", id, err)
	}
	if len(br.Bugs) == 0 {
		return model.BugDetail{}, fmt.Errorf("bug %s: %w", id, ErrNotFound)
	}

	bug := br.Bugs[0]
	var lastChanged string
	if bug.LastChange != "" {
		if t, err := time.Parse(time.RFC3339, bug.LastChange); err == nil {
			lastChanged = t.Format("2006-01-02")
		} else {
			lastChanged = bug.LastChange
		}
	}
	return model.BugDetail{
		Number:        id,
		URL:           c.baseURL + "/show_bug.cgi?id=" + id,
		Summary:       bug.Summary,
		TargetRelease: bug.TargetRelease,
		Assignee:      bug.AssignedTo,
		QAContact:     bug.QAContact,
		Severity:      bug.Severity,
		LastChangedAt: lastChanged,
	}, nil
}

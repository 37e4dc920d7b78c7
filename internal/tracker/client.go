package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to the issue tracker REST API with token auth.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a Client for the tracker at baseURL.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tracker request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("tracker %s: %w", path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("tracker %s: unexpected status %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding tracker %s response: %w", path, err)
		}
	}
	return nil
}

// ErrNotFound marks a card or resource the tracker does not expose to us.
var ErrNotFound = fmt.Errorf("not found")

type searchResponse struct {
	Issues []issueEnvelope `json:"issues"`
}

// SearchCards runs a JQL query and returns matching cards with their
// core fields populated.
func (c *Client) SearchCards(ctx context.Context, jql string, maxResults int) ([]Card, error) {
	q := url.Values{
		"jql":        {jql},
		"maxResults": {strconv.Itoa(maxResults)},
	}
	var sr searchResponse
	if err := c.doJSON(ctx, http.MethodGet, "/rest/api/2/search", q, nil, &sr); err != nil {
		return nil, err
	}
	cards := make([]Card, len(sr.Issues))
	for i, issue := range sr.Issues {
		cards[i] = issue.card()
	}
	return cards, nil
}

// GetCard fetches a single card by key.
func (c *Client) GetCard(ctx context.Context, key string) (Card, error) {
	var env issueEnvelope
	if err := c.doJSON(ctx, http.MethodGet, "/rest/api/2/issue/"+key, nil, nil, &env); err != nil {
		return Card{}, err
	}
	return env.card(), nil
}

type commentsResponse struct {
	Comments []CardComment `json:"comments"`
}

// ListComments returns a card's comments, oldest first.
func (c *Client) ListComments(ctx context.Context, key string) ([]CardComment, error) {
	var cr commentsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/rest/api/2/issue/"+key+"/comment", nil, nil, &cr); err != nil {
		return nil, err
	}
	return cr.Comments, nil
}

// CreateCard creates a card and returns its key.
func (c *Client) CreateCard(ctx context.Context, fields CardFields) (string, error) {
	wire := map[string]any{
		"project":     map[string]string{"key": fields.Project},
		"issuetype":   map[string]string{"name": fields.IssueType},
		"components":  []map[string]string{{"name": fields.Component}},
		"priority":    map[string]string{"name": fields.Priority},
		"labels":      fields.Labels,
		"summary":     fields.Summary,
		"description": fields.Description,
	}
	if fields.Assignee != "" {
		wire["assignee"] = map[string]string{"name": fields.Assignee}
	}

	var created struct {
		Key string `json:"key"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/rest/api/2/issue", nil, map[string]any{"fields": wire}, &created); err != nil {
		return "", err
	}
	if created.Key == "" {
		return "", fmt.Errorf("tracker returned empty card key")
	}
	return created.Key, nil
}

// UpdatePriority sets a card's priority field.
func (c *Client) UpdatePriority(ctx context.Context, key, priority string) error {
	body := map[string]any{
		"fields": map[string]any{"priority": map[string]string{"name": priority}},
	}
	return c.doJSON(ctx, http.MethodPut, "/rest/api/2/issue/"+key, nil, body, nil)
}

// TransitionCard moves a card to the named workflow state.
func (c *Client) TransitionCard(ctx context.Context, key, state string) error {
	body := map[string]any{
		"transition": map[string]string{"name": state},
	}
	return c.doJSON(ctx, http.MethodPost, "/rest/api/2/issue/"+key+"/transitions", nil, body, nil)
}

type boardsResponse struct {
	Values []struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	} `json:"values"`
}

type sprintsResponse struct {
	Values []Sprint `json:"values"`
}

// ActiveSprint resolves the named board and returns its first active
// sprint.
func (c *Client) ActiveSprint(ctx context.Context, board string) (Sprint, error) {
	var br boardsResponse
	q := url.Values{"name": {board}}
	if err := c.doJSON(ctx, http.MethodGet, "/rest/agile/1.0/board", q, nil, &br); err != nil {
		return Sprint{}, err
	}
	if len(br.Values) == 0 {
		return Sprint{}, fmt.Errorf("no board named %q", board)
	}

	var sr sprintsResponse
	path := fmt.Sprintf("/rest/agile/1.0/board/%d/sprint", br.Values[0].ID)
	if err := c.doJSON(ctx, http.MethodGet, path, url.Values{"state": {"active"}}, nil, &sr); err != nil {
		return Sprint{}, err
	}
	if len(sr.Values) == 0 {
		return Sprint{}, fmt.Errorf("board %q has no active sprint", board)
	}
	return sr.Values[0], nil
}

// AddToSprint adds cards to a sprint.
func (c *Client) AddToSprint(ctx context.Context, sprintID int, keys []string) error {
	body := map[string]any{"issues": keys}
	path := fmt.Sprintf("/rest/agile/1.0/sprint/%d/issue", sprintID)
	return c.doJSON(ctx, http.MethodPost, path, nil, body, nil)
}

// AddLink attaches an external web link to a card.
func (c *Client) AddLink(ctx context.Context, key, linkURL, title string) error {
	body := map[string]any{
		"object": map[string]string{"url": linkURL, "title": title},
	}
	return c.doJSON(ctx, http.MethodPost, "/rest/api/2/issue/"+key+"/remotelink", nil, body, nil)
}

// AddComment appends a comment to a card.
func (c *Client) AddComment(ctx context.Context, key, text string) error {
	return c.doJSON(ctx, http.MethodPost, "/rest/api/2/issue/"+key+"/comment", nil, map[string]string{"body": text}, nil)
}

type remoteLinksResponse []struct {
	Object RemoteLink `json:"object"`
}

// ListRemoteLinks returns the external links attached to a card.
func (c *Client) ListRemoteLinks(ctx context.Context, key string) ([]RemoteLink, error) {
	var rr remoteLinksResponse
	if err := c.doJSON(ctx, http.MethodGet, "/rest/api/2/issue/"+key+"/remotelink", nil, nil, &rr); err != nil {
		return nil, err
	}
	links := make([]RemoteLink, len(rr))
	for i, entry := range rr {
		links[i] = entry.Object
	}
	return links, nil
}

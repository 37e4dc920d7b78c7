package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Client talks to the case portal REST API. Access tokens are minted from
// a long-lived offline token via the SSO refresh grant and cached; a 401
// triggers one token refresh and one retry of that single request.
type Client struct {
	baseURL      string
	ssoURL       string
	offlineToken string
	httpClient   *http.Client
	logger       *slog.Logger

	mu    sync.Mutex
	token string
}

// New creates a Client for the portal at baseURL, minting tokens at ssoURL.
func New(baseURL, ssoURL, offlineToken string) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		ssoURL:       ssoURL,
		offlineToken: offlineToken,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		logger:       slog.Default(),
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

func (c *Client) accessToken(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && !force {
		return c.token, nil
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"portal-api"},
		"refresh_token": {c.offlineToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ssoURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting access token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint: unexpected status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned empty access token")
	}
	c.token = tr.AccessToken
	return c.token, nil
}

// doJSON performs an authenticated request and decodes the response body
// into out. On 401 it refreshes the token once and retries the same
// request before giving up.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
	}

	attempt := func(token string) (*http.Response, error) {
		u := c.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		var reader *bytes.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		} else {
			reader = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return c.httpClient.Do(req)
	}

	token, err := c.accessToken(ctx, false)
	if err != nil {
		return err
	}
	resp, err := attempt(token)
	if err != nil {
		return fmt.Errorf("portal request %s: %w", path, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.logger.Warn("portal token expired, refreshing once", "path", path)
		token, err = c.accessToken(ctx, true)
		if err != nil {
			return err
		}
		resp, err = attempt(token)
		if err != nil {
			return fmt.Errorf("portal request %s after token refresh: %w", path, err)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("portal %s: unexpected status %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding portal %s response: %w", path, err)
		}
	}
	return nil
}

type searchResponse struct {
	Response struct {
		Docs []CaseRecord `json:"docs"`
	} `json:"response"`
}

// FetchCases runs the configured case search and returns the raw records.
func (c *Client) FetchCases(ctx context.Context, query string, fields []string, maxResults int) ([]CaseRecord, error) {
	q := url.Values{
		"q":             {"(" + query + ")"},
		"partnerSearch": {"false"},
		"rows":          {strconv.Itoa(maxResults)},
		"fl":            {strings.Join(fields, ",")},
	}
	var sr searchResponse
	if err := c.doJSON(ctx, http.MethodGet, "/search/cases", q, nil, &sr); err != nil {
		return nil, err
	}
	return sr.Response.Docs, nil
}

// FetchCaseDetail returns the per-case detail record for one case.
func (c *Client) FetchCaseDetail(ctx context.Context, caseNumber string) (DetailRecord, error) {
	var dr DetailRecord
	if err := c.doJSON(ctx, http.MethodGet, "/v1/cases/"+caseNumber, nil, nil, &dr); err != nil {
		return DetailRecord{}, err
	}
	return dr, nil
}

// ListLinkedIssues returns tracker issues the portal links to a case. A
// case with no links yields an empty slice.
func (c *Client) ListLinkedIssues(ctx context.Context, caseNumber string) ([]LinkedIssue, error) {
	var issues []LinkedIssue
	if err := c.doJSON(ctx, http.MethodGet, "/cases/"+caseNumber+"/jiras", nil, nil, &issues); err != nil {
		return nil, err
	}
	return issues, nil
}

// FetchWatchlist returns the externally maintained escalation watchlist.
func (c *Client) FetchWatchlist(ctx context.Context, maxResults int) ([]WatchEntry, error) {
	q := url.Values{
		"rows":      {strconv.Itoa(maxResults)},
		"highlight": {"true"},
	}
	var entries []WatchEntry
	if err := c.doJSON(ctx, http.MethodGet, "/eh/escalations", q, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// AddCaseWatcher subscribes a user to case notifications. Failures are
// reported but callers treat them as non-fatal.
func (c *Client) AddCaseWatcher(ctx context.Context, caseNumber, username string) error {
	body := map[string]any{
		"user": []map[string]string{{"ssoUsername": username}},
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/cases/"+caseNumber+"/notifiedusers", nil, body, nil)
}

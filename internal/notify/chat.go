package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ChatClient posts messages to the team chat system.
type ChatClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewChatClient creates a ChatClient. An empty token disables chat
// notifications (callers check Enabled).
func NewChatClient(baseURL, token string) *ChatClient {
	return &ChatClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Enabled reports whether a chat token is configured.
func (c *ChatClient) Enabled() bool { return c.token != "" }

type postMessageRequest struct {
	Channel  string `json:"channel"`
	Text     string `json:"text"`
	ThreadID string `json:"thread_ts,omitempty"`
}

type postMessageResponse struct {
	OK    bool   `json:"ok"`
	TS    string `json:"ts"`
	Error string `json:"error,omitempty"`
}

func (c *ChatClient) post(ctx context.Context, req postMessageRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling chat message: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat.postMessage", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("posting chat message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat: unexpected status %d", resp.StatusCode)
	}
	var pr postMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if !pr.OK {
		return "", fmt.Errorf("chat: %s", pr.Error)
	}
	return pr.TS, nil
}

// PostChatMessage posts text to a channel and returns the message id used
// to anchor threaded replies.
func (c *ChatClient) PostChatMessage(ctx context.Context, channel, text string) (string, error) {
	return c.post(ctx, postMessageRequest{Channel: channel, Text: text})
}

// PostChatReply posts text as a threaded reply under parentID.
func (c *ChatClient) PostChatReply(ctx context.Context, channel, text, parentID string) error {
	_, err := c.post(ctx, postMessageRequest{Channel: channel, Text: text, ThreadID: parentID})
	return err
}

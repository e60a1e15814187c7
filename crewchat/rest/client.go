package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client provides typed access to the crewchat REST API. The API itself
// (auth, persistence, call membership, push registration) lives on the
// server; the SDK only consumes it.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new REST API client.
// baseURL should be the base URL of the API, e.g., "http://localhost:8080/api".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetHTTPClient allows setting a custom HTTP client.
func (c *Client) SetHTTPClient(client *http.Client) {
	if client != nil {
		c.httpClient = client
	}
}

// SetToken sets the bearer token for authenticated requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Authentication endpoints

// Login authenticates with existing credentials and returns a token.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*TokenResponse, error) {
	var resp TokenResponse
	if err := c.post(ctx, "/login", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Message history endpoints

// GetPersonalMessages retrieves the message history with another user.
// limit caps the page size; before, if non-empty, pages backwards from
// that message id.
func (c *Client) GetPersonalMessages(ctx context.Context, userID string, limit int, before string) ([]MessageInfo, error) {
	path := fmt.Sprintf("/messages/personal/%s?limit=%d", url.PathEscape(userID), limit)
	if before != "" {
		path += "&before=" + url.QueryEscape(before)
	}
	var resp []MessageInfo
	if err := c.get(ctx, path, &resp, true); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetGroupMessages retrieves a group's message history.
func (c *Client) GetGroupMessages(ctx context.Context, groupID string, limit int, before string) ([]MessageInfo, error) {
	path := fmt.Sprintf("/messages/group/%s?limit=%d", url.PathEscape(groupID), limit)
	if before != "" {
		path += "&before=" + url.QueryEscape(before)
	}
	var resp []MessageInfo
	if err := c.get(ctx, path, &resp, true); err != nil {
		return nil, err
	}
	return resp, nil
}

// SendPersonalMessage persists a personal message over REST. Normally
// the realtime path carries sends; this is the fallback.
func (c *Client) SendPersonalMessage(ctx context.Context, req SendMessageRequest) (*MessageInfo, error) {
	var resp MessageInfo
	if err := c.post(ctx, "/messages/personal", req, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendGroupMessage persists a group message over REST.
func (c *Client) SendGroupMessage(ctx context.Context, req SendMessageRequest) (*MessageInfo, error) {
	var resp MessageInfo
	if err := c.post(ctx, "/messages/group", req, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetChatState retrieves unread counts and last-message previews for
// every conversation of the authenticated user.
func (c *Client) GetChatState(ctx context.Context) ([]ChatState, error) {
	var resp []ChatState
	if err := c.get(ctx, "/chats/state", &resp, true); err != nil {
		return nil, err
	}
	return resp, nil
}

// Group-call membership endpoints

// JoinCall registers the authenticated user as a call participant.
func (c *Client) JoinCall(ctx context.Context, callID, groupID string) error {
	return c.post(ctx, "/calls/"+url.PathEscape(callID)+"/join", JoinCallRequest{CallID: callID, GroupID: groupID}, nil, true)
}

// LeaveCall removes the authenticated user from a call.
func (c *Client) LeaveCall(ctx context.Context, callID string) error {
	return c.post(ctx, "/calls/"+url.PathEscape(callID)+"/leave", nil, nil, true)
}

// UpdateParticipantStatus persists the local participant's mute state.
func (c *Client) UpdateParticipantStatus(ctx context.Context, callID string, muted bool) error {
	return c.post(ctx, "/calls/"+url.PathEscape(callID)+"/status", ParticipantStatusRequest{IsMuted: muted}, nil, true)
}

// Push notification endpoints

// RegisterPushToken registers a device token for background delivery.
func (c *Client) RegisterPushToken(ctx context.Context, req PushTokenRequest) error {
	return c.post(ctx, "/push/register", req, nil, true)
}

// Helper methods

func (c *Client) post(ctx context.Context, path string, body, dest any, requireAuth bool) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if requireAuth && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	return c.do(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any, requireAuth bool) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if requireAuth && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	return c.do(req, dest)
}

func (c *Client) do(req *http.Request, dest any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("api error (status %d): %s", resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("http error: %s (status %d)", string(body), resp.StatusCode)
	}

	if dest != nil {
		if err := json.Unmarshal(body, dest); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

// ErrorResponse is the API's error body shape.
type ErrorResponse struct {
	Error string `json:"error"`
}

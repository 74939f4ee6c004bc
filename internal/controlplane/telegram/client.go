package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.telegram.org"

// Client is a minimal Telegram Bot API client. The control plane only needs
// two calls: getMe to validate a bot token, and sendMessage to reach a
// tenant's admins.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client against the public Bot API.
func NewClient() *Client {
	return NewClientWithBaseURL(defaultBaseURL)
}

// NewClientWithBaseURL creates a client against a custom API endpoint.
// Used by tests and self-hosted Bot API servers.
func NewClientWithBaseURL(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// User is the bot identity returned by getMe.
type User struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
	Username string `json:"username"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

// GetMe validates a bot token and returns the bot's identity.
func (c *Client) GetMe(ctx context.Context, token string) (*User, error) {
	raw, err := c.call(ctx, token, "getMe", nil)
	if err != nil {
		return nil, err
	}
	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("decode getMe result: %w", err)
	}
	return &u, nil
}

// SendMessage delivers a text message to one chat on behalf of the bot
// identified by token.
func (c *Client) SendMessage(ctx context.Context, token string, chatID int64, text string) error {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	_, err := c.call(ctx, token, "sendMessage", payload)
	return err
}

func (c *Client) call(ctx context.Context, token, method string, payload any) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s request: %w", method, err)
		}
		body = bytes.NewReader(data)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", method, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Never echo the token back in an error.
		return nil, fmt.Errorf("telegram %s request failed: %w", method, sanitizeURLError(err, token))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("decode %s response (HTTP %d): %w", method, resp.StatusCode, err)
	}
	if !apiResp.OK {
		return nil, fmt.Errorf("telegram %s error (HTTP %d): code=%d description=%s",
			method, resp.StatusCode, apiResp.ErrorCode, apiResp.Description)
	}
	return apiResp.Result, nil
}

// sanitizeURLError strips the bot token a *url.Error embeds in its URL.
func sanitizeURLError(err error, token string) error {
	if token == "" {
		return err
	}
	msg := strings.ReplaceAll(err.Error(), token, "***")
	return fmt.Errorf("%s", msg)
}

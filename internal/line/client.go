package line

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// MaxTextLength is the LINE limit for a single text message, in characters.
const MaxTextLength = 5000

type Client struct {
	baseURL      string
	channelToken string
	httpClient   *http.Client
}

func NewClient(baseURL, channelToken string) *Client {
	return &Client{
		baseURL:      baseURL,
		channelToken: channelToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type PushRequest struct {
	To       string        `json:"to"`
	Messages []TextMessage `json:"messages"`
}

type TextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("push message failed: %d - %s", e.StatusCode, e.Body)
}

// Send pushes text to the user's chat under a fresh retry key.
func (c *Client) Send(ctx context.Context, userID, text string) error {
	return c.PushText(ctx, uuid.NewString(), userID, text)
}

// Push pushes a single text message under retryKey.
func (c *Client) Push(ctx context.Context, retryKey, userID, text string) error {
	return c.PushText(ctx, retryKey, userID, text)
}

// PushText pushes one text message per entry. retryKey makes a repeated
// push with the same key a no-op on the LINE side.
func (c *Client) PushText(ctx context.Context, retryKey, to string, texts ...string) error {
	req := PushRequest{To: to}
	for _, text := range texts {
		req.Messages = append(req.Messages, TextMessage{Type: "text", Text: truncate(text, MaxTextLength)})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.post(ctx, "/v2/bot/message/push", retryKey, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 409 means this retry key was already accepted.
	if resp.StatusCode == http.StatusConflict && retryKey != "" {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path, retryKey string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.channelToken)
	req.Header.Set("Content-Type", "application/json")
	if retryKey != "" {
		req.Header.Set("X-Line-Retry-Key", retryKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push message request failed: %w", err)
	}
	return resp, nil
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

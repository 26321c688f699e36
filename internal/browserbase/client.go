// Package browserbase creates remote browser sessions.
package browserbase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/crafter-station/scrapi/internal/config"
)

// DashboardURL is the base of the human-facing session viewer.
const DashboardURL = "https://www.browserbase.com/sessions/"

// Session is a freshly created remote browser session.
type Session struct {
	ID         string `json:"id"`
	ConnectURL string `json:"connectUrl"`
	Status     string `json:"status,omitempty"`
}

// Client talks to the session API.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient returns a Client for cfg. A missing key is reported when a
// session is requested, not here.
func NewClient(cfg config.BrowserbaseConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// SessionURL returns the dashboard link for a session id.
func SessionURL(id string) string {
	return DashboardURL + id
}

// CreateSession starts a remote browser session under projectID.
func (c *Client) CreateSession(ctx context.Context, projectID string) (*Session, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: browserbase api key", config.ErrMissingCredential)
	}
	if projectID == "" {
		return nil, fmt.Errorf("%w: browserbase project id", config.ErrMissingCredential)
	}

	payload, err := json.Marshal(map[string]string{"projectId": projectID})
	if err != nil {
		return nil, fmt.Errorf("encode session request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sessions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-BB-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read session response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Status: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	var s Session
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("decode session response: %w", err)
	}
	if s.ID == "" || s.ConnectURL == "" {
		return nil, fmt.Errorf("session response missing id or connectUrl")
	}
	return &s, nil
}

// APIError is a non-2xx answer from the session API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("browserbase: status %d: %s", e.Status, e.Body)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

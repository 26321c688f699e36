// Package v0 is a client for the hosted chat API that generates and edits
// file bundles.
package v0

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/crafter-station/scrapi/internal/config"
	"github.com/crafter-station/scrapi/internal/files"
)

// File is a file returned by the service.
type File struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Locked  bool   `json:"locked,omitempty"`
}

// Chat is the state of a conversation after a call.
type Chat struct {
	ID    string
	Files []File
}

// Client is safe for concurrent use.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient returns a Client for cfg.
func NewClient(cfg config.V0Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type initRequest struct {
	Type  string `json:"type"`
	Files []File `json:"files"`
}

type messageRequest struct {
	Message string `json:"message"`
}

// chatResponse covers both places the service reports files: the flat
// list and the latest version.
type chatResponse struct {
	ID            string `json:"id"`
	Files         []File `json:"files"`
	LatestVersion *struct {
		Files []File `json:"files"`
	} `json:"latestVersion"`
}

func (r chatResponse) chat() *Chat {
	c := &Chat{ID: r.ID}
	if r.LatestVersion != nil && len(r.LatestVersion.Files) > 0 {
		c.Files = r.LatestVersion.Files
	} else {
		c.Files = r.Files
	}
	return c
}

// Init starts a conversation seeded with set.
func (c *Client) Init(ctx context.Context, set []files.VirtualFile) (*Chat, error) {
	req := initRequest{Type: "files", Files: make([]File, len(set))}
	for i, f := range set {
		req.Files[i] = File{Name: f.Name, Content: f.Content, Locked: f.Locked}
	}

	var resp chatResponse
	if err := c.post(ctx, "/v1/chats/init", req, &resp); err != nil {
		return nil, fmt.Errorf("init chat: %w", err)
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("init chat: response has no chat id")
	}
	return resp.chat(), nil
}

// SendMessage posts message to chatID and returns the resulting files.
func (c *Client) SendMessage(ctx context.Context, chatID, message string) (*Chat, error) {
	if chatID == "" {
		return nil, fmt.Errorf("send message: empty chat id")
	}

	var resp chatResponse
	path := "/v1/chats/" + url.PathEscape(chatID) + "/messages"
	if err := c.post(ctx, path, messageRequest{Message: message}, &resp); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	chat := resp.chat()
	if chat.ID == "" {
		chat.ID = chatID
	}
	return chat, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	if c.apiKey == "" {
		return fmt.Errorf("%w: v0 api key", config.ErrMissingCredential)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Body: truncate(string(data), 512)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// APIError is a non-2xx answer from the service.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("v0: status %d: %s", e.Status, e.Body)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

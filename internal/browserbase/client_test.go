package browserbase

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crafter-station/scrapi/internal/config"
)

func newTestClient(t *testing.T, key string, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(config.BrowserbaseConfig{APIKey: key, BaseURL: srv.URL + "/"})
}

func TestCreateSession(t *testing.T) {
	c := newTestClient(t, "bb-key", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/sessions", r.URL.Path)
		assert.Equal(t, "bb-key", r.Header.Get("X-BB-API-Key"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "proj-1", body["projectId"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"sess-1","connectUrl":"wss://connect.example/sess-1","status":"RUNNING"}`))
	})

	s, err := c.CreateSession(t.Context(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", s.ID)
	assert.Equal(t, "wss://connect.example/sess-1", s.ConnectURL)
	assert.Equal(t, "https://www.browserbase.com/sessions/sess-1", SessionURL(s.ID))
}

func TestCreateSession_MissingCredentials(t *testing.T) {
	called := false
	h := func(w http.ResponseWriter, r *http.Request) { called = true }

	_, err := newTestClient(t, "", h).CreateSession(t.Context(), "proj-1")
	assert.ErrorIs(t, err, config.ErrMissingCredential)

	_, err = newTestClient(t, "key", h).CreateSession(t.Context(), "")
	assert.ErrorIs(t, err, config.ErrMissingCredential)

	assert.False(t, called, "no request may be sent without credentials")
}

func TestCreateSession_APIError(t *testing.T) {
	c := newTestClient(t, "key", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	})

	_, err := c.CreateSession(t.Context(), "proj-1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Contains(t, apiErr.Body, "quota exceeded")
}

func TestCreateSession_IncompleteResponse(t *testing.T) {
	c := newTestClient(t, "key", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"sess-1"}`))
	})

	_, err := c.CreateSession(t.Context(), "proj-1")
	assert.Error(t, err)
}

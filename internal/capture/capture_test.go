package capture

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bytesFetch(s string) func() ([]byte, error) {
	return func() ([]byte, error) { return []byte(s), nil }
}

func TestShouldSkip(t *testing.T) {
	tests := []struct {
		name         string
		resourceType string
		method       string
		url          string
		want         bool
	}{
		{"xhr api", "XHR", "GET", "https://shop.example.com/api/products", false},
		{"fetch post", "Fetch", "POST", "https://api.example.com/graphql", false},
		{"document", "Document", "GET", "https://example.com/", false},
		{"image", "Image", "GET", "https://example.com/a.png", true},
		{"stylesheet", "Stylesheet", "GET", "https://example.com/a.css", true},
		{"script", "Script", "GET", "https://example.com/a.js", true},
		{"font", "Font", "GET", "https://example.com/a.woff2", true},
		{"media", "Media", "GET", "https://example.com/a.mp4", true},
		{"preflight", "XHR", "OPTIONS", "https://api.example.com/items", true},
		{"ga", "XHR", "POST", "https://www.google-analytics.com/g/collect?v=2", true},
		{"gtm subdomain", "Fetch", "GET", "https://www.googletagmanager.com/gtm.js", true},
		{"segment", "XHR", "POST", "https://api.segment.io/v1/t", true},
		{"facebook pixel", "Fetch", "GET", "https://www.facebook.com/tr?id=1", true},
		{"first party beacon", "Fetch", "POST", "https://example.com/beacon", true},
		{"lookalike host", "XHR", "GET", "https://notsegment.io.example.com/api", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldSkip(tt.resourceType, tt.method, tt.url))
		})
	}
}

func TestParseBody(t *testing.T) {
	body, ok := ParseBody("application/json; charset=utf-8", []byte(`{"items":[1,2]}`))
	require.True(t, ok)
	assert.Equal(t, map[string]any{"items": []any{float64(1), float64(2)}}, body)

	body, ok = ParseBody("application/vnd.api+json", []byte(`[]`))
	require.True(t, ok)
	assert.Equal(t, []any{}, body)

	_, ok = ParseBody("application/json", []byte(`{not json`))
	assert.False(t, ok)

	body, ok = ParseBody("text/html", []byte("<p>hi</p>"))
	require.True(t, ok)
	assert.Equal(t, "<p>hi</p>", body)

	_, ok = ParseBody("application/octet-stream", []byte{0x1, 0x2})
	assert.False(t, ok)

	_, ok = ParseBody("", []byte("x"))
	assert.False(t, ok)
}

func TestRecorder_JSONAndBeacon(t *testing.T) {
	rec := NewRecorder(nil)

	rec.Observe(Response{
		URL:          "https://shop.example.com/api/products",
		Method:       "GET",
		ResourceType: "XHR",
		ContentType:  "application/json",
		Status:       200,
	}, bytesFetch(`{"products":[{"name":"a"}]}`))
	rec.Observe(Response{
		URL:          "https://www.google-analytics.com/g/collect?v=2",
		Method:       "POST",
		ResourceType: "XHR",
		ContentType:  "text/plain",
		Status:       204,
	}, bytesFetch(""))

	entries := rec.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "https://shop.example.com/api/products", entries[0].URL)
	require.NotNil(t, entries[0].Status)
	assert.Equal(t, 200, *entries[0].Status)
	assert.Equal(t, map[string]any{"products": []any{map[string]any{"name": "a"}}}, entries[0].Body)
}

func TestRecorder_DropsUnreadableBodies(t *testing.T) {
	rec := NewRecorder(nil)

	fetched := false
	ok := rec.Observe(Response{URL: "https://example.com/logo.png", Method: "GET", ResourceType: "Image", ContentType: "image/png"},
		func() ([]byte, error) {
			fetched = true
			return nil, nil
		})
	assert.False(t, ok)
	assert.False(t, fetched, "skipped responses must not fetch a body")

	ok = rec.Observe(Response{URL: "https://example.com/api", Method: "GET", ResourceType: "Fetch", ContentType: "application/json"},
		func() ([]byte, error) { return nil, errors.New("body evicted") })
	assert.False(t, ok)

	ok = rec.Observe(Response{URL: "https://example.com/bin", Method: "GET", ResourceType: "Fetch", ContentType: "application/zip"},
		bytesFetch("PK"))
	assert.False(t, ok)

	assert.Empty(t, rec.Entries())
}

func TestRecorder_OrderAndEnhancer(t *testing.T) {
	rec := NewRecorder(func(contentType string, body any) any {
		if s, ok := body.(string); ok && contentType == "text/html" {
			return "clean:" + s
		}
		return body
	})
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec.now = func() time.Time { return fixed }

	rec.Observe(Response{URL: "https://example.com/", Method: "GET", ResourceType: "Document", ContentType: "text/html"}, bytesFetch("<html>"))
	rec.Observe(Response{URL: "https://example.com/api/1", Method: "GET", ResourceType: "XHR", ContentType: "application/json"}, bytesFetch(`1`))

	entries := rec.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "clean:<html>", entries[0].Body)
	assert.Equal(t, float64(1), entries[1].Body)
	assert.Nil(t, entries[0].Status)
	assert.Equal(t, fixed, entries[1].Timestamp)
}

func TestBrowser_CloseNil(t *testing.T) {
	var b *Browser
	assert.NoError(t, b.Close())
	_, err := (&Browser{}).Capture(t.Context(), "https://example.com", Options{})
	assert.Error(t, err)
}

// Package capture records the JSON and text traffic a page produces while it
// loads in a remote browser.
package capture

import (
	"sync"
	"time"
)

// LogEntry is one recorded HTTP exchange.
type LogEntry struct {
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	ResourceType string            `json:"resourceType"`
	Status       *int              `json:"status,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         any               `json:"body"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Response is what the browser reports about a finished response, before
// its body is fetched.
type Response struct {
	RequestID    string
	URL          string
	Method       string
	ResourceType string
	ContentType  string
	Status       int
	Headers      map[string]string
}

// BodyEnhancer post-processes a parsed body before it is stored. The
// readability pass for HTML lives behind this hook.
type BodyEnhancer func(contentType string, body any) any

// Identity is the default BodyEnhancer.
func Identity(_ string, body any) any { return body }

// Recorder collects entries in arrival order. Safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	entries  []LogEntry
	enhancer BodyEnhancer
	now      func() time.Time
}

// NewRecorder creates a Recorder. A nil enhancer means Identity.
func NewRecorder(enhancer BodyEnhancer) *Recorder {
	if enhancer == nil {
		enhancer = Identity
	}
	return &Recorder{enhancer: enhancer, now: time.Now}
}

// Wants reports whether a response would be recorded, so callers can avoid
// fetching bodies they will drop.
func (r *Recorder) Wants(resp Response) bool {
	return !ShouldSkip(resp.ResourceType, resp.Method, resp.URL)
}

// Observe records resp if it passes the filters and its body can be fetched
// and classified. Body errors drop the entry silently.
func (r *Recorder) Observe(resp Response, fetch func() ([]byte, error)) bool {
	if !r.Wants(resp) {
		return false
	}
	raw, err := fetch()
	if err != nil {
		return false
	}
	body, ok := ParseBody(resp.ContentType, raw)
	if !ok {
		return false
	}

	entry := LogEntry{
		URL:          resp.URL,
		Method:       resp.Method,
		ResourceType: resp.ResourceType,
		Headers:      resp.Headers,
		Body:         r.enhancer(resp.ContentType, body),
		Timestamp:    r.now(),
	}
	if resp.Status != 0 {
		status := resp.Status
		entry.Status = &status
	}

	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
	return true
}

// Entries returns a copy of the recorded entries.
func (r *Recorder) Entries() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

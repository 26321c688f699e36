package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/crafter-station/scrapi/internal/browserbase"
	"github.com/crafter-station/scrapi/internal/capture"
	"github.com/crafter-station/scrapi/internal/config"
	"github.com/crafter-station/scrapi/internal/db"
	"github.com/crafter-station/scrapi/internal/files"
	"github.com/crafter-station/scrapi/internal/generator"
	"github.com/crafter-station/scrapi/internal/pipeline"
	"github.com/crafter-station/scrapi/internal/tester"
)

// --- Mocks ---

type mockSessions struct {
	calls     []string
	err       error
	connectTo string
}

func (m *mockSessions) CreateSession(_ context.Context, projectID string) (*browserbase.Session, error) {
	m.calls = append(m.calls, projectID)
	if m.err != nil {
		return nil, m.err
	}
	return &browserbase.Session{ID: "sess-1", ConnectURL: m.connectTo}, nil
}

type mockBrowser struct {
	logs     []capture.LogEntry
	err      error
	targets  []string
	waits    []time.Duration
	closed   int
	connects []string
}

func (m *mockBrowser) connect(_ context.Context, controlURL string) (Browser, error) {
	m.connects = append(m.connects, controlURL)
	return m, nil
}

func (m *mockBrowser) Capture(_ context.Context, targetURL string, opts capture.Options) ([]capture.LogEntry, error) {
	m.targets = append(m.targets, targetURL)
	m.waits = append(m.waits, opts.WaitTime)
	return m.logs, m.err
}

func (m *mockBrowser) Close() error {
	m.closed++
	return nil
}

type retryCall struct {
	chatID        string
	output        string
	returnedEmpty bool
}

type mockGenerator struct {
	generated   [][]files.VirtualFile
	generateErr error
	retries     []retryCall
	retryErr    error
	script      []string // script.ts content per reply; the last one repeats
	extra       []files.VirtualFile
}

func (m *mockGenerator) reply(n int) []files.VirtualFile {
	content := "export async function main() { return [] }"
	if len(m.script) > 0 {
		if n >= len(m.script) {
			n = len(m.script) - 1
		}
		content = m.script[n]
	}
	return append([]files.VirtualFile{{Name: files.ScriptFile, Content: content}}, m.extra...)
}

func (m *mockGenerator) Generate(_ context.Context, set []files.VirtualFile, _ string) (*generator.Result, error) {
	m.generated = append(m.generated, set)
	if m.generateErr != nil {
		return nil, m.generateErr
	}
	return &generator.Result{ChatID: "chat-1", Files: m.reply(0)}, nil
}

func (m *mockGenerator) Retry(_ context.Context, chatID, output string, returnedEmpty bool) (*generator.Result, error) {
	m.retries = append(m.retries, retryCall{chatID, output, returnedEmpty})
	if m.retryErr != nil {
		return nil, m.retryErr
	}
	return &generator.Result{ChatID: chatID, Files: m.reply(len(m.retries))}, nil
}

type mockTester struct {
	outcomes []tester.Outcome // the last one repeats
	seen     [][]files.VirtualFile
	workDirs []string
	args     []string
}

func (m *mockTester) Test(_ context.Context, set []files.VirtualFile, testArgs, workDir string) *tester.Outcome {
	m.seen = append(m.seen, set)
	m.workDirs = append(m.workDirs, workDir)
	m.args = append(m.args, testArgs)
	n := len(m.seen) - 1
	if n >= len(m.outcomes) {
		n = len(m.outcomes) - 1
	}
	out := m.outcomes[n]
	return &out
}

var (
	failed   = tester.Outcome{Output: "Error: Cannot read properties of undefined", ExitCode: 1}
	empty    = tester.Outcome{ReturnedEmpty: true, Output: "Test passed!\nResult: []"}
	accepted = tester.Outcome{Passed: true, Output: "Test passed!\nResult: [{\"name\":\"a\"}]"}
)

// --- Helpers ---

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.V0.APIKey = "v0-key"
	cfg.Browserbase.APIKey = "bb-key"
	cfg.Browserbase.ProjectID = "proj-1"
	cfg.Pipeline.ScratchDir = t.TempDir()
	fast := config.RetryPolicy{MaxAttempts: 2, Factor: 2, MinTimeout: time.Millisecond, MaxTimeout: 2 * time.Millisecond}
	cfg.Pipeline.Session = fast
	cfg.Pipeline.Capture = fast
	cfg.Pipeline.Generate = fast
	cfg.Pipeline.Retry = fast
	return cfg
}

func testRequest() pipeline.Request {
	return pipeline.Request{
		URL:             "https://shop.example.com/products",
		UserPrompt:      "list every product name",
		InputSchema:     `{"type":"object","properties":{"page":{"type":"number"}}}`,
		OutputSchema:    `{"type":"array","items":{"type":"object","properties":{"name":{"type":"string"}}}}`,
		TestArgs:        `{"page":1}`,
		WaitTimeSeconds: 2,
		MaxRetries:      3,
	}
}

func sampleLogs() []capture.LogEntry {
	status := 200
	return []capture.LogEntry{
		{URL: "https://shop.example.com/api/products", Method: "GET", ResourceType: "XHR", Status: &status, Body: map[string]any{"items": []any{"a"}}},
		{URL: "https://shop.example.com/api/meta", Method: "GET", ResourceType: "Fetch", Status: &status, Body: "ok"},
	}
}

type fixture struct {
	cfg      *config.Config
	sessions *mockSessions
	browser  *mockBrowser
	gen      *mockGenerator
	tester   *mockTester
	store    *pipeline.Store
	db       *db.DB
	progress *bytes.Buffer
	orch     *Orchestrator
}

func newFixture(t *testing.T, outcomes ...tester.Outcome) *fixture {
	t.Helper()
	if len(outcomes) == 0 {
		outcomes = []tester.Outcome{accepted}
	}
	f := &fixture{
		cfg:      testConfig(t),
		sessions: &mockSessions{connectTo: "wss://connect.example.com/sess-1"},
		browser:  &mockBrowser{logs: sampleLogs()},
		gen:      &mockGenerator{},
		tester:   &mockTester{outcomes: outcomes},
		store:    pipeline.NewStore(t.TempDir()),
		progress: &bytes.Buffer{},
	}
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	f.db = database
	f.build()
	return f
}

func (f *fixture) build() {
	f.orch = New(f.cfg, Deps{
		Sessions:  f.sessions,
		Connect:   f.browser.connect,
		Generator: f.gen,
		Tester:    f.tester,
		Store:     f.store,
		DB:        f.db,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	f.orch.SetProgress(f.progress)
}

func assertScratchClean(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch dir not cleaned up: %d entries left", len(entries))
	}
}

// --- Tests ---

func TestRun_PassesFirstAttempt(t *testing.T) {
	f := newFixture(t)

	sum, err := f.orch.Run(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sum.TestPassed || sum.ReturnedEmpty {
		t.Errorf("expected a passing summary, got %+v", sum)
	}
	if sum.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", sum.Attempts)
	}
	if sum.SessionID != "sess-1" || sum.SessionURL != browserbase.SessionURL("sess-1") {
		t.Errorf("session = %q %q", sum.SessionID, sum.SessionURL)
	}
	if sum.LogsCount != 2 {
		t.Errorf("LogsCount = %d, want 2", sum.LogsCount)
	}
	if len(f.gen.retries) != 0 {
		t.Errorf("expected no retries, got %d", len(f.gen.retries))
	}
	if f.sessions.calls[0] != "proj-1" {
		t.Errorf("session created for %q, want configured project", f.sessions.calls[0])
	}
	if f.browser.connects[0] != "wss://connect.example.com/sess-1" {
		t.Errorf("connected to %q", f.browser.connects[0])
	}
	if f.browser.targets[0] != "https://shop.example.com/products" || f.browser.waits[0] != 2*time.Second {
		t.Errorf("capture target=%q wait=%s", f.browser.targets[0], f.browser.waits[0])
	}
	if f.tester.args[0] != `{"page":1}` {
		t.Errorf("test args = %q", f.tester.args[0])
	}

	var names []string
	for _, m := range sum.GeneratedFiles {
		names = append(names, m.Name)
	}
	want := []string{"logs/log-0.json", "logs/log-1.json", "package.json", "test.ts", "tsconfig.json", "schema.ts", "script.ts"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("generated files = %v, want %v", names, want)
	}
}

func TestRun_PassesOnThirdAttempt(t *testing.T) {
	f := newFixture(t, failed, empty, accepted)
	f.gen.script = []string{"v1", "v2", "v3"}

	run, err := f.orch.Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Summary.Attempts != 3 || !run.Summary.TestPassed {
		t.Errorf("summary = %+v", run.Summary)
	}
	if len(f.gen.retries) != 2 {
		t.Fatalf("expected 2 retries, got %d", len(f.gen.retries))
	}
	if f.gen.retries[0].returnedEmpty || !f.gen.retries[1].returnedEmpty {
		t.Errorf("retry kinds = %+v", f.gen.retries)
	}
	for _, r := range f.gen.retries {
		if r.chatID != "chat-1" {
			t.Errorf("retry sent to chat %q, want chat-1", r.chatID)
		}
	}
	if f.gen.retries[0].output != failed.Output {
		t.Errorf("retry carried %q, want the failing output", f.gen.retries[0].output)
	}

	// Each attempt tests the latest merged script.
	for i, want := range []string{"v1", "v2", "v3"} {
		got, _ := files.Find(f.tester.seen[i], files.ScriptFile)
		if got.Content != want {
			t.Errorf("attempt %d tested %q, want %q", i+1, got.Content, want)
		}
	}
	if len(run.Attempts) != 3 {
		t.Errorf("recorded %d attempts", len(run.Attempts))
	}
	if run.State != pipeline.StateDone {
		t.Errorf("State = %s, want DONE", run.State)
	}
}

func TestRun_GivesUpAfterMaxRetries(t *testing.T) {
	f := newFixture(t, failed)

	req := testRequest()
	req.MaxRetries = 2
	sum, err := f.orch.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("exhausted retries should still finish, got %v", err)
	}
	if sum.TestPassed || sum.Attempts != 2 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.TestOutput != failed.Output {
		t.Errorf("TestOutput = %q, want the last attempt's output", sum.TestOutput)
	}
	if len(f.gen.retries) != 1 {
		t.Errorf("expected 1 retry, got %d", len(f.gen.retries))
	}
}

func TestRun_SingleAttemptNeverRetries(t *testing.T) {
	f := newFixture(t, failed)

	req := testRequest()
	req.MaxRetries = 1
	sum, err := f.orch.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Attempts != 1 || sum.TestPassed {
		t.Errorf("summary = %+v", sum)
	}
	if len(f.gen.retries) != 0 {
		t.Errorf("expected no retry call, got %d", len(f.gen.retries))
	}
}

func TestRun_EmptyResultIsNeverAccepted(t *testing.T) {
	f := newFixture(t, empty)

	req := testRequest()
	req.MaxRetries = 3
	sum, err := f.orch.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.TestPassed || !sum.ReturnedEmpty {
		t.Errorf("empty result must not pass: %+v", sum)
	}
	if sum.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", sum.Attempts)
	}
	for _, r := range f.gen.retries {
		if !r.returnedEmpty {
			t.Error("retry for an empty result should ask to trace the structure")
		}
	}
}

func TestRun_PassingButEmptyIsNotPassed(t *testing.T) {
	passedEmpty := tester.Outcome{Passed: true, ReturnedEmpty: true, Output: "Test passed!\nResult: []"}
	f := newFixture(t, passedEmpty)

	req := testRequest()
	req.MaxRetries = 2
	run, err := f.orch.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sum := run.Summary
	if sum.TestPassed || !sum.ReturnedEmpty || sum.Attempts != 2 {
		t.Errorf("summary = %+v, want not passed and empty after 2 attempts", sum)
	}
	rec, err := f.db.GetRun(run.ID)
	if err != nil || rec == nil {
		t.Fatalf("history row: %+v, %v", rec, err)
	}
	if rec.TestPassed {
		t.Error("history row should not record a pass")
	}
}

func TestRun_LockedFilesSurviveGeneration(t *testing.T) {
	f := newFixture(t, failed, accepted)
	f.gen.extra = []files.VirtualFile{
		{Name: files.TestFile, Content: "console.log('Test passed!')"},
		{Name: "logs/log-0.json", Content: "{}"},
	}

	if _, err := f.orch.Run(context.Background(), testRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	prepared := f.gen.generated[0]
	for _, seen := range f.tester.seen {
		for _, name := range []string{files.TestFile, "logs/log-0.json", "package.json"} {
			want, _ := files.Find(prepared, name)
			got, _ := files.Find(seen, name)
			if got.Content != want.Content || !got.Locked {
				t.Errorf("locked file %s was changed", name)
			}
		}
		if len(seen) != len(prepared) {
			t.Errorf("bundle size changed: %d -> %d", len(prepared), len(seen))
		}
	}
}

func TestRun_MissingCredentialFailsBeforeAnyCall(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*config.Config)
	}{
		{"no chat key", func(c *config.Config) { c.V0.APIKey = "" }},
		{"no browser key", func(c *config.Config) { c.Browserbase.APIKey = "" }},
		{"no project", func(c *config.Config) { c.Browserbase.ProjectID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f.cfg)

			run, err := f.orch.Execute(context.Background(), testRequest())
			if !errors.Is(err, config.ErrMissingCredential) {
				t.Fatalf("expected ErrMissingCredential, got %v", err)
			}
			if len(f.sessions.calls) != 0 || len(f.gen.generated) != 0 {
				t.Error("no external call may happen before credentials are checked")
			}
			if run.State != pipeline.StateFailed || run.FailedStep != StepValidate {
				t.Errorf("state=%s step=%q", run.State, run.FailedStep)
			}
		})
	}
}

func TestRun_RequestProjectOverridesConfig(t *testing.T) {
	f := newFixture(t)
	f.cfg.Browserbase.ProjectID = ""

	req := testRequest()
	req.ProjectID = "proj-req"
	if _, err := f.orch.Run(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.sessions.calls[0] != "proj-req" {
		t.Errorf("session created for %q", f.sessions.calls[0])
	}
}

func TestRun_InvalidRequest(t *testing.T) {
	f := newFixture(t)

	req := testRequest()
	req.URL = "not a url"
	req.OutputSchema = `{"type": 42}`
	_, err := f.orch.Run(context.Background(), req)

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	fields := map[string]bool{}
	for _, e := range reqErr.Errors {
		fields[e.Field] = true
	}
	if !fields["url"] || !fields["outputSchema"] {
		t.Errorf("errors = %v", reqErr.Errors)
	}
	if len(f.sessions.calls) != 0 {
		t.Error("invalid request must not create a session")
	}
}

func TestRun_StepErrors(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*fixture)
		step     string
		sessions int
	}{
		{"session", func(f *fixture) { f.sessions.err = errors.New("quota exceeded") }, StepCreateSession, 2},
		{"capture", func(f *fixture) { f.browser.err = errors.New("navigation timeout") }, StepCaptureLogs, 1},
		{"generate", func(f *fixture) { f.gen.generateErr = errors.New("chat API 500") }, StepGenerateCode, 1},
		{"retry", func(f *fixture) {
			f.tester.outcomes = []tester.Outcome{failed}
			f.gen.retryErr = errors.New("chat API 429")
		}, StepRetry, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)

			run, err := f.orch.Execute(context.Background(), testRequest())
			if err == nil {
				t.Fatal("expected error")
			}
			var se *StepError
			if !errors.As(err, &se) || se.Step != tt.step {
				t.Fatalf("expected StepError for %s, got %v", tt.step, err)
			}
			if !strings.HasPrefix(err.Error(), tt.step+" failed: ") {
				t.Errorf("message = %q", err.Error())
			}
			if run.State != pipeline.StateFailed || run.FailedStep != tt.step || run.Error == "" {
				t.Errorf("run not marked failed: state=%s step=%q", run.State, run.FailedStep)
			}
			if len(f.sessions.calls) != tt.sessions {
				t.Errorf("session calls = %d, want %d", len(f.sessions.calls), tt.sessions)
			}
			if len(f.browser.connects) != f.browser.closed {
				t.Errorf("browser opened %d times, closed %d", len(f.browser.connects), f.browser.closed)
			}

			saved, err := f.store.GetRun(run.ID)
			if err != nil {
				t.Fatalf("failed run not persisted: %v", err)
			}
			if saved.State != pipeline.StateFailed {
				t.Errorf("persisted state = %s", saved.State)
			}
			assertScratchClean(t, f.cfg.Pipeline.ScratchDir)
		})
	}
}

func TestRun_CaptureRetriesReconnect(t *testing.T) {
	f := newFixture(t)
	f.browser.err = errors.New("target closed")

	if _, err := f.orch.Run(context.Background(), testRequest()); err == nil {
		t.Fatal("expected error")
	}
	if len(f.browser.connects) != 2 {
		t.Errorf("expected a fresh connection per capture attempt, got %d", len(f.browser.connects))
	}
	if f.browser.closed != 2 {
		t.Errorf("closed = %d, want 2", f.browser.closed)
	}
}

func TestRun_BrowserClosedAndScratchRemoved(t *testing.T) {
	f := newFixture(t, failed, accepted)

	if _, err := f.orch.Run(context.Background(), testRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.browser.closed != 1 {
		t.Errorf("browser closed %d times, want 1", f.browser.closed)
	}
	if f.tester.workDirs[0] != f.tester.workDirs[1] {
		t.Error("attempts should share one scratch dir")
	}
	if !strings.HasPrefix(f.tester.workDirs[0], f.cfg.Pipeline.ScratchDir) {
		t.Errorf("work dir %q outside scratch dir", f.tester.workDirs[0])
	}
	assertScratchClean(t, f.cfg.Pipeline.ScratchDir)
}

func TestRun_Cancelled(t *testing.T) {
	f := newFixture(t, failed)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.orch.Run(ctx, testRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(f.tester.seen) != 0 {
		t.Error("no test should run after cancellation")
	}
}

func TestRun_PersistsHistory(t *testing.T) {
	f := newFixture(t, failed, accepted)

	run, err := f.orch.Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	saved, err := f.store.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if saved.State != pipeline.StateDone || saved.Summary == nil || saved.ChatID != "chat-1" {
		t.Errorf("saved run = %+v", saved)
	}
	if _, err := f.store.GetAttempt(run.ID, 2); err != nil {
		t.Errorf("attempt 2 not saved: %v", err)
	}
	if _, err := os.Stat(f.store.FilesDir(run.ID)); err != nil {
		t.Errorf("generated files not saved: %v", err)
	}

	rec, err := f.db.GetRun(run.ID)
	if err != nil || rec == nil {
		t.Fatalf("db run: %v, %v", rec, err)
	}
	if rec.State != "DONE" || !rec.TestPassed || rec.Attempts != 2 {
		t.Errorf("db record = %+v", rec)
	}
	outcomes, err := f.db.ListTestOutcomes(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 2 || outcomes[0].Passed || !outcomes[1].Passed {
		t.Errorf("outcomes = %+v", outcomes)
	}

	events, err := f.db.ListRunEvents(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	var states []string
	for _, e := range events {
		states = append(states, e.State)
	}
	want := "INIT,SESSION_CREATED,LOGS_CAPTURED,FILES_PREPARED,GENERATED,TESTING,RETRYING,TESTING,PASSED,DONE"
	if strings.Join(states, ",") != want {
		t.Errorf("events = %s\nwant     %s", strings.Join(states, ","), want)
	}

	var hist []string
	for _, h := range run.History {
		hist = append(hist, string(h.State))
	}
	if strings.Join(hist, ",") != want {
		t.Errorf("history = %v", hist)
	}
}

func TestRun_ProgressOutput(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orch.Run(context.Background(), testRequest()); err != nil {
		t.Fatal(err)
	}
	out := f.progress.String()
	for _, want := range []string{"session sess-1", "captured 2 network log entries", "attempt 1: passed"} {
		if !strings.Contains(out, want) {
			t.Errorf("progress missing %q:\n%s", want, out)
		}
	}
}

func TestRun_WithoutPersistence(t *testing.T) {
	f := newFixture(t)
	f.store = nil
	f.db = nil
	f.build()

	sum, err := f.orch.Run(context.Background(), testRequest())
	if err != nil || !sum.TestPassed {
		t.Fatalf("run without stores: %+v, %v", sum, err)
	}
}

func TestCapture(t *testing.T) {
	f := newFixture(t)

	sess, logs, err := f.orch.Capture(context.Background(), "https://shop.example.com", "", 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.ID != "sess-1" || len(logs) != 2 {
		t.Errorf("session=%v logs=%d", sess, len(logs))
	}
	if f.browser.closed != 1 || f.browser.waits[0] != 5*time.Second {
		t.Errorf("closed=%d wait=%s", f.browser.closed, f.browser.waits[0])
	}
	if len(f.gen.generated) != 0 {
		t.Error("capture must not generate")
	}
}

package analytics

import (
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/crafter-station/scrapi/internal/db"
)

func testDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func exec(t *testing.T, conn *sql.DB, query string, args ...interface{}) {
	t.Helper()
	if _, err := conn.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func insertRun(t *testing.T, c *sql.DB, id, state string, attempts int, passed, empty bool, created string) {
	t.Helper()
	exec(t, c, `INSERT INTO runs (id, url, user_prompt, state, attempts, test_passed, returned_empty, created_at, updated_at)
		VALUES (?, 'https://example.com', 'p', ?, ?, ?, ?, ?, ?)`, id, state, attempts, passed, empty, created, created)
}

func stateEvent(t *testing.T, c *sql.DB, run, state, ts string) {
	t.Helper()
	exec(t, c, `INSERT INTO run_events (run_id, event, state, timestamp) VALUES (?, 'state', ?, ?)`, run, state, ts)
}

// --- QueryRunStats ---

func TestQueryRunStats(t *testing.T) {
	d := testDB(t)
	c := d.Conn()

	insertRun(t, c, "a", "DONE", 1, true, false, "2024-06-01T10:00:00.000000Z")
	insertRun(t, c, "b", "DONE", 3, true, false, "2024-06-01T11:00:00.000000Z")
	insertRun(t, c, "c", "DONE", 5, false, true, "2024-06-01T12:00:00.000000Z")
	insertRun(t, c, "d", "FAILED", 0, false, false, "2024-06-01T13:00:00.000000Z")
	insertRun(t, c, "e", "TESTING", 1, false, false, "2024-06-01T14:00:00.000000Z")

	st, err := QueryRunStats(d, "")
	if err != nil {
		t.Fatalf("QueryRunStats: %v", err)
	}
	if st.Total != 5 || st.Passed != 2 || st.NotPassed != 1 || st.Failed != 1 || st.Active != 1 {
		t.Errorf("counts = %+v", st)
	}
	if st.PassRate != 50.0 {
		t.Errorf("pass rate = %f, want 50.0", st.PassRate)
	}
	if st.EmptyRate != 25.0 {
		t.Errorf("empty rate = %f, want 25.0", st.EmptyRate)
	}
	if st.FirstAttemptRate != 25.0 {
		t.Errorf("first attempt rate = %f, want 25.0", st.FirstAttemptRate)
	}
	// Attempts of finished runs that tested at all: 1, 3, 5.
	if st.AvgAttempts != 3.0 {
		t.Errorf("avg attempts = %f, want 3.0", st.AvgAttempts)
	}
}

func TestQueryRunStats_Since(t *testing.T) {
	d := testDB(t)
	c := d.Conn()

	insertRun(t, c, "old", "FAILED", 0, false, false, "2024-01-01T00:00:00.000000Z")
	insertRun(t, c, "new", "DONE", 1, true, false, "2024-06-01T00:00:00.000000Z")

	st, err := QueryRunStats(d, "2024-05-01T00:00:00.000000Z")
	if err != nil {
		t.Fatalf("QueryRunStats: %v", err)
	}
	if st.Total != 1 || st.PassRate != 100.0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestQueryRunStats_Empty(t *testing.T) {
	d := testDB(t)
	st, err := QueryRunStats(d, "")
	if err != nil {
		t.Fatalf("QueryRunStats: %v", err)
	}
	if st.Total != 0 || st.PassRate != 0 {
		t.Errorf("stats = %+v", st)
	}
}

// --- QueryStateDurations ---

func TestQueryStateDurations(t *testing.T) {
	d := testDB(t)
	c := d.Conn()

	// Run a: 10s in TESTING. Run b: 30s in TESTING.
	stateEvent(t, c, "a", "TESTING", "2024-06-01T10:00:00.000000Z")
	stateEvent(t, c, "a", "PASSED", "2024-06-01T10:00:10.000000Z")
	stateEvent(t, c, "a", "DONE", "2024-06-01T10:00:11.000000Z")
	stateEvent(t, c, "b", "TESTING", "2024-06-01T11:00:00.000000Z")
	stateEvent(t, c, "b", "FAILED", "2024-06-01T11:00:30.000000Z")

	results, err := QueryStateDurations(d, "")
	if err != nil {
		t.Fatalf("QueryStateDurations: %v", err)
	}

	byState := map[string]StateDuration{}
	for _, r := range results {
		byState[r.State] = r
	}
	if len(results) != 2 {
		t.Fatalf("expected TESTING and PASSED, got %+v", results)
	}
	tst := byState["TESTING"]
	if tst.Count != 2 || tst.Avg != 20.0 {
		t.Errorf("TESTING = %+v, want count 2 avg 20", tst)
	}
	if byState["PASSED"].Avg != 1.0 {
		t.Errorf("PASSED = %+v", byState["PASSED"])
	}
	if _, ok := byState["DONE"]; ok {
		t.Error("terminal states have no duration")
	}
}

func TestQueryStateDurations_RunsDoNotMix(t *testing.T) {
	d := testDB(t)
	c := d.Conn()

	// Events of different runs interleave in time.
	stateEvent(t, c, "a", "INIT", "2024-06-01T10:00:00.000000Z")
	stateEvent(t, c, "b", "INIT", "2024-06-01T10:00:01.000000Z")
	stateEvent(t, c, "a", "SESSION_CREATED", "2024-06-01T10:00:05.000000Z")
	stateEvent(t, c, "b", "SESSION_CREATED", "2024-06-01T10:00:03.000000Z")

	results, err := QueryStateDurations(d, "")
	if err != nil {
		t.Fatalf("QueryStateDurations: %v", err)
	}
	if len(results) != 1 || results[0].State != "INIT" || results[0].Count != 2 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Avg != 3.5 {
		t.Errorf("INIT avg = %f, want 3.5", results[0].Avg)
	}
}

func TestQueryStateDurations_Empty(t *testing.T) {
	d := testDB(t)
	results, err := QueryStateDurations(d, "")
	if err != nil {
		t.Fatalf("QueryStateDurations: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %+v", results)
	}
}

// --- QueryAttemptOutcomes ---

func TestQueryAttemptOutcomes(t *testing.T) {
	d := testDB(t)
	for _, o := range []db.TestOutcome{
		{RunID: "a", Attempt: 1, Passed: false, DurationMs: 1000},
		{RunID: "a", Attempt: 2, Passed: true, DurationMs: 3000},
		{RunID: "b", Attempt: 1, Passed: true, ReturnedEmpty: true, DurationMs: 2000},
		{RunID: "c", Attempt: 1, Passed: true, DurationMs: 3000},
		{RunID: "d", Attempt: 1, Passed: false, DurationMs: 2000},
	} {
		if err := d.LogTestOutcome(o); err != nil {
			t.Fatal(err)
		}
	}

	results, err := QueryAttemptOutcomes(d, "")
	if err != nil {
		t.Fatalf("QueryAttemptOutcomes: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 attempt rows, got %+v", results)
	}
	first := results[0]
	if first.Attempt != 1 || first.Total != 4 {
		t.Errorf("first = %+v", first)
	}
	if first.Passed != 25.0 || first.Empty != 25.0 || first.Failed != 50.0 {
		t.Errorf("first rates = %+v", first)
	}
	if first.AvgDurationMs != 2000.0 {
		t.Errorf("first avg duration = %f", first.AvgDurationMs)
	}
	if results[1].Attempt != 2 || results[1].Passed != 100.0 {
		t.Errorf("second = %+v", results[1])
	}
}

// --- QueryStepFailures ---

func TestQueryStepFailures(t *testing.T) {
	d := testDB(t)
	for _, e := range []struct{ run, detail string }{
		{"a", "create-session failed: status 401"},
		{"b", "capture-logs failed: navigation timeout"},
		{"c", "create-session failed: status 500"},
		{"d", "context canceled"},
	} {
		if err := d.LogRunEvent(e.run, "error", "FAILED", e.detail); err != nil {
			t.Fatal(err)
		}
	}

	results, err := QueryStepFailures(d, "")
	if err != nil {
		t.Fatalf("QueryStepFailures: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 steps, got %+v", results)
	}
	top := results[0]
	if top.Step != "create-session" || top.Count != 2 || top.Share != 50.0 {
		t.Errorf("top = %+v", top)
	}
	if !strings.Contains(top.LastError, "status 500") {
		t.Errorf("last error = %q", top.LastError)
	}
	steps := []string{results[1].Step, results[2].Step}
	if steps[0] != "capture-logs" || steps[1] != "unknown" {
		t.Errorf("steps = %v", steps)
	}
}

// --- Query ---

func TestQuery(t *testing.T) {
	d := testDB(t)
	c := d.Conn()
	insertRun(t, c, "a", "DONE", 1, true, false, db.Timestamp(time.Now()))
	stateEvent(t, c, "a", "TESTING", "2024-06-01T10:00:00.000000Z")
	stateEvent(t, c, "a", "PASSED", "2024-06-01T10:00:02.000000Z")

	since := Since(time.Hour, time.Now())
	report, err := Query(d, since)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if report.Since != since || report.Runs.Total != 1 {
		t.Errorf("report = %+v", report)
	}
	// The state events are older than the window.
	if len(report.States) != 0 {
		t.Errorf("states = %+v", report.States)
	}
}

func TestSince(t *testing.T) {
	now := time.Date(2024, 6, 8, 12, 0, 0, 0, time.UTC)
	if got := Since(0, now); got != "" {
		t.Errorf("Since(0) = %q, want empty", got)
	}
	if got := Since(7*24*time.Hour, now); got != "2024-06-01T12:00:00.000000Z" {
		t.Errorf("Since(7d) = %q", got)
	}
}

// --- Helper tests ---

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"2024-06-01T10:00:00.000000Z", true},
		{"2024-06-01T10:00:00Z", true},
		{"2024-06-01 10:00:00", true},
		{"2024-06-01T10:00:00.5+02:00", true},
		{"not-a-date", false},
	}
	for _, tc := range tests {
		_, err := parseTimestamp(tc.input)
		if tc.valid && err != nil {
			t.Errorf("parseTimestamp(%q) = error %v, want success", tc.input, err)
		}
		if !tc.valid && err == nil {
			t.Errorf("parseTimestamp(%q) = success, want error", tc.input)
		}
	}
}

func TestAvg(t *testing.T) {
	if v := avg([]float64{10, 20, 30}); v != 20.0 {
		t.Errorf("avg([10,20,30]) = %f, want 20.0", v)
	}
	if v := avg(nil); v != 0.0 {
		t.Errorf("avg(nil) = %f, want 0.0", v)
	}
}

func TestPercentile(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	p50 := percentile(values, 50)
	if p50 < 5.0 || p50 > 6.0 {
		t.Errorf("p50 = %f, expected ~5.5", p50)
	}
	p95 := percentile(values, 95)
	if p95 < 9.0 || p95 > 10.0 {
		t.Errorf("p95 = %f, expected ~9.6", p95)
	}
	if v := percentile(nil, 50); v != 0.0 {
		t.Errorf("percentile(nil, 50) = %f, want 0.0", v)
	}
}

func TestPct(t *testing.T) {
	if v := pct(1, 4); v != 25.0 {
		t.Errorf("pct(1,4) = %f, want 25.0", v)
	}
	if v := pct(0, 0); v != 0.0 {
		t.Errorf("pct(0,0) = %f, want 0.0", v)
	}
}

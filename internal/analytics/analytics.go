package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

// Report bundles every statistic for runs created since a cutoff.
type Report struct {
	Since    string           `json:"since,omitempty"`
	Runs     RunStats         `json:"runs"`
	States   []StateDuration  `json:"states"`
	Attempts []AttemptOutcome `json:"attempts"`
	Failures []StepFailure    `json:"failures"`
}

// Query builds the full report. An empty since covers all history.
func Query(database DB, since string) (*Report, error) {
	runs, err := QueryRunStats(database, since)
	if err != nil {
		return nil, err
	}
	states, err := QueryStateDurations(database, since)
	if err != nil {
		return nil, err
	}
	attempts, err := QueryAttemptOutcomes(database, since)
	if err != nil {
		return nil, err
	}
	failures, err := QueryStepFailures(database, since)
	if err != nil {
		return nil, err
	}
	return &Report{Since: since, Runs: *runs, States: states, Attempts: attempts, Failures: failures}, nil
}

// RunStats summarizes run results.
type RunStats struct {
	Total            int     `json:"total"`
	Passed           int     `json:"passed"`
	NotPassed        int     `json:"not_passed"`
	Failed           int     `json:"failed"`
	Active           int     `json:"active"`
	PassRate         float64 `json:"pass_rate_pct"`
	EmptyRate        float64 `json:"empty_rate_pct"`
	FirstAttemptRate float64 `json:"first_attempt_pass_pct"`
	AvgAttempts      float64 `json:"avg_attempts"`
	P95Attempts      float64 `json:"p95_attempts"`
}

// QueryRunStats counts runs by result. Pass rates use finished runs
// (DONE or FAILED) as the denominator.
func QueryRunStats(database DB, since string) (*RunStats, error) {
	query := `SELECT state, attempts, test_passed, returned_empty FROM runs`
	args := []any{}
	if since != "" {
		query += ` WHERE created_at >= ?`
		args = append(args, since)
	}

	rows, err := database.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query run stats: %w", err)
	}
	defer rows.Close()

	var st RunStats
	var empty, firstAttempt int
	var attempts []float64
	for rows.Next() {
		var state string
		var n int
		var passed, returnedEmpty bool
		if err := rows.Scan(&state, &n, &passed, &returnedEmpty); err != nil {
			return nil, fmt.Errorf("scan run stats: %w", err)
		}
		st.Total++
		switch state {
		case "DONE":
			if passed {
				st.Passed++
				if n == 1 {
					firstAttempt++
				}
			} else {
				st.NotPassed++
			}
			if returnedEmpty {
				empty++
			}
		case "FAILED":
			st.Failed++
		default:
			st.Active++
			continue
		}
		if n > 0 {
			attempts = append(attempts, float64(n))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	finished := st.Passed + st.NotPassed + st.Failed
	st.PassRate = pct(st.Passed, finished)
	st.EmptyRate = pct(empty, finished)
	st.FirstAttemptRate = pct(firstAttempt, finished)
	sort.Float64s(attempts)
	st.AvgAttempts = avg(attempts)
	st.P95Attempts = percentile(attempts, 95)
	return &st, nil
}

// StateDuration holds how long runs stay in a state, in seconds.
type StateDuration struct {
	State string  `json:"state"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
}

// QueryStateDurations pairs each state event with the next one of the same
// run. The gap is the time spent in the earlier state. Terminal states have
// no successor and are not reported.
func QueryStateDurations(database DB, since string) ([]StateDuration, error) {
	query := `SELECT run_id, state, timestamp FROM run_events WHERE event = 'state'`
	args := []any{}
	if since != "" {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}
	query += ` ORDER BY run_id, id`

	rows, err := database.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query state durations: %w", err)
	}
	defer rows.Close()

	durations := make(map[string][]float64)
	var prevRun, prevState string
	var prevTS time.Time
	for rows.Next() {
		var runID, ts string
		var state sql.NullString
		if err := rows.Scan(&runID, &state, &ts); err != nil {
			return nil, fmt.Errorf("scan state duration: %w", err)
		}
		t, err := parseTimestamp(ts)
		if err != nil {
			prevRun = ""
			continue
		}
		if runID == prevRun && prevState != "" {
			if secs := t.Sub(prevTS).Seconds(); secs >= 0 {
				durations[prevState] = append(durations[prevState], secs)
			}
		}
		prevRun, prevState, prevTS = runID, state.String, t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []StateDuration
	for state, ds := range durations {
		sort.Float64s(ds)
		results = append(results, StateDuration{
			State: state,
			Count: len(ds),
			Avg:   avg(ds),
			P50:   percentile(ds, 50),
			P95:   percentile(ds, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].State < results[j].State
	})
	return results, nil
}

// AttemptOutcome holds test results for the nth attempt across runs.
type AttemptOutcome struct {
	Attempt       int     `json:"attempt"`
	Total         int     `json:"total"`
	Passed        float64 `json:"passed_pct"`
	Empty         float64 `json:"empty_pct"`
	Failed        float64 `json:"failed_pct"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	P95DurationMs float64 `json:"p95_duration_ms"`
}

// QueryAttemptOutcomes shows whether later attempts fare better than the
// first one.
func QueryAttemptOutcomes(database DB, since string) ([]AttemptOutcome, error) {
	query := `SELECT attempt, passed, returned_empty, duration_ms FROM test_outcomes`
	args := []any{}
	if since != "" {
		query += ` WHERE timestamp >= ?`
		args = append(args, since)
	}

	rows, err := database.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempt outcomes: %w", err)
	}
	defer rows.Close()

	type counts struct {
		total, passed, empty, failed int
		durations                    []float64
	}
	byAttempt := make(map[int]*counts)
	for rows.Next() {
		var attempt int
		var passed, empty bool
		var duration sql.NullInt64
		if err := rows.Scan(&attempt, &passed, &empty, &duration); err != nil {
			return nil, fmt.Errorf("scan attempt outcome: %w", err)
		}
		c, ok := byAttempt[attempt]
		if !ok {
			c = &counts{}
			byAttempt[attempt] = c
		}
		c.total++
		switch {
		case passed && !empty:
			c.passed++
		case passed:
			c.empty++
		default:
			c.failed++
		}
		if duration.Valid {
			c.durations = append(c.durations, float64(duration.Int64))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []AttemptOutcome
	for attempt, c := range byAttempt {
		sort.Float64s(c.durations)
		results = append(results, AttemptOutcome{
			Attempt:       attempt,
			Total:         c.total,
			Passed:        pct(c.passed, c.total),
			Empty:         pct(c.empty, c.total),
			Failed:        pct(c.failed, c.total),
			AvgDurationMs: avg(c.durations),
			P95DurationMs: percentile(c.durations, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Attempt < results[j].Attempt
	})
	return results, nil
}

// StepFailure counts failed runs by the step that failed them.
type StepFailure struct {
	Step      string  `json:"step"`
	Count     int     `json:"count"`
	Share     float64 `json:"share_pct"`
	LastError string  `json:"last_error"`
}

// QueryStepFailures groups error events by step. The step is read from
// the "<step> failed: ..." prefix of the recorded error.
func QueryStepFailures(database DB, since string) ([]StepFailure, error) {
	query := `SELECT detail FROM run_events WHERE event = 'error'`
	args := []any{}
	if since != "" {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}
	query += ` ORDER BY id`

	rows, err := database.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query step failures: %w", err)
	}
	defer rows.Close()

	byStep := make(map[string]*StepFailure)
	total := 0
	for rows.Next() {
		var detail sql.NullString
		if err := rows.Scan(&detail); err != nil {
			return nil, fmt.Errorf("scan step failure: %w", err)
		}
		step := "unknown"
		if s, _, ok := strings.Cut(detail.String, " failed: "); ok && !strings.Contains(s, " ") {
			step = s
		}
		f, ok := byStep[step]
		if !ok {
			f = &StepFailure{Step: step}
			byStep[step] = f
		}
		f.Count++
		f.LastError = detail.String
		total++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results := make([]StepFailure, 0, len(byStep))
	for _, f := range byStep {
		f.Share = pct(f.Count, total)
		results = append(results, *f)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Count != results[j].Count {
			return results[i].Count > results[j].Count
		}
		return results[i].Step < results[j].Step
	})
	return results, nil
}

// Since converts a lookback window into a cutoff comparable with stored
// timestamps. A zero window means all history.
func Since(window time.Duration, now time.Time) string {
	if window <= 0 {
		return ""
	}
	return now.Add(-window).UTC().Format(timestampFormats[0])
}

// timestamp formats to try when parsing timestamps from the database
var timestampFormats = []string{
	"2006-01-02T15:04:05.000000Z",
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

func parseTimestamp(s string) (time.Time, error) {
	for _, f := range timestampFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}

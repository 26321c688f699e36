package db

import (
	"database/sql"
	"fmt"
	"time"
)

// maxStoredOutput bounds the test output kept per attempt.
const maxStoredOutput = 64 * 1024

// timeLayout has fixed width so timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func now() string {
	return Timestamp(time.Now())
}

// Timestamp formats t the way every timestamp column stores it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// RunRecord is the queryable summary row of a run.
type RunRecord struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	UserPrompt    string `json:"userPrompt"`
	State         string `json:"state"`
	Attempts      int    `json:"attempts"`
	TestPassed    bool   `json:"testPassed"`
	ReturnedEmpty bool   `json:"returnedEmpty"`
	SessionID     string `json:"sessionId,omitempty"`
	ChatID        string `json:"chatId,omitempty"`
	Error         string `json:"error,omitempty"`
	CreatedAt     string `json:"createdAt"`
	UpdatedAt     string `json:"updatedAt"`
}

// RunEvent is one state transition or notable event of a run.
type RunEvent struct {
	ID        int    `json:"id"`
	RunID     string `json:"runId"`
	Event     string `json:"event"`
	State     string `json:"state,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// TestOutcome is one test attempt.
type TestOutcome struct {
	ID            int    `json:"id"`
	RunID         string `json:"runId"`
	Attempt       int    `json:"attempt"`
	Passed        bool   `json:"passed"`
	ReturnedEmpty bool   `json:"returnedEmpty"`
	ExitCode      int    `json:"exitCode"`
	DurationMs    int    `json:"durationMs"`
	Output        string `json:"output,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// SaveRun inserts or updates the summary row of a run.
func (d *DB) SaveRun(r RunRecord) error {
	ts := now()
	if r.CreatedAt == "" {
		r.CreatedAt = ts
	}
	_, err := d.exec(`INSERT INTO runs
		(id, url, user_prompt, state, attempts, test_passed, returned_empty, session_id, chat_id, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			attempts = excluded.attempts,
			test_passed = excluded.test_passed,
			returned_empty = excluded.returned_empty,
			session_id = excluded.session_id,
			chat_id = excluded.chat_id,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		r.ID, r.URL, r.UserPrompt, r.State, r.Attempts, r.TestPassed, r.ReturnedEmpty,
		nullable(r.SessionID), nullable(r.ChatID), nullable(r.Error), r.CreatedAt, ts)
	if err != nil {
		return fmt.Errorf("save run %s: %w", r.ID, err)
	}
	return nil
}

// GetRun returns the summary row of a run, or nil when it does not exist.
func (d *DB) GetRun(id string) (*RunRecord, error) {
	row := d.queryRow(`SELECT id, url, user_prompt, state, attempts, test_passed, returned_empty,
		session_id, chat_id, error, created_at, updated_at FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

// RecentRuns returns up to limit runs, newest first.
func (d *DB) RecentRuns(limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.query(`SELECT id, url, user_prompt, state, attempts, test_passed, returned_empty,
		session_id, chat_id, error, created_at, updated_at FROM runs
		ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*RunRecord, error) {
	var r RunRecord
	var sessionID, chatID, errText sql.NullString
	if err := s.Scan(&r.ID, &r.URL, &r.UserPrompt, &r.State, &r.Attempts, &r.TestPassed, &r.ReturnedEmpty,
		&sessionID, &chatID, &errText, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.SessionID = sessionID.String
	r.ChatID = chatID.String
	r.Error = errText.String
	return &r, nil
}

// DeleteRun removes a run's summary row, events and test outcomes. It
// reports whether a summary row existed.
func (d *DB) DeleteRun(id string) (bool, error) {
	tx, err := d.conn.Begin()
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, table := range []string{"run_events", "test_outcomes"} {
		if _, err := tx.Exec(d.rebind("DELETE FROM "+table+" WHERE run_id = ?"), id); err != nil {
			return false, fmt.Errorf("delete %s of %s: %w", table, id, err)
		}
	}
	res, err := tx.Exec(d.rebind("DELETE FROM runs WHERE id = ?"), id)
	if err != nil {
		return false, fmt.Errorf("delete run %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, tx.Commit()
}

// LogRunEvent appends an event to a run's history.
func (d *DB) LogRunEvent(runID, event, state, detail string) error {
	_, err := d.exec(`INSERT INTO run_events (run_id, event, state, detail, timestamp) VALUES (?, ?, ?, ?, ?)`,
		runID, event, nullable(state), nullable(detail), now())
	if err != nil {
		return fmt.Errorf("log run event: %w", err)
	}
	return nil
}

// ListRunEvents returns a run's events in insertion order.
func (d *DB) ListRunEvents(runID string) ([]RunEvent, error) {
	rows, err := d.query(`SELECT id, run_id, event, state, detail, timestamp
		FROM run_events WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run events: %w", err)
	}
	defer rows.Close()

	var out []RunEvent
	for rows.Next() {
		var e RunEvent
		var state, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Event, &state, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		e.State = state.String
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// LogTestOutcome records one test attempt. Output is truncated to keep rows
// small.
func (d *DB) LogTestOutcome(o TestOutcome) error {
	output := o.Output
	if len(output) > maxStoredOutput {
		output = output[len(output)-maxStoredOutput:]
	}
	_, err := d.exec(`INSERT INTO test_outcomes
		(run_id, attempt, passed, returned_empty, exit_code, duration_ms, output, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.RunID, o.Attempt, o.Passed, o.ReturnedEmpty, o.ExitCode, o.DurationMs, output, now())
	if err != nil {
		return fmt.Errorf("log test outcome: %w", err)
	}
	return nil
}

// ListTestOutcomes returns a run's test attempts in order.
func (d *DB) ListTestOutcomes(runID string) ([]TestOutcome, error) {
	rows, err := d.query(`SELECT id, run_id, attempt, passed, returned_empty, exit_code, duration_ms, output, timestamp
		FROM test_outcomes WHERE run_id = ? ORDER BY attempt ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query test outcomes: %w", err)
	}
	defer rows.Close()

	var out []TestOutcome
	for rows.Next() {
		var o TestOutcome
		var exitCode, duration sql.NullInt64
		var output sql.NullString
		if err := rows.Scan(&o.ID, &o.RunID, &o.Attempt, &o.Passed, &o.ReturnedEmpty, &exitCode, &duration, &output, &o.Timestamp); err != nil {
			return nil, fmt.Errorf("scan test outcome: %w", err)
		}
		o.ExitCode = int(exitCode.Int64)
		o.DurationMs = int(duration.Int64)
		o.Output = output.String
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package orchestrator

import (
	"time"

	"github.com/crafter-station/scrapi/internal/db"
	"github.com/crafter-station/scrapi/internal/pipeline"
	"github.com/crafter-station/scrapi/internal/tester"
)

// transition moves run into state and persists it, so readers of the store
// can follow a run while it executes. Persistence failures are logged, never
// fatal.
func (o *Orchestrator) transition(run *pipeline.Run, state pipeline.State) {
	run.State = state
	run.History = append(run.History, pipeline.Transition{State: state, At: time.Now().UTC().Format(time.RFC3339)})
	o.logger.Debug("state", "run_id", run.ID, "state", state)
	if o.db != nil {
		if err := o.db.LogRunEvent(run.ID, "state", string(state), ""); err != nil {
			o.logger.Warn("log run event", "run_id", run.ID, "error", err)
		}
	}
	o.persist(run)
}

// persist writes the run record to whichever stores are configured.
func (o *Orchestrator) persist(run *pipeline.Run) {
	if o.store != nil {
		if err := o.store.SaveRun(run); err != nil {
			o.logger.Warn("save run", "run_id", run.ID, "error", err)
		}
	}
	if o.db != nil {
		rec := db.RunRecord{
			ID:         run.ID,
			URL:        run.Request.URL,
			UserPrompt: run.Request.UserPrompt,
			State:      string(run.State),
			Attempts:   len(run.Attempts),
			SessionID:  run.SessionID,
			ChatID:     run.ChatID,
			Error:      run.Error,
			CreatedAt:  run.CreatedAt,
		}
		if run.Summary != nil {
			rec.TestPassed = run.Summary.TestPassed
			rec.ReturnedEmpty = run.Summary.ReturnedEmpty
		}
		if err := o.db.SaveRun(rec); err != nil {
			o.logger.Warn("save run history", "run_id", run.ID, "error", err)
		}
	}
}

func (o *Orchestrator) recordAttempt(runID string, n int, out *tester.Outcome) {
	if o.store != nil {
		if err := o.store.SaveAttempt(runID, n, out); err != nil {
			o.logger.Warn("save attempt", "run_id", runID, "attempt", n, "error", err)
		}
	}
	if o.db != nil {
		err := o.db.LogTestOutcome(db.TestOutcome{
			RunID:         runID,
			Attempt:       n,
			Passed:        out.Passed,
			ReturnedEmpty: out.ReturnedEmpty,
			ExitCode:      out.ExitCode,
			DurationMs:    out.DurationMs,
			Output:        out.Output,
		})
		if err != nil {
			o.logger.Warn("log test outcome", "run_id", runID, "attempt", n, "error", err)
		}
	}
}

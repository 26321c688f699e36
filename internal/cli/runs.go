package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crafter-station/scrapi/internal/config"
	"github.com/crafter-station/scrapi/internal/db"
	"github.com/crafter-station/scrapi/internal/pipeline"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect past runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}

		state, _ := cmd.Flags().GetString("state")
		runs, err := store.List(pipeline.State(strings.ToUpper(state)))
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}

		w := cmd.OutOrStdout()
		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(w, runs)
		}

		if len(runs) == 0 {
			fmt.Fprintln(w, "No runs found.")
			return nil
		}
		fmt.Fprintf(w, "%-36s %-8s %-8s %-20s %s\n", "ID", "STATE", "ATTEMPTS", "CREATED", "URL")
		fmt.Fprintf(w, "%-36s %-8s %-8s %-20s %s\n",
			strings.Repeat("-", 36),
			strings.Repeat("-", 8),
			strings.Repeat("-", 8),
			strings.Repeat("-", 20),
			strings.Repeat("-", 3))
		for _, r := range runs {
			fmt.Fprintf(w, "%-36s %-8s %-8d %-20s %s\n", r.ID, r.State, len(r.Attempts), r.CreatedAt, r.Request.URL)
		}
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run's request, state history and test attempts",
	Long: `Show a run from the artifact store. Runs whose artifacts were removed are
read from the history database instead. --attempt prints the full test output
of one attempt.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		id := args[0]
		w := cmd.OutOrStdout()
		format, _ := cmd.Flags().GetString("format")

		if n, _ := cmd.Flags().GetInt("attempt"); n > 0 {
			return showAttempt(cmd, cfg, store, id, n)
		}

		run, err := store.GetRun(id)
		if errors.Is(err, pipeline.ErrNotFound) {
			return showHistory(cmd, cfg, id)
		}
		if err != nil {
			return err
		}

		if format == "json" {
			return writeJSON(w, run)
		}

		fmt.Fprintf(w, "Run %s\n", run.ID)
		fmt.Fprintf(w, "  URL:       %s\n", run.Request.URL)
		fmt.Fprintf(w, "  Prompt:    %s\n", run.Request.UserPrompt)
		fmt.Fprintf(w, "  State:     %s\n", run.State)
		if run.SessionID != "" {
			fmt.Fprintf(w, "  Session:   %s\n", run.SessionID)
		}
		if run.ChatID != "" {
			fmt.Fprintf(w, "  Chat:      %s\n", run.ChatID)
		}
		if run.Error != "" {
			fmt.Fprintf(w, "  Failed at: %s\n", run.FailedStep)
			fmt.Fprintf(w, "  Error:     %s\n", run.Error)
		}
		fmt.Fprintf(w, "  Created:   %s\n", run.CreatedAt)
		fmt.Fprintf(w, "  Updated:   %s\n", run.UpdatedAt)

		if len(run.History) > 0 {
			fmt.Fprintln(w, "  History:")
			for _, h := range run.History {
				fmt.Fprintf(w, "    %s  %s\n", h.At, h.State)
			}
		}
		if len(run.Attempts) > 0 {
			fmt.Fprintln(w, "  Attempts:")
			for i, a := range run.Attempts {
				fmt.Fprintf(w, "    #%d  %-6s exit=%d  %dms\n", i+1, attemptResult(a.Accepted(), a.ReturnedEmpty), a.ExitCode, a.DurationMs)
			}
		}
		if run.Summary != nil {
			fmt.Fprintf(w, "  Files:     %s\n", store.FilesDir(run.ID))
		}
		return nil
	},
}

// historyView is what the history database keeps of a run.
type historyView struct {
	Run      *db.RunRecord    `json:"run"`
	Events   []db.RunEvent    `json:"events"`
	Outcomes []db.TestOutcome `json:"outcomes"`
}

func showHistory(cmd *cobra.Command, cfg *config.Config, id string) error {
	database, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	rec, err := database.GetRun(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: %s", pipeline.ErrNotFound, id)
	}
	events, err := database.ListRunEvents(id)
	if err != nil {
		return err
	}
	outcomes, err := database.ListTestOutcomes(id)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if format, _ := cmd.Flags().GetString("format"); format == "json" {
		return writeJSON(w, historyView{Run: rec, Events: events, Outcomes: outcomes})
	}

	fmt.Fprintf(w, "Run %s (history only)\n", rec.ID)
	fmt.Fprintf(w, "  URL:       %s\n", rec.URL)
	fmt.Fprintf(w, "  Prompt:    %s\n", rec.UserPrompt)
	fmt.Fprintf(w, "  State:     %s\n", rec.State)
	fmt.Fprintf(w, "  Passed:    %t\n", rec.TestPassed)
	if rec.Error != "" {
		fmt.Fprintf(w, "  Error:     %s\n", rec.Error)
	}
	fmt.Fprintf(w, "  Created:   %s\n", rec.CreatedAt)
	if len(events) > 0 {
		fmt.Fprintln(w, "  Events:")
		for _, e := range events {
			line := fmt.Sprintf("    %s  %-6s %s", e.Timestamp, e.Event, e.State)
			if e.Detail != "" {
				line += "  " + e.Detail
			}
			fmt.Fprintln(w, line)
		}
	}
	if len(outcomes) > 0 {
		fmt.Fprintln(w, "  Attempts:")
		for _, o := range outcomes {
			fmt.Fprintf(w, "    #%d  %-6s exit=%d  %dms\n", o.Attempt, attemptResult(o.Passed && !o.ReturnedEmpty, o.ReturnedEmpty), o.ExitCode, o.DurationMs)
		}
	}
	return nil
}

// showAttempt prints the full outcome of attempt n, from the artifact store
// or else from the history database.
func showAttempt(cmd *cobra.Command, cfg *config.Config, store *pipeline.Store, id string, n int) error {
	w := cmd.OutOrStdout()
	format, _ := cmd.Flags().GetString("format")

	out, err := store.GetAttempt(id, n)
	if err == nil {
		if format == "json" {
			return writeJSON(w, out)
		}
		fmt.Fprintf(w, "Attempt %d: %s (exit=%d, %dms)\n", n, attemptResult(out.Accepted(), out.ReturnedEmpty), out.ExitCode, out.DurationMs)
		if out.Error != "" {
			fmt.Fprintf(w, "Error: %s\n", out.Error)
		}
		for _, d := range out.Diagnostics {
			fmt.Fprintf(w, "  %s\n", d)
		}
		fmt.Fprintln(w, out.Output)
		return nil
	}
	if !errors.Is(err, pipeline.ErrNotFound) {
		return err
	}

	database, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer database.Close()
	outcomes, err := database.ListTestOutcomes(id)
	if err != nil {
		return err
	}
	for _, o := range outcomes {
		if o.Attempt != n {
			continue
		}
		if format == "json" {
			return writeJSON(w, o)
		}
		fmt.Fprintf(w, "Attempt %d: %s (exit=%d, %dms)\n", n, attemptResult(o.Passed && !o.ReturnedEmpty, o.ReturnedEmpty), o.ExitCode, o.DurationMs)
		fmt.Fprintln(w, o.Output)
		return nil
	}
	return fmt.Errorf("%w: %s attempt %d", pipeline.ErrNotFound, id, n)
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a run's artifacts and history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		database, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		id := args[0]
		err = store.Delete(id)
		inStore := err == nil
		if err != nil && !errors.Is(err, pipeline.ErrNotFound) {
			return err
		}
		inHistory, err := database.DeleteRun(id)
		if err != nil {
			return err
		}
		if !inStore && !inHistory {
			return fmt.Errorf("%w: %s", pipeline.ErrNotFound, id)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted run %s\n", id)
		return nil
	},
}

func attemptResult(accepted, empty bool) string {
	switch {
	case accepted:
		return "passed"
	case empty:
		return "empty"
	}
	return "failed"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	runsListCmd.Flags().String("state", "", "only show runs in this state (e.g. DONE, FAILED)")
	runsListCmd.Flags().String("format", "text", "Output format: text or json")
	runsShowCmd.Flags().String("format", "text", "Output format: text or json")
	runsShowCmd.Flags().Int("attempt", 0, "print the full output of this test attempt (1-based)")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsDeleteCmd)
}

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/crafter-station/scrapi/internal/analytics"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Pass rates, attempt outcomes and failing steps from run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		window, _ := cmd.Flags().GetDuration("since")
		report, err := analytics.Query(database, analytics.Since(window, time.Now()))
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		printReport(w, report)
		return nil
	},
}

func printReport(w io.Writer, r *analytics.Report) {
	if r.Runs.Total == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}

	st := r.Runs
	fmt.Fprintf(w, "Runs: %d (passed %d, not passed %d, failed %d, active %d)\n",
		st.Total, st.Passed, st.NotPassed, st.Failed, st.Active)
	fmt.Fprintf(w, "  Pass rate:          %.1f%%\n", st.PassRate)
	fmt.Fprintf(w, "  Empty results:      %.1f%%\n", st.EmptyRate)
	fmt.Fprintf(w, "  First-attempt pass: %.1f%%\n", st.FirstAttemptRate)
	fmt.Fprintf(w, "  Attempts avg/p95:   %.1f / %.1f\n", st.AvgAttempts, st.P95Attempts)

	if len(r.Attempts) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%-8s %-6s %-8s %-8s %-8s %s\n", "ATTEMPT", "RUNS", "PASSED", "EMPTY", "FAILED", "AVG MS")
		fmt.Fprintf(w, "%-8s %-6s %-8s %-8s %-8s %s\n",
			strings.Repeat("-", 8), strings.Repeat("-", 6), strings.Repeat("-", 8),
			strings.Repeat("-", 8), strings.Repeat("-", 8), strings.Repeat("-", 6))
		for _, a := range r.Attempts {
			fmt.Fprintf(w, "%-8d %-6d %-8s %-8s %-8s %.0f\n", a.Attempt, a.Total,
				fmt.Sprintf("%.1f%%", a.Passed), fmt.Sprintf("%.1f%%", a.Empty), fmt.Sprintf("%.1f%%", a.Failed),
				a.AvgDurationMs)
		}
	}

	if len(r.States) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%-16s %-6s %-8s %-8s %s\n", "STATE", "COUNT", "AVG S", "P50 S", "P95 S")
		for _, s := range r.States {
			fmt.Fprintf(w, "%-16s %-6d %-8.1f %-8.1f %.1f\n", s.State, s.Count, s.Avg, s.P50, s.P95)
		}
	}

	if len(r.Failures) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Failures by step:")
		for _, f := range r.Failures {
			fmt.Fprintf(w, "  %-18s %3d (%.1f%%)  last: %s\n", f.Step, f.Count, f.Share, f.LastError)
		}
	}
}

func init() {
	statsCmd.Flags().Duration("since", 0, "only count runs from this window, e.g. 168h (default: all history)")
	statsCmd.Flags().String("format", "text", "Output format: text or json")
}

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/crafter-station/scrapi/internal/orchestrator"
)

var captureCmd = &cobra.Command{
	Use:   "capture <url>",
	Short: "Record a page's JSON and text traffic without generating code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defer startTracing(cfg)()

		wait, _ := cmd.Flags().GetInt("wait")
		if wait <= 0 {
			wait = cfg.Pipeline.WaitTimeSeconds
		}
		project, _ := cmd.Flags().GetString("project")

		orch := orchestrator.NewDefault(cfg, nil, nil, nil)
		orch.SetProgress(cmd.ErrOrStderr())

		sess, logs, err := orch.Capture(cmd.Context(), args[0], project, time.Duration(wait)*time.Second)
		if err != nil {
			return err
		}

		data, err := json.MarshalIndent(logs, "", "  ")
		if err != nil {
			return fmt.Errorf("encode logs: %w", err)
		}
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", out, err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d entries from session %s to %s\n", len(logs), sess.ID, out)
		return nil
	},
}

func init() {
	captureCmd.Flags().Int("wait", 0, "seconds to record traffic after navigation (default from config)")
	captureCmd.Flags().String("project", "", "remote browser project id (default from config)")
	captureCmd.Flags().StringP("out", "o", "", "write the log entries to this file instead of stdout")
}

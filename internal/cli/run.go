package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crafter-station/scrapi/internal/db"
	"github.com/crafter-station/scrapi/internal/orchestrator"
	"github.com/crafter-station/scrapi/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run <url>",
	Short: "Capture a page and generate a tested scraping script",
	Long: `Run the full pipeline against a URL: open a remote browser session, record the
page's traffic, generate a script from it, and test and repair the script.

Schema flags accept a literal JSON Schema or @path to read one from a file.
The generated files are saved under ~/.scrapi/runs/<run-id>/files.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		req, err := requestFromFlags(cmd, args[0])
		if err != nil {
			return err
		}

		defer startTracing(cfg)()

		var store *pipeline.Store
		var database *db.DB
		if noHistory, _ := cmd.Flags().GetBool("no-history"); !noHistory {
			if store, err = openStore(cfg); err != nil {
				return err
			}
			if database, err = openDB(cfg); err != nil {
				return err
			}
			defer database.Close()
		}

		orch := orchestrator.NewDefault(cfg, store, database, nil)
		orch.SetProgress(cmd.ErrOrStderr())

		run, err := orch.Execute(cmd.Context(), req)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(run.Summary)
		}
		printSummary(cmd.OutOrStdout(), run, store)
		return nil
	},
}

// requestFromFlags builds a request from whichever request flags cmd
// defines; absent flags leave their field empty.
func requestFromFlags(cmd *cobra.Command, url string) (pipeline.Request, error) {
	req := pipeline.Request{URL: url}
	req.UserPrompt, _ = cmd.Flags().GetString("prompt")
	req.ProjectID, _ = cmd.Flags().GetString("project")
	req.WaitTimeSeconds, _ = cmd.Flags().GetInt("wait")
	req.MaxRetries, _ = cmd.Flags().GetInt("max-retries")

	var err error
	for _, f := range []struct {
		flag string
		dst  *string
	}{
		{"input-schema", &req.InputSchema},
		{"output-schema", &req.OutputSchema},
		{"test-args", &req.TestArgs},
	} {
		v, _ := cmd.Flags().GetString(f.flag)
		if *f.dst, err = readArg(v); err != nil {
			return req, fmt.Errorf("--%s: %w", f.flag, err)
		}
	}
	return req, nil
}

func printSummary(w io.Writer, run *pipeline.Run, store *pipeline.Store) {
	s := run.Summary
	result := "FAILED"
	switch {
	case s.TestPassed:
		result = "PASSED"
	case s.ReturnedEmpty:
		result = "EMPTY"
	}

	fmt.Fprintf(w, "Run %s: %s after %d attempt(s)\n", run.ID, result, s.Attempts)
	fmt.Fprintf(w, "  Session:   %s\n", s.SessionURL)
	fmt.Fprintf(w, "  Chat:      %s\n", run.ChatID)
	fmt.Fprintf(w, "  Logs:      %d captured\n", s.LogsCount)
	if store != nil {
		fmt.Fprintf(w, "  Files:     %s\n", store.FilesDir(run.ID))
	}
	if !s.TestPassed {
		fmt.Fprintln(w, "  Last test output:")
		for _, line := range strings.Split(strings.TrimRight(s.TestOutput, "\n"), "\n") {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
}

func init() {
	runCmd.Flags().StringP("prompt", "p", "", "what the script should extract")
	runCmd.Flags().String("input-schema", "", "JSON Schema of the script input, or @file")
	runCmd.Flags().String("output-schema", "", "JSON Schema of the script output, or @file")
	runCmd.Flags().String("test-args", "", "argument passed to the script when testing, or @file (default {})")
	runCmd.Flags().String("project", "", "remote browser project id (default from config)")
	runCmd.Flags().Int("wait", 0, "seconds to record traffic after navigation (default from config)")
	runCmd.Flags().Int("max-retries", 0, "maximum test attempts (default from config)")
	runCmd.Flags().Bool("no-history", false, "do not record the run in ~/.scrapi")
	runCmd.Flags().String("format", "text", "Output format: text or json")
}

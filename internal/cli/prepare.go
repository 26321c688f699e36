package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/crafter-station/scrapi/internal/capture"
	"github.com/crafter-station/scrapi/internal/prepare"
	"github.com/crafter-station/scrapi/internal/tester"
)

var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Build the generation bundle from captured logs and write it to a directory",
	Long: `Build the file bundle that would be sent to the generation service from a
log file written by "scrapi capture --out", and write it to --out. Useful for
inspecting what the generator sees and how many tokens it costs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logsPath, _ := cmd.Flags().GetString("logs")
		outDir, _ := cmd.Flags().GetString("out")
		if outDir == "" {
			return fmt.Errorf("--out is required")
		}

		var logs []capture.LogEntry
		if logsPath != "" {
			data, err := os.ReadFile(logsPath)
			if err != nil {
				return fmt.Errorf("read logs: %w", err)
			}
			if err := json.Unmarshal(data, &logs); err != nil {
				return fmt.Errorf("parse logs %s: %w", logsPath, err)
			}
		}

		req, err := requestFromFlags(cmd, "")
		if err != nil {
			return err
		}
		set, err := prepare.Prepare(prepare.Input{
			Logs:         logs,
			UserPrompt:   req.UserPrompt,
			InputSchema:  req.InputSchema,
			OutputSchema: req.OutputSchema,
			TestArgs:     req.TestArgs,
			TemplatesDir: cfg.Pipeline.TemplatesDir,
		})
		if err != nil {
			return err
		}
		if err := tester.Materialize(outDir, set); err != nil {
			return err
		}

		report, err := prepare.EstimateTokens(set)
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

		names := make([]string, 0, len(report.PerFile))
		for name := range report.PerFile {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(w, "Wrote %d files to %s\n", len(set), outDir)
		fmt.Fprintf(w, "%-30s %s\n", "FILE", "TOKENS")
		for _, name := range names {
			fmt.Fprintf(w, "%-30s %d\n", name, report.PerFile[name])
		}
		fmt.Fprintf(w, "%-30s %d\n", "total", report.Total)
		return nil
	},
}

func init() {
	prepareCmd.Flags().String("logs", "", "JSON file of captured log entries")
	prepareCmd.Flags().StringP("out", "o", "", "directory to write the bundle to")
	prepareCmd.Flags().StringP("prompt", "p", "", "what the script should extract")
	prepareCmd.Flags().String("input-schema", "{}", "JSON Schema of the script input, or @file")
	prepareCmd.Flags().String("output-schema", "{}", "JSON Schema of the script output, or @file")
	prepareCmd.Flags().String("test-args", "", "argument passed to the script when testing, or @file")
	prepareCmd.Flags().String("format", "text", "Output format: text or json")
}

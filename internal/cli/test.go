package cli

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/crafter-station/scrapi/internal/files"
	"github.com/crafter-station/scrapi/internal/schema"
	"github.com/crafter-station/scrapi/internal/tester"
)

var testCmd = &cobra.Command{
	Use:   "test <dir>",
	Short: "Run the test harness of a bundle directory",
	Long: `Copy a bundle directory (as written by "scrapi prepare" or saved by "scrapi run")
to a scratch directory, install its dependencies and run its test harness.
Exits non-zero unless the script returned data.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		set, err := readBundle(args[0])
		if err != nil {
			return err
		}
		testArgs, _ := cmd.Flags().GetString("test-args")
		if testArgs, err = readArg(testArgs); err != nil {
			return err
		}

		runner := tester.NewRunner(&tester.ExecRunner{MaxOutputBytes: cfg.Tester.MaxOutputBytes}, cfg.Tester)
		if s, _ := cmd.Flags().GetString("output-schema"); s != "" {
			src, err := readArg(s)
			if err != nil {
				return err
			}
			d, err := schema.Parse(src)
			if err != nil {
				return fmt.Errorf("--output-schema: %w", err)
			}
			runner = runner.WithOutputSchema(d)
		}

		workDir, err := os.MkdirTemp(cfg.Pipeline.ScratchDir, "scrapi-test-")
		if err != nil {
			return fmt.Errorf("create scratch dir: %w", err)
		}
		defer os.RemoveAll(workDir)

		fmt.Fprintf(cmd.ErrOrStderr(), "  → testing %d files in %s\n", len(set), workDir)
		out := runner.Test(cmd.Context(), set, testArgs, workDir)

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
		} else {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Passed:         %v\n", out.Passed)
			fmt.Fprintf(w, "Returned empty: %v\n", out.ReturnedEmpty)
			fmt.Fprintf(w, "Exit code:      %d\n", out.ExitCode)
			fmt.Fprintf(w, "Duration:       %dms\n", out.DurationMs)
			fmt.Fprintf(w, "Output:\n%s\n", out.Output)
		}

		if !out.Accepted() {
			return fmt.Errorf("test did not pass")
		}
		return nil
	},
}

// readBundle loads every regular file under dir, skipping installed
// dependencies, as an unlocked bundle.
func readBundle(dir string) ([]files.VirtualFile, error) {
	var set []files.VirtualFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		set = append(set, files.VirtualFile{Name: filepath.ToSlash(rel), Content: string(data)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	if _, ok := files.Find(set, files.TestFile); !ok {
		return nil, fmt.Errorf("%s has no %s", dir, files.TestFile)
	}
	return set, nil
}

func init() {
	testCmd.Flags().String("test-args", "{}", "SCRAPI_TEST_ARGS value for the harness, or @file")
	testCmd.Flags().String("output-schema", "", "check the result against this JSON Schema (with tester.structural)")
	testCmd.Flags().String("format", "text", "Output format: text or json")
}

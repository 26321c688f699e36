// Package tester materializes a file bundle on disk, runs its test harness
// and classifies the outcome.
package tester

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/crafter-station/scrapi/internal/config"
	"github.com/crafter-station/scrapi/internal/files"
	"github.com/crafter-station/scrapi/internal/schema"
)

// Outcome is the result of one test attempt.
type Outcome struct {
	Passed        bool   `json:"passed"`
	ReturnedEmpty bool   `json:"returnedEmpty"`
	Output        string `json:"output"`
	Error         string `json:"error,omitempty"`
	ExitCode      int    `json:"exitCode"`
	DurationMs    int    `json:"durationMs"`

	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

// Accepted reports whether the attempt ends the retry loop.
func (o *Outcome) Accepted() bool {
	return o != nil && o.Passed && !o.ReturnedEmpty
}

// Runner runs test harnesses.
type Runner struct {
	cmd          CommandRunner
	cfg          config.TesterConfig
	outputSchema *schema.Descriptor
}

// NewRunner creates a Runner. Zero timeouts and an empty test command take
// their defaults; an empty install command skips the install step.
func NewRunner(cmd CommandRunner, cfg config.TesterConfig) *Runner {
	def := config.Default().Tester
	if cfg.TestCommand == "" {
		cfg.TestCommand = def.TestCommand
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = def.InstallTimeout
	}
	return &Runner{cmd: cmd, cfg: cfg}
}

// WithOutputSchema returns a copy of r that checks results against d when
// structural classification is enabled.
func (r *Runner) WithOutputSchema(d *schema.Descriptor) *Runner {
	cp := *r
	cp.outputSchema = d
	return &cp
}

// Test writes set under workDir, installs dependencies and runs the
// harness. It never returns an error: every failure becomes an Outcome with
// Passed and ReturnedEmpty false and the error text as output.
func (r *Runner) Test(ctx context.Context, set []files.VirtualFile, testArgs, workDir string) *Outcome {
	start := time.Now()
	out, err := r.run(ctx, set, testArgs, workDir)
	if err != nil {
		msg := err.Error()
		out = &Outcome{Output: msg, Error: msg, ExitCode: -1}
	}
	out.DurationMs = int(time.Since(start).Milliseconds())
	return out
}

func (r *Runner) run(ctx context.Context, set []files.VirtualFile, testArgs, workDir string) (*Outcome, error) {
	if err := Materialize(workDir, set); err != nil {
		return nil, err
	}

	env := []string{"SCRAPI_TEST_ARGS=" + testArgs}

	if r.cfg.InstallCommand != "" {
		installCtx, cancel := context.WithTimeout(ctx, r.cfg.InstallTimeout)
		output, code, err := r.cmd.Run(installCtx, workDir, r.cfg.InstallCommand, env)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("install dependencies: %w", describe(err, r.cfg.InstallTimeout))
		}
		if code != 0 {
			return nil, fmt.Errorf("install dependencies: exit status %d: %s", code, tail(output, 2000))
		}
	}

	if r.cfg.TypecheckCommand != "" {
		checkCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		output, code, err := r.cmd.Run(checkCtx, workDir, r.cfg.TypecheckCommand, env)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("type check: %w", describe(err, r.cfg.Timeout))
		}
		if code != 0 {
			return &Outcome{
				Output:      output,
				Error:       "type check failed",
				ExitCode:    code,
				Diagnostics: ParseDiagnostics(output),
			}, nil
		}
	}

	testCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	output, code, err := r.cmd.Run(testCtx, workDir, r.cfg.TestCommand, env)
	if err != nil {
		return nil, fmt.Errorf("run test: %w", describe(err, r.cfg.Timeout))
	}

	o := &Outcome{Output: output, ExitCode: code}
	var testPassed bool
	if r.cfg.Structural {
		var detail string
		testPassed, o.ReturnedEmpty, detail = ClassifyStructural(output, r.outputSchema)
		if detail != "" {
			o.Error = detail
		}
	} else {
		testPassed, o.ReturnedEmpty = Classify(output)
	}
	if code != 0 {
		testPassed = false
	}
	o.Passed = testPassed && !o.ReturnedEmpty
	if !o.Passed {
		o.Diagnostics = ParseDiagnostics(output)
	}
	return o, nil
}

// Materialize writes every file of set to its relative path under dir.
func Materialize(dir string, set []files.VirtualFile) error {
	root, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve work dir: %w", err)
	}
	for _, f := range set {
		path := filepath.Join(root, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(path, root+string(filepath.Separator)) {
			return fmt.Errorf("file %q escapes work dir", f.Name)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", f.Name, err)
		}
		if err := os.WriteFile(path, []byte(f.Content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.Name, err)
		}
	}
	return nil
}

func describe(err error, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("timeout after %s", timeout)
	}
	return err
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

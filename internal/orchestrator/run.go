package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/crafter-station/scrapi/internal/browserbase"
	"github.com/crafter-station/scrapi/internal/capture"
	"github.com/crafter-station/scrapi/internal/files"
	"github.com/crafter-station/scrapi/internal/generator"
	"github.com/crafter-station/scrapi/internal/metrics"
	"github.com/crafter-station/scrapi/internal/pipeline"
	"github.com/crafter-station/scrapi/internal/prepare"
	"github.com/crafter-station/scrapi/internal/schema"
	"github.com/crafter-station/scrapi/internal/task"
	"github.com/crafter-station/scrapi/internal/telemetry"
	"github.com/crafter-station/scrapi/internal/tester"
)

// Run executes req and returns its summary.
func (o *Orchestrator) Run(ctx context.Context, req pipeline.Request) (*pipeline.Summary, error) {
	run, err := o.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return run.Summary, nil
}

// Execute runs the whole pipeline for req. On failure the returned Run is
// still populated (state FAILED, failed step, error) alongside the error.
func (o *Orchestrator) Execute(ctx context.Context, req pipeline.Request) (*pipeline.Run, error) {
	run := &pipeline.Run{
		ID:        uuid.NewString(),
		Request:   req,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.url", req.URL),
	))
	defer span.End()

	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()
	start := time.Now()
	defer func() { metrics.RunDuration.Observe(time.Since(start).Seconds()) }()

	log := o.logger.With("run_id", run.ID)
	o.transition(run, pipeline.StateInit)
	o.logf("run %s: %s", run.ID, req.URL)

	err := o.execute(ctx, run, log)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.fail(run, err, log)
		metrics.RunsTotal.WithLabelValues("failed").Inc()
		return run, err
	}

	o.transition(run, pipeline.StateDone)
	result := "passed"
	if !run.Summary.TestPassed {
		result = "not_passed"
	}
	metrics.RunsTotal.WithLabelValues(result).Inc()
	log.Info("run finished",
		"attempts", run.Summary.Attempts,
		"test_passed", run.Summary.TestPassed,
		"returned_empty", run.Summary.ReturnedEmpty,
		"duration", time.Since(start).Round(time.Millisecond))
	return run, nil
}

// checked is a validated request with its schemas parsed.
type checked struct {
	req    pipeline.Request
	input  *schema.Descriptor
	output *schema.Descriptor
}

// check validates and defaults a request, then verifies credentials.
// Nothing external is called before it succeeds.
func (o *Orchestrator) check(req pipeline.Request) (*checked, error) {
	errs := req.Validate()

	var in, out *schema.Descriptor
	if req.InputSchema != "" {
		d, err := schema.Parse(req.InputSchema)
		if err != nil {
			errs = append(errs, pipeline.ValidationError{Field: "inputSchema", Message: err.Error()})
		}
		in = d
	}
	if req.OutputSchema != "" {
		d, err := schema.Parse(req.OutputSchema)
		if err != nil {
			errs = append(errs, pipeline.ValidationError{Field: "outputSchema", Message: err.Error()})
		}
		out = d
	}
	if len(errs) > 0 {
		return nil, &RequestError{Errors: errs}
	}

	req.ApplyDefaults(o.cfg.Pipeline, o.cfg.Browserbase.ProjectID)
	if err := o.cfg.RequireV0(); err != nil {
		return nil, err
	}
	if err := o.cfg.RequireBrowserbase(req.ProjectID); err != nil {
		return nil, err
	}
	return &checked{req: req, input: in, output: out}, nil
}

func (o *Orchestrator) execute(ctx context.Context, run *pipeline.Run, log *slog.Logger) error {
	c, err := o.check(run.Request)
	if err != nil {
		return &StepError{Step: StepValidate, Err: err}
	}
	req := c.req
	run.Request = req
	o.persist(run)

	// Session.
	sess, err := stepRun(ctx, o, StepCreateSession, task.FromConfig(o.cfg.Pipeline.Session),
		func(ctx context.Context) (*browserbase.Session, error) {
			return o.sessions.CreateSession(ctx, req.ProjectID)
		})
	if err != nil {
		return err
	}
	run.SessionID = sess.ID
	sessionURL := browserbase.SessionURL(sess.ID)
	o.logf("session %s (%s)", sess.ID, sessionURL)
	o.transition(run, pipeline.StateSessionCreated)

	// Capture.
	logs, err := o.captureLogs(ctx, sess.ConnectURL, req.URL, time.Duration(req.WaitTimeSeconds)*time.Second)
	if err != nil {
		return err
	}
	metrics.CapturedLogs.Observe(float64(len(logs)))
	o.logf("captured %d network log entries", len(logs))
	o.transition(run, pipeline.StateLogsCaptured)

	// Prepare.
	_, prepSpan := telemetry.Tracer().Start(ctx, StepPrepareFiles)
	bundle, err := prepare.Prepare(prepare.Input{
		Logs:         logs,
		UserPrompt:   req.UserPrompt,
		InputSchema:  req.InputSchema,
		OutputSchema: req.OutputSchema,
		TestArgs:     req.TestArgs,
		TemplatesDir: o.cfg.Pipeline.TemplatesDir,
	})
	prepSpan.End()
	if err != nil {
		metrics.StepErrors.WithLabelValues(StepPrepareFiles).Inc()
		return &StepError{Step: StepPrepareFiles, Err: err}
	}
	if report, err := prepare.EstimateTokens(bundle); err != nil {
		log.Warn("token estimate failed", "error", err)
	} else {
		metrics.BundleTokens.Observe(float64(report.Total))
		log.Info("bundle prepared", "files", len(bundle), "tokens", report.Total)
		o.logf("prepared %d files (~%d tokens)", len(bundle), report.Total)
	}
	o.transition(run, pipeline.StateFilesPrepared)

	// Generate.
	gen, err := stepRun(ctx, o, StepGenerateCode, task.FromConfig(o.cfg.Pipeline.Generate),
		func(ctx context.Context) (*generator.Result, error) {
			return o.gen.Generate(ctx, bundle, req.UserPrompt)
		})
	if err != nil {
		return err
	}
	run.ChatID = gen.ChatID
	current := files.Merge(bundle, gen.Files)
	o.logf("generated code in chat %s (%d files returned)", gen.ChatID, len(gen.Files))
	o.transition(run, pipeline.StateGenerated)

	// Test and retry.
	workDir, err := os.MkdirTemp(o.cfg.Pipeline.ScratchDir, "scrapi-"+run.ID+"-")
	if err != nil {
		return &StepError{Step: StepTestCode, Err: fmt.Errorf("create scratch dir: %w", err)}
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Warn("remove scratch dir", "dir", workDir, "error", err)
		}
	}()

	t := o.tester
	if r, ok := t.(*tester.Runner); ok {
		t = r.WithOutputSchema(c.output)
	}

	var last *tester.Outcome
	attempt := 1
	for {
		if err := ctx.Err(); err != nil {
			return &StepError{Step: StepTestCode, Err: err}
		}
		o.transition(run, pipeline.StateTesting)
		last = o.testAttempt(ctx, t, run, attempt, current, workDir)
		if last.Accepted() {
			o.transition(run, pipeline.StatePassed)
			break
		}
		if attempt >= req.MaxRetries {
			o.logf("giving up after %d attempt(s)", attempt)
			break
		}

		o.transition(run, pipeline.StateRetrying)
		fixed, err := stepRun(ctx, o, StepRetry, task.FromConfig(o.cfg.Pipeline.Retry),
			func(ctx context.Context) (*generator.Result, error) {
				return o.gen.Retry(ctx, run.ChatID, last.Output, last.ReturnedEmpty)
			})
		if err != nil {
			return err
		}
		current = files.Merge(current, fixed.Files)
		attempt++
	}
	metrics.TestAttempts.Observe(float64(attempt))

	run.Summary = &pipeline.Summary{
		SessionID:      sess.ID,
		SessionURL:     sessionURL,
		LogsCount:      len(logs),
		Attempts:       attempt,
		TestPassed:     last.Accepted(),
		ReturnedEmpty:  last.ReturnedEmpty,
		TestOutput:     last.Output,
		GeneratedFiles: files.ToManifest(current),
	}
	if o.store != nil {
		if dir, err := o.store.SaveFiles(run.ID, current); err != nil {
			log.Warn("save generated files", "error", err)
		} else {
			o.logf("files written to %s", dir)
		}
	}
	return nil
}

// captureLogs connects, captures and disconnects within one task attempt so
// the browser is closed on every path.
func (o *Orchestrator) captureLogs(ctx context.Context, connectURL, targetURL string, wait time.Duration) ([]capture.LogEntry, error) {
	return stepRun(ctx, o, StepCaptureLogs, task.FromConfig(o.cfg.Pipeline.Capture),
		func(ctx context.Context) ([]capture.LogEntry, error) {
			b, err := o.connect(ctx, connectURL)
			if err != nil {
				return nil, err
			}
			defer func() {
				if err := b.Close(); err != nil {
					o.logger.Warn("close browser", "error", err)
				}
			}()
			return b.Capture(ctx, targetURL, capture.Options{WaitTime: wait, Enhancer: o.enhancer})
		})
}

func (o *Orchestrator) testAttempt(ctx context.Context, t CodeTester, run *pipeline.Run, n int, set []files.VirtualFile, workDir string) *tester.Outcome {
	ctx, span := telemetry.Tracer().Start(ctx, StepTestCode, trace.WithAttributes(attribute.Int("attempt", n)))
	defer span.End()

	start := time.Now()
	out := t.Test(ctx, set, run.Request.TestArgs, workDir)
	metrics.StepDuration.WithLabelValues(StepTestCode).Observe(time.Since(start).Seconds())

	label := "failed"
	switch {
	case out.Accepted():
		label = "passed"
	case out.ReturnedEmpty:
		label = "empty"
	}
	metrics.TestOutcomes.WithLabelValues(label).Inc()
	span.SetAttributes(attribute.String("outcome", label))
	o.logf("attempt %d: %s (%dms)", n, label, out.DurationMs)
	if summary := tester.Summarize(out.Diagnostics); summary != "" {
		o.logf("  %s", summary)
	}
	o.logger.Info("test attempt", "run_id", run.ID, "attempt", n, "outcome", label, "duration_ms", out.DurationMs)

	run.Attempts = append(run.Attempts, *out)
	o.recordAttempt(run.ID, n, out)
	return out
}

// stepRun wraps fn in a task with its retry policy, a span and step
// metrics. A task failure becomes a StepError.
func stepRun[T any](ctx context.Context, o *Orchestrator, step string, p task.Policy, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := telemetry.Tracer().Start(ctx, step)
	defer span.End()

	start := time.Now()
	res := task.Run(ctx, step, p, fn)
	metrics.StepDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("attempts", res.Attempts))

	if !res.OK {
		metrics.StepErrors.WithLabelValues(step).Inc()
		span.RecordError(res.Error)
		span.SetStatus(codes.Error, res.Error.Error())
		var zero T
		return zero, &StepError{Step: step, Err: res.Error}
	}
	return res.Output, nil
}

func (o *Orchestrator) fail(run *pipeline.Run, err error, log *slog.Logger) {
	var se *StepError
	if errors.As(err, &se) {
		run.FailedStep = se.Step
	}
	run.Error = err.Error()
	o.transition(run, pipeline.StateFailed)
	o.logf("FAILED: %v", err)
	log.Error("run failed", "step", run.FailedStep, "error", err)
	if o.db != nil {
		if dbErr := o.db.LogRunEvent(run.ID, "error", string(pipeline.StateFailed), run.Error); dbErr != nil {
			log.Warn("log run error", "error", dbErr)
		}
	}
}

// Capture creates a session and records the traffic of url without
// generating anything.
func (o *Orchestrator) Capture(ctx context.Context, url, projectID string, wait time.Duration) (*browserbase.Session, []capture.LogEntry, error) {
	if projectID == "" {
		projectID = o.cfg.Browserbase.ProjectID
	}
	if err := o.cfg.RequireBrowserbase(projectID); err != nil {
		return nil, nil, &StepError{Step: StepValidate, Err: err}
	}
	sess, err := stepRun(ctx, o, StepCreateSession, task.FromConfig(o.cfg.Pipeline.Session),
		func(ctx context.Context) (*browserbase.Session, error) {
			return o.sessions.CreateSession(ctx, projectID)
		})
	if err != nil {
		return nil, nil, err
	}
	o.logf("session %s (%s)", sess.ID, browserbase.SessionURL(sess.ID))
	logs, err := o.captureLogs(ctx, sess.ConnectURL, url, wait)
	if err != nil {
		return sess, nil, err
	}
	o.logf("captured %d network log entries", len(logs))
	return sess, logs, nil
}

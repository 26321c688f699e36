package orchestrator

import (
	"fmt"
	"strings"

	"github.com/crafter-station/scrapi/internal/pipeline"
)

// Step names, as reported in errors, spans and metrics.
const (
	StepValidate      = "validate"
	StepCreateSession = "create-session"
	StepCaptureLogs   = "capture-logs"
	StepPrepareFiles  = "prepare-files"
	StepGenerateCode  = "generate-code"
	StepTestCode      = "test-code"
	StepRetry         = "retry-generation"
)

// StepError is a failure of one pipeline step.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// RequestError lists everything wrong with a request.
type RequestError struct {
	Errors []pipeline.ValidationError
}

func (e *RequestError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		parts[i] = ve.Error()
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

package pipeline

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/crafter-station/scrapi/internal/config"
	"github.com/crafter-station/scrapi/internal/files"
	"github.com/crafter-station/scrapi/internal/tester"
)

// State is a step of the run state machine.
type State string

const (
	StateInit           State = "INIT"
	StateSessionCreated State = "SESSION_CREATED"
	StateLogsCaptured   State = "LOGS_CAPTURED"
	StateFilesPrepared  State = "FILES_PREPARED"
	StateGenerated      State = "GENERATED"
	StateTesting        State = "TESTING"
	StateRetrying       State = "RETRYING"
	StatePassed         State = "PASSED"
	StateDone           State = "DONE"
	StateFailed         State = "FAILED"
)

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Request is one scrape-and-generate job.
type Request struct {
	URL             string `json:"url" jsonschema:"required,format=uri,description=Page to load and capture"`
	UserPrompt      string `json:"userPrompt" jsonschema:"required,description=What the generated script should extract"`
	InputSchema     string `json:"inputSchema" jsonschema:"required,description=JSON Schema of the script input"`
	OutputSchema    string `json:"outputSchema" jsonschema:"required,description=JSON Schema of the script output"`
	TestArgs        string `json:"testArgs" jsonschema:"description=Literal argument passed to the script by the test harness"`
	ProjectID       string `json:"projectId,omitempty" jsonschema:"description=Remote browser project; defaults to the configured one"`
	WaitTimeSeconds int    `json:"waitTimeSeconds,omitempty" jsonschema:"minimum=0,default=10"`
	MaxRetries      int    `json:"maxRetries,omitempty" jsonschema:"minimum=0,default=5,description=Maximum number of test attempts"`
}

// ApplyDefaults fills unset fields from cfg.
func (r *Request) ApplyDefaults(cfg config.PipelineConfig, projectID string) {
	if r.WaitTimeSeconds <= 0 {
		r.WaitTimeSeconds = cfg.WaitTimeSeconds
	}
	if r.MaxRetries <= 0 {
		r.MaxRetries = cfg.MaxRetries
	}
	if r.ProjectID == "" {
		r.ProjectID = projectID
	}
}

// ValidationError is a single problem with a request.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the request fields that need no parsing beyond the URL.
// Schemas are parsed separately.
func (r *Request) Validate() []ValidationError {
	var errs []ValidationError
	if r.URL == "" {
		errs = append(errs, ValidationError{Field: "url", Message: "is required"})
	} else if u, err := url.Parse(r.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, ValidationError{Field: "url", Message: "must be an absolute http(s) URL"})
	}
	if strings.TrimSpace(r.UserPrompt) == "" {
		errs = append(errs, ValidationError{Field: "userPrompt", Message: "is required"})
	}
	if strings.TrimSpace(r.InputSchema) == "" {
		errs = append(errs, ValidationError{Field: "inputSchema", Message: "is required"})
	}
	if strings.TrimSpace(r.OutputSchema) == "" {
		errs = append(errs, ValidationError{Field: "outputSchema", Message: "is required"})
	}
	if r.WaitTimeSeconds < 0 {
		errs = append(errs, ValidationError{Field: "waitTimeSeconds", Message: "must not be negative"})
	}
	if r.MaxRetries < 0 {
		errs = append(errs, ValidationError{Field: "maxRetries", Message: "must not be negative"})
	}
	return errs
}

// Summary is what a finished run reports.
type Summary struct {
	SessionID      string           `json:"sessionId"`
	SessionURL     string           `json:"sessionUrl"`
	LogsCount      int              `json:"logsCount"`
	Attempts       int              `json:"attempts"`
	TestPassed     bool             `json:"testPassed"`
	ReturnedEmpty  bool             `json:"returnedEmpty"`
	TestOutput     string           `json:"testOutput"`
	GeneratedFiles []files.Manifest `json:"generatedFiles"`
}

// Transition records entry into a state.
type Transition struct {
	State State  `json:"state"`
	At    string `json:"at"`
}

// Run is the persisted record of one pipeline run.
type Run struct {
	ID         string           `json:"id"`
	Request    Request          `json:"request"`
	State      State            `json:"state"`
	History    []Transition     `json:"history"`
	SessionID  string           `json:"sessionId,omitempty"`
	ChatID     string           `json:"chatId,omitempty"`
	Attempts   []tester.Outcome `json:"attempts,omitempty"`
	Summary    *Summary         `json:"summary,omitempty"`
	FailedStep string           `json:"failedStep,omitempty"`
	Error      string           `json:"error,omitempty"`
	CreatedAt  string           `json:"createdAt"`
	UpdatedAt  string           `json:"updatedAt"`
}

package config

import "time"

// Config is the process-wide configuration, loaded once at startup and
// handed to each component's constructor.
type Config struct {
	V0          V0Config          `koanf:"v0" yaml:"v0"`
	Browserbase BrowserbaseConfig `koanf:"browserbase" yaml:"browserbase"`
	Pipeline    PipelineConfig    `koanf:"pipeline" yaml:"pipeline"`
	Tester      TesterConfig      `koanf:"tester" yaml:"tester"`
	Server      ServerConfig      `koanf:"server" yaml:"server"`
	Storage     StorageConfig     `koanf:"storage" yaml:"storage"`
	Telemetry   TelemetryConfig   `koanf:"telemetry" yaml:"telemetry"`
}

// V0Config holds credentials for the hosted chat/generation API.
type V0Config struct {
	APIKey  string        `koanf:"api_key" yaml:"api_key"`
	BaseURL string        `koanf:"base_url" yaml:"base_url"`
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
}

// BrowserbaseConfig holds credentials for the remote browser service.
type BrowserbaseConfig struct {
	APIKey    string        `koanf:"api_key" yaml:"api_key"`
	ProjectID string        `koanf:"project_id" yaml:"project_id"`
	BaseURL   string        `koanf:"base_url" yaml:"base_url"`
	Timeout   time.Duration `koanf:"timeout" yaml:"timeout"`
}

// PipelineConfig holds request defaults and per-step retry policies.
type PipelineConfig struct {
	WaitTimeSeconds int         `koanf:"wait_time_seconds" yaml:"wait_time_seconds"`
	MaxRetries      int         `koanf:"max_retries" yaml:"max_retries"`
	ScratchDir      string      `koanf:"scratch_dir" yaml:"scratch_dir"`
	TemplatesDir    string      `koanf:"templates_dir" yaml:"templates_dir"`
	Session         RetryPolicy `koanf:"session" yaml:"session"`
	Capture         RetryPolicy `koanf:"capture" yaml:"capture"`
	Generate        RetryPolicy `koanf:"generate" yaml:"generate"`
	Retry           RetryPolicy `koanf:"retry" yaml:"retry"`
}

// RetryPolicy mirrors the per-task retry settings of the task layer.
type RetryPolicy struct {
	MaxAttempts int           `koanf:"max_attempts" yaml:"max_attempts"`
	Factor      float64       `koanf:"factor" yaml:"factor"`
	MinTimeout  time.Duration `koanf:"min_timeout" yaml:"min_timeout"`
	MaxTimeout  time.Duration `koanf:"max_timeout" yaml:"max_timeout"`
}

// TesterConfig controls how generated code is exercised.
type TesterConfig struct {
	InstallCommand string `koanf:"install_command" yaml:"install_command"`
	TestCommand    string `koanf:"test_command" yaml:"test_command"`

	// TypecheckCommand, when set, runs after install and before the test
	// command; a non-zero exit fails the attempt. Empty skips it.
	TypecheckCommand string `koanf:"typecheck_command" yaml:"typecheck_command"`

	Timeout        time.Duration `koanf:"timeout" yaml:"timeout"`
	InstallTimeout time.Duration `koanf:"install_timeout" yaml:"install_timeout"`
	MaxOutputBytes int           `koanf:"max_output_bytes" yaml:"max_output_bytes"`
	Structural     bool          `koanf:"structural" yaml:"structural"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port              int `koanf:"port" yaml:"port"`
	MaxConcurrentRuns int `koanf:"max_concurrent_runs" yaml:"max_concurrent_runs"`
}

// StorageConfig configures run history and artifacts. Both are optional.
type StorageConfig struct {
	DSN          string `koanf:"dsn" yaml:"dsn"`
	ArtifactsDir string `koanf:"artifacts_dir" yaml:"artifacts_dir"`
}

// TelemetryConfig toggles tracing export.
type TelemetryConfig struct {
	Tracing     bool   `koanf:"tracing" yaml:"tracing"`
	ServiceName string `koanf:"service_name" yaml:"service_name"`
}

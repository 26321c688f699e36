package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ErrMissingCredential is returned when a required credential or identifier
// is absent. It is never retried.
var ErrMissingCredential = errors.New("missing required credential")

// EnvPrefix is the prefix for environment overrides. A double underscore
// separates nesting levels: SCRAPI_TESTER__TIMEOUT=90s.
const EnvPrefix = "SCRAPI_"

// providerEnv maps the providers' conventional variable names onto config keys.
// They only apply when the prefixed form is not set.
var providerEnv = map[string]string{
	"V0_API_KEY":             "v0.api_key",
	"BROWSERBASE_API_KEY":    "browserbase.api_key",
	"BROWSERBASE_PROJECT_ID": "browserbase.project_id",
	"DATABASE_URL":           "storage.dsn",
}

// Load reads configuration from the YAML file at path (optional when empty
// or missing), overlays SCRAPI_ environment variables, then applies defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	for name, key := range providerEnv {
		if v := os.Getenv(name); v != "" && !k.Exists(key) {
			if err := k.Set(key, v); err != nil {
				return nil, fmt.Errorf("set %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches ./scrapi.yaml then ~/.scrapi/config.yaml and loads
// the first one found. With neither present, env and defaults still apply.
func LoadDefault() (*Config, error) {
	candidates := []string{"scrapi.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".scrapi", "config.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return Load("")
}

// Default returns a configuration with only defaults applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.V0.BaseURL == "" {
		cfg.V0.BaseURL = "https://api.v0.dev"
	}
	if cfg.V0.Timeout <= 0 {
		cfg.V0.Timeout = 5 * time.Minute
	}
	if cfg.Browserbase.BaseURL == "" {
		cfg.Browserbase.BaseURL = "https://api.browserbase.com"
	}
	if cfg.Browserbase.Timeout <= 0 {
		cfg.Browserbase.Timeout = 30 * time.Second
	}

	p := &cfg.Pipeline
	if p.WaitTimeSeconds <= 0 {
		p.WaitTimeSeconds = 10
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 5
	}
	fillPolicy(&p.Session, RetryPolicy{MaxAttempts: 3, Factor: 2, MinTimeout: time.Second, MaxTimeout: 10 * time.Second})
	fillPolicy(&p.Capture, RetryPolicy{MaxAttempts: 1, Factor: 2, MinTimeout: time.Second, MaxTimeout: 10 * time.Second})
	fillPolicy(&p.Generate, RetryPolicy{MaxAttempts: 2, Factor: 2, MinTimeout: 2 * time.Second, MaxTimeout: 10 * time.Second})
	fillPolicy(&p.Retry, RetryPolicy{MaxAttempts: 1, Factor: 2, MinTimeout: 2 * time.Second, MaxTimeout: 10 * time.Second})

	t := &cfg.Tester
	if t.InstallCommand == "" {
		t.InstallCommand = "npm install --silent"
	}
	if t.TestCommand == "" {
		t.TestCommand = "npx --yes tsx test.ts"
	}
	if t.Timeout <= 0 {
		t.Timeout = 60 * time.Second
	}
	if t.InstallTimeout <= 0 {
		t.InstallTimeout = 5 * time.Minute
	}
	if t.MaxOutputBytes <= 0 {
		t.MaxOutputBytes = 10 * 1024 * 1024
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MaxConcurrentRuns <= 0 {
		cfg.Server.MaxConcurrentRuns = 4
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "scrapi"
	}
}

func fillPolicy(p *RetryPolicy, def RetryPolicy) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Factor <= 0 {
		p.Factor = def.Factor
	}
	if p.MinTimeout <= 0 {
		p.MinTimeout = def.MinTimeout
	}
	if p.MaxTimeout <= 0 {
		p.MaxTimeout = def.MaxTimeout
	}
}

// RequireV0 reports a configuration error when the chat API key is absent.
func (c *Config) RequireV0() error {
	if c.V0.APIKey == "" {
		return fmt.Errorf("v0.api_key (V0_API_KEY): %w", ErrMissingCredential)
	}
	return nil
}

// RequireBrowserbase reports a configuration error when the browser service
// key is absent, or when neither the config nor the request names a project.
func (c *Config) RequireBrowserbase(projectID string) error {
	if c.Browserbase.APIKey == "" {
		return fmt.Errorf("browserbase.api_key (BROWSERBASE_API_KEY): %w", ErrMissingCredential)
	}
	if projectID == "" && c.Browserbase.ProjectID == "" {
		return fmt.Errorf("browserbase.project_id (BROWSERBASE_PROJECT_ID): %w", ErrMissingCredential)
	}
	return nil
}

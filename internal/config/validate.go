package config

import "fmt"

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a Config for semantic errors. Missing credentials are not
// reported here; they are checked by the component that needs them.
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	p := cfg.Pipeline
	if p.MaxRetries < 1 {
		errs = append(errs, ValidationError{Field: "pipeline.max_retries", Message: "must be at least 1"})
	}
	if p.WaitTimeSeconds < 0 {
		errs = append(errs, ValidationError{Field: "pipeline.wait_time_seconds", Message: "must not be negative"})
	}

	for _, rp := range []struct {
		name   string
		policy RetryPolicy
	}{
		{"pipeline.session", p.Session},
		{"pipeline.capture", p.Capture},
		{"pipeline.generate", p.Generate},
		{"pipeline.retry", p.Retry},
	} {
		if rp.policy.MaxAttempts < 1 {
			errs = append(errs, ValidationError{Field: rp.name + ".max_attempts", Message: "must be at least 1"})
		}
		if rp.policy.Factor < 1 {
			errs = append(errs, ValidationError{Field: rp.name + ".factor", Message: "must be at least 1"})
		}
		if rp.policy.MaxTimeout < rp.policy.MinTimeout {
			errs = append(errs, ValidationError{
				Field:   rp.name + ".max_timeout",
				Message: fmt.Sprintf("%s is below min_timeout %s", rp.policy.MaxTimeout, rp.policy.MinTimeout),
			})
		}
	}

	if cfg.Tester.TestCommand == "" {
		errs = append(errs, ValidationError{Field: "tester.test_command", Message: "is required"})
	}
	if cfg.Tester.MaxOutputBytes < 1024 {
		errs = append(errs, ValidationError{Field: "tester.max_output_bytes", Message: "must be at least 1024"})
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, ValidationError{Field: "server.port", Message: fmt.Sprintf("invalid port %d", cfg.Server.Port)})
	}

	return errs
}

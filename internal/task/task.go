// Package task runs pipeline steps with per-step retry policies.
package task

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/crafter-station/scrapi/internal/config"
	"github.com/crafter-station/scrapi/internal/metrics"
)

// Policy is a task's retry policy. MaxAttempts counts the first try.
type Policy struct {
	MaxAttempts int
	Factor      float64
	MinTimeout  time.Duration
	MaxTimeout  time.Duration
}

// FromConfig converts a configured retry policy.
func FromConfig(p config.RetryPolicy) Policy {
	return Policy{MaxAttempts: p.MaxAttempts, Factor: p.Factor, MinTimeout: p.MinTimeout, MaxTimeout: p.MaxTimeout}
}

// Result is the outcome of a task: either OK with Output, or the last
// error.
type Result[T any] struct {
	OK       bool
	Output   T
	Error    error
	Attempts int
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.MinTimeout
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = time.Second
	}
	eb.Multiplier = p.Factor
	if eb.Multiplier < 1 {
		eb.Multiplier = 2
	}
	eb.MaxInterval = p.MaxTimeout
	if eb.MaxInterval < eb.InitialInterval {
		eb.MaxInterval = eb.InitialInterval
	}
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

// Run calls fn until it succeeds, the policy runs out of attempts, fn
// returns a permanent error, or ctx is done. Missing credentials are always
// permanent.
func Run[T any](ctx context.Context, name string, p Policy, fn func(ctx context.Context) (T, error)) Result[T] {
	var attempts int
	op := func() (T, error) {
		attempts++
		out, err := fn(ctx)
		if err != nil {
			metrics.TaskAttempts.WithLabelValues(name, "error").Inc()
			if errors.Is(err, config.ErrMissingCredential) {
				return out, backoff.Permanent(err)
			}
			return out, err
		}
		metrics.TaskAttempts.WithLabelValues(name, "ok").Inc()
		return out, nil
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("task attempt failed, retrying",
			"task", name, "attempt", attempts, "wait", wait, "error", err)
	}

	out, err := backoff.RetryNotifyWithData(op, p.backOff(ctx), notify)
	if err != nil {
		slog.Error("task failed", "task", name, "attempts", attempts, "error", err)
		var zero T
		return Result[T]{Error: err, Attempts: attempts, Output: zero}
	}
	slog.Debug("task finished", "task", name, "attempts", attempts)
	return Result[T]{OK: true, Output: out, Attempts: attempts}
}

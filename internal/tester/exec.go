package tester

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ErrOutputLimit is returned when a command writes more than the runner's
// output cap.
var ErrOutputLimit = errors.New("output limit exceeded")

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	// Run executes command in dir and returns its combined stdout and
	// stderr. A non-zero exit is reported through exitCode, not err.
	Run(ctx context.Context, dir, command string, env []string) (output string, exitCode int, err error)
}

// ExecRunner implements CommandRunner with sh -c. The command is killed
// when ctx ends or the output cap is hit. On unix the whole process group
// goes with it.
type ExecRunner struct {
	MaxOutputBytes int
}

func (e *ExecRunner) Run(ctx context.Context, dir, command string, env []string) (string, int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	killOnCancel(cmd)
	cmd.WaitDelay = 2 * time.Second

	out := &cappedBuffer{limit: e.MaxOutputBytes, onOverflow: cancel}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	if out.overflowed() {
		return out.String(), -1, fmt.Errorf("%w (%d bytes)", ErrOutputLimit, e.MaxOutputBytes)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return out.String(), exitErr.ExitCode(), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out.String(), -1, ctxErr
		}
		return out.String(), -1, fmt.Errorf("exec: %w", err)
	}
	return out.String(), 0, nil
}

// cappedBuffer collects writes from both pipes up to limit bytes.
type cappedBuffer struct {
	mu         sync.Mutex
	buf        []byte
	limit      int
	over       bool
	onOverflow func()
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.over {
		return len(p), nil
	}
	if b.limit > 0 && len(b.buf)+len(p) > b.limit {
		b.buf = append(b.buf, p[:b.limit-len(b.buf)]...)
		b.over = true
		if b.onOverflow != nil {
			b.onOverflow()
		}
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *cappedBuffer) overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.over
}

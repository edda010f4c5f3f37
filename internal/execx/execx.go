// Package execx runs the external tools the pipeline depends on (the media
// download tool and the inference helper) with captured output and
// process-group termination when the caller's context ends.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// DefaultGracePeriod is how long a cancelled process group gets between
// SIGTERM and SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// Command describes one subprocess invocation.
type Command struct {
	Name string
	Args []string
	// Dir is the working directory; empty inherits the caller's.
	Dir string
	// Env is appended to the parent environment.
	Env         []string
	GracePeriod time.Duration
}

// Result captures a finished process.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Runner executes a command to completion. Tests substitute their own.
type Runner func(ctx context.Context, cmd Command) (Result, error)

// ExitError reports a process that ran but exited non-zero.
type ExitError struct {
	Name   string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s failed (exit code %d)", e.Name, e.Code)
	}
	return fmt.Sprintf("%s failed (exit code %d):\n%s", e.Name, e.Code, e.Stderr)
}

// Parse splits a configured command line into argv.
func Parse(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", command, err)
	}
	if len(args) == 0 {
		return nil, errors.New("command is empty")
	}
	return args, nil
}

// Prepare builds an *exec.Cmd that terminates its whole process group when
// ctx is done. Callers that need pipes (long-lived helpers) use this directly.
func Prepare(ctx context.Context, cmd Command) *exec.Cmd {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...) //nolint:gosec
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	grace := cmd.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	configureProcessGroup(c)
	c.WaitDelay = grace
	return c
}

// Run is the default Runner.
func Run(ctx context.Context, cmd Command) (Result, error) {
	if cmd.Name == "" {
		return Result{ExitCode: -1}, errors.New("execx: command name is required")
	}

	c := Prepare(ctx, cmd)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	result := Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: -1,
		Duration: time.Since(start),
	}
	if c.ProcessState != nil {
		result.ExitCode = c.ProcessState.ExitCode()
	}
	if err == nil {
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, fmt.Errorf("%s: terminated: %w", cmd.Name, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return result, &ExitError{
			Name:   cmd.Name,
			Code:   result.ExitCode,
			Stderr: strings.TrimSpace(stderr.String()),
		}
	}
	return result, fmt.Errorf("%s: %w", cmd.Name, err)
}

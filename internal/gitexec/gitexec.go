// Package gitexec runs git commands for checkpoint snapshots.
package gitexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Result holds command output.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes git commands.
type Runner interface {
	Run(ctx context.Context, dir string, env []string, args ...string) (*Result, error)
}

// ExecRunner implements Runner with os/exec.
type ExecRunner struct {
	// Binary defaults to "git".
	Binary string
}

// Run executes git with args in dir. env entries are added to the
// current environment.
func (r ExecRunner) Run(ctx context.Context, dir string, env []string, args ...string) (*Result, error) {
	bin := r.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &Error{Args: args, Stderr: strings.TrimSpace(res.Stderr), ExitCode: res.ExitCode, Cause: err}
	}
	if err != nil {
		return res, &Error{Args: args, Cause: err}
	}
	return res, nil
}

// Error is a failed git invocation.
type Error struct {
	Cause    error
	Stderr   string
	Args     []string
	ExitCode int
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("git %s", strings.Join(e.Args, " "))
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %s", msg, e.Stderr)
	}
	return fmt.Sprintf("%s: %v", msg, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrUnknownEngine = errors.New("unknown engine")
	ErrNoProject     = errors.New("no project context")
	ErrEmptyPrompt   = errors.New("empty prompt")
)

// TransportError reports that an engine run could not be launched or its
// output could not be delivered.
type TransportError struct {
	Cause  error
	Engine ID
	Op     string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Engine, e.Op, e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// CLINotFoundError indicates the engine binary could not be resolved.
type CLINotFoundError struct {
	Cause error
	Path  string
}

func (e *CLINotFoundError) Error() string {
	return fmt.Sprintf("engine binary not found at %q: %v", e.Path, e.Cause)
}

func (e *CLINotFoundError) Unwrap() error {
	return e.Cause
}

// IsRecoverable reports whether retrying the same request may succeed.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	var notFound *CLINotFoundError
	if errors.As(err, &notFound) {
		return false
	}
	if errors.Is(err, ErrUnknownEngine) || errors.Is(err, ErrNoProject) || errors.Is(err, ErrEmptyPrompt) {
		return false
	}
	return true
}

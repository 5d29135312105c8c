package runner

import (
	"errors"
	"fmt"
)

var (
	// ErrThreadNotFound is returned when a supplied thread id was not created
	// by this process.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrAssistantUnavailable is returned when no assistant is configured or
	// the assistant service rejects the run setup.
	ErrAssistantUnavailable = errors.New("assistant unavailable")

	// ErrRunTimeout is returned when a run does not reach a terminal state
	// within MaxPolls polls, or when the context ends first.
	ErrRunTimeout = errors.New("run did not complete")

	// ErrEmptyInput is returned for blank user input.
	ErrEmptyInput = errors.New("empty user input")
)

// ToolExecutionError describes one failed tool call. It never aborts a run;
// its text becomes the call's output.
type ToolExecutionError struct {
	Tool   string
	CallID string
	Err    error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s (call %s): %v", e.Tool, e.CallID, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// Package scheduler queues deferred and recurring prompts and executes each
// due task at most once through the agent runner. Results are published to
// the task owner.
package scheduler

import (
	"errors"
	"time"
)

var (
	// ErrInvalidTask is returned for tasks without a prompt or owner.
	ErrInvalidTask = errors.New("invalid task")

	// ErrTaskNotFound is returned when removing an unknown id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrDuplicateTask is returned when adding an id that is already queued.
	ErrDuplicateTask = errors.New("task already queued")

	// ErrInvalidSchedule wraps cron parse failures.
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// Task sources.
const (
	SourceManual    = "manual"
	SourceCalendar  = "calendar"
	SourceRecurring = "recurring"
)

// Task is one queued prompt.
type Task struct {
	ID string `json:"id"`
	// Timestamp is the unix time (seconds) at which the task becomes due.
	Timestamp int64  `json:"timestamp"`
	Prompt    string `json:"prompt"`
	Owner     string `json:"owner"`
	Source    string `json:"source"`

	// Schedule is the cron expression of a recurring task.
	Schedule string `json:"schedule,omitempty"`

	// ProcessID marks the tick that claimed the task. Empty means unclaimed.
	ProcessID string `json:"process_id,omitempty"`

	Attempts  int       `json:"attempts,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Due reports whether the task is unclaimed and due at now.
func (t *Task) Due(now time.Time) bool {
	return t.ProcessID == "" && t.Timestamp <= now.Unix()
}

// DeadLetter is a task that exhausted its attempts.
type DeadLetter struct {
	Task     Task      `json:"task"`
	FailedAt time.Time `json:"failed_at"`
}

// Result is the payload of a task.result event.
type Result struct {
	TaskID string `json:"task_id"`
	Prompt string `json:"prompt"`
	Output string `json:"output"`
}

// Failure is the payload of a task.failed event.
type Failure struct {
	TaskID   string `json:"task_id"`
	Prompt   string `json:"prompt"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

// TickResult summarizes one scheduler tick.
type TickResult struct {
	Claimed      int
	Executed     int
	Failed       int
	DeadLettered int
	Ingested     int
	Duplicates   int
	// IngestErr is the calendar error of this tick, if ingestion ran and failed.
	IngestErr error
}

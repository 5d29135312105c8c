package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ChatClient creates chat completions.
type ChatClient interface {
	CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// AssistantClient exposes the remote assistant-run primitives.
type AssistantClient interface {
	CreateThread(ctx context.Context) (*Thread, error)
	CreateMessage(ctx context.Context, threadID, role, content string) (*ThreadMessage, error)
	CreateRun(ctx context.Context, threadID, assistantID string, tools []ToolSpec) (*Run, error)
	RetrieveRun(ctx context.Context, threadID, runID string) (*Run, error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (*Run, error)
	// ListMessages returns the newest messages first.
	ListMessages(ctx context.Context, threadID string, limit int) ([]ThreadMessage, error)
}

// ErrNoChoices is returned when a completion has no choices.
var ErrNoChoices = errors.New("llm: completion returned no choices")

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Message    string
	// RetryAfter is the provider's requested wait, when it sent one.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm: API error (status %d): %s", e.StatusCode, e.Message)
}

// Reason classifies the error for failover.
func (e *APIError) Reason() FailoverReason {
	return ClassifyError(e.StatusCode, e.Message)
}

// Package runner drives assistant runs to completion. A run is polled
// until it leaves queued/in_progress; required tool calls are dispatched
// concurrently and their outputs submitted as one batch; terminal failures
// are turned into an assistant-visible answer.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/agenth/pkg/agenth/llm"
	"github.com/jholhewres/agenth/pkg/agenth/timer"
	"github.com/jholhewres/agenth/pkg/agenth/tools"
)

// NoResponse is returned as the answer when a completed run left no
// assistant message.
const NoResponse = "No response from assistant."

// Config tunes the run loop.
type Config struct {
	AssistantID string `yaml:"assistant_id"`

	// PollInterval is the wait between run status checks. Default: 1s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxPolls bounds the number of status checks per message. 0 = unbounded.
	MaxPolls int `yaml:"max_polls"`

	// MaxParallelTools caps concurrent tool calls within one batch. 0 = no cap.
	MaxParallelTools int `yaml:"max_parallel_tools"`

	// ReportUnknownTools answers calls to unregistered tools with an error
	// output so the batch is complete. When false they are skipped, and a
	// batch with a skipped call is not submitted.
	ReportUnknownTools bool `yaml:"report_unknown_tools"`

	// HistoryLimit is how many recent thread messages are fetched when a
	// run completes. Default: 20.
	HistoryLimit int `yaml:"history_limit"`
}

// SendRequest is one user turn.
type SendRequest struct {
	ThreadID  string `json:"threadId,omitempty"`
	UserInput string `json:"userInput"`
}

// SendResponse is the answer to one user turn.
type SendResponse struct {
	ThreadID string `json:"threadId"`
	Message  string `json:"message"`
}

// Message is one entry of the local thread mirror.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Thread is the local record of a remote thread created by this process.
type Thread struct {
	ID       string    `json:"id"`
	Messages []Message `json:"messages"`

	// One run at a time per thread.
	turn sync.Mutex
}

// Runner owns the thread registry and executes turns against an assistant.
type Runner struct {
	cfg    Config
	client llm.AssistantClient
	tools  tools.Catalog
	clock  timer.Clock
	usage  *llm.UsageTracker
	tracer trace.Tracer
	logger *slog.Logger

	mu      sync.Mutex
	threads map[string]*Thread
}

// Option customizes a Runner.
type Option func(*Runner)

// WithClock replaces the wall clock used between polls.
func WithClock(c timer.Clock) Option { return func(r *Runner) { r.clock = c } }

// WithUsageTracker records token usage reported by completed runs.
func WithUsageTracker(u *llm.UsageTracker) Option { return func(r *Runner) { r.usage = u } }

// New creates a Runner. catalog may be nil when the assistant has no tools.
func New(cfg Config, client llm.AssistantClient, catalog tools.Catalog, logger *slog.Logger, opts ...Option) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	if catalog == nil {
		catalog = tools.NewSet()
	}
	r := &Runner{
		cfg:     cfg,
		client:  client,
		tools:   catalog,
		clock:   timer.Real(),
		tracer:  otel.Tracer("agenth/runner"),
		logger:  logger.With("component", "runner"),
		threads: make(map[string]*Thread),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SendMessage appends the user input to a thread (created when ThreadID is
// empty), runs the assistant and returns its answer. A failed run is not an
// error: its failure text is the answer.
func (r *Runner) SendMessage(ctx context.Context, req SendRequest) (SendResponse, error) {
	if strings.TrimSpace(req.UserInput) == "" {
		return SendResponse{}, ErrEmptyInput
	}
	if r.client == nil || r.cfg.AssistantID == "" {
		return SendResponse{}, ErrAssistantUnavailable
	}

	ctx, span := r.tracer.Start(ctx, "runner.send_message")
	defer span.End()

	th, err := r.thread(ctx, req.ThreadID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SendResponse{}, err
	}
	span.SetAttributes(attribute.String("thread.id", th.ID))

	th.turn.Lock()
	defer th.turn.Unlock()

	if _, err := r.client.CreateMessage(ctx, th.ID, llm.RoleUser, req.UserInput); err != nil {
		return SendResponse{}, fmt.Errorf("append user message: %w", err)
	}
	r.appendLocal(th, llm.RoleUser, req.UserInput)

	run, err := r.client.CreateRun(ctx, th.ID, r.cfg.AssistantID, r.toolSpecs())
	if err != nil {
		span.RecordError(err)
		return SendResponse{}, fmt.Errorf("%w: %v", ErrAssistantUnavailable, err)
	}

	answer, err := r.drive(ctx, th, run)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SendResponse{ThreadID: th.ID}, err
	}
	return SendResponse{ThreadID: th.ID, Message: answer}, nil
}

// drive polls the run until it is terminal and returns the answer.
func (r *Runner) drive(ctx context.Context, th *Thread, run *llm.Run) (string, error) {
	polls := 0
	poll := func() error {
		if r.cfg.MaxPolls > 0 && polls >= r.cfg.MaxPolls {
			return fmt.Errorf("%w: %d polls, last status %s", ErrRunTimeout, polls, run.Status)
		}
		if err := r.clock.Sleep(ctx, r.cfg.PollInterval); err != nil {
			return fmt.Errorf("%w: %v", ErrRunTimeout, err)
		}
		polls++
		next, err := r.client.RetrieveRun(ctx, th.ID, run.ID)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrRunTimeout, ctx.Err())
			}
			return fmt.Errorf("retrieve run %s: %w", run.ID, err)
		}
		run = next
		return nil
	}

	for {
		switch run.Status {
		case llm.RunRequiresAction:
			outputs := r.resolveToolCalls(ctx, run.PendingToolCalls())
			if len(outputs) == 0 {
				// Nothing to submit; the run stays in requires_action.
				if err := poll(); err != nil {
					return "", err
				}
				continue
			}
			next, err := r.client.SubmitToolOutputs(ctx, th.ID, run.ID, outputs)
			if err != nil {
				return "", fmt.Errorf("submit tool outputs: %w", err)
			}
			run = next

		case llm.RunCompleted:
			r.recordUsage(th.ID, run)
			return r.latestAnswer(ctx, th)

		case llm.RunFailed, llm.RunCancelled, llm.RunExpired:
			return r.failureAnswer(ctx, th, run), nil

		default:
			if err := poll(); err != nil {
				return "", err
			}
		}
	}
}

// resolveToolCalls executes the pending calls concurrently. It returns one
// output per call, or nil when some call cannot be answered; in that case
// no handler runs.
func (r *Runner) resolveToolCalls(ctx context.Context, calls []llm.ToolCall) []llm.ToolOutput {
	if len(calls) == 0 {
		return nil
	}

	outputs := make([]llm.ToolOutput, len(calls))
	resolved := make([]tools.Tool, len(calls))
	known := make([]bool, len(calls))
	missing := 0
	for i, call := range calls {
		t, ok := r.tools.Get(call.Function.Name)
		if !ok {
			missing++
			r.logger.Warn("unknown tool requested", "tool", call.Function.Name, "call_id", call.ID)
			outputs[i] = llm.ToolOutput{
				ToolCallID: call.ID,
				Output:     fmt.Sprintf("Error: %v: %s", tools.ErrUnknownTool, call.Function.Name),
			}
			continue
		}
		resolved[i], known[i] = t, true
	}
	if missing > 0 && !r.cfg.ReportUnknownTools {
		r.logger.Warn("tool batch cannot be answered completely, not submitting",
			"requested", len(calls), "unknown", missing)
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if r.cfg.MaxParallelTools > 0 {
		g.SetLimit(r.cfg.MaxParallelTools)
	}
	for i, call := range calls {
		if !known[i] {
			continue
		}
		g.Go(func() error {
			outputs[i] = llm.ToolOutput{ToolCallID: call.ID, Output: r.callTool(gctx, resolved[i], call)}
			return nil
		})
	}
	_ = g.Wait()
	return outputs
}

// callTool runs one call; every failure becomes output text.
func (r *Runner) callTool(ctx context.Context, tool tools.Tool, call llm.ToolCall) string {
	ctx, span := r.tracer.Start(ctx, "runner.tool_call",
		trace.WithAttributes(attribute.String("tool.name", tool.Name())))
	defer span.End()

	start := time.Now()
	out, err := tool.Call(ctx, call.Function.Arguments)
	if err != nil {
		terr := &ToolExecutionError{Tool: tool.Name(), CallID: call.ID, Err: err}
		span.RecordError(terr)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("tool call failed", "error", terr, "duration_ms", time.Since(start).Milliseconds())
		return "Error: " + err.Error()
	}
	r.logger.Debug("tool call completed", "tool", tool.Name(), "duration_ms", time.Since(start).Milliseconds())
	return out
}

func (r *Runner) latestAnswer(ctx context.Context, th *Thread) (string, error) {
	msgs, err := r.client.ListMessages(ctx, th.ID, r.cfg.HistoryLimit)
	if err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}
	for _, m := range msgs {
		if m.Role == llm.RoleAssistant && m.Content != "" {
			r.appendLocal(th, llm.RoleAssistant, m.Content)
			return m.Content, nil
		}
	}
	return NoResponse, nil
}

func (r *Runner) failureAnswer(ctx context.Context, th *Thread, run *llm.Run) string {
	text := fmt.Sprintf("The assistant run ended with status %s.", run.Status)
	if run.LastError != nil {
		text = fmt.Sprintf("The assistant run failed: %s (%s)", run.LastError.Message, run.LastError.Code)
	}
	r.logger.Warn("run ended without completing", "thread_id", th.ID, "run_id", run.ID, "status", run.Status)

	if _, err := r.client.CreateMessage(ctx, th.ID, llm.RoleAssistant, text); err != nil {
		r.logger.Warn("could not append failure message to thread", "thread_id", th.ID, "error", err)
	}
	r.appendLocal(th, llm.RoleAssistant, text)
	return text
}

func (r *Runner) recordUsage(threadID string, run *llm.Run) {
	if r.usage == nil || run.Usage == nil {
		return
	}
	r.usage.Record(threadID, run.AssistantID, *run.Usage)
}

func (r *Runner) toolSpecs() []llm.ToolSpec {
	defs := r.tools.Definitions()
	if len(defs) == 0 {
		return nil
	}
	specs := make([]llm.ToolSpec, len(defs))
	for i, d := range defs {
		specs[i] = llm.FunctionTool(d.Name, d.Description, d.Parameters)
	}
	return specs
}

// thread returns the registered thread, or creates one when id is empty.
func (r *Runner) thread(ctx context.Context, id string) (*Thread, error) {
	if id != "" {
		r.mu.Lock()
		defer r.mu.Unlock()
		th, ok := r.threads[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
		}
		return th, nil
	}

	remote, err := r.client.CreateThread(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: create thread: %v", ErrAssistantUnavailable, err)
	}
	th := &Thread{ID: remote.ID}
	r.mu.Lock()
	r.threads[th.ID] = th
	r.mu.Unlock()
	r.logger.Info("thread created", "thread_id", th.ID)
	return th, nil
}

func (r *Runner) appendLocal(th *Thread, role, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	th.Messages = append(th.Messages, Message{Role: role, Content: content, CreatedAt: r.clock.Now()})
}

// History returns a copy of a thread's local messages.
func (r *Runner) History(id string) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	th, ok := r.threads[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	out := make([]Message, len(th.Messages))
	copy(out, th.Messages)
	return out, nil
}

// ThreadIDs returns the ids of every tracked thread.
func (r *Runner) ThreadIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.threads))
	for id := range r.threads {
		ids = append(ids, id)
	}
	return ids
}

// Reset forgets every thread.
func (r *Runner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threads = make(map[string]*Thread)
}

// IsSetupError reports whether err happened before a run could start.
func IsSetupError(err error) bool {
	return errors.Is(err, ErrThreadNotFound) || errors.Is(err, ErrAssistantUnavailable) || errors.Is(err, ErrEmptyInput)
}

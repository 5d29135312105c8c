package team

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/agenth/pkg/agenth/llm"
	"github.com/jholhewres/agenth/pkg/agenth/tools"
)

// ErrMaxIterations marks an answer cut short by the tool-loop cap.
var ErrMaxIterations = errors.New("agent stopped after reaching the iteration limit")

// Input is what an executor is invoked with. Delegation tools forward the
// supervisor's chat history to the specialist.
type Input struct {
	Input       string        `json:"input"`
	Context     string        `json:"context,omitempty"`
	ChatHistory []llm.Message `json:"chat_history,omitempty"`
}

// Result is an executor's answer.
type Result struct {
	Agent      string `json:"agent"`
	Output     string `json:"output"`
	Iterations int    `json:"iterations"`
	ToolCalls  int    `json:"tool_calls"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// Executor runs a chat-completions tool loop for one agent.
type Executor struct {
	name          string
	systemPrompt  string
	client        llm.ChatClient
	tools         *tools.Set
	model         string
	temperature   float64
	maxIterations int
	loopWarn      int
	loopBreak     int
	logger        *slog.Logger
}

// Name returns the agent name.
func (e *Executor) Name() string { return e.name }

// SystemPrompt returns the prompt the executor was built with.
func (e *Executor) SystemPrompt() string { return e.systemPrompt }

// Tools returns the executor's tool set.
func (e *Executor) Tools() *tools.Set { return e.tools }

type historyKey struct{}

// historyFromContext returns the chat history of the executor currently
// running a tool, so delegation can forward it.
func historyFromContext(ctx context.Context) []llm.Message {
	h, _ := ctx.Value(historyKey{}).([]llm.Message)
	return h
}

// Invoke runs the tool loop until the model answers without tool calls or
// MaxIterations completions have been made.
func (e *Executor) Invoke(ctx context.Context, in Input) (Result, error) {
	if strings.TrimSpace(in.Input) == "" {
		return Result{}, errors.New("empty input")
	}

	user := in.Input
	if in.Context != "" {
		user = in.Input + "\n\nContext:\n" + in.Context
	}
	msgs := make([]llm.Message, 0, len(in.ChatHistory)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: e.systemPrompt})
	msgs = append(msgs, in.ChatHistory...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: user})

	var specs []llm.ToolSpec
	for _, d := range e.tools.Definitions() {
		specs = append(specs, llm.FunctionTool(d.Name, d.Description, d.Parameters))
	}

	// An outer scope (a task owner) wins over the agent name.
	if llm.UsageScopeFromContext(ctx) == "" {
		ctx = llm.WithUsageScope(ctx, "agent:"+e.name)
	}
	res := Result{Agent: e.name}
	guard := newLoopGuard(e.loopWarn, e.loopBreak)
	var last string
	for res.Iterations < e.maxIterations {
		res.Iterations++
		resp, err := e.client.CreateCompletion(ctx, llm.CompletionRequest{
			Model:       e.model,
			Messages:    msgs,
			Temperature: llm.Temperature(e.temperature),
			Tools:       specs,
		})
		if err != nil {
			return res, fmt.Errorf("agent %s: completion: %w", e.name, err)
		}
		if len(resp.Choices) == 0 {
			return res, fmt.Errorf("agent %s: %w", e.name, llm.ErrNoChoices)
		}
		msg := resp.Choices[0].Message
		if msg.Content != "" {
			last = msg.Content
		}
		if len(msg.ToolCalls) == 0 {
			res.Output = msg.Content
			return res, nil
		}

		msg.Role = llm.RoleAssistant
		msgs = append(msgs, msg)
		res.ToolCalls += len(msg.ToolCalls)
		msgs = append(msgs, e.runTools(context.WithValue(ctx, historyKey{}, in.ChatHistory), msg.ToolCalls)...)

		level, streak, tool := loopNone, 0, ""
		for _, call := range msg.ToolCalls {
			if l, n := guard.record(call); l > level {
				level, streak, tool = l, n, call.Function.Name
			}
		}
		switch level {
		case loopBreak:
			e.logger.Error("tool loop detected, stopping run", "agent", e.name, "tool", tool, "streak", streak)
			res.Truncated = true
			res.Output = ErrToolLoop.Error()
			if last != "" {
				res.Output = last + "\n\n(" + ErrToolLoop.Error() + ")"
			}
			return res, nil
		case loopWarn:
			e.logger.Warn("tool loop warning", "agent", e.name, "tool", tool, "streak", streak)
			msgs = append(msgs, loopHint(tool, streak))
		}
	}

	e.logger.Warn("iteration limit reached", "agent", e.name, "max_iterations", e.maxIterations)
	res.Truncated = true
	res.Output = ErrMaxIterations.Error()
	if last != "" {
		res.Output = last + "\n\n(" + ErrMaxIterations.Error() + ")"
	}
	return res, nil
}

// runTools executes one round of tool calls concurrently and returns the
// tool messages in call order. Failures become message text.
func (e *Executor) runTools(ctx context.Context, calls []llm.ToolCall) []llm.Message {
	out := make([]llm.Message, len(calls))
	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			text := e.runTool(ctx, call)
			out[i] = llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Name: call.Function.Name, Content: text}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (e *Executor) runTool(ctx context.Context, call llm.ToolCall) string {
	t, ok := e.tools.Get(call.Function.Name)
	if !ok {
		e.logger.Warn("agent requested unknown tool", "agent", e.name, "tool", call.Function.Name)
		return fmt.Sprintf("Error: %v: %s", tools.ErrUnknownTool, call.Function.Name)
	}
	out, err := t.Call(ctx, call.Function.Arguments)
	if err != nil {
		e.logger.Warn("agent tool failed", "agent", e.name, "tool", call.Function.Name, "error", err)
		return "Error: " + err.Error()
	}
	return out
}

// resultJSON serializes a delegation result for the supervisor.
func resultJSON(r Result) string {
	data, err := json.Marshal(r)
	if err != nil {
		return r.Output
	}
	return string(data)
}

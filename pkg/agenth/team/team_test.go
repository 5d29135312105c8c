package team

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/agenth/pkg/agenth/llm"
	"github.com/jholhewres/agenth/pkg/agenth/tools"
)

// scriptedChat answers completions with a function of the request.
type scriptedChat struct {
	mu       sync.Mutex
	requests []llm.CompletionRequest
	answer   func(req llm.CompletionRequest) (llm.Message, error)
}

func (s *scriptedChat) CreateCompletion(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	msg, err := s.answer(req)
	if err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{Choices: []llm.Choice{{Message: msg}}}, nil
}

func systemPrompt(req llm.CompletionRequest) string {
	if len(req.Messages) == 0 {
		return ""
	}
	return req.Messages[0].Content
}

func lastMessage(req llm.CompletionRequest) llm.Message {
	return req.Messages[len(req.Messages)-1]
}

func toolCall(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Type: "function", Function: llm.FunctionCall{Name: name, Arguments: args}}
}

func testRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(nil)
	require.NoError(t, reg.Register(tools.MakeToolDefinition("echo", "echo", nil),
		func(_ context.Context, args map[string]any) (any, error) { return args["text"], nil }))
	return reg
}

type fakeController struct {
	startErr error
	started  atomic.Int32
	stopped  atomic.Int32
}

func (c *fakeController) Start(context.Context) error { c.started.Add(1); return c.startErr }
func (c *fakeController) Stop(context.Context) error  { c.stopped.Add(1); return nil }

func TestParseSpecs(t *testing.T) {
	specs, err := ParseSpecs([]byte(`
agents:
  - name: supervisor
    description: routes work
  - name: poet
    description: writes poems
    skills: [haiku]
    tools: [echo]
    temperature: 0.7
  - name: trader
    enabled: false
    controller:
      type: social
      params: {handle: agent_h}
`))
	require.NoError(t, err)
	require.Len(t, specs, 3)
	assert.True(t, specs[0].IsSupervisor())
	assert.True(t, specs[1].IsEnabled())
	assert.Equal(t, 0.7, *specs[1].Temperature)
	assert.False(t, specs[2].IsEnabled())
	assert.Equal(t, "agent_h", specs[2].Controller.Params["handle"])

	tests := map[string]string{
		"no name":         "agents: [{description: x}]",
		"duplicate":       "agents: [{name: a}, {name: A}]",
		"two supervisors": "agents: [{name: supervisor}, {name: orchestrator}]",
		"empty tool":      "agents: [{name: a, tools: ['']}]",
		"controller type": "agents: [{name: a, controller: {params: {}}}]",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSpecs([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidSpec)
		})
	}
}

func TestBuild_FailingSpecialistIsExcluded(t *testing.T) {
	chat := &scriptedChat{answer: func(llm.CompletionRequest) (llm.Message, error) {
		return llm.Message{Role: llm.RoleAssistant, Content: "ok"}, nil
	}}
	b := NewBuilder(BuilderConfig{Model: "gpt-4o-mini"}, chat, testRegistry(t), nil)

	team := b.Build(context.Background(), []AgentSpec{
		{Name: "supervisor", Tools: []string{"echo"}},
		{Name: "trader", Description: "trades", Tools: []string{"echo", "place_order"}},
		{Name: "poet", Description: "writes poems", Skills: []string{"haiku"}},
	})

	assert.Equal(t, []string{"poet"}, team.Names())
	require.Contains(t, team.Failed, "trader")
	assert.ErrorIs(t, team.Failed["trader"], tools.ErrUnknownTool)
	assert.Contains(t, team.Failed["trader"].Error(), "place_order")

	require.NotNil(t, team.Supervisor)
	assert.NoError(t, team.SupervisorErr)
	names := make([]string, 0)
	for _, d := range team.Supervisor.Tools().Definitions() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"echo", "delegate_to_poet"}, names)
	assert.Contains(t, team.Supervisor.SystemPrompt(), "poet (delegate_to_poet): writes poems Skills: haiku.")
	assert.NotContains(t, team.Supervisor.SystemPrompt(), "trader")
}

func TestBuild_Controllers(t *testing.T) {
	chat := &scriptedChat{}
	b := NewBuilder(BuilderConfig{}, chat, testRegistry(t), nil)

	good := &fakeController{}
	bad := &fakeController{startErr: errors.New("login failed")}
	b.RegisterController("social", func(_ context.Context, spec AgentSpec) (Controller, error) {
		if spec.Name == "broken" {
			return bad, nil
		}
		return good, nil
	})

	team := b.Build(context.Background(), []AgentSpec{
		{Name: "orchestrator"},
		{Name: "herald", Controller: &ControllerSpec{Type: "Social"}},
		{Name: "broken", Controller: &ControllerSpec{Type: "social"}},
		{Name: "ghost", Controller: &ControllerSpec{Type: "telegram"}},
	})

	assert.Equal(t, []string{"herald"}, team.Names())
	assert.Same(t, good, team.Agents["herald"].Controller)
	assert.Equal(t, int32(1), good.started.Load())
	assert.Contains(t, team.Failed["broken"].Error(), "login failed")
	assert.Contains(t, team.Failed["ghost"].Error(), "unknown controller type")
}

func TestBuilder_ZeroTemperatureHonoured(t *testing.T) {
	chat := &scriptedChat{answer: func(llm.CompletionRequest) (llm.Message, error) {
		return llm.Message{Role: llm.RoleAssistant, Content: "ok"}, nil
	}}
	b := NewBuilder(BuilderConfig{Temperature: llm.Temperature(0)}, chat, testRegistry(t), nil)
	team := b.Build(context.Background(), []AgentSpec{
		{Name: "supervisor"},
		{Name: "warm", Temperature: llm.Temperature(0.7)},
	})

	require.NotNil(t, team.Supervisor)
	_, err := team.Supervisor.Invoke(context.Background(), Input{Input: "hi"})
	require.NoError(t, err)
	_, err = team.Agents["warm"].Executor.Invoke(context.Background(), Input{Input: "hi"})
	require.NoError(t, err)

	require.Len(t, chat.requests, 2)
	require.NotNil(t, chat.requests[0].Temperature)
	assert.Zero(t, *chat.requests[0].Temperature)
	assert.Equal(t, 0.7, *chat.requests[1].Temperature)
}

func TestBuild_SupervisorFailureLeavesNil(t *testing.T) {
	b := NewBuilder(BuilderConfig{}, &scriptedChat{}, testRegistry(t), nil)

	team := b.Build(context.Background(), []AgentSpec{
		{Name: "supervisor", Tools: []string{"nope"}},
		{Name: "poet"},
	})
	assert.Nil(t, team.Supervisor)
	assert.ErrorIs(t, team.SupervisorErr, tools.ErrUnknownTool)
	assert.Equal(t, []string{"poet"}, team.Names())

	team = b.Build(context.Background(), []AgentSpec{{Name: "poet"}})
	assert.Nil(t, team.Supervisor)
	assert.ErrorIs(t, team.SupervisorErr, ErrInvalidSpec)
}

func TestExecutor_ToolLoop(t *testing.T) {
	chat := &scriptedChat{answer: func(req llm.CompletionRequest) (llm.Message, error) {
		last := lastMessage(req)
		if last.Role == llm.RoleTool {
			return llm.Message{Role: llm.RoleAssistant, Content: "echoed: " + last.Content}, nil
		}
		return llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
			toolCall("c1", "echo", `{"text":"hi"}`),
		}}, nil
	}}
	b := NewBuilder(BuilderConfig{Model: "m"}, chat, testRegistry(t), nil)
	team := b.Build(context.Background(), []AgentSpec{{Name: "supervisor"}, {Name: "parrot", Tools: []string{"echo"}}})
	parrot := team.Agents["parrot"].Executor

	res, err := parrot.Invoke(context.Background(), Input{Input: "say hi", Context: "be brief"})
	require.NoError(t, err)
	assert.Equal(t, "echoed: hi", res.Output)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 1, res.ToolCalls)

	first := chat.requests[0]
	assert.Equal(t, "m", first.Model)
	require.NotNil(t, first.Temperature)
	assert.Equal(t, DefaultTemperature, *first.Temperature)
	require.Len(t, first.Tools, 1)
	assert.Contains(t, lastMessage(first).Content, "Context:\nbe brief")

	_, err = parrot.Invoke(context.Background(), Input{})
	assert.Error(t, err)
}

func TestExecutor_MaxIterations(t *testing.T) {
	chat := &scriptedChat{answer: func(llm.CompletionRequest) (llm.Message, error) {
		return llm.Message{Role: llm.RoleAssistant, Content: "thinking", ToolCalls: []llm.ToolCall{
			toolCall("c", "missing_tool", "{}"),
		}}, nil
	}}
	b := NewBuilder(BuilderConfig{MaxIterations: 3}, chat, testRegistry(t), nil)
	team := b.Build(context.Background(), []AgentSpec{{Name: "supervisor"}})

	res, err := team.Supervisor.Invoke(context.Background(), Input{Input: "loop"})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, 3, res.Iterations)
	assert.Contains(t, res.Output, ErrMaxIterations.Error())
	assert.Len(t, chat.requests, 3)

	// The unknown tool is answered, not fatal.
	toolMsg := lastMessage(chat.requests[1])
	assert.Equal(t, llm.RoleTool, toolMsg.Role)
	assert.Contains(t, toolMsg.Content, "unknown tool")
}

func TestSupervisor_Delegates(t *testing.T) {
	var poetInput atomic.Value
	chat := &scriptedChat{answer: func(req llm.CompletionRequest) (llm.Message, error) {
		sys := systemPrompt(req)
		last := lastMessage(req)
		switch {
		case strings.HasPrefix(sys, "You are poet"):
			poetInput.Store(last.Content)
			if strings.Contains(last.Content, "fail") {
				return llm.Message{}, errors.New("model overloaded")
			}
			return llm.Message{Role: llm.RoleAssistant, Content: "roses are red"}, nil
		case last.Role == llm.RoleTool:
			return llm.Message{Role: llm.RoleAssistant, Content: "final: " + last.Content}, nil
		default:
			return llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
				toolCall("d1", "delegate_to_poet", `{"input":"`+last.Content+`"}`),
			}}, nil
		}
	}}
	b := NewBuilder(BuilderConfig{}, chat, testRegistry(t), nil)
	m := NewManager(b, func() ([]AgentSpec, error) {
		return []AgentSpec{{Name: "supervisor"}, {Name: "poet"}}, nil
	}, nil)
	require.NoError(t, m.Start(context.Background()))

	history := []llm.Message{{Role: llm.RoleUser, Content: "earlier"}}
	res, err := m.Invoke(context.Background(), "write a poem", history)
	require.NoError(t, err)
	assert.Contains(t, res.Output, `"output":"roses are red"`)
	assert.Equal(t, "write a poem", poetInput.Load())

	// The specialist saw the supervisor's chat history.
	var poetReq llm.CompletionRequest
	for _, r := range chat.requests {
		if strings.HasPrefix(systemPrompt(r), "You are poet") {
			poetReq = r
		}
	}
	require.Len(t, poetReq.Messages, 3)
	assert.Equal(t, "earlier", poetReq.Messages[1].Content)

	res, err = m.Invoke(context.Background(), "fail please", nil)
	require.NoError(t, err, "delegation failures are tool output, not errors")
	assert.Contains(t, res.Output, "Error: poet failed")
}

func TestManager_Lifecycle(t *testing.T) {
	ctrl := &fakeController{}
	var specs atomic.Value
	specs.Store([]AgentSpec{{Name: "supervisor"}, {Name: "herald", Controller: &ControllerSpec{Type: "social"}}})

	chat := &scriptedChat{answer: func(llm.CompletionRequest) (llm.Message, error) {
		return llm.Message{Role: llm.RoleAssistant, Content: "hello"}, nil
	}}
	b := NewBuilder(BuilderConfig{}, chat, testRegistry(t), nil)
	b.RegisterController("social", func(context.Context, AgentSpec) (Controller, error) { return ctrl, nil })
	m := NewManager(b, func() ([]AgentSpec, error) { return specs.Load().([]AgentSpec), nil }, nil)

	_, err := m.Invoke(context.Background(), "hi", nil)
	assert.ErrorIs(t, err, ErrNoSupervisor)

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Start(ctx))
	assert.Equal(t, int32(1), ctrl.started.Load())

	res, err := m.Invoke(ctx, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Output)

	specs.Store([]AgentSpec{{Name: "poet"}})
	require.NoError(t, m.Restart(ctx))
	assert.Equal(t, int32(1), ctrl.stopped.Load())
	assert.Equal(t, []string{"poet"}, m.Team().Names())

	_, err = m.Invoke(ctx, "hi", nil)
	assert.ErrorIs(t, err, ErrNoSupervisor)

	m.Stop(ctx)
	assert.Nil(t, m.Team())
}

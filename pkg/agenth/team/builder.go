package team

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/jholhewres/agenth/pkg/agenth/llm"
	"github.com/jholhewres/agenth/pkg/agenth/tools"
)

// Defaults for executors whose spec leaves the field empty.
const (
	DefaultTemperature   = 0.2
	DefaultMaxIterations = 10
)

// Controller is a long-running process owned by an agent, such as a
// mention poller. It is started before the agent joins the team and
// stopped when the team is rebuilt.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ControllerFactory creates the controller declared by spec.
type ControllerFactory func(ctx context.Context, spec AgentSpec) (Controller, error)

// Resolver maps tool names to tools, failing on any unknown name.
type Resolver interface {
	Resolve(names []string) ([]tools.Tool, error)
}

// Agent is one built specialist.
type Agent struct {
	Spec       AgentSpec
	Executor   *Executor
	Controller Controller
}

// Team is the result of a build. Supervisor is nil when it could not be
// built; callers must check before invoking it.
type Team struct {
	Supervisor    *Executor
	SupervisorErr error
	Agents        map[string]*Agent
	// Failed maps excluded specialists to the reason.
	Failed map[string]error
}

// Names returns the specialist names, sorted.
func (t *Team) Names() []string {
	names := make([]string, 0, len(t.Agents))
	for n := range t.Agents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// BuilderConfig holds executor defaults.
type BuilderConfig struct {
	Model string `yaml:"model"`
	// Temperature defaults to DefaultTemperature when unset; 0 is greedy.
	Temperature   *float64 `yaml:"temperature,omitempty"`
	MaxIterations int      `yaml:"max_iterations"`
	// LoopWarnAfter identical tool calls inject a hint; LoopBreakAfter
	// stop the run. Defaults: 3 and 5.
	LoopWarnAfter  int `yaml:"loop_warn_after"`
	LoopBreakAfter int `yaml:"loop_break_after"`
}

// Builder constructs teams.
type Builder struct {
	cfg         BuilderConfig
	client      llm.ChatClient
	resolver    Resolver
	controllers map[string]ControllerFactory
	logger      *slog.Logger
}

// NewBuilder creates a builder. Zero config fields take the defaults.
func NewBuilder(cfg BuilderConfig, client llm.ChatClient, resolver Resolver, logger *slog.Logger) *Builder {
	if cfg.Temperature == nil {
		cfg.Temperature = llm.Temperature(DefaultTemperature)
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.LoopWarnAfter <= 0 {
		cfg.LoopWarnAfter = 3
	}
	if cfg.LoopBreakAfter <= 0 {
		cfg.LoopBreakAfter = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		cfg:         cfg,
		client:      client,
		resolver:    resolver,
		controllers: make(map[string]ControllerFactory),
		logger:      logger.With("component", "team_builder"),
	}
}

// RegisterController makes a controller type available to specs.
func (b *Builder) RegisterController(typ string, f ControllerFactory) {
	b.controllers[strings.ToLower(typ)] = f
}

// Build constructs every enabled specialist and then the supervisor.
// A specialist that fails to build is left out and logged; a supervisor
// failure leaves Team.Supervisor nil.
func (b *Builder) Build(ctx context.Context, specs []AgentSpec) *Team {
	team := &Team{
		Agents: make(map[string]*Agent),
		Failed: make(map[string]error),
	}

	var supervisor *AgentSpec
	for i := range specs {
		spec := specs[i]
		if spec.IsSupervisor() {
			if supervisor == nil {
				supervisor = &specs[i]
			}
			continue
		}
		if !spec.IsEnabled() {
			b.logger.Debug("agent disabled, skipping", "agent", spec.Name)
			continue
		}
		agent, err := b.buildSpecialist(ctx, spec)
		if err != nil {
			b.logger.Error("failed to build agent", "agent", spec.Name, "error", err)
			team.Failed[spec.Name] = err
			continue
		}
		team.Agents[spec.Name] = agent
		b.logger.Info("agent ready", "agent", spec.Name, "tools", agent.Executor.tools.Len())
	}

	if supervisor == nil {
		team.SupervisorErr = fmt.Errorf("%w: no %q spec", ErrInvalidSpec, SupervisorName)
		b.logger.Error("failed to build supervisor", "error", team.SupervisorErr)
		return team
	}
	sup, err := b.buildSupervisor(*supervisor, team)
	if err != nil {
		team.SupervisorErr = err
		b.logger.Error("failed to build supervisor", "error", err)
		return team
	}
	team.Supervisor = sup
	return team
}

func (b *Builder) buildSpecialist(ctx context.Context, spec AgentSpec) (*Agent, error) {
	resolved, err := b.resolver.Resolve(spec.Tools)
	if err != nil {
		return nil, fmt.Errorf("resolve tools: %w", err)
	}
	exec := b.newExecutor(spec, specialistPrompt(spec), tools.NewSet(resolved...))
	agent := &Agent{Spec: spec, Executor: exec}

	if spec.Controller != nil {
		factory, ok := b.controllers[strings.ToLower(spec.Controller.Type)]
		if !ok {
			return nil, fmt.Errorf("unknown controller type %q", spec.Controller.Type)
		}
		ctrl, err := factory(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("create controller: %w", err)
		}
		if err := ctrl.Start(ctx); err != nil {
			return nil, fmt.Errorf("start controller: %w", err)
		}
		agent.Controller = ctrl
	}
	return agent, nil
}

func (b *Builder) buildSupervisor(spec AgentSpec, team *Team) (*Executor, error) {
	own, err := b.resolver.Resolve(spec.Tools)
	if err != nil {
		return nil, fmt.Errorf("supervisor tools: %w", err)
	}
	set := tools.NewSet(own...)
	for _, name := range team.Names() {
		if err := set.Add(delegationTool(team.Agents[name])); err != nil {
			return nil, fmt.Errorf("delegation tool for %s: %w", name, err)
		}
	}
	return b.newExecutor(spec, supervisorPrompt(spec, team), set), nil
}

func (b *Builder) newExecutor(spec AgentSpec, prompt string, set *tools.Set) *Executor {
	model := spec.Model
	if model == "" {
		model = b.cfg.Model
	}
	temp := *b.cfg.Temperature
	if spec.Temperature != nil {
		temp = *spec.Temperature
	}
	maxIter := b.cfg.MaxIterations
	if spec.MaxIterations > 0 {
		maxIter = spec.MaxIterations
	}
	return &Executor{
		name:          spec.Name,
		systemPrompt:  prompt,
		client:        b.client,
		tools:         set,
		model:         model,
		temperature:   temp,
		maxIterations: maxIter,
		loopWarn:      b.cfg.LoopWarnAfter,
		loopBreak:     b.cfg.LoopBreakAfter,
		logger:        b.logger.With("agent", spec.Name),
	}
}

var toolNameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// DelegationToolName returns the supervisor tool name for a specialist.
func DelegationToolName(agent string) string {
	return "delegate_to_" + strings.Trim(toolNameUnsafe.ReplaceAllString(strings.ToLower(agent), "_"), "_")
}

// delegationTool invokes a specialist. Failures come back as output text
// so the supervisor can retry or report them.
func delegationTool(agent *Agent) tools.Tool {
	def := tools.MakeToolDefinition(
		DelegationToolName(agent.Spec.Name),
		fmt.Sprintf("Delegate a task to %s. %s", agent.Spec.Name, agent.Spec.Description),
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"input": map[string]any{
					"type":        "string",
					"description": "The user's request, passed verbatim",
				},
				"context": map[string]any{
					"type":        "string",
					"description": "Extra context the specialist needs",
				},
			},
			"required": []string{"input"},
		},
	)
	return tools.Tool{
		Definition: def,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			input, _ := args["input"].(string)
			extra, _ := args["context"].(string)
			res, err := agent.Executor.Invoke(ctx, Input{
				Input:       input,
				Context:     extra,
				ChatHistory: historyFromContext(ctx),
			})
			if err != nil {
				return fmt.Sprintf("Error: %s failed: %v", agent.Spec.Name, err), nil
			}
			return resultJSON(res), nil
		},
	}
}

func specialistPrompt(spec AgentSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.", spec.Name)
	if spec.Description != "" {
		fmt.Fprintf(&b, " %s", spec.Description)
	}
	if spec.Personality != "" {
		fmt.Fprintf(&b, "\n\n## Personality\n%s", spec.Personality)
	}
	if len(spec.Skills) > 0 {
		fmt.Fprintf(&b, "\n\n## Skills\n- %s", strings.Join(spec.Skills, "\n- "))
	}
	if spec.Instructions != "" {
		fmt.Fprintf(&b, "\n\n## Instructions\n%s", spec.Instructions)
	}
	return b.String()
}

func supervisorPrompt(spec AgentSpec, team *Team) string {
	var b strings.Builder
	b.WriteString(specialistPrompt(spec))
	b.WriteString("\n\n## Team\nYou coordinate these specialists. Delegate with the matching tool.\n")
	names := team.Names()
	if len(names) == 0 {
		b.WriteString("(no specialists are available)\n")
	}
	for _, name := range names {
		a := team.Agents[name].Spec
		fmt.Fprintf(&b, "- %s (%s): %s", name, DelegationToolName(name), a.Description)
		if len(a.Skills) > 0 {
			fmt.Fprintf(&b, " Skills: %s.", strings.Join(a.Skills, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString(`
## Rules
- Pass the user's input to specialists verbatim; do not rewrite it.
- Wait for the response of every specialist you delegated to.
- Never give a final answer before all delegated responses have arrived.
- If a specialist reports an error, retry once or tell the user what failed.
`)
	return b.String()
}

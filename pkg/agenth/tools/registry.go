// Package tools implements the tool registry: a static mapping from tool
// name to a JSON-schema definition and a handler. Agents reference tools by
// name; every referenced name must resolve when a team is built.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrUnknownTool is returned when a tool name is not registered.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrDuplicateTool is returned when registering a name twice.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrInvalidArguments wraps argument parse and validation failures.
	ErrInvalidArguments = errors.New("invalid tool arguments")

	// ErrInvalidDefinition is returned for definitions without a name or handler.
	ErrInvalidDefinition = errors.New("invalid tool definition")
)

// Handler executes a tool with parsed, validated arguments. The result is
// coerced to a string before it is handed back to the model.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Definition is the model-facing description of a tool.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// MakeToolDefinition builds a Definition. A nil schema becomes an empty object schema.
func MakeToolDefinition(name, description string, params map[string]any) Definition {
	if params == nil {
		params = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	return Definition{Name: name, Description: description, Parameters: params}
}

// Tool is a registered definition plus its handler.
type Tool struct {
	Definition Definition
	Handler    Handler
}

// Name returns the tool name.
func (t Tool) Name() string { return t.Definition.Name }

// Call parses argsJSON, validates it against the declared schema, runs the
// handler and coerces the result to a string. Handler panics are returned
// as errors.
func (t Tool) Call(ctx context.Context, argsJSON string) (out string, err error) {
	args, err := ParseArguments(argsJSON)
	if err != nil {
		return "", err
	}
	if err := ValidateArguments(t.Definition.Parameters, args); err != nil {
		return "", err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", t.Definition.Name, r)
		}
	}()

	result, err := t.Handler(ctx, args)
	if err != nil {
		return "", err
	}
	return Stringify(result), nil
}

// ParseArguments decodes the model-provided JSON argument string.
// An empty string is treated as an empty object.
func ParseArguments(argsJSON string) (map[string]any, error) {
	argsJSON = strings.TrimSpace(argsJSON)
	if argsJSON == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// Stringify converts a handler result into tool output text.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case error:
		return val.Error()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// Registry holds every tool available to agents. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool. Names are unique.
func (r *Registry) Register(def Definition, handler Handler) error {
	if def.Name == "" || handler == nil {
		return fmt.Errorf("%w: %q", ErrInvalidDefinition, def.Name)
	}
	if def.Parameters == nil {
		def = MakeToolDefinition(def.Name, def.Description, nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Name)
	}
	r.tools[def.Name] = Tool{Definition: def, Handler: handler}
	r.logger.Debug("tool registered", "name", def.Name)
	return nil
}

// Get returns a registered tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Resolve maps names to tools, failing with ErrUnknownTool listing every
// name that is not registered.
func (r *Registry) Resolve(names []string) ([]Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(names))
	var missing []string
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		out = append(out, t)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, strings.Join(missing, ", "))
	}
	return out, nil
}

// Invoke runs a tool by name.
func (r *Registry) Invoke(ctx context.Context, name, argsJSON string) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t.Call(ctx, argsJSON)
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns every registered definition, sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

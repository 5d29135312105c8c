// Package team builds a supervisor agent and its specialists from
// declarative agent specs. The supervisor reaches each specialist through
// a synthesized delegate_to_<name> tool.
package team

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Reserved spec names that become the supervisor instead of a specialist.
const (
	SupervisorName   = "supervisor"
	OrchestratorName = "orchestrator"
)

// ErrInvalidSpec is returned when agent specs fail validation.
var ErrInvalidSpec = errors.New("invalid agent spec")

// ControllerSpec names a long-running process started with an agent.
type ControllerSpec struct {
	Type   string         `yaml:"type" json:"type"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// AgentSpec declares one agent.
type AgentSpec struct {
	// Name identifies the agent and names its delegation tool.
	Name string `yaml:"name" json:"name"`

	// Description is shown to the supervisor when routing work.
	Description string `yaml:"description" json:"description"`

	// Personality is the voice and style of the agent.
	Personality string `yaml:"personality,omitempty" json:"personality,omitempty"`

	Instructions string `yaml:"instructions,omitempty" json:"instructions,omitempty"`

	// Skills are advertised to the supervisor.
	Skills []string `yaml:"skills,omitempty" json:"skills,omitempty"`

	// Tools are registry names; every one must resolve at build time.
	Tools []string `yaml:"tools,omitempty" json:"tools,omitempty"`

	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	Controller *ControllerSpec `yaml:"controller,omitempty" json:"controller,omitempty"`

	// Model, Temperature and MaxIterations override the builder defaults.
	Model         string   `yaml:"model,omitempty" json:"model,omitempty"`
	Temperature   *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxIterations int      `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
}

// IsEnabled reports whether the agent should be built.
func (s AgentSpec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// IsSupervisor reports whether the spec uses a reserved supervisor name.
func (s AgentSpec) IsSupervisor() bool {
	n := strings.ToLower(strings.TrimSpace(s.Name))
	return n == SupervisorName || n == OrchestratorName
}

type specFile struct {
	Agents []AgentSpec `yaml:"agents"`
}

// LoadSpecs reads agent specs from a YAML file with a top-level "agents" list.
func LoadSpecs(path string) ([]AgentSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent specs: %w", err)
	}
	return ParseSpecs(data)
}

// ParseSpecs decodes and validates agent specs.
func ParseSpecs(data []byte) ([]AgentSpec, error) {
	var f specFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agent specs: %w", err)
	}
	if err := ValidateSpecs(f.Agents); err != nil {
		return nil, err
	}
	return f.Agents, nil
}

// ValidateSpecs checks names are present and unique and that at most one
// spec is reserved for the supervisor.
func ValidateSpecs(specs []AgentSpec) error {
	seen := make(map[string]bool, len(specs))
	supervisors := 0
	for i, s := range specs {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("%w: agent #%d has no name", ErrInvalidSpec, i+1)
		}
		key := strings.ToLower(name)
		if seen[key] {
			return fmt.Errorf("%w: duplicate agent %q", ErrInvalidSpec, name)
		}
		seen[key] = true
		if s.IsSupervisor() {
			supervisors++
		}
		for _, t := range s.Tools {
			if strings.TrimSpace(t) == "" {
				return fmt.Errorf("%w: agent %q lists an empty tool name", ErrInvalidSpec, name)
			}
		}
		if s.Controller != nil && s.Controller.Type == "" {
			return fmt.Errorf("%w: agent %q has a controller without a type", ErrInvalidSpec, name)
		}
		if s.MaxIterations < 0 {
			return fmt.Errorf("%w: agent %q has negative max_iterations", ErrInvalidSpec, name)
		}
	}
	if supervisors > 1 {
		return fmt.Errorf("%w: more than one supervisor spec", ErrInvalidSpec)
	}
	return nil
}

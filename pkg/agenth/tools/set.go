package tools

import "fmt"

// Lookup finds a tool by name. Both Registry and Set implement it.
type Lookup interface {
	Get(name string) (Tool, bool)
}

// Catalog is a Lookup that can also advertise its definitions to a model.
type Catalog interface {
	Lookup
	Definitions() []Definition
}

// Set is an ordered, per-agent tool list. Not safe for concurrent writes;
// sets are built once and then only read.
type Set struct {
	tools []Tool
	index map[string]int
}

// NewSet builds a set from tools, later duplicates replacing earlier ones.
func NewSet(ts ...Tool) *Set {
	s := &Set{index: make(map[string]int, len(ts))}
	for _, t := range ts {
		if i, ok := s.index[t.Name()]; ok {
			s.tools[i] = t
			continue
		}
		s.index[t.Name()] = len(s.tools)
		s.tools = append(s.tools, t)
	}
	return s
}

// Add appends a tool; names are unique within a set.
func (s *Set) Add(t Tool) error {
	if t.Name() == "" || t.Handler == nil {
		return fmt.Errorf("%w: %q", ErrInvalidDefinition, t.Name())
	}
	if _, ok := s.index[t.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name())
	}
	s.index[t.Name()] = len(s.tools)
	s.tools = append(s.tools, t)
	return nil
}

func (s *Set) Get(name string) (Tool, bool) {
	if s == nil {
		return Tool{}, false
	}
	i, ok := s.index[name]
	if !ok {
		return Tool{}, false
	}
	return s.tools[i], true
}

// Tools returns the tools in insertion order.
func (s *Set) Tools() []Tool {
	if s == nil {
		return nil
	}
	out := make([]Tool, len(s.tools))
	copy(out, s.tools)
	return out
}

// Definitions returns the model-facing definitions in insertion order.
func (s *Set) Definitions() []Definition {
	if s == nil {
		return nil
	}
	defs := make([]Definition, len(s.tools))
	for i, t := range s.tools {
		defs[i] = t.Definition
	}
	return defs
}

// Len returns the number of tools.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tools)
}

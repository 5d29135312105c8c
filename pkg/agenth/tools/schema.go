package tools

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownArgKind is returned when a declared argument kind is not supported.
var ErrUnknownArgKind = errors.New("unknown argument kind")

// ArgKind is the declared type of a tool argument.
type ArgKind string

const (
	KindString  ArgKind = "string"
	KindNumber  ArgKind = "number"
	KindInteger ArgKind = "integer"
	KindBoolean ArgKind = "boolean"
	KindArray   ArgKind = "array"
	KindObject  ArgKind = "object"
	KindEnum    ArgKind = "enum"
)

// valueValidator checks a decoded JSON value against one property schema.
type valueValidator func(prop map[string]any, v any) error

// kindValidators is the validator factory table. Every ArgKind has exactly
// one entry; KindArray is added in init because it recurses through
// validateValue.
var kindValidators = map[ArgKind]valueValidator{
	KindString: func(_ map[string]any, v any) error {
		if _, ok := v.(string); !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		return nil
	},
	KindNumber: func(_ map[string]any, v any) error {
		if _, ok := v.(float64); !ok {
			return fmt.Errorf("expected number, got %T", v)
		}
		return nil
	},
	KindInteger: func(_ map[string]any, v any) error {
		f, ok := v.(float64)
		if !ok || f != math.Trunc(f) {
			return fmt.Errorf("expected integer, got %v", v)
		}
		return nil
	},
	KindBoolean: func(_ map[string]any, v any) error {
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", v)
		}
		return nil
	},
	KindObject: func(_ map[string]any, v any) error {
		if _, ok := v.(map[string]any); !ok {
			return fmt.Errorf("expected object, got %T", v)
		}
		return nil
	},
	KindEnum: func(prop map[string]any, v any) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected one of %v, got %T", prop["enum"], v)
		}
		for _, allowed := range enumValues(prop) {
			if s == allowed {
				return nil
			}
		}
		return fmt.Errorf("expected one of %v, got %q", prop["enum"], s)
	},
}

func init() {
	kindValidators[KindArray] = validateArray
}

func validateArray(prop map[string]any, v any) error {
	items, ok := v.([]any)
	if !ok {
		return fmt.Errorf("expected array, got %T", v)
	}
	itemSchema, _ := prop["items"].(map[string]any)
	if itemSchema == nil {
		return nil
	}
	for i, item := range items {
		if err := validateValue(itemSchema, item); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
	}
	return nil
}

// ParseArgKind validates a kind name from configuration.
func ParseArgKind(s string) (ArgKind, error) {
	k := ArgKind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := kindValidators[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownArgKind, s)
	}
	return k, nil
}

// UnmarshalYAML rejects unknown kinds while the config is loading.
func (k *ArgKind) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseArgKind(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*k = parsed
	return nil
}

// ArgSpec declares one tool argument in configuration.
type ArgSpec struct {
	Name        string   `yaml:"name"`
	Kind        ArgKind  `yaml:"kind"`
	Description string   `yaml:"description,omitempty"`
	Required    bool     `yaml:"required,omitempty"`
	Enum        []string `yaml:"enum,omitempty"`
	Items       ArgKind  `yaml:"items,omitempty"`
}

// SchemaFromArgs builds an object JSON schema from declared arguments.
func SchemaFromArgs(args []ArgSpec) (map[string]any, error) {
	props := make(map[string]any, len(args))
	var required []string
	for _, a := range args {
		if a.Name == "" {
			return nil, fmt.Errorf("argument without a name")
		}
		if _, dup := props[a.Name]; dup {
			return nil, fmt.Errorf("argument %q declared twice", a.Name)
		}
		prop, err := propertySchema(a)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", a.Name, err)
		}
		props[a.Name] = prop
		if a.Required {
			required = append(required, a.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		sort.Strings(required)
		schema["required"] = required
	}
	return schema, nil
}

func propertySchema(a ArgSpec) (map[string]any, error) {
	if _, ok := kindValidators[a.Kind]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownArgKind, a.Kind)
	}
	prop := map[string]any{}
	if a.Description != "" {
		prop["description"] = a.Description
	}

	switch a.Kind {
	case KindEnum:
		if len(a.Enum) == 0 {
			return nil, fmt.Errorf("enum without values")
		}
		prop["type"] = "string"
		prop["enum"] = append([]string(nil), a.Enum...)
	case KindArray:
		prop["type"] = "array"
		if a.Items != "" {
			if _, ok := kindValidators[a.Items]; !ok || a.Items == KindEnum || a.Items == KindArray {
				return nil, fmt.Errorf("%w: items %q", ErrUnknownArgKind, a.Items)
			}
			prop["items"] = map[string]any{"type": string(a.Items)}
		}
	default:
		prop["type"] = string(a.Kind)
	}
	return prop, nil
}

// ValidateArguments checks decoded arguments against an object schema:
// required properties must be present and declared properties must match
// their kind. Unknown properties are allowed.
func ValidateArguments(schema map[string]any, args map[string]any) error {
	if schema == nil {
		return nil
	}
	for _, name := range requiredNames(schema) {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("%w: missing required argument %q", ErrInvalidArguments, name)
		}
	}
	props, _ := schema["properties"].(map[string]any)
	for name, v := range args {
		prop, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		if err := validateValue(prop, v); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidArguments, name, err)
		}
	}
	return nil
}

func validateValue(prop map[string]any, v any) error {
	kind := ArgKind(fmt.Sprint(prop["type"]))
	if len(enumValues(prop)) > 0 {
		kind = KindEnum
	}
	validate, ok := kindValidators[kind]
	if !ok {
		return nil
	}
	return validate(prop, v)
}

func requiredNames(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func enumValues(prop map[string]any) []string {
	switch e := prop["enum"].(type) {
	case []string:
		return e
	case []any:
		out := make([]string, 0, len(e))
		for _, v := range e {
			out = append(out, fmt.Sprint(v))
		}
		return out
	}
	return nil
}

package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(t *testing.T, r *Registry, name string) {
	t.Helper()
	require.NoError(t, r.Register(
		MakeToolDefinition(name, "echo the text", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		}),
		func(ctx context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		},
	))
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := NewRegistry(nil)
	echoTool(t, r, "echo")

	err := r.Register(MakeToolDefinition("echo", "", nil), func(context.Context, map[string]any) (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrDuplicateTool)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_RegisterInvalid(t *testing.T) {
	r := NewRegistry(nil)
	assert.ErrorIs(t, r.Register(MakeToolDefinition("", "", nil), func(context.Context, map[string]any) (any, error) {
		return nil, nil
	}), ErrInvalidDefinition)
	assert.ErrorIs(t, r.Register(MakeToolDefinition("x", "", nil), nil), ErrInvalidDefinition)
}

func TestRegistry_ResolveListsEveryMissingName(t *testing.T) {
	r := NewRegistry(nil)
	echoTool(t, r, "echo")

	resolved, err := r.Resolve([]string{"echo"})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "echo", resolved[0].Name())

	_, err = r.Resolve([]string{"echo", "swap_tokens", "post_tweet"})
	require.ErrorIs(t, err, ErrUnknownTool)
	assert.Contains(t, err.Error(), "swap_tokens")
	assert.Contains(t, err.Error(), "post_tweet")
}

func TestRegistry_Invoke(t *testing.T) {
	r := NewRegistry(nil)
	echoTool(t, r, "echo")
	ctx := context.Background()

	out, err := r.Invoke(ctx, "echo", `{"text":"hi"}`)
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	_, err = r.Invoke(ctx, "missing", `{}`)
	assert.ErrorIs(t, err, ErrUnknownTool)

	_, err = r.Invoke(ctx, "echo", `{not json`)
	assert.ErrorIs(t, err, ErrInvalidArguments)

	_, err = r.Invoke(ctx, "echo", `{}`)
	assert.ErrorIs(t, err, ErrInvalidArguments)

	_, err = r.Invoke(ctx, "echo", `{"text": 12}`)
	assert.ErrorIs(t, err, ErrInvalidArguments)
}

func TestTool_CallCoercesResults(t *testing.T) {
	tests := []struct {
		name   string
		result any
		want   string
	}{
		{"string", "plain", "plain"},
		{"nil", nil, ""},
		{"map", map[string]any{"price": 42.5}, `{"price":42.5}`},
		{"slice", []int{1, 2}, `[1,2]`},
		{"number", 7, "7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := Tool{
				Definition: MakeToolDefinition("t", "", nil),
				Handler: func(context.Context, map[string]any) (any, error) {
					return tt.result, nil
				},
			}
			out, err := tool.Call(context.Background(), "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestTool_CallRecoversPanic(t *testing.T) {
	tool := Tool{
		Definition: MakeToolDefinition("boom", "", nil),
		Handler: func(context.Context, map[string]any) (any, error) {
			panic("kaboom")
		},
	}
	_, err := tool.Call(context.Background(), "{}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestTool_CallPropagatesHandlerError(t *testing.T) {
	sentinel := errors.New("rpc down")
	tool := Tool{
		Definition: MakeToolDefinition("send", "", nil),
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, sentinel
		},
	}
	_, err := tool.Call(context.Background(), "{}")
	assert.ErrorIs(t, err, sentinel)
}

func TestSet_OrderAndLookup(t *testing.T) {
	noop := func(context.Context, map[string]any) (any, error) { return nil, nil }
	s := NewSet(
		Tool{Definition: MakeToolDefinition("a", "", nil), Handler: noop},
		Tool{Definition: MakeToolDefinition("b", "", nil), Handler: noop},
	)
	require.NoError(t, s.Add(Tool{Definition: MakeToolDefinition("c", "", nil), Handler: noop}))
	assert.ErrorIs(t, s.Add(Tool{Definition: MakeToolDefinition("a", "", nil), Handler: noop}), ErrDuplicateTool)

	defs := s.Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{defs[0].Name, defs[1].Name, defs[2].Name})

	_, ok := s.Get("b")
	assert.True(t, ok)
	_, ok = s.Get("z")
	assert.False(t, ok)

	var nilSet *Set
	assert.Equal(t, 0, nilSet.Len())
}

func TestRegistry_DefinitionsSorted(t *testing.T) {
	r := NewRegistry(nil)
	echoTool(t, r, "zeta")
	echoTool(t, r, "alpha")

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "zeta", defs[1].Name)

	var _ Catalog = r
	var _ Catalog = NewSet()
}

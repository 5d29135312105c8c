package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUsageTracker_RecordAndCost(t *testing.T) {
	u := NewUsageTracker(map[string]ModelCost{"custom": {InputPer1M: 1, OutputPer1M: 2}}, nil)

	u.Record("a", "custom", Usage{PromptTokens: 1_000_000, CompletionTokens: 500_000, TotalTokens: 1_500_000})
	u.Record("a", "gpt-4o-mini-2024-07-18", Usage{PromptTokens: 1_000_000, TotalTokens: 1_000_000})
	u.Record("", "unknown-model", Usage{TotalTokens: 7})

	a := u.Scope("a")
	if assert.NotNil(t, a) {
		assert.Equal(t, int64(2), a.Requests)
		assert.InDelta(t, 2.0+0.15, a.EstimatedCostUSD, 1e-9)
	}
	assert.Nil(t, u.Scope("missing"))

	g := u.Global()
	assert.Equal(t, int64(3), g.Requests)
	assert.Equal(t, int64(2_500_007), g.TotalTokens)

	u.Reset()
	assert.Equal(t, int64(0), u.Global().Requests)
	assert.Contains(t, u.Global().Format("all"), "no requests yet")
}

func TestUsageScopeContext(t *testing.T) {
	assert.Equal(t, "", UsageScopeFromContext(context.Background()))
	assert.Equal(t, "x", UsageScopeFromContext(WithUsageScope(context.Background(), "x")))
}

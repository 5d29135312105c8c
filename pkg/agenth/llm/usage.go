package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ModelCost holds pricing per 1M tokens for a model.
type ModelCost struct {
	InputPer1M  float64 `yaml:"input_per_1m"`
	OutputPer1M float64 `yaml:"output_per_1m"`
}

// ScopeUsage holds token and cost stats for one scope (a thread or an agent).
type ScopeUsage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Requests         int64
	EstimatedCostUSD float64
	FirstRequestAt   time.Time
	LastRequestAt    time.Time
}

var defaultModelCosts = map[string]ModelCost{
	"gpt-4o":       {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":  {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4.1":      {InputPer1M: 2.00, OutputPer1M: 8.00},
	"gpt-4.1-mini": {InputPer1M: 0.40, OutputPer1M: 1.60},
	"gpt-5":        {InputPer1M: 2.00, OutputPer1M: 8.00},
	"gpt-5-mini":   {InputPer1M: 0.15, OutputPer1M: 0.60},
}

// UsageTracker records usage per scope and globally.
type UsageTracker struct {
	mu         sync.RWMutex
	scopes     map[string]*ScopeUsage
	global     ScopeUsage
	modelCosts map[string]ModelCost
	logger     *slog.Logger
}

// NewUsageTracker creates a tracker with the built-in price table; costs
// overrides or extends it.
func NewUsageTracker(costs map[string]ModelCost, logger *slog.Logger) *UsageTracker {
	if logger == nil {
		logger = slog.Default()
	}
	mc := make(map[string]ModelCost, len(defaultModelCosts)+len(costs))
	for k, v := range defaultModelCosts {
		mc[k] = v
	}
	for k, v := range costs {
		mc[k] = v
	}
	return &UsageTracker{
		scopes:     make(map[string]*ScopeUsage),
		modelCosts: mc,
		logger:     logger.With("component", "usage_tracker"),
	}
}

// Record adds usage for a scope and globally. An empty scope only counts globally.
func (u *UsageTracker) Record(scope, model string, usage Usage) {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := time.Now()
	cost := u.estimateCost(model, usage.PromptTokens, usage.CompletionTokens)

	add := func(su *ScopeUsage) {
		su.PromptTokens += int64(usage.PromptTokens)
		su.CompletionTokens += int64(usage.CompletionTokens)
		su.TotalTokens += int64(usage.TotalTokens)
		su.Requests++
		su.EstimatedCostUSD += cost
		if su.FirstRequestAt.IsZero() {
			su.FirstRequestAt = now
		}
		su.LastRequestAt = now
	}

	if scope != "" {
		su, ok := u.scopes[scope]
		if !ok {
			su = &ScopeUsage{}
			u.scopes[scope] = su
		}
		add(su)
	}
	add(&u.global)
}

func (u *UsageTracker) estimateCost(model string, prompt, completion int) float64 {
	cost, ok := u.modelCosts[model]
	if !ok {
		// Dated variants such as gpt-4o-2024-08-06 match by longest prefix.
		best := ""
		for k, v := range u.modelCosts {
			if strings.HasPrefix(model, k) && len(k) > len(best) {
				best, cost, ok = k, v, true
			}
		}
	}
	if !ok {
		return 0
	}
	return (float64(prompt)/1e6)*cost.InputPer1M + (float64(completion)/1e6)*cost.OutputPer1M
}

// Scope returns a copy of a scope's usage, or nil.
func (u *UsageTracker) Scope(scope string) *ScopeUsage {
	u.mu.RLock()
	defer u.mu.RUnlock()
	su, ok := u.scopes[scope]
	if !ok {
		return nil
	}
	cp := *su
	return &cp
}

// Global returns a copy of the global usage.
func (u *UsageTracker) Global() ScopeUsage {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.global
}

// Reset clears every scope and the global counters.
func (u *UsageTracker) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.scopes = make(map[string]*ScopeUsage)
	u.global = ScopeUsage{}
}

// Format returns a human-readable usage report.
func (su ScopeUsage) Format(label string) string {
	if su.Requests == 0 {
		return fmt.Sprintf("Usage (%s): no requests yet.", label)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Usage (%s)\n", label)
	fmt.Fprintf(&b, "Prompt tokens: %d\n", su.PromptTokens)
	fmt.Fprintf(&b, "Completion tokens: %d\n", su.CompletionTokens)
	fmt.Fprintf(&b, "Requests: %d\n", su.Requests)
	fmt.Fprintf(&b, "Est. cost: $%.4f", su.EstimatedCostUSD)
	return b.String()
}

type usageScopeKey struct{}

// WithUsageScope tags ctx so completions made with it are attributed to scope.
func WithUsageScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, usageScopeKey{}, scope)
}

// UsageScopeFromContext returns the scope set by WithUsageScope, or "".
func UsageScopeFromContext(ctx context.Context) string {
	s, _ := ctx.Value(usageScopeKey{}).(string)
	return s
}

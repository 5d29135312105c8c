package market

import (
	"context"
	"fmt"

	"github.com/jholhewres/agenth/pkg/agenth/tools"
)

// RegisterTools registers get_coin_id, get_trading_state and
// set_trading_state. A nil StateStore skips the state tools.
func RegisterTools(r *tools.Registry, coins *Coins, states *StateStore) error {
	err := r.Register(
		tools.MakeToolDefinition("get_coin_id",
			"Resolve a coin ticker (e.g. BTC) to its CoinGecko id.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"ticker": map[string]any{"type": "string", "description": "Coin ticker symbol"},
				},
				"required": []string{"ticker"},
			},
		),
		func(ctx context.Context, args map[string]any) (any, error) {
			ticker, _ := args["ticker"].(string)
			return coins.GetCoinIDFromTicker(ctx, ticker)
		},
	)
	if err != nil || states == nil {
		return err
	}

	ownerProp := map[string]any{"type": "string", "description": "Owner address"}
	err = r.Register(
		tools.MakeToolDefinition("get_trading_state",
			"Read the saved trading state of an owner.",
			map[string]any{
				"type":       "object",
				"properties": map[string]any{"owner": ownerProp},
				"required":   []string{"owner"},
			},
		),
		func(ctx context.Context, args map[string]any) (any, error) {
			owner, _ := args["owner"].(string)
			return states.Get(ctx, owner)
		},
	)
	if err != nil {
		return err
	}

	return r.Register(
		tools.MakeToolDefinition("set_trading_state",
			"Merge keys into the saved trading state of an owner. Null values remove keys.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"owner": ownerProp,
					"state": map[string]any{"type": "object", "description": "Keys to set"},
				},
				"required": []string{"owner", "state"},
			},
		),
		func(ctx context.Context, args map[string]any) (any, error) {
			owner, _ := args["owner"].(string)
			patch, ok := args["state"].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("state must be an object")
			}
			return states.Merge(ctx, owner, patch)
		},
	)
}

package market

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/agenth/pkg/agenth/store"
)

// TradingState is the opaque per-owner blob the trading agent keeps
// between conversations.
type TradingState struct {
	Owner     string         `json:"owner"`
	Data      map[string]any `json:"data"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// StateStore persists TradingState blobs.
type StateStore struct {
	store store.Store
	now   func() time.Time
}

// NewStateStore wraps a key-value store.
func NewStateStore(s store.Store) *StateStore {
	return &StateStore{store: s, now: time.Now}
}

func stateKey(owner string) string {
	return "market/state/" + strings.ToLower(owner)
}

// Get returns the owner's state. A missing state yields an empty blob.
func (s *StateStore) Get(ctx context.Context, owner string) (TradingState, error) {
	if owner == "" {
		return TradingState{}, fmt.Errorf("market: empty owner")
	}
	st := TradingState{Owner: owner, Data: map[string]any{}}
	if _, err := store.GetJSON(ctx, s.store, stateKey(owner), &st); err != nil {
		return TradingState{}, fmt.Errorf("market: load state: %w", err)
	}
	if st.Data == nil {
		st.Data = map[string]any{}
	}
	return st, nil
}

// Merge sets the given keys on the owner's state; nil values delete keys.
func (s *StateStore) Merge(ctx context.Context, owner string, patch map[string]any) (TradingState, error) {
	st, err := s.Get(ctx, owner)
	if err != nil {
		return TradingState{}, err
	}
	for k, v := range patch {
		if v == nil {
			delete(st.Data, k)
			continue
		}
		st.Data[k] = v
	}
	st.Owner = owner
	st.UpdatedAt = s.now().UTC()
	if err := store.PutJSON(ctx, s.store, stateKey(owner), st); err != nil {
		return TradingState{}, fmt.Errorf("market: save state: %w", err)
	}
	return st, nil
}

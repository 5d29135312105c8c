package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/agenth/pkg/agenth/store"
	"github.com/jholhewres/agenth/pkg/agenth/timer"
	"github.com/jholhewres/agenth/pkg/agenth/tools"
)

const coinList = `[
	{"id":"batcat","symbol":"btc","name":"batcat"},
	{"id":"bitcoin","symbol":"btc","name":"Bitcoin"},
	{"id":"ethereum","symbol":"eth","name":"Ethereum"}
]`

func newCoinServer(t *testing.T, hits *atomic.Int32, status *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/coins/list", r.URL.Path)
		if code := status.Load(); code != 0 {
			w.WriteHeader(int(code))
			return
		}
		_, _ = w.Write([]byte(coinList))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCoins_CacheHit(t *testing.T) {
	var hits, status atomic.Int32
	srv := newCoinServer(t, &hits, &status)
	clock := timer.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	coins := NewCoins(CoinsConfig{BaseURL: srv.URL, CacheDuration: time.Hour}, srv.Client(), clock, nil)

	first, err := coins.GetCoinIDFromTicker(context.Background(), "BTC")
	require.NoError(t, err)
	clock.Advance(30 * time.Minute)
	second, err := coins.GetCoinIDFromTicker(context.Background(), "BTC")
	require.NoError(t, err)

	assert.Equal(t, "bitcoin", first)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, hits.Load())
	assert.Equal(t, 1, coins.Fetches())
}

func TestCoins_ExpiryRefetches(t *testing.T) {
	var hits, status atomic.Int32
	srv := newCoinServer(t, &hits, &status)
	clock := timer.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	coins := NewCoins(CoinsConfig{BaseURL: srv.URL, CacheDuration: time.Hour}, srv.Client(), clock, nil)

	_, err := coins.GetCoinIDFromTicker(context.Background(), "eth")
	require.NoError(t, err)
	clock.Advance(time.Hour)

	// Refresh fails; the stale list still answers.
	status.Store(http.StatusTooManyRequests)
	id, err := coins.GetCoinIDFromTicker(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, "ethereum", id)
	assert.EqualValues(t, 2, hits.Load())

	coins.Reset()
	_, err = coins.GetCoinIDFromTicker(context.Background(), "ETH")
	assert.Error(t, err)
}

func TestCoins_UnknownTicker(t *testing.T) {
	var hits, status atomic.Int32
	srv := newCoinServer(t, &hits, &status)
	coins := NewCoins(CoinsConfig{BaseURL: srv.URL}, srv.Client(), nil, nil)

	_, err := coins.GetCoinIDFromTicker(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrUnknownTicker)
	_, err = coins.GetCoinIDFromTicker(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrUnknownTicker)
}

func TestStateStore_Merge(t *testing.T) {
	ctx := context.Background()
	states := NewStateStore(store.NewMemory())

	st, err := states.Get(ctx, "0xABC")
	require.NoError(t, err)
	assert.Empty(t, st.Data)

	_, err = states.Merge(ctx, "0xABC", map[string]any{"position": "long", "size": 2.0})
	require.NoError(t, err)
	st, err = states.Merge(ctx, "0xabc", map[string]any{"size": nil})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"position": "long"}, st.Data)

	st, err = states.Get(ctx, "0xAbC")
	require.NoError(t, err)
	assert.Equal(t, "long", st.Data["position"])
	assert.False(t, st.UpdatedAt.IsZero())

	_, err = states.Get(ctx, "")
	assert.Error(t, err)
}

func TestRegisterTools(t *testing.T) {
	var hits, status atomic.Int32
	srv := newCoinServer(t, &hits, &status)
	reg := tools.NewRegistry(nil)
	coins := NewCoins(CoinsConfig{BaseURL: srv.URL}, srv.Client(), nil, nil)
	require.NoError(t, RegisterTools(reg, coins, NewStateStore(store.NewMemory())))

	out, err := reg.Invoke(context.Background(), "get_coin_id", `{"ticker":"btc"}`)
	require.NoError(t, err)
	assert.Equal(t, "bitcoin", out)

	_, err = reg.Invoke(context.Background(), "set_trading_state", `{"owner":"0x1","state":{"risk":"low"}}`)
	require.NoError(t, err)
	out, err = reg.Invoke(context.Background(), "get_trading_state", `{"owner":"0x1"}`)
	require.NoError(t, err)
	assert.Contains(t, out, `"risk":"low"`)
}

func TestCoins_SharedSymbolResolution(t *testing.T) {
	var hits, status atomic.Int32
	srv := newCoinServer(t, &hits, &status)
	ctx := context.Background()

	coins := NewCoins(CoinsConfig{BaseURL: srv.URL}, srv.Client(), nil, nil)
	id, err := coins.GetCoinIDFromTicker(ctx, "btc")
	require.NoError(t, err)
	assert.Equal(t, "bitcoin", id)

	// An override can pin another coin, and an empty id drops the default.
	pinned := NewCoins(CoinsConfig{BaseURL: srv.URL, Overrides: map[string]string{"BTC": "batcat"}}, srv.Client(), nil, nil)
	id, err = pinned.GetCoinIDFromTicker(ctx, "btc")
	require.NoError(t, err)
	assert.Equal(t, "batcat", id)

	unpinned := NewCoins(CoinsConfig{BaseURL: srv.URL, Overrides: map[string]string{"btc": ""}}, srv.Client(), nil, nil)
	id, err = unpinned.GetCoinIDFromTicker(ctx, "btc")
	require.NoError(t, err)
	assert.Equal(t, "batcat", id, "without an override the list order decides")
}

func TestCoins_FailedRefreshBacksOff(t *testing.T) {
	var hits, status atomic.Int32
	srv := newCoinServer(t, &hits, &status)
	clock := timer.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	coins := NewCoins(CoinsConfig{BaseURL: srv.URL, CacheDuration: time.Hour, RetryBackoff: 5 * time.Minute}, srv.Client(), clock, nil)
	ctx := context.Background()

	_, err := coins.GetCoinIDFromTicker(ctx, "eth")
	require.NoError(t, err)

	status.Store(http.StatusTooManyRequests)
	clock.Advance(time.Hour)
	for range 3 {
		id, err := coins.GetCoinIDFromTicker(ctx, "eth")
		require.NoError(t, err)
		assert.Equal(t, "ethereum", id)
	}
	assert.Equal(t, 2, coins.Fetches(), "stale lookups inside the backoff do not refetch")

	clock.Advance(5 * time.Minute)
	status.Store(0)
	_, err = coins.GetCoinIDFromTicker(ctx, "eth")
	require.NoError(t, err)
	assert.Equal(t, 3, coins.Fetches())

	// With no list at all, errors are served from the backoff too.
	status.Store(http.StatusServiceUnavailable)
	coins.Reset()
	_, err = coins.GetCoinIDFromTicker(ctx, "eth")
	require.Error(t, err)
	_, err = coins.GetCoinIDFromTicker(ctx, "eth")
	require.Error(t, err)
	assert.Equal(t, 1, coins.Fetches())
}

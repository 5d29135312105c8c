// Package market resolves coin tickers to CoinGecko ids and keeps per-owner
// trading state blobs.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/agenth/pkg/agenth/timer"
)

const (
	coinGeckoBaseURL = "https://api.coingecko.com/api/v3"

	// DefaultCacheDuration is how long a fetched coin list stays fresh.
	DefaultCacheDuration = 24 * time.Hour

	// DefaultRetryBackoff is how long a failed refresh blocks the next one.
	DefaultRetryBackoff = time.Minute
)

// DefaultOverrides pins the majors whose symbols are shared with many
// look-alike tokens in the coin list.
var DefaultOverrides = map[string]string{
	"btc":   "bitcoin",
	"eth":   "ethereum",
	"usdt":  "tether",
	"usdc":  "usd-coin",
	"bnb":   "binancecoin",
	"sol":   "solana",
	"xrp":   "ripple",
	"doge":  "dogecoin",
	"ada":   "cardano",
	"trx":   "tron",
	"avax":  "avalanche-2",
	"dot":   "polkadot",
	"link":  "chainlink",
	"ltc":   "litecoin",
	"matic": "matic-network",
	"dai":   "dai",
	"uni":   "uniswap",
}

// ErrUnknownTicker is returned when no coin carries the requested symbol.
var ErrUnknownTicker = errors.New("unknown ticker")

// Coin is an entry of the CoinGecko coin list.
type Coin struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// CoinsConfig configures the coin list lookup.
type CoinsConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	CacheDuration time.Duration `yaml:"cache_duration"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	// Overrides maps a lowercase symbol to a fixed coin id. Entries extend
	// DefaultOverrides; an empty id removes a default.
	Overrides map[string]string `yaml:"overrides"`
}

// Coins caches the CoinGecko coin list and resolves tickers against it.
// Safe for concurrent use.
type Coins struct {
	cfg        CoinsConfig
	httpClient *http.Client
	clock      timer.Clock
	logger     *slog.Logger

	overrides map[string]string

	mu        sync.Mutex
	bySymbol  map[string][]Coin
	fetchedAt time.Time
	retryAt   time.Time
	lastErr   error
	fetches   int
}

// NewCoins creates a coin lookup. A nil clock uses the wall clock.
func NewCoins(cfg CoinsConfig, httpClient *http.Client, clock timer.Clock, logger *slog.Logger) *Coins {
	if cfg.BaseURL == "" {
		cfg.BaseURL = coinGeckoBaseURL
	}
	if cfg.CacheDuration <= 0 {
		cfg.CacheDuration = DefaultCacheDuration
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if clock == nil {
		clock = timer.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	overrides := make(map[string]string, len(DefaultOverrides)+len(cfg.Overrides))
	for sym, id := range DefaultOverrides {
		overrides[sym] = id
	}
	for sym, id := range cfg.Overrides {
		sym = strings.ToLower(strings.TrimSpace(sym))
		if id == "" {
			delete(overrides, sym)
			continue
		}
		overrides[sym] = id
	}
	return &Coins{
		overrides:  overrides,
		cfg:        cfg,
		httpClient: httpClient,
		clock:      clock,
		logger:     logger.With("component", "market"),
	}
}

// GetCoinIDFromTicker returns the CoinGecko id for a ticker such as "BTC".
// A configured override wins when its id is in the list. Otherwise, among
// coins sharing the symbol, an id without a bridged or wrapped suffix is
// preferred, and the list order decides the rest.
func (c *Coins) GetCoinIDFromTicker(ctx context.Context, ticker string) (string, error) {
	sym := strings.ToLower(strings.TrimSpace(ticker))
	if sym == "" {
		return "", fmt.Errorf("%w: empty ticker", ErrUnknownTicker)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.refreshLocked(ctx); err != nil {
		return "", err
	}

	matches := c.bySymbol[sym]
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownTicker, ticker)
	}
	if id, ok := c.overrides[sym]; ok {
		for _, m := range matches {
			if m.ID == id {
				return id, nil
			}
		}
	}
	for _, m := range matches {
		if !strings.Contains(m.ID, "-") {
			return m.ID, nil
		}
	}
	return matches[0].ID, nil
}

// refreshLocked downloads the list when it is stale, at most once per
// retry backoff after a failure. A stale list keeps answering.
func (c *Coins) refreshLocked(ctx context.Context) error {
	now := c.clock.Now()
	if c.bySymbol != nil && now.Sub(c.fetchedAt) < c.cfg.CacheDuration {
		return nil
	}
	if now.Before(c.retryAt) {
		if c.bySymbol == nil {
			return c.lastErr
		}
		return nil
	}

	coins, err := c.fetchLocked(ctx)
	if err != nil {
		c.retryAt = now.Add(c.cfg.RetryBackoff)
		c.lastErr = err
		if c.bySymbol == nil {
			return err
		}
		c.logger.Warn("coin list refresh failed, using stale cache", "error", err, "retry_at", c.retryAt)
		return nil
	}
	c.retryAt = time.Time{}
	c.lastErr = nil
	c.index(coins)
	return nil
}

// Fetches reports how many times the coin list was downloaded.
func (c *Coins) Fetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

// Reset drops the cached list.
func (c *Coins) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bySymbol = nil
	c.fetchedAt = time.Time{}
	c.retryAt = time.Time{}
	c.lastErr = nil
	c.fetches = 0
}

func (c *Coins) index(coins []Coin) {
	c.bySymbol = make(map[string][]Coin, len(coins))
	for _, coin := range coins {
		sym := strings.ToLower(coin.Symbol)
		c.bySymbol[sym] = append(c.bySymbol[sym], coin)
	}
	c.fetchedAt = c.clock.Now()
}

func (c *Coins) fetchLocked(ctx context.Context) ([]Coin, error) {
	c.fetches++
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/coins/list", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching coin list: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading coin list: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coin list API error (status %d): %s", resp.StatusCode, string(body))
	}

	var coins []Coin
	if err := json.Unmarshal(body, &coins); err != nil {
		return nil, fmt.Errorf("parsing coin list: %w", err)
	}
	c.logger.Debug("coin list fetched", "coins", len(coins))
	return coins, nil
}

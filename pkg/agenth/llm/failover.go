package llm

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// FallbackConfig defines the primary model and its fallback chain.
type FallbackConfig struct {
	Primary   string   `yaml:"primary"`
	Fallbacks []string `yaml:"fallbacks"`

	Cooldowns CooldownConfig `yaml:"cooldowns"`
}

// CooldownConfig controls how long a model is skipped after failures.
type CooldownConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"` // Default: 1m
	MaxBackoff     time.Duration `yaml:"max_backoff"`     // Default: 60m
	AuthCooldown   time.Duration `yaml:"auth_cooldown"`   // Default: 1h
}

// DefaultCooldownConfig returns the defaults used for zero-valued fields.
func DefaultCooldownConfig() CooldownConfig {
	return CooldownConfig{
		InitialBackoff: time.Minute,
		MaxBackoff:     60 * time.Minute,
		AuthCooldown:   time.Hour,
	}
}

// FailoverReason classifies why a model call failed.
type FailoverReason string

const (
	FailoverRateLimit FailoverReason = "rate_limit" // 429
	FailoverAuth      FailoverReason = "auth"       // 401/403
	FailoverBilling   FailoverReason = "billing"    // 402
	FailoverTimeout   FailoverReason = "timeout"    // 408, deadline exceeded
	FailoverFormat    FailoverReason = "format"     // 400
	FailoverServer    FailoverReason = "server"     // 5xx
	FailoverUnknown   FailoverReason = "unknown"
)

// Retryable reports whether another model may succeed where this one failed.
// Malformed requests fail the same way everywhere.
func (r FailoverReason) Retryable() bool {
	return r != FailoverFormat
}

type cooldown struct {
	until      time.Time
	reason     FailoverReason
	errorCount int
}

// Failover rotates through models, skipping those in cooldown.
type Failover struct {
	config    FallbackConfig
	cooldowns map[string]*cooldown
	now       func() time.Time
	mu        sync.Mutex
	logger    *slog.Logger
}

// NewFailover creates a failover manager. Zero cooldown fields take defaults.
func NewFailover(config FallbackConfig, logger *slog.Logger) *Failover {
	def := DefaultCooldownConfig()
	if config.Cooldowns.InitialBackoff <= 0 {
		config.Cooldowns.InitialBackoff = def.InitialBackoff
	}
	if config.Cooldowns.MaxBackoff <= 0 {
		config.Cooldowns.MaxBackoff = def.MaxBackoff
	}
	if config.Cooldowns.AuthCooldown <= 0 {
		config.Cooldowns.AuthCooldown = def.AuthCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{
		config:    config,
		cooldowns: make(map[string]*cooldown),
		now:       time.Now,
		logger:    logger.With("component", "llm_failover"),
	}
}

// Candidates returns the models to try in order: those not in cooldown
// first, then the primary as a last resort when every model is cooling down.
func (f *Failover) Candidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	all := append([]string{f.config.Primary}, f.config.Fallbacks...)
	out := make([]string, 0, len(all))
	for _, m := range all {
		if m == "" || f.inCooldownLocked(m) {
			continue
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		f.logger.Warn("all models in cooldown, using primary anyway", "primary", f.config.Primary)
		out = append(out, f.config.Primary)
	}
	return out
}

// ReportSuccess clears a model's cooldown.
func (f *Failover) ReportSuccess(model string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cooldowns, model)
}

// ReportFailure records a failure and applies a cooldown. A provider
// supplied RetryAfter takes precedence over the computed backoff.
func (f *Failover) ReportFailure(model string, err error) FailoverReason {
	reason := FailoverUnknown
	var retryAfter time.Duration
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		reason = apiErr.Reason()
		retryAfter = apiErr.RetryAfter
	} else if err != nil {
		reason = ClassifyError(0, err.Error())
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	cd, ok := f.cooldowns[model]
	if !ok {
		cd = &cooldown{}
		f.cooldowns[model] = cd
	}
	cd.errorCount++
	cd.reason = reason

	cfg := f.config.Cooldowns
	var d time.Duration
	switch reason {
	case FailoverRateLimit:
		// 1m → 5m → 25m → capped.
		d = cfg.InitialBackoff
		for i := 1; i < cd.errorCount && d < cfg.MaxBackoff; i++ {
			d *= 5
		}
	case FailoverAuth, FailoverBilling:
		d = cfg.AuthCooldown
	case FailoverTimeout, FailoverServer:
		d = cfg.InitialBackoff
		for i := 1; i < cd.errorCount && d < cfg.MaxBackoff/2; i++ {
			d *= 2
		}
	default:
		d = cfg.InitialBackoff
	}
	if d > cfg.MaxBackoff {
		d = cfg.MaxBackoff
	}
	if retryAfter > 0 {
		d = retryAfter
	}
	cd.until = f.now().Add(d)

	f.logger.Warn("model cooldown applied",
		"model", model,
		"reason", reason,
		"error_count", cd.errorCount,
		"cooldown_until", cd.until.Format(time.RFC3339),
	)
	return reason
}

// InCooldown reports whether a model is currently skipped.
func (f *Failover) InCooldown(model string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inCooldownLocked(model)
}

func (f *Failover) inCooldownLocked(model string) bool {
	cd, ok := f.cooldowns[model]
	if !ok {
		return false
	}
	if !f.now().Before(cd.until) {
		delete(f.cooldowns, model)
		return false
	}
	return true
}

// ClassifyError maps an HTTP status code and message to a failover reason.
func ClassifyError(statusCode int, errMsg string) FailoverReason {
	switch statusCode {
	case 402:
		return FailoverBilling
	case 429:
		return FailoverRateLimit
	case 401, 403:
		return FailoverAuth
	case 408:
		return FailoverTimeout
	case 400:
		return FailoverFormat
	}
	if statusCode >= 500 {
		return FailoverServer
	}

	lower := strings.ToLower(errMsg)
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "deadline exceeded"):
		return FailoverTimeout
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "rate_limit"):
		return FailoverRateLimit
	case strings.Contains(lower, "billing") || strings.Contains(lower, "payment"):
		return FailoverBilling
	}
	return FailoverUnknown
}

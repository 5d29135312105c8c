package llm

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestFailover(primary string, fallbacks ...string) (*Failover, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFailover(FallbackConfig{Primary: primary, Fallbacks: fallbacks}, nil)
	f.now = func() time.Time { return now }
	return f, &now
}

func TestFailover_SkipsModelsInCooldown(t *testing.T) {
	f, now := newTestFailover("gpt-4o", "gpt-4o-mini")
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, f.Candidates())

	reason := f.ReportFailure("gpt-4o", &APIError{StatusCode: 429, Message: "slow down"})
	assert.Equal(t, FailoverRateLimit, reason)
	assert.Equal(t, []string{"gpt-4o-mini"}, f.Candidates())

	*now = now.Add(61 * time.Second)
	assert.False(t, f.InCooldown("gpt-4o"))
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, f.Candidates())
}

func TestFailover_AllInCooldownFallsBackToPrimary(t *testing.T) {
	f, _ := newTestFailover("a", "b")
	f.ReportFailure("a", &APIError{StatusCode: 500})
	f.ReportFailure("b", &APIError{StatusCode: 503})
	assert.Equal(t, []string{"a"}, f.Candidates())
}

func TestFailover_RetryAfterWins(t *testing.T) {
	f, now := newTestFailover("a")
	f.ReportFailure("a", &APIError{StatusCode: 429, RetryAfter: 10 * time.Second})

	*now = now.Add(9 * time.Second)
	assert.True(t, f.InCooldown("a"))
	*now = now.Add(2 * time.Second)
	assert.False(t, f.InCooldown("a"))
}

func TestFailover_RateLimitBackoffGrows(t *testing.T) {
	f, now := newTestFailover("a")
	start := *now
	f.ReportFailure("a", &APIError{StatusCode: 429})
	f.ReportFailure("a", &APIError{StatusCode: 429})

	*now = start.Add(4 * time.Minute)
	assert.True(t, f.InCooldown("a"), "second rate limit should cool down for 5m")
	*now = start.Add(5*time.Minute + time.Second)
	assert.False(t, f.InCooldown("a"))
}

func TestFailover_SuccessClears(t *testing.T) {
	f, _ := newTestFailover("a")
	f.ReportFailure("a", errors.New("request timed out"))
	assert.True(t, f.InCooldown("a"))
	f.ReportSuccess("a")
	assert.False(t, f.InCooldown("a"))
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		status int
		msg    string
		want   FailoverReason
	}{
		{429, "", FailoverRateLimit},
		{401, "", FailoverAuth},
		{402, "", FailoverBilling},
		{400, "bad schema", FailoverFormat},
		{502, "", FailoverServer},
		{0, "context deadline exceeded", FailoverTimeout},
		{0, "Rate limit reached", FailoverRateLimit},
		{0, "boom", FailoverUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyError(tt.status, tt.msg), "%d %q", tt.status, tt.msg)
	}
	assert.False(t, FailoverFormat.Retryable())
	assert.True(t, FailoverServer.Retryable())
}

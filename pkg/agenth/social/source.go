// Package social runs the autonomous mention loop of an agent: it fetches
// mentions, replies to the ones newer than a persisted watermark in
// oldest-first order, and posts a daily good-morning message.
package social

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Mention is one message that references the agent.
type Mention struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	AuthorID  string    `json:"author_id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// MentionSource is a social network the agent is present on.
type MentionSource interface {
	// Login authenticates and resolves the agent's own handle.
	Login(ctx context.Context) error
	// Handle is the agent's handle, valid after Login.
	Handle() string
	// Mentions returns recent mentions in any order.
	Mentions(ctx context.Context) ([]Mention, error)
	Reply(ctx context.Context, m Mention, text string) error
	Post(ctx context.Context, text string) error
}

// RateLimitError reports that the remote rejected a call until ResetAt.
type RateLimitError struct {
	ResetAt time.Time
	Err     error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited until %s: %v", e.ResetAt.Format(time.RFC3339), e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// retryDelay returns how long to wait after err: until the rate-limit
// reset when one is known and in the future, otherwise fallback.
func retryDelay(err error, now time.Time, fallback time.Duration) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) && !rl.ResetAt.IsZero() {
		if d := rl.ResetAt.Sub(now); d > 0 {
			return d
		}
	}
	return fallback
}

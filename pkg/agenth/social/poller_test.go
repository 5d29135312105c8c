package social

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/agenth/pkg/agenth/store"
	"github.com/jholhewres/agenth/pkg/agenth/timer"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu        sync.Mutex
	handle    string
	loginErr  error
	mentions  []Mention
	fetchErr  error
	replyErr  map[string]error
	replies   []string
	posts     []string
	postErr   error
	fetchHits int
}

func (f *fakeSource) Login(context.Context) error { return f.loginErr }
func (f *fakeSource) Handle() string              { return f.handle }

func (f *fakeSource) Mentions(context.Context) ([]Mention, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchHits++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]Mention(nil), f.mentions...), nil
}

func (f *fakeSource) Reply(_ context.Context, m Mention, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.replyErr[m.ID]; err != nil {
		return err
	}
	f.replies = append(f.replies, m.ID)
	return nil
}

func (f *fakeSource) Post(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return f.postErr
	}
	f.posts = append(f.posts, text)
	return nil
}

type echoResponder struct{ err error }

func (r echoResponder) Generate(_ context.Context, prompt string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return fmt.Sprintf("reply(%d)", len(prompt)), nil
}

func newTestPoller(src *fakeSource, cfg Config) (*Poller, *timer.Fake, store.Store) {
	clock := timer.NewFake(t0)
	st := store.NewMemory()
	if cfg.Identity == "" {
		cfg.Identity = "agent_h"
	}
	return NewPoller(cfg, src, echoResponder{}, st, clock, nil), clock, st
}

func mention(id string, at time.Time, text string) Mention {
	return Mention{ID: id, ChannelID: "c", Author: "user" + id, Text: text, CreatedAt: at}
}

func TestRunCycle_RepliesOldestFirstAndAdvancesWatermark(t *testing.T) {
	t1 := t0.Add(time.Minute)
	src := &fakeSource{handle: "agent_h", mentions: []Mention{
		mention("2", t1, "@agent_h second"),
		mention("1", t0, "hey @agent_h first"),
	}}
	p, clock, st := newTestPoller(src, Config{ReplyDelay: 3 * time.Second})
	ctx := context.Background()

	res := p.RunCycle(ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Replied)
	assert.Equal(t, []string{"1", "2"}, src.replies)
	assert.Equal(t, []time.Duration{3 * time.Second}, clock.Slept())

	wm, err := p.Watermark(ctx)
	require.NoError(t, err)
	assert.True(t, wm.Equal(t1))
	raw, err := st.Get(ctx, "social/agent_h/watermark")
	require.NoError(t, err)
	assert.Equal(t, t1.Format(time.RFC3339Nano), raw)
	assert.Equal(t, 0, p.Pending())
}

func TestRunCycle_SameBatchIsNeverRepliedTwice(t *testing.T) {
	src := &fakeSource{handle: "agent_h", mentions: []Mention{
		mention("1", t0, "@agent_h one"),
		mention("2", t0.Add(time.Second), "@agent_h two"),
	}}
	p, _, _ := newTestPoller(src, Config{})
	ctx := context.Background()

	var prev time.Time
	for i := 0; i < 3; i++ {
		p.RunCycle(ctx)
		wm, err := p.Watermark(ctx)
		require.NoError(t, err)
		assert.False(t, wm.Before(prev), "watermark went backwards")
		prev = wm
	}
	assert.Equal(t, []string{"1", "2"}, src.replies)
	assert.Equal(t, 2, p.Totals().Replied)
}

func TestRunCycle_FailedReplyStaysPending(t *testing.T) {
	src := &fakeSource{
		handle:   "agent_h",
		mentions: []Mention{mention("1", t0, "@agent_h hi")},
		replyErr: map[string]error{"1": errors.New("503")},
	}
	p, _, _ := newTestPoller(src, Config{})
	ctx := context.Background()

	res := p.RunCycle(ctx)
	assert.NoError(t, res.Err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, p.Pending())
	wm, _ := p.Watermark(ctx)
	assert.True(t, wm.IsZero())

	// The feed no longer returns it; the pending copy is retried.
	src.mentions = nil
	src.replyErr = nil
	res = p.RunCycle(ctx)
	assert.Equal(t, 1, res.Replied)
	assert.Equal(t, []string{"1"}, src.replies)
	assert.Equal(t, 0, p.Pending())
}

func TestRunCycle_FiltersByHandleCaseInsensitively(t *testing.T) {
	src := &fakeSource{handle: "Agent_H", mentions: []Mention{
		mention("1", t0, "hello @AGENT_H"),
		mention("2", t0.Add(time.Second), "talking about agent_h without a mention"),
		mention("3", t0.Add(2*time.Second), "@someone_else hi"),
	}}
	p, _, _ := newTestPoller(src, Config{})

	res := p.RunCycle(context.Background())
	assert.Equal(t, 1, res.Replied)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, []string{"1"}, src.replies)
}

func TestRunCycle_IgnoresMentionsAtOrBeforeWatermark(t *testing.T) {
	src := &fakeSource{handle: "agent_h", mentions: []Mention{
		mention("old", t0, "@agent_h old"),
		mention("new", t0.Add(time.Hour), "@agent_h new"),
	}}
	p, _, st := newTestPoller(src, Config{})
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, "social/agent_h/watermark", t0.Format(time.RFC3339Nano)))

	p.RunCycle(ctx)
	assert.Equal(t, []string{"new"}, src.replies)
}

func TestRunCycle_GenerateFailureCountsAsFailed(t *testing.T) {
	src := &fakeSource{handle: "agent_h", mentions: []Mention{mention("1", t0, "@agent_h hi")}}
	p, _, _ := newTestPoller(src, Config{})
	p.responder = echoResponder{err: errors.New("llm down")}

	res := p.RunCycle(context.Background())
	assert.Equal(t, 1, res.Failed)
	assert.Empty(t, src.replies)
}

func TestPollLoop_ReschedulesAtRateLimitReset(t *testing.T) {
	src := &fakeSource{handle: "agent_h"}
	p, clock, _ := newTestPoller(src, Config{PollInterval: time.Minute})
	src.fetchErr = &RateLimitError{ResetAt: t0.Add(90 * time.Second), Err: errors.New("429")}

	require.NoError(t, p.Start(context.Background()))
	clock.Advance(0)
	assert.Equal(t, 1, src.fetchHits)
	assert.Equal(t, []time.Time{t0.Add(90 * time.Second)}, clock.Pending())

	src.fetchErr = errors.New("network down")
	clock.Advance(90 * time.Second)
	assert.Equal(t, 2, src.fetchHits)
	assert.Equal(t, []time.Time{t0.Add(150 * time.Second)}, clock.Pending())

	src.fetchErr = nil
	clock.Advance(time.Minute)
	assert.Equal(t, 3, src.fetchHits)
	assert.Equal(t, []time.Time{t0.Add(210 * time.Second)}, clock.Pending())

	require.NoError(t, p.Stop(context.Background()))
	assert.Empty(t, clock.Pending())
	clock.Advance(time.Hour)
	assert.Equal(t, 3, src.fetchHits)
}

func TestStart_LoginFailure(t *testing.T) {
	src := &fakeSource{loginErr: errors.New("bad token")}
	p, clock, _ := newTestPoller(src, Config{})
	err := p.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad token")
	assert.Empty(t, clock.Pending())
}

func TestGoodMorning_OncePerRollingDay(t *testing.T) {
	src := &fakeSource{handle: "agent_h"}
	p, clock, _ := newTestPoller(src, Config{GoodMorning: true, PollInterval: time.Hour})
	ctx := context.Background()

	next, err := p.GoodMorning(ctx)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, next)
	assert.Len(t, src.posts, 1)

	clock.Advance(3 * time.Hour)
	next, err = p.GoodMorning(ctx)
	require.NoError(t, err)
	assert.Equal(t, 21*time.Hour, next, "re-arms for exactly the remaining time")
	assert.Len(t, src.posts, 1)

	clock.Advance(21 * time.Hour)
	src.postErr = &RateLimitError{ResetAt: clock.Now().Add(10 * time.Minute), Err: errors.New("429")}
	next, err = p.GoodMorning(ctx)
	require.Error(t, err)
	assert.Equal(t, 10*time.Minute, next)
	assert.Len(t, src.posts, 1)

	src.postErr = nil
	next, err = p.GoodMorning(ctx)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, next)
	assert.Len(t, src.posts, 2)
}

func TestGoodMorning_LoopPostsDaily(t *testing.T) {
	src := &fakeSource{handle: "agent_h"}
	p, clock, _ := newTestPoller(src, Config{GoodMorning: true})

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())

	clock.Advance(0)
	assert.Len(t, src.posts, 1)
	clock.Advance(23 * time.Hour)
	assert.Len(t, src.posts, 1)
	clock.Advance(time.Hour)
	assert.Len(t, src.posts, 2)
}

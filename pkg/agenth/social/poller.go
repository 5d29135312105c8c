package social

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/text/cases"

	"github.com/jholhewres/agenth/pkg/agenth/store"
	"github.com/jholhewres/agenth/pkg/agenth/timer"
)

// Config tunes the poller.
type Config struct {
	// Identity namespaces the persisted watermark and good-morning date.
	Identity string `yaml:"identity"`

	// PollInterval is the wait between cycles and the retry delay when no
	// rate-limit reset is known. Default: 5m.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ReplyDelay separates consecutive replies. Default: 10s.
	ReplyDelay time.Duration `yaml:"reply_delay"`

	// GoodMorning enables the daily post.
	GoodMorning       bool   `yaml:"good_morning"`
	GoodMorningPrompt string `yaml:"good_morning_prompt"`
}

// CycleResult summarizes one mention cycle.
type CycleResult struct {
	Fetched int
	Replied int
	Failed  int
	Skipped int
	// Err is the error that ended the cycle early, if any.
	Err error
}

func (r *CycleResult) add(o CycleResult) {
	r.Fetched += o.Fetched
	r.Replied += o.Replied
	r.Failed += o.Failed
	r.Skipped += o.Skipped
}

// Poller is the mention state machine. It implements team.Controller.
type Poller struct {
	cfg       Config
	source    MentionSource
	responder Responder
	store     store.Store
	clock     timer.Clock
	fold      cases.Caser
	logger    *slog.Logger
	mentions  metric.Int64Counter

	// cycleMu serializes cycles; a timer that fires during a running cycle waits.
	cycleMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]Mention
	totals   CycleResult
	ctx      context.Context
	cancel   context.CancelFunc
	poll     *timer.Chain
	gm       *timer.Chain
	loggedIn bool
}

// NewPoller creates a poller. Start logs in and arms the loops.
func NewPoller(cfg Config, source MentionSource, responder Responder, st store.Store, clock timer.Clock, logger *slog.Logger) *Poller {
	if cfg.Identity == "" {
		cfg.Identity = "agent"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	if cfg.ReplyDelay < 0 {
		cfg.ReplyDelay = 0
	} else if cfg.ReplyDelay == 0 {
		cfg.ReplyDelay = 10 * time.Second
	}
	if cfg.GoodMorningPrompt == "" {
		cfg.GoodMorningPrompt = "Write a short good-morning post for your followers."
	}
	if clock == nil {
		clock = timer.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	mentions, _ := otel.Meter("agenth/social").Int64Counter("agenth.social.mentions",
		metric.WithDescription("Mentions handled by outcome"))
	return &Poller{
		cfg:       cfg,
		source:    source,
		responder: responder,
		store:     st,
		clock:     clock,
		fold:      cases.Fold(),
		logger:    logger.With("component", "social", "identity", cfg.Identity),
		pending:   make(map[string]Mention),
		mentions:  mentions,
	}
}

func (p *Poller) watermarkKey() string   { return "social/" + p.cfg.Identity + "/watermark" }
func (p *Poller) goodMorningKey() string { return "social/" + p.cfg.Identity + "/good_morning" }

// Start logs in once and arms the mention loop and, when enabled, the
// good-morning loop. A login failure is returned.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.login(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	p.poll = timer.NewChain(p.clock)
	p.poll.Arm(0, p.pollTick)
	if p.cfg.GoodMorning {
		p.gm = timer.NewChain(p.clock)
		p.gm.Arm(0, p.goodMorningTick)
	}
	p.logger.Info("mention poller started", "handle", p.source.Handle(), "interval", p.cfg.PollInterval)
	return nil
}

// Stop cancels both loops and waits for a running cycle to finish.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel == nil {
		p.mu.Unlock()
		return nil
	}
	p.cancel()
	p.poll.Cancel()
	if p.gm != nil {
		p.gm.Cancel()
	}
	p.cancel = nil
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.cycleMu.Lock()
		p.cycleMu.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.logger.Info("mention poller stopped")
	return nil
}

func (p *Poller) login(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loggedIn {
		return nil
	}
	if err := p.source.Login(ctx); err != nil {
		return fmt.Errorf("social login: %w", err)
	}
	p.loggedIn = true
	return nil
}

func (p *Poller) loopContext() (context.Context, *timer.Chain, *timer.Chain) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctx, p.poll, p.gm
}

func (p *Poller) pollTick() {
	ctx, chain, _ := p.loopContext()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	res := p.RunCycle(ctx)
	delay := p.cfg.PollInterval
	if res.Err != nil {
		delay = retryDelay(res.Err, p.clock.Now(), p.cfg.PollInterval)
	}
	chain.Arm(delay, p.pollTick)
}

// RunCycle performs one mention cycle.
func (p *Poller) RunCycle(ctx context.Context) CycleResult {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	res := p.cycle(ctx)

	p.mu.Lock()
	p.totals.add(res)
	p.mu.Unlock()

	id := attribute.String("identity", p.cfg.Identity)
	p.mentions.Add(ctx, int64(res.Replied), metric.WithAttributes(id, attribute.String("outcome", "replied")))
	p.mentions.Add(ctx, int64(res.Failed), metric.WithAttributes(id, attribute.String("outcome", "failed")))

	attrs := []any{"fetched", res.Fetched, "replied", res.Replied, "failed", res.Failed, "skipped", res.Skipped}
	if res.Err != nil {
		p.logger.Warn("mention cycle failed", append(attrs, "error", res.Err)...)
	} else {
		p.logger.Info("mention cycle done", attrs...)
	}
	return res
}

func (p *Poller) cycle(ctx context.Context) CycleResult {
	var res CycleResult

	fetched, err := p.source.Mentions(ctx)
	if err != nil {
		res.Err = fmt.Errorf("fetch mentions: %w", err)
		return res
	}
	res.Fetched = len(fetched)

	watermark, err := p.Watermark(ctx)
	if err != nil {
		res.Err = err
		return res
	}

	// Merge with what earlier cycles fetched but did not answer, then
	// drop everything at or before the watermark or not addressed to us.
	handle := p.fold.String("@" + strings.TrimPrefix(p.source.Handle(), "@"))
	p.mu.Lock()
	for _, m := range fetched {
		p.pending[m.ID] = m
	}
	due := make([]Mention, 0, len(p.pending))
	for id, m := range p.pending {
		if !m.CreatedAt.After(watermark) {
			delete(p.pending, id)
			continue
		}
		if !strings.Contains(p.fold.String(m.Text), handle) {
			delete(p.pending, id)
			res.Skipped++
			continue
		}
		due = append(due, m)
	}
	p.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})

	for i, m := range due {
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			return res
		}
		if i > 0 && p.cfg.ReplyDelay > 0 {
			if err := p.clock.Sleep(ctx, p.cfg.ReplyDelay); err != nil {
				res.Err = err
				return res
			}
		}

		text, err := p.responder.Generate(ctx, replyPrompt(p.source.Handle(), m))
		if err != nil {
			res.Failed++
			p.logger.Warn("could not generate reply", "mention_id", m.ID, "error", err)
			continue
		}
		if err := p.source.Reply(ctx, m, text); err != nil {
			res.Failed++
			p.logger.Warn("reply failed, will retry next cycle", "mention_id", m.ID, "error", err)
			continue
		}

		res.Replied++
		p.mu.Lock()
		delete(p.pending, m.ID)
		p.mu.Unlock()
		if m.CreatedAt.After(watermark) {
			watermark = m.CreatedAt
			if err := p.store.Put(ctx, p.watermarkKey(), watermark.UTC().Format(time.RFC3339Nano)); err != nil {
				p.logger.Error("could not persist watermark", "error", err)
			}
		}
		p.logger.Info("replied to mention", "mention_id", m.ID, "author", m.Author)
	}
	return res
}

// Watermark returns the creation time of the newest answered mention, or
// the zero time when nothing has been answered.
func (p *Poller) Watermark(ctx context.Context) (time.Time, error) {
	v, err := store.GetString(ctx, p.store, p.watermarkKey(), "")
	if err != nil {
		return time.Time{}, fmt.Errorf("read watermark: %w", err)
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse watermark %q: %w", v, err)
	}
	return t, nil
}

// Pending returns the number of fetched mentions not yet answered.
func (p *Poller) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Totals returns the sum of all cycle results.
func (p *Poller) Totals() CycleResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totals
}

func (p *Poller) goodMorningTick() {
	ctx, _, chain := p.loopContext()
	if ctx == nil || ctx.Err() != nil || chain == nil {
		return
	}
	next, err := p.GoodMorning(ctx)
	if err != nil {
		p.logger.Warn("good morning post failed", "error", err)
	}
	chain.Arm(next, p.goodMorningTick)
}

// GoodMorning posts unless a post went out within the last 24h, and
// returns how long to wait before the next attempt.
func (p *Poller) GoodMorning(ctx context.Context) (time.Duration, error) {
	const window = 24 * time.Hour
	now := p.clock.Now()

	last, err := store.GetString(ctx, p.store, p.goodMorningKey(), "")
	if err != nil {
		return p.cfg.PollInterval, fmt.Errorf("read last post: %w", err)
	}
	if last != "" {
		t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(last))
		if err == nil && now.Sub(t) < window {
			return t.Add(window).Sub(now), nil
		}
	}

	text, err := p.responder.Generate(ctx, p.cfg.GoodMorningPrompt)
	if err != nil {
		return p.cfg.PollInterval, err
	}
	if err := p.source.Post(ctx, text); err != nil {
		return retryDelay(err, now, p.cfg.PollInterval), fmt.Errorf("post: %w", err)
	}
	if err := p.store.Put(ctx, p.goodMorningKey(), now.UTC().Format(time.RFC3339Nano)); err != nil {
		return window, fmt.Errorf("persist last post: %w", err)
	}
	p.logger.Info("good morning posted")
	return window, nil
}

// errNotLoggedIn is returned by sources used before Login.
var errNotLoggedIn = errors.New("social: not logged in")

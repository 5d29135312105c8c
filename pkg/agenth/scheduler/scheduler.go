package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/agenth/pkg/agenth/calendar"
	"github.com/jholhewres/agenth/pkg/agenth/notify"
	"github.com/jholhewres/agenth/pkg/agenth/runner"
	"github.com/jholhewres/agenth/pkg/agenth/store"
	"github.com/jholhewres/agenth/pkg/agenth/timer"
)

const stateKey = "scheduler/state"

// Executor sends a task prompt to the agent and returns the answer.
type Executor func(ctx context.Context, req runner.SendRequest, owner string) (string, error)

// CalendarSource lists upcoming events for ingestion.
type CalendarSource interface {
	GetEvents(ctx context.Context, start, end time.Time) ([]calendar.Event, error)
}

// Config tunes the scheduler.
type Config struct {
	// TickInterval is the wait between ticks. Default: 15s.
	TickInterval time.Duration `yaml:"tick_interval"`

	// IngestInterval gates calendar ingestion. Default: 1h.
	IngestInterval time.Duration `yaml:"ingest_interval"`

	// IngestWindow is how far ahead events are fetched. Default: 24h.
	IngestWindow time.Duration `yaml:"ingest_window"`

	// CalendarOwner receives the results of calendar tasks.
	CalendarOwner string `yaml:"calendar_owner"`

	// MaxAttempts before a task is dead-lettered. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryDelay is multiplied by the attempt count. Default: 1m.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// MaxConcurrent bounds executions within one tick. Default: 4.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// Scheduler owns the task queue.
type Scheduler struct {
	cfg      Config
	exec     Executor
	notifier notify.Notifier
	calendar CalendarSource
	store    store.Store
	clock    timer.Clock
	parser   cron.Parser
	logger   *slog.Logger

	executed metric.Int64Counter
	failed   metric.Int64Counter

	mu         sync.Mutex
	tasks      []*Task
	dead       []DeadLetter
	lastIngest time.Time
	ingesting  bool
	// seen maps ingested calendar event ids to their start (unix seconds)
	// so an event is queued once even after its task left the queue.
	seen     map[string]int64
	stopped  bool
	ctx      context.Context
	cancel   context.CancelFunc
	chain    *timer.Chain
	inflight sync.WaitGroup

	// persistMu orders snapshot writes.
	persistMu sync.Mutex
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCalendar enables calendar ingestion.
func WithCalendar(src CalendarSource) Option { return func(s *Scheduler) { s.calendar = src } }

// WithStore persists the queue and dead letters.
func WithStore(st store.Store) Option { return func(s *Scheduler) { s.store = st } }

// WithClock replaces the wall clock.
func WithClock(c timer.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// New creates a scheduler. A nil notifier discards events.
func New(cfg Config, exec Executor, notifier notify.Notifier, logger *slog.Logger, opts ...Option) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 15 * time.Second
	}
	if cfg.IngestInterval <= 0 {
		cfg.IngestInterval = time.Hour
	}
	if cfg.IngestWindow <= 0 {
		cfg.IngestWindow = 24 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if notifier == nil {
		notifier = notify.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	meter := otel.Meter("agenth/scheduler")
	executed, _ := meter.Int64Counter("agenth.scheduler.executions",
		metric.WithDescription("Task executions by outcome"))
	failed, _ := meter.Int64Counter("agenth.scheduler.dead_letters",
		metric.WithDescription("Tasks moved to the dead-letter list"))

	s := &Scheduler{
		cfg:      cfg,
		exec:     exec,
		notifier: notifier,
		clock:    timer.Real(),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger.With("component", "scheduler"),
		executed: executed,
		failed:   failed,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AddTask queues a prompt due at ts (unix seconds). An empty id gets a
// random one. Returns the task id.
func (s *Scheduler) AddTask(ts int64, prompt, owner, id string) (string, error) {
	return s.add(&Task{
		ID:        id,
		Timestamp: ts,
		Prompt:    prompt,
		Owner:     owner,
		Source:    SourceManual,
	})
}

// AddRecurring queues a prompt that runs at every occurrence of a cron
// schedule. Standard five-field expressions and descriptors such as
// "@hourly" or "@every 30m" are accepted.
func (s *Scheduler) AddRecurring(schedule, prompt, owner string) (string, error) {
	sched, err := s.parser.Parse(schedule)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return s.add(&Task{
		Timestamp: sched.Next(s.clock.Now()).Unix(),
		Prompt:    prompt,
		Owner:     owner,
		Source:    SourceRecurring,
		Schedule:  schedule,
	})
}

func (s *Scheduler) add(t *Task) (string, error) {
	t.Prompt = strings.TrimSpace(t.Prompt)
	t.Owner = strings.TrimSpace(t.Owner)
	if t.Prompt == "" {
		return "", fmt.Errorf("%w: empty prompt", ErrInvalidTask)
	}
	if t.Owner == "" {
		return "", fmt.Errorf("%w: empty owner", ErrInvalidTask)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = s.clock.Now().UTC()

	s.mu.Lock()
	if s.indexLocked(t.ID) >= 0 {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()

	s.logger.Info("task queued", "id", t.ID, "owner", t.Owner, "due", time.Unix(t.Timestamp, 0).UTC(), "source", t.Source)
	s.persist(context.Background())
	return t.ID, nil
}

// Tasks returns a snapshot of the queue ordered by due time.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// TasksFor returns the queued tasks of one owner.
func (s *Scheduler) TasksFor(owner string) []Task {
	var out []Task
	for _, t := range s.Tasks() {
		if strings.EqualFold(t.Owner, owner) {
			out = append(out, t)
		}
	}
	return out
}

// DeadLetters returns the tasks that exhausted their attempts.
func (s *Scheduler) DeadLetters() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetter, len(s.dead))
	copy(out, s.dead)
	return out
}

// Remove drops a task. A claimed task still finishes its execution.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
	s.mu.Unlock()

	s.persist(context.Background())
	return nil
}

// Reset clears the queue, the dead letters and the ingestion state.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.tasks = nil
	s.dead = nil
	s.seen = nil
	s.lastIngest = time.Time{}
	s.mu.Unlock()
}

func (s *Scheduler) indexLocked(id string) int {
	for i, t := range s.tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// Start loads the persisted queue and arms the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = false
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.chain = timer.NewChain(s.clock)
	s.chain.Arm(0, s.tick)
	s.logger.Info("scheduler started", "tasks", len(s.tasks), "interval", s.cfg.TickInterval)
	return nil
}

// Stop cancels the loop and waits for running executions. Ticks started
// after Stop do nothing.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.chain.Cancel()
	s.cancel = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx, chain := s.ctx, s.chain
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.Tick(ctx)
	chain.Arm(s.cfg.TickInterval, s.tick)
}

// Tick runs ingestion when due, claims every due task and executes the
// claimed ones. Concurrent ticks never execute the same task twice.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return TickResult{}
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	var res TickResult
	now := s.clock.Now()

	if s.calendar != nil {
		s.ingest(ctx, now, &res)
	}

	processID := uuid.NewString()
	claimed := s.claim(now, processID)
	res.Claimed = len(claimed)
	if len(claimed) > 0 {
		s.persist(ctx)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrent)
	for _, t := range claimed {
		g.Go(func() error {
			outcome := s.execute(gctx, t, processID)
			mu.Lock()
			switch outcome {
			case outcomeDone:
				res.Executed++
			case outcomeRetry:
				res.Failed++
			case outcomeDead:
				res.Failed++
				res.DeadLettered++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(claimed) > 0 || res.Ingested > 0 {
		s.persist(ctx)
		s.logger.Info("tick done", "claimed", res.Claimed, "executed", res.Executed,
			"failed", res.Failed, "dead_lettered", res.DeadLettered, "ingested", res.Ingested)
	}
	return res
}

// claim marks every due unclaimed task with processID and returns copies.
func (s *Scheduler) claim(now time.Time, processID string) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.tasks {
		if t.Due(now) {
			t.ProcessID = processID
			out = append(out, *t)
		}
	}
	return out
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetry
	outcomeDead
)

func (s *Scheduler) execute(ctx context.Context, t Task, processID string) outcome {
	logger := s.logger.With("task", t.ID, "owner", t.Owner)
	logger.Info("executing task", "attempt", t.Attempts+1)

	output, err := s.exec(ctx, runner.SendRequest{UserInput: t.Prompt}, t.Owner)
	if err == nil {
		s.complete(t, processID)
		s.executed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "success")))
		s.notifier.SendEventToUser(t.Owner, notify.Event{
			Type:      notify.EventTaskResult,
			Data:      Result{TaskID: t.ID, Prompt: t.Prompt, Output: output},
			CreatedAt: s.clock.Now().UTC(),
		})
		return outcomeDone
	}

	s.executed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failure")))
	logger.Warn("task execution failed", "error", err)
	out, attempts := s.fail(t, processID, err)
	if out == outcomeDead {
		s.failed.Add(ctx, 1)
		logger.Error("task dead-lettered", "attempts", attempts, "error", err)
		s.notifier.SendEventToUser(t.Owner, notify.Event{
			Type:      notify.EventTaskFailed,
			Data:      Failure{TaskID: t.ID, Prompt: t.Prompt, Error: err.Error(), Attempts: attempts},
			CreatedAt: s.clock.Now().UTC(),
		})
	}
	return out
}

// complete removes a one-shot task or re-arms a recurring one at its next
// occurrence. A task removed or re-claimed meanwhile is left alone.
func (s *Scheduler) complete(t Task, processID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(t.ID)
	if i < 0 || s.tasks[i].ProcessID != processID {
		return
	}
	if next, ok := s.nextOccurrenceLocked(s.tasks[i]); ok {
		s.tasks[i].Timestamp = next
		s.tasks[i].ProcessID = ""
		s.tasks[i].Attempts = 0
		s.tasks[i].LastError = ""
		return
	}
	s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
}

// fail releases the claim and schedules a retry, or dead-letters the task
// once MaxAttempts is reached. A recurring task then moves on to its next
// occurrence instead of leaving the queue.
func (s *Scheduler) fail(t Task, processID string, err error) (outcome, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(t.ID)
	if i < 0 || s.tasks[i].ProcessID != processID {
		return outcomeRetry, t.Attempts + 1
	}
	task := s.tasks[i]
	task.ProcessID = ""
	task.Attempts++
	task.LastError = err.Error()
	now := s.clock.Now()

	if task.Attempts < s.cfg.MaxAttempts {
		task.Timestamp = now.Add(time.Duration(task.Attempts) * s.cfg.RetryDelay).Unix()
		return outcomeRetry, task.Attempts
	}

	attempts := task.Attempts
	s.dead = append(s.dead, DeadLetter{Task: *task, FailedAt: now.UTC()})
	if next, ok := s.nextOccurrenceLocked(task); ok {
		task.Timestamp = next
		task.Attempts = 0
		task.LastError = ""
	} else {
		s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
	}
	return outcomeDead, attempts
}

func (s *Scheduler) nextOccurrenceLocked(t *Task) (int64, bool) {
	if t.Schedule == "" {
		return 0, false
	}
	sched, err := s.parser.Parse(t.Schedule)
	if err != nil {
		s.logger.Error("dropping recurring task with bad schedule", "task", t.ID, "error", err)
		return 0, false
	}
	return sched.Next(s.clock.Now()).Unix(), true
}

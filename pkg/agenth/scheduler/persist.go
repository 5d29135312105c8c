package scheduler

import (
	"context"
	"fmt"
	"maps"

	"github.com/jholhewres/agenth/pkg/agenth/notify"
	"github.com/jholhewres/agenth/pkg/agenth/store"
)

// interruptedError marks a task whose claim outlived its process.
const interruptedError = "interrupted"

type snapshot struct {
	Tasks       []Task       `json:"tasks"`
	DeadLetters []DeadLetter `json:"dead_letters,omitempty"`
	// CalendarSeen holds ingested calendar event ids and their start.
	CalendarSeen map[string]int64 `json:"calendar_seen,omitempty"`
}

// load restores the queue. A task still claimed by a previous process may
// already have run, so it is dead-lettered as interrupted and its owner is
// told; a recurring one moves on to its next occurrence.
func (s *Scheduler) load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	var snap snapshot
	ok, err := store.GetJSON(ctx, s.store, stateKey, &snap)
	if err != nil {
		return fmt.Errorf("scheduler: load: %w", err)
	}
	if !ok {
		return nil
	}

	now := s.clock.Now()
	var interrupted []DeadLetter

	s.mu.Lock()
	s.dead = append(s.dead, snap.DeadLetters...)
	if len(snap.CalendarSeen) > 0 {
		if s.seen == nil {
			s.seen = make(map[string]int64, len(snap.CalendarSeen))
		}
		maps.Copy(s.seen, snap.CalendarSeen)
	}
	for i := range snap.Tasks {
		t := snap.Tasks[i]
		if s.indexLocked(t.ID) >= 0 {
			continue
		}
		if t.Source == SourceCalendar {
			s.markSeenLocked(t.ID, t.Timestamp)
		}
		if t.ProcessID != "" {
			t.ProcessID = ""
			t.Attempts++
			t.LastError = interruptedError
			dl := DeadLetter{Task: t, FailedAt: now.UTC()}
			s.dead = append(s.dead, dl)
			interrupted = append(interrupted, dl)
			next, ok := s.nextOccurrenceLocked(&t)
			if !ok {
				continue
			}
			t.Timestamp = next
			t.Attempts = 0
			t.LastError = ""
		}
		s.tasks = append(s.tasks, &t)
	}
	s.mu.Unlock()

	for _, dl := range interrupted {
		s.failed.Add(ctx, 1)
		s.logger.Warn("claimed task interrupted by restart", "task", dl.Task.ID, "owner", dl.Task.Owner)
		s.notifier.SendEventToUser(dl.Task.Owner, notify.Event{
			Type:      notify.EventTaskFailed,
			Data:      Failure{TaskID: dl.Task.ID, Prompt: dl.Task.Prompt, Error: interruptedError, Attempts: dl.Task.Attempts},
			CreatedAt: now.UTC(),
		})
	}
	if len(interrupted) > 0 {
		s.persist(ctx)
	}
	s.logger.Info("scheduler state loaded", "tasks", len(snap.Tasks), "interrupted", len(interrupted), "dead_letters", len(snap.DeadLetters))
	return nil
}

func (s *Scheduler) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	snap := snapshot{
		Tasks:        make([]Task, 0, len(s.tasks)),
		DeadLetters:  append([]DeadLetter(nil), s.dead...),
		CalendarSeen: maps.Clone(s.seen),
	}
	for _, t := range s.tasks {
		snap.Tasks = append(snap.Tasks, *t)
	}
	s.mu.Unlock()

	if err := store.PutJSON(context.WithoutCancel(ctx), s.store, stateKey, snap); err != nil {
		s.logger.Error("failed to persist scheduler state", "error", err)
	}
}

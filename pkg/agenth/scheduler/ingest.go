package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ingest turns upcoming calendar events into tasks keyed by event id. It
// runs at most once per IngestInterval. The API also returns events that
// are still running, so an id ingested before is skipped, and so is an
// event that started before the previous ingestion.
func (s *Scheduler) ingest(ctx context.Context, now time.Time, res *TickResult) {
	s.mu.Lock()
	if s.ingesting || (!s.lastIngest.IsZero() && now.Sub(s.lastIngest) < s.cfg.IngestInterval) {
		s.mu.Unlock()
		return
	}
	prev := s.lastIngest
	s.ingesting = true
	s.lastIngest = now
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.ingesting = false
		s.mu.Unlock()
	}()

	events, err := s.calendar.GetEvents(ctx, now, now.Add(s.cfg.IngestWindow))
	if err != nil {
		res.IngestErr = fmt.Errorf("calendar ingestion: %w", err)
		s.logger.Warn("calendar ingestion failed", "error", err)
		return
	}

	owner := s.cfg.CalendarOwner
	if owner == "" {
		owner = "calendar"
	}
	for _, ev := range events {
		start, err := ev.Start.ToTime()
		if err != nil {
			s.logger.Debug("skipping event without start", "event", ev.ID)
			continue
		}
		prompt := strings.TrimSpace(ev.Summary)
		if d := strings.TrimSpace(ev.Description); d != "" {
			prompt = strings.TrimSpace(prompt + "\n\n" + d)
		}
		if prompt == "" || ev.ID == "" {
			continue
		}

		t := &Task{
			ID:        ev.ID,
			Timestamp: start.Unix(),
			Prompt:    prompt,
			Owner:     owner,
			Source:    SourceCalendar,
			CreatedAt: now.UTC(),
		}
		s.mu.Lock()
		_, seen := s.seen[t.ID]
		dup := seen || s.indexLocked(t.ID) >= 0
		stale := !dup && !prev.IsZero() && start.Before(prev)
		if !dup && !stale {
			s.tasks = append(s.tasks, t)
			s.markSeenLocked(t.ID, t.Timestamp)
		}
		s.mu.Unlock()

		switch {
		case dup:
			res.Duplicates++
			s.logger.Debug("duplicate calendar task skipped", "event", ev.ID)
			continue
		case stale:
			s.logger.Debug("skipping event started before the previous ingestion", "event", ev.ID, "start", start)
			continue
		}
		res.Ingested++
	}

	s.mu.Lock()
	s.pruneSeenLocked(now)
	s.mu.Unlock()
	s.logger.Info("calendar ingested", "events", len(events), "queued", res.Ingested, "duplicate", res.Duplicates)
}

func (s *Scheduler) markSeenLocked(id string, start int64) {
	if s.seen == nil {
		s.seen = make(map[string]int64)
	}
	s.seen[id] = start
}

// pruneSeenLocked forgets ids whose event started more than one ingest
// window ago. Those are older than the previous ingestion and skipped anyway.
func (s *Scheduler) pruneSeenLocked(now time.Time) {
	cutoff := now.Add(-s.cfg.IngestWindow).Unix()
	for id, start := range s.seen {
		if start < cutoff && s.indexLocked(id) < 0 {
			delete(s.seen, id)
		}
	}
}

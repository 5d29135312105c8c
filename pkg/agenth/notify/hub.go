// Package notify fans events out to the subscribers of an owner address.
// Delivery is at most once and best effort: a subscriber whose buffer is
// full misses the event.
package notify

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Event types published by the daemon.
const (
	EventTaskResult = "task.result"
	EventTaskFailed = "task.failed"
	EventTeam       = "team.restarted"
)

// Event is one notification for an owner.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier delivers events to an owner.
type Notifier interface {
	SendEventToUser(owner string, ev Event)
}

// Subscription receives the events of one owner until cancelled.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	owner  string
	hub    *Hub
	closed bool
}

// Cancel detaches the subscription and closes C. Safe to call twice.
func (s *Subscription) Cancel() { s.hub.unsubscribe(s) }

// Hub is an in-process Notifier keyed by owner address.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	logger *slog.Logger
}

// NewHub creates a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger.With("component", "notify"),
	}
}

// Owner addresses are compared case-insensitively (0xABC == 0xabc).
func normalizeOwner(owner string) string {
	return strings.ToLower(strings.TrimSpace(owner))
}

// Subscribe registers a subscriber for owner.
func (h *Hub) Subscribe(owner string) *Subscription {
	ch := make(chan Event, h.buffer)
	s := &Subscription{C: ch, ch: ch, owner: normalizeOwner(owner), hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[s.owner]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[s.owner] = set
	}
	set[s] = struct{}{}
	return s
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if set, ok := h.subs[s.owner]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.owner)
		}
	}
	close(s.ch)
}

// SendEventToUser publishes ev to every subscriber of owner without blocking.
func (h *Hub) SendEventToUser(owner string, ev Event) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	owner = normalizeOwner(owner)

	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.subs[owner]
	if len(set) == 0 {
		h.logger.Debug("no subscribers for event", "owner", owner, "type", ev.Type)
		return
	}
	for s := range set {
		select {
		case s.ch <- ev:
		default:
			h.logger.Warn("subscriber buffer full, event dropped", "owner", owner, "type", ev.Type)
		}
	}
}

// Subscribers returns the number of live subscriptions for owner.
func (h *Hub) Subscribers(owner string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[normalizeOwner(owner)])
}

// Close cancels every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*Subscription
	for _, set := range h.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	h.mu.Unlock()
	for _, s := range all {
		s.Cancel()
	}
}

// Discard is a Notifier that drops every event.
type Discard struct{}

func (Discard) SendEventToUser(string, Event) {}

// Package notify fans training events out to registered subscribers
// (role assignment, the event log, live websocket streams).
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// EventTrainingStatusChanged is emitted when a user completes every course
// they are assigned to.
const EventTrainingStatusChanged = "training_status_changed"

// Event is a training notification.
type Event struct {
	Type      string         `json:"type"`
	UserID    int64          `json:"user_id"`
	CourseID  int64          `json:"course_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Subscriber handles published events.
type Subscriber interface {
	Handle(ctx context.Context, e Event) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, e Event) error

func (f SubscriberFunc) Handle(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Hub routes events to registered subscribers.
type Hub struct {
	subs map[string]Subscriber
	mu   sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]Subscriber),
	}
}

// Register adds a subscriber under name, replacing any previous one.
func (h *Hub) Register(name string, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[name] = s
	slog.Info("event subscriber registered", "subscriber", name)
}

// Unregister removes a subscriber.
func (h *Hub) Unregister(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, name)
}

// HasSubscriber returns true if the named subscriber is registered.
func (h *Hub) HasSubscriber(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subs[name]
	return ok
}

// Publish delivers e to every subscriber in name order. A failing
// subscriber is logged and does not stop delivery to the others.
func (h *Hub) Publish(ctx context.Context, e Event) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	h.mu.RLock()
	names := make([]string, 0, len(h.subs))
	for name := range h.subs {
		names = append(names, name)
	}
	sort.Strings(names)
	subs := make([]Subscriber, len(names))
	for i, name := range names {
		subs[i] = h.subs[name]
	}
	h.mu.RUnlock()

	for i, s := range subs {
		if err := s.Handle(ctx, e); err != nil {
			slog.Error("event delivery failed",
				"subscriber", names[i],
				"type", e.Type,
				"user_id", e.UserID,
				"error", err,
			)
		}
	}
}

// MemorySubscriber records events in memory for tests.
type MemorySubscriber struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySubscriber creates an empty recorder.
func NewMemorySubscriber() *MemorySubscriber {
	return &MemorySubscriber{events: []Event{}}
}

func (m *MemorySubscriber) Handle(_ context.Context, e Event) error {
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (m *MemorySubscriber) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event{}, m.events...)
}

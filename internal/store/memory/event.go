package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/digichar/keeper/internal/clock"
	"github.com/digichar/keeper/internal/event"
	"github.com/digichar/keeper/internal/store"
)

// EventStore is an in-memory implementation of event.Store.
type EventStore struct {
	mu     sync.RWMutex
	clock  clock.Clock
	events []event.Event
}

// NewEventStore creates an empty event store.
func NewEventStore(clk clock.Clock) *EventStore {
	return &EventStore{clock: clk}
}

// Append stores events atomically, assigning versions and ids as needed.
func (s *EventStore) Append(_ context.Context, events ...event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]int)
	used := make(map[string]map[int]bool)
	for _, e := range s.events {
		if e.Version >= next[e.AggregateID] {
			next[e.AggregateID] = e.Version
		}
		if used[e.AggregateID] == nil {
			used[e.AggregateID] = make(map[int]bool)
		}
		used[e.AggregateID][e.Version] = true
	}

	staged := make([]event.Event, 0, len(events))
	for _, e := range events {
		if e.Version == 0 {
			e.Version = next[e.AggregateID] + 1
		}
		if used[e.AggregateID][e.Version] {
			return fmt.Errorf("event (aggregate=%s, version=%d): %w", e.AggregateID, e.Version, store.ErrDuplicateKey)
		}
		if used[e.AggregateID] == nil {
			used[e.AggregateID] = make(map[int]bool)
		}
		used[e.AggregateID][e.Version] = true
		if e.Version > next[e.AggregateID] {
			next[e.AggregateID] = e.Version
		}
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.clock.Now().UTC()
		}
		staged = append(staged, e)
	}

	s.events = append(s.events, staged...)
	return nil
}

// Load returns the events of one aggregate ordered by version.
func (s *EventStore) Load(_ context.Context, aggregateID string) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []event.Event
	for _, e := range s.events {
		if e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// LoadByType returns events of one type in insertion order.
func (s *EventStore) LoadByType(_ context.Context, eventType event.Type) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []event.Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out, nil
}

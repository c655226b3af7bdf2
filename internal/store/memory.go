package store

import (
	"context"
	"sync"
	"time"

	"tourcal/internal/model"
)

// MemoryStore keeps events in a map. It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]model.Event
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]model.Event),
		now:    time.Now,
	}
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok {
		return model.Event{}, ErrNotFound
	}
	return clone(ev), nil
}

func (s *MemoryStore) SaveEvent(_ context.Context, ev model.Event) (model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, saved, err := s.saveLocked(ev)
	return saved, err
}

// saveLocked stores ev and returns the record it replaced, if any.
func (s *MemoryStore) saveLocked(ev model.Event) (*model.Event, model.Event, error) {
	var prev *model.Event
	if ev.ID != "" {
		if p, ok := s.events[ev.ID]; ok {
			prev = &p
		}
	}

	saved, err := prepare(ev, prev, s.now().UTC())
	if err != nil {
		return nil, model.Event{}, err
	}
	s.events[saved.ID] = saved
	return prev, clone(saved), nil
}

func (s *MemoryStore) ListEvents(_ context.Context) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Event, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, clone(ev))
	}
	sortEvents(out)
	return out, nil
}

func (s *MemoryStore) DeleteEvent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[id]; !ok {
		return ErrNotFound
	}
	delete(s.events, id)
	return nil
}

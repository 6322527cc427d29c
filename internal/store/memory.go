package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/sdmd/internal/goal"
)

// MemoryStore keeps goal events in process.
type MemoryStore struct {
	mu       sync.RWMutex
	events   map[goal.Key]goal.Event
	onChange []ChangeFunc
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[goal.Key]goal.Event), now: time.Now}
}

// OnChange registers fn for every successful write. Callbacks run after the
// store lock is released, on the writer's goroutine.
func (s *MemoryStore) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

func (s *MemoryStore) notify(ev goal.Event) {
	s.mu.RLock()
	fns := append([]ChangeFunc(nil), s.onChange...)
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (s *MemoryStore) Create(_ context.Context, ev goal.Event) error {
	s.mu.Lock()
	if _, ok := s.events[ev.Key]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExists, ev.Key)
	}
	s.events[ev.Key] = ev
	s.mu.Unlock()
	s.notify(ev)
	return nil
}

func (s *MemoryStore) Read(_ context.Context, key goal.Key) (goal.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[key]
	if !ok {
		return goal.Event{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return ev, nil
}

func (s *MemoryStore) Update(_ context.Context, key goal.Key, d goal.Delta) (goal.Event, error) {
	s.mu.Lock()
	cur, ok := s.events[key]
	if !ok {
		s.mu.Unlock()
		return goal.Event{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	next, err := goal.Apply(cur, d, s.now())
	if err != nil {
		s.mu.Unlock()
		return cur, err
	}
	s.events[key] = next
	s.mu.Unlock()
	s.notify(next)
	return next, nil
}

func (s *MemoryStore) ListForPush(_ context.Context, owner, repo, sha string) ([]goal.Event, error) {
	s.mu.RLock()
	var out []goal.Event
	for k, ev := range s.events {
		if k.Owner == owner && k.Repo == repo && k.Sha == sha {
			out = append(out, ev)
		}
	}
	s.mu.RUnlock()
	sortEvents(out)
	return out, nil
}

var _ GoalStore = (*MemoryStore)(nil)

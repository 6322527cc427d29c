// Package store persists goal events.
//
// Stores are the single authority for goal state: callers never write an
// Event directly, they submit a goal.Delta and the store applies it to the
// current value.
package store

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sdmd/internal/goal"
)

var (
	// ErrNotFound is returned when no event exists for a key.
	ErrNotFound = errors.New("goal event not found")

	// ErrExists is returned by Create when the key already has an event.
	ErrExists = errors.New("goal event already exists")
)

// GoalStore reads and writes goal events.
type GoalStore interface {
	Create(ctx context.Context, ev goal.Event) error
	Read(ctx context.Context, key goal.Key) (goal.Event, error)
	// Update applies d to the stored event and returns the result.
	Update(ctx context.Context, key goal.Key, d goal.Delta) (goal.Event, error)
	// ListForPush returns every event for one commit, ordered by
	// environment and name.
	ListForPush(ctx context.Context, owner, repo, sha string) ([]goal.Event, error)
}

// ChangeFunc observes every successful write.
type ChangeFunc func(ev goal.Event)

func sortEvents(events []goal.Event) {
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i].Key, events[j].Key
		if a.Environment != b.Environment {
			return a.Environment < b.Environment
		}
		return a.Name < b.Name
	})
}

// Updater writes goal state best-effort: failures are logged and never
// fail the goal.
type Updater struct {
	store  GoalStore
	logger *zap.Logger
}

func NewUpdater(s GoalStore, logger *zap.Logger) *Updater {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Updater{store: s, logger: logger}
}

// Store returns the wrapped store.
func (u *Updater) Store() GoalStore { return u.store }

// Create persists ev, logging failure.
func (u *Updater) Create(ctx context.Context, ev goal.Event) bool {
	if err := u.store.Create(ctx, ev); err != nil {
		u.logger.Warn("persisting requested goal",
			zap.String("goal.key", ev.Key.String()),
			zap.Error(err))
		return false
	}
	return true
}

// Apply submits d for key. On failure it logs and returns the zero Event
// and false.
func (u *Updater) Apply(ctx context.Context, key goal.Key, d goal.Delta) (goal.Event, bool) {
	ev, err := u.store.Update(ctx, key, d)
	if err != nil {
		u.logger.Warn("persisting goal state",
			zap.String("goal.key", key.String()),
			zap.String("goal.state", string(d.State)),
			zap.Error(err))
		return goal.Event{}, false
	}
	return ev, true
}

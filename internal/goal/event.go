package goal

import (
	"fmt"
	"time"
)

// Key identifies one goal for one commit.
type Key struct {
	Owner       string      `json:"owner"`
	Repo        string      `json:"repo"`
	Sha         string      `json:"sha"`
	Environment Environment `json:"environment"`
	Name        string      `json:"name"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s@%s:%s/%s", k.Owner, k.Repo, shortSha(k.Sha), k.Environment.Name(), k.Name)
}

func shortSha(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// Fulfillment records how a goal was or will be satisfied.
type Fulfillment struct {
	Method string `json:"method"`
	Name   string `json:"name"`
}

const (
	MethodSDM        = "sdm"
	MethodSideEffect = "side-effect"
)

// Provenance records who touched a goal event and when.
type Provenance struct {
	Name          string    `json:"name"`
	Version       string    `json:"version,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Actor         string    `json:"actor,omitempty"`
	Ts            time.Time `json:"ts"`
}

// Event is the persisted state of one goal for one push. Events are values:
// change them only through Apply, which returns a new Event.
type Event struct {
	ID            string       `json:"id"`
	GoalSetID     string       `json:"goal_set_id"`
	GoalSet       string       `json:"goal_set"`
	Key           Key          `json:"key"`
	DisplayName   string       `json:"display_name,omitempty"`
	Branch        string       `json:"branch"`
	State         State        `json:"state"`
	Phase         string       `json:"phase,omitempty"`
	Description   string       `json:"description"`
	URL           string       `json:"url,omitempty"`
	Fulfillment   Fulfillment  `json:"fulfillment"`
	PreConditions []Key        `json:"pre_conditions,omitempty"`
	Provenance    []Provenance `json:"provenance"`
	Ts            time.Time    `json:"ts"`
	// Version increments on every applied delta.
	Version int `json:"version"`
}

// Delta is a requested change to an Event. Zero fields leave the event's
// value untouched; Provenance is appended.
type Delta struct {
	State       State
	Phase       string
	Description string
	URL         string
	Fulfillment *Fulfillment
	Provenance  *Provenance
}

// Apply returns ev with d applied. The input is never modified.
func Apply(ev Event, d Delta, now time.Time) (Event, error) {
	next := ev.clone()

	if d.State != "" {
		if !d.State.Valid() {
			return ev, fmt.Errorf("goal %s: unknown state %q", ev.Key, d.State)
		}
		if !isAllowedTransition(ev.State, d.State) && !sideEffectTransition(ev, d.State) {
			return ev, &TransitionError{Key: ev.Key, From: ev.State, To: d.State}
		}
		next.State = d.State
	}
	if d.Phase != "" {
		next.Phase = d.Phase
	}
	if d.Description != "" {
		next.Description = d.Description
	}
	if d.URL != "" {
		next.URL = d.URL
	}
	if d.Fulfillment != nil {
		next.Fulfillment = *d.Fulfillment
	}
	if d.Provenance != nil {
		p := *d.Provenance
		if p.Ts.IsZero() {
			p.Ts = now
		}
		next.Provenance = append(next.Provenance, p)
	}

	next.Ts = now
	next.Version++
	return next, nil
}

func (ev Event) clone() Event {
	out := ev
	out.PreConditions = append([]Key(nil), ev.PreConditions...)
	out.Provenance = append([]Provenance(nil), ev.Provenance...)
	return out
}

// Commit identifies the push a goal set was planned for.
type Commit struct {
	Owner  string
	Repo   string
	Branch string
	Sha    string
}

// KeyFor returns the key of g for commit c.
func KeyFor(g *Goal, c Commit) Key {
	return Key{Owner: c.Owner, Repo: c.Repo, Sha: c.Sha, Environment: g.environment, Name: g.uniqueName}
}

// NewRequestedEvent builds the initial event for g within set.
func NewRequestedEvent(id string, set *Set, setID string, g *Goal, c Commit, fulfillment Fulfillment, prov Provenance) Event {
	pre := make([]Key, 0, len(g.preconditions))
	for _, p := range g.preconditions {
		if pg, ok := set.Get(p); ok {
			pre = append(pre, KeyFor(pg, c))
		}
	}
	return Event{
		ID:            id,
		GoalSetID:     setID,
		GoalSet:       set.Name(),
		Key:           KeyFor(g, c),
		DisplayName:   g.DisplayName(),
		Branch:        c.Branch,
		State:         StateRequested,
		Description:   g.Describe(StateRequested),
		Fulfillment:   fulfillment,
		PreConditions: pre,
		Provenance:    []Provenance{prov},
		Ts:            prov.Ts,
		Version:       1,
	}
}

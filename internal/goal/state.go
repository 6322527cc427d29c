package goal

import "fmt"

// State is the lifecycle state of a goal event.
type State string

const (
	StateRequested          State = "requested"
	StateInProcess          State = "in_process"
	StateWaitingForApproval State = "waiting_for_approval"
	StateSuccess            State = "success"
	StateFailure            State = "failure"
	StateStopped            State = "stopped"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateRequested, StateInProcess, StateWaitingForApproval, StateSuccess, StateFailure, StateStopped:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateStopped:
		return true
	default:
		return false
	}
}

// Satisfies reports whether a precondition in state s lets dependants run.
func (s State) Satisfies() bool {
	return s == StateSuccess
}

// Blocks reports whether a precondition in state s means dependants can
// never run.
func (s State) Blocks() bool {
	return s == StateFailure || s == StateStopped
}

// isAllowedTransition encodes requested -> in_process -> outcome. A goal
// waiting for approval is resolved by an approver into a terminal state.
// Rewriting the current state is allowed so progress updates and retried
// writes are idempotent.
func isAllowedTransition(from, to State) bool {
	if from == to {
		return true
	}
	switch from {
	case StateRequested:
		return to == StateInProcess || to == StateStopped || to == StateFailure
	case StateInProcess:
		return to == StateSuccess || to == StateFailure || to == StateWaitingForApproval || to == StateStopped
	case StateWaitingForApproval:
		return to == StateSuccess || to == StateFailure || to == StateStopped
	default:
		return false
	}
}

// sideEffectTransition allows an external system to report a side-effect
// goal's outcome in one update; nothing in this process marks it in_process.
func sideEffectTransition(ev Event, to State) bool {
	return ev.Fulfillment.Method == MethodSideEffect && ev.State == StateRequested &&
		(to == StateSuccess || to == StateWaitingForApproval)
}

// TransitionError reports a rejected state change.
type TransitionError struct {
	Key      Key
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("goal %s: disallowed transition %s -> %s", e.Key, e.From, e.To)
}

// CanTransition reports whether from -> to is permitted.
func CanTransition(from, to State) bool {
	return isAllowedTransition(from, to)
}

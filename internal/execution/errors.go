package execution

import (
	"errors"
	"fmt"
)

// Where a goal failed. These are shown to users as the failure prefix.
const (
	WhereFulfillment = "resolving fulfillment"
	WhereProject     = "loading project"
	WherePreHook     = "executing pre-goal hook"
	WhereGoal        = "executing goal"
	WherePostHook    = "executing post-goal hooks"
)

// ErrTimedOut is wrapped when a goal exceeds its deadline.
var ErrTimedOut = errors.New("timed out")

// GoalFailure is a classified goal failure.
type GoalFailure struct {
	Where string
	Err   error
}

func (e *GoalFailure) Error() string {
	return fmt.Sprintf("%s: %v", e.Where, e.Err)
}

func (e *GoalFailure) Unwrap() error { return e.Err }

func failure(where string, err error) *GoalFailure {
	return &GoalFailure{Where: where, Err: err}
}

package jobs

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/sdmd/internal/fulfillment"
)

// TaskParameters derives one parameter set per task from a goal
// invocation.
type TaskParameters func(ctx context.Context, inv *fulfillment.Invocation) ([]map[string]string, error)

// Executor runs command as a job for each goal invocation. The goal fails
// when any task fails; task output is written to the goal's progress log.
func Executor(d Dispatcher, command string, params TaskParameters) fulfillment.ExecuteGoal {
	return func(ctx context.Context, inv *fulfillment.Invocation) (*fulfillment.Result, error) {
		sets, err := params(ctx, inv)
		if err != nil {
			return nil, fmt.Errorf("job parameters: %w", err)
		}
		name := command
		if inv.Goal != nil {
			name = inv.Goal.UniqueName()
		}
		res, err := d.Dispatch(ctx, Job{Name: name, Command: command, Parameters: sets})
		if err != nil {
			return nil, err
		}
		for _, t := range res.Tasks {
			if t.Error != "" {
				inv.Log.Write(fmt.Sprintf("task %d failed: %s", t.Index, t.Error))
			}
			if t.Output != "" {
				inv.Log.Write(t.Output)
			}
		}
		if err := res.Err(); err != nil {
			return &fulfillment.Result{Code: 1, Message: err.Error()}, nil
		}
		return &fulfillment.Result{Message: fmt.Sprintf("%d tasks complete", len(res.Tasks))}, nil
	}
}

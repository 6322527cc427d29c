package autofix

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/sdmd/internal/fulfillment"
	"github.com/fyrsmithlabs/sdmd/internal/goal"
)

// Executor runs regs as a goal implementation.
//
// Fixes pushed to a branch other than the push branch leave the goal
// stopped; fixes on the push branch, or no fixes at all, succeed.
func (p *Pipeline) Executor(regs ...Registration) fulfillment.ExecuteGoal {
	return func(ctx context.Context, inv *fulfillment.Invocation) (*fulfillment.Result, error) {
		if inv.Project == nil {
			return nil, errors.New("autofix needs a project")
		}
		res, err := p.Run(ctx, inv.Project, &inv.Invocation, regs)
		for _, f := range res.Failures {
			if f.Ignored {
				inv.Log.Write(fmt.Sprintf("Autofix %s failed (ignored): %v", f.Name, f.Err))
			} else {
				inv.Log.Write(fmt.Sprintf("Autofix %s failed: %v", f.Name, f.Err))
			}
		}
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return &fulfillment.Result{Code: 1, Message: res.Failures[len(res.Failures)-1].Error()}, nil
		}
		if !res.Edited {
			inv.Log.Write("No autofixes applied")
			return &fulfillment.Result{Message: "No changes"}, nil
		}

		inv.Log.Write(fmt.Sprintf("Applied autofixes on %s: %s", res.Branch, strings.Join(res.Applied, ", ")))
		result := &fulfillment.Result{
			Message:   "Autofixes applied",
			TargetURL: res.PullRequestURL,
		}
		if inv.Push != nil && res.Branch != inv.Push.Branch {
			result.State = goal.StateStopped
			result.Phase = "Autofixes pushed to " + res.Branch
		}
		return result, nil
	}
}

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/sdmd/internal/autofix"
	"github.com/fyrsmithlabs/sdmd/internal/fulfillment"
	"github.com/fyrsmithlabs/sdmd/internal/github"
	"github.com/fyrsmithlabs/sdmd/internal/goal"
	"github.com/fyrsmithlabs/sdmd/internal/jobs"
	"github.com/fyrsmithlabs/sdmd/internal/planning"
	"github.com/fyrsmithlabs/sdmd/internal/project"
	"github.com/fyrsmithlabs/sdmd/internal/pushtest"
)

// fulfillers are the ways a declared goal can be satisfied in-process.
type fulfillers struct {
	jobs     jobs.Dispatcher
	commands *jobs.CommandRegistry
	autofix  *autofix.Pipeline
}

// register maps each declared goal to its fulfillment. A goal declaring
// neither a job, autofixes nor a side effect does its work in the
// repository's pre and post hooks.
func (f fulfillers) register(mapper *fulfillment.Mapper, reg *goal.Registry, specs []planning.GoalSpec) error {
	for _, spec := range specs {
		g, ok := reg.Get(spec.Name)
		if !ok {
			return fmt.Errorf("goal %q not defined", spec.Name)
		}
		var err error
		switch {
		case spec.SideEffect != "":
			err = mapper.AddSideEffect(g, fulfillment.SideEffect{Name: spec.SideEffect})
		case spec.Job != nil:
			err = f.registerJob(mapper, g, spec.Job)
		case len(spec.Autofixes) > 0:
			err = f.registerAutofixes(mapper, g, spec.Autofixes)
		default:
			err = mapper.AddImplementation(g, fulfillment.Implementation{
				Name:     "hooks",
				Execute:  func(context.Context, *fulfillment.Invocation) (*fulfillment.Result, error) { return nil, nil },
				ReadOnly: true,
			})
		}
		if err != nil {
			return fmt.Errorf("goal %q: %w", spec.Name, err)
		}
	}
	return nil
}

func (f fulfillers) registerJob(mapper *fulfillment.Mapper, g *goal.Goal, spec *planning.JobSpec) error {
	if f.jobs == nil {
		return fmt.Errorf("no job dispatcher for command %q", spec.Command)
	}
	var declared []string
	if f.commands != nil {
		cmd, ok := f.commands.Get(spec.Command)
		if !ok {
			return fmt.Errorf("%w: %q", jobs.ErrUnknownCommand, spec.Command)
		}
		for _, p := range cmd.Schema.Parameters() {
			declared = append(declared, p.Name)
		}
	}
	return mapper.AddImplementation(g, fulfillment.Implementation{
		Name:     "job:" + spec.Command,
		Execute:  jobs.Executor(f.jobs, spec.Command, pushParameters(spec.Parameters, declared)),
		ReadOnly: true,
	})
}

func (f fulfillers) registerAutofixes(mapper *fulfillment.Mapper, g *goal.Goal, names []string) error {
	if f.autofix == nil {
		return fmt.Errorf("autofixes are not configured")
	}
	regs := make([]autofix.Registration, 0, len(names))
	for _, name := range names {
		r, ok := builtinAutofixes[name]
		if !ok {
			return fmt.Errorf("unknown autofix %q", name)
		}
		regs = append(regs, r)
	}
	return mapper.AddImplementation(g, fulfillment.Implementation{
		Name:    "autofix",
		Execute: f.autofix.Executor(regs...),
	})
}

// pushVariables are the values a job parameter can reference as ${name}.
func pushVariables(inv *fulfillment.Invocation) map[string]string {
	p := inv.Push
	if p == nil {
		return map[string]string{}
	}
	return map[string]string{
		"owner":  p.Repo.Owner,
		"repo":   p.Repo.Name,
		"branch": p.Branch,
		"sha":    p.Sha,
	}
}

// pushParameters expands ${owner}, ${repo}, ${branch} and ${sha} in each
// parameter set. Declared parameters named after a push variable are
// filled from the push when the set leaves them out.
func pushParameters(sets []map[string]string, declared []string) jobs.TaskParameters {
	if len(sets) == 0 {
		sets = []map[string]string{{}}
	}
	return func(_ context.Context, inv *fulfillment.Invocation) ([]map[string]string, error) {
		vars := pushVariables(inv)
		pairs := make([]string, 0, 2*len(vars))
		for k, v := range vars {
			pairs = append(pairs, "${"+k+"}", v)
		}
		r := strings.NewReplacer(pairs...)

		out := make([]map[string]string, 0, len(sets))
		for _, set := range sets {
			params := make(map[string]string, len(set)+len(declared))
			for _, name := range declared {
				if v, ok := vars[name]; ok {
					params[name] = v
				}
			}
			for k, v := range set {
				params[k] = r.Replace(v)
			}
			out = append(out, params)
		}
		return out, nil
	}
}

// builtinCommands are the job commands rules files can name. check-file
// needs a GitHub client and is left out without one.
func builtinCommands(gh *github.Client) *jobs.CommandRegistry {
	reg := jobs.NewCommandRegistry()
	_ = reg.Register(jobs.Command{
		Name:   "wait",
		Schema: jobs.NewSchema().Required("duration").Matching("duration", `[0-9]+(ms|s|m)`).MustBuild(),
		Run: func(ctx context.Context, p map[string]string) (string, error) {
			d, err := time.ParseDuration(p["duration"])
			if err != nil {
				return "", err
			}
			select {
			case <-time.After(d):
				return "waited " + d.String(), nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	})
	if gh != nil {
		_ = reg.Register(jobs.Command{
			Name:   "check-file",
			Schema: jobs.NewSchema().Required("owner").Required("repo").Required("sha").Required("path").MustBuild(),
			Run: func(ctx context.Context, p map[string]string) (string, error) {
				data, err := gh.ReadFile(ctx, p["owner"], p["repo"], p["sha"], p["path"])
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("%s present (%d bytes)", p["path"], len(data)), nil
			},
		})
	}
	return reg
}

const finalNewlinePattern = "**/*.{go,md,txt,yaml,yml,json,toml}"

// builtinAutofixes are the transforms rules files can name.
var builtinAutofixes = map[string]autofix.Registration{
	"final-newline": {
		Name:      "Final newline",
		Transform: ensureFinalNewline,
	},
}

func ensureFinalNewline(ctx context.Context, proj project.Project, _ *pushtest.Invocation) (autofix.TransformResult, error) {
	files, err := proj.Files(ctx, finalNewlinePattern)
	if err != nil {
		return autofix.TransformResult{}, err
	}
	fixed := 0
	for _, path := range files {
		data, err := proj.ReadFile(ctx, path)
		if err != nil {
			return autofix.TransformResult{}, err
		}
		if len(data) == 0 || data[len(data)-1] == '\n' {
			continue
		}
		if err := proj.WriteFile(ctx, path, append(data, '\n')); err != nil {
			return autofix.TransformResult{}, err
		}
		fixed++
	}
	if fixed == 0 {
		return autofix.TransformResult{}, nil
	}
	return autofix.TransformResult{Edited: true, Message: fmt.Sprintf("added a final newline to %d files", fixed)}, nil
}

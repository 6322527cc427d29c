// Package jobs fans a command out over many parameter sets, either in
// process or as a Temporal workflow.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownCommand is returned for jobs naming an unregistered command.
var ErrUnknownCommand = errors.New("unknown command")

// CommandFunc runs one task with bound parameters and returns its output.
type CommandFunc func(ctx context.Context, params map[string]string) (string, error)

// Command is a named, parameterized unit of work.
type Command struct {
	Name   string
	Schema *ParameterSchema
	Run    CommandFunc
}

// CommandRegistry resolves commands by name.
type CommandRegistry struct {
	mu   sync.RWMutex
	cmds map[string]Command
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{cmds: make(map[string]Command)}
}

// Register adds cmd. Names are unique.
func (r *CommandRegistry) Register(cmd Command) error {
	if cmd.Name == "" || cmd.Run == nil {
		return errors.New("command needs a name and a run function")
	}
	if cmd.Schema == nil {
		cmd.Schema = NewSchema().MustBuild()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cmds[cmd.Name]; ok {
		return fmt.Errorf("command %q already registered", cmd.Name)
	}
	r.cmds[cmd.Name] = cmd
	return nil
}

// Get returns the command called name.
func (r *CommandRegistry) Get(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.cmds[name]
	return cmd, ok
}

// Names returns registered command names, sorted.
func (r *CommandRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.cmds))
	for n := range r.cmds {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Bind checks params against the schema of the command called name.
func (r *CommandRegistry) Bind(name string, params map[string]string) (Command, map[string]string, error) {
	cmd, ok := r.Get(name)
	if !ok {
		return Command{}, nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	bound, err := cmd.Schema.Bind(params)
	if err != nil {
		return Command{}, nil, fmt.Errorf("command %s: %w", name, err)
	}
	return cmd, bound, nil
}

// Job runs Command once per entry of Parameters.
type Job struct {
	ID         string
	Name       string
	Command    string
	Parameters []map[string]string
}

// TaskResult is the outcome of one task.
type TaskResult struct {
	Index  int
	Output string
	// Error is the task's failure message; empty on success.
	Error string
}

// JobResult collects task results in parameter order.
type JobResult struct {
	JobID  string
	Tasks  []TaskResult
	Failed int
}

// Err summarizes failed tasks.
func (r *JobResult) Err() error {
	if r.Failed == 0 {
		return nil
	}
	return fmt.Errorf("job %s: %d of %d tasks failed", r.JobID, r.Failed, len(r.Tasks))
}

// Dispatcher runs jobs.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) (*JobResult, error)
}

// prepare fills the job id and binds every parameter set up front, so a
// bad parameter fails the job before any task runs.
func prepare(reg *CommandRegistry, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	var errs []error
	for i, params := range job.Parameters {
		if _, _, err := reg.Bind(job.Command, params); err != nil {
			if errors.Is(err, ErrUnknownCommand) {
				return err
			}
			errs = append(errs, fmt.Errorf("task %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// LocalDispatcher runs tasks in process, at most Concurrency at a time.
type LocalDispatcher struct {
	registry    *CommandRegistry
	concurrency int
	logger      *zap.Logger
}

func NewLocalDispatcher(reg *CommandRegistry, concurrency int, logger *zap.Logger) *LocalDispatcher {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalDispatcher{registry: reg, concurrency: concurrency, logger: logger}
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, job Job) (*JobResult, error) {
	if err := prepare(d.registry, &job); err != nil {
		return nil, err
	}
	res := &JobResult{JobID: job.ID, Tasks: make([]TaskResult, len(job.Parameters))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, params := range job.Parameters {
		g.Go(func() error {
			res.Tasks[i] = runTask(gctx, d.registry, job.Command, i, params)
			return nil
		})
	}
	_ = g.Wait()

	for _, t := range res.Tasks {
		if t.Error != "" {
			res.Failed++
		}
	}
	d.logger.Info("job finished",
		zap.String("job.id", job.ID),
		zap.String("command", job.Command),
		zap.Int("tasks", len(res.Tasks)),
		zap.Int("failed", res.Failed))
	return res, ctx.Err()
}

func runTask(ctx context.Context, reg *CommandRegistry, command string, index int, params map[string]string) TaskResult {
	res := TaskResult{Index: index}
	cmd, bound, err := reg.Bind(command, params)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	out, err := cmd.Run(ctx, bound)
	res.Output = out
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

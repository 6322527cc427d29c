package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"
)

// DefaultTaskQueue is the Temporal task queue for job workflows.
const DefaultTaskQueue = "sdm-jobs"

// TaskInput is the argument of RunCommandActivity.
type TaskInput struct {
	Command    string
	Index      int
	Parameters map[string]string
}

// Activities holds the activities of CommandWorkflow.
type Activities struct {
	Registry *CommandRegistry
}

// RunCommandActivity runs one task. Parameter errors are not retried; a
// command failure is reported in the TaskResult rather than failing the
// activity, so one bad task does not fail the job.
func (a *Activities) RunCommandActivity(ctx context.Context, in TaskInput) (TaskResult, error) {
	logger := activity.GetLogger(ctx)
	cmd, bound, err := a.Registry.Bind(in.Command, in.Parameters)
	if err != nil {
		return TaskResult{}, temporal.NewNonRetryableApplicationError(err.Error(), "InvalidParameters", err)
	}
	logger.Info("Running command", "command", in.Command, "index", in.Index)
	out, err := cmd.Run(ctx, bound)
	res := TaskResult{Index: in.Index, Output: out}
	if err != nil {
		res.Error = err.Error()
	}
	return res, nil
}

// CommandWorkflow fans job out as one activity per parameter set and
// collects the results in order.
func CommandWorkflow(ctx workflow.Context, job Job) (*JobResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting job", "job", job.ID, "command", job.Command, "tasks", len(job.Parameters))

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	})

	var a *Activities
	futures := make([]workflow.Future, len(job.Parameters))
	for i, params := range job.Parameters {
		futures[i] = workflow.ExecuteActivity(ctx, a.RunCommandActivity, TaskInput{
			Command:    job.Command,
			Index:      i,
			Parameters: params,
		})
	}

	res := &JobResult{JobID: job.ID, Tasks: make([]TaskResult, len(futures))}
	var errs []error
	for i, f := range futures {
		var tr TaskResult
		if err := f.Get(ctx, &tr); err != nil {
			errs = append(errs, fmt.Errorf("task %d: %w", i, err))
			tr = TaskResult{Index: i, Error: err.Error()}
		}
		if tr.Error != "" {
			res.Failed++
		}
		res.Tasks[i] = tr
	}
	logger.Info("Job complete", "job", job.ID, "failed", res.Failed)
	return res, errors.Join(errs...)
}

// TemporalDispatcher starts CommandWorkflow and waits for its result.
type TemporalDispatcher struct {
	client    client.Client
	registry  *CommandRegistry
	taskQueue string
	logger    *zap.Logger
}

// NewTemporalDispatcher validates jobs against reg before starting them.
// Workers serving taskQueue must register the same commands.
func NewTemporalDispatcher(c client.Client, reg *CommandRegistry, taskQueue string, logger *zap.Logger) *TemporalDispatcher {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TemporalDispatcher{client: c, registry: reg, taskQueue: taskQueue, logger: logger}
}

func (d *TemporalDispatcher) Dispatch(ctx context.Context, job Job) (*JobResult, error) {
	if err := prepare(d.registry, &job); err != nil {
		return nil, err
	}
	run, err := d.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        "job-" + job.ID,
		TaskQueue: d.taskQueue,
	}, CommandWorkflow, job)
	if err != nil {
		return nil, fmt.Errorf("starting job workflow: %w", err)
	}
	d.logger.Info("job workflow started",
		zap.String("job.id", job.ID),
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()))

	var res JobResult
	if err := run.Get(ctx, &res); err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	return &res, nil
}

// RegisterWorker registers the job workflow and activities on w.
func RegisterWorker(w worker.Registry, reg *CommandRegistry) {
	w.RegisterWorkflow(CommandWorkflow)
	w.RegisterActivity(&Activities{Registry: reg})
}

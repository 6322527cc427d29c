// Package hooks runs the pre and post goal scripts a repository may carry.
//
// A hook is an executable at <checkout>/.atomist/hooks/{stage}-{environment}-{goal}.
// It runs with the hooks directory as its working directory and finds the
// checkout root in $SDM_CHECKOUT. A missing script is skipped; a non-zero
// exit fails the goal.
package hooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sdmd/internal/goal"
)

// Stage is when a hook runs relative to the goal.
type Stage string

const (
	StagePre  Stage = "pre"
	StagePost Stage = "post"
)

// Request describes one hook invocation.
type Request struct {
	BaseDir string
	Stage   Stage
	Goal    *goal.Goal
	// Env is added to the hook's environment.
	Env map[string]string
	// Output receives the hook's combined output as it runs. May be nil.
	Output io.Writer
}

// Result is the outcome of one hook invocation.
type Result struct {
	Name     string
	Path     string
	Skipped  bool
	ExitCode int
	Output   string
	Duration time.Duration
}

// Failed reports whether the hook ran and exited non-zero.
func (r Result) Failed() bool { return !r.Skipped && r.ExitCode != 0 }

const waitDelay = 2 * time.Second

// CheckoutEnv names the variable holding the checkout root.
const CheckoutEnv = "SDM_CHECKOUT"


// Runner executes hooks.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// ScriptRunner runs hook scripts as subprocesses.
type ScriptRunner struct {
	config *Config
	logger *zap.Logger
}

// NewScriptRunner returns a runner using cfg, or DefaultConfig when nil.
func NewScriptRunner(cfg *Config, logger *zap.Logger) *ScriptRunner {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScriptRunner{config: cfg, logger: logger}
}

// Path returns where the hook for req would live.
func (r *ScriptRunner) Path(req Request) string {
	return filepath.Join(req.BaseDir, r.config.Dir, req.Goal.HookName(string(req.Stage)))
}

// Run executes the hook for req. The error is non-nil only when the hook
// could not be started or was cancelled; exit codes are reported in Result.
func (r *ScriptRunner) Run(ctx context.Context, req Request) (Result, error) {
	if req.Goal == nil {
		return Result{}, errors.New("hook request has no goal")
	}
	res := Result{Name: req.Goal.HookName(string(req.Stage)), Path: r.Path(req)}

	info, err := os.Stat(res.Path)
	if errors.Is(err, os.ErrNotExist) {
		res.Skipped = true
		r.logger.Debug("no hook script", zap.String("hook", res.Name))
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("hook %s: %w", res.Name, err)
	}
	if info.IsDir() {
		return res, fmt.Errorf("hook %s is a directory", res.Name)
	}

	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	var buf bytes.Buffer
	out := io.Writer(&buf)
	if req.Output != nil {
		out = io.MultiWriter(&buf, req.Output)
	}

	script, err := filepath.Abs(res.Path)
	if err != nil {
		return res, fmt.Errorf("hook %s: %w", res.Name, err)
	}
	checkout, err := filepath.Abs(req.BaseDir)
	if err != nil {
		return res, fmt.Errorf("hook %s: %w", res.Name, err)
	}

	cmd := exec.CommandContext(ctx, script)
	cmd.Dir = filepath.Dir(script)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(), CheckoutEnv+"="+checkout)
	cmd.Env = append(cmd.Env, envList(req.Env)...)
	// Orphaned children may hold the output pipes open after a kill.
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err = cmd.Run()
	res.Duration = time.Since(start)
	res.Output = buf.String()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return res, fmt.Errorf("hook %s: %w", res.Name, ctx.Err())
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("hook %s: %w", res.Name, err)
	}

	r.logger.Info("hook finished",
		zap.String("hook", res.Name),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

var _ Runner = (*ScriptRunner)(nil)

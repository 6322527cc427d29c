package hooks

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/sdmd/internal/goal"
)

func writeHook(t *testing.T, base, name, body string) {
	t.Helper()
	dir := filepath.Join(base, DefaultDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body+"\n"), 0o755))
}

func skipOnWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("hook scripts need a POSIX shell")
	}
}

func TestScriptRunner_MissingHookIsSkipped(t *testing.T) {
	r := NewScriptRunner(nil, nil)
	g := goal.New(goal.Definition{UniqueName: "build"})

	res, err := r.Run(context.Background(), Request{BaseDir: t.TempDir(), Stage: StagePre, Goal: g})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.False(t, res.Failed())
	assert.Equal(t, "pre-code-build", res.Name)
}

func TestScriptRunner_ExitCode(t *testing.T) {
	skipOnWindows(t)
	base := t.TempDir()
	writeHook(t, base, "pre-code-build", `echo "checking $SDM_GOAL"; exit 7`)

	var streamed bytes.Buffer
	r := NewScriptRunner(nil, nil)
	g := goal.New(goal.Definition{UniqueName: "build"})
	res, err := r.Run(context.Background(), Request{
		BaseDir: base,
		Stage:   StagePre,
		Goal:    g,
		Env:     map[string]string{"SDM_GOAL": "build"},
		Output:  &streamed,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)
	assert.True(t, res.Failed())
	assert.Equal(t, "checking build\n", res.Output)
	assert.Equal(t, res.Output, streamed.String())
}

func TestScriptRunner_RunsInHooksDir(t *testing.T) {
	skipOnWindows(t)
	base := t.TempDir()
	g := goal.New(goal.Definition{UniqueName: "Deploy App", Environment: goal.EnvironmentStaging})
	writeHook(t, base, "post-staging-deploy_app", `touch ran; touch "$SDM_CHECKOUT/checkout-ran"; pwd -P`)

	res, err := NewScriptRunner(nil, nil).Run(context.Background(), Request{BaseDir: base, Stage: StagePost, Goal: g})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	hooksDir, err := filepath.EvalSymlinks(filepath.Join(base, DefaultDir))
	require.NoError(t, err)
	assert.Equal(t, hooksDir+"\n", res.Output)
	assert.FileExists(t, filepath.Join(base, DefaultDir, "ran"))
	assert.FileExists(t, filepath.Join(base, "checkout-ran"))
	assert.NoFileExists(t, filepath.Join(base, "ran"))
}

func TestScriptRunner_Timeout(t *testing.T) {
	skipOnWindows(t)
	base := t.TempDir()
	writeHook(t, base, "pre-code-slow", "exec sleep 5")

	r := NewScriptRunner(&Config{Dir: DefaultDir, Timeout: 50 * time.Millisecond}, nil)
	g := goal.New(goal.Definition{UniqueName: "slow"})
	_, err := r.Run(context.Background(), Request{BaseDir: base, Stage: StagePre, Goal: g})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"default", *DefaultConfig(), false},
		{"empty dir", Config{}, true},
		{"absolute", Config{Dir: "/etc/hooks"}, true},
		{"escapes", Config{Dir: "../hooks"}, true},
		{"negative timeout", Config{Dir: "hooks", Timeout: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

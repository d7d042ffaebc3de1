package beforerun

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/runctl/internal/common/logger"
	"github.com/kandev/runctl/internal/execution"
	"github.com/kandev/runctl/internal/process"
)

type dirProfile struct{ dir string }

func (p dirProfile) Name() string { return "p" }
func (p dirProfile) Command() process.Command {
	return process.Command{Line: "true", Dir: p.dir, Env: []string{"STEP_VAR=from-profile"}}
}

func envIn(dir string) *execution.Environment {
	return &execution.Environment{ExecutionID: 7, Mode: execution.ModeRun, Profile: dirProfile{dir: dir}}
}

func step(id string, opts map[string]string) execution.BeforeRunStep {
	return execution.BeforeRunStep{ProviderID: id, Ordinal: 1, Options: opts}
}

func TestProviders(t *testing.T) {
	ids := map[string]bool{}
	for _, p := range Providers(logger.NewNop()) {
		ids[p.ID()] = true
	}
	assert.Equal(t, map[string]bool{ShellID: true, RequireFilesID: true}, ids)
}

func TestShell_RunsInProfileDir(t *testing.T) {
	dir := t.TempDir()
	s := NewShell(logger.NewNop())
	err := s.Execute(context.Background(), nil, envIn(dir), step(ShellID, map[string]string{
		"script": `printf "%s-%s" "$RUNCTL_EXECUTION_ID" "$STEP_VAR" > marker`,
	}))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "marker"))
	require.NoError(t, err)
	assert.Equal(t, "7-from-profile", string(data))
}

func TestShell_FailureCarriesOutput(t *testing.T) {
	s := NewShell(logger.NewNop())
	err := s.Execute(context.Background(), nil, envIn(t.TempDir()), step(ShellID, map[string]string{
		"script": "echo generator broke >&2; exit 2",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generator broke")
}

func TestShell_Timeout(t *testing.T) {
	s := NewShell(logger.NewNop())
	start := time.Now()
	err := s.Execute(context.Background(), nil, envIn(""), step(ShellID, map[string]string{
		"script": "sleep 5", "timeout": "100ms",
	}))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestShell_RejectsBadOptions(t *testing.T) {
	s := NewShell(logger.NewNop())
	assert.Error(t, s.Execute(context.Background(), nil, envIn(""), step(ShellID, nil)))
	assert.Error(t, s.Execute(context.Background(), nil, envIn(""), step(ShellID, map[string]string{
		"script": "true", "timeout": "soon",
	})))
}

func TestRequireFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x"), 0o644))
	abs := filepath.Join(dir, "go.mod")

	p := RequireFiles{}
	assert.NoError(t, p.Execute(context.Background(), nil, envIn(dir), step(RequireFilesID, map[string]string{
		"paths": "go.mod, " + abs + ",",
	})))

	err := p.Execute(context.Background(), nil, envIn(dir), step(RequireFilesID, map[string]string{
		"paths": "go.mod,go.sum,Makefile",
	}))
	require.Error(t, err)
	assert.Equal(t, "missing required files: go.sum, Makefile", err.Error())
}

func TestRequireFiles_HonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RequireFiles{}.Execute(ctx, nil, envIn(""), step(RequireFilesID, map[string]string{"paths": "a"}))
	assert.ErrorIs(t, err, context.Canceled)
}

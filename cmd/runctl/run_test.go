//go:build unix

package main

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/runctl/internal/beforerun"
	"github.com/kandev/runctl/internal/common/config"
	"github.com/kandev/runctl/internal/common/logger"
	"github.com/kandev/runctl/internal/confirm"
	"github.com/kandev/runctl/internal/execution"
	"github.com/kandev/runctl/internal/process"
	"github.com/kandev/runctl/internal/profiles"
)

func newTestManager(t *testing.T, cfgs []config.ProfileConfig) (*execution.Manager, *profiles.Catalog) {
	t.Helper()
	log := logger.NewNop()

	catalog, err := profiles.NewCatalog(cfgs, t.TempDir())
	require.NoError(t, err)

	m, err := execution.NewManager(execution.Options{
		Config: config.ExecutionConfig{
			RestartInitialDelayMs: 5,
			RestartPollIntervalMs: 10,
			WorkerPoolSize:        4,
		},
		Runners:   execution.NewRunnerRegistry(process.NewRunner(log, process.RunnerOptions{GracePeriod: 200 * time.Millisecond})),
		Providers: execution.NewProviderRegistry(beforerun.Providers(log)...),
		Gate:      confirm.Approve,
		Logger:    log,
	})
	require.NoError(t, err)
	t.Cleanup(m.Dispose)
	return m, catalog
}

func followWithTimeout(t *testing.T, m *execution.Manager, s *execution.ConfigSettings, interrupts chan os.Signal) (int, string, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var stdout, stderr bytes.Buffer
	code, err := follow(ctx, m, s, execution.ModeRun, &stdout, &stderr, interrupts)
	require.NoError(t, err)
	return code, stdout.String(), stderr.String()
}

func TestFollow_ExitCodeAndOutput(t *testing.T) {
	m, catalog := newTestManager(t, []config.ProfileConfig{
		{Name: "fail", Command: "echo out; echo err >&2; exit 3"},
	})
	s, ok := catalog.Get("fail")
	require.True(t, ok)

	code, stdout, stderr := followWithTimeout(t, m, s, make(chan os.Signal))

	assert.Equal(t, 3, code)
	assert.Contains(t, stdout, "out\n")
	assert.Contains(t, stderr, "err\n")
}

func TestFollow_BeforeRunFailure(t *testing.T) {
	m, catalog := newTestManager(t, []config.ProfileConfig{{
		Name:    "needs-env",
		Command: "echo never",
		BeforeRun: []config.BeforeRunEntry{
			{Provider: beforerun.RequireFilesID, Options: map[string]string{"paths": ".env.local"}},
		},
	}})
	s, _ := catalog.Get("needs-env")

	code, stdout, stderr := followWithTimeout(t, m, s, make(chan os.Signal))

	assert.Equal(t, exitNotStarted, code)
	assert.Empty(t, stdout)
	assert.True(t, strings.HasPrefix(stderr, "needs-env: not started"), stderr)
}

func TestFollow_InterruptStops(t *testing.T) {
	m, catalog := newTestManager(t, []config.ProfileConfig{
		{Name: "server", Command: "echo ready; sleep 30"},
	})
	s, _ := catalog.Get("server")

	interrupts := make(chan os.Signal, 1)
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if sessions := m.Sessions(); len(sessions) == 1 && sessions[0].Handle() != nil {
				// let follow pick up the started event first
				time.Sleep(200 * time.Millisecond)
				interrupts <- os.Interrupt
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	start := time.Now()
	code, stdout, stderr := followWithTimeout(t, m, s, interrupts)

	assert.NotZero(t, code)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Contains(t, stdout, "ready")
	assert.Contains(t, stderr, "server: stopping")
}

func TestPrintConfigs(t *testing.T) {
	catalog, err := profiles.NewCatalog([]config.ProfileConfig{
		{Name: "server", Command: "go run ./cmd/server", Singleton: true},
		{
			Name:             "tests",
			Command:          "go test ./...",
			IncompatibleWith: []string{"server"},
			BeforeRun:        []config.BeforeRunEntry{{Provider: beforerun.ShellID, Options: map[string]string{"script": "true"}}},
		},
	}, t.TempDir())
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, printConfigs(&out, catalog))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"NAME", "SINGLETON", "INCOMPATIBLE", "WITH", "BEFORE", "RUN", "COMMAND"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"server", "true", "tests", "-", "go", "run", "./cmd/server"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"tests", "false", "server", "shell", "go", "test", "./..."}, strings.Fields(lines[2]))
}

func TestPrintConfigs_Empty(t *testing.T) {
	catalog, err := profiles.NewCatalog(nil, t.TempDir())
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, printConfigs(&out, catalog))
	assert.Equal(t, "No profiles configured.\n", out.String())
}

func TestDisabledConfirmations(t *testing.T) {
	assert.Empty(t, disabledConfirmations(config.ConfirmationConfig{RestartSingleton: true, StopIncompatible: true}))
	assert.Equal(t,
		[]execution.ConfirmKind{execution.ConfirmRestartSingleton, execution.ConfirmStopIncompatible},
		disabledConfirmations(config.ConfirmationConfig{}))
}

func TestExecute_UnknownMode(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"run", "server", "--mode", "coverage"})
	root.SetOut(&bytes.Buffer{})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown mode "coverage"`)
}

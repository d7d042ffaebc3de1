package preferences

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/runctl/internal/execution"
)

func TestFileStore_DefaultsToAsking(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "prefs.yaml"))
	require.NoError(t, err)
	assert.True(t, s.RequiresConfirmation(execution.ConfirmRestartSingleton))
	assert.True(t, s.RequiresConfirmation(execution.ConfirmStopIncompatible))
}

func TestFileStore_PersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "prefs.yaml")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SetRequiresConfirmation(execution.ConfirmRestartSingleton, false))
	assert.False(t, s.RequiresConfirmation(execution.ConfirmRestartSingleton))

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.False(t, reopened.RequiresConfirmation(execution.ConfirmRestartSingleton))
	assert.True(t, reopened.RequiresConfirmation(execution.ConfirmStopIncompatible))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "restart-singleton: false")
}

func TestFileStore_MergesConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.yaml")
	a, err := Open(path)
	require.NoError(t, err)
	b, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, a.SetRequiresConfirmation(execution.ConfirmRestartSingleton, false))
	require.NoError(t, b.SetRequiresConfirmation(execution.ConfirmStopIncompatible, false))

	c, err := Open(path)
	require.NoError(t, err)
	assert.False(t, c.RequiresConfirmation(execution.ConfirmRestartSingleton))
	assert.False(t, c.RequiresConfirmation(execution.ConfirmStopIncompatible))
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "prefs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("confirmations: [nope"), 0o600))
	_, err = Open(path)
	assert.Error(t, err)
}

func TestWithDisabled(t *testing.T) {
	base := execution.NewMemoryPreferences()
	assert.Same(t, base, WithDisabled(base))

	layered := WithDisabled(base, execution.ConfirmStopIncompatible)
	assert.False(t, layered.RequiresConfirmation(execution.ConfirmStopIncompatible))
	assert.True(t, layered.RequiresConfirmation(execution.ConfirmRestartSingleton))

	require.NoError(t, layered.SetRequiresConfirmation(execution.ConfirmRestartSingleton, false))
	assert.False(t, base.RequiresConfirmation(execution.ConfirmRestartSingleton))
}

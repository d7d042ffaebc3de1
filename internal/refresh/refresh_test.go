package refresh

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/runctl/internal/common/logger"
	"github.com/kandev/runctl/internal/events"
	"github.com/kandev/runctl/internal/events/bus"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRefresh_ReportsChangedRoots(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(a, "one.txt"), "1")
	writeFile(t, filepath.Join(a, ".git", "HEAD"), "ignored")
	writeFile(t, filepath.Join(b, "sub", "two.txt"), "22")

	r := New([]string{a, b}, nil, logger.NewNop())
	changed, err := r.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, changed, 2)
	assert.Equal(t, 1, changed[a].Files)
	assert.Equal(t, int64(2), changed[b].Bytes)

	changed, err = r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Empty(t, changed)

	writeFile(t, filepath.Join(b, "three.txt"), "333")
	changed, err = r.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, 2, changed[b].Files)
}

func TestRefresh_MissingRootIsEmpty(t *testing.T) {
	r := New([]string{filepath.Join(t.TempDir(), "gone")}, nil, logger.NewNop())
	changed, err := r.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, changed, 1)
	for _, s := range changed {
		assert.Zero(t, s.Files)
	}
}

func TestRefresher_PublishesAndCoalesces(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "f"), "x")

	eventBus := bus.NewMemoryEventBus(logger.NewNop())
	defer eventBus.Close()
	published := make(chan *bus.Event, 8)
	_, err := eventBus.Subscribe(events.WorkspaceRefreshed, func(_ context.Context, e *bus.Event) error {
		published <- e
		return nil
	})
	require.NoError(t, err)

	r := New([]string{root}, eventBus, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	for i := 0; i < 10; i++ {
		r.RequestRefresh()
	}

	select {
	case e := <-published:
		assert.Equal(t, events.WorkspaceRefreshed, e.Type)
		assert.Contains(t, e.Data, "roots")
	case <-time.After(2 * time.Second):
		t.Fatal("no refresh published")
	}
	assert.Eventually(t, func() bool { return r.Scans() >= 1 }, time.Second, 10*time.Millisecond)
}

func TestRequestRefresh_Coalesces(t *testing.T) {
	r := New(nil, nil, logger.NewNop())
	for i := 0; i < 10; i++ {
		r.RequestRefresh()
	}
	assert.Len(t, r.requests, 1)
}

func TestRefresher_StopWithoutStart(t *testing.T) {
	r := New(nil, nil, logger.NewNop())
	r.Stop()
	r.RequestRefresh()
}

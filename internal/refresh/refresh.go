// Package refresh rescans workspace roots after processes terminate, so
// files a process wrote become visible to subscribers.
package refresh

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/runctl/internal/common/logger"
	"github.com/kandev/runctl/internal/events"
	"github.com/kandev/runctl/internal/events/bus"
)

// skipped directory names
var skipDirs = map[string]bool{".git": true, "node_modules": true, ".idea": true}

// Snapshot summarizes the files under one root.
type Snapshot struct {
	Files    int       `json:"files"`
	Bytes    int64     `json:"bytes"`
	Modified time.Time `json:"modified"`
}

func (s Snapshot) equal(o Snapshot) bool {
	return s.Files == o.Files && s.Bytes == o.Bytes && s.Modified.Equal(o.Modified)
}

// Refresher coalesces refresh requests and rescans in the background.
// It implements execution.Refresher.
type Refresher struct {
	roots  []string
	bus    bus.EventBus
	logger *logger.Logger

	requests chan struct{}
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
	scans    atomic.Int64

	mu   sync.Mutex
	last map[string]Snapshot
}

func New(roots []string, eventBus bus.EventBus, log *logger.Logger) *Refresher {
	return &Refresher{
		roots:    roots,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "refresher")),
		requests: make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		last:     make(map[string]Snapshot),
	}
}

// Start runs the refresh loop until ctx ends or Stop is called.
func (r *Refresher) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.loop(ctx)
}

// Stop ends the loop and waits for an in-flight scan.
func (r *Refresher) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	if r.started.Load() {
		<-r.done
	}
}

// RequestRefresh schedules a scan. Requests made while one is pending are
// merged into it.
func (r *Refresher) RequestRefresh() {
	select {
	case r.requests <- struct{}{}:
	default:
	}
}

// Scans reports how many scans have completed.
func (r *Refresher) Scans() int64 { return r.scans.Load() }

func (r *Refresher) loop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-r.requests:
			if _, err := r.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("workspace refresh failed", zap.Error(err))
			}
		}
	}
}

// Refresh scans every root now and publishes the roots whose snapshot
// changed. It returns the changed roots.
func (r *Refresher) Refresh(ctx context.Context) (map[string]Snapshot, error) {
	snaps := make([]Snapshot, len(r.roots))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, root := range r.roots {
		g.Go(func() error {
			s, err := scan(gctx, root)
			snaps[i] = s
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	changed := make(map[string]Snapshot)
	r.mu.Lock()
	for i, root := range r.roots {
		if prev, ok := r.last[root]; !ok || !prev.equal(snaps[i]) {
			changed[root] = snaps[i]
		}
		r.last[root] = snaps[i]
	}
	r.mu.Unlock()
	r.scans.Add(1)

	if len(changed) > 0 && r.bus != nil {
		data := map[string]any{"roots": changed, "changed": len(changed)}
		if err := r.bus.Publish(ctx, events.WorkspaceRefreshed, bus.NewEvent(events.WorkspaceRefreshed, "refresh", data)); err != nil {
			r.logger.Debug("failed to publish refresh", zap.Error(err))
		}
	}
	r.logger.Debug("workspace refreshed", zap.Int("roots", len(r.roots)), zap.Int("changed", len(changed)))
	return changed, nil
}

func scan(ctx context.Context, root string) (Snapshot, error) {
	var s Snapshot
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// vanished or unreadable entries are skipped
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		s.Files++
		s.Bytes += info.Size()
		if mt := info.ModTime().UTC(); mt.After(s.Modified) {
			s.Modified = mt
		}
		return nil
	})
	return s, err
}

package process

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// Stats is a point-in-time resource sample of a running process.
type Stats struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	NumThreads int32   `json:"num_threads"`
	Children   int     `json:"children"`
}

// Stats samples the process. It fails once the process is gone.
func (h *Handle) Stats(ctx context.Context) (Stats, error) {
	if h.IsTerminated() {
		return Stats{}, fmt.Errorf("process %d has terminated", h.PID())
	}
	p, err := process.NewProcessWithContext(ctx, int32(h.PID()))
	if err != nil {
		return Stats{}, fmt.Errorf("inspect process %d: %w", h.PID(), err)
	}

	st := Stats{PID: h.PID()}
	if st.CPUPercent, err = p.CPUPercentWithContext(ctx); err != nil {
		return Stats{}, fmt.Errorf("cpu of process %d: %w", h.PID(), err)
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
		st.RSSBytes = mem.RSS
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		st.NumThreads = n
	}
	if children, err := p.ChildrenWithContext(ctx); err == nil {
		st.Children = len(children)
	}
	return st, nil
}

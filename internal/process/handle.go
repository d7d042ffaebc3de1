// Package process runs shell commands as execution sessions.
//
// Every command is spawned through "sh -lc" in its own process group. Stopping
// sends SIGTERM to the group and escalates to SIGKILL after a grace period.
// Output is kept in a bounded ring buffer.
package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/runctl/internal/common/logger"
	"github.com/kandev/runctl/internal/execution"
)

const defaultGracePeriod = 2 * time.Second

// Spec is what to spawn.
type Spec struct {
	Command string
	Dir     string
	Env     []string

	// DetachOnStop makes Detach the default way to stop the process.
	DetachOnStop bool
	GracePeriod  time.Duration
	BufferBytes  int64
}

// Handle is a spawned process. It implements execution.ProcessHandle and
// execution.KillableProcess.
type Handle struct {
	logger    *logger.Logger
	cmd       *exec.Cmd
	spec      Spec
	buffer    *ringBuffer
	startedAt time.Time
	done      chan struct{}

	mu          sync.Mutex
	notified    bool
	terminating bool
	terminated  bool
	detached    bool
	delivered   bool
	exitCode    int
	listeners   []execution.ProcessListener
	killTimer   *time.Timer
}

var _ execution.ProcessHandle = (*Handle)(nil)
var _ execution.KillableProcess = (*Handle)(nil)

// Start spawns spec and returns once the process is running. Termination
// events are held back until StartNotify.
func Start(spec Spec, log *logger.Logger) (*Handle, error) {
	if spec.Command == "" {
		return nil, errors.New("command is required")
	}
	if spec.GracePeriod <= 0 {
		spec.GracePeriod = defaultGracePeriod
	}

	// Not CommandContext: the process outlives the request that started it.
	cmd := exec.Command("sh", "-lc", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	h := &Handle{
		logger:    log.WithFields(zap.Int("pid", cmd.Process.Pid)),
		cmd:       cmd,
		spec:      spec,
		buffer:    newRingBuffer(spec.BufferBytes),
		startedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	h.logger.Debug("process started", zap.String("command", spec.Command), zap.String("dir", spec.Dir))

	var readers sync.WaitGroup
	readers.Add(2)
	go h.readOutput(&readers, stdout, "stdout")
	go h.readOutput(&readers, stderr, "stderr")
	go h.wait(&readers)
	return h, nil
}

func (h *Handle) PID() int              { return h.cmd.Process.Pid }
func (h *Handle) Command() string       { return h.spec.Command }
func (h *Handle) StartedAt() time.Time  { return h.startedAt }
func (h *Handle) DetachIsDefault() bool { return h.spec.DetachOnStop }
func (h *Handle) Output() []OutputChunk { return h.buffer.snapshot() }
func (h *Handle) Done() <-chan struct{} { return h.done }

// OutputSince returns the chunks appended after the one numbered seq.
func (h *Handle) OutputSince(seq uint64) []OutputChunk { return h.buffer.since(seq) }

func (h *Handle) StartNotify() {
	h.mu.Lock()
	if h.notified {
		h.mu.Unlock()
		return
	}
	h.notified = true
	h.mu.Unlock()
	h.deliverTerminated()
}

func (h *Handle) IsStartNotified() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.notified
}

func (h *Handle) IsTerminating() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminating && !h.terminated
}

func (h *Handle) IsTerminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

func (h *Handle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.terminated
}

func (h *Handle) AddListener(l execution.ProcessListener) {
	h.mu.Lock()
	if h.delivered {
		code := h.exitCode
		h.mu.Unlock()
		l.OnTerminated(h, code)
		return
	}
	h.listeners = append(h.listeners, l)
	h.mu.Unlock()
}

// Destroy sends SIGTERM to the process group and SIGKILL once the grace
// period runs out.
func (h *Handle) Destroy() {
	if !h.beginTermination() {
		return
	}
	if err := terminateGroup(h.cmd); err != nil {
		h.logger.Warn("failed to terminate process group", zap.Error(err))
	}
	h.mu.Lock()
	if !h.terminated {
		h.killTimer = time.AfterFunc(h.spec.GracePeriod, h.Kill)
	}
	h.mu.Unlock()
}

// Detach stops tracking the process and leaves it running.
func (h *Handle) Detach() {
	if !h.beginTermination() {
		return
	}
	h.mu.Lock()
	h.detached = true
	h.mu.Unlock()
	h.logger.Info("process detached")
	h.finish(0)
}

// Detached reports whether the process was let go rather than stopped.
func (h *Handle) Detached() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.detached
}

func (h *Handle) CanKill() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.terminated
}

func (h *Handle) Kill() {
	h.beginTermination()
	if h.IsTerminated() {
		return
	}
	if err := killGroup(h.cmd); err != nil {
		h.logger.Warn("failed to kill process group", zap.Error(err))
	}
}

// beginTermination marks the process as terminating and tells listeners. It
// reports false when termination had already begun.
func (h *Handle) beginTermination() bool {
	h.mu.Lock()
	if h.terminating || h.terminated {
		h.mu.Unlock()
		return false
	}
	h.terminating = true
	var listeners []execution.ProcessListener
	if h.notified {
		listeners = append(listeners, h.listeners...)
	}
	h.mu.Unlock()

	for _, l := range listeners {
		l.OnWillTerminate(h)
	}
	return true
}

func (h *Handle) readOutput(wg *sync.WaitGroup, r io.ReadCloser, stream string) {
	defer wg.Done()
	defer func() { _ = r.Close() }()

	buf := bufio.NewReader(r)
	data := make([]byte, 4096)
	for {
		n, err := buf.Read(data)
		if n > 0 {
			h.buffer.append(OutputChunk{Stream: stream, Data: string(data[:n]), Timestamp: time.Now().UTC()})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Debug("process output read error", zap.String("stream", stream), zap.Error(err))
			}
			return
		}
	}
}

// wait reaps the process. Pipes must be drained before cmd.Wait closes them.
func (h *Handle) wait(readers *sync.WaitGroup) {
	readers.Wait()
	err := h.cmd.Wait()
	code := exitStatus(err)
	h.logger.Debug("process exited", zap.Int("exit_code", code), zap.Error(err))
	close(h.done)
	h.finish(code)
}

// finish records termination once. A detached process is already finished
// when it later exits.
func (h *Handle) finish(code int) {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return
	}
	h.terminated = true
	h.exitCode = code
	if h.killTimer != nil {
		h.killTimer.Stop()
	}
	h.mu.Unlock()
	h.deliverTerminated()
}

// deliverTerminated notifies listeners once the process has both terminated
// and been start-notified.
func (h *Handle) deliverTerminated() {
	h.mu.Lock()
	if !h.terminated || !h.notified || h.delivered {
		h.mu.Unlock()
		return
	}
	h.delivered = true
	code := h.exitCode
	listeners := h.listeners
	h.listeners = nil
	h.mu.Unlock()

	for _, l := range listeners {
		l.OnTerminated(h, code)
	}
}

package execution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/kandev/runctl/internal/common/config"
	"github.com/kandev/runctl/internal/common/logger"
)

var nextFakePID atomic.Int32

// fakeHandle is a ProcessHandle whose termination is driven by the test.
type fakeHandle struct {
	mu            sync.Mutex
	pid           int
	notified      bool
	terminating   bool
	terminated    bool
	exitCode      int
	listeners     []ProcessListener
	detachDefault bool
	killable      bool
	stuck         bool
	exitDelay     time.Duration

	destroyed atomic.Int32
	detached  atomic.Int32
	killed    atomic.Int32
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{pid: int(nextFakePID.Add(1)) + 1000}
}

func (h *fakeHandle) StartNotify() {
	h.mu.Lock()
	h.notified = true
	h.mu.Unlock()
}

func (h *fakeHandle) IsStartNotified() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.notified
}

func (h *fakeHandle) Destroy() {
	h.destroyed.Add(1)
	h.beginTermination()
}

func (h *fakeHandle) Detach() {
	h.detached.Add(1)
	h.beginTermination()
}

func (h *fakeHandle) DetachIsDefault() bool { return h.detachDefault }
func (h *fakeHandle) CanKill() bool         { return h.killable }

func (h *fakeHandle) Kill() {
	h.killed.Add(1)
	h.exit(137)
}

func (h *fakeHandle) IsTerminating() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminating
}

func (h *fakeHandle) IsTerminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.terminated
}

func (h *fakeHandle) AddListener(l ProcessListener) {
	h.mu.Lock()
	if h.terminated {
		code := h.exitCode
		h.mu.Unlock()
		l.OnTerminated(h, code)
		return
	}
	h.listeners = append(h.listeners, l)
	h.mu.Unlock()
}

func (h *fakeHandle) snapshotListeners() []ProcessListener {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ProcessListener(nil), h.listeners...)
}

func (h *fakeHandle) beginTermination() {
	h.mu.Lock()
	if h.terminating || h.terminated {
		h.mu.Unlock()
		return
	}
	h.terminating = true
	stuck, delay := h.stuck, h.exitDelay
	h.mu.Unlock()

	for _, l := range h.snapshotListeners() {
		l.OnWillTerminate(h)
	}
	if stuck {
		return
	}
	if delay > 0 {
		time.AfterFunc(delay, func() { h.exit(0) })
		return
	}
	h.exit(0)
}

// exit terminates the process on its own, without a will-terminate notice.
func (h *fakeHandle) exit(code int) {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return
	}
	h.terminated = true
	h.exitCode = code
	h.mu.Unlock()
	for _, l := range h.snapshotListeners() {
		l.OnTerminated(h, code)
	}
}

// testProfile is a RunProfile that must stop for any profile named in stopFor.
type testProfile struct {
	name    string
	stopFor []string
}

func (p *testProfile) Name() string { return p.name }

func (p *testProfile) MustStopToRun(other RunProfile) bool {
	for _, n := range p.stopFor {
		if other != nil && other.Name() == n {
			return true
		}
	}
	return false
}

// fakeStarter produces descriptors backed by fakeHandles.
type fakeStarter struct {
	mu       sync.Mutex
	envs     []*Environment
	handles  []*fakeHandle
	err      error
	noDesc   bool
	noHandle bool
	prepare  func(h *fakeHandle)

	// stopOnDispose stops the process when its descriptor is disposed.
	stopOnDispose bool
}

func (s *fakeStarter) Execute(_ context.Context, _ RunState, env *Environment) (*Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
	if s.err != nil {
		return nil, s.err
	}
	if s.noDesc {
		return nil, nil
	}
	if s.noHandle {
		return NewDescriptor(env.Name(), nil), nil
	}
	h := newFakeHandle()
	if s.prepare != nil {
		s.prepare(h)
	}
	s.handles = append(s.handles, h)
	desc := NewDescriptor(env.Name(), h)
	if s.stopOnDispose {
		desc.OnDispose(func() { StopProcess(h) })
	}
	return desc, nil
}

func (s *fakeStarter) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envs)
}

func (s *fakeStarter) handle(i int) *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[i]
}

// fakeRunner runs every testProfile with its starter.
type fakeRunner struct {
	id      string
	starter *fakeStarter
	prepErr error
}

func (r *fakeRunner) ID() string { return r.id }

func (r *fakeRunner) CanRun(_ Mode, profile RunProfile) bool {
	_, ok := profile.(*testProfile)
	return ok
}

func (r *fakeRunner) Prepare(env *Environment) (RunState, Starter, error) {
	if r.prepErr != nil {
		return nil, nil, r.prepErr
	}
	return env.Name(), r.starter, nil
}

// funcProvider is a BeforeRunProvider backed by a function.
type funcProvider struct {
	id string
	fn func(env *Environment, step BeforeRunStep) error
}

func (p *funcProvider) ID() string { return p.id }

func (p *funcProvider) Execute(_ context.Context, _ *ConfigSettings, env *Environment, step BeforeRunStep) error {
	return p.fn(env, step)
}

// recorder collects lifecycle events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) types() []EventType {
	var out []EventType
	for _, ev := range r.all() {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) count(t EventType) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (r *recorder) waitFor(t *testing.T, typ EventType, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.count(typ) >= n }, 2*time.Second, 5*time.Millisecond,
		"waiting for %d %s events, got %v", n, typ, r.types())
}

func (r *recorder) index(typ EventType, executionID int64) int {
	for i, ev := range r.all() {
		if ev.Type == typ && ev.ExecutionID == executionID {
			return i
		}
	}
	return -1
}

type countingRefresher struct {
	n atomic.Int32
}

func (c *countingRefresher) RequestRefresh() { c.n.Add(1) }

type capturingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (c *capturingReporter) ReportLaunchError(_ *Environment, err error) {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
}

func (c *capturingReporter) all() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

// scriptedGate answers confirmations from a queue and records the requests.
type scriptedGate struct {
	mu       sync.Mutex
	answers  []ConfirmResult
	requests []ConfirmRequest
}

func (g *scriptedGate) Confirm(_ context.Context, req ConfirmRequest) (ConfirmResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if len(g.answers) == 0 {
		return ConfirmResult{}, errors.New("unexpected confirmation")
	}
	res := g.answers[0]
	g.answers = g.answers[1:]
	return res, nil
}

func (g *scriptedGate) asked() []ConfirmRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]ConfirmRequest(nil), g.requests...)
}

type testEnv struct {
	manager   *Manager
	runner    *fakeRunner
	starter   *fakeStarter
	providers *ProviderRegistry
	recorder  *recorder
	refresher *countingRefresher
	reporter  *capturingReporter
	metrics   *Metrics
	prefs     *MemoryPreferences
}

func newTestManager(t *testing.T, autoDispose bool, gate ConfirmationGate) *testEnv {
	t.Helper()
	starter := &fakeStarter{}
	te := &testEnv{
		runner:    &fakeRunner{id: "fake", starter: starter},
		starter:   starter,
		providers: NewProviderRegistry(),
		recorder:  &recorder{},
		refresher: &countingRefresher{},
		reporter:  &capturingReporter{},
		metrics:   NewMetrics(prometheus.NewRegistry()),
		prefs:     NewMemoryPreferences(),
	}
	m, err := NewManager(Options{
		Config: config.ExecutionConfig{
			RestartInitialDelayMs: 5,
			RestartPollIntervalMs: 10,
			WorkerPoolSize:        4,
			AutoDisposeTerminated: autoDispose,
		},
		Workspace:   NewWorkspace("test"),
		Runners:     NewRunnerRegistry(te.runner),
		Providers:   te.providers,
		Gate:        gate,
		Preferences: te.prefs,
		Reporter:    te.reporter,
		Refresher:   te.refresher,
		Metrics:     te.metrics,
		Logger:      logger.NewNop(),
	})
	require.NoError(t, err)
	m.Subscribe(te.recorder.listen)
	t.Cleanup(m.Dispose)
	te.manager = m
	return te
}

func newSettings(name string, singleton bool, stopFor ...string) *ConfigSettings {
	s := NewConfigSettings(name, &testProfile{name: name, stopFor: stopFor})
	s.Singleton = singleton
	return s
}

// launch starts settings through ExecuteConfiguration and waits for it to start.
func (te *testEnv) launch(t *testing.T, settings *ConfigSettings) *Session {
	t.Helper()
	before := te.recorder.count(EventStarted)
	require.NoError(t, te.manager.ExecuteConfiguration(context.Background(), settings, ModeRun, "local", nil))
	te.recorder.waitFor(t, EventStarted, before+1)
	evs := te.recorder.all()
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Type == EventStarted {
			return evs[i].Session
		}
	}
	t.Fatal("no started event")
	return nil
}

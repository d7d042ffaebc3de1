package execution

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/runctl/internal/common/logger"
	"github.com/kandev/runctl/internal/events"
	"github.com/kandev/runctl/internal/events/bus"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventStartScheduled EventType = "process_start_scheduled"
	EventStarting       EventType = "process_starting"
	EventStarted        EventType = "process_started"
	EventNotStarted     EventType = "process_not_started"
	EventTerminating    EventType = "process_terminating"
	EventTerminated     EventType = "process_terminated"
)

var eventSubjects = map[EventType]string{
	EventStartScheduled: events.ExecutionStartScheduled,
	EventStarting:       events.ExecutionStarting,
	EventStarted:        events.ExecutionStarted,
	EventNotStarted:     events.ExecutionNotStarted,
	EventTerminating:    events.ExecutionTerminating,
	EventTerminated:     events.ExecutionTerminated,
}

// Event is a lifecycle event. Session is nil until a descriptor exists.
type Event struct {
	Type        EventType
	Mode        Mode
	ExecutionID int64
	Name        string
	Settings    *ConfigSettings
	Session     *Session
	Handle      ProcessHandle
	ExitCode    int
	Err         error
	Time        time.Time
}

// Listener receives lifecycle events on the dispatcher goroutine, in emission
// order. Listeners must not block or call Manager methods that wait on the
// dispatcher.
type Listener func(Event)

// Refresher rescans externally observed state after a process terminates.
// RequestRefresh must not block.
type Refresher interface {
	RequestRefresh()
}

// Notifier fans lifecycle events out to listeners and mirrors them to the bus.
type Notifier struct {
	mu        sync.RWMutex
	listeners map[int]Listener
	nextID    int

	bus       bus.EventBus
	workspace *Workspace
	refresher Refresher
	metrics   *Metrics
	logger    *logger.Logger
}

func newNotifier(b bus.EventBus, ws *Workspace, r Refresher, m *Metrics, log *logger.Logger) *Notifier {
	return &Notifier{
		listeners: make(map[int]Listener),
		bus:       b,
		workspace: ws,
		refresher: r,
		metrics:   m,
		logger:    log.WithFields(zap.String("component", "lifecycle")),
	}
}

// Subscribe registers l and returns a function that removes it.
func (n *Notifier) Subscribe(l Listener) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.listeners[id] = l
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.listeners, id)
		n.mu.Unlock()
	}
}

func (n *Notifier) snapshot() []Listener {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ids := make([]int, 0, len(n.listeners))
	for id := range n.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Listener, len(ids))
	for i, id := range ids {
		out[i] = n.listeners[id]
	}
	return out
}

// emit delivers ev. Must run on the dispatcher.
func (n *Notifier) emit(ev Event) {
	ev.Time = time.Now().UTC()
	n.metrics.event(ev.Type)
	n.logger.Debug("lifecycle event",
		zap.String("type", string(ev.Type)),
		zap.Int64("execution_id", ev.ExecutionID),
		zap.String("name", ev.Name))

	for _, l := range n.snapshot() {
		n.deliver(l, ev)
	}
	n.mirror(ev)
}

func (n *Notifier) deliver(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("lifecycle listener panicked", zap.Any("panic", r))
		}
	}()
	l(ev)
}

func (n *Notifier) mirror(ev Event) {
	if n.bus == nil {
		return
	}
	data := map[string]any{
		"mode":         string(ev.Mode),
		"execution_id": ev.ExecutionID,
		"name":         ev.Name,
	}
	if ev.Session != nil {
		data["session_id"] = ev.Session.ID()
	}
	if ev.Handle != nil {
		data["pid"] = ev.Handle.PID()
	}
	if ev.Type == EventTerminated {
		data["exit_code"] = ev.ExitCode
	}
	if ev.Err != nil {
		data["error"] = ev.Err.Error()
	}
	subject := eventSubjects[ev.Type]
	if err := n.bus.Publish(context.Background(), subject, bus.NewEvent(subject, "runctl", data)); err != nil {
		n.logger.Debug("failed to mirror lifecycle event", zap.String("subject", subject), zap.Error(err))
	}
}

func sessionEvent(t EventType, s *Session) Event {
	return Event{
		Type:        t,
		Mode:        s.mode,
		ExecutionID: s.executionID,
		Name:        s.Name(),
		Settings:    s.settings,
		Session:     s,
		Handle:      s.Handle(),
	}
}

func envEvent(t EventType, env *Environment) Event {
	return Event{
		Type:        t,
		Mode:        env.Mode,
		ExecutionID: env.ExecutionID,
		Name:        env.Name(),
		Settings:    env.Settings,
	}
}

// terminating handles a "will terminate" notification. Must run on the dispatcher.
func (n *Notifier) terminating(s *Session) {
	if n.workspace.IsDisposed() {
		return
	}
	if s.advance(StateTerminating) {
		n.emit(sessionEvent(EventTerminating, s))
	}
}

// terminated handles a "terminated" notification. A session that never
// reported terminating gets that event first so consumers always see both.
// Must run on the dispatcher.
func (n *Notifier) terminated(s *Session, exitCode int) bool {
	if n.workspace.IsDisposed() {
		return false
	}
	n.terminating(s)
	if !s.advance(StateTerminated) {
		return false
	}
	ev := sessionEvent(EventTerminated, s)
	ev.ExitCode = exitCode
	n.emit(ev)
	if n.refresher != nil {
		n.refresher.RequestRefresh()
	}
	return true
}

// processWatcher forwards handle notifications onto the dispatcher.
type processWatcher struct {
	session    *Session
	dispatcher *Dispatcher
	onWill     func(*Session)
	onDone     func(*Session, int)
}

func (w *processWatcher) OnWillTerminate(ProcessHandle) {
	_ = w.dispatcher.Post(func() { w.onWill(w.session) })
}

func (w *processWatcher) OnTerminated(_ ProcessHandle, exitCode int) {
	_ = w.dispatcher.Post(func() { w.onDone(w.session, exitCode) })
}

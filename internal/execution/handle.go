package execution

// ProcessHandle is the external process behind a session.
type ProcessHandle interface {
	// StartNotify begins delivering process events to listeners.
	StartNotify()
	IsStartNotified() bool

	// Destroy requests graceful termination.
	Destroy()
	// Detach stops tracking the process without terminating it.
	Detach()
	DetachIsDefault() bool

	IsTerminating() bool
	IsTerminated() bool

	// AddListener registers l. Listeners added after termination are
	// notified immediately.
	AddListener(l ProcessListener)

	PID() int
	// ExitCode returns the exit code once the process has terminated.
	ExitCode() (int, bool)
}

// ProcessListener observes a process handle's termination.
type ProcessListener interface {
	OnWillTerminate(h ProcessHandle)
	OnTerminated(h ProcessHandle, exitCode int)
}

// KillableProcess is implemented by handles that support forced termination.
type KillableProcess interface {
	CanKill() bool
	Kill()
}

// StopProcess initiates termination of h and returns without waiting.
// A handle that is already terminating is killed when possible; otherwise it
// is detached or destroyed depending on its declared default.
func StopProcess(h ProcessHandle) {
	if h == nil {
		return
	}
	if k, ok := h.(KillableProcess); ok && h.IsTerminating() && k.CanKill() {
		k.Kill()
		return
	}
	if h.DetachIsDefault() {
		h.Detach()
	} else {
		h.Destroy()
	}
}

func isAlive(h ProcessHandle) bool {
	return h != nil && !h.IsTerminating() && !h.IsTerminated()
}

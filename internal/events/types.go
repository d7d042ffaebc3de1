// Package events holds event subject names and the bus provider.
package events

// Lifecycle events of run sessions, in the order a session can produce them.
const (
	ExecutionStartScheduled = "execution.start_scheduled"
	ExecutionStarting       = "execution.starting"
	ExecutionStarted        = "execution.started"
	ExecutionNotStarted     = "execution.not_started"
	ExecutionTerminating    = "execution.terminating"
	ExecutionTerminated     = "execution.terminated"
)

// ExecutionWildcard matches every lifecycle event.
const ExecutionWildcard = "execution.*"

const (
	SessionDisposed = "session.disposed"
	RestartWaiting  = "restart.waiting"
)

// WorkspaceRefreshed is published after a post-termination filesystem rescan.
const WorkspaceRefreshed = "workspace.refreshed"

package process

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/runctl/internal/common/logger"
	"github.com/kandev/runctl/internal/execution"
)

// RunnerID identifies the shell command runner.
const RunnerID = "exec"

// Command is the shell form of a profile.
type Command struct {
	Line         string
	Dir          string
	Env          []string
	DetachOnStop bool
}

// CommandProfile is a run profile this package can launch.
type CommandProfile interface {
	execution.RunProfile
	Command() Command
}

// RelaunchFunc relaunches the session behind desc with the environment it was
// started with.
type RelaunchFunc func(ctx context.Context, env *execution.Environment, desc *execution.Descriptor) error

// RunnerOptions tunes spawned processes.
type RunnerOptions struct {
	GracePeriod time.Duration
	BufferBytes int64
	// Relaunch, when set, becomes the restarter of every descriptor.
	Relaunch RelaunchFunc
}

// Runner launches CommandProfiles as local processes in run and debug mode.
// It is its own Starter.
type Runner struct {
	logger *logger.Logger
	opts   RunnerOptions
}

var _ execution.Runner = (*Runner)(nil)
var _ execution.Starter = (*Runner)(nil)

func NewRunner(log *logger.Logger, opts RunnerOptions) *Runner {
	return &Runner{
		logger: log.WithFields(zap.String("component", "exec-runner")),
		opts:   opts,
	}
}

func (r *Runner) ID() string { return RunnerID }

func (r *Runner) CanRun(mode execution.Mode, profile execution.RunProfile) bool {
	if mode != execution.ModeRun && mode != execution.ModeDebug {
		return false
	}
	cp, ok := profile.(CommandProfile)
	return ok && cp.Command().Line != ""
}

func (r *Runner) Prepare(env *execution.Environment) (execution.RunState, execution.Starter, error) {
	cp, ok := env.Profile.(CommandProfile)
	if !ok {
		return nil, nil, fmt.Errorf("profile %q is not a shell command", env.Name())
	}
	cmd := cp.Command()
	if cmd.Line == "" {
		return nil, nil, fmt.Errorf("profile %q has no command", env.Name())
	}
	return cmd, r, nil
}

// Execute spawns the prepared command. Disposing the returned descriptor
// stops the process if it is still running.
func (r *Runner) Execute(_ context.Context, state execution.RunState, env *execution.Environment) (*execution.Descriptor, error) {
	cmd, ok := state.(Command)
	if !ok {
		return nil, fmt.Errorf("unexpected run state %T", state)
	}

	log := r.logger.WithExecutionID(env.ExecutionID)
	h, err := Start(Spec{
		Command:      cmd.Line,
		Dir:          cmd.Dir,
		Env:          MergeEnv(cmd.Env, SessionEnv(env)),
		DetachOnStop: cmd.DetachOnStop,
		GracePeriod:  r.opts.GracePeriod,
		BufferBytes:  r.opts.BufferBytes,
	}, log)
	if err != nil {
		return nil, err
	}

	desc := execution.NewDescriptor(env.Name(), h)
	desc.OnDispose(func() {
		if !h.IsTerminated() {
			execution.StopProcess(h)
		}
	})
	if r.opts.Relaunch != nil {
		launched := env
		desc.SetRestarter(func(ctx context.Context) error {
			return r.opts.Relaunch(ctx, launched, desc)
		})
	}
	log.Info("launched", zap.String("name", env.Name()), zap.String("mode", string(env.Mode)), zap.Int("pid", h.PID()))
	return desc, nil
}

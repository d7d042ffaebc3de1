package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/kandev/runctl/internal/common/errors"
	"github.com/kandev/runctl/internal/confirm"
	"github.com/kandev/runctl/internal/execution"
	"github.com/kandev/runctl/internal/process"
)

const (
	outputPollInterval = 100 * time.Millisecond

	exitNotStarted  = 1
	exitInterrupted = 130
)

func newRunCmd(configPath *string) *cobra.Command {
	var (
		mode string
		yes  bool
	)

	cmd := &cobra.Command{
		Use:   "run <profile>",
		Short: "Run a profile in the foreground and stream its output",
		Long: `Run a profile in the foreground and stream its output.

Ctrl-C stops the process; a second Ctrl-C exits without waiting.
runctl exits with the exit code of the process.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := execution.Mode(mode)
			if m != execution.ModeRun && m != execution.ModeDebug {
				return fmt.Errorf("unknown mode %q: want run or debug", mode)
			}
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ui := interaction{gate: confirm.Approve}
			if !yes {
				terminal := confirm.NewTerminalGate(os.Stdin, cmd.ErrOrStderr())
				ui = interaction{gate: terminal, editor: terminal}
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			svc, err := buildServices(ctx, cfg, log, ui)
			if err != nil {
				return err
			}
			defer svc.close()

			settings, ok := svc.catalog.Get(args[0])
			if !ok {
				return apperrors.NotFound("configuration", args[0])
			}

			interrupts := make(chan os.Signal, 2)
			signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(interrupts)

			code, err := follow(ctx, svc.manager, settings, m, cmd.OutOrStdout(), cmd.ErrOrStderr(), interrupts)
			if err != nil {
				return err
			}
			if code != 0 {
				return exitCodeError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", string(execution.ModeRun), "launch mode: run or debug")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "approve every confirmation without asking")
	return cmd
}

// follow launches settings and copies the output of its process until it
// terminates, returning the exit code. The first interrupt stops the
// process; the second returns immediately.
func follow(
	ctx context.Context,
	manager *execution.Manager,
	settings *execution.ConfigSettings,
	mode execution.Mode,
	stdout, stderr io.Writer,
	interrupts <-chan os.Signal,
) (int, error) {
	lifecycle := make(chan execution.Event, 64)
	unsubscribe := manager.Subscribe(func(ev execution.Event) {
		if ev.Settings != settings {
			return
		}
		select {
		case lifecycle <- ev:
		default:
		}
	})
	defer unsubscribe()

	err := manager.Restart(ctx, execution.RestartRequest{Mode: mode, Settings: settings})
	if errors.Is(err, execution.ErrRestartDeclined) {
		fmt.Fprintf(stderr, "%s: not started\n", settings.Name)
		return exitNotStarted, nil
	}
	if err != nil {
		return 0, err
	}

	var (
		out         = &outputCopier{stdout: stdout, stderr: stderr}
		executionID int64
		sessionID   string
		stopping    bool
	)
	ticker := time.NewTicker(outputPollInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-lifecycle:
			switch ev.Type {
			case execution.EventStarted:
				executionID = ev.ExecutionID
				sessionID = ev.Session.ID()
				out.handle, _ = ev.Handle.(*process.Handle)
			case execution.EventNotStarted:
				if ev.Err != nil {
					fmt.Fprintf(stderr, "%s: not started: %v\n", settings.Name, ev.Err)
				} else {
					fmt.Fprintf(stderr, "%s: not started\n", settings.Name)
				}
				return exitNotStarted, nil
			case execution.EventTerminated:
				if ev.ExecutionID != executionID {
					continue
				}
				out.copy()
				return ev.ExitCode, nil
			}
		case <-ticker.C:
			out.copy()
		case <-interrupts:
			if stopping || sessionID == "" {
				return exitInterrupted, nil
			}
			stopping = true
			fmt.Fprintf(stderr, "%s: stopping\n", settings.Name)
			if err := manager.Stop(sessionID); err != nil {
				return exitInterrupted, err
			}
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// outputCopier writes the chunks a handle buffered since the last copy.
type outputCopier struct {
	handle *process.Handle
	seq    uint64
	stdout io.Writer
	stderr io.Writer
}

func (c *outputCopier) copy() {
	if c.handle == nil {
		return
	}
	for _, chunk := range c.handle.OutputSince(c.seq) {
		w := c.stdout
		if chunk.Stream == "stderr" {
			w = c.stderr
		}
		_, _ = io.WriteString(w, chunk.Data)
		c.seq = chunk.Seq
	}
}

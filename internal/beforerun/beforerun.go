// Package beforerun provides the built-in before-run steps.
package beforerun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/kandev/runctl/internal/common/logger"
	"github.com/kandev/runctl/internal/execution"
	"github.com/kandev/runctl/internal/process"
)

const (
	ShellID        = "shell"
	RequireFilesID = "require-files"

	// output kept in a failed script's error
	maxErrorOutput = 512
)

// Providers returns every built-in provider.
func Providers(log *logger.Logger) []execution.BeforeRunProvider {
	return []execution.BeforeRunProvider{NewShell(log), RequireFiles{}}
}

// Shell runs options["script"] with "sh -c" in the profile's directory. An
// optional options["timeout"] bounds it.
type Shell struct {
	logger *logger.Logger
}

func NewShell(log *logger.Logger) *Shell {
	return &Shell{logger: log.WithFields(zap.String("provider", ShellID))}
}

func (s *Shell) ID() string { return ShellID }

func (s *Shell) Execute(ctx context.Context, _ *execution.ConfigSettings, env *execution.Environment, step execution.BeforeRunStep) error {
	script := strings.TrimSpace(step.Options["script"])
	if script == "" {
		return errors.New("shell step has no script")
	}
	if raw := step.Options["timeout"]; raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", raw, err)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	command := commandOf(env)
	cmd.Dir = command.Dir
	cmd.Env = process.MergeEnv(command.Env, process.SessionEnv(env))

	out := bytebufferpool.Get()
	defer bytebufferpool.Put(out)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	log := s.logger.WithExecutionID(env.ExecutionID)
	if err != nil {
		log.Warn("script failed", zap.String("script", script), zap.Duration("took", time.Since(start)), zap.Error(err))
		return fmt.Errorf("script %q: %w: %s", script, err, tail(out.String(), maxErrorOutput))
	}
	log.Debug("script finished", zap.String("script", script), zap.Duration("took", time.Since(start)), zap.Int("output_bytes", out.Len()))
	return nil
}

// RequireFiles fails unless every path in the comma-separated
// options["paths"] exists. Relative paths resolve against the profile's
// directory.
type RequireFiles struct{}

func (RequireFiles) ID() string { return RequireFilesID }

func (RequireFiles) Execute(ctx context.Context, _ *execution.ConfigSettings, env *execution.Environment, step execution.BeforeRunStep) error {
	dir := commandOf(env).Dir
	var missing []string
	for _, p := range strings.Split(step.Options["paths"], ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		full := p
		if !filepath.IsAbs(full) && dir != "" {
			full = filepath.Join(dir, full)
		}
		if _, err := os.Stat(full); err != nil {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required files: %s", strings.Join(missing, ", "))
	}
	return nil
}

func commandOf(env *execution.Environment) process.Command {
	if cp, ok := env.Profile.(process.CommandProfile); ok {
		return cp.Command()
	}
	return process.Command{}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// Package confirm implements the confirmation gates used by the CLI and the
// API server.
package confirm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/kandev/runctl/internal/execution"
	"github.com/kandev/runctl/internal/process"
)

// TerminalGate prompts on a terminal. "y" approves, "a" approves and stops
// asking, anything else declines.
type TerminalGate struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

var _ execution.ConfirmationGate = (*TerminalGate)(nil)

func NewTerminalGate(in io.Reader, out io.Writer) *TerminalGate {
	return &TerminalGate{in: bufio.NewReader(in), out: out}
}

var _ execution.SettingsEditor = (*TerminalGate)(nil)

func (g *TerminalGate) Confirm(ctx context.Context, req execution.ConfirmRequest) (execution.ConfirmResult, error) {
	line, err := g.ask(ctx, req.Message()+" [y/N/a] ")
	if err != nil {
		return execution.ConfirmResult{}, err
	}
	return parseAnswer(line), nil
}

// Edit shows the configuration about to launch and asks whether to go on.
// An empty answer proceeds.
func (g *TerminalGate) Edit(ctx context.Context, settings *execution.ConfigSettings) (bool, error) {
	prompt := fmt.Sprintf("Run '%s'", settings.Name)
	if cp, ok := settings.Profile.(process.CommandProfile); ok {
		prompt += fmt.Sprintf(" (%s)", cp.Command().Line)
	}
	line, err := g.ask(ctx, prompt+"? [Y/n] ")
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "", "y", "yes":
		return true, nil
	}
	return false, nil
}

func (g *TerminalGate) ask(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := io.WriteString(g.out, prompt); err != nil {
		return "", err
	}

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := g.in.ReadString('\n')
		ch <- answer{line, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case a := <-ch:
		if a.err != nil && a.err != io.EOF {
			return "", a.err
		}
		return a.line, nil
	}
}

func parseAnswer(line string) execution.ConfirmResult {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return execution.ConfirmResult{Approved: true}
	case "a", "always":
		return execution.ConfirmResult{Approved: true, DontAskAgain: true}
	}
	return execution.ConfirmResult{}
}

// Policy answers every request the same way without asking anyone.
type Policy bool

const (
	Approve Policy = true
	Decline Policy = false
)

var _ execution.ConfirmationGate = Approve

// ParsePolicy accepts "approve" or "decline", case-insensitively.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve":
		return Approve, nil
	case "decline":
		return Decline, nil
	}
	return Decline, fmt.Errorf("unknown confirmation policy %q", s)
}

func (p Policy) Confirm(context.Context, execution.ConfirmRequest) (execution.ConfirmResult, error) {
	return execution.ConfirmResult{Approved: bool(p)}, nil
}

func (p Policy) String() string {
	if p {
		return "approve"
	}
	return "decline"
}

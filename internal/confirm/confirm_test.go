package confirm

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/runctl/internal/execution"
	"github.com/kandev/runctl/internal/process"
)

var singleton = execution.ConfirmRequest{Kind: execution.ConfirmRestartSingleton, Subject: "api", Count: 1}

func TestTerminalGate_Answers(t *testing.T) {
	tests := []struct {
		input string
		want  execution.ConfirmResult
	}{
		{"y\n", execution.ConfirmResult{Approved: true}},
		{"YES\n", execution.ConfirmResult{Approved: true}},
		{"a\n", execution.ConfirmResult{Approved: true, DontAskAgain: true}},
		{"n\n", execution.ConfirmResult{}},
		{"\n", execution.ConfirmResult{}},
		{"", execution.ConfirmResult{}},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			var out bytes.Buffer
			g := NewTerminalGate(strings.NewReader(tt.input), &out)
			got, err := g.Confirm(context.Background(), singleton)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, singleton.Message()+" [y/N/a] ", out.String())
		})
	}
}

func TestTerminalGate_ReadsSuccessiveAnswers(t *testing.T) {
	g := NewTerminalGate(strings.NewReader("n\ny\n"), io.Discard)
	first, err := g.Confirm(context.Background(), singleton)
	require.NoError(t, err)
	second, err := g.Confirm(context.Background(), singleton)
	require.NoError(t, err)
	assert.False(t, first.Approved)
	assert.True(t, second.Approved)
}

func TestTerminalGate_Cancelled(t *testing.T) {
	r, w := io.Pipe()
	defer func() { _ = w.Close() }()
	g := NewTerminalGate(r, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Confirm(ctx, singleton)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPolicy(t *testing.T) {
	p, err := ParsePolicy("Approve")
	require.NoError(t, err)
	res, _ := p.Confirm(context.Background(), singleton)
	assert.True(t, res.Approved)
	assert.False(t, res.DontAskAgain)

	p, err = ParsePolicy("decline")
	require.NoError(t, err)
	res, _ = p.Confirm(context.Background(), singleton)
	assert.False(t, res.Approved)
	assert.Equal(t, "decline", p.String())

	_, err = ParsePolicy("maybe")
	assert.Error(t, err)
}

type cmdProfile struct{}

func (cmdProfile) Name() string             { return "api" }
func (cmdProfile) Command() process.Command { return process.Command{Line: "make serve"} }

func TestTerminalGate_Edit(t *testing.T) {
	settings := execution.NewConfigSettings("api", cmdProfile{})

	var out bytes.Buffer
	g := NewTerminalGate(strings.NewReader("\nn\nyes\n"), &out)
	for _, want := range []bool{true, false, true} {
		got, err := g.Edit(context.Background(), settings)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Contains(t, out.String(), "Run 'api' (make serve)? [Y/n] ")
}

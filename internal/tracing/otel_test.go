package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/runctl/internal/common/config"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	t.Setenv(endpointEnv, "")
	require.NoError(t, Init(context.Background(), config.TracingConfig{ServiceName: "runctl-test"}, "default"))

	_, span := TraceLaunch(context.Background(), 1, "run", "api")
	assert.False(t, span.SpanContext().IsValid())
	EndSpan(span, "failed", errors.New("boom"))

	require.NoError(t, Shutdown(context.Background()))
}

func TestInitWithEndpointRecordsSpans(t *testing.T) {
	t.Setenv(endpointEnv, "")
	cfg := config.TracingConfig{ServiceName: "runctl-test", Endpoint: "http://127.0.0.1:4318"}
	require.NoError(t, Init(context.Background(), cfg, "default"))
	t.Cleanup(func() {
		// nothing listens on the endpoint; don't wait for the export retries
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_ = Shutdown(ctx)
	})

	ctx, parent := TraceRestart(context.Background(), "run", "api")
	_, child := TraceLaunch(ctx, 7, "run", "api")
	assert.True(t, child.SpanContext().IsValid())
	assert.Equal(t, parent.SpanContext().TraceID(), child.SpanContext().TraceID())
	child.End()
	parent.End()
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}

package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/runctl/internal/common/config"
	"github.com/kandev/runctl/internal/common/logger"
	"github.com/kandev/runctl/internal/events/bus"
)

func TestProvide_DefaultsToMemory(t *testing.T) {
	b, cleanup, err := Provide(&config.Config{}, logger.NewNop())
	require.NoError(t, err)
	_, ok := b.(*bus.MemoryEventBus)
	assert.True(t, ok)
	assert.True(t, b.IsConnected())

	cleanup()
	assert.False(t, b.IsConnected())
}

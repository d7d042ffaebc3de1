package events

import (
	"fmt"
	"strings"

	"github.com/kandev/runctl/internal/common/config"
	"github.com/kandev/runctl/internal/common/logger"
	"github.com/kandev/runctl/internal/events/bus"
)

// Provide builds the configured bus: NATS scoped to the configured workspace
// when a URL is set, in-memory otherwise. The returned cleanup closes it.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func(), error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, cfg.Workspace.Name, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return natsBus, natsBus.Close, nil
	}
	mem := bus.NewMemoryEventBus(log)
	return mem, mem.Close, nil
}

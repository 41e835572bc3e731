package events

import (
	"fmt"
	"strings"

	"github.com/hivecore/hivecore/internal/common/config"
	"github.com/hivecore/hivecore/internal/common/logger"
	"github.com/hivecore/hivecore/internal/events/bus"
)

// ProvidedBus exposes the chosen implementation both through the EventBus
// interface and as its concrete type, for callers that need one.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide selects the bus implementation: a configured NATS URL means the
// distributed bus, anything else the in-process one. The returned cleanup
// closes whatever was opened.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) == "" {
		memBus := bus.NewMemoryEventBus(log)
		return &ProvidedBus{Bus: memBus, Memory: memBus}, func() error { return nil }, nil
	}

	natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
	}
	return &ProvidedBus{Bus: natsBus, NATS: natsBus}, func() error {
		natsBus.Close()
		return nil
	}, nil
}

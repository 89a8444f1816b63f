package eventbus

import (
	"strings"

	"github.com/haivemind/core/internal/common/config"
	"github.com/haivemind/core/internal/common/logger"
)

// Provided wraps the active Bus implementation, exposing the concrete
// type when callers need implementation-specific behavior (tests close
// over *MemoryBus directly, for instance).
type Provided struct {
	Bus    Bus
	Memory *MemoryBus
	NATS   *NATSBus
}

// Provide builds the configured event bus implementation: NATS-backed
// when cfg.Events.NATS.URL is set, in-memory otherwise.
func Provide(cfg *config.Config, log *logger.Logger) (*Provided, func(), error) {
	if strings.TrimSpace(cfg.Events.NATS.URL) != "" {
		natsBus, err := NewNATSBus(cfg.Events.NATS, cfg.Events.Namespace, log)
		if err != nil {
			return nil, nil, err
		}
		return &Provided{Bus: natsBus, NATS: natsBus}, natsBus.Close, nil
	}

	memBus := NewMemoryBus(log)
	return &Provided{Bus: memBus, Memory: memBus}, memBus.Close, nil
}

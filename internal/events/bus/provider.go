package bus

import (
	"strings"

	"github.com/kandev/relay/internal/config"
	"github.com/kandev/relay/internal/logger"
)

// Provide builds the Bus selected by cfg: a NATS-backed bus when a URL is
// configured, the in-process MemoryBus otherwise. Returns a cleanup func to
// run at shutdown.
func Provide(cfg config.NATSConfig, log *logger.Logger) (Bus, func(), error) {
	if strings.TrimSpace(cfg.URL) != "" {
		natsBus, err := NewNATSBus(cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return natsBus, natsBus.Close, nil
	}

	memBus := NewMemoryBus(log)
	return memBus, memBus.Close, nil
}

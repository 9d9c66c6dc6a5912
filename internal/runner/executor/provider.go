package executor

import (
	"github.com/kandev/relay/internal/config"
	"github.com/kandev/relay/internal/logger"
)

// Provide selects the Executor a subprocess-variant runner should use:
// Docker or Sprites when explicitly enabled in config, the host-local
// executor otherwise. All three satisfy the same interface, so callers never
// branch on which one they got.
func Provide(cfg config.RunnerConfig, log *logger.Logger) Executor {
	if cfg.Docker.Enabled {
		return NewDockerExecutor(cfg.Docker, log)
	}
	if cfg.Sprites.Enabled {
		return NewSpritesExecutor(cfg.Sprites, log)
	}
	return NewLocalExecutor(log)
}

package monitor

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AuralisLabs/CastKit/logger"
)

// probeTimeout bounds the startup reachability check.
const probeTimeout = 2 * time.Second

// Select picks the monitor backend at startup: the shared store when the
// client is configured and reachable, the in-process monitor otherwise.
// The fallback is logged loudly since it silently narrows coordination to
// one process.
func Select(ctx context.Context, client *redis.Client, opts ...Option) Monitor {
	if client == nil {
		logger.Info("task monitor backend", "backend", "memory")
		return NewMemoryMonitor(opts...)
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := client.Ping(probeCtx).Err(); err != nil {
		logger.Warn("shared task store unreachable, falling back to in-process monitor; "+
			"cross-process limiting and idempotency are disabled", "error", err)
		return NewMemoryMonitor(opts...)
	}

	logger.Info("task monitor backend", "backend", "redis")
	return NewRedisMonitor(client, opts...)
}

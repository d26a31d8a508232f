// Package sweeper reclaims tasks whose owning process died or whose
// provider never answered. It periodically scans the active set and
// moves anything past the task deadline to TIMEOUT, so retries stop
// being refused as "already running".
//
// With the Redis-backed monitor the scan runs in one elected process
// at a time; with the in-memory monitor every process sweeps its own
// map.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/AuralisLabs/CastKit/logger"
	"github.com/AuralisLabs/CastKit/monitor"
)

// Sweeper times out tasks that have been active longer than the task
// deadline.
type Sweeper struct {
	mon      monitor.Monitor
	elector  Elector
	timeout  time.Duration
	interval time.Duration
}

// New returns a Sweeper that moves tasks older than taskTimeout to
// TIMEOUT, scanning every sweepInterval.
func New(mon monitor.Monitor, elector Elector, taskTimeout, sweepInterval time.Duration) *Sweeper {
	return &Sweeper{
		mon:      mon,
		elector:  elector,
		timeout:  taskTimeout,
		interval: sweepInterval,
	}
}

// Run sweeps on the configured interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				logger.Warn("sweep round failed", "error", err)
			}
		}
	}
}

// Sweep runs a single round and reports how many tasks it timed out.
// When another process holds the sweep lock the round is skipped and
// Sweep returns 0.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	release, ok, err := s.elector.TryAcquire(ctx)
	if err != nil || !ok {
		return 0, err
	}
	defer release()

	tasks, err := s.mon.ActiveTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active tasks: %w", err)
	}

	// Tasks stuck in QUEUED count too: a dispatcher that died before
	// marking PROCESSING leaves the same kind of leak behind.
	cutoff := time.Now().Add(-s.timeout).UnixMilli()
	swept := 0
	for _, task := range tasks {
		if task.Status.Terminal() || task.StartedAt > cutoff {
			continue
		}
		if _, err := s.mon.TimeoutTask(ctx, task.TextID); err != nil {
			logger.Warn("timeout stale task", "text_id", task.TextID, "error", err)
			continue
		}
		logger.TaskTransition(task.TextID, string(task.Status), string(monitor.StatusTimeout),
			"started_at", task.StartedAt)
		swept++
	}

	if swept > 0 {
		logger.Info("sweep finished", "timed_out", swept, "scanned", len(tasks))
	}
	return swept, nil
}

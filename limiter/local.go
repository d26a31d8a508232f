package limiter

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	castprom "github.com/AuralisLabs/CastKit/metrics/prometheus"
	"github.com/AuralisLabs/CastKit/taskerr"
)

// LocalLimiter bounds concurrency within one process. Slots cannot leak:
// process death frees them with the process, so renewal is a no-op.
type LocalLimiter struct {
	sem      *semaphore.Weighted
	capacity int
}

// NewLocalLimiter creates a process-local limiter.
func NewLocalLimiter(capacity int) *LocalLimiter {
	return &LocalLimiter{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}
}

// Capacity returns the configured admission ceiling.
func (l *LocalLimiter) Capacity() int {
	return l.capacity
}

// Acquire blocks until a slot frees or ctx ends.
func (l *LocalLimiter) Acquire(ctx context.Context, token string) (Slot, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("no slot for %s within deadline: %w", token, taskerr.ErrBusy)
	}
	castprom.RecordSlotAcquired()
	return &localSlot{sem: l.sem}, nil
}

type localSlot struct {
	sem  *semaphore.Weighted
	once sync.Once
}

func (s *localSlot) Renew(context.Context) error {
	return nil
}

func (s *localSlot) Release(context.Context) error {
	s.once.Do(func() {
		s.sem.Release(1)
		castprom.RecordSlotReleased()
	})
	return nil
}

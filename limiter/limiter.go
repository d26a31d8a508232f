// Package limiter bounds how many synthesis tasks run at once. The Redis
// implementation coordinates across processes; the local implementation
// covers single-node deployments without shared infrastructure.
package limiter

import (
	"context"
	"errors"
)

// ErrSlotLost is returned by Renew when the slot expired or was released
// out from under the holder.
var ErrSlotLost = errors.New("task slot lost")

// Limiter admits tasks up to a fixed capacity. Acquire blocks until a slot
// frees or ctx ends; callers bound the wait with a context deadline and see
// taskerr.ErrBusy on expiry.
type Limiter interface {
	Acquire(ctx context.Context, token string) (Slot, error)
	Capacity() int
}

// Slot is a held admission. Long-running holders renew periodically so a
// crashed process cannot strand capacity forever; Release is idempotent.
type Slot interface {
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

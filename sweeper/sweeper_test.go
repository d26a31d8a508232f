package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AuralisLabs/CastKit/monitor"
)

func newMemoryMonitor(t *testing.T) *monitor.MemoryMonitor {
	t.Helper()
	mon := monitor.NewMemoryMonitor()
	t.Cleanup(func() { _ = mon.Close() })
	return mon
}

func startTask(t *testing.T, mon monitor.Monitor, textID string) {
	t.Helper()
	res, err := mon.StartTask(context.Background(), textID, "hash-"+textID)
	require.NoError(t, err)
	require.Equal(t, monitor.OutcomeStarted, res.Outcome)
}

func TestSweepTimesOutStaleTasks(t *testing.T) {
	mon := newMemoryMonitor(t)
	ctx := context.Background()

	startTask(t, mon, "stale-1")
	startTask(t, mon, "stale-2")
	require.NoError(t, mon.MarkProcessing(ctx, "stale-1"))
	require.NoError(t, mon.MarkProcessing(ctx, "stale-2"))

	s := New(mon, LocalElector{}, 10*time.Millisecond, time.Minute)
	time.Sleep(30 * time.Millisecond)

	swept, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, swept)

	for _, id := range []string{"stale-1", "stale-2"} {
		task, err := mon.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, monitor.StatusTimeout, task.Status)
	}

	active, err := mon.ActiveTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestSweepSkipsFreshTasks(t *testing.T) {
	mon := newMemoryMonitor(t)
	ctx := context.Background()

	startTask(t, mon, "fresh")
	require.NoError(t, mon.MarkProcessing(ctx, "fresh"))

	s := New(mon, LocalElector{}, 10*time.Minute, time.Minute)
	swept, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)

	task, err := mon.GetTask(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, monitor.StatusProcessing, task.Status)
}

// A dispatcher that dies before MarkProcessing leaves the task QUEUED
// forever; the sweeper reclaims those too.
func TestSweepReclaimsStuckQueuedTask(t *testing.T) {
	mon := newMemoryMonitor(t)
	ctx := context.Background()

	startTask(t, mon, "stuck")

	s := New(mon, LocalElector{}, 10*time.Millisecond, time.Minute)
	time.Sleep(30 * time.Millisecond)

	swept, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	task, err := mon.GetTask(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, monitor.StatusTimeout, task.Status)
}

func TestSweepAgainstRedisMonitor(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mon := monitor.NewRedisMonitor(client)
	t.Cleanup(func() { _ = mon.Close() })

	ctx := context.Background()
	startTask(t, mon, "redis-stale")
	require.NoError(t, mon.MarkProcessing(ctx, "redis-stale"))

	s := New(mon, NewRedisElector(client, "castkit", time.Second), 10*time.Millisecond, time.Minute)
	time.Sleep(30 * time.Millisecond)

	swept, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	task, err := mon.GetTask(ctx, "redis-stale")
	require.NoError(t, err)
	assert.Equal(t, monitor.StatusTimeout, task.Status)
}

func TestRunSweepsOnInterval(t *testing.T) {
	mon := newMemoryMonitor(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTask(t, mon, "looped")
	require.NoError(t, mon.MarkProcessing(ctx, "looped"))

	s := New(mon, LocalElector{}, time.Millisecond, 10*time.Millisecond)
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		task, err := mon.GetTask(ctx, "looped")
		return err == nil && task.Status == monitor.StatusTimeout
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisElectorMutualExclusion(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	e1 := NewRedisElector(client, "castkit", time.Minute)
	e2 := NewRedisElector(client, "castkit", time.Minute)

	release, ok, err := e1.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = e2.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused while the lock is live")

	release()

	release2, ok, err := e2.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "released lock must be acquirable again")
	release2()
}

func TestRedisElectorLockExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	e1 := NewRedisElector(client, "castkit", 50*time.Millisecond)
	e2 := NewRedisElector(client, "castkit", 50*time.Millisecond)

	_, ok, err := e1.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// A crashed holder never releases; the TTL frees the lock.
	mr.FastForward(100 * time.Millisecond)

	release, ok, err := e2.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	release()
}

func TestSweepSkippedWhenLockHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mon := monitor.NewRedisMonitor(client)
	t.Cleanup(func() { _ = mon.Close() })

	ctx := context.Background()
	startTask(t, mon, "held")
	require.NoError(t, mon.MarkProcessing(ctx, "held"))

	other := NewRedisElector(client, "castkit", time.Minute)
	_, ok, err := other.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	s := New(mon, NewRedisElector(client, "castkit", time.Minute), 0, time.Minute)
	swept, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept, "round must be skipped while a peer holds the lock")

	task, err := mon.GetTask(ctx, "held")
	require.NoError(t, err)
	assert.Equal(t, monitor.StatusProcessing, task.Status)
}

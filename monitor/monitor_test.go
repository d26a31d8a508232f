package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AuralisLabs/CastKit/taskerr"
)

// backends runs the shared contract against both implementations.
func backends(t *testing.T) map[string]func(t *testing.T) Monitor {
	t.Helper()
	return map[string]func(t *testing.T) Monitor{
		"memory": func(t *testing.T) Monitor {
			m := NewMemoryMonitor(WithJanitorInterval(20 * time.Millisecond))
			t.Cleanup(func() { _ = m.Close() })
			return m
		},
		"redis": func(t *testing.T) Monitor {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			m := NewRedisMonitor(client)
			t.Cleanup(func() { _ = m.Close() })
			// Let the pattern subscription settle before events flow.
			time.Sleep(50 * time.Millisecond)
			return m
		},
	}
}

func mustStart(t *testing.T, m Monitor, textID, hash string) {
	t.Helper()
	res, err := m.StartTask(context.Background(), textID, hash)
	require.NoError(t, err)
	require.Equal(t, OutcomeStarted, res.Outcome)
}

func nextEvent(t *testing.T, ch <-chan Event) (Event, bool) {
	t.Helper()
	select {
	case evt, ok := <-ch:
		return evt, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}, false
	}
}

// collectUntilClosed drains events until the channel closes.
func collectUntilClosed(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	for {
		evt, ok := nextEvent(t, ch)
		if !ok {
			return events
		}
		events = append(events, evt)
	}
}

func TestStartTaskOutcomes(t *testing.T) {
	for name, newMonitor := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := newMonitor(t)
			ctx := context.Background()

			res, err := m.StartTask(ctx, "text-1", "hash-1")
			require.NoError(t, err)
			assert.Equal(t, OutcomeStarted, res.Outcome)

			// Same text id while live.
			res, err = m.StartTask(ctx, "text-1", "hash-1")
			require.NoError(t, err)
			assert.Equal(t, OutcomeAlreadyRunning, res.Outcome)
			assert.Equal(t, "text-1", res.ExistingTextID)

			// Same content under a different text id.
			res, err = m.StartTask(ctx, "text-2", "hash-1")
			require.NoError(t, err)
			assert.Equal(t, OutcomeDuplicateContent, res.Outcome)
			assert.Equal(t, "text-1", res.ExistingTextID)

			// Different content is unrelated.
			res, err = m.StartTask(ctx, "text-3", "hash-3")
			require.NoError(t, err)
			assert.Equal(t, OutcomeStarted, res.Outcome)
		})
	}
}

func TestStartTaskAgainAfterTerminal(t *testing.T) {
	for name, newMonitor := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := newMonitor(t)
			ctx := context.Background()

			mustStart(t, m, "text-1", "hash-1")
			require.NoError(t, m.MarkProcessing(ctx, "text-1"))
			_, err := m.FailTask(ctx, "text-1", taskerr.KindTransientProvider, "boom")
			require.NoError(t, err)

			// A retry of the same text id starts a fresh run; its own
			// content hash claim does not block it.
			res, err := m.StartTask(ctx, "text-1", "hash-1")
			require.NoError(t, err)
			assert.Equal(t, OutcomeStarted, res.Outcome)

			task, err := m.GetTask(ctx, "text-1")
			require.NoError(t, err)
			assert.Equal(t, StatusQueued, task.Status)
			assert.Empty(t, task.ErrorKind)
		})
	}
}

func TestTaskLifecycle(t *testing.T) {
	for name, newMonitor := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := newMonitor(t)
			ctx := context.Background()

			mustStart(t, m, "text-1", "hash-1")
			task, err := m.GetTask(ctx, "text-1")
			require.NoError(t, err)
			assert.Equal(t, StatusQueued, task.Status)
			assert.Greater(t, task.StartedAt, int64(0))

			require.NoError(t, m.MarkProcessing(ctx, "text-1"))
			require.NoError(t, m.SetStrategy(ctx, "text-1", StrategyParallel, 4))
			require.NoError(t, m.UpdateProgress(ctx, "text-1", 2))

			task, err = m.GetTask(ctx, "text-1")
			require.NoError(t, err)
			assert.Equal(t, StatusProcessing, task.Status)
			assert.Equal(t, StrategyParallel, task.Strategy)
			assert.Equal(t, 4, task.SegmentCount)
			assert.Equal(t, 2, task.SegmentsCompleted)

			done, err := m.CompleteTask(ctx, "text-1", "audio/2026/08/a.mp3", "a.mp3", "https://cdn/a.mp3")
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, done.Status)
			assert.Equal(t, "https://cdn/a.mp3", done.AudioURL)
			assert.GreaterOrEqual(t, done.EndedAt, done.StartedAt)
		})
	}
}

func TestMarkProcessingErrors(t *testing.T) {
	for name, newMonitor := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := newMonitor(t)
			ctx := context.Background()

			err := m.MarkProcessing(ctx, "ghost")
			assert.ErrorIs(t, err, taskerr.ErrNotFound)

			mustStart(t, m, "text-1", "hash-1")
			require.NoError(t, m.MarkProcessing(ctx, "text-1"))
			assert.Error(t, m.MarkProcessing(ctx, "text-1"))
		})
	}
}

func TestTerminalTransitionsIdempotent(t *testing.T) {
	for name, newMonitor := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := newMonitor(t)
			ctx := context.Background()

			mustStart(t, m, "text-1", "hash-1")
			require.NoError(t, m.MarkProcessing(ctx, "text-1"))

			done, err := m.CompleteTask(ctx, "text-1", "k", "f.mp3", "https://cdn/f.mp3")
			require.NoError(t, err)
			require.Equal(t, StatusCompleted, done.Status)

			// A racing finisher observes the first outcome, unchanged.
			after, err := m.FailTask(ctx, "text-1", taskerr.KindInternal, "late failure")
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, after.Status)
			assert.Empty(t, after.ErrorKind)

			after, err = m.TimeoutTask(ctx, "text-1")
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, after.Status)

			stats, err := m.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), stats.Completed)
			assert.Equal(t, int64(0), stats.Failed)
			assert.Equal(t, int64(0), stats.TimedOut)
		})
	}
}

func TestProgressMonotonic(t *testing.T) {
	for name, newMonitor := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := newMonitor(t)
			ctx := context.Background()

			mustStart(t, m, "text-1", "hash-1")
			require.NoError(t, m.MarkProcessing(ctx, "text-1"))
			require.NoError(t, m.SetStrategy(ctx, "text-1", StrategyParallel, 5))

			require.NoError(t, m.UpdateProgress(ctx, "text-1", 3))
			require.NoError(t, m.UpdateProgress(ctx, "text-1", 2)) // stale, ignored

			task, err := m.GetTask(ctx, "text-1")
			require.NoError(t, err)
			assert.Equal(t, 3, task.SegmentsCompleted)
		})
	}
}

func TestSubscribeFollowsLifecycle(t *testing.T) {
	for name, newMonitor := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := newMonitor(t)
			ctx := context.Background()

			mustStart(t, m, "text-1", "hash-1")
			ch, cancel := m.Subscribe("text-1")
			defer cancel()

			require.NoError(t, m.MarkProcessing(ctx, "text-1"))
			require.NoError(t, m.SetStrategy(ctx, "text-1", StrategySerial, 2))
			require.NoError(t, m.UpdateProgress(ctx, "text-1", 1))
			_, err := m.CompleteTask(ctx, "text-1", "k", "f.mp3", "https://cdn/f.mp3")
			require.NoError(t, err)

			events := collectUntilClosed(t, ch)
			require.NotEmpty(t, events)

			last := events[len(events)-1]
			assert.Equal(t, EventCompleted, last.Type)
			assert.Equal(t, "https://cdn/f.mp3", last.AudioURL)

			var sawProcessing, sawProgress bool
			for _, evt := range events {
				if evt.Type == EventStatus && evt.Status == StatusProcessing {
					sawProcessing = true
				}
				if evt.Type == EventProgress && evt.Progress != nil && evt.Progress.Completed == 1 {
					sawProgress = true
					assert.Equal(t, 2, evt.Progress.Total)
				}
			}
			assert.True(t, sawProcessing, "expected a processing status event")
			assert.True(t, sawProgress, "expected a progress event, got %+v", events)
		})
	}
}

func TestSubscribeCancel(t *testing.T) {
	for name, newMonitor := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := newMonitor(t)

			mustStart(t, m, "text-1", "hash-1")
			ch, cancel := m.Subscribe("text-1")
			cancel()

			_, ok := <-ch
			assert.False(t, ok, "channel should close on cancel")
		})
	}
}

func TestFailedTaskEvent(t *testing.T) {
	for name, newMonitor := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := newMonitor(t)
			ctx := context.Background()

			mustStart(t, m, "text-1", "hash-1")
			ch, cancel := m.Subscribe("text-1")
			defer cancel()

			require.NoError(t, m.MarkProcessing(ctx, "text-1"))
			_, err := m.FailTask(ctx, "text-1", taskerr.KindFatalProvider, "voice not licensed")
			require.NoError(t, err)

			events := collectUntilClosed(t, ch)
			require.NotEmpty(t, events)
			last := events[len(events)-1]
			assert.Equal(t, EventFailed, last.Type)
			require.NotNil(t, last.Error)
			assert.Equal(t, string(taskerr.KindFatalProvider), last.Error.Kind)
			assert.Equal(t, "voice not licensed", last.Error.Message)
		})
	}
}

func TestActiveTasks(t *testing.T) {
	for name, newMonitor := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := newMonitor(t)
			ctx := context.Background()

			mustStart(t, m, "queued-task", "hash-q")
			mustStart(t, m, "running-task", "hash-r")
			require.NoError(t, m.MarkProcessing(ctx, "running-task"))
			mustStart(t, m, "done-task", "hash-d")
			require.NoError(t, m.MarkProcessing(ctx, "done-task"))
			_, err := m.CompleteTask(ctx, "done-task", "k", "f.mp3", "u")
			require.NoError(t, err)

			active, err := m.ActiveTasks(ctx)
			require.NoError(t, err)

			ids := make(map[string]Status)
			for _, task := range active {
				ids[task.TextID] = task.Status
			}
			assert.Equal(t, StatusQueued, ids["queued-task"])
			assert.Equal(t, StatusProcessing, ids["running-task"])
			assert.NotContains(t, ids, "done-task")
		})
	}
}

func TestStats(t *testing.T) {
	for name, newMonitor := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := newMonitor(t)
			ctx := context.Background()

			finish := func(id string, fail bool) {
				mustStart(t, m, id, "hash-"+id)
				require.NoError(t, m.MarkProcessing(ctx, id))
				var err error
				if fail {
					_, err = m.FailTask(ctx, id, taskerr.KindTransientProvider, "x")
				} else {
					_, err = m.CompleteTask(ctx, id, "k", "f.mp3", "u")
				}
				require.NoError(t, err)
			}

			finish("a", false)
			finish("b", false)
			finish("c", false)
			finish("d", true)
			mustStart(t, m, "live", "hash-live")

			stats, err := m.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(3), stats.Completed)
			assert.Equal(t, int64(1), stats.Failed)
			assert.InDelta(t, 0.75, stats.SuccessRate, 0.001)
			assert.Equal(t, 1, stats.Queued)
			assert.Equal(t, 0, stats.Active)
			assert.GreaterOrEqual(t, stats.P95DurationMS, stats.P50DurationMS)
		})
	}
}

func TestGetTaskNotFound(t *testing.T) {
	for name, newMonitor := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := newMonitor(t)
			_, err := m.GetTask(context.Background(), "ghost")
			assert.ErrorIs(t, err, taskerr.ErrNotFound)
		})
	}
}

func TestPercentile(t *testing.T) {
	durations := []int64{100, 200, 300, 400, 500, 600, 700, 800, 900, 1000}
	assert.Equal(t, int64(500), percentile(durations, 50))
	assert.Equal(t, int64(1000), percentile(durations, 95))
	assert.Equal(t, int64(0), percentile(nil, 50))
	assert.Equal(t, int64(42), percentile([]int64{42}, 95))
}

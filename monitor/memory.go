package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AuralisLabs/CastKit/logger"
	"github.com/AuralisLabs/CastKit/taskerr"
)

// MemoryMonitor tracks tasks in process memory. One mutex guards all task
// state; event delivery happens outside the lock so a slow subscriber can
// never stall a transition. Terminal tasks are evicted by a janitor after
// the retention window, and outcome counters reset with the process.
type MemoryMonitor struct {
	opts options

	mu        sync.Mutex
	tasks     map[string]*Task
	idem      map[string]idemEntry
	durations []int64
	completed int64
	failed    int64
	timedOut  int64

	subs      *subscriberRegistry
	done      chan struct{}
	closeOnce sync.Once
}

type idemEntry struct {
	textID    string
	expiresAt time.Time
}

// NewMemoryMonitor creates the in-process monitor and starts its janitor.
func NewMemoryMonitor(opts ...Option) *MemoryMonitor {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	m := &MemoryMonitor{
		opts:  o,
		tasks: make(map[string]*Task),
		idem:  make(map[string]idemEntry),
		subs:  newSubscriberRegistry(),
		done:  make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Backend names the implementation.
func (m *MemoryMonitor) Backend() string {
	return "memory"
}

// Close stops the janitor and closes all subscriber channels.
func (m *MemoryMonitor) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.subs.closeAll()
	})
	return nil
}

// StartTask registers a QUEUED task unless the text id is already live or
// the content hash is claimed by another text.
func (m *MemoryMonitor) StartTask(_ context.Context, textID, contentHash string) (StartResult, error) {
	var evt Event

	m.mu.Lock()
	if t, ok := m.tasks[textID]; ok && !t.Status.Terminal() {
		m.mu.Unlock()
		return StartResult{Outcome: OutcomeAlreadyRunning, ExistingTextID: textID}, nil
	}
	if e, ok := m.idem[contentHash]; ok && time.Now().Before(e.expiresAt) && e.textID != textID {
		m.mu.Unlock()
		return StartResult{Outcome: OutcomeDuplicateContent, ExistingTextID: e.textID}, nil
	}

	m.idem[contentHash] = idemEntry{textID: textID, expiresAt: time.Now().Add(m.opts.idempotencyTTL)}
	m.tasks[textID] = &Task{
		TextID:      textID,
		ContentHash: contentHash,
		Status:      StatusQueued,
		StartedAt:   nowMilli(),
	}
	evt = statusEvent(StatusQueued)
	m.mu.Unlock()

	logger.TaskTransition(textID, "", string(StatusQueued))
	m.subs.send(textID, evt)
	return StartResult{Outcome: OutcomeStarted, ExistingTextID: textID}, nil
}

// MarkProcessing moves a QUEUED task to PROCESSING.
func (m *MemoryMonitor) MarkProcessing(_ context.Context, textID string) error {
	m.mu.Lock()
	t, ok := m.tasks[textID]
	if !ok {
		m.mu.Unlock()
		return taskerr.Wrap(taskerr.KindInternal, "mark processing "+textID, taskerr.ErrNotFound)
	}
	if t.Status != StatusQueued {
		status := t.Status
		m.mu.Unlock()
		return fmt.Errorf("task %s is %s, cannot mark processing", textID, status)
	}
	t.Status = StatusProcessing
	evt := statusEvent(StatusProcessing)
	m.mu.Unlock()

	logger.TaskTransition(textID, string(StatusQueued), string(StatusProcessing))
	m.subs.send(textID, evt)
	return nil
}

// SetStrategy records the scheduling decision and announces the segment
// total as a zero-progress event.
func (m *MemoryMonitor) SetStrategy(_ context.Context, textID string, strategy Strategy, segmentCount int) error {
	m.mu.Lock()
	t, ok := m.tasks[textID]
	if !ok {
		m.mu.Unlock()
		return taskerr.Wrap(taskerr.KindInternal, "set strategy "+textID, taskerr.ErrNotFound)
	}
	t.Strategy = strategy
	t.SegmentCount = segmentCount
	evt := progressEvent(t.SegmentsCompleted, segmentCount)
	m.mu.Unlock()

	m.subs.send(textID, evt)
	return nil
}

// UpdateProgress raises the completed-segment count; stale values are
// ignored.
func (m *MemoryMonitor) UpdateProgress(_ context.Context, textID string, segmentsCompleted int) error {
	m.mu.Lock()
	t, ok := m.tasks[textID]
	if !ok {
		m.mu.Unlock()
		return taskerr.Wrap(taskerr.KindInternal, "update progress "+textID, taskerr.ErrNotFound)
	}
	if segmentsCompleted <= t.SegmentsCompleted || t.Status.Terminal() {
		m.mu.Unlock()
		return nil
	}
	t.SegmentsCompleted = segmentsCompleted
	evt := progressEvent(t.SegmentsCompleted, t.SegmentCount)
	m.mu.Unlock()

	m.subs.send(textID, evt)
	return nil
}

// CompleteTask moves a task to COMPLETED with its audio artifacts.
func (m *MemoryMonitor) CompleteTask(_ context.Context, textID, audioKey, audioFilename, audioURL string) (*Task, error) {
	return m.finishTask(textID, StatusCompleted, func(t *Task) {
		t.AudioKey = audioKey
		t.AudioFilename = audioFilename
		t.AudioURL = audioURL
	})
}

// FailTask moves a task to FAILED with its error taxonomy kind and message.
func (m *MemoryMonitor) FailTask(_ context.Context, textID string, kind taskerr.Kind, message string) (*Task, error) {
	return m.finishTask(textID, StatusFailed, func(t *Task) {
		t.ErrorKind = string(kind)
		t.ErrorMessage = message
	})
}

// TimeoutTask moves a task to TIMEOUT.
func (m *MemoryMonitor) TimeoutTask(_ context.Context, textID string) (*Task, error) {
	return m.finishTask(textID, StatusTimeout, func(t *Task) {
		t.ErrorKind = string(taskerr.KindTransientProvider)
		t.ErrorMessage = "task exceeded its processing deadline"
	})
}

// finishTask applies one terminal transition. Already-terminal tasks are
// returned untouched so racing finishers agree on the first outcome.
func (m *MemoryMonitor) finishTask(textID string, status Status, apply func(*Task)) (*Task, error) {
	m.mu.Lock()
	t, ok := m.tasks[textID]
	if !ok {
		m.mu.Unlock()
		return nil, taskerr.Wrap(taskerr.KindInternal, "finish "+textID, taskerr.ErrNotFound)
	}
	if t.Status.Terminal() {
		snapshot := *t
		m.mu.Unlock()
		return &snapshot, nil
	}

	from := t.Status
	t.Status = status
	t.EndedAt = nowMilli()
	apply(t)

	switch status {
	case StatusCompleted:
		m.completed++
		m.durations = append(m.durations, t.EndedAt-t.StartedAt)
		if len(m.durations) > maxDurationSamples {
			m.durations = m.durations[len(m.durations)-maxDurationSamples:]
		}
	case StatusFailed:
		m.failed++
	case StatusTimeout:
		m.timedOut++
	}

	snapshot := *t
	evt := terminalEvent(t)
	m.mu.Unlock()

	logger.TaskTransition(textID, string(from), string(status))
	m.subs.finish(textID, evt)
	return &snapshot, nil
}

// GetTask returns a snapshot of the task.
func (m *MemoryMonitor) GetTask(_ context.Context, textID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[textID]
	if !ok {
		return nil, taskerr.ErrNotFound
	}
	snapshot := *t
	return &snapshot, nil
}

// ActiveTasks snapshots all QUEUED and PROCESSING tasks.
func (m *MemoryMonitor) ActiveTasks(_ context.Context) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var active []*Task
	for _, t := range m.tasks {
		if !t.Status.Terminal() {
			snapshot := *t
			active = append(active, &snapshot)
		}
	}
	return active, nil
}

// Stats reports counts from this process's lifetime.
func (m *MemoryMonitor) Stats(_ context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Stats{
		Completed:     m.completed,
		Failed:        m.failed,
		TimedOut:      m.timedOut,
		SuccessRate:   successRate(m.completed, m.failed, m.timedOut),
		P50DurationMS: percentile(m.durations, 50),
		P95DurationMS: percentile(m.durations, 95),
	}
	for _, t := range m.tasks {
		switch t.Status {
		case StatusQueued:
			s.Queued++
		case StatusProcessing:
			s.Active++
		}
	}
	return s, nil
}

// Subscribe follows the task's events.
func (m *MemoryMonitor) Subscribe(textID string) (<-chan Event, func()) {
	return m.subs.get(textID).subscribe()
}

// Publish emits an event to local subscribers.
func (m *MemoryMonitor) Publish(_ context.Context, textID string, evt Event) error {
	m.subs.send(textID, evt)
	return nil
}

// janitor evicts terminal tasks past the retention window and expired
// idempotency claims.
func (m *MemoryMonitor) janitor() {
	ticker := time.NewTicker(m.opts.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evict()
		}
	}
}

func (m *MemoryMonitor) evict() {
	now := time.Now()
	cutoff := now.UnixMilli() - m.opts.retention.Milliseconds()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tasks {
		if t.Status.Terminal() && t.EndedAt <= cutoff {
			delete(m.tasks, id)
		}
	}
	for hash, e := range m.idem {
		if now.After(e.expiresAt) {
			delete(m.idem, hash)
		}
	}
}

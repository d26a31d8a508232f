// Package monitor tracks synthesis task lifecycle and fans task events out
// to subscribers.
//
// Two implementations share one contract: RedisMonitor coordinates a fleet
// through a shared store and pub/sub, MemoryMonitor serves single-process
// deployments. Task status moves monotonically from QUEUED through
// PROCESSING to exactly one terminal state; terminal transitions are
// idempotent and state is committed before the matching event is published.
package monitor

import (
	"context"
	"sort"
	"time"

	"github.com/AuralisLabs/CastKit/taskerr"
)

// Status is a task lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// Strategy names how a task's segments are scheduled.
type Strategy string

const (
	StrategySerial   Strategy = "serial"
	StrategyParallel Strategy = "parallel"
)

// Task is the hot view of one synthesis run. Timestamps are epoch
// milliseconds.
type Task struct {
	TextID            string   `json:"text_id"`
	ContentHash       string   `json:"content_hash,omitempty"`
	Status            Status   `json:"status"`
	Strategy          Strategy `json:"strategy,omitempty"`
	SegmentCount      int      `json:"segment_count,omitempty"`
	SegmentsCompleted int      `json:"segments_completed"`
	AudioKey          string   `json:"audio_key,omitempty"`
	AudioFilename     string   `json:"audio_filename,omitempty"`
	AudioURL          string   `json:"audio_url,omitempty"`
	ErrorKind         string   `json:"error_kind,omitempty"`
	ErrorMessage      string   `json:"error_message,omitempty"`
	StartedAt         int64    `json:"started_at"`
	EndedAt           int64    `json:"ended_at,omitempty"`
}

// StartOutcome is the result of a start attempt.
type StartOutcome string

const (
	// OutcomeStarted means the task was registered and may be dispatched.
	OutcomeStarted StartOutcome = "started"

	// OutcomeAlreadyRunning means a non-terminal task for this text id
	// already exists somewhere in the fleet.
	OutcomeAlreadyRunning StartOutcome = "already_running"

	// OutcomeDuplicateContent means identical content was recently
	// submitted under another text id.
	OutcomeDuplicateContent StartOutcome = "duplicate_content"
)

// StartResult reports the outcome of StartTask. ExistingTextID names the
// task already covering this work when the outcome is not OutcomeStarted.
type StartResult struct {
	Outcome        StartOutcome `json:"outcome"`
	ExistingTextID string       `json:"existing_text_id,omitempty"`
}

// Event types.
const (
	EventStatus    = "status"
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventTimeout   = "timeout"
	EventKeepalive = "keepalive"
)

// Event is one observable task state change. At is epoch milliseconds.
type Event struct {
	Type     string      `json:"type"`
	Status   Status      `json:"status,omitempty"`
	Progress *Progress   `json:"progress,omitempty"`
	AudioURL string      `json:"audio_url,omitempty"`
	Error    *EventError `json:"error,omitempty"`
	At       int64       `json:"at"`
}

// Terminal reports whether the event ends its task's stream.
func (e Event) Terminal() bool {
	return e.Type == EventCompleted || e.Type == EventFailed || e.Type == EventTimeout
}

// Progress counts finished segments out of the segment total.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// EventError carries the taxonomy kind and message of a failed task.
type EventError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Stats summarizes the monitor's view of the fleet. Outcome counters are
// durable in the shared-store implementation and reset with the process in
// the in-memory one.
type Stats struct {
	Active        int     `json:"active"`
	Queued        int     `json:"queued"`
	Completed     int64   `json:"completed"`
	Failed        int64   `json:"failed"`
	TimedOut      int64   `json:"timeout"`
	SuccessRate   float64 `json:"success_rate"`
	P50DurationMS int64   `json:"p50_duration_ms"`
	P95DurationMS int64   `json:"p95_duration_ms"`
}

// Monitor is the task lifecycle store. All mutating operations commit state
// before the corresponding event reaches any subscriber.
type Monitor interface {
	// StartTask atomically registers a QUEUED task, claiming the content
	// hash for idempotency.
	StartTask(ctx context.Context, textID, contentHash string) (StartResult, error)

	// MarkProcessing moves a QUEUED task to PROCESSING.
	MarkProcessing(ctx context.Context, textID string) error

	// SetStrategy records the chosen scheduling strategy and segment total.
	SetStrategy(ctx context.Context, textID string, strategy Strategy, segmentCount int) error

	// UpdateProgress raises the completed-segment count. Lower values than
	// the current count are ignored so concurrent workers keep progress
	// monotonic.
	UpdateProgress(ctx context.Context, textID string, segmentsCompleted int) error

	// CompleteTask, FailTask, and TimeoutTask move a task to its terminal
	// state. Calling any of them on an already-terminal task changes
	// nothing and returns the task as it stands.
	CompleteTask(ctx context.Context, textID, audioKey, audioFilename, audioURL string) (*Task, error)
	FailTask(ctx context.Context, textID string, kind taskerr.Kind, message string) (*Task, error)
	TimeoutTask(ctx context.Context, textID string) (*Task, error)

	// GetTask returns a snapshot, or taskerr.ErrNotFound.
	GetTask(ctx context.Context, textID string) (*Task, error)

	// ActiveTasks snapshots all non-terminal tasks.
	ActiveTasks(ctx context.Context) ([]*Task, error)

	// Stats summarizes counts, success rate, and duration percentiles.
	Stats(ctx context.Context) (*Stats, error)

	// Subscribe follows a task's events. The returned cancel func must be
	// called; the channel closes after a terminal event or cancel.
	Subscribe(textID string) (<-chan Event, func())

	// Publish emits an event to the task's subscribers.
	Publish(ctx context.Context, textID string, evt Event) error

	// Backend names the implementation, "redis" or "memory".
	Backend() string

	Close() error
}

// maxDurationSamples caps the completed-task duration window used for
// percentiles.
const maxDurationSamples = 512

func nowMilli() int64 {
	return time.Now().UnixMilli()
}

// percentile returns the p-th percentile (nearest-rank) of durations.
func percentile(durations []int64, p float64) int64 {
	if len(durations) == 0 {
		return 0
	}
	sorted := append([]int64(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := int(float64(len(sorted))*p/100+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func successRate(completed, failed, timedOut int64) float64 {
	total := completed + failed + timedOut
	if total == 0 {
		return 0
	}
	return float64(completed) / float64(total)
}

func statusEvent(s Status) Event {
	return Event{Type: EventStatus, Status: s, At: nowMilli()}
}

func progressEvent(completed, total int) Event {
	return Event{
		Type:     EventProgress,
		Status:   StatusProcessing,
		Progress: &Progress{Completed: completed, Total: total},
		At:       nowMilli(),
	}
}

// terminalEvent builds the closing event for a task that just reached a
// terminal state.
func terminalEvent(t *Task) Event {
	evt := Event{Status: t.Status, At: nowMilli()}
	switch t.Status {
	case StatusCompleted:
		evt.Type = EventCompleted
		evt.AudioURL = t.AudioURL
	case StatusFailed:
		evt.Type = EventFailed
		evt.Error = &EventError{Kind: t.ErrorKind, Message: t.ErrorMessage}
	case StatusTimeout:
		evt.Type = EventTimeout
		evt.Error = &EventError{Kind: t.ErrorKind, Message: t.ErrorMessage}
	}
	return evt
}

package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/AuralisLabs/CastKit/logger"
	"github.com/AuralisLabs/CastKit/taskerr"
)

// startScript registers a task atomically: the live-task check, the content
// hash claim, and the QUEUED write happen in one step so two processes can
// never both start work for the same text or content.
var startScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'queued' or status == 'processing' then
	return {'already_running', ARGV[1]}
end
local owner = redis.call('GET', KEYS[2])
if owner and owner ~= ARGV[1] then
	return {'duplicate_content', owner}
end
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[4])
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'text_id', ARGV[1], 'content_hash', ARGV[2], 'status', 'queued', 'started_at', ARGV[3], 'segments_completed', '0')
redis.call('SADD', KEYS[3], ARGV[1])
return {'started', ARGV[1]}
`)

var markProcessingScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return 'missing'
end
if status ~= 'queued' then
	return status
end
redis.call('HSET', KEYS[1], 'status', 'processing')
return 'ok'
`)

// progressScript keeps segments_completed monotonic under concurrent
// writers.
var progressScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return -1
end
if status == 'completed' or status == 'failed' or status == 'timeout' then
	return 0
end
local cur = tonumber(redis.call('HGET', KEYS[1], 'segments_completed') or '0')
if tonumber(ARGV[1]) <= cur then
	return 0
end
redis.call('HSET', KEYS[1], 'segments_completed', ARGV[1])
return 1
`)

// terminalScript applies one terminal transition idempotently: the first
// finisher wins, later ones observe a no-op. Outcome counters and the
// completed-duration window update in the same atomic step, and the task
// hash gets its retention TTL.
var terminalScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return {'missing', ''}
end
if status == 'completed' or status == 'failed' or status == 'timeout' then
	return {'noop', status}
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'ended_at', ARGV[3])
for i = 5, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('HINCRBY', KEYS[3], ARGV[2], 1)
if ARGV[2] == 'completed' then
	local started = tonumber(redis.call('HGET', KEYS[1], 'started_at') or ARGV[3])
	redis.call('LPUSH', KEYS[4], tostring(tonumber(ARGV[3]) - started))
	redis.call('LTRIM', KEYS[4], 0, 511)
end
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {'ok', status}
`)

// RedisMonitor coordinates task state across processes through a shared
// store. Events publish on per-task channels after the state commit; every
// monitor instance runs one pattern subscription and fans events out to its
// local subscribers.
type RedisMonitor struct {
	client *redis.Client
	opts   options
	subs   *subscriberRegistry

	pubsub    *redis.PubSub
	closeOnce sync.Once
}

// NewRedisMonitor creates the shared-store monitor and starts its event
// listener.
func NewRedisMonitor(client *redis.Client, opts ...Option) *RedisMonitor {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	m := &RedisMonitor{
		client: client,
		opts:   o,
		subs:   newSubscriberRegistry(),
	}
	m.pubsub = client.PSubscribe(context.Background(), m.eventsPrefix()+"*")
	go m.listen()
	return m
}

func (m *RedisMonitor) taskKey(textID string) string {
	return fmt.Sprintf("%s:task:%s", m.opts.prefix, textID)
}

func (m *RedisMonitor) idemKey(contentHash string) string {
	return fmt.Sprintf("%s:idem:%s", m.opts.prefix, contentHash)
}

func (m *RedisMonitor) activeKey() string {
	return m.opts.prefix + ":active"
}

func (m *RedisMonitor) statsKey() string {
	return m.opts.prefix + ":stats"
}

func (m *RedisMonitor) durationsKey() string {
	return m.opts.prefix + ":durations"
}

func (m *RedisMonitor) eventsPrefix() string {
	return m.opts.prefix + ":events:"
}

func (m *RedisMonitor) eventsKey(textID string) string {
	return m.eventsPrefix() + textID
}

// Backend names the implementation.
func (m *RedisMonitor) Backend() string {
	return "redis"
}

// Close stops the event listener and closes all subscriber channels. The
// Redis client itself belongs to the caller.
func (m *RedisMonitor) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = m.pubsub.Close()
		m.subs.closeAll()
	})
	return err
}

// listen fans pub/sub events out to this process's subscribers. It exits
// when Close shuts the subscription down.
func (m *RedisMonitor) listen() {
	for msg := range m.pubsub.Channel() {
		textID := strings.TrimPrefix(msg.Channel, m.eventsPrefix())
		var evt Event
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			logger.Warn("discarding malformed task event", "channel", msg.Channel, "error", err)
			continue
		}
		if evt.Terminal() {
			m.subs.finish(textID, evt)
		} else {
			m.subs.send(textID, evt)
		}
	}
}

// StartTask atomically registers a QUEUED task.
func (m *RedisMonitor) StartTask(ctx context.Context, textID, contentHash string) (StartResult, error) {
	res, err := startScript.Run(ctx, m.client,
		[]string{m.taskKey(textID), m.idemKey(contentHash), m.activeKey()},
		textID, contentHash, nowMilli(), m.opts.idempotencyTTL.Milliseconds()).StringSlice()
	if err != nil {
		return StartResult{}, fmt.Errorf("start task %s: %w", textID, err)
	}
	if len(res) != 2 {
		return StartResult{}, fmt.Errorf("start task %s: unexpected script reply %v", textID, res)
	}

	result := StartResult{Outcome: StartOutcome(res[0]), ExistingTextID: res[1]}
	if result.Outcome == OutcomeStarted {
		logger.TaskTransition(textID, "", string(StatusQueued))
		m.publish(ctx, textID, statusEvent(StatusQueued))
	}
	return result, nil
}

// MarkProcessing moves a QUEUED task to PROCESSING.
func (m *RedisMonitor) MarkProcessing(ctx context.Context, textID string) error {
	res, err := markProcessingScript.Run(ctx, m.client, []string{m.taskKey(textID)}).Text()
	if err != nil {
		return fmt.Errorf("mark processing %s: %w", textID, err)
	}
	switch res {
	case "ok":
		logger.TaskTransition(textID, string(StatusQueued), string(StatusProcessing))
		m.publish(ctx, textID, statusEvent(StatusProcessing))
		return nil
	case "missing":
		return taskerr.Wrap(taskerr.KindInternal, "mark processing "+textID, taskerr.ErrNotFound)
	default:
		return fmt.Errorf("task %s is %s, cannot mark processing", textID, res)
	}
}

// SetStrategy records the scheduling decision and segment total.
func (m *RedisMonitor) SetStrategy(ctx context.Context, textID string, strategy Strategy, segmentCount int) error {
	key := m.taskKey(textID)
	exists, err := m.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("set strategy %s: %w", textID, err)
	}
	if exists == 0 {
		return taskerr.Wrap(taskerr.KindInternal, "set strategy "+textID, taskerr.ErrNotFound)
	}
	err = m.client.HSet(ctx, key, "strategy", string(strategy), "segment_count", segmentCount).Err()
	if err != nil {
		return fmt.Errorf("set strategy %s: %w", textID, err)
	}

	m.publish(ctx, textID, progressEvent(0, segmentCount))
	return nil
}

// UpdateProgress raises the completed-segment count; stale values are
// ignored.
func (m *RedisMonitor) UpdateProgress(ctx context.Context, textID string, segmentsCompleted int) error {
	res, err := progressScript.Run(ctx, m.client, []string{m.taskKey(textID)}, segmentsCompleted).Int()
	if err != nil {
		return fmt.Errorf("update progress %s: %w", textID, err)
	}
	switch res {
	case -1:
		return taskerr.Wrap(taskerr.KindInternal, "update progress "+textID, taskerr.ErrNotFound)
	case 0:
		return nil
	}

	t, err := m.GetTask(ctx, textID)
	if err != nil {
		return nil
	}
	m.publish(ctx, textID, progressEvent(t.SegmentsCompleted, t.SegmentCount))
	return nil
}

// CompleteTask moves a task to COMPLETED with its audio artifacts.
func (m *RedisMonitor) CompleteTask(ctx context.Context, textID, audioKey, audioFilename, audioURL string) (*Task, error) {
	return m.finishTask(ctx, textID, StatusCompleted,
		"audio_key", audioKey, "audio_filename", audioFilename, "audio_url", audioURL)
}

// FailTask moves a task to FAILED with its error taxonomy kind and message.
func (m *RedisMonitor) FailTask(ctx context.Context, textID string, kind taskerr.Kind, message string) (*Task, error) {
	return m.finishTask(ctx, textID, StatusFailed,
		"error_kind", string(kind), "error_message", message)
}

// TimeoutTask moves a task to TIMEOUT.
func (m *RedisMonitor) TimeoutTask(ctx context.Context, textID string) (*Task, error) {
	return m.finishTask(ctx, textID, StatusTimeout,
		"error_kind", string(taskerr.KindTransientProvider),
		"error_message", "task exceeded its processing deadline")
}

func (m *RedisMonitor) finishTask(ctx context.Context, textID string, status Status, fields ...string) (*Task, error) {
	args := make([]interface{}, 0, 4+len(fields))
	args = append(args, textID, string(status), nowMilli(), m.opts.retention.Milliseconds())
	for _, f := range fields {
		args = append(args, f)
	}

	keys := []string{m.taskKey(textID), m.activeKey(), m.statsKey(), m.durationsKey()}
	res, err := terminalScript.Run(ctx, m.client, keys, args...).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("finish task %s: %w", textID, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("finish task %s: unexpected script reply %v", textID, res)
	}
	if res[0] == "missing" {
		return nil, taskerr.Wrap(taskerr.KindInternal, "finish "+textID, taskerr.ErrNotFound)
	}

	t, err := m.GetTask(ctx, textID)
	if err != nil {
		return nil, err
	}
	if res[0] == "ok" {
		logger.TaskTransition(textID, res[1], string(status))
		m.publish(ctx, textID, terminalEvent(t))
	}
	return t, nil
}

// GetTask returns a snapshot of the task.
func (m *RedisMonitor) GetTask(ctx context.Context, textID string) (*Task, error) {
	h, err := m.client.HGetAll(ctx, m.taskKey(textID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", textID, err)
	}
	if len(h) == 0 {
		return nil, taskerr.ErrNotFound
	}
	return taskFromHash(h), nil
}

// ActiveTasks snapshots all QUEUED and PROCESSING tasks.
func (m *RedisMonitor) ActiveTasks(ctx context.Context) ([]*Task, error) {
	ids, err := m.client.SMembers(ctx, m.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("active tasks: %w", err)
	}

	var active []*Task
	for _, id := range ids {
		t, err := m.GetTask(ctx, id)
		if err != nil {
			// Stale member: the task hash is gone but the set entry
			// survived a crash between writes.
			m.client.SRem(ctx, m.activeKey(), id)
			continue
		}
		if !t.Status.Terminal() {
			active = append(active, t)
		}
	}
	return active, nil
}

// Stats reports durable outcome counters from the shared store.
func (m *RedisMonitor) Stats(ctx context.Context) (*Stats, error) {
	counts, err := m.client.HGetAll(ctx, m.statsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	s := &Stats{
		Completed: parseInt64(counts["completed"]),
		Failed:    parseInt64(counts["failed"]),
		TimedOut:  parseInt64(counts["timeout"]),
	}
	s.SuccessRate = successRate(s.Completed, s.Failed, s.TimedOut)

	active, err := m.ActiveTasks(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range active {
		switch t.Status {
		case StatusQueued:
			s.Queued++
		case StatusProcessing:
			s.Active++
		}
	}

	raw, err := m.client.LRange(ctx, m.durationsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("stats durations: %w", err)
	}
	durations := make([]int64, 0, len(raw))
	for _, r := range raw {
		durations = append(durations, parseInt64(r))
	}
	s.P50DurationMS = percentile(durations, 50)
	s.P95DurationMS = percentile(durations, 95)
	return s, nil
}

// Subscribe follows the task's events as relayed by the pattern listener.
func (m *RedisMonitor) Subscribe(textID string) (<-chan Event, func()) {
	return m.subs.get(textID).subscribe()
}

// Publish emits an event on the task's channel.
func (m *RedisMonitor) Publish(ctx context.Context, textID string, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := m.client.Publish(ctx, m.eventsKey(textID), payload).Err(); err != nil {
		return fmt.Errorf("publish event for %s: %w", textID, err)
	}
	return nil
}

// publish is the post-commit event emit. State is already durable, so a
// publish failure only degrades liveness for current subscribers; they
// recover from snapshots.
func (m *RedisMonitor) publish(ctx context.Context, textID string, evt Event) {
	if err := m.Publish(ctx, textID, evt); err != nil {
		logger.Warn("task event publish failed", "text_id", textID, "type", evt.Type, "error", err)
	}
}

func taskFromHash(h map[string]string) *Task {
	return &Task{
		TextID:            h["text_id"],
		ContentHash:       h["content_hash"],
		Status:            Status(h["status"]),
		Strategy:          Strategy(h["strategy"]),
		SegmentCount:      int(parseInt64(h["segment_count"])),
		SegmentsCompleted: int(parseInt64(h["segments_completed"])),
		AudioKey:          h["audio_key"],
		AudioFilename:     h["audio_filename"],
		AudioURL:          h["audio_url"],
		ErrorKind:         h["error_kind"],
		ErrorMessage:      h["error_message"],
		StartedAt:         parseInt64(h["started_at"]),
		EndedAt:           parseInt64(h["ended_at"]),
	}
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AuralisLabs/CastKit/config"
	"github.com/AuralisLabs/CastKit/dialogue"
	"github.com/AuralisLabs/CastKit/engine"
	"github.com/AuralisLabs/CastKit/limiter"
	"github.com/AuralisLabs/CastKit/monitor"
	"github.com/AuralisLabs/CastKit/persistence"
	"github.com/AuralisLabs/CastKit/taskerr"
)

// fakeSynth renders deterministic bytes per segment, optionally slowly.
type fakeSynth struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
}

func (f *fakeSynth) Synthesize(ctx context.Context, seg dialogue.Segment) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	buf := []byte{0xFF, 0xFB}
	for _, turn := range seg.Turns {
		buf = append(buf, fmt.Sprintf("<%d:%s>", turn.Speaker, turn.Text)...)
	}
	for len(buf) < 120 {
		buf = append(buf, 0)
	}
	return buf, nil
}

func (f *fakeSynth) setDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

// fakeBlobs records puts and can be told to fail its health probe.
type fakeBlobs struct {
	mu      sync.Mutex
	puts    map[string][]byte
	pingErr error
}

func (f *fakeBlobs) Put(_ context.Context, key string, data []byte, _ string, _ bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.puts == nil {
		f.puts = make(map[string][]byte)
	}
	f.puts[key] = data
	return f.URL(key), nil
}

func (f *fakeBlobs) URL(key string) string { return "https://cdn.test/" + key }

func (f *fakeBlobs) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeBlobs) keys(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.puts {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

type fixture struct {
	svc   *Service
	cfg   *config.Config
	mon   monitor.Monitor
	lim   limiter.Limiter
	store *persistence.MemoryStore
	blobs *fakeBlobs
	synth *fakeSynth
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Provider.Voices = []string{"voice_a", "voice_b", "voice_c"}
	cfg.Tasks.MaxPerSegment = 2
	cfg.Tasks.SegmentRetryDelayBase = 0
	cfg.Tasks.AcquireTimeoutSeconds = 5
	return cfg
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	synth := &fakeSynth{}
	mon := monitor.NewMemoryMonitor()
	t.Cleanup(func() { _ = mon.Close() })
	store := persistence.NewMemoryStore()
	blobs := &fakeBlobs{}
	lim := limiter.NewLocalLimiter(cfg.Tasks.MaxConcurrentTasks)

	svc := New(Deps{
		Config:  cfg,
		Engine:  engine.NewEngine(cfg, synth, mon, store, blobs),
		Monitor: mon,
		Limiter: lim,
		Store:   store,
		Blobs:   blobs,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})

	return &fixture{svc: svc, cfg: cfg, mon: mon, lim: lim, store: store, blobs: blobs, synth: synth}
}

func dialogueText(turnCount int) string {
	var sb strings.Builder
	names := []string{"Alice", "Bob"}
	for i := 0; i < turnCount; i++ {
		fmt.Fprintf(&sb, "%s: Line number %d of the show.\n", names[i%2], i)
	}
	return sb.String()
}

func (f *fixture) waitTerminal(t *testing.T, textID string) *monitor.Task {
	t.Helper()
	var task *monitor.Task
	require.Eventually(t, func() bool {
		got, err := f.mon.GetTask(context.Background(), textID)
		if err != nil || !got.Status.Terminal() {
			return false
		}
		task = got
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return task
}

func TestSubmitRunsToCompletion(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	receipt, err := f.svc.Submit(ctx, SubmitRequest{
		TextID: "ep-1",
		UserID: "u-9",
		Title:  "evening show",
		Text:   dialogueText(4),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, receipt.Outcome)
	assert.Equal(t, "ep-1", receipt.TextID)

	task := f.waitTerminal(t, "ep-1")
	assert.Equal(t, monitor.StatusCompleted, task.Status)
	assert.NotEmpty(t, task.AudioURL)

	text, err := f.store.GetText(ctx, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, "u-9", text.UserID)
	assert.Equal(t, "evening show", text.Title)
	assert.NotEmpty(t, text.ObjectKey)

	assert.Len(t, f.blobs.keys("text/"), 1)
	assert.Len(t, f.blobs.keys("audio/"), 1)

	live, err := f.store.LiveAudio(ctx, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, task.AudioKey, live.ObjectKey)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, SubmitRequest{Text: "Alice: hi"})
	assert.Equal(t, taskerr.KindInput, taskerr.KindOf(err))

	_, err = f.svc.Submit(ctx, SubmitRequest{TextID: "t1", Text: "   \n  "})
	assert.ErrorIs(t, err, taskerr.ErrEmptyInput)

	f.cfg.Tasks.MaxTextChars = 10
	_, err = f.svc.Submit(ctx, SubmitRequest{TextID: "t2", Text: dialogueText(4)})
	assert.ErrorIs(t, err, taskerr.ErrTextTooLong)

	// Nothing was registered or persisted for rejected submissions.
	_, err = f.mon.GetTask(ctx, "t1")
	assert.ErrorIs(t, err, taskerr.ErrNotFound)
	assert.Empty(t, f.blobs.keys("text/"))
}

func TestSubmitAlreadyRunning(t *testing.T) {
	f := newFixture(t, testConfig())
	f.synth.setDelay(200 * time.Millisecond)
	ctx := context.Background()

	first, err := f.svc.Submit(ctx, SubmitRequest{TextID: "t1", Text: dialogueText(4)})
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, first.Outcome)

	second, err := f.svc.Submit(ctx, SubmitRequest{TextID: "t1", Text: dialogueText(4)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyRunning, second.Outcome)
	assert.Equal(t, "t1", second.ExistingTextID)

	f.waitTerminal(t, "t1")
}

func TestSubmitDuplicateContent(t *testing.T) {
	f := newFixture(t, testConfig())
	f.synth.setDelay(200 * time.Millisecond)
	ctx := context.Background()

	text := dialogueText(4)
	first, err := f.svc.Submit(ctx, SubmitRequest{TextID: "t1", Text: text})
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, first.Outcome)

	second, err := f.svc.Submit(ctx, SubmitRequest{TextID: "t2", Text: text})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, "t1", second.ExistingTextID)

	f.waitTerminal(t, "t1")
}

func TestSubmitBacklogFull(t *testing.T) {
	cfg := testConfig()
	cfg.Tasks.MaxConcurrentTasks = 1
	cfg.Tasks.DispatchBacklog = 1
	f := newFixture(t, cfg)
	ctx := context.Background()

	// Hold the only slot so the first dispatch keeps its backlog permit.
	slot, err := f.lim.Acquire(ctx, "outside")
	require.NoError(t, err)

	first, err := f.svc.Submit(ctx, SubmitRequest{TextID: "t1", Text: dialogueText(2)})
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, first.Outcome)

	_, err = f.svc.Submit(ctx, SubmitRequest{TextID: "t2", Text: dialogueText(6)})
	require.ErrorIs(t, err, taskerr.ErrBusy)

	rejected, gErr := f.mon.GetTask(ctx, "t2")
	require.NoError(t, gErr)
	assert.Equal(t, monitor.StatusFailed, rejected.Status)
	assert.Equal(t, string(taskerr.KindTransientProvider), rejected.ErrorKind)

	require.NoError(t, slot.Release(ctx))
	task := f.waitTerminal(t, "t1")
	assert.Equal(t, monitor.StatusCompleted, task.Status)
}

func TestSubmitSlotTimeoutFailsTask(t *testing.T) {
	cfg := testConfig()
	cfg.Tasks.MaxConcurrentTasks = 1
	cfg.Tasks.AcquireTimeoutSeconds = 1
	f := newFixture(t, cfg)
	ctx := context.Background()

	slot, err := f.lim.Acquire(ctx, "outside")
	require.NoError(t, err)
	defer func() { _ = slot.Release(context.Background()) }()

	receipt, err := f.svc.Submit(ctx, SubmitRequest{TextID: "t1", Text: dialogueText(2)})
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, receipt.Outcome)

	task := f.waitTerminal(t, "t1")
	assert.Equal(t, monitor.StatusFailed, task.Status)
	assert.Equal(t, string(taskerr.KindTransientProvider), task.ErrorKind)
}

func TestRetrySkippedWhenLiveAudioExists(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	require.NoError(t, f.store.SaveText(ctx, &persistence.Text{
		TextID: "t1", Content: dialogueText(2),
	}))
	require.NoError(t, f.store.InsertAudio(ctx, &persistence.Audio{
		TextID:    "t1",
		ObjectKey: "audio/2026/01/show_short_v01.mp3",
		URL:       "https://cdn.test/audio/2026/01/show_short_v01.mp3",
		Version:   1,
	}))

	receipt, err := f.svc.Retry(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, receipt.Outcome)
	assert.Equal(t, "https://cdn.test/audio/2026/01/show_short_v01.mp3", receipt.AudioURL)

	// No task was registered.
	_, err = f.mon.GetTask(ctx, "t1")
	assert.ErrorIs(t, err, taskerr.ErrNotFound)
}

func TestRetryDispatchesStoredText(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	require.NoError(t, f.store.SaveText(ctx, &persistence.Text{
		TextID:  "t1",
		UserID:  "u-2",
		Title:   "rerun",
		Content: dialogueText(4),
	}))

	receipt, err := f.svc.Retry(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDispatched, receipt.Outcome)

	task := f.waitTerminal(t, "t1")
	assert.Equal(t, monitor.StatusCompleted, task.Status)
	assert.Contains(t, task.AudioFilename, "rerun")

	live, err := f.store.LiveAudio(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "u-2", live.UserID)
}

func TestRetryUnknownText(t *testing.T) {
	f := newFixture(t, testConfig())

	_, err := f.svc.Retry(context.Background(), "nope")
	assert.ErrorIs(t, err, taskerr.ErrNotFound)
}

func TestRetryAlreadyRunning(t *testing.T) {
	f := newFixture(t, testConfig())
	f.synth.setDelay(200 * time.Millisecond)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, SubmitRequest{TextID: "t1", Text: dialogueText(4)})
	require.NoError(t, err)

	receipt, err := f.svc.Retry(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyRunning, receipt.Outcome)

	f.waitTerminal(t, "t1")
}

func TestStats(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, SubmitRequest{TextID: "t1", Text: dialogueText(2)})
	require.NoError(t, err)
	f.waitTerminal(t, "t1")

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "memory", stats.Backend)
	assert.Equal(t, f.cfg.Tasks.MaxConcurrentTasks, stats.Capacity)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.TextsTotal)
	assert.Equal(t, int64(1), stats.AudiosTotal)
}

func TestDiagnose(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	d := f.svc.Diagnose(ctx)
	assert.True(t, d.Healthy)
	assert.True(t, d.Checks["blob"].OK)
	assert.True(t, d.Checks["persistence"].OK)
	_, hasProvider := d.Checks["provider"]
	assert.False(t, hasProvider, "no provider pinger was wired")

	f.blobs.pingErr = fmt.Errorf("bucket unreachable")
	d = f.svc.Diagnose(ctx)
	assert.False(t, d.Healthy)
	assert.False(t, d.Checks["blob"].OK)
	assert.Contains(t, d.Checks["blob"].Error, "bucket unreachable")
}

func TestContentHashStable(t *testing.T) {
	a := ContentHash("Alice: hello")
	b := ContentHash("Alice: hello")
	c := ContentHash("Alice: hello!")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

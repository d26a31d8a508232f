// Package engine runs accepted synthesis tasks to their terminal state:
// parse, segment, render serially or in bounded parallel batches,
// concatenate in order, upload, record. The caller owns admission
// (idempotency check, limiter slot, PROCESSING transition); the engine
// owns everything after.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/AuralisLabs/CastKit/audio"
	"github.com/AuralisLabs/CastKit/config"
	"github.com/AuralisLabs/CastKit/dialogue"
	"github.com/AuralisLabs/CastKit/limiter"
	"github.com/AuralisLabs/CastKit/logger"
	castprom "github.com/AuralisLabs/CastKit/metrics/prometheus"
	"github.com/AuralisLabs/CastKit/monitor"
	"github.com/AuralisLabs/CastKit/persistence"
	"github.com/AuralisLabs/CastKit/storage"
	"github.com/AuralisLabs/CastKit/taskerr"
)

// appendSafeCodec is the one output format whose segments concatenate
// into a playable stream without container rewriting.
const appendSafeCodec = "mp3"

// releaseTimeout bounds the slot release once the task context is gone.
const releaseTimeout = 5 * time.Second

// Request describes one accepted synthesis run.
type Request struct {
	TextID string
	UserID string
	Title  string
	Text   string
}

// Engine orchestrates task execution.
type Engine struct {
	tasks           config.TasksConfig
	codec           string
	allowUnverified bool

	worker  *Worker
	parser  *dialogue.Parser
	monitor monitor.Monitor
	store   persistence.Store
	blobs   storage.BlobStore
}

// NewEngine wires an orchestrator. synth renders segments, mon records
// lifecycle, store and blobs persist the artifact.
func NewEngine(cfg *config.Config, synth Synthesizer, mon monitor.Monitor, store persistence.Store, blobs storage.BlobStore) *Engine {
	return &Engine{
		tasks:           cfg.Tasks,
		codec:           cfg.Provider.Codec,
		allowUnverified: cfg.Provider.AllowUnverifiedConcat,
		worker:          NewWorker(synth, cfg.Tasks.SegmentMaxRetries, cfg.Tasks.SegmentRetryBase()),
		parser:          dialogue.NewParser(len(cfg.Provider.Voices)),
		monitor:         mon,
		store:           store,
		blobs:           blobs,
	}
}

// Execute runs one task to a terminal state. The caller must hold slot
// and have already moved the task to PROCESSING; the slot is released on
// every exit path and renewed in the background while work is underway.
// The returned error reports why the task failed; the terminal state has
// already been committed by then.
func (e *Engine) Execute(ctx context.Context, req Request, slot limiter.Slot) error {
	castprom.RecordTaskStart()
	start := time.Now()
	ctx = logger.WithTextID(ctx, req.TextID)

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := slot.Release(releaseCtx); err != nil {
			logger.WarnContext(ctx, "release limiter slot", "error", err)
		}
	}()

	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go e.renewSlot(renewCtx, slot)

	strategy := monitor.StrategySerial

	turns, err := e.parser.Parse(req.Text)
	if err != nil {
		return e.fail(ctx, req.TextID, strategy, start, err)
	}
	turns = dialogue.SplitLongUtterances(turns, e.tasks.MaxUtteranceChars)
	segments := dialogue.Segments(turns, e.tasks.MaxPerSegment)

	longText := utf8.RuneCountInString(req.Text) >= e.tasks.LongTextThreshold
	if longText && len(segments) > 1 {
		strategy = monitor.StrategyParallel
	}

	if len(segments) > 1 && e.codec != appendSafeCodec && !e.allowUnverified {
		return e.fail(ctx, req.TextID, strategy, start, taskerr.Newf(taskerr.KindInput,
			"codec %s is not verified append-safe for multi-segment output; set allow_unverified_concat to override", e.codec))
	}

	if err := e.monitor.SetStrategy(ctx, req.TextID, strategy, len(segments)); err != nil {
		return e.fail(ctx, req.TextID, strategy, start, err)
	}

	buffers := make([][]byte, len(segments))
	if strategy == monitor.StrategySerial {
		err = e.renderSerial(ctx, req.TextID, segments, buffers)
	} else {
		err = e.renderParallel(ctx, req.TextID, segments, buffers)
	}
	if err != nil {
		return e.fail(ctx, req.TextID, strategy, start, err)
	}

	final := concat(buffers)
	if e.codec == appendSafeCodec {
		if err := audio.ValidateMP3(final); err != nil {
			return e.fail(ctx, req.TextID, strategy, start, err)
		}
	}

	key, filename, url, err := e.publish(ctx, req, longText, final)
	if err != nil {
		return e.fail(ctx, req.TextID, strategy, start, err)
	}

	task, err := e.monitor.CompleteTask(ctx, req.TextID, key, filename, url)
	if err != nil {
		castprom.RecordTaskEnd(string(monitor.StatusFailed), string(strategy), time.Since(start).Seconds())
		return fmt.Errorf("complete task %s: %w", req.TextID, err)
	}

	castprom.RecordTaskEnd(string(task.Status), string(strategy), time.Since(start).Seconds())
	logger.InfoContext(ctx, "task finished",
		"status", string(task.Status),
		"strategy", string(strategy),
		"segments", len(segments),
		"bytes", len(final),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// renderSerial runs segments one-by-one in index order.
func (e *Engine) renderSerial(ctx context.Context, textID string, segments []dialogue.Segment, buffers [][]byte) error {
	for i, seg := range segments {
		data, err := e.worker.Render(ctx, seg)
		if err != nil {
			return err
		}
		buffers[i] = data
		e.progress(ctx, textID, i+1)
	}
	return nil
}

// renderParallel partitions segments into contiguous batches and renders
// each batch concurrently. A failing member cancels its batch peers; no
// later batch starts after a failure.
func (e *Engine) renderParallel(ctx context.Context, textID string, segments []dialogue.Segment, buffers [][]byte) error {
	var mu sync.Mutex
	completed := 0

	batch := e.tasks.MaxConcurrentSegments
	if batch < 1 {
		batch = 1
	}
	for base := 0; base < len(segments); base += batch {
		end := min(base+batch, len(segments))
		g, gctx := errgroup.WithContext(ctx)
		for _, seg := range segments[base:end] {
			seg := seg
			g.Go(func() error {
				data, err := e.worker.Render(gctx, seg)
				if err != nil {
					return err
				}
				buffers[seg.Index] = data
				mu.Lock()
				completed++
				n := completed
				mu.Unlock()
				e.progress(ctx, textID, n)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// publish uploads the final buffer and records the audio row. A
// concurrent render that won the live-audio race is treated as success
// and its artifact is reused.
func (e *Engine) publish(ctx context.Context, req Request, longText bool, final []byte) (key, filename, url string, err error) {
	prior, err := e.store.CountAudioVersions(ctx, req.TextID)
	if err != nil {
		return "", "", "", taskerr.Wrap(taskerr.KindStorage, "count audio versions", err)
	}

	base := req.Title
	if base == "" {
		base = req.TextID
	}
	filename, err = storage.AudioFilename(base, longText, prior+1)
	if err != nil {
		return "", "", "", err
	}
	key = storage.AudioKey(time.Now(), filename)

	url, err = e.blobs.Put(ctx, key, final, "audio/mpeg", true)
	if err != nil {
		return "", "", "", taskerr.Wrap(taskerr.KindStorage, "upload audio", err)
	}

	row := &persistence.Audio{
		TextID:      req.TextID,
		UserID:      req.UserID,
		Filename:    filename,
		ObjectKey:   key,
		URL:         url,
		SizeBytes:   int64(len(final)),
		DurationSec: int(audio.EstimateDuration(int64(len(final))).Seconds()),
		Version:     prior + 1,
	}
	if err := e.store.InsertAudio(ctx, row); err != nil {
		if !errors.Is(err, persistence.ErrDuplicateAudio) {
			return "", "", "", taskerr.Wrap(taskerr.KindStorage, "record audio row", err)
		}
		live, lErr := e.store.LiveAudio(ctx, req.TextID)
		if lErr != nil {
			return "", "", "", taskerr.Wrap(taskerr.KindStorage, "load live audio after duplicate", lErr)
		}
		logger.WarnContext(ctx, "audio row already live, reusing artifact",
			"object_key", live.ObjectKey)
		return live.ObjectKey, live.Filename, live.URL, nil
	}
	return key, filename, url, nil
}

// fail commits the FAILED transition and reports the cause. When another
// finisher already committed a terminal state, that state's outcome is
// what gets recorded.
func (e *Engine) fail(ctx context.Context, textID string, strategy monitor.Strategy, start time.Time, cause error) error {
	outcome := monitor.StatusFailed
	task, err := e.monitor.FailTask(ctx, textID, taskerr.KindOf(cause), cause.Error())
	if err != nil {
		logger.ErrorContext(ctx, "record task failure", "error", err, "cause", cause)
	} else {
		outcome = task.Status
	}
	castprom.RecordTaskEnd(string(outcome), string(strategy), time.Since(start).Seconds())
	return cause
}

func (e *Engine) progress(ctx context.Context, textID string, completedSegments int) {
	if err := e.monitor.UpdateProgress(ctx, textID, completedSegments); err != nil {
		logger.WarnContext(ctx, "update progress", "error", err)
	}
}

// renewSlot keeps the limiter slot alive while the task runs. A renewal
// failure is survivable: the slot may be reclaimed, but interrupting a
// near-done render would waste more provider work than it saves.
func (e *Engine) renewSlot(ctx context.Context, slot limiter.Slot) {
	interval := e.tasks.SlotRenewInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := slot.Renew(ctx); err != nil {
				logger.WarnContext(ctx, "renew limiter slot", "error", err)
			}
		}
	}
}

func concat(buffers [][]byte) []byte {
	total := 0
	for _, b := range buffers {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range buffers {
		out = append(out, b...)
	}
	return out
}

package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/AuralisLabs/CastKit/dialogue"
	"github.com/AuralisLabs/CastKit/logger"
	castprom "github.com/AuralisLabs/CastKit/metrics/prometheus"
	"github.com/AuralisLabs/CastKit/taskerr"
)

// Synthesizer renders one segment to encoded audio. provider.Client is
// the production implementation.
type Synthesizer interface {
	Synthesize(ctx context.Context, seg dialogue.Segment) ([]byte, error)
}

// Worker renders segments with bounded retries. Every attempt goes
// through the Synthesizer from scratch, so a retry always opens a fresh
// provider session.
type Worker struct {
	synth       Synthesizer
	maxAttempts int
	retryBase   time.Duration
}

// NewWorker returns a worker making up to maxAttempts attempts per
// segment with linear backoff between them.
func NewWorker(synth Synthesizer, maxAttempts int, retryBase time.Duration) *Worker {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Worker{synth: synth, maxAttempts: maxAttempts, retryBase: retryBase}
}

// Render synthesizes one segment. Only transient provider errors retry;
// input errors and fatal provider rejections fail on first sight. The
// returned error preserves the segment index and the last cause.
func (w *Worker) Render(ctx context.Context, seg dialogue.Segment) ([]byte, error) {
	ctx = logger.WithSegment(ctx, strconv.Itoa(seg.Index))

	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if attempt > 1 {
			castprom.RecordSegmentRetry()
			// Backoff grows with the attempt index: base, 2*base, ...
			if err := sleepCtx(ctx, time.Duration(attempt-1)*w.retryBase); err != nil {
				return nil, fmt.Errorf("segment %d: %w", seg.Index, err)
			}
		}

		start := time.Now()
		audio, err := w.synth.Synthesize(ctx, seg)
		if err == nil {
			castprom.RecordProviderRequest(castprom.StatusSuccess, time.Since(start).Seconds())
			castprom.RecordSegment(castprom.StatusSuccess)
			return audio, nil
		}

		castprom.RecordProviderRequest(castprom.StatusError, time.Since(start).Seconds())
		logger.SegmentAttempt(ctx, attempt, err)
		lastErr = err
		if !taskerr.Retryable(err) {
			break
		}
	}
	castprom.RecordSegment(castprom.StatusError)
	return nil, fmt.Errorf("segment %d: %w", seg.Index, lastErr)
}

// sleepCtx waits d or returns early when ctx ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Package service is the public surface of the runtime: it admits
// submissions, owns the dispatch path from QUEUED to a running engine,
// and answers status, stream, stats, and diagnostic reads.
//
// Admission is three gates in order: idempotency (monitor.StartTask),
// dispatch backlog (a process-local semaphore), and the global task
// limiter. A submission is acknowledged once the first two gates pass;
// the limiter wait happens on the detached dispatch goroutine.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"github.com/AuralisLabs/CastKit/config"
	"github.com/AuralisLabs/CastKit/engine"
	"github.com/AuralisLabs/CastKit/fanout"
	"github.com/AuralisLabs/CastKit/limiter"
	"github.com/AuralisLabs/CastKit/logger"
	"github.com/AuralisLabs/CastKit/monitor"
	"github.com/AuralisLabs/CastKit/persistence"
	"github.com/AuralisLabs/CastKit/storage"
	"github.com/AuralisLabs/CastKit/taskerr"
)

// releaseTimeout bounds slot release when a dispatch aborts before the
// engine takes ownership.
const releaseTimeout = 5 * time.Second

// Pinger checks connectivity to the synthesis provider.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Outcome labels what happened to a submission or retry.
type Outcome string

// Submission and retry outcomes.
const (
	// OutcomeAccepted means a new task was registered and dispatched.
	OutcomeAccepted Outcome = "accepted"

	// OutcomeDispatched means a retry registered and dispatched a new task.
	OutcomeDispatched Outcome = "dispatched"

	// OutcomeSkipped means a retry found live audio and did nothing.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeAlreadyRunning means a non-terminal task covers this text.
	OutcomeAlreadyRunning Outcome = "already_running"

	// OutcomeDuplicate means the same content was recently submitted
	// under another text id.
	OutcomeDuplicate Outcome = "duplicate_content"
)

// Receipt reports the admission decision for a submission or retry.
type Receipt struct {
	Outcome        Outcome `json:"outcome"`
	TextID         string  `json:"text_id"`
	ExistingTextID string  `json:"existing_text_id,omitempty"`
	AudioURL       string  `json:"audio_url,omitempty"`
}

// SubmitRequest is one inbound synthesis submission.
type SubmitRequest struct {
	TextID string `json:"text_id"`
	UserID string `json:"user_id"`
	Title  string `json:"title"`
	Text   string `json:"text"`
}

// StatsResponse widens the monitor's view with limiter capacity and the
// durable persistence totals.
type StatsResponse struct {
	*monitor.Stats
	Backend     string `json:"backend"`
	Capacity    int    `json:"capacity"`
	TextsTotal  int64  `json:"texts_total"`
	AudiosTotal int64  `json:"audios_total"`
}

// CheckResult is one dependency probe.
type CheckResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Diagnosis reports connectivity to each external dependency.
type Diagnosis struct {
	Healthy bool                   `json:"healthy"`
	Checks  map[string]CheckResult `json:"checks"`
}

// Deps names everything a Service composes.
type Deps struct {
	Config   *config.Config
	Engine   *engine.Engine
	Monitor  monitor.Monitor
	Limiter  limiter.Limiter
	Store    persistence.Store
	Blobs    storage.BlobStore
	Provider Pinger // optional; nil skips the provider check in Diagnose
}

// Service admits, dispatches, and answers questions about synthesis tasks.
type Service struct {
	cfg      *config.Config
	eng      *engine.Engine
	mon      monitor.Monitor
	lim      limiter.Limiter
	store    persistence.Store
	blobs    storage.BlobStore
	prov     Pinger
	streamer *fanout.Streamer

	// dispatch caps goroutines sitting between acceptance and a limiter
	// slot, so a flood of submissions cannot pile up unbounded waiters.
	dispatch *semaphore.Weighted

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New wires a Service from its dependencies.
func New(d Deps) *Service {
	backlog := int64(d.Config.Tasks.DispatchBacklog)
	if backlog < 1 {
		backlog = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:      d.Config,
		eng:      d.Engine,
		mon:      d.Monitor,
		lim:      d.Limiter,
		store:    d.Store,
		blobs:    d.Blobs,
		prov:     d.Provider,
		streamer: fanout.NewStreamer(d.Monitor, d.Config.Stream.KeepaliveInterval(), d.Config.Stream.IdleLimit()),
		dispatch: semaphore.NewWeighted(backlog),
		baseCtx:  ctx,
		stop:     cancel,
	}
}

// Close stops accepting dispatches and waits for in-flight tasks until
// ctx expires. Tasks interrupted mid-render reach FAILED through the
// engine's normal failure path.
func (s *Service) Close(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ContentHash fingerprints submission text for the idempotency check.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Submit validates and admits one synthesis request. A non-nil Receipt
// with OutcomeAccepted means the task is registered, its text persisted,
// and a dispatch goroutine owns it from here.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Receipt, error) {
	if req.TextID == "" {
		return nil, taskerr.New(taskerr.KindInput, "text_id is required")
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, taskerr.Wrap(taskerr.KindInput, "submit "+req.TextID, taskerr.ErrEmptyInput)
	}
	if n := utf8.RuneCountInString(req.Text); n > s.cfg.Tasks.MaxTextChars {
		return nil, taskerr.Wrap(taskerr.KindInput,
			fmt.Sprintf("submit %s: %d chars over the %d limit", req.TextID, n, s.cfg.Tasks.MaxTextChars),
			taskerr.ErrTextTooLong)
	}

	res, err := s.mon.StartTask(ctx, req.TextID, ContentHash(req.Text))
	if err != nil {
		return nil, fmt.Errorf("start task %s: %w", req.TextID, err)
	}
	switch res.Outcome {
	case monitor.OutcomeAlreadyRunning:
		return &Receipt{Outcome: OutcomeAlreadyRunning, TextID: req.TextID, ExistingTextID: res.ExistingTextID}, nil
	case monitor.OutcomeDuplicateContent:
		return &Receipt{Outcome: OutcomeDuplicate, TextID: req.TextID, ExistingTextID: res.ExistingTextID}, nil
	}

	if err := s.persistText(ctx, req); err != nil {
		s.failTask(ctx, req.TextID, err)
		return nil, err
	}
	if err := s.enqueue(req); err != nil {
		s.failTask(ctx, req.TextID, err)
		return nil, err
	}

	logger.Info("submission accepted", "text_id", req.TextID, "chars", utf8.RuneCountInString(req.Text))
	return &Receipt{Outcome: OutcomeAccepted, TextID: req.TextID}, nil
}

// Retry re-runs synthesis for a stored text. It is a no-op when live
// audio already exists and refuses texts with a task still in flight.
func (s *Service) Retry(ctx context.Context, textID string) (*Receipt, error) {
	text, err := s.store.GetText(ctx, textID)
	if err != nil {
		return nil, err
	}

	audio, err := s.store.LiveAudio(ctx, textID)
	switch {
	case err == nil:
		return &Receipt{Outcome: OutcomeSkipped, TextID: textID, AudioURL: audio.URL}, nil
	case !errors.Is(err, taskerr.ErrNotFound):
		return nil, fmt.Errorf("check live audio %s: %w", textID, err)
	}

	res, err := s.mon.StartTask(ctx, textID, ContentHash(text.Content))
	if err != nil {
		return nil, fmt.Errorf("start task %s: %w", textID, err)
	}
	switch res.Outcome {
	case monitor.OutcomeAlreadyRunning:
		return &Receipt{Outcome: OutcomeAlreadyRunning, TextID: textID, ExistingTextID: res.ExistingTextID}, nil
	case monitor.OutcomeDuplicateContent:
		return &Receipt{Outcome: OutcomeDuplicate, TextID: textID, ExistingTextID: res.ExistingTextID}, nil
	}

	if err := s.enqueue(SubmitRequest{
		TextID: textID,
		UserID: text.UserID,
		Title:  text.Title,
		Text:   text.Content,
	}); err != nil {
		s.failTask(ctx, textID, err)
		return nil, err
	}

	logger.Info("retry dispatched", "text_id", textID)
	return &Receipt{Outcome: OutcomeDispatched, TextID: textID}, nil
}

// Task returns the monitor's snapshot of one task.
func (s *Service) Task(ctx context.Context, textID string) (*monitor.Task, error) {
	return s.mon.GetTask(ctx, textID)
}

// Stream follows textID's events into sink until the task ends or the
// subscriber goes away.
func (s *Service) Stream(ctx context.Context, textID string, sink fanout.Sink) error {
	return s.streamer.Stream(ctx, textID, sink)
}

// Stats summarizes the fleet.
func (s *Service) Stats(ctx context.Context) (*StatsResponse, error) {
	ms, err := s.mon.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("monitor stats: %w", err)
	}
	texts, audios, err := s.store.Totals(ctx)
	if err != nil {
		return nil, fmt.Errorf("persistence totals: %w", err)
	}
	return &StatsResponse{
		Stats:       ms,
		Backend:     s.mon.Backend(),
		Capacity:    s.lim.Capacity(),
		TextsTotal:  texts,
		AudiosTotal: audios,
	}, nil
}

// Diagnose probes each external dependency and reports what answered.
func (s *Service) Diagnose(ctx context.Context) *Diagnosis {
	checks := make(map[string]CheckResult)
	probe := func(name string, err error) {
		c := CheckResult{OK: err == nil}
		if err != nil {
			c.Error = err.Error()
		}
		checks[name] = c
	}

	probe("blob", s.blobs.Ping(ctx))
	probe("persistence", s.store.Ping(ctx))
	if s.prov != nil {
		probe("provider", s.prov.Ping(ctx))
	}

	healthy := true
	for _, c := range checks {
		if !c.OK {
			healthy = false
			break
		}
	}
	return &Diagnosis{Healthy: healthy, Checks: checks}
}

// persistText stores the raw submission: the text blob first, then the
// row pointing at it.
func (s *Service) persistText(ctx context.Context, req SubmitRequest) error {
	key := storage.TextKey(time.Now(), req.TextID)
	if _, err := s.blobs.Put(ctx, key, []byte(req.Text), "text/plain; charset=utf-8", false); err != nil {
		return taskerr.Wrap(taskerr.KindStorage, "store text blob", err)
	}
	if err := s.store.SaveText(ctx, &persistence.Text{
		TextID:    req.TextID,
		UserID:    req.UserID,
		Filename:  req.TextID + ".txt",
		Title:     req.Title,
		Content:   req.Text,
		CharCount: utf8.RuneCountInString(req.Text),
		ObjectKey: key,
	}); err != nil {
		return taskerr.Wrap(taskerr.KindStorage, "save text row", err)
	}
	return nil
}

// enqueue hands the accepted request to a dispatch goroutine, bounded by
// the backlog semaphore.
func (s *Service) enqueue(req SubmitRequest) error {
	if !s.dispatch.TryAcquire(1) {
		return taskerr.Wrap(taskerr.KindTransientProvider, "dispatch backlog full", taskerr.ErrBusy)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.dispatch.Release(1)
		s.run(req)
	}()
	return nil
}

// run owns one task from dispatch to its terminal state. It waits for a
// global slot, marks the task PROCESSING, and hands it to the engine.
// It runs detached from the submission request on the service's own
// lifecycle context.
func (s *Service) run(req SubmitRequest) {
	ctx := logger.WithTextID(s.baseCtx, req.TextID)

	acquireCtx, cancel := context.WithTimeout(ctx, s.cfg.Tasks.AcquireTimeout())
	slot, err := s.lim.Acquire(acquireCtx, req.TextID)
	cancel()
	if err != nil {
		s.failTask(ctx, req.TextID, err)
		return
	}

	if err := s.mon.MarkProcessing(ctx, req.TextID); err != nil {
		// The task moved while we waited for a slot, most likely swept
		// to TIMEOUT. Give the slot back and stop.
		logger.WarnContext(ctx, "mark processing refused", "error", err)
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if rerr := slot.Release(releaseCtx); rerr != nil {
			logger.WarnContext(ctx, "release limiter slot", "error", rerr)
		}
		return
	}

	if err := s.eng.Execute(ctx, engine.Request{
		TextID: req.TextID,
		UserID: req.UserID,
		Title:  req.Title,
		Text:   req.Text,
	}, slot); err != nil {
		logger.ErrorContext(ctx, "task failed", "error", err)
	}
}

// failTask moves a registered task to FAILED after an admission or
// dispatch error, so it does not linger until the sweeper finds it.
func (s *Service) failTask(ctx context.Context, textID string, cause error) {
	// The submission context may already be gone; failing the task must
	// not depend on it.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
	}
	if _, err := s.mon.FailTask(ctx, textID, taskerr.KindOf(cause), cause.Error()); err != nil {
		logger.Error("fail task after dispatch error", "text_id", textID, "error", err)
	}
}

// Package fanout follows one task's events for one subscriber. It
// replays the task's current state first, then forwards monitor events
// until the task ends, the subscriber goes away, or the idle ceiling
// closes the stream. The transport (SSE, tests) plugs in as a Sink.
package fanout

import (
	"context"
	"time"

	"github.com/AuralisLabs/CastKit/logger"
	castprom "github.com/AuralisLabs/CastKit/metrics/prometheus"
	"github.com/AuralisLabs/CastKit/monitor"
)

// Sink receives the events of one subscription in order. A Send error
// means the subscriber is gone and ends the stream.
type Sink interface {
	Send(evt monitor.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(evt monitor.Event) error

// Send implements Sink.
func (f SinkFunc) Send(evt monitor.Event) error { return f(evt) }

// Streamer serves per-task event subscriptions on top of a Monitor.
type Streamer struct {
	mon       monitor.Monitor
	keepalive time.Duration
	idleLimit time.Duration
}

// NewStreamer wires a Streamer. Non-positive intervals fall back to the
// config defaults.
func NewStreamer(mon monitor.Monitor, keepalive, idleLimit time.Duration) *Streamer {
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	if idleLimit <= 0 {
		idleLimit = 5 * time.Minute
	}
	return &Streamer{mon: mon, keepalive: keepalive, idleLimit: idleLimit}
}

// Stream replays textID's current state to sink and then follows its
// events until a terminal event, the idle ceiling, a Send failure, or
// ctx ending. Unknown tasks surface taskerr.ErrNotFound before anything
// is sent.
func (s *Streamer) Stream(ctx context.Context, textID string, sink Sink) error {
	// Subscribe before the snapshot so a transition between the two is
	// seen twice rather than not at all.
	events, cancel := s.mon.Subscribe(textID)
	defer cancel()

	task, err := s.mon.GetTask(ctx, textID)
	if err != nil {
		return err
	}

	castprom.RecordStreamOpened()
	defer castprom.RecordStreamClosed()

	opening := snapshotEvent(task)
	if err := sink.Send(opening); err != nil {
		return err
	}
	if opening.Terminal() {
		return nil
	}

	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()
	idle := time.NewTimer(s.idleLimit)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-idle.C:
			logger.Debug("stream closed at idle limit", "text_id", textID)
			return nil

		case <-keepalive.C:
			evt := monitor.Event{Type: monitor.EventKeepalive, At: time.Now().UnixMilli()}
			if err := sink.Send(evt); err != nil {
				return err
			}

		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if err := sink.Send(evt); err != nil {
				return err
			}
			if evt.Terminal() {
				return nil
			}
			// Keepalives are generated locally; only task events count
			// as activity.
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.idleLimit)
		}
	}
}

// snapshotEvent renders a task snapshot as a subscription's opening
// event, mirroring what the monitor would have published live.
func snapshotEvent(t *monitor.Task) monitor.Event {
	evt := monitor.Event{Status: t.Status, At: time.Now().UnixMilli()}
	switch t.Status {
	case monitor.StatusCompleted:
		evt.Type = monitor.EventCompleted
		evt.AudioURL = t.AudioURL
	case monitor.StatusFailed:
		evt.Type = monitor.EventFailed
		evt.Error = &monitor.EventError{Kind: t.ErrorKind, Message: t.ErrorMessage}
	case monitor.StatusTimeout:
		evt.Type = monitor.EventTimeout
		evt.Error = &monitor.EventError{Kind: t.ErrorKind, Message: t.ErrorMessage}
	default:
		evt.Type = monitor.EventStatus
		if t.SegmentCount > 0 {
			evt.Progress = &monitor.Progress{
				Completed: t.SegmentsCompleted,
				Total:     t.SegmentCount,
			}
		}
	}
	return evt
}

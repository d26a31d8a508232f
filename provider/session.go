package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/AuralisLabs/CastKit/config"
	"github.com/AuralisLabs/CastKit/dialogue"
	"github.com/AuralisLabs/CastKit/logger"
	"github.com/AuralisLabs/CastKit/taskerr"
)

// Client synthesizes dialogue segments against the streaming provider. One
// Synthesize call is one session on a fresh connection; there is no
// connection reuse across attempts. Dials are rate-limited process-wide so
// retry storms cannot hammer the provider.
type Client struct {
	cfg         config.ProviderConfig
	classifier  *Classifier
	dialLimiter *rate.Limiter
}

// NewClient validates the provider configuration and compiles the status
// classifier.
func NewClient(cfg config.ProviderConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("provider endpoint is required")
	}
	if len(cfg.Voices) == 0 {
		return nil, fmt.Errorf("provider voices must name at least one profile")
	}

	classifier, err := NewClassifier(cfg.TransientCodes, cfg.TransientCodeRanges, cfg.StatusCodePath)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.DialRatePerSecond > 0 {
		limit = rate.Limit(cfg.DialRatePerSecond)
	}
	return &Client{
		cfg:         cfg,
		classifier:  classifier,
		dialLimiter: rate.NewLimiter(limit, 1),
	}, nil
}

// Voices returns the configured voice profiles. Their count bounds the
// number of distinct speakers a script may use.
func (c *Client) Voices() []string {
	return c.cfg.Voices
}

// Synthesize runs one provider session for the segment and returns the
// concatenated audio bytes. The session is bounded by the configured total
// timeout; individual reads by the idle timeout. Timeouts and truncated
// streams surface as transient errors so segment workers retry them.
func (c *Client) Synthesize(ctx context.Context, seg dialogue.Segment) ([]byte, error) {
	if total := c.cfg.TotalTimeout(); total > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, total)
		defer cancel()
	}

	if err := c.dialLimiter.Wait(ctx); err != nil {
		return nil, c.sessionErr(ctx, "await dial slot", err)
	}

	cn, connectID, httpStatus, err := dial(ctx, connConfig{
		endpoint:       c.cfg.Endpoint,
		appID:          c.cfg.AppID,
		accessToken:    c.cfg.AccessToken,
		connectTimeout: c.cfg.ConnectTimeout(),
		idleTimeout:    c.cfg.IdleTimeout(),
	})
	if err != nil {
		if httpStatus == http401 || httpStatus == http403 {
			return nil, taskerr.Wrap(taskerr.KindFatalProvider, "provider rejected credentials", err).WithCode(httpStatus)
		}
		return nil, c.sessionErr(ctx, "dial", err)
	}
	defer cn.close()

	sessionID := uuid.NewString()
	ctx = logger.WithSessionID(ctx, sessionID)

	// Closing the transport is the only way to abort a blocked read when
	// the context ends first.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			cn.close()
		case <-watchDone:
		}
	}()

	logger.ProviderSession(ctx, "open", c.cfg.Endpoint,
		"connect_id", connectID, "turns", len(seg.Turns))

	start, err := c.sessionStartFrame(sessionID, seg)
	if err != nil {
		return nil, err
	}
	if err := cn.writeFrame(start); err != nil {
		return nil, c.sessionErr(ctx, "send session start", err)
	}
	for i, turn := range seg.Turns {
		f, err := turnFrame(turn, i == len(seg.Turns)-1)
		if err != nil {
			return nil, err
		}
		if err := cn.writeFrame(f); err != nil {
			return nil, c.sessionErr(ctx, "send turn", err)
		}
	}

	var audio []byte
	for {
		fr, err := cn.readFrame()
		if err != nil {
			return nil, c.receiveErr(ctx, err)
		}
		switch fr.Type {
		case TypeAudioChunk:
			audio = append(audio, fr.Payload...)
		case TypeStatus:
			if c.classifier.Final(fr.Payload) {
				logger.ProviderSession(ctx, "final", c.cfg.Endpoint, "bytes", len(audio))
				return audio, nil
			}
			return nil, c.classifier.Classify(fr.Payload)
		default:
			// Unknown frame types are skipped for forward compatibility.
		}
	}
}

// Ping dials the provider with full auth headers and closes immediately.
// Used by the diagnostic surface to separate credential problems from
// synthesis problems.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout())
	defer cancel()

	if err := c.dialLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("provider ping: %w", err)
	}
	cn, _, httpStatus, err := dial(ctx, connConfig{
		endpoint:       c.cfg.Endpoint,
		appID:          c.cfg.AppID,
		accessToken:    c.cfg.AccessToken,
		connectTimeout: c.cfg.ConnectTimeout(),
		idleTimeout:    c.cfg.IdleTimeout(),
	})
	if err != nil {
		if httpStatus != 0 {
			return fmt.Errorf("provider ping: handshake rejected with HTTP %d: %w", httpStatus, err)
		}
		return fmt.Errorf("provider ping: %w", err)
	}
	cn.close()
	return nil
}

const (
	http401 = 401
	http403 = 403
)

func (c *Client) sessionStartFrame(sessionID string, seg dialogue.Segment) (Frame, error) {
	voices := make(map[string]string)
	for _, id := range seg.Speakers() {
		if id < 0 || id >= len(c.cfg.Voices) {
			return Frame{}, taskerr.Wrap(taskerr.KindInput,
				fmt.Sprintf("speaker %d", id), taskerr.ErrInvalidSpeaker)
		}
		voices[strconv.Itoa(id)] = c.cfg.Voices[id]
	}

	payload, err := json.Marshal(SessionStartPayload{
		SessionID: sessionID,
		Voices:    voices,
		Format: FormatPayload{
			Codec:      c.cfg.Codec,
			SampleRate: c.cfg.SampleRate,
			Channels:   1,
		},
	})
	if err != nil {
		return Frame{}, fmt.Errorf("marshal session start: %w", err)
	}
	return Frame{Type: TypeSessionStart, Serialization: SerializationJSON, Payload: payload}, nil
}

func turnFrame(turn dialogue.Turn, last bool) (Frame, error) {
	payload, err := json.Marshal(TurnTextPayload{SpeakerID: turn.Speaker, Text: turn.Text})
	if err != nil {
		return Frame{}, fmt.Errorf("marshal turn: %w", err)
	}
	f := Frame{Type: TypeTurnText, Serialization: SerializationJSON, Payload: payload}
	if last {
		f.Flags |= FlagLastTurn
	}
	return f, nil
}

// sessionErr classifies transport-level failures on the send path.
func (c *Client) sessionErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return taskerr.Wrap(taskerr.KindTransientProvider, op, taskerr.ErrTimeout)
		}
		// Deliberate cancellation is not a provider fault; let the caller
		// see it undisguised.
		return ctxErr
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return taskerr.Wrap(taskerr.KindTransientProvider, op, taskerr.ErrTimeout)
	}
	return taskerr.Wrap(taskerr.KindTransientProvider, op, err)
}

// receiveErr classifies failures while awaiting frames. A transport close
// before the final status is a truncated stream.
func (c *Client) receiveErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return taskerr.Wrap(taskerr.KindTransientProvider, "receive", taskerr.ErrTimeout)
		}
		return ctxErr
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return taskerr.Wrap(taskerr.KindTransientProvider, "receive", taskerr.ErrTimeout)
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure,
		websocket.CloseGoingAway) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return taskerr.Wrap(taskerr.KindTransientProvider, "receive", taskerr.ErrTruncated)
	}
	return taskerr.Wrap(taskerr.KindTransientProvider, "receive", err)
}

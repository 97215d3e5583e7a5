package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/happybits/funnel-stream/internal/audio"
	"github.com/happybits/funnel-stream/internal/protocol"
	"github.com/happybits/funnel-stream/internal/transport"
)

// State is the lifecycle position of a recording attempt. Transitions
// only move forward; Failed is terminal from any state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateFinalizing
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Stream is the recorder's view of the relay connection.
type Stream interface {
	SendConfig(protocol.StreamConfig) error
	SendFrame([]byte) error
	Events() <-chan protocol.Event
	WaitReady(context.Context) error
	Finalize(context.Context) (*transport.FinalResult, error)
	Close() error
}

// Dialer opens the stream connection for a new session.
type Dialer func(ctx context.Context, sessionID string) (Stream, error)

// TransportDialer adapts the websocket transport into a Dialer.
func TransportDialer(cfg transport.Config, logger *slog.Logger) Dialer {
	return func(ctx context.Context, sessionID string) (Stream, error) {
		return transport.Dial(ctx, cfg, sessionID, logger)
	}
}

// Config contains recording configuration and optional UI callbacks.
type Config struct {
	SampleRate   int
	MinDuration  time.Duration
	QueueDepth   int
	ReadyTimeout time.Duration

	// OnSegment receives interim transcript segments as they arrive.
	OnSegment func(protocol.TranscriptSegment)
	// OnLevel receives the loudness level of each captured frame.
	OnLevel func(float64)

	// Archive receives a copy of every captured frame off the streaming
	// path. Archive writes never block or fail the recording.
	Archive io.Writer
}

// Recorder drives one recording attempt: capture → bounded queue →
// stream writes, with the stop protocol draining queued audio before
// the finalize request. A Recorder is single-use.
type Recorder struct {
	cfg    Config
	source audio.Source
	dial   Dialer
	logger *slog.Logger

	pumpDone   chan struct{}
	eventsDone chan struct{}

	archive *audio.Tee

	mu            sync.Mutex
	state         State
	sessionID     string
	stream        Stream
	startedAt     time.Time
	audioBytes    int64
	droppedFrames uint64
	result        *transport.FinalResult
	failErr       error
}

// New creates a recorder with injected collaborators.
func New(cfg Config, source audio.Source, dial Dialer, logger *slog.Logger) *Recorder {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}

	return &Recorder{
		cfg:        cfg,
		source:     source,
		dial:       dial,
		logger:     logger,
		pumpDone:   make(chan struct{}),
		eventsDone: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SentBytes returns how much audio has reached the wire, for progress
// reporting.
func (r *Recorder) SentBytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.audioBytes
}

// SessionID returns the session identifier, empty until Start.
func (r *Recorder) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Start brings the recording up: capture source, stream connection,
// config frame, ready confirmation. A capture start failure returns
// ErrPermissionDenied and leaves the recorder Idle; any later failure
// is terminal.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateIdle {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot start while %s", ErrInvalidState, state)
	}
	r.state = StateConnecting
	r.mu.Unlock()

	frames, err := r.source.Start(ctx)
	if err != nil {
		r.mu.Lock()
		r.state = StateIdle
		r.mu.Unlock()
		if errors.Is(err, audio.ErrCaptureStart) {
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return err
	}

	sessionID := uuid.NewString()

	stream, err := r.dial(ctx, sessionID)
	if err != nil {
		r.source.Stop()
		r.setFailed(err)
		return err
	}

	if err := stream.SendConfig(protocol.NewStreamConfig(r.cfg.SampleRate)); err != nil {
		r.source.Stop()
		stream.Close()
		r.setFailed(err)
		return err
	}

	readyCtx, cancel := context.WithTimeout(ctx, r.cfg.ReadyTimeout)
	defer cancel()
	if err := stream.WaitReady(readyCtx); err != nil {
		r.source.Stop()
		stream.Close()
		r.setFailed(err)
		return err
	}

	r.mu.Lock()
	r.state = StateStreaming
	r.sessionID = sessionID
	r.stream = stream
	r.startedAt = time.Now()
	if r.cfg.Archive != nil {
		r.archive = audio.NewTee(r.cfg.Archive, r.cfg.QueueDepth)
	}
	r.mu.Unlock()

	queue := make(chan []byte, r.cfg.QueueDepth)
	go r.capture(frames, queue)
	go r.pump(stream, queue)
	go r.consumeEvents(stream)

	if r.logger != nil {
		r.logger.Info("Recording started",
			slog.String("session_id", sessionID),
			slog.Int("sample_rate", r.cfg.SampleRate),
		)
	}
	return nil
}

// Stop ends the recording. Below the minimum duration the session is
// abandoned with ErrRecordingTooShort and no finalize request is made.
// Otherwise queued audio is drained to the wire, the relay finalizes,
// and the result is cached; repeated stops return the cached outcome.
func (r *Recorder) Stop(ctx context.Context) (*transport.FinalResult, error) {
	r.mu.Lock()
	switch {
	case r.result != nil:
		result := r.result
		r.mu.Unlock()
		return result, nil
	case r.state == StateFailed:
		err := r.failErr
		r.mu.Unlock()
		return nil, err
	case r.state != StateStreaming:
		state := r.state
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot stop while %s", ErrInvalidState, state)
	}
	elapsed := time.Since(r.startedAt)
	tooShort := r.cfg.MinDuration > 0 && elapsed < r.cfg.MinDuration
	r.state = StateFinalizing
	stream := r.stream
	sessionID := r.sessionID
	r.mu.Unlock()

	r.source.Stop()

	if tooShort {
		// Abandoned attempt: dropping the connection without a
		// finalize request discards the session server-side. The
		// failure is recorded first so pump errors from the closed
		// connection cannot override it.
		r.setFailed(fmt.Errorf("%w: recorded %s, minimum %s",
			ErrRecordingTooShort, elapsed.Round(time.Millisecond), r.cfg.MinDuration))
		stream.Close()
		<-r.pumpDone
		r.closeArchive()
		return nil, ErrRecordingTooShort
	}

	// Everything captured before the stop still reaches the wire.
	select {
	case <-r.pumpDone:
	case <-ctx.Done():
		stream.Close()
		r.setFailed(ctx.Err())
		return nil, ctx.Err()
	}

	result, err := stream.Finalize(ctx)
	stream.Close()
	r.closeArchive()

	// Callbacks are quiesced once the event loop has drained.
	select {
	case <-r.eventsDone:
	case <-ctx.Done():
	}

	if err != nil {
		r.setFailed(err)
		return nil, err
	}

	r.mu.Lock()
	r.state = StateCompleted
	r.result = result
	dropped := r.droppedFrames
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Info("Recording completed",
			slog.String("session_id", sessionID),
			slog.Float64("duration_sec", result.DurationSec),
			slog.Bool("partial", result.Partial),
			slog.Uint64("dropped_frames", dropped),
		)
	}
	return result, nil
}

// capture feeds frames into the bounded queue without ever blocking on
// network backpressure; a full queue drops the frame.
func (r *Recorder) capture(frames <-chan audio.Frame, queue chan<- []byte) {
	defer close(queue)

	for frame := range frames {
		if r.cfg.OnLevel != nil {
			r.cfg.OnLevel(frame.Level)
		}
		if r.archive != nil {
			r.archive.Write(frame.PCM)
		}
		select {
		case queue <- frame.PCM:
		default:
			r.mu.Lock()
			r.droppedFrames++
			r.mu.Unlock()
		}
	}

	// The frame channel closing looks the same for end-of-input and a
	// device read failure; only the latter fails the recording.
	if err := r.source.Err(); err != nil {
		r.fail(fmt.Errorf("capture read failed: %w", err))
	}
}

// pump is the only stream writer after startup. It drains the queue in
// order, so a graceful stop flushes everything still buffered.
func (r *Recorder) pump(stream Stream, queue <-chan []byte) {
	defer close(r.pumpDone)

	for pcm := range queue {
		if len(pcm)%2 != 0 {
			r.fail(fmt.Errorf("%w: odd frame length %d", ErrEncodingFailure, len(pcm)))
			return
		}
		if err := stream.SendFrame(pcm); err != nil {
			r.fail(err)
			return
		}
		r.mu.Lock()
		r.audioBytes += int64(len(pcm))
		r.mu.Unlock()
	}
}

func (r *Recorder) consumeEvents(stream Stream) {
	defer close(r.eventsDone)

	for ev := range stream.Events() {
		switch ev.Type {
		case protocol.TypeTranscript:
			if ev.Segment != nil && r.cfg.OnSegment != nil {
				r.cfg.OnSegment(*ev.Segment)
			}
		case protocol.TypeError:
			if r.logger != nil {
				r.logger.Warn("Stream error event",
					slog.String("session_id", r.SessionID()),
					slog.String("message", ev.Message),
				)
			}
		}
	}

	// The event channel closing mid-stream means the connection
	// dropped; during finalization it is normal teardown.
	if r.State() == StateStreaming {
		r.fail(fmt.Errorf("%w: connection dropped mid-recording", transport.ErrConnectionFailure))
	}
}

// fail ends the recording from an asynchronous error path, releasing
// the source and the connection.
func (r *Recorder) fail(err error) {
	r.mu.Lock()
	if r.state == StateCompleted || r.state == StateFailed || r.result != nil {
		r.mu.Unlock()
		return
	}
	r.state = StateFailed
	r.failErr = err
	stream := r.stream
	r.mu.Unlock()

	r.source.Stop()
	if stream != nil {
		stream.Close()
	}
	r.closeArchive()
	if r.logger != nil {
		r.logger.Warn("Recording failed",
			slog.String("session_id", r.SessionID()),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Recorder) closeArchive() {
	r.mu.Lock()
	archive := r.archive
	r.mu.Unlock()
	if archive != nil {
		archive.Close()
	}
}

// setFailed records a failure discovered on a synchronous path where
// the caller has already released the source and connection.
func (r *Recorder) setFailed(err error) {
	r.mu.Lock()
	if r.state != StateCompleted && r.state != StateFailed {
		r.state = StateFailed
		r.failErr = err
	}
	r.mu.Unlock()
}

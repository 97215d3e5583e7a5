package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/happybits/funnel-stream/internal/audio"
	"github.com/happybits/funnel-stream/internal/backend"
	"github.com/happybits/funnel-stream/internal/metrics"
	"github.com/happybits/funnel-stream/internal/protocol"
)

// State is the lifecycle position of a recording session. Transitions
// only move forward; Failed is terminal from any state.
type State int

const (
	StateConnecting State = iota
	StateStreaming
	StateFinalizing
	StateCompleted
	StateFailed
)

// String returns the state name for logs and monitoring.
func (s State) String() string {
	switch s {
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

// Terminal reports whether the state ends the session.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Result is the assembled outcome of a finalized session.
type Result struct {
	SessionID   string                       `json:"sessionId"`
	Transcript  string                       `json:"transcript"`
	DurationSec float64                      `json:"durationSec"`
	Segments    []protocol.TranscriptSegment `json:"segments"`
	Partial     bool                         `json:"partial"`
}

// Info is a monitoring snapshot of one session.
type Info struct {
	SessionID    string    `json:"session_id"`
	State        string    `json:"state"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
	AudioBytes    int64  `json:"audio_bytes_received"`
	SegmentCount  int    `json:"segment_count"`
	SampleRate    int    `json:"sample_rate"`
	DroppedEvents uint64 `json:"dropped_events"`
}

// Session is one recording attempt. The backend connection and the
// transcript buffer are mutated only by this session's event loop and
// its finalize coordinator; the mutex guards state reads from the
// monitoring and ingest paths.
type Session struct {
	id         string
	sampleRate int
	logger     *slog.Logger
	metrics    *metrics.Metrics

	conn     backend.Conn
	out      chan protocol.Event
	terminal chan protocol.Event
	loopDone chan struct{}

	closeOnce sync.Once

	mu            sync.Mutex
	state         State
	startedAt     time.Time
	endedAt       time.Time
	lastActivity  time.Time
	segments      []protocol.TranscriptSegment
	audioBytes    int64
	result        *Result
	failErr       error
	finalizeDone  chan struct{}
	endedRecorded bool
	droppedEvents uint64
}

func newSession(id string, sampleRate int, conn backend.Conn, queueDepth int,
	logger *slog.Logger, m *metrics.Metrics) *Session {

	now := time.Now()
	s := &Session{
		id:           id,
		sampleRate:   sampleRate,
		logger:       logger,
		metrics:      m,
		conn:         conn,
		out:          make(chan protocol.Event, queueDepth),
		terminal:     make(chan protocol.Event, 1),
		loopDone:     make(chan struct{}),
		state:        StateConnecting,
		startedAt:    now,
		lastActivity: now,
	}

	go s.eventLoop()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events returns the outbound event queue for the client connection.
// The channel closes when the backend connection ends.
func (s *Session) Events() <-chan protocol.Event {
	return s.out
}

// Info returns a monitoring snapshot.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Info{
		SessionID:     s.id,
		State:         s.state.String(),
		StartedAt:     s.startedAt,
		EndedAt:       s.endedAt,
		AudioBytes:    s.audioBytes,
		SegmentCount:  len(s.segments),
		SampleRate:    s.sampleRate,
		DroppedEvents: s.droppedEvents,
	}
}

// AppendAudio forwards one audio frame to the backend in order. Frames
// are rejected until the backend's ready event has been observed.
func (s *Session) AppendAudio(frame []byte) error {
	s.mu.Lock()
	if s.state != StateStreaming {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: session %s is %s", ErrBackendUnavailable, s.id, state)
	}
	conn := s.conn
	s.audioBytes += int64(len(frame))
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if err := conn.SendAudio(frame); err != nil {
		s.Fail(fmt.Errorf("audio forward failed: %w", err))
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if s.metrics != nil {
		s.metrics.RecordAudioFrame(len(frame))
	}
	return nil
}

// Finalize drives the stop protocol: signal the backend to flush and
// close its input, await the terminal metadata event within the given
// ceiling, assemble the transcript from final segments in arrival
// order, and complete the session. A wait expiry degrades to a partial
// result, never an error; repeated calls return the cached result.
// A cancelled context aborts only the wait: nothing is cached, and a
// later call re-runs the wait against the same pending stop.
func (s *Session) Finalize(ctx context.Context, timeout time.Duration) (*Result, error) {
	for {
		s.mu.Lock()
		if s.result != nil {
			result := s.result
			s.mu.Unlock()
			return result, nil
		}
		if s.state == StateFailed {
			err := s.failErr
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrSessionFailed, err)
		}
		if s.state == StateFinalizing && s.finalizeDone != nil {
			// Another finalize is in flight; wait for its outcome.
			done := s.finalizeDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		// Finalizing with no wait in flight means an earlier call was
		// cancelled mid-wait; the close signal is already sent, so
		// only the wait is re-run.
		signaled := s.state == StateFinalizing
		if !signaled {
			s.state = StateFinalizing
			s.endedAt = time.Now()
		}
		s.finalizeDone = make(chan struct{})
		done := s.finalizeDone
		conn := s.conn
		s.mu.Unlock()

		result, err := s.awaitTerminal(ctx, timeout, conn, signaled)

		s.mu.Lock()
		s.finalizeDone = nil
		s.mu.Unlock()
		close(done)

		return result, err
	}
}

func (s *Session) awaitTerminal(ctx context.Context, timeout time.Duration,
	conn backend.Conn, signaled bool) (*Result, error) {

	if !signaled {
		if err := conn.CloseStream(); err != nil {
			s.logger.Warn("Close-stream signal failed, assembling from received segments",
				slog.String("session_id", s.id),
				slog.String("error", err.Error()),
			)
		}
	}

	var meta *protocol.Event
	timedOut := false

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-s.terminal:
		meta = &ev
	case <-s.loopDone:
		// Connection ended; the terminal event may already be queued.
		select {
		case ev := <-s.terminal:
			meta = &ev
		default:
			timedOut = true
		}
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	result, err := s.assemble(meta, timedOut)
	if err != nil {
		return nil, err
	}
	s.releaseConn()

	s.logger.Info("Session finalized",
		slog.String("session_id", s.id),
		slog.Float64("duration_sec", result.DurationSec),
		slog.Int("segments", len(result.Segments)),
		slog.Bool("partial", result.Partial),
	)

	return result, nil
}

// Fail moves the session to its terminal failure state and releases the
// backend connection. Completed sessions are not demoted; calling Fail
// from an error path concurrently with a normal stop is safe.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	if s.state.Terminal() || s.result != nil {
		s.mu.Unlock()
		s.releaseConn()
		return
	}
	s.state = StateFailed
	s.failErr = err
	s.endedAt = time.Now()
	s.recordEndedLocked(true)
	s.mu.Unlock()

	s.releaseConn()

	s.logger.Warn("Session failed",
		slog.String("session_id", s.id),
		slog.String("error", err.Error()),
	)
}

func (s *Session) assemble(meta *protocol.Event, timedOut bool) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A failure that landed during the wait stays terminal; the wait
	// outcome is discarded.
	if s.state == StateFailed {
		return nil, fmt.Errorf("%w: %v", ErrSessionFailed, s.failErr)
	}
	if s.result != nil {
		return s.result, nil
	}

	var parts []string
	for _, seg := range s.segments {
		if !seg.IsFinal {
			continue
		}
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}

	duration := audio.DurationOfBytes(s.audioBytes, s.sampleRate)
	if meta != nil {
		duration = meta.DurationSec
	}

	segments := make([]protocol.TranscriptSegment, len(s.segments))
	copy(segments, s.segments)

	s.result = &Result{
		SessionID:   s.id,
		Transcript:  strings.Join(parts, " "),
		DurationSec: duration,
		Segments:    segments,
		Partial:     timedOut,
	}
	s.state = StateCompleted
	s.recordEndedLocked(false)

	return s.result, nil
}

func (s *Session) recordEndedLocked(failed bool) {
	if s.endedRecorded || s.metrics == nil {
		return
	}
	s.endedRecorded = true
	s.metrics.RecordSessionEnded(s.endedAt.Sub(s.startedAt).Seconds(), failed)
}

func (s *Session) releaseConn() {
	s.closeOnce.Do(func() {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("Backend connection close error",
				slog.String("session_id", s.id),
				slog.String("error", err.Error()),
			)
		}
	})
}

// lastActivityTime is used by the registry's idle sweep.
func (s *Session) lastActivityTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) endedAtTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

// eventLoop is the single owner of inbound backend events. It gates the
// transition to Streaming on the ready event, appends transcript
// segments in arrival order, parks the terminal metadata event for the
// finalize coordinator, and fans events out to the client queue.
func (s *Session) eventLoop() {
	defer close(s.out)
	defer close(s.loopDone)

	for ev := range s.conn.Events() {
		switch ev.Type {
		case protocol.TypeReady:
			s.markStreaming()
			s.forward(ev)

		case protocol.TypeTranscript:
			s.appendSegment(*ev.Segment)
			s.forward(ev)

		case protocol.TypeMetadata:
			// Terminal confirmation: park it for the finalize path. It
			// is not forwarded verbatim to the client.
			select {
			case s.terminal <- ev:
			default:
			}

		case protocol.TypeError:
			s.forward(ev)
		}
	}

	// Backend connection ended. Mid-stream this fails the session; the
	// finalize path has either consumed the terminal event already or
	// will find it parked.
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == StateConnecting || state == StateStreaming {
		s.Fail(fmt.Errorf("backend connection closed mid-stream"))
	}
}

func (s *Session) markStreaming() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnecting {
		s.state = StateStreaming
		s.lastActivity = time.Now()
	}
}

func (s *Session) appendSegment(seg protocol.TranscriptSegment) {
	s.mu.Lock()
	s.segments = append(s.segments, seg)
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordSegment()
	}
}

// forward hands an event to the client queue without ever blocking the
// event loop. A full queue drops the event; interim transcript data is
// advisory, and the assembled transcript never depends on the queue.
func (s *Session) forward(ev protocol.Event) {
	select {
	case s.out <- ev:
	default:
		s.mu.Lock()
		s.droppedEvents++
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordEventDropped()
		}
	}
}

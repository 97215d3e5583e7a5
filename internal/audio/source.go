package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// ErrCaptureStart reports that the capture engine could not start at all
// (permission denial, device busy). It is terminal for the attempt; the
// caller must not retry automatically.
var ErrCaptureStart = errors.New("audio capture failed to start")

// Frame is one unit of captured audio ready for the wire: PCM-16 mono
// bytes plus the normalized loudness level for UI feedback.
type Frame struct {
	PCM   []byte
	Level float64
}

// Source produces a lazy, cancelable sequence of audio frames. The frame
// channel is closed when the source ends, is stopped, or fails; Err
// reports any terminal failure after the channel closes.
type Source interface {
	Start(ctx context.Context) (<-chan Frame, error)
	Stop()
	Err() error
}

// ReaderSource captures live audio from an io.Reader carrying raw PCM-16
// little-endian mono samples, such as a capture pipe. Pacing comes from
// the reader itself; a live pipe yields bytes at recording speed.
type ReaderSource struct {
	r          io.Reader
	sampleRate int
	frameDur   time.Duration

	frames   chan Frame
	stopOnce sync.Once
	stopped  chan struct{}

	mu  sync.Mutex
	err error
}

// NewReaderSource creates a reader-backed capture source.
func NewReaderSource(r io.Reader, sampleRate int, frameDuration time.Duration) *ReaderSource {
	return &ReaderSource{
		r:          r,
		sampleRate: sampleRate,
		frameDur:   frameDuration,
		stopped:    make(chan struct{}),
	}
}

// Start begins reading frames. It fails immediately if the reader is nil
// or the configuration cannot produce frames.
func (s *ReaderSource) Start(ctx context.Context) (<-chan Frame, error) {
	if s.r == nil {
		return nil, fmt.Errorf("%w: no capture reader", ErrCaptureStart)
	}
	if s.sampleRate <= 0 {
		return nil, fmt.Errorf("%w: invalid sample rate %d", ErrCaptureStart, s.sampleRate)
	}

	s.frames = make(chan Frame, 8)
	frameBytes := FrameBytes(s.sampleRate, s.frameDur)

	go func() {
		defer close(s.frames)

		buf := make([]byte, frameBytes)
		for {
			n, err := io.ReadFull(s.r, buf)
			if n > 0 {
				pcm := make([]byte, n)
				copy(pcm, buf[:n])

				frame := Frame{PCM: pcm, Level: LoudnessPCM16(pcm)}
				select {
				case s.frames <- frame:
				case <-ctx.Done():
					return
				case <-s.stopped:
					return
				}
			}

			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					s.setErr(fmt.Errorf("capture read failed: %w", err))
				}
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-s.stopped:
				return
			default:
			}
		}
	}()

	return s.frames, nil
}

// Stop ends capture. Safe to call more than once and concurrently with
// an error path.
func (s *ReaderSource) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

// Err returns the terminal capture error, if any, once the frame channel
// has closed.
func (s *ReaderSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ReaderSource) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// MemorySource plays a prepared PCM-16 buffer, used for deterministic
// testing and file playback. With pacing enabled frames are emitted at
// the real-time cadence; without it they are emitted as fast as the
// consumer drains them.
type MemorySource struct {
	pcm        []byte
	sampleRate int
	frameDur   time.Duration
	paced      bool

	frames   chan Frame
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewMemorySource creates a playback source over a PCM-16 buffer.
func NewMemorySource(pcm []byte, sampleRate int, frameDuration time.Duration, paced bool) *MemorySource {
	return &MemorySource{
		pcm:        pcm,
		sampleRate: sampleRate,
		frameDur:   frameDuration,
		paced:      paced,
		stopped:    make(chan struct{}),
	}
}

// NewFloat32MemorySource plays interleaved float32 capture buffers,
// keeping channel zero and converting to the PCM-16 wire format.
func NewFloat32MemorySource(samples []float32, channels, sampleRate int, frameDuration time.Duration, paced bool) *MemorySource {
	mono := MonoChannel(samples, channels, 0)
	pcm := BytesFromPCM16(PCM16FromFloat32(mono))
	return NewMemorySource(pcm, sampleRate, frameDuration, paced)
}

// Start begins playback of the buffer.
func (s *MemorySource) Start(ctx context.Context) (<-chan Frame, error) {
	if s.sampleRate <= 0 {
		return nil, fmt.Errorf("%w: invalid sample rate %d", ErrCaptureStart, s.sampleRate)
	}
	if len(s.pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd PCM buffer length %d", ErrCaptureStart, len(s.pcm))
	}

	s.frames = make(chan Frame, 8)
	frameBytes := FrameBytes(s.sampleRate, s.frameDur)

	go func() {
		defer close(s.frames)

		var ticker *time.Ticker
		if s.paced {
			ticker = time.NewTicker(s.frameDur)
			defer ticker.Stop()
		}

		for offset := 0; offset < len(s.pcm); offset += frameBytes {
			end := offset + frameBytes
			if end > len(s.pcm) {
				end = len(s.pcm)
			}
			pcm := make([]byte, end-offset)
			copy(pcm, s.pcm[offset:end])

			if ticker != nil {
				select {
				case <-ticker.C:
				case <-ctx.Done():
					return
				case <-s.stopped:
					return
				}
			}

			frame := Frame{PCM: pcm, Level: LoudnessPCM16(pcm)}
			select {
			case s.frames <- frame:
			case <-ctx.Done():
				return
			case <-s.stopped:
				return
			}
		}
	}()

	return s.frames, nil
}

// Stop ends playback. Safe to call more than once.
func (s *MemorySource) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

// Err always returns nil; playback from memory cannot fail after Start.
func (s *MemorySource) Err() error {
	return nil
}

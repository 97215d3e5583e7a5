package backend

import (
	"context"

	"github.com/happybits/funnel-stream/internal/protocol"
)

// Conn is a live duplex channel to the transcription backend. A Conn is
// owned exclusively by one recording session and released exactly once.
//
// SendAudio preserves frame order: frames reach the backend in the exact
// order they are sent. CloseStream is the explicit flush-and-close-input
// signal that begins finalization; transcript events and the terminal
// metadata event keep arriving on Events afterwards. Events is closed
// when the connection ends. Close releases the connection and is safe to
// call more than once and concurrently with an error path.
type Conn interface {
	SendAudio(pcm []byte) error
	Events() <-chan protocol.Event
	CloseStream() error
	Close() error
}

// Dialer opens backend connections. Injected into the session registry
// so tests can substitute a fake backend.
type Dialer interface {
	Dial(ctx context.Context, cfg protocol.StreamConfig) (Conn, error)
}

package audio

import (
	"io"
	"sync"
)

// Tee duplicates captured frames to an archival writer without ever
// blocking the streaming path. Frames are handed to a dedicated writer
// goroutine through a bounded queue; when the queue is full or the
// writer fails, frames are dropped and counted.
type Tee struct {
	queue chan []byte
	done  chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	closed  bool
	dropped uint64
}

// NewTee starts an archival tee over the given writer with the given
// queue depth.
func NewTee(w io.Writer, depth int) *Tee {
	if depth < 1 {
		depth = 16
	}

	t := &Tee{
		queue: make(chan []byte, depth),
		done:  make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		for data := range t.queue {
			if _, err := w.Write(data); err != nil {
				t.mu.Lock()
				t.dropped++
				t.mu.Unlock()
			}
		}
	}()

	return t
}

// Write queues a frame for archival. It never blocks and never fails;
// frames that cannot be queued, or arrive after Close, are dropped.
func (t *Tee) Write(pcm []byte) {
	data := make([]byte, len(pcm))
	copy(data, pcm)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		t.dropped++
		return
	}
	select {
	case t.queue <- data:
	default:
		t.dropped++
	}
}

// Dropped returns the number of frames lost to a full queue or a failing
// writer.
func (t *Tee) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Close flushes the queue and stops the writer goroutine. Safe to call
// more than once.
func (t *Tee) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		close(t.queue)
		t.mu.Unlock()
		<-t.done
	})
}

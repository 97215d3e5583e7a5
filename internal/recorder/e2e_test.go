package recorder

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/happybits/funnel-stream/internal/audio"
	"github.com/happybits/funnel-stream/internal/backend"
	"github.com/happybits/funnel-stream/internal/backendtest"
	"github.com/happybits/funnel-stream/internal/config"
	"github.com/happybits/funnel-stream/internal/protocol"
	"github.com/happybits/funnel-stream/internal/server"
	"github.com/happybits/funnel-stream/internal/session"
	"github.com/happybits/funnel-stream/internal/transport"
)

// TestRecordThroughRelay runs the whole chain: memory capture source,
// client transport, relay, fake transcription backend.
func TestRecordThroughRelay(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	fake := &backendtest.Server{SegmentEveryBytes: 6400}
	backendSrv := httptest.NewServer(fake.Handler())
	t.Cleanup(backendSrv.Close)

	dialer, err := backend.NewWSDialer(backend.Config{
		URL: "ws" + strings.TrimPrefix(backendSrv.URL, "http"),
	}, logger)
	if err != nil {
		t.Fatalf("NewWSDialer: %v", err)
	}

	registry := session.NewRegistry(dialer, session.RegistryConfig{
		MaxSessions:     4,
		EventQueueDepth: 64,
		FinalizeTimeout: 2 * time.Second,
		SweepInterval:   time.Hour,
	}, logger, nil)
	t.Cleanup(registry.Stop)

	relaySrv := httptest.NewServer(server.New(config.Default().Server, registry, logger, nil).Handler())
	t.Cleanup(relaySrv.Close)

	// One second of a constant tone pattern at 16kHz.
	pcm := make([]byte, 32000)
	for i := range pcm {
		pcm[i] = 0x42
	}
	source := audio.NewMemorySource(pcm, 16000, 100*time.Millisecond, false)

	var mu sync.Mutex
	var segments []string

	rec := New(Config{
		SampleRate: 16000,
		OnSegment: func(seg protocol.TranscriptSegment) {
			mu.Lock()
			segments = append(segments, seg.Text)
			mu.Unlock()
		},
	}, source, TransportDialer(transport.Config{
		ServerURL: "ws" + strings.TrimPrefix(relaySrv.URL, "http"),
	}, logger), logger)

	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait for the relay to ingest the full second before stopping, so
	// the assertions below are exact.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sess, err := registry.Get(rec.SessionID()); err == nil && sess.Info().AudioBytes >= 32000 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	result, err := rec.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// 32000 bytes at 16kHz is exactly one second; one segment per 6400
	// bytes makes five.
	if want := "w0-42 w1-42 w2-42 w3-42 w4-42"; result.Transcript != want {
		t.Errorf("transcript = %q, want %q", result.Transcript, want)
	}
	if result.DurationSec != 1.0 {
		t.Errorf("duration = %f, want 1.0", result.DurationSec)
	}
	if result.Partial {
		t.Error("result marked partial")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(segments) == 0 {
		t.Error("no interim segments surfaced through the callback")
	}
}

package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/happybits/funnel-stream/internal/backend"
	"github.com/happybits/funnel-stream/internal/backendtest"
	"github.com/happybits/funnel-stream/internal/config"
	"github.com/happybits/funnel-stream/internal/protocol"
	"github.com/happybits/funnel-stream/internal/session"
)

// relayFixture is a full relay wired against the in-process fake
// backend, served over httptest.
type relayFixture struct {
	backend *backendtest.Server
	relay   *httptest.Server
}

func newRelayFixture(t *testing.T, fake *backendtest.Server) *relayFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	backendSrv := httptest.NewServer(fake.Handler())
	t.Cleanup(backendSrv.Close)

	dialer, err := backend.NewWSDialer(backend.Config{
		URL:         "ws" + strings.TrimPrefix(backendSrv.URL, "http"),
		DialTimeout: 2 * time.Second,
	}, logger)
	if err != nil {
		t.Fatalf("NewWSDialer: %v", err)
	}

	registry := session.NewRegistry(dialer, session.RegistryConfig{
		MaxSessions:     16,
		IdleTimeout:     time.Minute,
		RetentionWindow: time.Minute,
		EventQueueDepth: 64,
		FinalizeTimeout: time.Second,
		SweepInterval:   time.Hour,
	}, logger, nil)
	t.Cleanup(registry.Stop)

	srv := New(config.Default().Server, registry, logger, nil)
	relaySrv := httptest.NewServer(srv.Handler())
	t.Cleanup(relaySrv.Close)

	return &relayFixture{backend: fake, relay: relaySrv}
}

func (f *relayFixture) dialStream(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.relay.URL, "http") + "/recordings/" + sessionID + "/stream"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial stream %s: %v", sessionID, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendConfig(t *testing.T, ws *websocket.Conn, sampleRate int) {
	t.Helper()
	frame, err := protocol.EncodeConfig(protocol.NewStreamConfig(sampleRate))
	if err != nil {
		t.Fatalf("EncodeConfig: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func readEvent(t *testing.T, ws *websocket.Conn) *protocol.Event {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if messageType != websocket.TextMessage {
		t.Fatalf("expected text event frame, got message type %d", messageType)
	}
	ev, err := protocol.ParseEvent(data)
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}
	return ev
}

func awaitReady(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	ev := readEvent(t, ws)
	if ev.Type == protocol.TypeError {
		t.Fatalf("stream setup error: %s", ev.Message)
	}
	if ev.Type != protocol.TypeReady {
		t.Fatalf("first event = %q, want %q", ev.Type, protocol.TypeReady)
	}
}

func finalize(t *testing.T, f *relayFixture, sessionID string) (*session.Result, int) {
	t.Helper()
	resp, err := http.Post(f.relay.URL+"/recordings/"+sessionID+"/done", "application/json", nil)
	if err != nil {
		t.Fatalf("finalize request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode
	}
	var result session.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode finalize response: %v", err)
	}
	return &result, resp.StatusCode
}

// waitForAudioBytes polls the monitoring endpoint until the relay has
// ingested the expected amount of audio. The finalize request travels
// on its own connection, so tests sync on ingest before stopping.
func waitForAudioBytes(t *testing.T, f *relayFixture, sessionID string, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(f.relay.URL + "/sessions/" + sessionID)
		if err != nil {
			t.Fatalf("session detail: %v", err)
		}
		var info session.Info
		err = json.NewDecoder(resp.Body).Decode(&info)
		resp.Body.Close()
		if err == nil && info.AudioBytes >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never ingested %d bytes", sessionID, want)
}

func TestStreamSilenceEndToEnd(t *testing.T) {
	f := newRelayFixture(t, &backendtest.Server{})
	ws := f.dialStream(t, "silence")

	sendConfig(t, ws, 16000)
	awaitReady(t, ws)

	// Five seconds of silence in 100ms frames: 50 frames of 3200 bytes.
	frame := make([]byte, 3200)
	for i := 0; i < 50; i++ {
		if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatalf("write frame %d: %v", i, err)
		}
	}
	waitForAudioBytes(t, f, "silence", 50*3200)

	result, status := finalize(t, f, "silence")
	if status != http.StatusOK {
		t.Fatalf("finalize status = %d", status)
	}
	if result.Transcript != "" {
		t.Errorf("silence transcript = %q, want empty", result.Transcript)
	}
	if math.Abs(result.DurationSec-5.0) > 0.2 {
		t.Errorf("duration = %f, want 5.0±0.2", result.DurationSec)
	}
	if result.Partial {
		t.Error("result marked partial")
	}
}

func TestStreamTranscriptFlow(t *testing.T) {
	f := newRelayFixture(t, &backendtest.Server{SegmentEveryBytes: 3200})
	ws := f.dialStream(t, "spoken")

	sendConfig(t, ws, 16000)
	awaitReady(t, ws)

	frame := make([]byte, 3200)
	for i := range frame {
		frame[i] = 0x5a
	}
	for i := 0; i < 3; i++ {
		if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatalf("write frame %d: %v", i, err)
		}
	}

	// Interim events reach the client before finalize.
	ev := readEvent(t, ws)
	if ev.Type != protocol.TypeTranscript || ev.Segment == nil {
		t.Fatalf("expected transcript event, got %+v", ev)
	}
	if ev.Segment.Text != "w0-5a" {
		t.Errorf("first segment = %q, want %q", ev.Segment.Text, "w0-5a")
	}
	waitForAudioBytes(t, f, "spoken", 3*3200)

	result, status := finalize(t, f, "spoken")
	if status != http.StatusOK {
		t.Fatalf("finalize status = %d", status)
	}
	if want := "w0-5a w1-5a w2-5a"; result.Transcript != want {
		t.Errorf("transcript = %q, want %q", result.Transcript, want)
	}
}

func TestStreamRejectsBinaryBeforeConfig(t *testing.T) {
	f := newRelayFixture(t, &backendtest.Server{})
	ws := f.dialStream(t, "eager")

	if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 320)); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	ev := readEvent(t, ws)
	if ev.Type != protocol.TypeError {
		t.Fatalf("expected error event, got %q", ev.Type)
	}

	// Socket is closed after the violation.
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("socket still open after binary-before-config")
	}
}

func TestStreamRejectsBadConfig(t *testing.T) {
	f := newRelayFixture(t, &backendtest.Server{})
	ws := f.dialStream(t, "badcfg")

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"config","format":"opus","sampleRate":16000,"channels":1}`)); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ev := readEvent(t, ws)
	if ev.Type != protocol.TypeError {
		t.Fatalf("expected error event, got %q", ev.Type)
	}
}

func TestDuplicateSessionRejected(t *testing.T) {
	f := newRelayFixture(t, &backendtest.Server{})

	first := f.dialStream(t, "taken")
	sendConfig(t, first, 16000)
	awaitReady(t, first)

	second := f.dialStream(t, "taken")
	sendConfig(t, second, 16000)
	ev := readEvent(t, second)
	if ev.Type != protocol.TypeError {
		t.Fatalf("expected error event for duplicate session, got %q", ev.Type)
	}
}

func TestConcurrentStreamsDoNotCrossContaminate(t *testing.T) {
	f := newRelayFixture(t, &backendtest.Server{SegmentEveryBytes: 3200})

	wsA := f.dialStream(t, "speaker-a")
	wsB := f.dialStream(t, "speaker-b")
	sendConfig(t, wsA, 16000)
	sendConfig(t, wsB, 16000)
	awaitReady(t, wsA)
	awaitReady(t, wsB)

	frameA := make([]byte, 3200)
	frameB := make([]byte, 3200)
	for i := range frameA {
		frameA[i] = 0xaa
		frameB[i] = 0xbb
	}

	// Interleave the two streams.
	for i := 0; i < 3; i++ {
		if err := wsA.WriteMessage(websocket.BinaryMessage, frameA); err != nil {
			t.Fatalf("write a: %v", err)
		}
		if err := wsB.WriteMessage(websocket.BinaryMessage, frameB); err != nil {
			t.Fatalf("write b: %v", err)
		}
	}
	waitForAudioBytes(t, f, "speaker-a", 3*3200)
	waitForAudioBytes(t, f, "speaker-b", 3*3200)

	ra, status := finalize(t, f, "speaker-a")
	if status != http.StatusOK {
		t.Fatalf("finalize a status = %d", status)
	}
	rb, status := finalize(t, f, "speaker-b")
	if status != http.StatusOK {
		t.Fatalf("finalize b status = %d", status)
	}

	if want := "w0-aa w1-aa w2-aa"; ra.Transcript != want {
		t.Errorf("session a transcript = %q, want %q", ra.Transcript, want)
	}
	if want := "w0-bb w1-bb w2-bb"; rb.Transcript != want {
		t.Errorf("session b transcript = %q, want %q", rb.Transcript, want)
	}
}

func TestFinalizeTimeoutReturnsPartial(t *testing.T) {
	f := newRelayFixture(t, &backendtest.Server{WithholdMetadata: true})
	ws := f.dialStream(t, "stuck")

	sendConfig(t, ws, 16000)
	awaitReady(t, ws)
	if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 32000)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	waitForAudioBytes(t, f, "stuck", 32000)

	result, status := finalize(t, f, "stuck")
	if status != http.StatusOK {
		t.Fatalf("finalize status = %d", status)
	}
	if !result.Partial {
		t.Error("result not marked partial after withheld metadata")
	}
	if math.Abs(result.DurationSec-1.0) > 0.01 {
		t.Errorf("fallback duration = %f, want 1.0", result.DurationSec)
	}
}

// TestDoneSurvivesWriteDeadline serves the relay with a write timeout
// shorter than the finalize wait. The degraded-finalize response has to
// reach the client anyway, so the done handler clears the deadline.
func TestDoneSurvivesWriteDeadline(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	backendSrv := httptest.NewServer((&backendtest.Server{WithholdMetadata: true}).Handler())
	t.Cleanup(backendSrv.Close)

	dialer, err := backend.NewWSDialer(backend.Config{
		URL:         "ws" + strings.TrimPrefix(backendSrv.URL, "http"),
		DialTimeout: 2 * time.Second,
	}, logger)
	if err != nil {
		t.Fatalf("NewWSDialer: %v", err)
	}

	registry := session.NewRegistry(dialer, session.RegistryConfig{
		MaxSessions:     16,
		IdleTimeout:     time.Minute,
		RetentionWindow: time.Minute,
		EventQueueDepth: 64,
		FinalizeTimeout: 800 * time.Millisecond,
		SweepInterval:   time.Hour,
	}, logger, nil)
	t.Cleanup(registry.Stop)

	srv := New(config.Default().Server, registry, logger, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	relaySrv := &http.Server{
		Handler:      srv.Handler(),
		WriteTimeout: 200 * time.Millisecond,
	}
	go relaySrv.Serve(ln)
	t.Cleanup(func() { relaySrv.Close() })

	base := "http://" + ln.Addr().String()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/recordings/slowdone/stream", nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	sendConfig(t, ws, 16000)
	awaitReady(t, ws)
	if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 32000)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/sessions/slowdone")
		if err != nil {
			t.Fatalf("session detail: %v", err)
		}
		var info session.Info
		err = json.NewDecoder(resp.Body).Decode(&info)
		resp.Body.Close()
		if err == nil && info.AudioBytes >= 32000 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Post(base+"/recordings/slowdone/done", "application/json", nil)
	if err != nil {
		t.Fatalf("finalize request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("finalize status = %d", resp.StatusCode)
	}
	var result session.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode finalize response: %v", err)
	}
	if !result.Partial {
		t.Error("result not marked partial after withheld metadata")
	}
	if math.Abs(result.DurationSec-1.0) > 0.01 {
		t.Errorf("fallback duration = %f, want 1.0", result.DurationSec)
	}
}

func TestDoneUnknownSession(t *testing.T) {
	f := newRelayFixture(t, &backendtest.Server{})

	if _, status := finalize(t, f, "missing"); status != http.StatusNotFound {
		t.Errorf("finalize of unknown session status = %d, want 404", status)
	}
}

func TestDoneAfterClientDrop(t *testing.T) {
	f := newRelayFixture(t, &backendtest.Server{})
	ws := f.dialStream(t, "dropped")

	sendConfig(t, ws, 16000)
	awaitReady(t, ws)
	ws.Close()

	// The abrupt close fails the session; finalize then conflicts.
	deadline := time.Now().Add(2 * time.Second)
	status := 0
	for time.Now().Before(deadline) {
		if _, status = finalize(t, f, "dropped"); status == http.StatusConflict {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if status != http.StatusConflict {
		t.Errorf("finalize after client drop status = %d, want 409", status)
	}
}

func TestMonitoringEndpoints(t *testing.T) {
	f := newRelayFixture(t, &backendtest.Server{})
	ws := f.dialStream(t, "watched")
	sendConfig(t, ws, 16000)
	awaitReady(t, ws)

	resp, err := http.Get(f.relay.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Get(f.relay.URL + "/sessions/watched")
	if err != nil {
		t.Fatalf("session detail: %v", err)
	}
	var info session.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode session detail: %v", err)
	}
	resp.Body.Close()
	if info.SessionID != "watched" || info.State != "streaming" {
		t.Errorf("session detail = %+v", info)
	}

	resp, err = http.Get(f.relay.URL + "/sessions/absent")
	if err != nil {
		t.Fatalf("absent session detail: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("absent session status = %d, want 404", resp.StatusCode)
	}
}

package backendtest

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/happybits/funnel-stream/internal/audio"
	"github.com/happybits/funnel-stream/internal/protocol"
)

// Server is a scripted fake transcription backend. Zero value emits no
// transcript segments and reports the exact processed duration in the
// terminal metadata event, which is enough for most tests.
type Server struct {
	// SegmentEveryBytes emits one final transcript segment per this many
	// bytes of received audio. Zero disables segment emission.
	SegmentEveryBytes int

	// MetadataDelay postpones the terminal metadata event after the
	// close-stream signal, to exercise the finalize wait.
	MetadataDelay time.Duration

	// WithholdMetadata suppresses the terminal metadata event entirely,
	// forcing finalize to its timeout path.
	WithholdMetadata bool

	upgrader websocket.Upgrader

	mu          sync.Mutex
	connections int
}

// Connections reports how many stream connections the fake has accepted.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// Handler returns the websocket endpoint implementing the backend
// stream protocol.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		s.mu.Lock()
		s.connections++
		s.mu.Unlock()

		// First frame must be the config frame.
		messageType, data, err := ws.ReadMessage()
		if err != nil || messageType != websocket.TextMessage {
			return
		}
		cfg, err := protocol.ParseConfig(data)
		if err != nil {
			frame, _ := protocol.EncodeEvent(protocol.ErrorEvent(err.Error()))
			ws.WriteMessage(websocket.TextMessage, frame)
			return
		}

		if !s.writeEvent(ws, protocol.ReadyEvent()) {
			return
		}

		var (
			totalBytes   int64
			pendingBytes int
			marker       byte
			segIndex     int
			transcript   string
		)

		for {
			messageType, data, err := ws.ReadMessage()
			if err != nil {
				return
			}

			switch messageType {
			case websocket.BinaryMessage:
				if pendingBytes == 0 && len(data) > 0 {
					marker = data[0]
				}
				totalBytes += int64(len(data))
				pendingBytes += len(data)

				for s.SegmentEveryBytes > 0 && pendingBytes >= s.SegmentEveryBytes {
					pendingBytes -= s.SegmentEveryBytes
					end := audio.DurationOfBytes(totalBytes-int64(pendingBytes), cfg.SampleRate)
					start := end - audio.DurationOfBytes(int64(s.SegmentEveryBytes), cfg.SampleRate)

					text := fmt.Sprintf("w%d-%02x", segIndex, marker)
					segIndex++
					if transcript != "" {
						transcript += " "
					}
					transcript += text

					event := &protocol.Event{
						Type: protocol.TypeTranscript,
						Segment: &protocol.TranscriptSegment{
							Text:       text,
							Confidence: 0.95,
							Start:      start,
							End:        end,
							IsFinal:    true,
						},
						FullTranscript: transcript,
					}
					if !s.writeEvent(ws, event) {
						return
					}
				}

			case websocket.TextMessage:
				event, err := protocol.ParseEvent(data)
				if err != nil || event.Type != protocol.TypeClose {
					continue
				}

				if s.WithholdMetadata {
					continue
				}
				if s.MetadataDelay > 0 {
					time.Sleep(s.MetadataDelay)
				}

				duration := audio.DurationOfBytes(totalBytes, cfg.SampleRate)
				s.writeEvent(ws, protocol.MetadataEvent(duration))
			}
		}
	})
}

func (s *Server) writeEvent(ws *websocket.Conn, event *protocol.Event) bool {
	frame, err := protocol.EncodeEvent(event)
	if err != nil {
		return false
	}
	return ws.WriteMessage(websocket.TextMessage, frame) == nil
}

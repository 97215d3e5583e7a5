package server

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/happybits/funnel-stream/internal/protocol"
	"github.com/happybits/funnel-stream/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream is the websocket ingest endpoint. The first frame must
// be the text config frame; once the session is up, binary frames carry
// ordered PCM16 audio and transcription events flow back as text
// frames. Finalization happens over the separate done endpoint, so a
// socket teardown before finalize fails the session.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	defer ws.Close()

	var writeMu sync.Mutex
	writeEvent := func(ev *protocol.Event) bool {
		frame, err := protocol.EncodeEvent(ev)
		if err != nil {
			return false
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return ws.WriteMessage(websocket.TextMessage, frame) == nil
	}

	messageType, data, err := ws.ReadMessage()
	if err != nil {
		return
	}
	if messageType != websocket.TextMessage {
		writeEvent(protocol.ErrorEvent("first frame must be the stream config"))
		return
	}
	cfg, err := protocol.ParseConfig(data)
	if err != nil {
		writeEvent(protocol.ErrorEvent(err.Error()))
		return
	}

	sess, err := s.registry.Create(r.Context(), id, *cfg)
	if err != nil {
		status := "session setup failed"
		switch {
		case errors.Is(err, session.ErrDuplicateSession):
			status = "session already exists"
		case errors.Is(err, session.ErrSessionLimit):
			status = "session limit reached"
		case errors.Is(err, session.ErrBackendUnavailable):
			status = "transcription backend unavailable"
		}
		s.logger.Warn("Session setup rejected",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		writeEvent(protocol.ErrorEvent(status))
		return
	}

	// Fan transcription events out to the client. Exits when the
	// session's event channel closes.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for ev := range sess.Events() {
			if !writeEvent(&ev) {
				return
			}
		}
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			// A dropped socket mid-stream ends the recording; a socket
			// closed after finalize is normal teardown.
			if !sess.State().Terminal() && sess.State() != session.StateFinalizing {
				sess.Fail(errors.New("client connection closed mid-stream"))
			}
			break
		}

		switch messageType {
		case websocket.BinaryMessage:
			if err := sess.AppendAudio(data); err != nil {
				writeEvent(protocol.ErrorEvent(err.Error()))
			}
		case websocket.TextMessage:
			// Config is accepted exactly once; anything after it on the
			// text channel is a protocol violation worth reporting but
			// not fatal.
			writeEvent(protocol.ErrorEvent("unexpected text frame after stream config"))
		}
	}

	<-writerDone
}

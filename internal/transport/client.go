package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/happybits/funnel-stream/internal/protocol"
)

// ErrConnectionFailure marks stream transport failures: dial errors,
// dropped connections, and write failures. There is no reconnect; a
// failed connection ends the recording attempt.
var ErrConnectionFailure = errors.New("stream connection failure")

// Config contains client transport configuration.
type Config struct {
	// ServerURL is the relay base URL, ws:// or wss://.
	ServerURL   string
	DialTimeout time.Duration
}

// FinalResult is the relay's response to a finalize request.
type FinalResult struct {
	SessionID   string                       `json:"sessionId"`
	Transcript  string                       `json:"transcript"`
	DurationSec float64                      `json:"durationSec"`
	Segments    []protocol.TranscriptSegment `json:"segments"`
	Partial     bool                         `json:"partial"`
}

// Client is one recording's stream connection to the relay. Writes are
// serialized; the read loop is the only reader and closes the event
// channel when the connection ends.
type Client struct {
	sessionID string
	serverURL string
	logger    *slog.Logger

	ws      *websocket.Conn
	writeMu sync.Mutex
	events  chan protocol.Event
	ready   chan struct{}
	done    chan struct{}

	readyOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// Dial opens the stream connection for a session. The config frame is
// not sent yet; call SendConfig before any audio.
func Dial(ctx context.Context, cfg Config, sessionID string, logger *slog.Logger) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("%w: server URL cannot be empty", ErrConnectionFailure)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	url := strings.TrimSuffix(cfg.ServerURL, "/") + "/recordings/" + sessionID + "/stream"
	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}

	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnectionFailure, url, err)
	}

	c := &Client{
		sessionID: sessionID,
		serverURL: cfg.ServerURL,
		logger:    logger,
		ws:        ws,
		events:    make(chan protocol.Event, 32),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.readLoop()

	return c, nil
}

// SessionID returns the session this connection streams for.
func (c *Client) SessionID() string {
	return c.sessionID
}

// SendConfig sends the stream config frame. Must be the first frame.
func (c *Client) SendConfig(cfg protocol.StreamConfig) error {
	frame, err := protocol.EncodeConfig(cfg)
	if err != nil {
		return err
	}
	return c.writeMessage(websocket.TextMessage, frame)
}

// SendFrame forwards one binary PCM16 audio frame in order.
func (c *Client) SendFrame(pcm []byte) error {
	return c.writeMessage(websocket.BinaryMessage, pcm)
}

// Events returns the inbound event channel, closed when the connection ends.
func (c *Client) Events() <-chan protocol.Event {
	return c.events
}

// WaitReady blocks until the relay confirms the stream is accepted and
// the backend is ready for audio, or the connection ends first.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: connection closed before ready", ErrConnectionFailure)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finalize asks the relay to stop the session and assemble the
// transcript. It travels over HTTP, not the stream socket, so it works
// even after the socket is torn down.
func (c *Client) Finalize(ctx context.Context) (*FinalResult, error) {
	url := httpBaseURL(c.serverURL) + "/recordings/" + c.sessionID + "/done"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: finalize request: %v", ErrConnectionFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("finalize rejected with status %d", resp.StatusCode)
	}

	var result FinalResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode finalize response: %w", err)
	}
	return &result, nil
}

// Close releases the connection. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *Client) writeMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailure, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer close(c.done)

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		event, err := protocol.ParseEvent(data)
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("Dropping malformed relay event",
					slog.String("session_id", c.sessionID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		if event.Type == protocol.TypeReady {
			c.readyOnce.Do(func() { close(c.ready) })
		}
		c.events <- *event
	}
}

// httpBaseURL maps the websocket base URL onto its HTTP counterpart.
func httpBaseURL(wsURL string) string {
	base := strings.TrimSuffix(wsURL, "/")
	switch {
	case strings.HasPrefix(base, "wss://"):
		return "https://" + strings.TrimPrefix(base, "wss://")
	case strings.HasPrefix(base, "ws://"):
		return "http://" + strings.TrimPrefix(base, "ws://")
	default:
		return base
	}
}

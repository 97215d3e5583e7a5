package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/happybits/funnel-stream/internal/protocol"
)

// Config contains backend connection configuration
type Config struct {
	URL         string
	APIKey      string
	DialTimeout time.Duration
}

// DialerStats represents dialer statistics
type DialerStats struct {
	Dials        uint64 `json:"dials"`
	DialFailures uint64 `json:"dial_failures"`
	FramesSent   uint64 `json:"frames_sent"`
	SendFailures uint64 `json:"send_failures"`
}

// WSDialer opens websocket connections to the transcription backend.
type WSDialer struct {
	config Config
	logger *slog.Logger

	mu    sync.Mutex
	stats DialerStats
}

// NewWSDialer creates a websocket backend dialer.
func NewWSDialer(config Config, logger *slog.Logger) (*WSDialer, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("backend URL cannot be empty")
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}

	return &WSDialer{
		config: config,
		logger: logger,
	}, nil
}

// Dial opens a backend connection for one session and sends the config
// frame. The returned Conn is ready for audio once the backend's ready
// event arrives on Events.
func (d *WSDialer) Dial(ctx context.Context, cfg protocol.StreamConfig) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.config.DialTimeout}

	header := http.Header{}
	if d.config.APIKey != "" {
		header.Set("Authorization", "Bearer "+d.config.APIKey)
	}

	ws, _, err := dialer.DialContext(ctx, d.config.URL, header)
	if err != nil {
		d.recordDial(false)
		return nil, fmt.Errorf("failed to dial backend %s: %w", d.config.URL, err)
	}

	configFrame, err := protocol.EncodeConfig(cfg)
	if err != nil {
		ws.Close()
		d.recordDial(false)
		return nil, err
	}
	if err := ws.WriteMessage(websocket.TextMessage, configFrame); err != nil {
		ws.Close()
		d.recordDial(false)
		return nil, fmt.Errorf("failed to send config frame to backend: %w", err)
	}

	d.recordDial(true)

	conn := &wsConn{
		ws:     ws,
		dialer: d,
		logger: d.logger,
		events: make(chan protocol.Event, 32),
	}
	go conn.readLoop()

	return conn, nil
}

// GetStats returns current dialer statistics
func (d *WSDialer) GetStats() DialerStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *WSDialer) recordDial(ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Dials++
	if !ok {
		d.stats.DialFailures++
	}
}

func (d *WSDialer) recordSend(ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.FramesSent++
	if !ok {
		d.stats.SendFailures++
	}
}

// wsConn is one live backend connection. Writes are serialized by
// writeMu; the read loop is the only reader and closes the events
// channel when the connection ends.
type wsConn struct {
	ws     *websocket.Conn
	dialer *WSDialer
	logger *slog.Logger

	writeMu sync.Mutex
	events  chan protocol.Event

	closeOnce sync.Once
	closeErr  error
}

// SendAudio forwards one binary audio frame to the backend in order.
func (c *wsConn) SendAudio(pcm []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	err := c.ws.WriteMessage(websocket.BinaryMessage, pcm)
	c.dialer.recordSend(err == nil)
	if err != nil {
		return fmt.Errorf("failed to send audio frame to backend: %w", err)
	}
	return nil
}

// Events returns the inbound event channel, closed when the connection ends.
func (c *wsConn) Events() <-chan protocol.Event {
	return c.events
}

// CloseStream sends the explicit flush-and-close signal. The connection
// stays open for the trailing transcript and terminal metadata events.
func (c *wsConn) CloseStream() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.TextMessage, protocol.CloseStream()); err != nil {
		return fmt.Errorf("failed to signal close-stream to backend: %w", err)
	}
	return nil
}

// Close releases the connection. Idempotent.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *wsConn) readLoop() {
	defer close(c.events)

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
				c.logger.Warn("Dropping malformed backend event",
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		c.events <- *event
	}
}

package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame type discriminants used on the duplex stream.
const (
	TypeConfig     = "config"
	TypeClose      = "close"
	TypeReady      = "ready"
	TypeTranscript = "transcript"
	TypeError      = "error"
	TypeMetadata   = "metadata"
)

// FormatPCM16 is the only audio format carried on the wire: raw mono
// signed 16-bit little-endian PCM samples, no envelope.
const FormatPCM16 = "pcm16"

// Sample rate bounds accepted in a config frame. The rate is forwarded to
// the backend verbatim; resampling is the backend's concern.
const (
	MinSampleRate = 8000
	MaxSampleRate = 48000
)

// StreamConfig is the one-time configuration frame a client sends before
// any audio frame.
type StreamConfig struct {
	Type       string `json:"type"`
	Format     string `json:"format"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// NewStreamConfig builds a valid config frame for the given sample rate.
func NewStreamConfig(sampleRate int) StreamConfig {
	return StreamConfig{
		Type:       TypeConfig,
		Format:     FormatPCM16,
		SampleRate: sampleRate,
		Channels:   1,
	}
}

// Validate checks a config frame against the wire contract.
func (c *StreamConfig) Validate() error {
	if c.Type != TypeConfig {
		return fmt.Errorf("config frame type must be %q, got %q", TypeConfig, c.Type)
	}
	if c.Format != FormatPCM16 {
		return fmt.Errorf("unsupported audio format %q, only %q is accepted", c.Format, FormatPCM16)
	}
	if c.SampleRate < MinSampleRate || c.SampleRate > MaxSampleRate {
		return fmt.Errorf("sample rate must be between %d and %d Hz, got %d",
			MinSampleRate, MaxSampleRate, c.SampleRate)
	}
	if c.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", c.Channels)
	}
	return nil
}

// ParseConfig decodes and validates a config frame.
func ParseConfig(data []byte) (*StreamConfig, error) {
	var cfg StreamConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config frame: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// EncodeConfig serializes a config frame for the wire.
func EncodeConfig(cfg StreamConfig) ([]byte, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config frame: %w", err)
	}
	return data, nil
}

// TranscriptSegment is one unit of transcribed speech. Only segments with
// IsFinal set contribute to the assembled transcript; interim segments are
// advisory and superseded by later segments covering the same time range.
type TranscriptSegment struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	IsFinal    bool    `json:"isFinal"`
}

// Validate checks segment fields against the wire contract.
func (s *TranscriptSegment) Validate() error {
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("segment confidence must be within [0, 1], got %f", s.Confidence)
	}
	if s.Start < 0 {
		return fmt.Errorf("segment start offset cannot be negative, got %f", s.Start)
	}
	if s.End < s.Start {
		return fmt.Errorf("segment end %f precedes start %f", s.End, s.Start)
	}
	return nil
}

// Event is an inbound JSON frame: transcript updates, the one-time ready
// confirmation, stream errors, and the terminal metadata event emitted
// during finalization.
type Event struct {
	Type           string             `json:"type"`
	Segment        *TranscriptSegment `json:"segment,omitempty"`
	FullTranscript string             `json:"fullTranscript,omitempty"`
	DurationSec    float64            `json:"durationSec,omitempty"`
	Message        string             `json:"message,omitempty"`
}

// ParseEvent decodes and validates an event frame.
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to parse event frame: %w", err)
	}
	switch ev.Type {
	case TypeReady, TypeError, TypeClose:
		return &ev, nil
	case TypeTranscript:
		if ev.Segment == nil {
			return nil, fmt.Errorf("transcript event is missing its segment payload")
		}
		if err := ev.Segment.Validate(); err != nil {
			return nil, err
		}
		return &ev, nil
	case TypeMetadata:
		if ev.DurationSec < 0 {
			return nil, fmt.Errorf("metadata duration cannot be negative, got %f", ev.DurationSec)
		}
		return &ev, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", ev.Type)
	}
}

// EncodeEvent serializes an event frame for the wire.
func EncodeEvent(ev *Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event frame: %w", err)
	}
	return data, nil
}

// CloseStream is the explicit flush-and-close signal sent to the backend
// when finalization begins. It is a frame of its own, not a transport
// half-close, so in-flight transcript events keep flowing until the
// terminal metadata event arrives.
func CloseStream() []byte {
	return []byte(`{"type":"close"}`)
}

// ReadyEvent builds the one-time ready confirmation.
func ReadyEvent() *Event {
	return &Event{Type: TypeReady}
}

// ErrorEvent builds an error event with the given message.
func ErrorEvent(message string) *Event {
	return &Event{Type: TypeError, Message: message}
}

// MetadataEvent builds the terminal metadata event reporting total
// processed audio duration in seconds.
func MetadataEvent(durationSec float64) *Event {
	return &Event{Type: TypeMetadata, DurationSec: durationSec}
}

package protocol

import (
	"strings"
	"testing"
)

func TestParseConfig(t *testing.T) {
	tests := []struct {
		name        string
		data        string
		expected    *StreamConfig
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config",
			data: `{"type":"config","format":"pcm16","sampleRate":16000,"channels":1}`,
			expected: &StreamConfig{
				Type:       TypeConfig,
				Format:     FormatPCM16,
				SampleRate: 16000,
				Channels:   1,
			},
		},
		{
			name: "native device rate is accepted",
			data: `{"type":"config","format":"pcm16","sampleRate":44100,"channels":1}`,
			expected: &StreamConfig{
				Type:       TypeConfig,
				Format:     FormatPCM16,
				SampleRate: 44100,
				Channels:   1,
			},
		},
		{
			name:        "wrong type",
			data:        `{"type":"audio","format":"pcm16","sampleRate":16000,"channels":1}`,
			expectError: true,
			errorMsg:    "config frame type",
		},
		{
			name:        "unsupported format",
			data:        `{"type":"config","format":"opus","sampleRate":16000,"channels":1}`,
			expectError: true,
			errorMsg:    "unsupported audio format",
		},
		{
			name:        "sample rate too low",
			data:        `{"type":"config","format":"pcm16","sampleRate":4000,"channels":1}`,
			expectError: true,
			errorMsg:    "sample rate",
		},
		{
			name:        "sample rate too high",
			data:        `{"type":"config","format":"pcm16","sampleRate":96000,"channels":1}`,
			expectError: true,
			errorMsg:    "sample rate",
		},
		{
			name:        "stereo rejected",
			data:        `{"type":"config","format":"pcm16","sampleRate":16000,"channels":2}`,
			expectError: true,
			errorMsg:    "channels must be 1",
		},
		{
			name:        "not json",
			data:        `not a frame`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseConfig([]byte(tt.data))

			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.errorMsg)
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("expected error containing %q, got %q", tt.errorMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if *cfg != *tt.expected {
				t.Errorf("expected %+v, got %+v", tt.expected, cfg)
			}
		})
	}
}

func TestNewStreamConfigIsValid(t *testing.T) {
	cfg := NewStreamConfig(16000)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("NewStreamConfig produced invalid config: %v", err)
	}
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name        string
		data        string
		expectType  string
		expectError bool
		errorMsg    string
	}{
		{
			name:       "ready event",
			data:       `{"type":"ready"}`,
			expectType: TypeReady,
		},
		{
			name:       "transcript event",
			data:       `{"type":"transcript","segment":{"text":"hello","confidence":0.97,"start":0.5,"end":2.1,"isFinal":true},"fullTranscript":"hello"}`,
			expectType: TypeTranscript,
		},
		{
			name:       "metadata event",
			data:       `{"type":"metadata","durationSec":5.0}`,
			expectType: TypeMetadata,
		},
		{
			name:       "error event",
			data:       `{"type":"error","message":"backend gone"}`,
			expectType: TypeError,
		},
		{
			name:       "close signal",
			data:       `{"type":"close"}`,
			expectType: TypeClose,
		},
		{
			name:        "transcript without segment",
			data:        `{"type":"transcript"}`,
			expectError: true,
			errorMsg:    "missing its segment",
		},
		{
			name:        "confidence out of range",
			data:        `{"type":"transcript","segment":{"text":"x","confidence":1.5,"start":0,"end":1,"isFinal":true}}`,
			expectError: true,
			errorMsg:    "confidence",
		},
		{
			name:        "end precedes start",
			data:        `{"type":"transcript","segment":{"text":"x","confidence":0.5,"start":2,"end":1,"isFinal":true}}`,
			expectError: true,
			errorMsg:    "precedes start",
		},
		{
			name:        "negative metadata duration",
			data:        `{"type":"metadata","durationSec":-1}`,
			expectError: true,
			errorMsg:    "cannot be negative",
		},
		{
			name:        "unknown type",
			data:        `{"type":"bogus"}`,
			expectError: true,
			errorMsg:    "unknown event type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent([]byte(tt.data))

			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.errorMsg)
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("expected error containing %q, got %q", tt.errorMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ev.Type != tt.expectType {
				t.Errorf("expected event type %q, got %q", tt.expectType, ev.Type)
			}
		})
	}
}

func TestEventRoundTrip(t *testing.T) {
	original := &Event{
		Type: TypeTranscript,
		Segment: &TranscriptSegment{
			Text:       "the quick brown fox",
			Confidence: 0.92,
			Start:      1.25,
			End:        3.75,
			IsFinal:    true,
		},
		FullTranscript: "the quick brown fox",
	}

	data, err := EncodeEvent(original)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	parsed, err := ParseEvent(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if parsed.Segment == nil {
		t.Fatal("segment lost in round trip")
	}
	if *parsed.Segment != *original.Segment {
		t.Errorf("segment changed in round trip: expected %+v, got %+v", original.Segment, parsed.Segment)
	}
	if parsed.FullTranscript != original.FullTranscript {
		t.Errorf("full transcript changed: expected %q, got %q", original.FullTranscript, parsed.FullTranscript)
	}
}

func TestCloseStreamParses(t *testing.T) {
	ev, err := ParseEvent(CloseStream())
	if err != nil {
		t.Fatalf("close signal does not parse: %v", err)
	}
	if ev.Type != TypeClose {
		t.Errorf("expected close type, got %q", ev.Type)
	}
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/happybits/funnel-stream/internal/protocol"
)

// Config represents the complete relay configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Stream  StreamConfig  `yaml:"stream"`
	Audio   AudioConfig   `yaml:"audio"`
	Backend BackendConfig `yaml:"backend"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Address      string `yaml:"address"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

// StreamConfig contains session registry configuration
type StreamConfig struct {
	MaxSessions     int `yaml:"max_sessions"`
	IdleTimeout     int `yaml:"idle_timeout"`      // seconds, streaming sessions with no audio
	RetentionWindow int `yaml:"retention_window"`  // seconds, completed/failed sessions kept for lookup
	EventQueueDepth int `yaml:"event_queue_depth"` // outbound event queue per session
}

// AudioConfig contains audio framing parameters
type AudioConfig struct {
	FrameMS int `yaml:"frame_ms"` // outbound frame cadence, milliseconds of audio per frame
}

// BackendConfig contains transcription backend connection configuration
type BackendConfig struct {
	URL             string `yaml:"url"`
	APIKey          string `yaml:"api_key"`
	DialTimeout     int    `yaml:"dial_timeout"`     // seconds
	FinalizeTimeout int    `yaml:"finalize_timeout"` // seconds, bounded wait for terminal metadata
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration with working defaults, used when no file
// is supplied and as the base for tests.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15,
			WriteTimeout: 15,
		},
		Stream: StreamConfig{
			MaxSessions:     256,
			IdleTimeout:     120,
			RetentionWindow: 300,
			EventQueueDepth: 64,
		},
		Audio: AudioConfig{
			FrameMS: 100,
		},
		Backend: BackendConfig{
			URL:             "ws://localhost:9090/stream",
			APIKey:          "",
			DialTimeout:     10,
			FinalizeTimeout: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.ReadTimeout < 1 {
		return fmt.Errorf("read_timeout must be at least 1 second, got %d", s.ReadTimeout)
	}

	if s.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", s.WriteTimeout)
	}

	return nil
}

// Validate validates stream configuration
func (s *StreamConfig) Validate() error {
	if s.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", s.MaxSessions)
	}

	if s.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}

	if s.RetentionWindow < 0 {
		return fmt.Errorf("retention_window cannot be negative, got %d", s.RetentionWindow)
	}

	if s.EventQueueDepth < 1 {
		return fmt.Errorf("event_queue_depth must be at least 1, got %d", s.EventQueueDepth)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.FrameMS < 10 || a.FrameMS > 1000 {
		return fmt.Errorf("frame_ms must be between 10 and 1000, got %d", a.FrameMS)
	}

	return nil
}

// Validate validates backend configuration
func (b *BackendConfig) Validate() error {
	if b.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}

	if b.DialTimeout < 1 {
		return fmt.Errorf("dial_timeout must be at least 1 second, got %d", b.DialTimeout)
	}

	if b.FinalizeTimeout < 1 {
		return fmt.Errorf("finalize_timeout must be at least 1 second, got %d", b.FinalizeTimeout)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// SampleRateValid reports whether a client-declared sample rate is acceptable.
// The relay forwards the rate to the backend verbatim.
func SampleRateValid(rate int) bool {
	return rate >= protocol.MinSampleRate && rate <= protocol.MaxSampleRate
}

// GetReadTimeout returns the server read timeout as a time.Duration
func (s *ServerConfig) GetReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// GetWriteTimeout returns the server write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetIdleTimeout returns the session idle timeout as a time.Duration
func (s *StreamConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetRetentionWindow returns the session retention window as a time.Duration
func (s *StreamConfig) GetRetentionWindow() time.Duration {
	return time.Duration(s.RetentionWindow) * time.Second
}

// GetFrameDuration returns the outbound frame cadence as a time.Duration
func (a *AudioConfig) GetFrameDuration() time.Duration {
	return time.Duration(a.FrameMS) * time.Millisecond
}

// GetDialTimeout returns the backend dial timeout as a time.Duration
func (b *BackendConfig) GetDialTimeout() time.Duration {
	return time.Duration(b.DialTimeout) * time.Second
}

// GetFinalizeTimeout returns the finalize wait ceiling as a time.Duration
func (b *BackendConfig) GetFinalizeTimeout() time.Duration {
	return time.Duration(b.FinalizeTimeout) * time.Second
}

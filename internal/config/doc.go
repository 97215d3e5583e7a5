// Package config provides configuration loading and validation for the
// recording stream relay. It handles YAML-based configuration with struct
// validation for the HTTP server, session registry, audio framing, and
// backend connection parameters.
package config

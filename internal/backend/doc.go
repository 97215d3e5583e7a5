// Package backend implements the live connection to the transcription
// backend: one duplex channel per session carrying a config frame and
// ordered audio frames outbound, and transcript/metadata events inbound.
// The backend itself is a black box behind the Dialer interface.
package backend

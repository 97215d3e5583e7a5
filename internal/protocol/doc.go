// Package protocol defines the JSON wire frames exchanged on the duplex
// recording stream: the one-time config frame, the close-stream signal,
// and the inbound ready/transcript/error/metadata events.
package protocol

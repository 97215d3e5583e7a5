// Package transport is the client side of the relay stream protocol:
// one websocket per recording carrying the config frame, ordered binary
// audio, and inbound transcription events, plus the finalize request.
package transport

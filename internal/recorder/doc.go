// Package recorder drives one recording attempt on the client: capture
// source, stream connection, loudness and transcript callbacks, and the
// stop protocol that turns buffered audio into a final transcript.
package recorder

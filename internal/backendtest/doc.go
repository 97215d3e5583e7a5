// Package backendtest provides an in-process fake transcription backend
// speaking the live stream protocol: config in, ready out, scripted
// transcript segments per received audio, terminal metadata on close.
// It backs the test suites and the relay's local development mode.
package backendtest

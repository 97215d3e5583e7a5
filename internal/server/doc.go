// Package server exposes the relay's HTTP surface: the websocket
// streaming endpoint, the finalize endpoint, and monitoring routes.
package server

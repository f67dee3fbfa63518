// Package telemetry fans relay events out to SSE and websocket subscribers.
//
// Every event gets a monotonic id. The hub keeps the last N events overall and
// per device so a reconnecting SSE client can resume with Last-Event-ID.
package telemetry

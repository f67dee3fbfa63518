// Package api exposes the relay to callers over HTTP/JSON.
//
// Every response uses the envelope {result, data, code, message, details,
// correlationId}. Failed relay operations carry the dispatcher's error code
// and its caller-facing message, e.g. "Error: no access to this drone".
// Telemetry is served as Server-Sent Events and over a websocket.
package api

package api

import (
	"context"
	"net/http"

	"github.com/tello-relay/relay/internal/command"
	"github.com/tello-relay/relay/internal/telemetry"
)

// DispatcherPort is the relay surface the API drives.
type DispatcherPort = command.DispatcherPort

// TelemetryPort streams telemetry to HTTP clients.
type TelemetryPort interface {
	Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error
	ServeWS(w http.ResponseWriter, r *http.Request) error
}

// Compile-time assertions for port conformance
var _ DispatcherPort = (*command.Dispatcher)(nil)
var _ TelemetryPort = (*telemetry.Hub)(nil)

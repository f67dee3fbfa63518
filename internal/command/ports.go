package command

import (
	"context"
	"time"

	"github.com/tello-relay/relay/internal/device"
	"github.com/tello-relay/relay/internal/telemetry"
)

// DispatcherPort is the surface the API needs from the dispatcher.
type DispatcherPort interface {
	Send(ctx context.Context, deviceID, cmd, callerID string) (string, error)
	Search(ctx context.Context) ([]string, error)
	RequestControl(ctx context.Context, deviceID, callerID string, seconds float64) error
	ReleaseControl(ctx context.Context, deviceID, callerID string) error
	Devices() []device.Device
}

// AuditRecord is one audited decision.
type AuditRecord struct {
	Caller  string
	Action  string
	Device  string
	Params  map[string]interface{}
	Outcome string
	Code    string
	Latency time.Duration
}

// AuditLogger writes audit records.
type AuditLogger interface {
	LogAction(ctx context.Context, rec AuditRecord)
}

// EventPublisher receives telemetry events.
type EventPublisher interface {
	Publish(event telemetry.Event) error
}

// Compile-time assertions.
var (
	_ DispatcherPort = (*Dispatcher)(nil)
	_ EventPublisher = (*telemetry.Hub)(nil)
)

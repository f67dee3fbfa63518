// Package command implements the relay's command dispatcher.
//
// The dispatcher classifies a caller's command, checks the caller's lease on
// the target drone, routes the command through the bridge session the drone
// was discovered on, and waits for the correlated reply within the class
// timeout. It also runs searches, grants leases, demultiplexes inbound bridge
// datagrams, and records every decision to the audit trail and telemetry.
package command

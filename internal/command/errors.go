package command

import (
	"context"
	"errors"
	"strings"

	"github.com/tello-relay/relay/internal/device"
	"github.com/tello-relay/relay/internal/session"
)

// Dispatcher errors. Lease and lookup errors are shared with the device
// registry so errors.Is works across both packages.
var (
	ErrInvalidCommand      = errors.New("INVALID_COMMAND")
	ErrClientTimeout       = errors.New("CLIENT_TIMEOUT")
	ErrInvalidParameter    = errors.New("BAD_REQUEST")
	ErrInvalidRange        = errors.New("INVALID_RANGE")
	ErrRelayFailed         = errors.New("RELAY_FAILED")
	ErrUnknownDevice       = device.ErrUnknownDevice
	ErrNoAccess            = device.ErrNoAccess
	ErrLeaseExpired        = device.ErrLeaseExpired
	ErrDeviceOwnedByOther  = device.ErrOwnedByOther
	ErrUnregisteredSession = session.ErrUnregisteredSession
	ErrSearchInProgress    = session.ErrTransactionPending
)

// Normalized codes for error replies reported by a drone.
const (
	ReplyOK          = "OK"
	ReplyInvalid     = "INVALID_RANGE"
	ReplyBusy        = "BUSY"
	ReplyUnavailable = "UNAVAILABLE"
	ReplyInternal    = "INTERNAL"
)

var messages = []struct {
	err error
	msg string
}{
	{ErrInvalidCommand, "Error: invalid command"},
	{ErrClientTimeout, "Error: client timeout"},
	{ErrUnknownDevice, "Error: unknown MAC address"},
	{ErrNoAccess, "Error: no access to this drone"},
	{ErrLeaseExpired, "Error: your control over this drone has expired"},
	{ErrDeviceOwnedByOther, "Error: this drone is owned by others"},
	{ErrUnregisteredSession, "Error: no bridge is connected for this drone"},
	{ErrSearchInProgress, "Error: a search is already in progress"},
	{ErrInvalidRange, "Error: requested duration is out of range"},
	{ErrInvalidParameter, "Error: invalid request"},
	{device.ErrInvalidCaller, "Error: missing caller identity"},
	{device.ErrInvalidDuration, "Error: duration must be positive"},
	{ErrRelayFailed, "Error: failed to reach the bridge"},
	{context.DeadlineExceeded, "Error: client timeout"},
	{context.Canceled, "Error: request cancelled"},
}

// Message renders err as the result string shown to callers. A nil error
// renders as "OK".
func Message(err error) string {
	if err == nil {
		return "OK"
	}
	for _, m := range messages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	return "Error: internal error"
}

// Code returns the taxonomy code of err, e.g. "NO_ACCESS".
func Code(err error) string {
	if err == nil {
		return ReplyOK
	}
	for _, m := range messages {
		if errors.Is(err, m.err) {
			switch m.err {
			case context.DeadlineExceeded:
				return ErrClientTimeout.Error()
			case device.ErrInvalidCaller, device.ErrInvalidDuration:
				return ErrInvalidParameter.Error()
			}
			return m.err.Error()
		}
	}
	return ReplyInternal
}

// replyTokens maps substrings of a drone's error reply to a normalized code.
// The first matching group wins; unmatched error replies are INTERNAL.
var replyTokens = []struct {
	code   string
	tokens []string
}{
	{ReplyInvalid, []string{"OUT OF RANGE", "OUT_OF_RANGE", "INVALID", "BAD VALUE", "UNKNOWN COMMAND"}},
	{ReplyBusy, []string{"BUSY", "NOT JOYSTICK", "IN PROGRESS", "RETRY"}},
	{ReplyUnavailable, []string{"NO VALID IMU", "MOTOR STOP", "LOW BATTERY", "NOT READY", "OFFLINE", "TIMEOUT"}},
}

// NormalizeReply classifies a drone reply. Replies that do not start with
// "error" are ReplyOK. The reply itself is always relayed to the caller
// unchanged; the code only feeds audit and telemetry.
func NormalizeReply(reply string) string {
	upper := strings.ToUpper(strings.TrimSpace(reply))
	if !strings.HasPrefix(upper, "ERROR") && upper != "OUT OF RANGE" {
		return ReplyOK
	}
	for _, group := range replyTokens {
		for _, token := range group.tokens {
			if strings.Contains(upper, token) {
				return group.code
			}
		}
	}
	return ReplyInternal
}

package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/tello-relay/relay/internal/command"
	"github.com/tello-relay/relay/internal/device"
)

// statusTable maps dispatcher errors to HTTP statuses. The first match wins.
var statusTable = []struct {
	err    error
	status int
}{
	{command.ErrInvalidCommand, http.StatusBadRequest},
	{command.ErrInvalidParameter, http.StatusBadRequest},
	{command.ErrInvalidRange, http.StatusBadRequest},
	{device.ErrInvalidCaller, http.StatusBadRequest},
	{device.ErrInvalidDuration, http.StatusBadRequest},
	{command.ErrUnknownDevice, http.StatusNotFound},
	{command.ErrNoAccess, http.StatusForbidden},
	{command.ErrLeaseExpired, http.StatusForbidden},
	{command.ErrDeviceOwnedByOther, http.StatusConflict},
	{command.ErrSearchInProgress, http.StatusConflict},
	{command.ErrClientTimeout, http.StatusGatewayTimeout},
	{context.DeadlineExceeded, http.StatusGatewayTimeout},
	{command.ErrUnregisteredSession, http.StatusServiceUnavailable},
	{command.ErrRelayFailed, http.StatusBadGateway},
}

// ToAPIError converts a dispatcher error into an HTTP status and envelope.
func ToAPIError(err error) (int, *Response) {
	if err == nil {
		return http.StatusOK, nil
	}

	status := http.StatusInternalServerError
	for _, entry := range statusTable {
		if errors.Is(err, entry.err) {
			status = entry.status
			break
		}
	}

	var details interface{}
	if status == http.StatusInternalServerError {
		details = map[string]interface{}{"original": err.Error()}
	}
	return status, ErrorResponse(command.Code(err), command.Message(err), details)
}

// writeDispatchError writes err as an API error.
func writeDispatchError(w http.ResponseWriter, err error) {
	status, resp := ToAPIError(err)
	writeResponse(w, status, resp)
}

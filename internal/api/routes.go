package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tello-relay/relay/internal/auth"
	"github.com/tello-relay/relay/internal/command"
)

const maxBodyBytes = 1 << 16

// RegisterRoutes registers every v1 endpoint on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	const v1 = "/api/v1"

	mux.HandleFunc("GET "+v1+"/health", s.handleHealth)

	mux.HandleFunc("GET "+v1+"/devices", s.protect(auth.ScopeRead, s.handleDevices))
	mux.HandleFunc("POST "+v1+"/search", s.protect(auth.ScopeRead, s.handleSearch))
	mux.HandleFunc("POST "+v1+"/devices/{id}/send", s.protect(auth.ScopeControl, s.handleSend))
	mux.HandleFunc("POST "+v1+"/devices/{id}/control", s.protect(auth.ScopeControl, s.handleRequestControl))
	mux.HandleFunc("DELETE "+v1+"/devices/{id}/control", s.protect(auth.ScopeControl, s.handleReleaseControl))

	mux.HandleFunc("GET "+v1+"/telemetry", s.protect(auth.ScopeTelemetry, s.handleTelemetry))
	mux.HandleFunc("GET "+v1+"/telemetry/ws", s.protect(auth.ScopeTelemetry, s.handleTelemetryWS))
}

func (s *Server) protect(scope string, h http.HandlerFunc) http.HandlerFunc {
	return s.authMiddleware.RequireAuth(s.authMiddleware.RequireScope(scope)(h))
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	subsystems := map[string]bool{
		"dispatcher": s.dispatcher != nil,
		"telemetry":  s.telemetryHub != nil,
	}
	if s.dispatcher == nil {
		status = "degraded"
	}

	health := map[string]interface{}{
		"status":     status,
		"uptimeSec":  time.Since(s.startTime).Seconds(),
		"subsystems": subsystems,
		"authMode":   map[bool]string{true: "local", false: "jwt"}[s.authMiddleware.LocalMode()],
	}
	if s.dispatcher != nil {
		health["devices"] = len(s.dispatcher.Devices())
	}

	if status != "ok" {
		writeResponse(w, http.StatusServiceUnavailable, SuccessResponse(health))
		return
	}
	WriteSuccess(w, health)
}

// handleDevices handles GET /devices
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !s.available(w) {
		return
	}
	WriteSuccess(w, map[string]interface{}{"devices": s.dispatcher.Devices()})
}

// handleSearch handles POST /search
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if !s.available(w) {
		return
	}
	found, err := s.dispatcher.Search(r.Context())
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{"devices": found})
}

// handleSend handles POST /devices/{id}/send
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !s.available(w) {
		return
	}
	var req struct {
		Command string `json:"command"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	deviceID := r.PathValue("id")
	reply, err := s.dispatcher.Send(r.Context(), deviceID, req.Command, auth.CallerID(r.Context()))
	if err != nil {
		s.logger.Debug("Send rejected", zap.String("device", deviceID), zap.Error(err))
		writeDispatchError(w, err)
		return
	}
	WriteSuccess(w, map[string]string{"response": reply})
}

// handleRequestControl handles POST /devices/{id}/control
func (s *Server) handleRequestControl(w http.ResponseWriter, r *http.Request) {
	if !s.available(w) {
		return
	}
	var req struct {
		DurationSeconds *float64 `json:"durationSeconds"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DurationSeconds == nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "durationSeconds is required", nil)
		return
	}

	err := s.dispatcher.RequestControl(r.Context(), r.PathValue("id"), auth.CallerID(r.Context()), *req.DurationSeconds)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	WriteSuccess(w, command.Message(nil))
}

// handleReleaseControl handles DELETE /devices/{id}/control
func (s *Server) handleReleaseControl(w http.ResponseWriter, r *http.Request) {
	if !s.available(w) {
		return
	}
	if err := s.dispatcher.ReleaseControl(r.Context(), r.PathValue("id"), auth.CallerID(r.Context())); err != nil {
		writeDispatchError(w, err)
		return
	}
	WriteSuccess(w, command.Message(nil))
}

// handleTelemetry handles GET /telemetry (SSE)
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if s.telemetryHub == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Telemetry service not available", nil)
		return
	}

	// The stream outlives the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	if err := s.telemetryHub.Subscribe(r.Context(), w, r); err != nil {
		s.logger.Debug("Telemetry stream ended", zap.Error(err))
	}
}

// handleTelemetryWS handles GET /telemetry/ws
func (s *Server) handleTelemetryWS(w http.ResponseWriter, r *http.Request) {
	if s.telemetryHub == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Telemetry service not available", nil)
		return
	}
	if err := s.telemetryHub.ServeWS(w, r); err != nil {
		s.logger.Debug("Telemetry websocket ended", zap.Error(err))
	}
}

func (s *Server) available(w http.ResponseWriter) bool {
	if s.dispatcher == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Dispatcher not available", nil)
		return false
	}
	return true
}

// decodeJSON strictly decodes one JSON object from the request body.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Malformed JSON or unknown fields", nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Trailing data after JSON object", nil)
		return false
	}
	return true
}

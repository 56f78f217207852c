package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/sugarmesh/glucolink/internal/cgm"
	"github.com/sugarmesh/glucolink/internal/gateway"
)

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	id, simulated, err := s.service.Connect(r.Context(), req.Email, req.Password, req.Region, req.ProfileID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Connect failed")
		switch {
		case errors.Is(err, gateway.ErrAuth):
			writeError(w, http.StatusUnauthorized, "Invalid vendor credentials")
		case errors.Is(err, cgm.ErrConnectTimeout):
			writeError(w, http.StatusGatewayTimeout, "connect timeout")
		case errors.Is(err, gateway.ErrTimeout):
			writeError(w, http.StatusGatewayTimeout, "Vendor service timed out")
		case errors.Is(err, cgm.ErrConnectInProgress):
			writeError(w, http.StatusConflict, "Connect already in progress")
		default:
			writeError(w, http.StatusBadGateway, "Vendor service unavailable")
		}
		return
	}

	writeJSON(w, http.StatusOK, ConnectResponse{
		Success:   true,
		SessionID: id,
		Simulated: simulated,
	})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	reading, err := s.service.Read(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, cgm.ErrNoSession), errors.Is(err, gateway.ErrSessionExpired):
			writeError(w, http.StatusUnauthorized, "Session is not active")
		case errors.Is(err, gateway.ErrTimeout):
			writeError(w, http.StatusGatewayTimeout, "Vendor service timed out")
		default:
			writeError(w, http.StatusBadGateway, "Vendor service unavailable")
		}
		return
	}

	if reading.Empty() {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, reading)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req DisconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	// Disconnect is idempotent: unknown ids still resolve to success.
	s.service.Disconnect(r.Context(), req.SessionID)
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Status())
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	profileID := r.URL.Query().Get("profileId")
	if profileID == "" {
		profileID = s.config.DefaultProfileID
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}

	entries, err := s.entries.List(r.Context(), profileID, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("profile_id", profileID).Msg("Failed to list entries")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve entries")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"state":  s.service.Status().State,
	})
}

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// ConnectRequest is the body of POST /session/connect.
type ConnectRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	Region    string `json:"region,omitempty"`
	ProfileID string `json:"profile_id,omitempty"`
}

// ConnectResponse is returned after a successful connect.
type ConnectResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
	Simulated bool   `json:"simulated,omitempty"`
}

// DisconnectRequest is the body of POST /session/disconnect.
type DisconnectRequest struct {
	SessionID string `json:"sessionId"`
}

// SuccessResponse represents a generic success response.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

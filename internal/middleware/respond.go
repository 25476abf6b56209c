package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/chatrelay/internal/logger"
)

// ErrorResponse is the body of every error answer: {"error":{...}}.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	// Details carries the full error chain in development only.
	Details string `json:"details,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func WriteError(w http.ResponseWriter, status int, typ, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: ErrorDetail{Message: msg, Type: typ}})
}

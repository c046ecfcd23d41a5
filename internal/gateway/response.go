package gateway

import (
	"encoding/json"
	"net/http"
)

// Envelope is the body of every gateway response.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// NewEnvelope builds the envelope for code. A nil data becomes {}.
func NewEnvelope(code int, message string, data any) Envelope {
	if data == nil {
		data = map[string]any{}
	}
	return Envelope{
		Success: code >= 200 && code <= 299,
		Message: message,
		Data:    data,
	}
}

// Render writes code and the envelope for message and the optional data.
func Render(w http.ResponseWriter, code int, message string, data ...any) {
	var d any
	if len(data) > 0 {
		d = data[0]
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(NewEnvelope(code, message, d))
}

package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	derror "github.com/shehryarbajwa/renderfarm-mini/internal/errors"
)

// envelope is the body of every JSON response.
type envelope struct {
	OK      bool   `json:"ok"`
	Type    string `json:"type,omitempty"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, typ string, data any) {
	writeJSON(w, status, envelope{OK: true, Type: typ, Data: data})
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{OK: status < http.StatusBadRequest, Message: message})
}

// writeError maps err to its status code. Classified errors carry their own
// message; anything else is reported as message with the cause attached.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := derror.HTTPStatus(derror.KindOf(err))
	if status >= http.StatusInternalServerError && status != http.StatusNotImplemented {
		h.logger.Error(message,
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeJSON(w, status, envelope{Message: message, Error: err.Error()})
		return
	}
	writeJSON(w, status, envelope{Message: err.Error()})
}

func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return derror.Validation("invalid request body: %v", err)
	}
	return nil
}

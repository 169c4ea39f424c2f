package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type errorBody struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Path      string    `json:"path,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, e *Error) {
	s.writeJSON(w, e.Status, errorBody{
		Error:     e.Title,
		Message:   e.Message,
		Path:      e.Path,
		Timestamp: s.now().UTC(),
	})
}

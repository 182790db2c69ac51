package server

import (
	"log/slog"
	"net/http"
)

var (
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

// handleReadyz answers 503 until a cache version is active.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header()["Content-Type"] = plainCT
	if err := s.deps.Controller.Ready(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write(notReadyBody)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Controller.Status(r.Context())
	if err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "status failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

package handler

import (
	"context"
	"net/http"
	"time"
)

// handleHealth handles GET /health. It reports 200 with {"status":"ok"} when
// the server is running and its database is reachable, 503 otherwise, so the
// endpoint doubles as a readiness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

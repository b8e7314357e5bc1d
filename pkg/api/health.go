package api

import (
	"context"
	"net/http"
	"time"
)

// healthTimeout bounds the collaborator probes behind /health.
const healthTimeout = 5 * time.Second

type healthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

// handleHealth reports process liveness plus one line per collaborator
// (store, engine, object store). Degraded deployments answer 503 so
// load balancers stop routing to them.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	checks, healthy := s.manager.Health(ctx)

	resp := healthResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Checks:        checks,
	}
	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/armanisadeghi/matrx-sandbox/pkg/errdefs"
	"github.com/armanisadeghi/matrx-sandbox/pkg/log"
	"github.com/armanisadeghi/matrx-sandbox/pkg/manager"
	"github.com/armanisadeghi/matrx-sandbox/pkg/types"
)

type createSandboxRequest struct {
	UserID     string         `json:"user_id"`
	TTLSeconds int            `json:"ttl_seconds"`
	Config     map[string]any `json:"config"`
}

type execRequest struct {
	Command        string `json:"command"`
	Cwd            string `json:"cwd"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type completeRequest struct {
	Result map[string]any `json:"result"`
}

type errorReportRequest struct {
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

type heartbeatResponse struct {
	OK        bool      `json:"ok"`
	ExpiresAt time.Time `json:"expires_at"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type cleanupResponse struct {
	Deleted int64 `json:"deleted"`
}

func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	var req createSandboxRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.UserID == "" {
		req.UserID = r.Header.Get(userHeader)
	}

	sb, err := s.manager.CreateSandbox(r.Context(), manager.CreateRequest{
		UserID:     req.UserID,
		TTLSeconds: req.TTLSeconds,
		Config:     req.Config,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sb)
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sandboxes, err := s.manager.ListSandboxes(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sandboxes == nil {
		sandboxes = []*types.Sandbox{}
	}
	s.writeJSON(w, http.StatusOK, sandboxes)
}

func (s *Server) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sb, err := s.manager.GetSandbox(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sb)
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req execRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.TimeoutSeconds < 0 {
		s.writeError(w, r, errdefs.Validation("timeout_seconds must not be negative"))
		return
	}

	res, err := s.manager.ExecInSandbox(r.Context(), userID, chi.URLParam(r, "id"), types.ExecRequest{
		Command:    req.Command,
		WorkingDir: req.Cwd,
		Timeout:    time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sb, err := s.manager.Heartbeat(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, heartbeatResponse{OK: true, ExpiresAt: sb.ExpiresAt})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req completeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.manager.MarkComplete(r.Context(), userID, chi.URLParam(r, "id"), req.Result); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req errorReportRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.manager.MarkError(r.Context(), userID, chi.URLParam(r, "id"), req.Message, req.Details); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleDestroySandbox(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	graceful := true
	if v := r.URL.Query().Get("graceful"); v != "" {
		graceful = v == "true" || v == "1"
	}

	sb, err := s.manager.DestroySandbox(r.Context(), userID, chi.URLParam(r, "id"), graceful, types.StopReasonUserRequested)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sb)
}

func (s *Server) handleStorageStats(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.gateway == nil {
		s.writeError(w, r, errdefs.Unavailable("object storage is not configured"))
		return
	}

	stats, err := s.gateway.UserStorageStats(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStorageCleanup(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.gateway == nil {
		s.writeError(w, r, errdefs.Unavailable("object storage is not configured"))
		return
	}

	tier := r.URL.Query().Get("tier")
	if tier == "" {
		tier = "all"
	}

	deleted, err := s.gateway.CleanupUserStorage(r.Context(), userID, tier)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cleanupResponse{Deleted: deleted})
}

// callerID resolves the acting user from the X-User-ID header, falling
// back to a user_id query parameter.
func callerID(r *http.Request) (string, error) {
	if v := r.Header.Get(userHeader); v != "" {
		return v, nil
	}
	if v := r.URL.Query().Get("user_id"); v != "" {
		return v, nil
	}
	return "", errdefs.Validation("%s header is required", userHeader)
}

// decode binds a JSON body strictly: unknown fields, trailing garbage
// and malformed JSON all reject as validation errors. An empty body is
// accepted and leaves dst zeroed.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errdefs.Validation("invalid request body: %v", err)
	}
	if dec.More() {
		return errdefs.Validation("invalid request body: unexpected trailing data")
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("Failed to encode response")
	}
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// writeError maps a domain error onto the wire envelope. Unexpected
// errors get a correlation ID that also lands in the server log, and
// their message is withheld from the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errdefs.Kind(err)
	status := statusFor(kind)

	detail := errorDetail{Kind: kind, Message: err.Error()}
	if status == http.StatusInternalServerError {
		detail.Message = "internal error"
		detail.CorrelationID = uuid.NewString()
		logger := log.WithCorrelationID(detail.CorrelationID)
		logger.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("Request failed")
	}

	s.writeJSON(w, status, errorResponse{Error: detail})
}

func statusFor(kind string) int {
	switch kind {
	case "not_found":
		return http.StatusNotFound
	case "conflict", "invalid_state":
		return http.StatusConflict
	case "validation":
		return http.StatusUnprocessableEntity
	case "timeout":
		return http.StatusGatewayTimeout
	case "unavailable":
		return http.StatusServiceUnavailable
	case "unauthenticated":
		return http.StatusUnauthorized
	case "forbidden":
		return http.StatusForbidden
	case "not_implemented":
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

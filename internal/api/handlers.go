package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/TalkBridge/internal/models"
	"github.com/BTreeMap/TalkBridge/internal/statemachine"
)

// transitionRequest is the body of POST /sessions/{id}/transition.
type transitionRequest struct {
	Status models.SessionStatus `json:"status"`
	Reason string               `json:"reason"`
}

// requireAdmin rejects requests without the configured bearer token.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	if s.adminToken == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			slog.Warn("Server.requireAdmin: unauthorized request", "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	w.WriteHeader(http.StatusMethodNotAllowed)
	return false
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	id := r.PathValue("id")
	sess, err := s.deps.Sessions.GetSession(r.Context(), id)
	if err != nil {
		writeLookupError(w, "Server.getSessionHandler", id, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

func (s *Server) sessionRiskHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	id := r.PathValue("id")
	if _, err := s.deps.Sessions.GetSession(r.Context(), id); err != nil {
		writeLookupError(w, "Server.sessionRiskHandler", id, err)
		return
	}
	audits, err := s.deps.Sessions.ListRiskAudits(r.Context(), id)
	if err != nil {
		slog.Error("Server.sessionRiskHandler: failed to list audits", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch risk audits")
		return
	}
	if audits == nil {
		audits = []models.RiskAudit{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(audits))
}

func (s *Server) transitionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	id := r.PathValue("id")
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.transitionHandler: failed to decode JSON", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if !knownStatus(req.Status) {
		writeError(w, http.StatusBadRequest, "Unknown status: "+string(req.Status))
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "admin_override"
	}

	err := s.deps.Transitioner.Transition(r.Context(), id, req.Status, map[string]any{"reason": reason, "by": "admin"})
	var invalid *statemachine.InvalidTransitionError
	switch {
	case errors.As(err, &invalid):
		writeJSONResponse(w, http.StatusConflict, models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusError).
			WithMessage(invalid.Error()).
			WithResult(map[string]any{"allowed": statemachine.AllowedTransitions(invalid.From)}).
			Build())
		return
	case err != nil:
		writeLookupError(w, "Server.transitionHandler", id, err)
		return
	}
	if req.Status.IsTerminal() && s.deps.Cleaner != nil {
		s.deps.Cleaner.CleanupSession(id)
	}
	slog.Info("Server.transitionHandler: session transitioned", "session_id", id, "to", req.Status, "reason", reason)
	sess, err := s.deps.Sessions.GetSession(r.Context(), id)
	if err != nil {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Transitioned", nil))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Transitioned", sess))
}

func (s *Server) closeExpiredHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	closed, err := s.deps.Sweeper.Run(r.Context())
	if err != nil {
		slog.Error("Server.closeExpiredHandler: sweep failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Expiry sweep failed")
		return
	}
	if closed == nil {
		closed = []string{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{"closed": closed}))
}

func writeLookupError(w http.ResponseWriter, op, id string, err error) {
	if errors.Is(err, models.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	slog.Error(op+": session lookup failed", "session_id", id, "error", err)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

func knownStatus(s models.SessionStatus) bool {
	for _, v := range models.AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

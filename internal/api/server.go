package api

import (
	"context"
	"net/http"
	"time"

	"github.com/BTreeMap/TalkBridge/internal/models"
)

// SessionReader loads sessions and their audit trail for the admin endpoints.
type SessionReader interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListRiskAudits(ctx context.Context, sessionID string) ([]models.RiskAudit, error)
}

// Transitioner moves a session through the state machine.
type Transitioner interface {
	Transition(ctx context.Context, sessionID string, target models.SessionStatus, metadata map[string]any) error
}

// Sweeper closes PAUSED sessions that outlived their maximum age.
type Sweeper interface {
	Run(ctx context.Context) ([]string, error)
}

// Cleaner drops volatile per-session state after an administrative close or lock.
type Cleaner interface {
	CleanupSession(sessionID string)
}

// ServerDeps groups the collaborators of a Server. Metrics, Webhook and Cleaner are optional.
type ServerDeps struct {
	Sessions     SessionReader
	Transitioner Transitioner
	Sweeper      Sweeper
	Cleaner      Cleaner
	Metrics      http.Handler
	// Webhook receives inbound Twilio messages when the Twilio provider is active.
	Webhook http.HandlerFunc
}

// Server exposes health, metrics, the inbound webhook and the admin session endpoints.
type Server struct {
	deps       ServerDeps
	adminToken string
	started    time.Time
}

// NewServer creates a Server. Admin endpoints require "Authorization: Bearer <adminToken>" when
// adminToken is non-empty.
func NewServer(deps ServerDeps, adminToken string) *Server {
	return &Server{deps: deps, adminToken: adminToken, started: time.Now()}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	if s.deps.Metrics != nil {
		mux.Handle("/metrics", s.deps.Metrics)
	}
	if s.deps.Webhook != nil {
		mux.HandleFunc("/webhook/twilio", s.deps.Webhook)
	}
	mux.HandleFunc("/sessions/{id}", s.requireAdmin(s.getSessionHandler))
	mux.HandleFunc("/sessions/{id}/risk", s.requireAdmin(s.sessionRiskHandler))
	mux.HandleFunc("/sessions/{id}/transition", s.requireAdmin(s.transitionHandler))
	mux.HandleFunc("/maintenance/close-expired", s.requireAdmin(s.closeExpiredHandler))
	return mux
}

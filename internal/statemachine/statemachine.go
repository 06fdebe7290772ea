// Package statemachine validates and performs session status transitions.
//
// Machine is the single writer of session status. Every change, including automated ones
// such as the paused-session sweep, goes through Transition so it is validated and logged.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/TalkBridge/internal/models"
)

// ReasonAutoCloseExpired is recorded when the sweep closes an expired paused session.
const ReasonAutoCloseExpired = "auto_close_expired"

// transitions maps each status to its allowed successors. LOCKED has none.
var transitions = map[models.SessionStatus][]models.SessionStatus{
	models.StatusInviteCrafting: {
		models.StatusInvitePending, models.StatusAsyncCoaching, models.StatusClosed,
	},
	models.StatusInvitePending: {
		models.StatusPendingPartnerConsent, models.StatusInviteCrafting, models.StatusAsyncCoaching, models.StatusClosed,
	},
	models.StatusPendingPartnerConsent: {
		models.StatusReflectionGate, models.StatusPartnerDeclined,
	},
	models.StatusReflectionGate: {
		models.StatusActive,
	},
	models.StatusActive: {
		models.StatusPaused, models.StatusClosed, models.StatusLocked,
	},
	models.StatusAsyncCoaching: {
		models.StatusInviteCrafting, models.StatusInvitePending, models.StatusActive, models.StatusClosed,
	},
	models.StatusPaused: {
		models.StatusActive, models.StatusClosed,
	},
	models.StatusClosed: {
		models.StatusLocked,
	},
	models.StatusLocked: {},
	models.StatusPartnerDeclined: {
		models.StatusInviteCrafting, models.StatusInvitePending, models.StatusAsyncCoaching, models.StatusClosed,
	},
}

// InvalidTransitionError is returned when the target is not a successor of the current status.
type InvalidTransitionError struct {
	From models.SessionStatus
	To   models.SessionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid session transition: %s -> %s", e.From, e.To)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var target *InvalidTransitionError
	return errors.As(err, &target)
}

// IsValidTransition reports whether target is an allowed successor of current.
// Unrecognized status names yield false.
func IsValidTransition(current, target models.SessionStatus) bool {
	for _, next := range transitions[current] {
		if next == target {
			return true
		}
	}
	return false
}

// AllowedTransitions returns a copy of the successor set for status.
func AllowedTransitions(status models.SessionStatus) []models.SessionStatus {
	next := transitions[status]
	out := make([]models.SessionStatus, len(next))
	copy(out, next)
	return out
}

// SessionRepo is the storage the machine reads and writes.
type SessionRepo interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus, closedAt *time.Time) error
	ListSessionsByStatus(ctx context.Context, status models.SessionStatus, updatedBefore time.Time) ([]models.Session, error)
}

// TransitionObserver is notified after every successful write.
type TransitionObserver interface {
	ObserveTransition(from, to models.SessionStatus)
}

// Machine performs validated status writes.
type Machine struct {
	repo     SessionRepo
	observer TransitionObserver
	now      func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithObserver registers a transition observer (metrics).
func WithObserver(o TransitionObserver) Option {
	return func(m *Machine) { m.observer = o }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New creates a Machine over repo.
func New(repo SessionRepo, opts ...Option) *Machine {
	m := &Machine{repo: repo, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Transition moves the session to target. It fails with models.ErrSessionNotFound for an
// unknown session and with *InvalidTransitionError for an illegal move; neither writes.
// ClosedAt is stamped only when target is CLOSED.
func (m *Machine) Transition(ctx context.Context, sessionID string, target models.SessionStatus, metadata map[string]any) error {
	return m.transition(ctx, sessionID, target, metadata, nil)
}

// transition performs Transition after precondition accepts the live session. A precondition
// error aborts without writing.
func (m *Machine) transition(ctx context.Context, sessionID string, target models.SessionStatus, metadata map[string]any, precondition func(models.Session) error) error {
	slog.Debug("StateMachine Transition invoked", "session_id", sessionID, "target", target)

	session, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			slog.Warn("StateMachine Transition: session not found", "session_id", sessionID)
			return fmt.Errorf("transition %s to %s: %w", sessionID, target, models.ErrSessionNotFound)
		}
		slog.Error("StateMachine Transition: failed to load session", "session_id", sessionID, "error", err)
		return fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if session == nil {
		return fmt.Errorf("transition %s to %s: %w", sessionID, target, models.ErrSessionNotFound)
	}

	if precondition != nil {
		if err := precondition(*session); err != nil {
			return err
		}
	}

	from := session.Status
	if !IsValidTransition(from, target) {
		slog.Warn("StateMachine Transition rejected", "session_id", sessionID, "from", from, "to", target)
		return &InvalidTransitionError{From: from, To: target}
	}

	var closedAt *time.Time
	if target == models.StatusClosed {
		now := m.now()
		closedAt = &now
	}
	if err := m.repo.UpdateSessionStatus(ctx, sessionID, target, closedAt); err != nil {
		slog.Error("StateMachine Transition: write failed", "session_id", sessionID, "from", from, "to", target, "error", err)
		return fmt.Errorf("failed to write status for session %s: %w", sessionID, err)
	}

	slog.Info("StateMachine session transitioned", "session_id", sessionID, "from", from, "to", target, "metadata", metadata)
	if m.observer != nil {
		m.observer.ObserveTransition(from, target)
	}
	return nil
}

// ExpiredSessions lists PAUSED sessions not updated within maxAge. The result is a snapshot;
// close each one with CloseIfExpired.
func (m *Machine) ExpiredSessions(ctx context.Context, maxAge time.Duration) ([]models.Session, error) {
	sessions, err := m.repo.ListSessionsByStatus(ctx, models.StatusPaused, m.now().Add(-maxAge))
	if err != nil {
		slog.Error("StateMachine ExpiredSessions: listing failed", "error", err)
		return nil, fmt.Errorf("failed to list paused sessions: %w", err)
	}
	return sessions, nil
}

// CloseIfExpired closes the session only if its live row is still PAUSED and older than maxAge.
// It reports false without writing when the session moved on since it was listed.
func (m *Machine) CloseIfExpired(ctx context.Context, sessionID string, maxAge time.Duration) (bool, error) {
	cutoff := m.now().Add(-maxAge)
	meta := map[string]any{"reason": ReasonAutoCloseExpired}
	err := m.transition(ctx, sessionID, models.StatusClosed, meta, func(s models.Session) error {
		if s.Status != models.StatusPaused || !s.UpdatedAt.Before(cutoff) {
			return errNoLongerExpired
		}
		meta["paused_since"] = s.UpdatedAt
		return nil
	})
	if errors.Is(err, errNoLongerExpired) {
		slog.Info("StateMachine CloseIfExpired: session no longer expired, skipping", "session_id", sessionID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

var errNoLongerExpired = errors.New("session is no longer an expired pause")

// CloseExpiredSessions closes PAUSED sessions not updated within maxAge and returns the ids
// it closed. A failure on one session is logged and does not stop the sweep.
func (m *Machine) CloseExpiredSessions(ctx context.Context, maxAge time.Duration) ([]string, error) {
	sessions, err := m.ExpiredSessions(ctx, maxAge)
	if err != nil {
		return nil, err
	}

	var closed []string
	for _, s := range sessions {
		ok, err := m.CloseIfExpired(ctx, s.ID, maxAge)
		if err != nil {
			slog.Error("StateMachine CloseExpiredSessions: transition failed", "session_id", s.ID, "error", err)
			continue
		}
		if ok {
			closed = append(closed, s.ID)
		}
	}
	slog.Info("StateMachine CloseExpiredSessions completed", "candidates", len(sessions), "closed", len(closed))
	return closed, nil
}

// Package session owns the lifecycle of mediation sessions: starting solo coaching, crafting and
// accepting invitations, partner consent, the reflection gate, and pause/resume/close.
// Every status change goes through the state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/TalkBridge/internal/models"
	"github.com/BTreeMap/TalkBridge/internal/util"
	"github.com/google/uuid"
)

const (
	// MinReflectionWords is the length a reflection needs to pass the gate on its own.
	MinReflectionWords = 5
	// MaxMirrorAttempts lets the partner through the gate after this many reflections.
	MaxMirrorAttempts = 3
	// ReasonInvitationCritical is recorded when an invitation note is classified L4.
	ReasonInvitationCritical = "L4_invitation"
	// ReasonUserClosed is recorded when a participant closes the session.
	ReasonUserClosed = "user_closed"
)

var (
	ErrSessionOpen       = errors.New("participant already has an open session")
	ErrNoOpenSession     = errors.New("participant has no open session")
	ErrSelfInvite        = errors.New("cannot accept your own invitation")
	ErrNotParticipant    = errors.New("not a participant of this session")
	ErrNotInvitedPartner = errors.New("only the invited partner can do this")
)

// Store is the subset of persistence the manager needs.
type Store interface {
	CreateSession(ctx context.Context, sess models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	FindSessionByInviteToken(ctx context.Context, token string) (*models.Session, error)
	FindOpenSessionForUser(ctx context.Context, userID string) (*models.Session, error)
	SetInviteToken(ctx context.Context, id, token string) error
	SetSessionPartner(ctx context.Context, id, userBID, pairingID string) error
	IncrementMirrorAttempts(ctx context.Context, id string) (int, error)
}

// Transitioner moves a session to another status.
type Transitioner interface {
	Transition(ctx context.Context, sessionID string, target models.SessionStatus, metadata map[string]any) error
}

// Screener classifies free text written outside the main pipeline.
type Screener interface {
	SecondRiskCheck(ctx context.Context, text, sessionID string, role models.Role) models.RiskAssessment
}

// Fingerprinter derives stable pseudonymous ids.
type Fingerprinter interface {
	Fingerprint(parts ...string) string
}

// Cleaner clears volatile per-session state.
type Cleaner interface {
	CleanupSession(sessionID string)
}

// InvitationOutcome reports the result of screening an invitation note.
type InvitationOutcome struct {
	Accepted bool
	Critical bool
	Token    string
	Risk     models.RiskAssessment
}

// ReflectionOutcome reports the result of one reflection-gate attempt.
type ReflectionOutcome struct {
	Passed   bool
	Critical bool
	Attempts int
}

// Manager runs session lifecycle operations.
type Manager struct {
	store       Store
	machine     Transitioner
	screener    Screener
	fingerprint Fingerprinter
	cleaner     Cleaner
	now         func() time.Time
	newToken    func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithCleaner sets the cleanup hook run when a session closes.
func WithCleaner(c Cleaner) Option {
	return func(m *Manager) { m.cleaner = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTokenGenerator overrides invite token generation.
func WithTokenGenerator(gen func() string) Option {
	return func(m *Manager) { m.newToken = gen }
}

// NewManager creates a Manager.
func NewManager(store Store, machine Transitioner, screener Screener, fingerprint Fingerprinter, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		machine:     machine,
		screener:    screener,
		fingerprint: fingerprint,
		now:         func() time.Time { return time.Now().UTC() },
		newToken:    util.GenerateInviteToken,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the current snapshot of a session.
func (m *Manager) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	return m.store.GetSession(ctx, sessionID)
}

// OpenSessionFor returns the participant's open session.
func (m *Manager) OpenSessionFor(ctx context.Context, userID string) (*models.Session, error) {
	sess, err := m.store.FindOpenSessionForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			return nil, ErrNoOpenSession
		}
		return nil, fmt.Errorf("failed to look up open session: %w", err)
	}
	return sess, nil
}

func (m *Manager) ensureNoOpenSession(ctx context.Context, userID string) error {
	_, err := m.OpenSessionFor(ctx, userID)
	switch {
	case err == nil:
		return ErrSessionOpen
	case errors.Is(err, ErrNoOpenSession):
		return nil
	default:
		return err
	}
}

func (m *Manager) create(ctx context.Context, userID string, status models.SessionStatus, token string) (*models.Session, error) {
	now := m.now()
	sess := models.Session{
		ID:          uuid.NewString(),
		PairingID:   m.fingerprint.Fingerprint(userID),
		UserAID:     userID,
		Status:      status,
		InviteToken: token,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	slog.Info("SessionManager created session", "session_id", sess.ID, "status", status)
	return &sess, nil
}

// StartSolo opens a coaching-only session.
func (m *Manager) StartSolo(ctx context.Context, userID string) (*models.Session, error) {
	if err := m.ensureNoOpenSession(ctx, userID); err != nil {
		return nil, err
	}
	return m.create(ctx, userID, models.StatusAsyncCoaching, "")
}

// StartInvite opens a session in INVITE_CRAFTING with a fresh invite token. A solo coaching
// session is promoted instead of creating a second one.
func (m *Manager) StartInvite(ctx context.Context, userID string) (*models.Session, error) {
	sess, err := m.OpenSessionFor(ctx, userID)
	if errors.Is(err, ErrNoOpenSession) {
		return m.create(ctx, userID, models.StatusInviteCrafting, m.newToken())
	}
	if err != nil {
		return nil, err
	}
	if sess.Status != models.StatusAsyncCoaching || sess.UserAID != userID {
		return nil, ErrSessionOpen
	}

	token := m.newToken()
	if err := m.store.SetInviteToken(ctx, sess.ID, token); err != nil {
		return nil, fmt.Errorf("failed to set invite token: %w", err)
	}
	if err := m.machine.Transition(ctx, sess.ID, models.StatusInviteCrafting, map[string]any{"reason": "invite_started"}); err != nil {
		return nil, err
	}
	return m.store.GetSession(ctx, sess.ID)
}

// SubmitInvitation screens the invitation note. Notes at L3 or above are rejected and the session
// stays in INVITE_CRAFTING; an L4 note closes the session. Accepted notes move it to INVITE_PENDING.
func (m *Manager) SubmitInvitation(ctx context.Context, sessionID, userID, note string) (InvitationOutcome, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return InvitationOutcome{}, models.ErrEmptyMessage
	}
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return InvitationOutcome{}, err
	}
	if sess.UserAID != userID {
		return InvitationOutcome{}, ErrNotParticipant
	}

	a := m.screener.SecondRiskCheck(ctx, note, sessionID, models.RoleUserA)
	out := InvitationOutcome{Risk: a}
	switch {
	case a.Level == models.RiskL4:
		slog.Warn("SessionManager SubmitInvitation: critical invitation note, closing", "session_id", sessionID)
		out.Critical = true
		if err := m.close(ctx, sessionID, ReasonInvitationCritical); err != nil {
			slog.Error("SessionManager SubmitInvitation: close failed", "session_id", sessionID, "error", err)
		}
		return out, nil
	case a.Level.AtLeast(models.RiskL3):
		slog.Info("SessionManager SubmitInvitation: invitation rejected", "session_id", sessionID, "level", a.Level)
		return out, nil
	}

	if err := m.machine.Transition(ctx, sessionID, models.StatusInvitePending, map[string]any{"reason": "invitation_sent"}); err != nil {
		return InvitationOutcome{}, err
	}
	out.Accepted = true
	out.Token = sess.InviteToken
	return out, nil
}

// AcceptInvite joins userBID to the session behind token and asks for consent.
func (m *Manager) AcceptInvite(ctx context.Context, token, userBID string) (*models.Session, error) {
	token = util.NormalizeInviteToken(token)
	if token == "" {
		return nil, models.ErrInviteNotFound
	}
	sess, err := m.store.FindSessionByInviteToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.StatusInvitePending || sess.HasPartner() {
		return nil, models.ErrInviteNotFound
	}
	if sess.UserAID == userBID {
		return nil, ErrSelfInvite
	}
	if err := m.ensureNoOpenSession(ctx, userBID); err != nil {
		return nil, err
	}

	pairingID := m.fingerprint.Fingerprint(sess.UserAID, userBID)
	if err := m.store.SetSessionPartner(ctx, sess.ID, userBID, pairingID); err != nil {
		return nil, fmt.Errorf("failed to set partner: %w", err)
	}
	if err := m.machine.Transition(ctx, sess.ID, models.StatusPendingPartnerConsent, map[string]any{"reason": "invite_accepted"}); err != nil {
		return nil, err
	}
	return m.store.GetSession(ctx, sess.ID)
}

// RecordConsent records the invited partner's answer.
func (m *Manager) RecordConsent(ctx context.Context, sessionID, userID string, consent bool) (*models.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserBID == "" || sess.UserBID != userID {
		return nil, ErrNotInvitedPartner
	}
	target, reason := models.StatusReflectionGate, "partner_consented"
	if !consent {
		target, reason = models.StatusPartnerDeclined, "partner_declined"
	}
	if err := m.machine.Transition(ctx, sessionID, target, map[string]any{"reason": reason}); err != nil {
		return nil, err
	}
	return m.store.GetSession(ctx, sessionID)
}

// SubmitReflection records one reflection from the invited partner. The session becomes ACTIVE
// once a reflection of MinReflectionWords words arrives or after MaxMirrorAttempts attempts.
// A critical reflection leaves the session where it is.
func (m *Manager) SubmitReflection(ctx context.Context, sessionID, userID, text string) (ReflectionOutcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return ReflectionOutcome{}, models.ErrEmptyMessage
	}
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return ReflectionOutcome{}, err
	}
	if sess.UserBID == "" || sess.UserBID != userID {
		return ReflectionOutcome{}, ErrNotInvitedPartner
	}

	a := m.screener.SecondRiskCheck(ctx, text, sessionID, models.RoleUserB)
	if a.Level == models.RiskL4 {
		slog.Warn("SessionManager SubmitReflection: critical reflection", "session_id", sessionID)
		return ReflectionOutcome{Critical: true, Attempts: sess.MirrorAttempts}, nil
	}

	attempts, err := m.store.IncrementMirrorAttempts(ctx, sessionID)
	if err != nil {
		return ReflectionOutcome{}, fmt.Errorf("failed to count reflection: %w", err)
	}
	out := ReflectionOutcome{Attempts: attempts}
	if len(strings.Fields(text)) < MinReflectionWords && attempts < MaxMirrorAttempts {
		return out, nil
	}
	if err := m.machine.Transition(ctx, sessionID, models.StatusActive, map[string]any{
		"reason":   "reflection_passed",
		"attempts": attempts,
	}); err != nil {
		return ReflectionOutcome{}, err
	}
	out.Passed = true
	return out, nil
}

// Pause pauses an ACTIVE session.
func (m *Manager) Pause(ctx context.Context, sessionID, userID string) error {
	if err := m.checkParticipant(ctx, sessionID, userID); err != nil {
		return err
	}
	return m.machine.Transition(ctx, sessionID, models.StatusPaused, map[string]any{"reason": "user_paused", "by": userID})
}

// Resume reactivates a PAUSED session.
func (m *Manager) Resume(ctx context.Context, sessionID, userID string) error {
	if err := m.checkParticipant(ctx, sessionID, userID); err != nil {
		return err
	}
	return m.machine.Transition(ctx, sessionID, models.StatusActive, map[string]any{"reason": "user_resumed", "by": userID})
}

// Close closes the session and clears its volatile state.
func (m *Manager) Close(ctx context.Context, sessionID, userID string) error {
	if err := m.checkParticipant(ctx, sessionID, userID); err != nil {
		return err
	}
	return m.close(ctx, sessionID, ReasonUserClosed)
}

func (m *Manager) close(ctx context.Context, sessionID, reason string) error {
	err := m.machine.Transition(ctx, sessionID, models.StatusClosed, map[string]any{"reason": reason})
	if m.cleaner != nil {
		m.cleaner.CleanupSession(sessionID)
	}
	return err
}

func (m *Manager) checkParticipant(ctx context.Context, sessionID, userID string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if _, ok := sess.RoleOf(userID); !ok {
		return ErrNotParticipant
	}
	return nil
}

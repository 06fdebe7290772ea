package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/TalkBridge/internal/models"
	"github.com/BTreeMap/TalkBridge/internal/statemachine"
	"github.com/BTreeMap/TalkBridge/internal/store"
)

type fakeScreener struct {
	mu     sync.Mutex
	levels map[string]models.RiskLevel
	calls  []models.Role
}

func (f *fakeScreener) SecondRiskCheck(ctx context.Context, text, sessionID string, role models.Role) models.RiskAssessment {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, role)
	level := models.RiskL1
	if l, ok := f.levels[text]; ok {
		level = l
	}
	return models.RiskAssessment{Level: level, Topic: models.TopicCommunication}
}

type joinFingerprint struct{}

func (joinFingerprint) Fingerprint(parts ...string) string {
	return "fp:" + strings.Join(parts, "|")
}

type recordingCleaner struct {
	mu       sync.Mutex
	sessions []string
}

func (c *recordingCleaner) CleanupSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append(c.sessions, sessionID)
}

type harness struct {
	store    *store.InMemoryStore
	screener *fakeScreener
	cleaner  *recordingCleaner
	mgr      *Manager
}

func newHarness() *harness {
	st := store.NewInMemoryStore()
	h := &harness{
		store:    st,
		screener: &fakeScreener{levels: make(map[string]models.RiskLevel)},
		cleaner:  &recordingCleaner{},
	}
	h.mgr = NewManager(st, statemachine.New(st), h.screener, joinFingerprint{},
		WithCleaner(h.cleaner),
		WithTokenGenerator(func() string { return "TOKEN234" }))
	return h
}

func (h *harness) status(t *testing.T, id string) models.SessionStatus {
	t.Helper()
	sess, err := h.store.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	return sess.Status
}

// pairedSession drives a session to REFLECTION_GATE for alice and bob.
func (h *harness) pairedSession(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	sess, err := h.mgr.StartInvite(ctx, "alice")
	if err != nil {
		t.Fatalf("StartInvite failed: %v", err)
	}
	if _, err := h.mgr.SubmitInvitation(ctx, sess.ID, "alice", "I'd like us to talk about weekends"); err != nil {
		t.Fatalf("SubmitInvitation failed: %v", err)
	}
	if _, err := h.mgr.AcceptInvite(ctx, "token234", "bob"); err != nil {
		t.Fatalf("AcceptInvite failed: %v", err)
	}
	if _, err := h.mgr.RecordConsent(ctx, sess.ID, "bob", true); err != nil {
		t.Fatalf("RecordConsent failed: %v", err)
	}
	return sess.ID
}

func TestStartSoloRejectsSecondOpenSession(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	sess, err := h.mgr.StartSolo(ctx, "alice")
	if err != nil {
		t.Fatalf("StartSolo failed: %v", err)
	}
	if sess.Status != models.StatusAsyncCoaching {
		t.Errorf("expected ASYNC_COACHING, got %s", sess.Status)
	}
	if sess.PairingID != "fp:alice" {
		t.Errorf("expected solo pairing id fp:alice, got %q", sess.PairingID)
	}
	if _, err := h.mgr.StartSolo(ctx, "alice"); !errors.Is(err, ErrSessionOpen) {
		t.Errorf("expected ErrSessionOpen, got %v", err)
	}
}

func TestStartInvitePromotesSoloSession(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	solo, err := h.mgr.StartSolo(ctx, "alice")
	if err != nil {
		t.Fatalf("StartSolo failed: %v", err)
	}
	sess, err := h.mgr.StartInvite(ctx, "alice")
	if err != nil {
		t.Fatalf("StartInvite failed: %v", err)
	}
	if sess.ID != solo.ID {
		t.Errorf("expected the solo session to be promoted, got new session %s", sess.ID)
	}
	if sess.Status != models.StatusInviteCrafting {
		t.Errorf("expected INVITE_CRAFTING, got %s", sess.Status)
	}
	if sess.InviteToken != "TOKEN234" {
		t.Errorf("expected invite token TOKEN234, got %q", sess.InviteToken)
	}
	if _, err := h.mgr.StartInvite(ctx, "alice"); !errors.Is(err, ErrSessionOpen) {
		t.Errorf("expected ErrSessionOpen while crafting, got %v", err)
	}
}

func TestSubmitInvitationScreensNote(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.screener.levels["you always ruin everything"] = models.RiskL3

	sess, err := h.mgr.StartInvite(ctx, "alice")
	if err != nil {
		t.Fatalf("StartInvite failed: %v", err)
	}

	out, err := h.mgr.SubmitInvitation(ctx, sess.ID, "alice", "you always ruin everything")
	if err != nil {
		t.Fatalf("SubmitInvitation failed: %v", err)
	}
	if out.Accepted || out.Critical {
		t.Errorf("expected a plain rejection, got %+v", out)
	}
	if got := h.status(t, sess.ID); got != models.StatusInviteCrafting {
		t.Errorf("expected INVITE_CRAFTING after rejection, got %s", got)
	}

	out, err = h.mgr.SubmitInvitation(ctx, sess.ID, "alice", "Can we talk about how weekends feel lately?")
	if err != nil {
		t.Fatalf("SubmitInvitation failed: %v", err)
	}
	if !out.Accepted || out.Token != "TOKEN234" {
		t.Errorf("expected accepted invitation with token, got %+v", out)
	}
	if got := h.status(t, sess.ID); got != models.StatusInvitePending {
		t.Errorf("expected INVITE_PENDING, got %s", got)
	}
	if len(h.screener.calls) != 2 || h.screener.calls[0] != models.RoleUserA {
		t.Errorf("expected two screenings as user_a, got %v", h.screener.calls)
	}
}

func TestSubmitInvitationCriticalClosesSession(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.screener.levels["critical note"] = models.RiskL4

	sess, err := h.mgr.StartInvite(ctx, "alice")
	if err != nil {
		t.Fatalf("StartInvite failed: %v", err)
	}
	out, err := h.mgr.SubmitInvitation(ctx, sess.ID, "alice", "critical note")
	if err != nil {
		t.Fatalf("SubmitInvitation failed: %v", err)
	}
	if !out.Critical || out.Accepted {
		t.Errorf("expected critical outcome, got %+v", out)
	}
	if got := h.status(t, sess.ID); got != models.StatusClosed {
		t.Errorf("expected CLOSED, got %s", got)
	}
	if len(h.cleaner.sessions) != 1 || h.cleaner.sessions[0] != sess.ID {
		t.Errorf("expected cleanup for %s, got %v", sess.ID, h.cleaner.sessions)
	}
}

func TestSubmitInvitationRequiresOwner(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	sess, err := h.mgr.StartInvite(ctx, "alice")
	if err != nil {
		t.Fatalf("StartInvite failed: %v", err)
	}
	if _, err := h.mgr.SubmitInvitation(ctx, sess.ID, "mallory", "hello there"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}
	if _, err := h.mgr.SubmitInvitation(ctx, sess.ID, "alice", "   "); !errors.Is(err, models.ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestAcceptInvite(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	sess, err := h.mgr.StartInvite(ctx, "alice")
	if err != nil {
		t.Fatalf("StartInvite failed: %v", err)
	}
	if _, err := h.mgr.AcceptInvite(ctx, "TOKEN234", "bob"); !errors.Is(err, models.ErrInviteNotFound) {
		t.Errorf("expected ErrInviteNotFound before the invitation is sent, got %v", err)
	}
	if _, err := h.mgr.SubmitInvitation(ctx, sess.ID, "alice", "Let's talk about chores"); err != nil {
		t.Fatalf("SubmitInvitation failed: %v", err)
	}
	if _, err := h.mgr.AcceptInvite(ctx, "TOKEN234", "alice"); !errors.Is(err, ErrSelfInvite) {
		t.Errorf("expected ErrSelfInvite, got %v", err)
	}

	joined, err := h.mgr.AcceptInvite(ctx, " token-234 ", "bob")
	if err != nil {
		t.Fatalf("AcceptInvite failed: %v", err)
	}
	if joined.Status != models.StatusPendingPartnerConsent {
		t.Errorf("expected PENDING_PARTNER_CONSENT, got %s", joined.Status)
	}
	if joined.UserBID != "bob" {
		t.Errorf("expected user_b bob, got %q", joined.UserBID)
	}
	if joined.PairingID != "fp:alice|bob" {
		t.Errorf("expected pairing id fp:alice|bob, got %q", joined.PairingID)
	}
	if joined.InviteToken != "" {
		t.Errorf("expected invite token to be cleared, got %q", joined.InviteToken)
	}
	if _, err := h.mgr.AcceptInvite(ctx, "TOKEN234", "carol"); !errors.Is(err, models.ErrInviteNotFound) {
		t.Errorf("expected used token to be rejected, got %v", err)
	}
}

func TestAcceptInviteRejectsPartnerWithOpenSession(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	sess, err := h.mgr.StartInvite(ctx, "alice")
	if err != nil {
		t.Fatalf("StartInvite failed: %v", err)
	}
	if _, err := h.mgr.SubmitInvitation(ctx, sess.ID, "alice", "Let's talk"); err != nil {
		t.Fatalf("SubmitInvitation failed: %v", err)
	}
	if _, err := h.mgr.StartSolo(ctx, "bob"); err != nil {
		t.Fatalf("StartSolo failed: %v", err)
	}
	if _, err := h.mgr.AcceptInvite(ctx, "TOKEN234", "bob"); !errors.Is(err, ErrSessionOpen) {
		t.Errorf("expected ErrSessionOpen, got %v", err)
	}
}

func TestRecordConsent(t *testing.T) {
	tests := []struct {
		name    string
		consent bool
		want    models.SessionStatus
	}{
		{"consent", true, models.StatusReflectionGate},
		{"decline", false, models.StatusPartnerDeclined},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			ctx := context.Background()
			sess, err := h.mgr.StartInvite(ctx, "alice")
			if err != nil {
				t.Fatalf("StartInvite failed: %v", err)
			}
			if _, err := h.mgr.SubmitInvitation(ctx, sess.ID, "alice", "Let's talk"); err != nil {
				t.Fatalf("SubmitInvitation failed: %v", err)
			}
			if _, err := h.mgr.AcceptInvite(ctx, "TOKEN234", "bob"); err != nil {
				t.Fatalf("AcceptInvite failed: %v", err)
			}
			if _, err := h.mgr.RecordConsent(ctx, sess.ID, "alice", tt.consent); !errors.Is(err, ErrNotInvitedPartner) {
				t.Errorf("expected ErrNotInvitedPartner for alice, got %v", err)
			}
			got, err := h.mgr.RecordConsent(ctx, sess.ID, "bob", tt.consent)
			if err != nil {
				t.Fatalf("RecordConsent failed: %v", err)
			}
			if got.Status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got.Status)
			}
		})
	}
}

func TestSubmitReflectionPassesOnLength(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	id := h.pairedSession(t)

	out, err := h.mgr.SubmitReflection(ctx, id, "bob", "weekends matter")
	if err != nil {
		t.Fatalf("SubmitReflection failed: %v", err)
	}
	if out.Passed || out.Attempts != 1 {
		t.Errorf("expected short reflection to be held at attempt 1, got %+v", out)
	}
	if got := h.status(t, id); got != models.StatusReflectionGate {
		t.Errorf("expected REFLECTION_GATE, got %s", got)
	}

	out, err = h.mgr.SubmitReflection(ctx, id, "bob", "you want more time together on weekends")
	if err != nil {
		t.Fatalf("SubmitReflection failed: %v", err)
	}
	if !out.Passed || out.Attempts != 2 {
		t.Errorf("expected pass at attempt 2, got %+v", out)
	}
	if got := h.status(t, id); got != models.StatusActive {
		t.Errorf("expected ACTIVE, got %s", got)
	}
}

func TestSubmitReflectionPassesAfterMaxAttempts(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	id := h.pairedSession(t)

	var out ReflectionOutcome
	var err error
	for i := 0; i < MaxMirrorAttempts; i++ {
		out, err = h.mgr.SubmitReflection(ctx, id, "bob", "ok")
		if err != nil {
			t.Fatalf("SubmitReflection failed: %v", err)
		}
	}
	if !out.Passed || out.Attempts != MaxMirrorAttempts {
		t.Errorf("expected pass after %d attempts, got %+v", MaxMirrorAttempts, out)
	}
	if got := h.status(t, id); got != models.StatusActive {
		t.Errorf("expected ACTIVE, got %s", got)
	}
}

func TestSubmitReflectionCritical(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	id := h.pairedSession(t)
	h.screener.levels["critical reflection text here now"] = models.RiskL4

	out, err := h.mgr.SubmitReflection(ctx, id, "bob", "critical reflection text here now")
	if err != nil {
		t.Fatalf("SubmitReflection failed: %v", err)
	}
	if !out.Critical || out.Passed || out.Attempts != 0 {
		t.Errorf("expected uncounted critical outcome, got %+v", out)
	}
	if got := h.status(t, id); got != models.StatusReflectionGate {
		t.Errorf("expected REFLECTION_GATE, got %s", got)
	}
	if _, err := h.mgr.SubmitReflection(ctx, id, "alice", "something long enough to pass"); !errors.Is(err, ErrNotInvitedPartner) {
		t.Errorf("expected ErrNotInvitedPartner for alice, got %v", err)
	}
}

func TestPauseResumeClose(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	id := h.pairedSession(t)
	if _, err := h.mgr.SubmitReflection(ctx, id, "bob", "you want more time together on weekends"); err != nil {
		t.Fatalf("SubmitReflection failed: %v", err)
	}

	if err := h.mgr.Pause(ctx, id, "mallory"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}
	if err := h.mgr.Pause(ctx, id, "alice"); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if got := h.status(t, id); got != models.StatusPaused {
		t.Errorf("expected PAUSED, got %s", got)
	}
	if err := h.mgr.Pause(ctx, id, "alice"); !statemachine.IsInvalidTransition(err) {
		t.Errorf("expected invalid transition pausing twice, got %v", err)
	}
	if err := h.mgr.Resume(ctx, id, "bob"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if got := h.status(t, id); got != models.StatusActive {
		t.Errorf("expected ACTIVE, got %s", got)
	}
	if err := h.mgr.Close(ctx, id, "bob"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := h.status(t, id); got != models.StatusClosed {
		t.Errorf("expected CLOSED, got %s", got)
	}
	if len(h.cleaner.sessions) != 1 {
		t.Errorf("expected one cleanup, got %v", h.cleaner.sessions)
	}
	if _, err := h.mgr.OpenSessionFor(ctx, "alice"); !errors.Is(err, ErrNoOpenSession) {
		t.Errorf("expected ErrNoOpenSession after close, got %v", err)
	}
}

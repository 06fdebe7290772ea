package reframe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/TalkBridge/internal/models"
)

type fakeChecker struct {
	levels []models.RiskLevel
	calls  int
}

func (c *fakeChecker) SecondRiskCheck(ctx context.Context, text, sessionID string, role models.Role) models.RiskAssessment {
	l := c.levels[len(c.levels)-1]
	if c.calls < len(c.levels) {
		l = c.levels[c.calls]
	}
	c.calls++
	return models.RiskAssessment{Level: l, Topic: models.TopicFallback}
}

type fakeRewriter struct {
	out   string
	err   error
	calls int
}

func (r *fakeRewriter) Reframe(ctx context.Context, text string) (string, error) {
	r.calls++
	return r.out, r.err
}

func draft(id, session string) models.PendingReframe {
	return models.PendingReframe{MessageID: id, SessionID: session, SenderRole: models.RoleUserA, Original: "you never help", Reframed: "I need help"}
}

func TestTrackerRegisterGetRemove(t *testing.T) {
	tr := NewTracker()
	defer tr.Stop()

	tr.Register(draft("m1", "s1"))
	got, ok := tr.Get("m1")
	if !ok || got.Reframed != "I need help" || got.CreatedAt.IsZero() {
		t.Fatalf("unexpected draft: %+v", got)
	}
	if !tr.Remove("m1") {
		t.Error("expected remove to report existing draft")
	}
	if tr.Remove("m1") {
		t.Error("expected second remove to report missing draft")
	}
	if _, ok := tr.Get("m1"); ok {
		t.Error("expected draft to be gone")
	}
}

func TestTrackerRemoveAllForSession(t *testing.T) {
	tr := NewTracker()
	defer tr.Stop()
	tr.Register(draft("m1", "s1"))
	tr.Register(draft("m2", "s1"))
	tr.Register(draft("m3", "s2"))

	if n := tr.RemoveAllForSession("s1"); n != 2 {
		t.Errorf("expected 2 removed, got %d", n)
	}
	if tr.Len() != 1 {
		t.Errorf("expected 1 remaining, got %d", tr.Len())
	}
	if _, ok := tr.Get("m3"); !ok {
		t.Error("expected other session's draft to remain")
	}
}

func TestTrackerExpiry(t *testing.T) {
	tr := NewTracker(WithTTL(20 * time.Millisecond))
	defer tr.Stop()
	tr.Register(draft("m1", "s1"))

	deadline := time.Now().Add(time.Second)
	for tr.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if tr.Len() != 0 {
		t.Error("expected draft to expire")
	}
}

func TestEditCleanReplacesText(t *testing.T) {
	tr := NewTracker()
	defer tr.Stop()
	tr.Register(draft("m1", "s1"))
	checker := &fakeChecker{levels: []models.RiskLevel{models.RiskL1}}
	rw := &fakeRewriter{out: "unused"}
	ed := NewEditor(tr, checker, rw)

	out, err := ed.ApplyEdit(context.Background(), "m1", "  I'd love some help tonight  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Toxic || out.HardStop {
		t.Errorf("expected clean edit, got %+v", out)
	}
	if out.Draft.Reframed != "I'd love some help tonight" || out.Draft.EditIterations != 1 {
		t.Errorf("unexpected draft after edit: %+v", out.Draft)
	}
	if rw.calls != 0 {
		t.Error("expected no regeneration for a clean edit")
	}
	stored, _ := tr.Get("m1")
	if stored.Reframed != out.Draft.Reframed {
		t.Error("expected tracker to hold the edited draft")
	}
	if len(out.Choices) != 3 {
		t.Errorf("expected send/edit/cancel, got %v", out.Choices)
	}
}

func TestToxicEditsReachCapThenOnlyCancel(t *testing.T) {
	tr := NewTracker()
	defer tr.Stop()
	tr.Register(draft("m1", "s1"))
	checker := &fakeChecker{levels: []models.RiskLevel{models.RiskL3}}
	rw := &fakeRewriter{out: "I felt hurt"}
	ed := NewEditor(tr, checker, rw)

	var out EditOutcome
	var err error
	for i := 1; i <= MaxEditIterations; i++ {
		out, err = ed.ApplyEdit(context.Background(), "m1", "you idiot")
		if err != nil {
			t.Fatalf("edit %d: unexpected error: %v", i, err)
		}
		if !out.Toxic {
			t.Fatalf("edit %d: expected toxic outcome", i)
		}
		if out.Draft.EditIterations != i {
			t.Fatalf("edit %d: expected counter %d, got %d", i, i, out.Draft.EditIterations)
		}
	}
	if len(out.Choices) != 1 || out.Choices[0] != ChoiceCancel {
		t.Errorf("expected only cancel at the cap, got %v", out.Choices)
	}
	if out.Draft.Reframed != "I felt hurt" {
		t.Errorf("expected regenerated reframe, got %q", out.Draft.Reframed)
	}
	if checker.calls != MaxEditIterations {
		t.Errorf("expected a risk check per edit, got %d", checker.calls)
	}
}

func TestToxicEditKeepsDraftWhenRegenerationFails(t *testing.T) {
	tr := NewTracker()
	defer tr.Stop()
	tr.Register(draft("m1", "s1"))
	ed := NewEditor(tr, &fakeChecker{levels: []models.RiskLevel{models.RiskL3Plus}}, &fakeRewriter{err: errors.New("down")})

	out, err := ed.ApplyEdit(context.Background(), "m1", "I'm leaving you")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Draft.Reframed != "I need help" {
		t.Errorf("expected previous reframe kept, got %q", out.Draft.Reframed)
	}
}

func TestCriticalEditRequestsHardStop(t *testing.T) {
	tr := NewTracker()
	defer tr.Stop()
	tr.Register(draft("m1", "s1"))
	rw := &fakeRewriter{out: "x"}
	ed := NewEditor(tr, &fakeChecker{levels: []models.RiskLevel{models.RiskL4}}, rw)

	out, err := ed.ApplyEdit(context.Background(), "m1", "dangerous text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.HardStop {
		t.Error("expected hard stop")
	}
	if out.Draft.EditIterations != 0 || rw.calls != 0 {
		t.Error("expected draft untouched and no regeneration")
	}
}

func TestEditMissingDraft(t *testing.T) {
	ed := NewEditor(NewTracker(), &fakeChecker{levels: []models.RiskLevel{models.RiskL1}}, &fakeRewriter{})
	if _, err := ed.ApplyEdit(context.Background(), "nope", "text"); !errors.Is(err, models.ErrDraftNotFound) {
		t.Errorf("expected ErrDraftNotFound, got %v", err)
	}
}

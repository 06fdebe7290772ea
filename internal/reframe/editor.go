package reframe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/TalkBridge/internal/models"
)

// RiskChecker re-validates edited text. Implementations must never fail.
type RiskChecker interface {
	SecondRiskCheck(ctx context.Context, text, sessionID string, role models.Role) models.RiskAssessment
}

// Rewriter regenerates a reframe from text.
type Rewriter interface {
	Reframe(ctx context.Context, text string) (string, error)
}

// Choice is an action offered to the sender for a draft.
type Choice string

const (
	ChoiceSend   Choice = "send"
	ChoiceEdit   Choice = "edit"
	ChoiceCancel Choice = "cancel"
)

// EditOutcome is the result of applying an edit.
type EditOutcome struct {
	Draft models.PendingReframe
	Risk  models.RiskAssessment
	// Toxic is set when the edit classified at L3 or higher and was regenerated.
	Toxic bool
	// HardStop is set for an L4 edit; the draft is left untouched for the caller to clean up.
	HardStop bool
	Choices  []Choice
}

// Editor applies sender edits to pending drafts.
type Editor struct {
	tracker  *Tracker
	checker  RiskChecker
	rewriter Rewriter
}

// NewEditor creates an Editor.
func NewEditor(tracker *Tracker, checker RiskChecker, rewriter Rewriter) *Editor {
	return &Editor{tracker: tracker, checker: checker, rewriter: rewriter}
}

// CanEdit reports whether the draft may enter another edit round.
func CanEdit(d models.PendingReframe) bool {
	return d.EditIterations < MaxEditIterations
}

// ChoicesFor returns the actions offered for a draft.
func ChoicesFor(d models.PendingReframe) []Choice {
	if CanEdit(d) {
		return []Choice{ChoiceSend, ChoiceEdit, ChoiceCancel}
	}
	return []Choice{ChoiceSend, ChoiceCancel}
}

// ApplyEdit re-checks editedText and updates the draft for messageID. Every edit passes the
// second risk check before the draft becomes approvable again.
func (e *Editor) ApplyEdit(ctx context.Context, messageID, editedText string) (EditOutcome, error) {
	draft, ok := e.tracker.Get(messageID)
	if !ok {
		return EditOutcome{}, fmt.Errorf("apply edit to %s: %w", messageID, models.ErrDraftNotFound)
	}
	editedText = strings.TrimSpace(editedText)
	if editedText == "" {
		return EditOutcome{}, models.ErrEmptyMessage
	}

	risk := e.checker.SecondRiskCheck(ctx, editedText, draft.SessionID, draft.SenderRole)
	out := EditOutcome{Risk: risk}

	if risk.Level == models.RiskL4 {
		slog.Warn("ReframeEditor edit classified critical", "message_id", messageID, "session_id", draft.SessionID)
		out.Draft = draft
		out.HardStop = true
		return out, nil
	}

	draft.EditIterations++
	if risk.Level.AtLeast(models.RiskL3) {
		out.Toxic = true
		regenerated, err := e.rewriter.Reframe(ctx, editedText)
		if err != nil {
			slog.Error("ReframeEditor: regeneration failed, keeping previous draft", "message_id", messageID, "error", err)
		} else {
			draft.Reframed = regenerated
		}
		if CanEdit(draft) {
			out.Choices = []Choice{ChoiceSend, ChoiceEdit, ChoiceCancel}
		} else {
			out.Choices = []Choice{ChoiceCancel}
		}
	} else {
		draft.Reframed = editedText
		out.Choices = ChoicesFor(draft)
	}

	if !e.tracker.Update(draft) {
		return EditOutcome{}, fmt.Errorf("apply edit to %s: %w", messageID, models.ErrDraftNotFound)
	}
	slog.Info("ReframeEditor edit applied", "message_id", messageID, "level", risk.Level, "toxic", out.Toxic, "edits", draft.EditIterations)
	out.Draft = draft
	return out, nil
}

// Package risk classifies messages into severity levels and topics.
//
// Classify never fails: call failures and replies that do not validate are replaced by a
// conservative L2 fallback, and every verdict is written to the audit trail best-effort.
package risk

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/TalkBridge/internal/genai"
	"github.com/BTreeMap/TalkBridge/internal/models"
	"github.com/google/uuid"
)

// RiskMaxTokens bounds risk-only replies.
const RiskMaxTokens = 512

// FallbackCause names why a fallback assessment was used.
type FallbackCause string

const (
	CauseParse FallbackCause = "parse"
	CauseCall  FallbackCause = "call"
)

// Fallback returns the fixed conservative assessment for cause.
func Fallback(cause FallbackCause) models.RiskAssessment {
	a := models.RiskAssessment{Level: models.RiskL2, Topic: models.TopicFallback}
	switch cause {
	case CauseCall:
		a.ActionRequired = "manual review: reasoning service call failed"
		a.Reasoning = "automatic fallback: reasoning service failure"
	default:
		a.ActionRequired = "manual review: reasoning service returned an invalid format"
		a.Reasoning = "automatic fallback: parse error"
	}
	return a
}

// AuditRecorder persists classification audits.
type AuditRecorder interface {
	AddRiskAudit(ctx context.Context, a models.RiskAudit) error
}

// Observer is notified of every verdict (metrics).
type Observer interface {
	ObserveClassification(level models.RiskLevel, fallback bool)
}

// Classifier assigns risk levels using the reasoning service.
type Classifier struct {
	gen      genai.Generator
	audits   AuditRecorder
	observer Observer
	now      func() time.Time
}

// NewClassifier creates a classifier. audits and observer may be nil.
func NewClassifier(gen genai.Generator, audits AuditRecorder, observer Observer) *Classifier {
	return &Classifier{
		gen:      gen,
		audits:   audits,
		observer: observer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Classify returns a validated assessment for message, or the fallback. It never fails.
func (c *Classifier) Classify(ctx context.Context, message, sessionID string, sender models.Role) models.RiskAssessment {
	slog.Debug("RiskClassifier Classify invoked", "session_id", sessionID, "sender", sender, "message_length", len(message))

	var assessment models.RiskAssessment
	fallback := false

	reply, err := c.gen.Generate(ctx, SystemPrompt(), message, RiskMaxTokens)
	if err != nil {
		slog.Warn("RiskClassifier Classify: call failed, using fallback", "session_id", sessionID, "error", err)
		assessment, fallback = Fallback(CauseCall), true
	} else if decoded := DecodeAssessment(reply); decoded.Valid() {
		assessment, _ = decoded.Get()
	} else {
		slog.Warn("RiskClassifier Classify: invalid reply, using fallback", "session_id", sessionID, "reason", decoded.Reason())
		assessment, fallback = Fallback(CauseParse), true
	}

	c.Audit(ctx, sessionID, sender, assessment, fallback)
	return assessment
}

// Audit records an assessment produced elsewhere (for example by the combined call). Write
// failures are logged and never change the verdict.
func (c *Classifier) Audit(ctx context.Context, sessionID string, sender models.Role, a models.RiskAssessment, fallback bool) {
	if c.observer != nil {
		c.observer.ObserveClassification(a.Level, fallback)
	}
	slog.Info("RiskClassifier verdict", "session_id", sessionID, "sender", sender, "level", a.Level, "topic", a.Topic, "fallback", fallback)
	if c.audits == nil {
		return
	}
	record := models.RiskAudit{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		Sender:         sender,
		Level:          a.Level,
		Topic:          a.Topic,
		ActionRequired: a.ActionRequired,
		Reasoning:      a.Reasoning,
		CreatedAt:      c.now(),
	}
	if err := c.audits.AddRiskAudit(ctx, record); err != nil {
		slog.Error("RiskClassifier Audit: failed to persist audit record", "session_id", sessionID, "error", err)
	}
}

// Package pipeline runs every inbound participant message through classification, coaching and
// reframing, and performs the safety hard stop for critical messages.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/TalkBridge/internal/coach"
	"github.com/BTreeMap/TalkBridge/internal/genai"
	"github.com/BTreeMap/TalkBridge/internal/models"
	"github.com/BTreeMap/TalkBridge/internal/risk"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// ReasonHardStop is recorded on the LOCKED transition of an L4 message.
	ReasonHardStop = "L4_hard_stop"
	// HistoryLimit bounds the messages loaded as conversation context.
	HistoryLimit = 50
)

// Path labels used in logs and metrics.
const (
	PathCombined    = "combined"
	PathFrustration = "frustration"
	PathHardStop    = "hard_stop"
)

// Classifier is the risk classifier used by the pipeline.
type Classifier interface {
	Classify(ctx context.Context, message, sessionID string, sender models.Role) models.RiskAssessment
	Audit(ctx context.Context, sessionID string, sender models.Role, a models.RiskAssessment, fallback bool)
}

// MessageStore persists and lists conversation messages.
type MessageStore interface {
	AddMessage(ctx context.Context, m models.Message) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
}

// PatternSource returns summaries of earlier sessions for a pairing.
type PatternSource interface {
	RetrieveSummaries(ctx context.Context, pairingID, currentText string) ([]string, error)
}

// Transitioner moves a session to another status.
type Transitioner interface {
	Transition(ctx context.Context, sessionID string, target models.SessionStatus, metadata map[string]any) error
}

// SessionCleaner clears volatile per-session state.
type SessionCleaner interface {
	CleanupSession(sessionID string)
}

// Sealer encrypts content before it is stored.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Observer receives pipeline metrics.
type Observer interface {
	ObservePipeline(path string, level models.RiskLevel, elapsed time.Duration)
	ObserveHardStop(transitioned bool)
}

// Deps groups the collaborators of a Pipeline. Patterns, Cleaner and Observer are optional.
type Deps struct {
	Generator    genai.Generator
	Classifier   Classifier
	Messages     MessageStore
	Patterns     PatternSource
	Transitioner Transitioner
	Cleaner      SessionCleaner
	Sealer       Sealer
	Observer     Observer
}

// Pipeline processes inbound messages.
type Pipeline struct {
	gen          genai.Generator
	classifier   Classifier
	messages     MessageStore
	patterns     PatternSource
	transitioner Transitioner
	cleaner      SessionCleaner
	sealer       Sealer
	observer     Observer
	now          func() time.Time

	inflight sync.WaitGroup
}

// New creates a Pipeline.
func New(d Deps) *Pipeline {
	return &Pipeline{
		gen:          d.Generator,
		classifier:   d.Classifier,
		messages:     d.Messages,
		patterns:     d.Patterns,
		transitioner: d.Transitioner,
		cleaner:      d.Cleaner,
		sealer:       d.Sealer,
		observer:     d.Observer,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Process runs one inbound message and returns the reply and delivery decision. It only fails
// on invalid input; every collaborator failure degrades to a fallback.
func (p *Pipeline) Process(ctx context.Context, in models.PipelineInput) (models.PipelineResult, error) {
	start := time.Now()
	sess := in.Session.Session
	role := in.Session.SenderRole
	text := strings.TrimSpace(in.RawText)
	if sess.ID == "" {
		return models.PipelineResult{}, models.ErrEmptySessionID
	}
	if text == "" {
		return models.PipelineResult{}, models.ErrEmptyMessage
	}
	kind := in.Kind
	if kind == "" {
		kind = models.MessageKindText
	}

	slog.Info("Pipeline.Process started", "session_id", sess.ID, "sender", role, "status", sess.Status, "message_length", len(text))
	result := models.PipelineResult{MessageID: uuid.NewString()}

	var history []models.Turn
	var patterns []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		history = p.loadHistory(gctx, sess.ID, role)
		return nil
	})
	g.Go(func() error {
		patterns = p.loadPatterns(gctx, sess.PairingID, text)
		return nil
	})
	frustrated := coach.DetectFrustration(text)
	_ = g.Wait()

	// Counted over the HistoryLimit window, not the whole session.
	turns := coach.TurnCount(history, role) + 1
	withCurrent := append(history[:len(history):len(history)], models.Turn{Role: role, Text: text})
	result.DraftReady = coach.ShouldDraft(turns, withCurrent, role)

	var assessment models.RiskAssessment
	var coaching string
	path := PathCombined
	if frustrated {
		path = PathFrustration
		assessment = p.classifier.Classify(ctx, text, sess.ID, role)
		coaching = coach.FrustrationMenu
	} else {
		assessment, coaching = p.combined(ctx, coach.CombinedParams{
			SenderRole:    role,
			SessionStatus: sess.Status,
			History:       history,
			Patterns:      patterns,
			TurnCount:     turns,
			DraftReady:    result.DraftReady,
		}, sess.ID, text)
	}
	result.RiskLevel = assessment.Level
	result.Topic = assessment.Topic

	p.persistInbound(ctx, models.Message{
		ID:         result.MessageID,
		SessionID:  sess.ID,
		Sender:     role,
		Kind:       kind,
		Content:    text,
		RiskLevel:  assessment.Level,
		Topic:      assessment.Topic,
		ExternalID: in.ExternalMessageID,
	})

	if assessment.Level == models.RiskL4 {
		p.HardStop(ctx, sess.ID, assessment.Reasoning)
		result.Halted = true
		result.HaltReason = models.HaltReasonCritical
		result.CoachingResponse = coach.EmergencyMessage()
		p.persistCoaching(ctx, sess.ID, role, result.CoachingResponse)
		p.observe(PathHardStop, assessment.Level, start)
		return result, nil
	}

	result.CoachingResponse = coach.Enforce(coaching)

	if !frustrated && !assessment.Level.AtLeast(models.RiskL3) && sess.Status == models.StatusActive && sess.HasPartner() {
		reframed, err := p.Reframe(ctx, text)
		if err != nil {
			slog.Error("Pipeline.Process: reframe generation failed", "session_id", sess.ID, "error", err)
		} else if reframed != "" {
			result.ReframedMessage = reframed
			result.RequiresApproval = true
		}
	}

	p.persistCoaching(ctx, sess.ID, role, result.CoachingResponse)
	p.observe(path, assessment.Level, start)
	slog.Info("Pipeline.Process completed", "session_id", sess.ID, "path", path, "level", assessment.Level,
		"requires_approval", result.RequiresApproval, "draft_ready", result.DraftReady, "elapsed", time.Since(start))
	return result, nil
}

// combined issues the single classification-plus-coaching call and validates both halves.
func (p *Pipeline) combined(ctx context.Context, params coach.CombinedParams, sessionID, text string) (models.RiskAssessment, string) {
	reply, err := genai.GenerateStructured[risk.CombinedReply](ctx, p.gen, coach.CombinedSystemPrompt(params), text, coach.CombinedMaxTokens)
	if err != nil {
		cause := risk.CauseCall
		if errors.Is(err, genai.ErrMalformedJSON) {
			cause = risk.CauseParse
		}
		slog.Warn("Pipeline.combined: reply unusable, using hard fallback", "session_id", sessionID, "cause", cause, "error", err)
		a := risk.Fallback(cause)
		p.classifier.Audit(ctx, sessionID, params.SenderRole, a, true)
		return a, coach.GenericCoaching
	}

	riskResult, coachingResult := risk.ValidateCombined(reply)
	assessment, ok := riskResult.Get()
	fallback := !ok
	if !ok {
		slog.Warn("Pipeline.combined: invalid risk object, using fallback", "session_id", sessionID, "reason", riskResult.Reason())
		assessment = risk.Fallback(risk.CauseParse)
	}
	coaching, ok := coachingResult.Get()
	if !ok {
		slog.Warn("Pipeline.combined: invalid coaching text, using generic reply", "session_id", sessionID, "reason", coachingResult.Reason())
		coaching = coach.GenericCoaching
	}
	p.classifier.Audit(ctx, sessionID, params.SenderRole, assessment, fallback)
	return assessment, coaching
}

// SecondRiskCheck classifies edited text before it may be approved again.
func (p *Pipeline) SecondRiskCheck(ctx context.Context, text, sessionID string, role models.Role) models.RiskAssessment {
	slog.Debug("Pipeline.SecondRiskCheck", "session_id", sessionID, "sender", role, "message_length", len(text))
	return p.classifier.Classify(ctx, text, sessionID, role)
}

// Reframe rewrites text without blame, never longer than the original.
func (p *Pipeline) Reframe(ctx context.Context, text string) (string, error) {
	out, err := p.gen.Generate(ctx, coach.ReframeSystemPrompt(), text, coach.ReframeTokenBudget(text))
	if err != nil {
		return "", err
	}
	out = strings.Trim(strings.TrimSpace(out), `"`)
	if limit := len(strings.Fields(text)); len(strings.Fields(out)) > limit {
		out = coach.TruncateWords(out, limit)
	}
	return out, nil
}

// HardStop locks the session and clears its volatile state. Cleanup runs even when the
// transition fails.
func (p *Pipeline) HardStop(ctx context.Context, sessionID, reasoning string) {
	slog.Error("Pipeline.HardStop: critical message, locking session", "session_id", sessionID)
	transitioned := true
	err := p.transitioner.Transition(ctx, sessionID, models.StatusLocked, map[string]any{
		"reason":         ReasonHardStop,
		"risk_reasoning": reasoning,
	})
	if err != nil {
		transitioned = false
		slog.Error("Pipeline.HardStop: failed to lock session", "session_id", sessionID, "error", err)
	}
	if p.cleaner != nil {
		p.cleaner.CleanupSession(sessionID)
	}
	if p.observer != nil {
		p.observer.ObserveHardStop(transitioned)
	}
}

// Drain waits for background persistence to finish.
func (p *Pipeline) Drain() {
	p.inflight.Wait()
}

func (p *Pipeline) loadHistory(ctx context.Context, sessionID string, role models.Role) []models.Turn {
	msgs, err := p.messages.ListMessages(ctx, sessionID, HistoryLimit)
	if err != nil {
		slog.Warn("Pipeline.loadHistory failed", "session_id", sessionID, "error", err)
		return nil
	}
	turns := make([]models.Turn, 0, len(msgs))
	for _, m := range msgs {
		var turnRole models.Role
		switch {
		case m.Sender == role && (m.Kind == models.MessageKindText || m.Kind == models.MessageKindVoice):
			turnRole = role
		case m.Sender == models.RoleBot && m.Kind == models.MessageKindCoaching && m.Recipient == role:
			turnRole = models.RoleBot
		default:
			continue
		}
		text, err := p.sealer.Open(m.Content)
		if err != nil {
			slog.Warn("Pipeline.loadHistory: skipping unreadable message", "message_id", m.ID, "error", err)
			continue
		}
		turns = append(turns, models.Turn{Role: turnRole, Text: text})
	}
	return turns
}

func (p *Pipeline) loadPatterns(ctx context.Context, pairingID, text string) []string {
	if p.patterns == nil || pairingID == "" {
		return nil
	}
	summaries, err := p.patterns.RetrieveSummaries(ctx, pairingID, text)
	if err != nil {
		slog.Warn("Pipeline.loadPatterns failed", "pairing_id", pairingID, "error", err)
		return nil
	}
	return summaries
}

// persistInbound stores the inbound message in the background.
func (p *Pipeline) persistInbound(ctx context.Context, m models.Message) {
	m.CreatedAt = p.now()
	sealed, err := p.sealer.Seal(m.Content)
	if err != nil {
		slog.Error("Pipeline.persistInbound: seal failed", "session_id", m.SessionID, "error", err)
		return
	}
	m.Content = sealed
	bg := context.WithoutCancel(ctx)
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		if err := p.messages.AddMessage(bg, m); err != nil {
			slog.Error("Pipeline.persistInbound failed", "session_id", m.SessionID, "message_id", m.ID, "error", err)
		}
	}()
}

func (p *Pipeline) persistCoaching(ctx context.Context, sessionID string, recipient models.Role, text string) {
	sealed, err := p.sealer.Seal(text)
	if err != nil {
		slog.Error("Pipeline.persistCoaching: seal failed", "session_id", sessionID, "error", err)
		return
	}
	m := models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Sender:    models.RoleBot,
		Recipient: recipient,
		Kind:      models.MessageKindCoaching,
		Content:   sealed,
		CreatedAt: p.now(),
	}
	if err := p.messages.AddMessage(ctx, m); err != nil {
		slog.Error("Pipeline.persistCoaching failed", "session_id", sessionID, "error", err)
	}
}

func (p *Pipeline) observe(path string, level models.RiskLevel, start time.Time) {
	if p.observer != nil {
		p.observer.ObservePipeline(path, level, time.Since(start))
	}
}

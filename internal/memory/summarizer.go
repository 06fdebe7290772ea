package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/TalkBridge/internal/genai"
	"github.com/BTreeMap/TalkBridge/internal/models"
	"github.com/google/uuid"
)

// SummaryMaxTokens bounds the summary reply.
const SummaryMaxTokens = 768

const summarySystemPrompt = `You summarize a finished mediation session between two partners for later pattern recognition.

RULES:
- Focus on communication patterns and underlying needs, not specific grievances.
- Name the dominant emotions and any recurring conflict themes.
- Never include names, places or other identifying details.
- "summary" is at most 150 words. "themes" has 2 to 4 short snake_case tags.
- "closing_note" is a warm, two-sentence note for the participants about what they worked on.

Return only valid JSON with exactly this structure:
{"summary": "...", "themes": ["..."], "closing_note": "..."}`

// SessionReader loads what a summary is built from.
type SessionReader interface {
	ListMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
	ListRiskAudits(ctx context.Context, sessionID string) ([]models.RiskAudit, error)
}

// summaryReply is the structured summary returned by the reasoning service.
type summaryReply struct {
	Summary     string   `json:"summary"`
	Themes      []string `json:"themes"`
	ClosingNote string   `json:"closing_note"`
}

// Summarizer builds and stores close summaries.
type Summarizer struct {
	gen    genai.Generator
	reader SessionReader
	memory *PatternMemory
	sealer Sealer
}

// NewSummarizer creates a Summarizer.
func NewSummarizer(gen genai.Generator, reader SessionReader, memory *PatternMemory, sealer Sealer) *Summarizer {
	return &Summarizer{gen: gen, reader: reader, memory: memory, sealer: sealer}
}

// Summarize builds the summary of a closed session, stores it, and returns the closing note
// for the participants. Sessions without conversation produce no summary and an empty note.
func (s *Summarizer) Summarize(ctx context.Context, sess models.Session) (string, error) {
	msgs, err := s.reader.ListMessages(ctx, sess.ID, 0)
	if err != nil {
		return "", fmt.Errorf("failed to load messages for %s: %w", sess.ID, err)
	}

	var b strings.Builder
	for _, m := range msgs {
		if m.Kind != models.MessageKindText && m.Kind != models.MessageKindVoice {
			continue
		}
		text, err := s.sealer.Open(m.Content)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", m.Sender, text)
	}
	if b.Len() == 0 {
		slog.Info("Summarizer.Summarize: nothing to summarize", "session_id", sess.ID)
		return "", nil
	}

	maxLevel := models.RiskL1
	if audits, err := s.reader.ListRiskAudits(ctx, sess.ID); err != nil {
		slog.Warn("Summarizer.Summarize: failed to load audits", "session_id", sess.ID, "error", err)
	} else {
		levels := make([]models.RiskLevel, 0, len(audits))
		for _, a := range audits {
			levels = append(levels, a.Level)
		}
		if len(levels) > 0 {
			maxLevel = models.MaxRiskLevel(levels...)
		}
	}

	reply, err := genai.GenerateStructured[summaryReply](ctx, s.gen, summarySystemPrompt, b.String(), SummaryMaxTokens)
	if err != nil {
		return "", fmt.Errorf("failed to generate summary for %s: %w", sess.ID, err)
	}
	if strings.TrimSpace(reply.Summary) == "" {
		return "", fmt.Errorf("summary for %s: %w", sess.ID, genai.ErrMalformedJSON)
	}

	pairing := sess.PairingID
	if pairing == "" {
		pairing = sess.ID
	}
	sum := models.SessionSummary{
		ID:           uuid.NewString(),
		SessionID:    sess.ID,
		PairingID:    pairing,
		Content:      strings.TrimSpace(reply.Summary),
		Themes:       reply.Themes,
		MaxRiskLevel: maxLevel,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.memory.Remember(ctx, sum); err != nil {
		return "", err
	}
	slog.Info("Summarizer.Summarize: summary stored", "session_id", sess.ID, "themes", len(reply.Themes), "max_risk_level", maxLevel)
	return strings.TrimSpace(reply.ClosingNote), nil
}

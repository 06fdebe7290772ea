// Package memory keeps condensed summaries of closed sessions and retrieves the ones most
// relevant to a new message for the same pairing.
//
// Summaries are stored sealed in the relational store and indexed in a chromem-go collection
// per pairing. Similarity search falls back to recency ordering when the index is unavailable
// or returns nothing above the threshold.
package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/TalkBridge/internal/models"
	"github.com/philippgille/chromem-go"
)

const (
	// DefaultTopK is how many summaries are handed to the coaching prompt.
	DefaultTopK = 3
	// DefaultThreshold is the minimum cosine similarity of a retrieved summary.
	DefaultThreshold float32 = 0.78

	collectionPrefix = "pairing_"
)

// SummaryStore persists sealed summaries.
type SummaryStore interface {
	AddSummary(ctx context.Context, s models.SessionSummary) error
	ListSummaries(ctx context.Context, pairingID string, limit int) ([]models.SessionSummary, error)
}

// Sealer seals and opens summary content.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// PatternMemory stores and retrieves session summaries.
type PatternMemory struct {
	db        *chromem.DB
	embed     chromem.EmbeddingFunc
	summaries SummaryStore
	sealer    Sealer
	topK      int
	threshold float32
}

// Option configures a PatternMemory.
type Option func(*PatternMemory)

// WithTopK sets how many summaries are returned.
func WithTopK(k int) Option {
	return func(m *PatternMemory) {
		if k > 0 {
			m.topK = k
		}
	}
}

// WithThreshold sets the minimum similarity.
func WithThreshold(t float32) Option {
	return func(m *PatternMemory) { m.threshold = t }
}

// NewPatternMemory creates a PatternMemory. db and embed may be nil, in which case retrieval is
// recency-only.
func NewPatternMemory(db *chromem.DB, embed chromem.EmbeddingFunc, summaries SummaryStore, sealer Sealer, opts ...Option) *PatternMemory {
	m := &PatternMemory{
		db:        db,
		embed:     embed,
		summaries: summaries,
		sealer:    sealer,
		topK:      DefaultTopK,
		threshold: DefaultThreshold,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OpenDB opens the chromem database at dir, or an in-memory one when dir is empty.
func OpenDB(dir string) (*chromem.DB, error) {
	if dir == "" {
		return chromem.NewDB(), nil
	}
	db, err := chromem.NewPersistentDB(dir, true)
	if err != nil {
		return nil, fmt.Errorf("failed to open pattern memory at %s: %w", dir, err)
	}
	return db, nil
}

func (m *PatternMemory) indexed() bool {
	return m.db != nil && m.embed != nil
}

// Remember stores a summary. sum.Content must be plaintext; it is sealed before it leaves this
// function. Indexing failures are logged; the relational copy is authoritative.
func (m *PatternMemory) Remember(ctx context.Context, sum models.SessionSummary) error {
	plaintext := sum.Content
	sealed, err := m.sealer.Seal(plaintext)
	if err != nil {
		return fmt.Errorf("failed to seal summary: %w", err)
	}
	sum.Content = sealed
	if err := m.summaries.AddSummary(ctx, sum); err != nil {
		return fmt.Errorf("failed to store summary: %w", err)
	}

	if !m.indexed() {
		return nil
	}
	if err := m.index(ctx, sum, plaintext); err != nil {
		slog.Warn("PatternMemory.Remember: indexing failed", "session_id", sum.SessionID, "error", err)
	}
	return nil
}

func (m *PatternMemory) index(ctx context.Context, sum models.SessionSummary, plaintext string) error {
	collection, err := m.db.GetOrCreateCollection(collectionPrefix+sum.PairingID, nil, m.embed)
	if err != nil {
		return fmt.Errorf("getting collection: %w", err)
	}
	embedding, err := m.embed(ctx, plaintext)
	if err != nil {
		return fmt.Errorf("embedding summary: %w", err)
	}
	// Content stays sealed on disk; only the vector is derived from plaintext.
	doc := chromem.Document{
		ID:        sum.ID,
		Content:   sum.Content,
		Embedding: embedding,
		Metadata:  map[string]string{"session_id": sum.SessionID, "max_risk_level": string(sum.MaxRiskLevel)},
	}
	if err := collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("adding document: %w", err)
	}
	slog.Debug("PatternMemory indexed summary", "pairing_id", sum.PairingID, "count", collection.Count())
	return nil
}

// RetrieveSummaries returns up to topK plaintext summaries for pairingID, most relevant to
// currentText first, falling back to the most recent ones.
func (m *PatternMemory) RetrieveSummaries(ctx context.Context, pairingID, currentText string) ([]string, error) {
	if pairingID == "" {
		return nil, nil
	}
	if m.indexed() && currentText != "" {
		out, err := m.similar(ctx, pairingID, currentText)
		if err != nil {
			slog.Warn("PatternMemory.RetrieveSummaries: similarity search failed, using recency", "pairing_id", pairingID, "error", err)
		} else if len(out) > 0 {
			return out, nil
		}
	}
	return m.recent(ctx, pairingID)
}

func (m *PatternMemory) similar(ctx context.Context, pairingID, text string) ([]string, error) {
	collection := m.db.GetCollection(collectionPrefix+pairingID, m.embed)
	if collection == nil {
		return nil, nil
	}
	n := m.topK
	count := collection.Count()
	if count == 0 {
		return nil, nil
	}
	if n > count {
		n = count
	}
	results, err := collection.Query(ctx, text, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection: %w", err)
	}
	out := make([]string, 0, len(results))
	for _, r := range results {
		if r.Similarity < m.threshold {
			continue
		}
		plain, err := m.sealer.Open(r.Content)
		if err != nil {
			slog.Warn("PatternMemory: unreadable indexed summary", "id", r.ID, "error", err)
			continue
		}
		out = append(out, plain)
	}
	return out, nil
}

func (m *PatternMemory) recent(ctx context.Context, pairingID string) ([]string, error) {
	sums, err := m.summaries.ListSummaries(ctx, pairingID, m.topK)
	if err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}
	out := make([]string, 0, len(sums))
	for _, s := range sums {
		plain, err := m.sealer.Open(s.Content)
		if err != nil {
			slog.Warn("PatternMemory: unreadable stored summary", "id", s.ID, "error", err)
			continue
		}
		out = append(out, plain)
	}
	return out, nil
}

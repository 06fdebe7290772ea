// Package reframe tracks rewritten drafts awaiting their sender's approval.
//
// Drafts live only in memory, keyed by message id. They are removed on approval, cancellation,
// session cleanup or expiry.
package reframe

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/TalkBridge/internal/flow"
	"github.com/BTreeMap/TalkBridge/internal/models"
)

const (
	// MaxEditIterations caps how many times a draft can be edited.
	MaxEditIterations = 3
	// DefaultTTL is how long an unanswered draft is kept.
	DefaultTTL = 24 * time.Hour
)

type entry struct {
	draft   models.PendingReframe
	timerID string
}

// Tracker is the registry of pending drafts.
type Tracker struct {
	mu     sync.Mutex
	drafts map[string]*entry
	timer  *flow.Timer
	ttl    time.Duration
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTTL sets the draft expiry. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(t *Tracker) { t.ttl = ttl }
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		drafts: make(map[string]*entry),
		timer:  flow.NewTimer(),
		ttl:    DefaultTTL,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register stores draft, replacing any draft with the same message id.
func (t *Tracker) Register(draft models.PendingReframe) {
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now().UTC()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.drafts[draft.MessageID]; ok && old.timerID != "" {
		t.timer.Cancel(old.timerID)
	}
	e := &entry{draft: draft}
	if t.ttl > 0 {
		id := draft.MessageID
		e.timerID = t.timer.ScheduleAfter(t.ttl, "reframe expiry "+id, func() {
			if t.Remove(id) {
				slog.Info("ReframeTracker draft expired", "message_id", id)
			}
		})
	}
	t.drafts[draft.MessageID] = e
	slog.Debug("ReframeTracker Register", "message_id", draft.MessageID, "session_id", draft.SessionID, "edits", draft.EditIterations)
}

// Get returns the draft for messageID.
func (t *Tracker) Get(messageID string) (models.PendingReframe, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.drafts[messageID]
	if !ok {
		return models.PendingReframe{}, false
	}
	return e.draft, true
}

// Update replaces the stored draft text and counters, keeping its expiry. It reports false
// when the draft is gone.
func (t *Tracker) Update(draft models.PendingReframe) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.drafts[draft.MessageID]
	if !ok {
		return false
	}
	e.draft = draft
	return true
}

// Remove deletes the draft for messageID and reports whether it existed.
func (t *Tracker) Remove(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.drafts[messageID]
	if !ok {
		return false
	}
	if e.timerID != "" {
		t.timer.Cancel(e.timerID)
	}
	delete(t.drafts, messageID)
	return true
}

// RemoveAllForSession deletes every draft of sessionID and returns how many were removed.
func (t *Tracker) RemoveAllForSession(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, e := range t.drafts {
		if e.draft.SessionID != sessionID {
			continue
		}
		if e.timerID != "" {
			t.timer.Cancel(e.timerID)
		}
		delete(t.drafts, id)
		n++
	}
	if n > 0 {
		slog.Info("ReframeTracker removed drafts for session", "session_id", sessionID, "count", n)
	}
	return n
}

// Len returns the number of pending drafts.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.drafts)
}

// Stop cancels all expiry timers.
func (t *Tracker) Stop() {
	t.timer.Stop()
}

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/TalkBridge/internal/models"
	"github.com/google/uuid"
)

// InMemoryStore keeps everything in process memory. It is used in tests and when no
// database is configured.
type InMemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]models.Session
	messages  []models.Message
	audits    []models.RiskAudit
	summaries []models.SessionSummary
	inbound   map[string]inboundRecord
	outbox    []OutboxMessage
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]models.Session),
		inbound:  make(map[string]inboundRecord),
	}
}

func (s *InMemoryStore) CreateSession(ctx context.Context, sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	sess.CreatedAt = utc(sess.CreatedAt)
	sess.UpdatedAt = sess.CreatedAt
	s.sessions[sess.ID] = sess
	return nil
}

func (s *InMemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, models.ErrSessionNotFound)
	}
	return &sess, nil
}

func (s *InMemoryStore) FindSessionByInviteToken(ctx context.Context, token string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if token == "" {
		return nil, models.ErrInviteNotFound
	}
	for _, sess := range s.sessions {
		if sess.InviteToken == token {
			return &sess, nil
		}
	}
	return nil, models.ErrInviteNotFound
}

func (s *InMemoryStore) FindOpenSessionForUser(ctx context.Context, userID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.Session
	for _, sess := range s.sessions {
		if sess.UserAID != userID && sess.UserBID != userID {
			continue
		}
		if !isOpen(sess.Status) {
			continue
		}
		if found == nil || sess.UpdatedAt.After(found.UpdatedAt) {
			cp := sess
			found = &cp
		}
	}
	if found == nil {
		return nil, fmt.Errorf("open session for user: %w", models.ErrSessionNotFound)
	}
	return found, nil
}

func (s *InMemoryStore) update(id string, fn func(*models.Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, models.ErrSessionNotFound)
	}
	fn(&sess)
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[id] = sess
	return nil
}

func (s *InMemoryStore) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus, closedAt *time.Time) error {
	return s.update(id, func(sess *models.Session) {
		sess.Status = status
		sess.ClosedAt = closedAt
	})
}

func (s *InMemoryStore) SetInviteToken(ctx context.Context, id, token string) error {
	return s.update(id, func(sess *models.Session) { sess.InviteToken = token })
}

func (s *InMemoryStore) SetSessionPartner(ctx context.Context, id, userBID, pairingID string) error {
	return s.update(id, func(sess *models.Session) {
		sess.UserBID = userBID
		sess.PairingID = pairingID
		sess.InviteToken = ""
	})
}

func (s *InMemoryStore) IncrementMirrorAttempts(ctx context.Context, id string) (int, error) {
	var n int
	err := s.update(id, func(sess *models.Session) {
		sess.MirrorAttempts++
		n = sess.MirrorAttempts
	})
	return n, err
}

func (s *InMemoryStore) ListSessionsByStatus(ctx context.Context, status models.SessionStatus, updatedBefore time.Time) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.Status == status && sess.UpdatedAt.Before(updatedBefore) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// SetSessionUpdatedAt overrides the update time of a session (for tests of expiry sweeps).
func (s *InMemoryStore) SetSessionUpdatedAt(id string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.UpdatedAt = t
		s.sessions[id] = sess
	}
}

func (s *InMemoryStore) AddMessage(ctx context.Context, m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.CreatedAt = utc(m.CreatedAt)
	s.messages = append(s.messages, m)
	return nil
}

func (s *InMemoryStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Message
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *InMemoryStore) MarkMessageDelivery(ctx context.Context, id string, approved, delivered bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Approved = approved
			s.messages[i].Delivered = delivered
			return nil
		}
	}
	return fmt.Errorf("message %s not found", id)
}

func (s *InMemoryStore) AddRiskAudit(ctx context.Context, a models.RiskAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.CreatedAt = utc(a.CreatedAt)
	s.audits = append(s.audits, a)
	return nil
}

func (s *InMemoryStore) ListRiskAudits(ctx context.Context, sessionID string) ([]models.RiskAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.RiskAudit
	for _, a := range s.audits {
		if a.SessionID == sessionID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *InMemoryStore) AddSummary(ctx context.Context, sum models.SessionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum.CreatedAt = utc(sum.CreatedAt)
	s.summaries = append(s.summaries, sum)
	return nil
}

func (s *InMemoryStore) ListSummaries(ctx context.Context, pairingID string, limit int) ([]models.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.SessionSummary
	for _, sum := range s.summaries {
		if sum.PairingID == pairingID {
			out = append(out, sum)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, sender string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.inbound[messageID]; seen {
		return false, nil
	}
	s.inbound[messageID] = inboundRecord{sender: sender, receivedAt: time.Now().UTC()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.inbound[messageID]; ok {
		now := time.Now().UTC()
		rec.processedAt = &now
		s.inbound[messageID] = rec
	}
	return nil
}

func (s *InMemoryStore) EnqueueOutbox(ctx context.Context, msg OutboxMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.DedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == msg.DedupeKey {
				return m.ID, nil
			}
		}
	}
	now := time.Now().UTC()
	msg.ID = uuid.NewString()
	msg.Status = OutboxStatusQueued
	msg.Attempts = 0
	msg.NextAttemptAt, msg.LockedAt, msg.LastError = nil, nil, ""
	msg.CreatedAt, msg.UpdatedAt = now, now
	s.outbox = append(s.outbox, msg)
	return msg.ID, nil
}

func (s *InMemoryStore) ClaimOutbox(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []OutboxMessage
	for i := range s.outbox {
		if len(claimed) >= limit {
			break
		}
		m := &s.outbox[i]
		if m.Status != OutboxStatusQueued || (m.NextAttemptAt != nil && m.NextAttemptAt.After(now)) {
			continue
		}
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		claimed = append(claimed, *m)
	}
	return claimed, nil
}

func (s *InMemoryStore) settleOutbox(id string, status OutboxStatus, lastError string, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		m := &s.outbox[i]
		if m.ID != id {
			continue
		}
		m.Status = status
		m.Attempts++
		m.LastError = lastError
		m.NextAttemptAt = next
		m.LockedAt = nil
		m.UpdatedAt = time.Now().UTC()
		return nil
	}
	return fmt.Errorf("outbox message %s not found", id)
}

func (s *InMemoryStore) CompleteOutbox(ctx context.Context, id string) error {
	return s.settleOutbox(id, OutboxStatusSent, "", nil)
}

func (s *InMemoryStore) RetryOutbox(ctx context.Context, id, lastError string, next time.Time) error {
	return s.settleOutbox(id, OutboxStatusQueued, lastError, &next)
}

func (s *InMemoryStore) CancelOutbox(ctx context.Context, id, reason string) error {
	return s.settleOutbox(id, OutboxStatusCanceled, reason, nil)
}

func (s *InMemoryStore) RequeueStaleOutbox(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.outbox {
		m := &s.outbox[i]
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

// OutboxMessages returns a copy of the outbox (for tests and admin inspection).
func (s *InMemoryStore) OutboxMessages() []OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]OutboxMessage(nil), s.outbox...)
}

func (s *InMemoryStore) Close() error { return nil }

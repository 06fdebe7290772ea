package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/TalkBridge/internal/models"
	"github.com/google/uuid"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL backends. Queries are written
// with ? placeholders and rebound for PostgreSQL.
type sqlStore struct {
	db      *sql.DB
	name    string
	numeric bool
}

// prepareDB checks the connection and applies the embedded schema. The connection is closed
// on failure.
func prepareDB(db *sql.DB, name, migrations string, numeric bool) (sqlStore, error) {
	if err := db.Ping(); err != nil {
		db.Close()
		slog.Error(name+": ping failed", "error", err)
		return sqlStore{}, fmt.Errorf("%s: ping failed: %w", name, err)
	}
	if _, err := db.Exec(migrations); err != nil {
		db.Close()
		slog.Error(name+": migrations failed", "error", err)
		return sqlStore{}, fmt.Errorf("%s: failed to apply schema: %w", name, err)
	}
	slog.Debug(name+": schema ready", "numeric_placeholders", numeric)
	return sqlStore{db: db, name: name, numeric: numeric}, nil
}

// q rebinds ? placeholders to $n when the backend needs numbered parameters.
func (s *sqlStore) q(query string) string {
	if !s.numeric {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

const sessionColumns = `id, pairing_id, user_a_id, user_b_id, status, invite_token, mirror_attempts, created_at, updated_at, closed_at`

func scanSession(row rowScanner) (models.Session, error) {
	var sess models.Session
	var pairingID, userB, token sql.NullString
	var closedAt sql.NullTime
	err := row.Scan(&sess.ID, &pairingID, &sess.UserAID, &userB, &sess.Status, &token,
		&sess.MirrorAttempts, &sess.CreatedAt, &sess.UpdatedAt, &closedAt)
	if err != nil {
		return sess, err
	}
	sess.PairingID = pairingID.String
	sess.UserBID = userB.String
	sess.InviteToken = token.String
	if closedAt.Valid {
		t := closedAt.Time
		sess.ClosedAt = &t
	}
	return sess, nil
}

func (s *sqlStore) CreateSession(ctx context.Context, sess models.Session) error {
	created := utc(sess.CreatedAt)
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, nilIfEmpty(sess.PairingID), sess.UserAID, nilIfEmpty(sess.UserBID), sess.Status,
		nilIfEmpty(sess.InviteToken), sess.MirrorAttempts, created, created, nil)
	if err != nil {
		slog.Error(s.name+" CreateSession failed", "session_id", sess.ID, "error", err)
		return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
	}
	slog.Debug(s.name+" CreateSession succeeded", "session_id", sess.ID, "status", sess.Status)
	return nil
}

func (s *sqlStore) getSessionBy(ctx context.Context, where string, arg any) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+sessionColumns+` FROM sessions WHERE `+where), arg)
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *sqlStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := s.getSessionBy(ctx, `id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, models.ErrSessionNotFound)
	}
	if err != nil {
		slog.Error(s.name+" GetSession failed", "session_id", id, "error", err)
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return sess, nil
}

func (s *sqlStore) FindSessionByInviteToken(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, models.ErrInviteNotFound
	}
	sess, err := s.getSessionBy(ctx, `invite_token = ?`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrInviteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up invite: %w", err)
	}
	return sess, nil
}

func (s *sqlStore) FindOpenSessionForUser(ctx context.Context, userID string) (*models.Session, error) {
	placeholders := make([]string, len(openStatuses))
	args := []any{userID, userID}
	for i, st := range openStatuses {
		placeholders[i] = "?"
		args = append(args, st)
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE (user_a_id = ? OR user_b_id = ?) AND status IN (` +
		strings.Join(placeholders, ", ") + `) ORDER BY updated_at DESC LIMIT 1`
	sess, err := scanSession(s.db.QueryRowContext(ctx, s.q(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("open session for user: %w", models.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open session: %w", err)
	}
	return &sess, nil
}

func (s *sqlStore) execOne(ctx context.Context, op, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		slog.Error(s.name+" "+op+" failed", "id", id, "error", err)
		return fmt.Errorf("%s %s failed: %w", op, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s rows affected check failed: %w", op, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, id, models.ErrSessionNotFound)
	}
	return nil
}

func (s *sqlStore) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus, closedAt *time.Time) error {
	var closed any
	if closedAt != nil {
		closed = closedAt.UTC()
	}
	return s.execOne(ctx, "UpdateSessionStatus", id,
		`UPDATE sessions SET status = ?, closed_at = ?, updated_at = ? WHERE id = ?`,
		status, closed, time.Now().UTC(), id)
}

func (s *sqlStore) SetInviteToken(ctx context.Context, id, token string) error {
	return s.execOne(ctx, "SetInviteToken", id,
		`UPDATE sessions SET invite_token = ?, updated_at = ? WHERE id = ?`,
		nilIfEmpty(token), time.Now().UTC(), id)
}

func (s *sqlStore) SetSessionPartner(ctx context.Context, id, userBID, pairingID string) error {
	return s.execOne(ctx, "SetSessionPartner", id,
		`UPDATE sessions SET user_b_id = ?, pairing_id = ?, invite_token = NULL, updated_at = ? WHERE id = ?`,
		userBID, pairingID, time.Now().UTC(), id)
}

func (s *sqlStore) IncrementMirrorAttempts(ctx context.Context, id string) (int, error) {
	if err := s.execOne(ctx, "IncrementMirrorAttempts", id,
		`UPDATE sessions SET mirror_attempts = mirror_attempts + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT mirror_attempts FROM sessions WHERE id = ?`), id).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to read mirror attempts for %s: %w", id, err)
	}
	return n, nil
}

func (s *sqlStore) ListSessionsByStatus(ctx context.Context, status models.SessionStatus, updatedBefore time.Time) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+sessionColumns+` FROM sessions WHERE status = ? AND updated_at < ? ORDER BY updated_at ASC`),
		status, updatedBefore.UTC())
	if err != nil {
		slog.Error(s.name+" ListSessionsByStatus query failed", "status", status, "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return out, nil
}

const messageColumns = `id, session_id, sender, recipient, kind, content, risk_level, topic, external_id, approved, delivered, created_at`

func (s *sqlStore) AddMessage(ctx context.Context, m models.Message) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.SessionID, m.Sender, nilIfEmpty(string(m.Recipient)), m.Kind, m.Content,
		nilIfEmpty(string(m.RiskLevel)), nilIfEmpty(string(m.Topic)), nilIfEmpty(m.ExternalID),
		m.Approved, m.Delivered, utc(m.CreatedAt))
	if err != nil {
		slog.Error(s.name+" AddMessage failed", "session_id", m.SessionID, "error", err)
		return fmt.Errorf("failed to insert message for session %s: %w", m.SessionID, err)
	}
	slog.Debug(s.name+" AddMessage succeeded", "session_id", m.SessionID, "kind", m.Kind)
	return nil
}

func (s *sqlStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = ? ORDER BY created_at ASC, seq ASC`
	args := []any{sessionID}
	if limit > 0 {
		query = `SELECT ` + messageColumns + ` FROM (SELECT ` + messageColumns + `, seq FROM messages WHERE session_id = ?
			ORDER BY created_at DESC, seq DESC LIMIT ?) AS recent ORDER BY created_at ASC, seq ASC`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		slog.Error(s.name+" ListMessages query failed", "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		var recipient, level, topic, external sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Sender, &recipient, &m.Kind, &m.Content, &level, &topic,
			&external, &m.Approved, &m.Delivered, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.Recipient = models.Role(recipient.String)
		m.RiskLevel = models.RiskLevel(level.String)
		m.Topic = models.Topic(topic.String)
		m.ExternalID = external.String
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) MarkMessageDelivery(ctx context.Context, id string, approved, delivered bool) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE messages SET approved = ?, delivered = ? WHERE id = ?`), approved, delivered, id)
	if err != nil {
		return fmt.Errorf("failed to update delivery flags for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s not found", id)
	}
	return nil
}

func (s *sqlStore) AddRiskAudit(ctx context.Context, a models.RiskAudit) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO risk_audits (id, session_id, sender, level, topic, action_required, reasoning, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.SessionID, a.Sender, a.Level, a.Topic, a.ActionRequired, a.Reasoning, utc(a.CreatedAt))
	if err != nil {
		slog.Error(s.name+" AddRiskAudit failed", "session_id", a.SessionID, "error", err)
		return fmt.Errorf("failed to insert risk audit: %w", err)
	}
	return nil
}

func (s *sqlStore) ListRiskAudits(ctx context.Context, sessionID string) ([]models.RiskAudit, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, session_id, sender, level, topic, action_required, reasoning, created_at
		FROM risk_audits WHERE session_id = ? ORDER BY created_at ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk audits: %w", err)
	}
	defer rows.Close()

	var out []models.RiskAudit
	for rows.Next() {
		var a models.RiskAudit
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Sender, &a.Level, &a.Topic, &a.ActionRequired, &a.Reasoning, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk audit row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate risk audit rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) AddSummary(ctx context.Context, sum models.SessionSummary) error {
	var themes string
	if len(sum.Themes) > 0 {
		b, err := json.Marshal(sum.Themes)
		if err != nil {
			return fmt.Errorf("failed to encode themes: %w", err)
		}
		themes = string(b)
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO session_summaries (id, session_id, pairing_id, content, themes, max_risk_level, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		sum.ID, sum.SessionID, sum.PairingID, sum.Content, nilIfEmpty(themes), sum.MaxRiskLevel, utc(sum.CreatedAt))
	if err != nil {
		slog.Error(s.name+" AddSummary failed", "session_id", sum.SessionID, "error", err)
		return fmt.Errorf("failed to insert summary: %w", err)
	}
	return nil
}

func (s *sqlStore) ListSummaries(ctx context.Context, pairingID string, limit int) ([]models.SessionSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, session_id, pairing_id, content, themes, max_risk_level, created_at
		FROM session_summaries WHERE pairing_id = ? ORDER BY created_at DESC LIMIT ?`), pairingID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	var out []models.SessionSummary
	for rows.Next() {
		var sum models.SessionSummary
		var themes sql.NullString
		if err := rows.Scan(&sum.ID, &sum.SessionID, &sum.PairingID, &sum.Content, &themes, &sum.MaxRiskLevel, &sum.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		if themes.String != "" {
			if err := json.Unmarshal([]byte(themes.String), &sum.Themes); err != nil {
				slog.Warn(s.name+" ListSummaries: unreadable themes", "id", sum.ID, "error", err)
			}
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate summary rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) RecordInbound(ctx context.Context, messageID, sender string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO inbound_dedup (message_id, sender, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`),
		messageID, sender, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to record inbound message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read dedup result: %w", err)
	}
	return n == 1, nil
}

func (s *sqlStore) MarkProcessed(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`), time.Now().UTC(), messageID); err != nil {
		return fmt.Errorf("failed to mark inbound message processed: %w", err)
	}
	return nil
}

const outboxColumns = `id, recipient, kind, payload, dedupe_key, status, attempts, next_attempt_at, locked_at, last_error, created_at, updated_at`

func scanOutbox(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var dedupeKey, lastError sql.NullString
	var next, locked sql.NullTime
	if err := row.Scan(&m.ID, &m.Recipient, &m.Kind, &m.Payload, &dedupeKey, &m.Status, &m.Attempts,
		&next, &locked, &lastError, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return m, fmt.Errorf("failed to scan outbox row: %w", err)
	}
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if next.Valid {
		t := next.Time
		m.NextAttemptAt = &t
	}
	if locked.Valid {
		t := locked.Time
		m.LockedAt = &t
	}
	return m, nil
}

func (s *sqlStore) EnqueueOutbox(ctx context.Context, msg OutboxMessage) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO outbox_messages (id, recipient, kind, payload, dedupe_key, status, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?) ON CONFLICT (dedupe_key) DO NOTHING`),
		id, msg.Recipient, msg.Kind, msg.Payload, nilIfEmpty(msg.DedupeKey), OutboxStatusQueued, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue outbox message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		slog.Debug(s.name+" EnqueueOutbox", "id", id, "kind", msg.Kind)
		return id, nil
	}
	var existing string
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT id FROM outbox_messages WHERE dedupe_key = ?`), msg.DedupeKey).Scan(&existing); err != nil {
		return "", fmt.Errorf("failed to load deduplicated outbox message: %w", err)
	}
	slog.Debug(s.name+" EnqueueOutbox: duplicate", "dedupe_key", msg.DedupeKey, "id", existing)
	return existing, nil
}

func (s *sqlStore) ClaimOutbox(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	now = now.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin outbox claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		s.q(`SELECT `+outboxColumns+` FROM outbox_messages
		 WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`),
		OutboxStatusQueued, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due outbox messages: %w", err)
	}
	var claimed []OutboxMessage
	for rows.Next() {
		m, err := scanOutbox(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox rows: %w", err)
	}

	for i := range claimed {
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE outbox_messages SET status = ?, locked_at = ?, updated_at = ? WHERE id = ?`),
			OutboxStatusSending, now, now, claimed[i].ID); err != nil {
			return nil, fmt.Errorf("failed to claim outbox message %s: %w", claimed[i].ID, err)
		}
		claimed[i].Status = OutboxStatusSending
		locked := now
		claimed[i].LockedAt = &locked
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit outbox claim: %w", err)
	}
	return claimed, nil
}

// settleOutbox moves a message out of sending. Every settle counts one send attempt.
func (s *sqlStore) settleOutbox(ctx context.Context, id string, status OutboxStatus, lastError string, next *time.Time) error {
	var nextAt any
	if next != nil {
		nextAt = next.UTC()
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE outbox_messages SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
		status, nilIfEmpty(lastError), nextAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set outbox message %s to %s: %w", id, status, err)
	}
	return nil
}

func (s *sqlStore) CompleteOutbox(ctx context.Context, id string) error {
	return s.settleOutbox(ctx, id, OutboxStatusSent, "", nil)
}

func (s *sqlStore) RetryOutbox(ctx context.Context, id, lastError string, next time.Time) error {
	return s.settleOutbox(ctx, id, OutboxStatusQueued, lastError, &next)
}

func (s *sqlStore) CancelOutbox(ctx context.Context, id, reason string) error {
	return s.settleOutbox(ctx, id, OutboxStatusCanceled, reason, nil)
}

func (s *sqlStore) RequeueStaleOutbox(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE outbox_messages SET status = ?, locked_at = NULL, updated_at = ? WHERE status = ? AND locked_at < ?`),
		OutboxStatusQueued, time.Now().UTC(), OutboxStatusSending, staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale outbox messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Closing " + s.name + " database connection")
	if err := s.db.Close(); err != nil {
		slog.Error("Failed to close "+s.name+" database", "error", err)
		return err
	}
	return nil
}

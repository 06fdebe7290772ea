// Package store provides storage backends for TalkBridge.
//
// Sessions, messages, risk audits and close summaries are kept in SQLite or PostgreSQL, with an
// in-memory implementation for tests and ephemeral runs. Message and summary content arrives
// sealed; the store never sees plaintext.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/TalkBridge/internal/models"
)

// Opts holds store configuration.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// ErrDSNRequired is returned by the SQL constructors when no DSN is configured.
var ErrDSNRequired = errors.New("database DSN not set")

func resolveOpts(opts []Option) Opts {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// Database driver names returned by DetectDSNType.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// DetectDSNType returns the driver for dsn: PostgreSQL URLs and key=value strings select
// postgres, anything else is treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DriverPostgres
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "user=") {
		return DriverPostgres
	}
	return DriverSQLite
}

// Open returns the backend matching dsn.
func Open(dsn string) (Store, error) {
	switch DetectDSNType(dsn) {
	case DriverPostgres:
		return NewPostgresStore(WithPostgresDSN(dsn))
	case DriverSQLite:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	default:
		return nil, fmt.Errorf("unsupported DSN %q", dsn)
	}
}

// SessionRepo persists sessions.
type SessionRepo interface {
	CreateSession(ctx context.Context, s models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	// FindSessionByInviteToken returns models.ErrInviteNotFound for unknown or used tokens.
	FindSessionByInviteToken(ctx context.Context, token string) (*models.Session, error)
	// FindOpenSessionForUser returns the most recent non-terminal session the user takes part in.
	FindOpenSessionForUser(ctx context.Context, userID string) (*models.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus, closedAt *time.Time) error
	// SetInviteToken stores a fresh invite token for a session.
	SetInviteToken(ctx context.Context, id, token string) error
	// SetSessionPartner records the second participant and clears the invite token.
	SetSessionPartner(ctx context.Context, id, userBID, pairingID string) error
	IncrementMirrorAttempts(ctx context.Context, id string) (int, error)
	ListSessionsByStatus(ctx context.Context, status models.SessionStatus, updatedBefore time.Time) ([]models.Session, error)
}

// MessageRepo persists conversation messages. Messages are append-only apart from the
// approval and delivery flags of reframes.
type MessageRepo interface {
	AddMessage(ctx context.Context, m models.Message) error
	// ListMessages returns the latest limit messages of a session in chronological order.
	// A limit of zero or less returns all of them.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
	MarkMessageDelivery(ctx context.Context, id string, approved, delivered bool) error
}

// AuditRepo persists risk classification audits.
type AuditRepo interface {
	AddRiskAudit(ctx context.Context, a models.RiskAudit) error
	ListRiskAudits(ctx context.Context, sessionID string) ([]models.RiskAudit, error)
}

// SummaryRepo persists close summaries.
type SummaryRepo interface {
	AddSummary(ctx context.Context, s models.SessionSummary) error
	// ListSummaries returns up to limit summaries for a pairing, newest first.
	ListSummaries(ctx context.Context, pairingID string, limit int) ([]models.SessionSummary, error)
}

// Store is the full storage surface.
type Store interface {
	SessionRepo
	MessageRepo
	AuditRepo
	SummaryRepo
	DedupRepo
	OutboxRepo
	Close() error
}

// openStatuses lists statuses in which a session still belongs to its participants.
var openStatuses = []models.SessionStatus{
	models.StatusInviteCrafting,
	models.StatusInvitePending,
	models.StatusPendingPartnerConsent,
	models.StatusReflectionGate,
	models.StatusActive,
	models.StatusAsyncCoaching,
	models.StatusPaused,
}

func isOpen(status models.SessionStatus) bool {
	for _, s := range openStatuses {
		if s == status {
			return true
		}
	}
	return false
}

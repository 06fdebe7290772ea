package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/BTreeMap/TalkBridge/internal/actorlock"
	"github.com/BTreeMap/TalkBridge/internal/models"
)

// DefaultPausedMaxAge is how long a session may stay PAUSED before the sweep closes it.
const DefaultPausedMaxAge = 72 * time.Hour

// Closer lists expired PAUSED sessions and closes one after re-checking its live status.
type Closer interface {
	ExpiredSessions(ctx context.Context, maxAge time.Duration) ([]models.Session, error)
	CloseIfExpired(ctx context.Context, sessionID string, maxAge time.Duration) (bool, error)
}

// SessionLoader loads a session snapshot.
type SessionLoader interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
}

// Summarizer builds the close summary of a session and returns its closing note.
type Summarizer interface {
	Summarize(ctx context.Context, sess models.Session) (string, error)
}

// Cleaner drops volatile per-session state.
type Cleaner interface {
	CleanupSession(sessionID string)
}

// Notifier delivers a text to a participant.
type Notifier interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// ExpirySweep closes expired PAUSED sessions, then cleans up, summarizes and notifies for each.
type ExpirySweep struct {
	closer     Closer
	sessions   SessionLoader
	maxAge     time.Duration
	summarizer Summarizer
	cleaner    Cleaner
	notifier   Notifier
	lock       *actorlock.Lock
}

// SweepOption configures an ExpirySweep.
type SweepOption func(*ExpirySweep)

// WithSummarizer summarizes every closed session.
func WithSummarizer(s Summarizer) SweepOption {
	return func(e *ExpirySweep) { e.summarizer = s }
}

// WithCleaner clears volatile state of every closed session.
func WithCleaner(c Cleaner) SweepOption {
	return func(e *ExpirySweep) { e.cleaner = c }
}

// WithNotifier sends the closing note to both participants.
func WithNotifier(n Notifier) SweepOption {
	return func(e *ExpirySweep) { e.notifier = n }
}

// WithActorLock closes each session while holding its participants' keys, the same keys the
// message router serializes on.
func WithActorLock(l *actorlock.Lock) SweepOption {
	return func(e *ExpirySweep) { e.lock = l }
}

// NewExpirySweep creates an ExpirySweep. A non-positive maxAge uses DefaultPausedMaxAge.
func NewExpirySweep(closer Closer, sessions SessionLoader, maxAge time.Duration, opts ...SweepOption) *ExpirySweep {
	if maxAge <= 0 {
		maxAge = DefaultPausedMaxAge
	}
	e := &ExpirySweep{closer: closer, sessions: sessions, maxAge: maxAge}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxAge returns the PAUSED age after which sessions close.
func (e *ExpirySweep) MaxAge() time.Duration {
	return e.maxAge
}

// Run performs one sweep and returns the ids it closed. Follow-up failures are logged per session.
func (e *ExpirySweep) Run(ctx context.Context) ([]string, error) {
	candidates, err := e.closer.ExpiredSessions(ctx, e.maxAge)
	if err != nil {
		return nil, err
	}
	var closed []string
	for _, sess := range candidates {
		ok, err := e.closeOne(ctx, sess)
		if err != nil {
			slog.Error("ExpirySweep.Run: close failed", "session_id", sess.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		closed = append(closed, sess.ID)
		e.followUp(ctx, sess.ID)
	}
	if len(closed) > 0 {
		slog.Info("ExpirySweep.Run closed sessions", "count", len(closed), "candidates", len(candidates))
	}
	return closed, nil
}

// closeOne closes and cleans up sess while its participants cannot act.
func (e *ExpirySweep) closeOne(ctx context.Context, sess models.Session) (bool, error) {
	var closed bool
	err := e.holding(participantKeys(sess), func() error {
		ok, err := e.closer.CloseIfExpired(ctx, sess.ID, e.maxAge)
		if err != nil || !ok {
			return err
		}
		closed = true
		if e.cleaner != nil {
			e.cleaner.CleanupSession(sess.ID)
		}
		return nil
	})
	return closed, err
}

// holding runs fn with every key held, acquired in order.
func (e *ExpirySweep) holding(keys []string, fn func() error) error {
	if e.lock == nil || len(keys) == 0 {
		return fn()
	}
	return e.lock.Do(keys[0], func() error {
		return e.holding(keys[1:], fn)
	})
}

// participantKeys returns the distinct participant ids of sess in sorted order, so two sweeps
// over sessions sharing a participant acquire keys in the same order.
func participantKeys(sess models.Session) []string {
	var keys []string
	for _, id := range []string{sess.UserAID, sess.UserBID} {
		if id != "" && (len(keys) == 0 || keys[0] != id) {
			keys = append(keys, id)
		}
	}
	sort.Strings(keys)
	return keys
}

func (e *ExpirySweep) followUp(ctx context.Context, id string) {
	if e.summarizer == nil {
		return
	}
	sess, err := e.sessions.GetSession(ctx, id)
	if err != nil {
		slog.Error("ExpirySweep.followUp: load failed", "session_id", id, "error", err)
		return
	}
	note, err := e.summarizer.Summarize(ctx, *sess)
	if err != nil {
		slog.Error("ExpirySweep.followUp: summarize failed", "session_id", id, "error", err)
		return
	}
	if note == "" || e.notifier == nil {
		return
	}
	for _, to := range []string{sess.UserAID, sess.UserBID} {
		if to == "" {
			continue
		}
		if err := e.notifier.SendMessage(ctx, to, note); err != nil {
			slog.Warn("ExpirySweep.followUp: notify failed", "session_id", id, "error", err)
		}
	}
}

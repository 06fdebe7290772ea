package store

import (
	"context"
	"errors"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/BTreeMap/TalkBridge/internal/models"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{"memory": NewInMemoryStore()}

	sqlite, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(t.TempDir(), "talkbridge.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	out["sqlite"] = sqlite

	if dsn, ok := syscall.Getenv("DATABASE_URL"); ok && dsn != "" {
		pg, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err == nil {
			for _, table := range []string{"sessions", "messages", "risk_audits", "session_summaries", "inbound_dedup", "outbox_messages"} {
				pg.db.Exec("DELETE FROM " + table)
			}
			t.Cleanup(func() { pg.Close() })
			out["postgres"] = pg
		}
	}
	return out
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			sess := models.Session{ID: "s1", UserAID: "alice", Status: models.StatusInvitePending, InviteToken: "tok123"}
			if err := s.CreateSession(ctx, sess); err != nil {
				t.Fatalf("CreateSession failed: %v", err)
			}

			got, err := s.GetSession(ctx, "s1")
			if err != nil {
				t.Fatalf("GetSession failed: %v", err)
			}
			if got.UserAID != "alice" || got.Status != models.StatusInvitePending || got.ClosedAt != nil {
				t.Errorf("unexpected session: %+v", got)
			}

			byToken, err := s.FindSessionByInviteToken(ctx, "tok123")
			if err != nil || byToken.ID != "s1" {
				t.Fatalf("expected invite lookup to find s1, got %v %v", byToken, err)
			}

			if err := s.SetSessionPartner(ctx, "s1", "bob", "pair-1"); err != nil {
				t.Fatalf("SetSessionPartner failed: %v", err)
			}
			if _, err := s.FindSessionByInviteToken(ctx, "tok123"); !errors.Is(err, models.ErrInviteNotFound) {
				t.Errorf("expected used token to be gone, got %v", err)
			}

			open, err := s.FindOpenSessionForUser(ctx, "bob")
			if err != nil || open.ID != "s1" || open.PairingID != "pair-1" {
				t.Fatalf("expected open session for bob, got %v %v", open, err)
			}

			n, err := s.IncrementMirrorAttempts(ctx, "s1")
			if err != nil || n != 1 {
				t.Errorf("expected 1 mirror attempt, got %d %v", n, err)
			}

			closed := time.Now().UTC().Truncate(time.Second)
			if err := s.UpdateSessionStatus(ctx, "s1", models.StatusClosed, &closed); err != nil {
				t.Fatalf("UpdateSessionStatus failed: %v", err)
			}
			got, _ = s.GetSession(ctx, "s1")
			if got.Status != models.StatusClosed || got.ClosedAt == nil || !got.ClosedAt.Equal(closed) {
				t.Errorf("expected closed session with timestamp, got %+v", got)
			}
			if _, err := s.FindOpenSessionForUser(ctx, "alice"); !errors.Is(err, models.ErrSessionNotFound) {
				t.Errorf("expected no open session after close, got %v", err)
			}
		})
	}
}

func TestSessionNotFound(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, models.ErrSessionNotFound) {
				t.Errorf("expected ErrSessionNotFound, got %v", err)
			}
			if err := s.UpdateSessionStatus(ctx, "missing", models.StatusActive, nil); !errors.Is(err, models.ErrSessionNotFound) {
				t.Errorf("expected ErrSessionNotFound on update, got %v", err)
			}
		})
	}
}

func TestListSessionsByStatus(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s.CreateSession(ctx, models.Session{ID: "p1", UserAID: "a", Status: models.StatusPaused})
			s.CreateSession(ctx, models.Session{ID: "a1", UserAID: "b", Status: models.StatusActive})

			got, err := s.ListSessionsByStatus(ctx, models.StatusPaused, time.Now().Add(time.Minute))
			if err != nil {
				t.Fatalf("ListSessionsByStatus failed: %v", err)
			}
			if len(got) != 1 || got[0].ID != "p1" {
				t.Errorf("expected only p1, got %+v", got)
			}
			got, _ = s.ListSessionsByStatus(ctx, models.StatusPaused, time.Now().Add(-time.Hour))
			if len(got) != 0 {
				t.Errorf("expected nothing older than an hour ago, got %d", len(got))
			}
		})
	}
}

func TestMessagesOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i, id := range []string{"m1", "m2", "m3"} {
				err := s.AddMessage(ctx, models.Message{
					ID: id, SessionID: "s1", Sender: models.RoleUserA, Kind: models.MessageKindText,
					Content: "v1:opaque", RiskLevel: models.RiskL1, CreatedAt: base.Add(time.Duration(i) * time.Minute),
				})
				if err != nil {
					t.Fatalf("AddMessage failed: %v", err)
				}
			}
			s.AddMessage(ctx, models.Message{ID: "other", SessionID: "s2", Sender: models.RoleUserA, Kind: models.MessageKindText, Content: "x"})

			all, err := s.ListMessages(ctx, "s1", 0)
			if err != nil {
				t.Fatalf("ListMessages failed: %v", err)
			}
			if len(all) != 3 || all[0].ID != "m1" || all[2].ID != "m3" {
				t.Errorf("expected m1..m3 in order, got %+v", all)
			}
			recent, _ := s.ListMessages(ctx, "s1", 2)
			if len(recent) != 2 || recent[0].ID != "m2" || recent[1].ID != "m3" {
				t.Errorf("expected latest two in chronological order, got %+v", recent)
			}

			if err := s.MarkMessageDelivery(ctx, "m2", true, true); err != nil {
				t.Fatalf("MarkMessageDelivery failed: %v", err)
			}
			all, _ = s.ListMessages(ctx, "s1", 0)
			if !all[1].Approved || !all[1].Delivered || all[0].Approved {
				t.Error("expected only m2 flagged as delivered")
			}
		})
	}
}

func TestAuditsAndSummaries(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s.AddRiskAudit(ctx, models.RiskAudit{ID: "r1", SessionID: "s1", Sender: models.RoleUserA, Level: models.RiskL3Plus,
				Topic: models.TopicFallback, ActionRequired: "monitor", Reasoning: "raised voice"})
			audits, err := s.ListRiskAudits(ctx, "s1")
			if err != nil || len(audits) != 1 || audits[0].Level != models.RiskL3Plus {
				t.Fatalf("unexpected audits: %+v %v", audits, err)
			}

			old := time.Now().UTC().Add(-48 * time.Hour)
			s.AddSummary(ctx, models.SessionSummary{ID: "sum1", SessionID: "s0", PairingID: "pair", Content: "v1:a",
				MaxRiskLevel: models.RiskL2, CreatedAt: old})
			s.AddSummary(ctx, models.SessionSummary{ID: "sum2", SessionID: "s1", PairingID: "pair", Content: "v1:b",
				Themes: []string{"chores", "time"}, MaxRiskLevel: models.RiskL1})
			sums, err := s.ListSummaries(ctx, "pair", 1)
			if err != nil {
				t.Fatalf("ListSummaries failed: %v", err)
			}
			if len(sums) != 1 || sums[0].ID != "sum2" || len(sums[0].Themes) != 2 {
				t.Errorf("expected newest summary with themes, got %+v", sums)
			}
		})
	}
}

func TestDedup(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			first, err := s.RecordInbound(ctx, "wamid-1", "alice")
			if err != nil || !first {
				t.Fatalf("expected first record to be new, got %v %v", first, err)
			}
			again, err := s.RecordInbound(ctx, "wamid-1", "alice")
			if err != nil || again {
				t.Errorf("expected duplicate on second record, got %v %v", again, err)
			}
			if err := s.MarkProcessed(ctx, "wamid-1"); err != nil {
				t.Errorf("MarkProcessed failed: %v", err)
			}
			if err := s.MarkProcessed(ctx, "never-seen"); err != nil {
				t.Errorf("MarkProcessed on an unknown id should be a no-op, got %v", err)
			}
		})
	}
}

func reframeDelivery(key string) OutboxMessage {
	return OutboxMessage{Recipient: "bob", Kind: OutboxKindReframe, Payload: `{"draft_id":"d1"}`, DedupeKey: key}
}

func TestOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id, err := s.EnqueueOutbox(ctx, reframeDelivery("reframe:d1"))
			if err != nil {
				t.Fatalf("EnqueueOutbox failed: %v", err)
			}
			dupID, err := s.EnqueueOutbox(ctx, reframeDelivery("reframe:d1"))
			if err != nil || dupID != id {
				t.Errorf("expected dedupe to return %s, got %s (%v)", id, dupID, err)
			}

			claimed, err := s.ClaimOutbox(ctx, time.Now().Add(time.Second), 10)
			if err != nil || len(claimed) != 1 || claimed[0].Status != OutboxStatusSending {
				t.Fatalf("expected one claimed message, got %+v %v", claimed, err)
			}
			if claimed[0].Recipient != "bob" || claimed[0].Payload != `{"draft_id":"d1"}` {
				t.Errorf("unexpected claimed message %+v", claimed[0])
			}
			if again, _ := s.ClaimOutbox(ctx, time.Now().Add(time.Second), 10); len(again) != 0 {
				t.Error("expected claimed message not to be claimed twice")
			}

			if err := s.RetryOutbox(ctx, id, "timeout", time.Now().Add(time.Hour)); err != nil {
				t.Fatalf("RetryOutbox failed: %v", err)
			}
			if notDue, _ := s.ClaimOutbox(ctx, time.Now().Add(time.Second), 10); len(notDue) != 0 {
				t.Error("expected retried message to wait for its next attempt")
			}
			due, _ := s.ClaimOutbox(ctx, time.Now().Add(2*time.Hour), 10)
			if len(due) != 1 || due[0].Attempts != 1 || due[0].LastError != "timeout" {
				t.Fatalf("expected retry with one attempt, got %+v", due)
			}
			if err := s.CompleteOutbox(ctx, id); err != nil {
				t.Fatalf("CompleteOutbox failed: %v", err)
			}
			if dup, _ := s.EnqueueOutbox(ctx, reframeDelivery("reframe:d1")); dup != id {
				t.Error("expected a delivered message to still dedupe")
			}
		})
	}
}

func TestOutboxWithoutDedupeKey(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			a, _ := s.EnqueueOutbox(ctx, reframeDelivery(""))
			b, _ := s.EnqueueOutbox(ctx, reframeDelivery(""))
			if a == "" || a == b {
				t.Errorf("expected two distinct messages, got %q and %q", a, b)
			}
			id, _ := s.EnqueueOutbox(ctx, reframeDelivery("reframe:gone"))
			s.ClaimOutbox(ctx, time.Now().Add(time.Second), 10)
			if err := s.CancelOutbox(ctx, id, "session closed"); err != nil {
				t.Fatalf("CancelOutbox failed: %v", err)
			}
			if due, _ := s.ClaimOutbox(ctx, time.Now().Add(time.Hour), 10); len(due) != 0 {
				t.Errorf("expected canceled and claimed messages to stay put, got %d", len(due))
			}
		})
	}
}

func TestRequeueStaleOutbox(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s.EnqueueOutbox(ctx, reframeDelivery(""))
			s.ClaimOutbox(ctx, time.Now().Add(-time.Hour), 10)
			n, err := s.RequeueStaleOutbox(ctx, time.Now())
			if err != nil || n != 1 {
				t.Errorf("expected one requeued message, got %d %v", n, err)
			}
		})
	}
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@localhost/db":  DriverPostgres,
		"postgresql://localhost/db":    DriverPostgres,
		"host=localhost dbname=bridge": DriverPostgres,
		"/var/lib/talkbridge/data.db":  DriverSQLite,
		"file:test.db?cache=shared":    DriverSQLite,
	}
	for dsn, want := range tests {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %s, expected %s", dsn, got, want)
		}
	}
}

func TestRebindPlaceholders(t *testing.T) {
	pg := &sqlStore{numeric: true}
	if got := pg.q("a = ? AND b IN (?, ?)"); got != "a = $1 AND b IN ($2, $3)" {
		t.Errorf("unexpected rebind: %s", got)
	}
	lite := &sqlStore{}
	if got := lite.q("a = ?"); got != "a = ?" {
		t.Errorf("expected sqlite query unchanged, got %s", got)
	}
}

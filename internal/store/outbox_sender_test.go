package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func enqueue(t *testing.T, s *InMemoryStore, payload string) string {
	t.Helper()
	id, err := s.EnqueueOutbox(context.Background(), OutboxMessage{Recipient: "bob", Kind: OutboxKindReframe, Payload: payload})
	if err != nil {
		t.Fatalf("EnqueueOutbox failed: %v", err)
	}
	return id
}

func outboxByID(s *InMemoryStore) map[string]OutboxMessage {
	out := map[string]OutboxMessage{}
	for _, m := range s.OutboxMessages() {
		out[m.ID] = m
	}
	return out
}

func TestOutboxSenderDeliversAndRetries(t *testing.T) {
	s := NewInMemoryStore()
	okID := enqueue(t, s, "ok")
	failID := enqueue(t, s, "fail")
	goneID := enqueue(t, s, "gone")

	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		switch msg.Payload {
		case "fail":
			return errors.New("provider down")
		case "gone":
			return fmt.Errorf("session closed: %w", ErrUndeliverable)
		}
		return nil
	}, time.Hour)
	before := time.Now()
	sender.Poll(context.Background())

	got := outboxByID(s)
	if got[okID].Status != OutboxStatusSent {
		t.Errorf("expected sent, got %s", got[okID].Status)
	}
	retry := got[failID]
	if retry.Status != OutboxStatusQueued || retry.Attempts != 1 || retry.NextAttemptAt == nil {
		t.Fatalf("expected queued retry, got %+v", retry)
	}
	// First retry is 10s with 20% jitter.
	if wait := retry.NextAttemptAt.Sub(before); wait < 7*time.Second || wait > 13*time.Second {
		t.Errorf("expected first retry in about 10s, got %v", wait)
	}
	if got[goneID].Status != OutboxStatusCanceled {
		t.Errorf("expected canceled, got %s", got[goneID].Status)
	}
}

func TestOutboxSenderGivesUpAfterMaxAttempts(t *testing.T) {
	s := NewInMemoryStore()
	enqueue(t, s, "x")
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		return errors.New("still down")
	}, time.Hour, WithOutboxMaxAttempts(2), WithOutboxRetryDelay(time.Millisecond, time.Millisecond))

	sender.Poll(context.Background())
	time.Sleep(10 * time.Millisecond)
	sender.Poll(context.Background())

	if got := s.OutboxMessages()[0]; got.Status != OutboxStatusCanceled || got.Attempts != 2 {
		t.Errorf("expected canceled after two attempts, got %+v", got)
	}
}

func TestOutboxSenderRetryDelayGrows(t *testing.T) {
	sender := NewOutboxSender(NewInMemoryStore(), nil, time.Hour, WithOutboxRetryDelay(time.Second, 8*time.Second))
	if d := sender.retryDelay(0); d < 800*time.Millisecond || d > 1200*time.Millisecond {
		t.Errorf("expected about 1s, got %v", d)
	}
	if d := sender.retryDelay(2); d < 3200*time.Millisecond || d > 4800*time.Millisecond {
		t.Errorf("expected about 4s, got %v", d)
	}
	if d := sender.retryDelay(10); d > 8*time.Second*12/10 {
		t.Errorf("expected delay capped near 8s, got %v", d)
	}
}

func TestOutboxSenderRecoverStaleMessages(t *testing.T) {
	s := NewInMemoryStore()
	id := enqueue(t, s, "x")
	s.ClaimOutbox(context.Background(), time.Now().Add(-time.Hour), 10)

	sender := NewOutboxSender(s, nil, time.Hour, WithOutboxStaleThreshold(time.Minute))
	if err := sender.RecoverStaleMessages(context.Background()); err != nil {
		t.Fatalf("RecoverStaleMessages failed: %v", err)
	}
	if got := outboxByID(s)[id]; got.Status != OutboxStatusQueued || got.LockedAt != nil {
		t.Errorf("expected stale claim to be requeued, got %+v", got)
	}
}

func TestOutboxSenderNotifyWakesLoop(t *testing.T) {
	s := NewInMemoryStore()
	delivered := make(chan string, 1)
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		delivered <- msg.ID
		return nil
	}, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sender.Run(ctx)

	id := enqueue(t, s, "x")
	sender.Notify()

	select {
	case got := <-delivered:
		if got != id {
			t.Errorf("expected %s, got %s", id, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected Notify to trigger delivery")
	}
}

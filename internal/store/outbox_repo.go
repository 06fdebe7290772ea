package store

import (
	"context"
	"time"
)

// OutboxStatus is the delivery state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

// OutboxKindReframe is an approved reframe addressed to the sender's partner.
const OutboxKindReframe = "reframe"

// OutboxMessage is a durable outgoing message. Payload is JSON whose content fields are sealed.
// A non-empty DedupeKey is unique across the outbox, whatever the status.
type OutboxMessage struct {
	ID            string       `json:"id"`
	Recipient     string       `json:"recipient"`
	Kind          string       `json:"kind"`
	Payload       string       `json:"payload"`
	DedupeKey     string       `json:"dedupe_key,omitempty"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at,omitempty"`
	LockedAt      *time.Time   `json:"locked_at,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo persists the delivery outbox.
type OutboxRepo interface {
	// EnqueueOutbox queues msg and returns its id. When msg.DedupeKey is already present the
	// existing id is returned and nothing is written.
	EnqueueOutbox(ctx context.Context, msg OutboxMessage) (string, error)
	// ClaimOutbox moves up to limit queued messages that are due at now to sending, oldest first.
	ClaimOutbox(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)
	CompleteOutbox(ctx context.Context, id string) error
	// RetryOutbox returns a claimed message to the queue, due again at next.
	RetryOutbox(ctx context.Context, id, lastError string, next time.Time) error
	CancelOutbox(ctx context.Context, id, reason string) error
	// RequeueStaleOutbox returns messages claimed before staleBefore to the queue. It recovers
	// work left in flight by a crash.
	RequeueStaleOutbox(ctx context.Context, staleBefore time.Time) (int, error)
}

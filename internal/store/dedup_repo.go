package store

import (
	"context"
	"time"
)

// inboundRecord is one provider message id seen by the router.
type inboundRecord struct {
	sender      string
	receivedAt  time.Time
	processedAt *time.Time
}

// DedupRepo remembers inbound provider message ids so webhook retries and reconnect replays
// reach the pipeline once.
type DedupRepo interface {
	// RecordInbound reports whether messageID is new. A false result means it was seen before.
	RecordInbound(ctx context.Context, messageID, sender string) (bool, error)
	// MarkProcessed stamps a recorded message as fully handled.
	MarkProcessed(ctx context.Context, messageID string) error
}

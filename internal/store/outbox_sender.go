package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrUndeliverable is returned by an OutboxSendFunc when a message must not be retried, for
// example because its session is no longer active.
var ErrUndeliverable = errors.New("outbox message undeliverable")

// Outbox sender defaults.
const (
	DefaultOutboxPollInterval   = 5 * time.Second
	DefaultOutboxStaleThreshold = 5 * time.Minute
	DefaultOutboxMaxAttempts    = 6
	DefaultOutboxClaimLimit     = 10
	defaultOutboxRetryBase      = 10 * time.Second
	defaultOutboxRetryMax       = 10 * time.Minute
)

// OutboxSendFunc delivers one claimed message.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender claims due outbox messages and hands them to its send function. Failed sends
// are retried with exponential backoff until the attempt limit, then canceled.
type OutboxSender struct {
	repo           OutboxRepo
	send           OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxAttempts    int
	retryBase      time.Duration
	retryMax       time.Duration
	wake           chan struct{}
}

// OutboxOption configures an OutboxSender.
type OutboxOption func(*OutboxSender)

// WithOutboxMaxAttempts sets how many sends are tried before a message is canceled.
func WithOutboxMaxAttempts(n int) OutboxOption {
	return func(s *OutboxSender) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithOutboxStaleThreshold sets how long a claim may last before recovery requeues it.
func WithOutboxStaleThreshold(d time.Duration) OutboxOption {
	return func(s *OutboxSender) {
		if d > 0 {
			s.staleThreshold = d
		}
	}
}

// WithOutboxRetryDelay sets the first retry delay and its ceiling.
func WithOutboxRetryDelay(base, max time.Duration) OutboxOption {
	return func(s *OutboxSender) {
		if base > 0 && max >= base {
			s.retryBase, s.retryMax = base, max
		}
	}
}

// NewOutboxSender creates an OutboxSender polling every pollInterval.
func NewOutboxSender(repo OutboxRepo, send OutboxSendFunc, pollInterval time.Duration, opts ...OutboxOption) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = DefaultOutboxPollInterval
	}
	s := &OutboxSender{
		repo:           repo,
		send:           send,
		pollInterval:   pollInterval,
		staleThreshold: DefaultOutboxStaleThreshold,
		claimLimit:     DefaultOutboxClaimLimit,
		maxAttempts:    DefaultOutboxMaxAttempts,
		retryBase:      defaultOutboxRetryBase,
		retryMax:       defaultOutboxRetryMax,
		wake:           make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecoverStaleMessages requeues messages whose claim outlived the stale threshold. Call it
// once at startup, before Run.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	n, err := s.repo.RequeueStaleOutbox(ctx, time.Now().Add(-s.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued", "count", n)
	}
	return nil
}

// Notify asks the running loop to poll now instead of waiting for the next tick.
func (s *OutboxSender) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: started", "poll_interval", s.pollInterval, "max_attempts", s.maxAttempts)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopped")
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.Poll(ctx)
	}
}

// Poll claims and sends every due message once.
func (s *OutboxSender) Poll(ctx context.Context) {
	now := time.Now()
	claimed, err := s.repo.ClaimOutbox(ctx, now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.Poll: claim failed", "error", err)
		return
	}
	for _, msg := range claimed {
		s.deliver(ctx, msg, now)
	}
}

func (s *OutboxSender) deliver(ctx context.Context, msg OutboxMessage, now time.Time) {
	sendErr := s.send(ctx, msg)
	var err error
	switch {
	case sendErr == nil:
		slog.Debug("OutboxSender: delivered", "id", msg.ID, "kind", msg.Kind)
		err = s.repo.CompleteOutbox(ctx, msg.ID)
	case errors.Is(sendErr, ErrUndeliverable) || msg.Attempts+1 >= s.maxAttempts:
		slog.Warn("OutboxSender: giving up", "id", msg.ID, "kind", msg.Kind, "attempts", msg.Attempts+1, "error", sendErr)
		err = s.repo.CancelOutbox(ctx, msg.ID, sendErr.Error())
	default:
		delay := s.retryDelay(msg.Attempts)
		slog.Warn("OutboxSender: send failed, will retry", "id", msg.ID, "attempts", msg.Attempts+1, "retry_in", delay, "error", sendErr)
		err = s.repo.RetryOutbox(ctx, msg.ID, sendErr.Error(), now.Add(delay))
	}
	if err != nil {
		slog.Error("OutboxSender: failed to record delivery outcome", "id", msg.ID, "error", err)
	}
}

// retryDelay is the jittered exponential delay before retry number attempts+1.
func (s *OutboxSender) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryBase
	b.MaxInterval = s.retryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()
	delay := b.NextBackOff()
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/TalkBridge/internal/models"
	"github.com/BTreeMap/TalkBridge/internal/store"
)

// reframePayload is the outbox payload of an approved reframe. Content is sealed.
type reframePayload struct {
	SessionID string      `json:"session_id"`
	MessageID string      `json:"message_id"`
	Recipient models.Role `json:"recipient"`
	Content   string      `json:"content"`
}

// SessionGetter loads a session snapshot.
type SessionGetter interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
}

// DeliveryMarker flags a stored reframe message as approved and delivered.
type DeliveryMarker interface {
	MarkMessageDelivery(ctx context.Context, id string, approved, delivered bool) error
}

// DeliveryObserver counts delivery outcomes.
type DeliveryObserver interface {
	ObserveDelivery(outcome string)
}

// Deliverer sends approved reframes from the outbox to the partner.
type Deliverer struct {
	sessions SessionGetter
	messages DeliveryMarker
	service  Service
	sealer   Sealer
	observer DeliveryObserver
}

// NewDeliverer creates a Deliverer. observer may be nil.
func NewDeliverer(sessions SessionGetter, messages DeliveryMarker, service Service, sealer Sealer, observer DeliveryObserver) *Deliverer {
	return &Deliverer{sessions: sessions, messages: messages, service: service, sealer: sealer, observer: observer}
}

// Send delivers one outbox message. It has the store.OutboxSendFunc signature. Messages whose
// session is no longer ACTIVE are undeliverable and never retried.
func (d *Deliverer) Send(ctx context.Context, msg store.OutboxMessage) error {
	if msg.Kind != store.OutboxKindReframe {
		d.observe("undeliverable")
		return fmt.Errorf("unknown outbox kind %q: %w", msg.Kind, store.ErrUndeliverable)
	}
	var p reframePayload
	if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
		d.observe("undeliverable")
		return fmt.Errorf("decode outbox payload %s: %v: %w", msg.ID, err, store.ErrUndeliverable)
	}

	sess, err := d.sessions.GetSession(ctx, p.SessionID)
	if err != nil {
		d.observe("failed")
		return fmt.Errorf("load session %s: %w", p.SessionID, err)
	}
	if sess.Status != models.StatusActive {
		slog.Warn("Deliverer.Send: session no longer active, dropping reframe", "session_id", p.SessionID, "status", sess.Status)
		d.observe("undeliverable")
		return fmt.Errorf("session %s is %s: %w", p.SessionID, sess.Status, store.ErrUndeliverable)
	}

	text, err := d.sealer.Open(p.Content)
	if err != nil {
		d.observe("undeliverable")
		return fmt.Errorf("open outbox payload %s: %v: %w", msg.ID, err, store.ErrUndeliverable)
	}
	if err := d.service.SendMessage(ctx, msg.Recipient, partnerMessagePrefix+text); err != nil {
		d.observe("failed")
		return err
	}
	if err := d.messages.MarkMessageDelivery(ctx, p.MessageID, true, true); err != nil {
		slog.Error("Deliverer.Send: failed to mark reframe delivered", "message_id", p.MessageID, "error", err)
	}
	d.observe("sent")
	slog.Info("Deliverer.Send: reframe delivered", "session_id", p.SessionID, "message_id", p.MessageID)
	return nil
}

func (d *Deliverer) observe(outcome string) {
	if d.observer != nil {
		d.observer.ObserveDelivery(outcome)
	}
}

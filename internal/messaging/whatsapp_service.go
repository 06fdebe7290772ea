package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/TalkBridge/internal/models"
	"github.com/BTreeMap/TalkBridge/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// EventSource delivers raw whatsmeow events.
type EventSource interface {
	AddEventHandler(h func(evt interface{}))
}

// WhatsAppService implements Service on top of the whatsmeow client.
type WhatsAppService struct {
	client    whatsapp.Sender
	events    EventSource
	receipts  chan models.Receipt
	responses chan models.Response

	mu      sync.RWMutex
	stopped bool
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService wraps client. When client also implements EventSource, inbound messages
// and receipts are forwarded once Start is called.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
	if src, ok := client.(EventSource); ok {
		s.events = src
	}
	return s
}

func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start registers the event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.events == nil {
		slog.Debug("WhatsAppService Start: client has no event source, inbound disabled")
		return nil
	}
	s.events.AddEventHandler(s.HandleEvent)
	slog.Info("WhatsAppService event handler registered")
	return nil
}

// Stop closes the event channels. It is safe to call more than once.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.responses)
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends body to a canonical phone number and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonical)
		return err
	}
	s.emitReceipt(models.Receipt{To: canonical, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.receipts
}

func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.responses
}

// HandleEvent forwards whatsmeow message and receipt events.
func (s *WhatsAppService) HandleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		resp, ok := whatsapp.InboundFromEvent(v)
		if !ok {
			slog.Debug("WhatsAppService ignoring non-text message")
			return
		}
		s.emitResponse(resp)
	case *events.Receipt:
		var status models.MessageStatus
		switch v.Type {
		case events.ReceiptTypeDelivered:
			status = models.MessageStatusDelivered
		case events.ReceiptTypeRead:
			status = models.MessageStatusRead
		default:
			return
		}
		s.emitReceipt(models.Receipt{To: "+" + v.MessageSource.Sender.User, Status: status, Time: v.Timestamp.Unix()})
	}
}

func (s *WhatsAppService) emitReceipt(r models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.receipts <- r:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService receipts channel blocked, dropping receipt", "to", r.To)
	}
}

func (s *WhatsAppService) emitResponse(r models.Response) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("WhatsAppService dropping inbound message (service stopped)", "from", r.From)
		return
	}
	select {
	case s.responses <- r:
		slog.Debug("WhatsAppService inbound message forwarded", "from", r.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService responses channel blocked, dropping message", "from", r.From, "timeout", DefaultChannelTimeout)
	}
}

package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/TalkBridge/internal/models"
	"github.com/BTreeMap/TalkBridge/internal/twiliowhatsapp"
)

// TwilioClient sends messages and validates webhook signatures.
type TwilioClient interface {
	twiliowhatsapp.Sender
	ValidateWebhook(url string, params map[string]string, signature string) bool
}

// TwilioService implements Service with Twilio for outbound messages and a webhook for inbound.
type TwilioService struct {
	client     TwilioClient
	webhookURL string
	receipts   chan models.Receipt
	responses  chan models.Response

	mu      sync.RWMutex
	stopped bool
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a TwilioService. When webhookURL is non-empty, inbound requests must
// carry a valid X-Twilio-Signature computed for that URL.
func NewTwilioService(client TwilioClient, webhookURL string) *TwilioService {
	return &TwilioService{
		client:     client,
		webhookURL: webhookURL,
		receipts:   make(chan models.Receipt, DefaultChannelBufferSize),
		responses:  make(chan models.Response, DefaultChannelBufferSize),
	}
}

func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(twiliowhatsapp.StripWhatsAppAddress(recipient))
}

// Start is a no-op; inbound messages arrive through the webhook handler.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.responses)
	return nil
}

// SendMessage sends a message via Twilio and emits a receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err)
		return err
	}
	if err := s.client.SendMessage(ctx, "+"+canonical, body); err != nil {
		return err
	}
	s.safeEmit(func() bool {
		select {
		case s.receipts <- models.Receipt{To: canonical, Status: models.MessageStatusSent, Time: time.Now().Unix()}:
			return true
		case <-time.After(DefaultChannelTimeout):
			return false
		}
	})
	return nil
}

func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

func (s *TwilioService) Responses() <-chan models.Response {
	return s.responses
}

func (s *TwilioService) safeEmit(send func() bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return false
	}
	return send()
}

// TwilioWebhookHandler accepts inbound Twilio webhook requests and emits them on Responses().
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService webhook: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if s.webhookURL != "" {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.client.ValidateWebhook(s.webhookURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioService webhook: invalid signature")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := twiliowhatsapp.StripWhatsAppAddress(r.FormValue("From"))
	body := r.FormValue("Body")
	if from == "" || body == "" {
		slog.Warn("TwilioService webhook missing fields", "from_set", from != "", "body_length", len(body))
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	resp := models.Response{
		From:      from,
		Body:      body,
		Time:      time.Now().Unix(),
		MessageID: r.FormValue("MessageSid"),
	}
	emitted := s.safeEmit(func() bool {
		select {
		case s.responses <- resp:
			return true
		case <-time.After(DefaultChannelTimeout):
			return false
		}
	})
	if !emitted {
		slog.Warn("TwilioService webhook: dropping inbound message", "from", from)
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	slog.Info("TwilioService inbound message accepted", "from", from, "body_length", len(body))
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

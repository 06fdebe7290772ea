package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/TalkBridge/internal/models"
	"github.com/BTreeMap/TalkBridge/internal/whatsapp"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// Test SendMessage canonicalizes the recipient and emits a sent receipt
func TestWhatsAppService_SendMessage_Receipt(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	if err := svc.SendMessage(context.Background(), "+1 555 123-456", "hello"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	sent := mockClient.Messages()
	if len(sent) != 1 || sent[0].To != "1555123456" || sent[0].Body != "hello" {
		t.Fatalf("unexpected sends: %+v", sent)
	}
	select {
	case receipt := <-svc.Receipts():
		if receipt.To != "1555123456" {
			t.Errorf("expected receipt.To 1555123456, got %s", receipt.To)
		}
		if receipt.Status != models.MessageStatusSent {
			t.Errorf("expected receipt.Status %s, got %s", models.MessageStatusSent, receipt.Status)
		}
	default:
		t.Fatal("expected receipt, got none")
	}
}

func TestWhatsAppService_SendMessage_Errors(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	if err := svc.SendMessage(context.Background(), "123", "hello"); err == nil {
		t.Error("expected error for short phone number")
	}

	mockClient.Err = errors.New("socket closed")
	if err := svc.SendMessage(context.Background(), "+15551234567", "hello"); err == nil {
		t.Error("expected client error to propagate")
	}
	select {
	case r := <-svc.Receipts():
		t.Errorf("expected no receipt on failure, got %+v", r)
	default:
	}
}

// Test Start and Stop do not error and close channels
func TestWhatsAppService_StartStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if _, ok := <-svc.Receipts(); ok {
		t.Error("expected receipts channel closed")
	}
	if _, ok := <-svc.Responses(); ok {
		t.Error("expected responses channel closed")
	}
	if err := svc.SendMessage(context.Background(), "+15551234567", "hi"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

type eventClient struct {
	*whatsapp.MockClient
	handlers []func(evt interface{})
}

func (c *eventClient) AddEventHandler(h func(evt interface{})) {
	c.handlers = append(c.handlers, h)
}

func (c *eventClient) dispatch(evt interface{}) {
	for _, h := range c.handlers {
		h(evt)
	}
}

func TestWhatsAppService_ForwardsInboundText(t *testing.T) {
	client := &eventClient{MockClient: whatsapp.NewMockClient()}
	svc := NewWhatsAppService(client)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if len(client.handlers) != 1 {
		t.Fatalf("expected one registered handler, got %d", len(client.handlers))
	}

	text := "can we talk tonight?"
	client.dispatch(&events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Sender: types.NewJID("15551234567", whatsapp.JIDSuffix)},
			ID:            "3EB0AA",
			Timestamp:     time.Unix(1700000000, 0),
		},
		Message: &waE2E.Message{Conversation: &text},
	})
	client.dispatch(&events.Message{
		Info:    types.MessageInfo{MessageSource: types.MessageSource{Sender: types.NewJID("15551234567", whatsapp.JIDSuffix)}},
		Message: &waE2E.Message{},
	})

	select {
	case resp := <-svc.Responses():
		if resp.From != "+15551234567" || resp.Body != text || resp.MessageID != "3EB0AA" {
			t.Errorf("unexpected response: %+v", resp)
		}
	default:
		t.Fatal("expected forwarded response")
	}
	select {
	case resp := <-svc.Responses():
		t.Errorf("expected non-text message to be ignored, got %+v", resp)
	default:
	}
}

func TestWhatsAppService_ForwardsReceipts(t *testing.T) {
	client := &eventClient{MockClient: whatsapp.NewMockClient()}
	svc := NewWhatsAppService(client)
	_ = svc.Start(context.Background())

	source := types.MessageSource{Sender: types.NewJID("15551234567", whatsapp.JIDSuffix)}
	client.dispatch(&events.Receipt{MessageSource: source, Type: events.ReceiptTypeRead, Timestamp: time.Unix(1700000000, 0)})

	select {
	case r := <-svc.Receipts():
		if r.Status != models.MessageStatusRead || r.To != "+15551234567" {
			t.Errorf("unexpected receipt: %+v", r)
		}
	default:
		t.Fatal("expected read receipt")
	}
}

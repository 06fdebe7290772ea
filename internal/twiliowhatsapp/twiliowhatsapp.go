// Package twiliowhatsapp sends WhatsApp messages through the Twilio REST API and validates
// inbound Twilio webhooks.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// WhatsAppPrefix marks a Twilio address as a WhatsApp channel.
const WhatsAppPrefix = "whatsapp:"

var ErrMissingCredentials = errors.New("twilio account SID and auth token must be provided")

// Sender sends WhatsApp text messages.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token, also used to validate webhooks.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number, with or without the "whatsapp:" prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// resolve fills unset fields from the environment and validates the result.
func resolve(opts ...Option) (Opts, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return Opts{}, ErrMissingCredentials
	}
	if cfg.FromWhats == "" {
		return Opts{}, fmt.Errorf("twilio sending number must be provided")
	}
	cfg.FromWhats = WhatsAppAddress(cfg.FromWhats)
	return cfg, nil
}

// WhatsAppAddress adds the "whatsapp:" prefix to a phone number when missing.
func WhatsAppAddress(number string) string {
	if strings.HasPrefix(number, WhatsAppPrefix) {
		return number
	}
	return WhatsAppPrefix + number
}

// StripWhatsAppAddress removes the "whatsapp:" prefix Twilio puts on inbound From values.
func StripWhatsAppAddress(addr string) string {
	return strings.TrimPrefix(addr, WhatsAppPrefix)
}

// Client wraps the Twilio REST API for WhatsApp.
type Client struct {
	client    *twilio.RestClient
	validator twilioclient.RequestValidator
	fromWhats string
}

// NewClient creates a Twilio client, reading unset options from TWILIO_* environment variables.
func NewClient(opts ...Option) (*Client, error) {
	cfg, err := resolve(opts...)
	if err != nil {
		return nil, err
	}
	return &Client{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		}),
		validator: twilioclient.NewRequestValidator(cfg.AuthToken),
		fromWhats: cfg.FromWhats,
	}, nil
}

// SendMessage sends a WhatsApp message.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(WhatsAppAddress(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	if resp != nil && resp.Sid != nil {
		slog.Debug("Twilio message sent", "to", to, "sid", *resp.Sid)
	}
	return nil
}

// ValidateWebhook checks the X-Twilio-Signature of an inbound webhook.
func (c *Client) ValidateWebhook(url string, params map[string]string, signature string) bool {
	return c.validator.Validate(url, params, signature)
}

// MockClient records sent messages. Webhooks validate unless RejectWebhooks is set.
type MockClient struct {
	mu             sync.Mutex
	SentMessages   []SentMessage
	Err            error
	RejectWebhooks bool
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockClient) ValidateWebhook(url string, params map[string]string, signature string) bool {
	return !m.RejectWebhooks
}

// Messages returns a copy of everything sent so far.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}

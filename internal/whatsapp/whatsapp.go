// Package whatsapp wraps the Whatsmeow client used to talk to participants over WhatsApp.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/BTreeMap/TalkBridge/internal/models"
	"github.com/BTreeMap/TalkBridge/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

const (
	// DefaultSQLitePath is the default path for the whatsmeow device database.
	DefaultSQLitePath = "/var/lib/talkbridge/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users.
	JIDSuffix = "s.whatsapp.net"
)

var (
	ErrNotInitialized = errors.New("whatsapp client not initialized")
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
	ErrEmptyBody      = errors.New("message body cannot be empty")
)

// Sender sends WhatsApp text messages.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow device database
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw pairing code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the pairing code as text.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the Whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

// driverFor picks the whatsmeow sql driver for dsn.
func driverFor(dsn string) string {
	if store.DetectDSNType(dsn) == store.DriverPostgres {
		return store.DriverPostgres
	}
	return store.DriverSQLite
}

// hasForeignKeys reports whether a SQLite DSN enables foreign keys, which whatsmeow expects.
func hasForeignKeys(dsn string) bool {
	return strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "foreign_keys")
}

// NewClient connects to WhatsApp, running the QR login flow when the device is not paired yet.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
	}
	driver := driverFor(dbDSN)
	if driver == store.DriverSQLite && !hasForeignKeys(dbDSN) {
		slog.Warn("WhatsApp SQLite DSN does not enable foreign keys; whatsmeow recommends '?_foreign_keys=on'",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}
	slog.Debug("WhatsApp NewClient initializing device store", "driver", driver, "qr_path_set", cfg.QRPath != "", "numeric_code", cfg.NumericCode)

	container, err := sqlstore.New(ctx, driver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		slog.Error("WhatsApp NewClient: device store init failed", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))
	if waClient.Store.ID != nil {
		if err := waClient.Connect(); err != nil {
			slog.Error("WhatsApp NewClient: connect failed", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
		slog.Info("WhatsApp client connected")
		return &Client{waClient: waClient}, nil
	}

	slog.Info("WhatsApp login required; starting QR code flow")
	qrChan, _ := waClient.GetQRChannel(ctx)
	if err := waClient.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("WhatsApp login event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	slog.Info("WhatsApp client connected")
	return &Client{waClient: waClient}, nil
}

// SendMessage sends a text message to a phone number without the leading '+'.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return ErrNotInitialized
	}
	if to == "" {
		return ErrEmptyRecipient
	}
	if body == "" {
		return ErrEmptyBody
	}
	jid := types.NewJID(strings.TrimPrefix(to, "+"), JIDSuffix)
	if _, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body}); err != nil {
		slog.Error("WhatsApp SendMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent", "to", to, "body_length", len(body))
	return nil
}

// AddEventHandler registers h for raw whatsmeow events.
func (c *Client) AddEventHandler(h func(evt interface{})) {
	if c.waClient != nil {
		c.waClient.AddEventHandler(h)
	}
}

// Disconnect closes the websocket.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// InboundFromEvent converts an incoming whatsmeow message into a participant response.
// Messages without text and messages sent by this device are skipped.
func InboundFromEvent(evt *events.Message) (models.Response, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe {
		return models.Response{}, false
	}
	var text string
	switch {
	case evt.Message.GetConversation() != "":
		text = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage().GetText() != "":
		text = evt.Message.GetExtendedTextMessage().GetText()
	default:
		return models.Response{}, false
	}
	from := evt.Info.Sender.User
	if !strings.HasPrefix(from, "+") {
		from = "+" + from
	}
	return models.Response{
		From:      from,
		Body:      text,
		Time:      evt.Info.Timestamp.Unix(),
		MessageID: string(evt.Info.ID),
	}, true
}

// MockClient records sent messages instead of talking to WhatsApp.
type MockClient struct {
	mu   sync.Mutex
	Sent []SentMessage
	Err  error
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
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return nil
}

// Messages returns a copy of everything sent so far.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}

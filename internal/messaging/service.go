// Package messaging connects participants to TalkBridge: transport services deliver and receive
// WhatsApp messages, and the Router turns each inbound message into session operations and
// pipeline calls.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/BTreeMap/TalkBridge/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer size of receipt and response channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an event waits for a full channel.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service is a pluggable message transport.
type Service interface {
	// ValidateAndCanonicalizeRecipient returns the digits-only form of a phone number.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)
	SendMessage(ctx context.Context, to string, body string) error
	Start(ctx context.Context) error
	Stop() error
	Receipts() <-chan models.Receipt
	Responses() <-chan models.Response
}

// CanonicalizePhone strips everything but digits and requires at least 6 of them.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}

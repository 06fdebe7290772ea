// Package models defines the core data structures for TalkBridge.
//
// It includes the session, message and risk types shared by the pipeline, the state machine
// and the storage layer, plus the inbound/outbound event types used by the messaging
// services and the JSON envelope returned by the admin API.
package models

import "errors"

// Error variables shared across modules.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrDraftNotFound   = errors.New("pending reframe not found")
	ErrInviteNotFound  = errors.New("invite not found")
	ErrEmptyMessage    = errors.New("message text cannot be empty")
	ErrEmptySessionID  = errors.New("session id cannot be empty")
)

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was handed to the provider.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message reached the device.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates delivery failed.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt is a delivery event emitted by a messaging service.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Response is an inbound message from a participant.
type Response struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	Time      int64  `json:"time"`
	MessageID string `json:"message_id,omitempty"` // provider message id, used for dedup
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse is the JSON envelope returned by every admin endpoint.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// APIResponseBuilder builds APIResponse values.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new builder.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result payload.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build returns the built response.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with a result.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and result.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

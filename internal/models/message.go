package models

import "time"

// MessageKind is the type of a stored message.
type MessageKind string

const (
	MessageKindText     MessageKind = "text"
	MessageKindVoice    MessageKind = "voice"
	MessageKindCoaching MessageKind = "coaching"
	MessageKindReframe  MessageKind = "reframe"
)

// Message is an append-only conversation record. Content is sealed before it reaches storage.
type Message struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	Sender     Role        `json:"sender"`
	Recipient  Role        `json:"recipient,omitempty"`
	Kind       MessageKind `json:"kind"`
	Content    string      `json:"-"`
	RiskLevel  RiskLevel   `json:"risk_level,omitempty"`
	Topic      Topic       `json:"topic,omitempty"`
	ExternalID string      `json:"external_id,omitempty"`
	Approved   bool        `json:"approved"`
	Delivered  bool        `json:"delivered"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Turn is a decrypted history entry handed to prompt builders and local signals.
type Turn struct {
	Role Role
	Text string
}

package models

import "time"

// PendingReframe is a rewritten draft waiting for its sender's approval.
type PendingReframe struct {
	MessageID      string    `json:"message_id"`
	SessionID      string    `json:"session_id"`
	SenderRole     Role      `json:"sender_role"`
	SenderID       string    `json:"sender_id"`
	Original       string    `json:"-"`
	Reframed       string    `json:"-"`
	EditIterations int       `json:"edit_iterations"`
	CreatedAt      time.Time `json:"created_at"`
}

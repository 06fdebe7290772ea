package models

import "time"

// ActorSubState is the conversational sub-state of one participant.
type ActorSubState string

const (
	SubStateCoaching           ActorSubState = "coaching"
	SubStateInvitationDrafting ActorSubState = "invitation_drafting"
	SubStateAwaitingChoice     ActorSubState = "awaiting_reframe_choice"
	SubStateEditingReframe     ActorSubState = "editing_reframe"
	SubStateReflectionGate     ActorSubState = "reflection_gate"
)

// ActorState is volatile per-participant state tied to a session.
type ActorState struct {
	UserID    string            `json:"user_id"`
	SubState  ActorSubState     `json:"sub_state"`
	SessionID string            `json:"session_id"`
	Payload   map[string]string `json:"payload,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

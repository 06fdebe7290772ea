package models

import "time"

// SessionStatus is the lifecycle status of a mediation session.
type SessionStatus string

const (
	StatusInviteCrafting        SessionStatus = "INVITE_CRAFTING"
	StatusInvitePending         SessionStatus = "INVITE_PENDING"
	StatusPendingPartnerConsent SessionStatus = "PENDING_PARTNER_CONSENT"
	StatusReflectionGate        SessionStatus = "REFLECTION_GATE"
	StatusActive                SessionStatus = "ACTIVE"
	StatusAsyncCoaching         SessionStatus = "ASYNC_COACHING"
	StatusPaused                SessionStatus = "PAUSED"
	StatusClosed                SessionStatus = "CLOSED"
	StatusLocked                SessionStatus = "LOCKED"
	StatusPartnerDeclined       SessionStatus = "PARTNER_DECLINED"
)

// AllStatuses lists every session status in declaration order.
var AllStatuses = []SessionStatus{
	StatusInviteCrafting,
	StatusInvitePending,
	StatusPendingPartnerConsent,
	StatusReflectionGate,
	StatusActive,
	StatusAsyncCoaching,
	StatusPaused,
	StatusClosed,
	StatusLocked,
	StatusPartnerDeclined,
}

// IsTerminal reports whether the session no longer accepts conversation.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusClosed || s == StatusLocked
}

// Role identifies who authored a message within a session.
type Role string

const (
	RoleUserA Role = "user_a"
	RoleUserB Role = "user_b"
	RoleBot   Role = "bot"
)

// Other returns the counterpart participant role.
func (r Role) Other() Role {
	switch r {
	case RoleUserA:
		return RoleUserB
	case RoleUserB:
		return RoleUserA
	default:
		return r
	}
}

// Session is one mediation engagement between one or two participants.
type Session struct {
	ID             string        `json:"id"`
	PairingID      string        `json:"pairing_id"`
	UserAID        string        `json:"user_a_id"`
	UserBID        string        `json:"user_b_id,omitempty"`
	Status         SessionStatus `json:"status"`
	InviteToken    string        `json:"-"`
	MirrorAttempts int           `json:"mirror_attempts"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	ClosedAt       *time.Time    `json:"closed_at,omitempty"`
}

// HasPartner reports whether a second participant joined the session.
func (s Session) HasPartner() bool {
	return s.UserBID != ""
}

// RoleOf returns the role of the given participant in this session.
func (s Session) RoleOf(userID string) (Role, bool) {
	switch userID {
	case "":
		return "", false
	case s.UserAID:
		return RoleUserA, true
	case s.UserBID:
		return RoleUserB, true
	default:
		return "", false
	}
}

// ParticipantFor returns the participant id holding role r.
func (s Session) ParticipantFor(r Role) string {
	switch r {
	case RoleUserA:
		return s.UserAID
	case RoleUserB:
		return s.UserBID
	default:
		return ""
	}
}

// SessionSummary is a condensed record of a closed session used as pattern memory.
type SessionSummary struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	PairingID    string    `json:"pairing_id"`
	Content      string    `json:"-"` // sealed
	Themes       []string  `json:"themes,omitempty"`
	MaxRiskLevel RiskLevel `json:"max_risk_level"`
	CreatedAt    time.Time `json:"created_at"`
}

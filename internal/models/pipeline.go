package models

// HaltReasonCritical is reported when an L4 classification stops the session.
const HaltReasonCritical = "L4_critical_safety"

// SessionContext is the session snapshot and sender identity a pipeline call runs against.
type SessionContext struct {
	Session    Session
	SenderRole Role
	SenderID   string
}

// PipelineInput is one inbound message handed to the pipeline.
type PipelineInput struct {
	Session           SessionContext
	RawText           string
	Kind              MessageKind
	ExternalMessageID string
}

// PipelineResult is the verdict and text produced for one inbound message.
type PipelineResult struct {
	MessageID        string    `json:"message_id"`
	RiskLevel        RiskLevel `json:"risk_level"`
	Topic            Topic     `json:"topic"`
	CoachingResponse string    `json:"coaching_response"`
	// ReframedMessage is empty when nothing is queued for the other participant.
	ReframedMessage  string `json:"reframed_message,omitempty"`
	RequiresApproval bool   `json:"requires_approval"`
	Halted           bool   `json:"halted"`
	HaltReason       string `json:"halt_reason,omitempty"`
	DraftReady       bool   `json:"draft_ready"`
}

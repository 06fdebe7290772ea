package risk

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BTreeMap/TalkBridge/internal/genai"
	"github.com/BTreeMap/TalkBridge/internal/models"
)

// rawAssessment mirrors the reply shape before validation.
type rawAssessment struct {
	RiskLevel      *string `json:"risk_level"`
	TopicCategory  *string `json:"topic_category"`
	ActionRequired *string `json:"action_required"`
	Reasoning      *string `json:"reasoning"`
}

// DecodeAssessment parses a reasoning-service reply into a validated assessment. Code fences
// are stripped first.
func DecodeAssessment(reply string) Result[models.RiskAssessment] {
	body := genai.StripCodeFence(reply)
	if body == "" {
		return Invalid[models.RiskAssessment]("empty reply")
	}
	return decodeRaw(json.RawMessage(body))
}

func decodeRaw(raw json.RawMessage) Result[models.RiskAssessment] {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") {
		return Invalid[models.RiskAssessment]("reply is not a JSON object")
	}
	var r rawAssessment
	if err := json.Unmarshal([]byte(trimmed), &r); err != nil {
		return Invalid[models.RiskAssessment](fmt.Sprintf("malformed assessment: %v", err))
	}
	return validate(r)
}

func validate(r rawAssessment) Result[models.RiskAssessment] {
	if r.RiskLevel == nil || r.TopicCategory == nil || r.ActionRequired == nil || r.Reasoning == nil {
		return Invalid[models.RiskAssessment]("missing required field")
	}
	level, ok := models.ParseRiskLevel(*r.RiskLevel)
	if !ok {
		return Invalid[models.RiskAssessment](fmt.Sprintf("unknown risk level %q", *r.RiskLevel))
	}
	topic := models.Topic(strings.TrimSpace(*r.TopicCategory))
	if !models.IsValidTopic(topic) {
		return Invalid[models.RiskAssessment](fmt.Sprintf("topic %q outside the closed set", *r.TopicCategory))
	}
	return Ok(models.RiskAssessment{
		Level:          level,
		Topic:          topic,
		ActionRequired: *r.ActionRequired,
		Reasoning:      *r.Reasoning,
	})
}

// CombinedReply is the shape of the single classification-plus-coaching reply. Fields are
// kept raw so each half can be validated independently.
type CombinedReply struct {
	Risk     json.RawMessage `json:"risk"`
	Coaching json.RawMessage `json:"coaching"`
}

// ValidateCombined validates both halves of a combined reply. A valid risk object is kept even
// when the coaching text is unusable, and the reverse.
func ValidateCombined(reply CombinedReply) (Result[models.RiskAssessment], Result[string]) {
	var risk Result[models.RiskAssessment]
	if len(reply.Risk) == 0 {
		risk = Invalid[models.RiskAssessment]("missing risk object")
	} else {
		risk = decodeRaw(reply.Risk)
	}

	var coaching Result[string]
	var text string
	switch {
	case len(reply.Coaching) == 0:
		coaching = Invalid[string]("missing coaching text")
	case json.Unmarshal(reply.Coaching, &text) != nil:
		coaching = Invalid[string]("coaching is not a string")
	case strings.TrimSpace(text) == "":
		coaching = Invalid[string]("coaching text is empty")
	default:
		coaching = Ok(strings.TrimSpace(text))
	}
	return risk, coaching
}

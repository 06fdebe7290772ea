package risk

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/TalkBridge/internal/models"
)

// TopicList renders the closed topic set for prompts.
func TopicList() string {
	quoted := make([]string, len(models.Topics))
	for i, t := range models.Topics {
		quoted[i] = fmt.Sprintf("%q", string(t))
	}
	return strings.Join(quoted, ", ")
}

// LevelGuide describes the five ordered severity levels.
const LevelGuide = `CLASSIFICATION LEVELS (lowest to highest):
- L1 (low): frustration, venting, ordinary complaints.
- L2 (medium): blanket statements such as "you always" or "you never", patterns of blame.
- L3 (high): insults, contempt, personal attacks, derogatory language.
- L3_PLUS (attachment crisis): threats of separation or breakup, ultimatums about the relationship.
- L4 (critical): violence, self-harm, threats of physical harm. Any mention of wanting to hurt oneself or others.`

// AssessmentShape is the JSON object every classification reply must contain.
const AssessmentShape = `{
  "risk_level": "L1" | "L2" | "L3" | "L3_PLUS" | "L4",
  "topic_category": "<exactly one value from the topic list>",
  "action_required": "<brief description of required action>",
  "reasoning": "<one or two sentences explaining the classification>"
}`

// SystemPrompt is the fixed instruction set for risk-only classification.
func SystemPrompt() string {
	return fmt.Sprintf(`You are the risk classification engine of a mediation service that relays messages between two people. Your only job is to classify the risk level and topic of the incoming message.

%s

TOPIC CATEGORIES:
Return topic_category as exactly one value from this list: [%s].
Never invent a category. If unsure, or if risk_level is L3 or higher, return %q.

RULES:
- A single extreme statement may warrant L3 or higher.
- L4 is reserved for genuine safety concerns.
- When in doubt, err toward caution.

Return only valid JSON with exactly this structure and no other text:
%s`, LevelGuide, TopicList(), string(models.TopicFallback), AssessmentShape)
}

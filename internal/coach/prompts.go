package coach

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/TalkBridge/internal/models"
	"github.com/BTreeMap/TalkBridge/internal/risk"
)

// Token budgets for generation calls.
const (
	CombinedMaxTokens = 1024
	ReframeMaxTokens  = 512
	historyWindow     = 12
)

// CombinedParams is the context used to build the combined classification-plus-coaching prompt.
type CombinedParams struct {
	SenderRole    models.Role
	SessionStatus models.SessionStatus
	History       []models.Turn
	Patterns      []string
	TurnCount     int
	DraftReady    bool
}

// CombinedSystemPrompt builds the instructions for the single call returning both a risk
// assessment and a coaching reply.
func CombinedSystemPrompt(p CombinedParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You are a mediation coach. Two people each talk with you in separate private chats; you are the bridge between them and nothing is relayed without the sender's approval. You are speaking privately with %s.

First classify the sender's latest message, then write your coaching reply.

%s

Return topic_category as exactly one value from [%s]; use %q when unsure or when the level is L3 or higher.

COACHING RULES:
- At most %d words.
- Ask at most one question.
- Reflect the need behind the words; never take sides.
- For L3 or L3_PLUS, slow down and help the sender name the pain underneath.
`, roleLabel(p.SenderRole), risk.LevelGuide, risk.TopicList(), string(models.TopicFallback), MaxWords)

	if p.DraftReady {
		b.WriteString("- The sender has shared enough. Offer to turn what they said into a short message for their partner.\n")
	}
	fmt.Fprintf(&b, "\nSession status: %s. Sender turn count: %d.\n", p.SessionStatus, p.TurnCount)

	if len(p.Patterns) > 0 {
		b.WriteString("\nPATTERNS FROM EARLIER SESSIONS:\n")
		for _, s := range p.Patterns {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}

	if len(p.History) > 0 {
		b.WriteString("\nRECENT CONVERSATION:\n")
		start := 0
		if len(p.History) > historyWindow {
			start = len(p.History) - historyWindow
		}
		for _, t := range p.History[start:] {
			fmt.Fprintf(&b, "%s: %s\n", roleLabel(t.Role), t.Text)
		}
	}

	fmt.Fprintf(&b, `
Return only valid JSON with exactly this structure and no other text:
{
  "risk": %s,
  "coaching": "<your reply to the sender>"
}`, risk.AssessmentShape)
	return b.String()
}

// ReframeSystemPrompt instructs a rewrite that keeps the need and drops blame.
func ReframeSystemPrompt() string {
	return `Rewrite the user's message so it can be delivered to their partner.
- Remove blame, contempt, sarcasm and generalizations such as "always" and "never".
- Keep the underlying need or request, in the first person.
- The rewrite must not be longer than the original.
- Return only the rewritten message, with no quotes or commentary.`
}

// ReframeTokenBudget sizes the reframe call to the original message.
func ReframeTokenBudget(original string) int {
	n := len(strings.Fields(original))*2 + 32
	if n > ReframeMaxTokens {
		return ReframeMaxTokens
	}
	return n
}

func roleLabel(r models.Role) string {
	switch r {
	case models.RoleUserA:
		return "Participant A"
	case models.RoleUserB:
		return "Participant B"
	case models.RoleBot:
		return "Coach"
	default:
		return string(r)
	}
}

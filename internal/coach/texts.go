package coach

import "strings"

// FrustrationMenu is returned instead of further coaching when the sender is frustrated.
const FrustrationMenu = `I can see this is exhausting. Let's try something simpler.

1. A short apology you could send
2. A clear boundary you want to set
3. One rule for next time

Which one fits?`

// GenericCoaching is used when the coaching text cannot be generated or validated.
const GenericCoaching = "I'm having a little trouble right now, but I'm still here with you. Take a moment, and when you're ready, tell me what feels most important about this."

// PartnerHaltNotice is sent to the other participant after a safety hard stop.
const PartnerHaltNotice = "This mediation session has been closed and no further messages will be relayed."

// EmergencyResources lists crisis contacts included in every hard-stop reply.
var EmergencyResources = []string{
	"Crisis Text Line: text HOME to 741741",
	"National Domestic Violence Hotline: 1-800-799-7233",
	"Suicide and Crisis Lifeline: call or text 988",
}

// EmergencyMessage returns the fixed hard-stop reply.
func EmergencyMessage() string {
	var b strings.Builder
	b.WriteString("I'm concerned about your safety, so I've paused this conversation. You don't have to handle this alone.\n\n")
	for _, r := range EmergencyResources {
		b.WriteString("- ")
		b.WriteString(r)
		b.WriteString("\n")
	}
	b.WriteString("\nIf you are in immediate danger, please contact emergency services.")
	return b.String()
}

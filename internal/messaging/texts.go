package messaging

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/TalkBridge/internal/models"
	"github.com/BTreeMap/TalkBridge/internal/reframe"
)

const (
	helpText = `TalkBridge helps you say hard things in a way your partner can hear.

/start - talk things through with me on your own
/invite - invite your partner to a shared session
/join <code> - join a session you were invited to
/pause - pause the shared session
/resume - resume a paused session
/close - close the session
/status - show where things stand
/help - show this message`

	welcomeSoloText       = "I'm here. Tell me what's on your mind, in your own words."
	inviteStartText       = "Let's invite your partner. Write a short, kind note explaining why you'd like to talk. I'll check it before it goes anywhere."
	inviteRejectedText    = "That note might land hard. Try describing how you feel and what you hope for, rather than what they did."
	consentPromptText     = "Your partner has invited you to a TalkBridge session, a guided space to talk through something that matters to you both.\n\n1. Join\n2. Not now"
	declinedAckText       = "Okay. Nothing will be shared. Take care of yourself."
	consentUnclearText    = "Please reply 1 to join or 2 for not now."
	partnerJoinedText     = "Your partner opened your invitation and is deciding whether to join."
	partnerConsentedText  = "Your partner agreed to join. They're taking a moment to reflect before the conversation starts."
	partnerDeclinedText   = "Your partner isn't ready to join right now. You can keep talking things through with me with /start."
	reflectionPromptText  = "Thank you for joining. Before we begin: in your own words, what do you think matters most to your partner right now?"
	reflectionRetryText   = "Could you say a little more? What do you think your partner is feeling or needing?"
	reflectionPassedText  = "Thank you for reflecting. The conversation is open now. Write whenever you're ready, and I'll help you put things into words."
	sessionActiveText     = "Your partner is ready. The conversation is open now."
	waitingForPartnerText = "We're waiting for your partner. I'll let you know as soon as they respond."
	pausedText            = "This session is paused. Send /resume when you're ready to continue."
	pausedNoticeText      = "Your partner paused the session. Send /resume when you're both ready."
	resumedNoticeText     = "The session has been resumed."
	closedText            = "This session is closed. Thank you for taking the time."
	closedNoticeText      = "Your partner closed the session."
	noSessionText         = "You don't have an open session. Send /start to talk with me, or /invite to invite your partner."
	sessionOpenText       = "You already have an open session. Send /status to see where things stand, or /close to end it."
	inviteNotFoundText    = "That invitation code isn't valid or has already been used."
	selfInviteText        = "That's your own invitation. Share the code with your partner instead."
	draftExpiredText      = "That draft is no longer available."
	draftSentText         = "Sent. I'll share it with your partner."
	draftCancelledText    = "Okay, I won't send it."
	editPromptText        = "Write the version you'd like to send."
	editCapText           = "You've reached the edit limit for this draft."
	editToxicText         = "That version might land hard, so I softened it:"
	staleDraftText        = "This session is no longer active, so the draft was not sent."
	notAllowedText        = "That isn't available right now."
	errorText             = "Something went wrong on my side. Please try again in a moment."
	partnerMessagePrefix  = "Your partner wants to share:\n\n"
)

// inviteReadyText tells the inviter how to share the invitation.
func inviteReadyText(note, token string) string {
	return fmt.Sprintf("Your invitation is ready. Send your partner this message:\n\n%s\n\nTo join, they message me: /join %s", note, token)
}

// renderDraft shows a reframe with its numbered choices.
func renderDraft(intro string, d models.PendingReframe, choices []reframe.Choice) string {
	var b strings.Builder
	if intro != "" {
		b.WriteString(intro)
		b.WriteString("\n\n")
	}
	b.WriteString("\"")
	b.WriteString(d.Reframed)
	b.WriteString("\"\n\n")
	b.WriteString(renderChoices(choices))
	return b.String()
}

// renderChoices lists the options. Numbers are fixed so "1" always sends.
func renderChoices(choices []reframe.Choice) string {
	var lines []string
	for _, c := range choices {
		switch c {
		case reframe.ChoiceSend:
			lines = append(lines, "1. Send it")
		case reframe.ChoiceEdit:
			lines = append(lines, "2. Edit it")
		case reframe.ChoiceCancel:
			lines = append(lines, "3. Don't send")
		}
	}
	return strings.Join(lines, "\n")
}

// parseChoice maps a reply onto a choice. Only offered choices are accepted.
func parseChoice(text string, offered []reframe.Choice) (reframe.Choice, bool) {
	var c reframe.Choice
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "1", "send", "yes":
		c = reframe.ChoiceSend
	case "2", "edit":
		c = reframe.ChoiceEdit
	case "3", "cancel", "no":
		c = reframe.ChoiceCancel
	default:
		return "", false
	}
	for _, o := range offered {
		if o == c {
			return c, true
		}
	}
	return "", false
}

func joinChoices(choices []reframe.Choice) string {
	parts := make([]string, len(choices))
	for i, c := range choices {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func splitChoices(raw string) []reframe.Choice {
	if raw == "" {
		return nil
	}
	var out []reframe.Choice
	for _, p := range strings.Split(raw, ",") {
		out = append(out, reframe.Choice(p))
	}
	return out
}

// parseConsent maps a consent reply.
func parseConsent(text string) (consent, ok bool) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "1", "yes", "join":
		return true, true
	case "2", "no", "not now":
		return false, true
	default:
		return false, false
	}
}

func statusText(s models.Session, role models.Role) string {
	var state string
	switch s.Status {
	case models.StatusAsyncCoaching:
		state = "You're in a private coaching session."
	case models.StatusInviteCrafting:
		state = "You're writing an invitation for your partner."
	case models.StatusInvitePending:
		state = "Your invitation is waiting for your partner."
	case models.StatusPendingPartnerConsent:
		if role == models.RoleUserB {
			state = "You've been invited. Reply 1 to join or 2 for not now."
		} else {
			state = "Your partner is deciding whether to join."
		}
	case models.StatusReflectionGate:
		state = "Your partner is reflecting before the conversation opens."
		if role == models.RoleUserB {
			state = "Share what you think matters most to your partner."
		}
	case models.StatusActive:
		state = "Your shared session is active."
	case models.StatusPaused:
		state = "Your shared session is paused."
	default:
		state = "Session status: " + string(s.Status)
	}
	return state
}

package coach

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/BTreeMap/TalkBridge/internal/models"
)

// Draft readiness thresholds.
const (
	DraftTurnThreshold      = 4
	EarlyDraftTurnThreshold = 3
	EarlyDraftMinChars      = 100
)

// frustrationTriggers are matched against the lowercased message. Single words need word
// boundaries; phrases match as substrings.
var frustrationTriggers = []string{
	"fed up",
	"this isn't helping",
	"this is not helping",
	"not helping",
	"i quit",
	"i give up",
	"forget it",
	"leave me alone",
	"waste of time",
	"not for me",
	"no point",
	"stop asking",
	"i don't get what you want",
	"enough",
	"pointless",
	"useless",
	"ugh",
}

var goalLanguage = regexp.MustCompile(`(?i)\b(want|need|important to me|hope|asking)\b`)

// DetectFrustration reports whether text contains a frustration trigger.
func DetectFrustration(text string) bool {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return false
	}
	normalized = strings.ReplaceAll(normalized, "’", "'")
	for _, trigger := range frustrationTriggers {
		if strings.Contains(trigger, " ") {
			if strings.Contains(normalized, trigger) {
				return true
			}
			continue
		}
		if containsWord(normalized, trigger) {
			return true
		}
	}
	return false
}

// containsWord reports whether word occurs in text with no letter or digit on either side.
func containsWord(text, word string) bool {
	for start := 0; start < len(text); {
		i := strings.Index(text[start:], word)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(word)
		before, _ := utf8.DecodeLastRuneInString(text[:i])
		after, _ := utf8.DecodeRuneInString(text[end:])
		if (i == 0 || !isWordRune(before)) && (end == len(text) || !isWordRune(after)) {
			return true
		}
		start = i + 1
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// TurnCount returns how many history entries were written by role. The count only covers
// the entries passed in; the pipeline passes the last HistoryLimit messages of the session.
func TurnCount(history []models.Turn, role models.Role) int {
	n := 0
	for _, t := range history {
		if t.Role == role {
			n++
		}
	}
	return n
}

// ShouldDraft reports whether the sender has said enough to draft a message for them.
func ShouldDraft(turnCount int, history []models.Turn, role models.Role) bool {
	if turnCount >= DraftTurnThreshold {
		return true
	}
	if turnCount < EarlyDraftTurnThreshold {
		return false
	}
	var parts []string
	for _, t := range history {
		if t.Role == role {
			parts = append(parts, t.Text)
		}
	}
	joined := strings.Join(parts, " ")
	return utf8.RuneCountInString(joined) > EarlyDraftMinChars && goalLanguage.MatchString(joined)
}

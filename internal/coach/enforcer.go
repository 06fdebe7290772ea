// Package coach holds the non-AI parts of coaching: the response quality enforcer, local
// conversation signals, fixed texts and the prompt builders for generation calls.
package coach

import (
	"strings"
	"unicode"
)

const (
	// MaxWords is the target length of a coaching reply.
	MaxWords = 55
	// TruncationCeiling is the word count above which replies are cut.
	TruncationCeiling = MaxWords + 20
)

// ArchitectureCorrection replaces sentences that misdescribe how the two participants talk to
// the service.
const ArchitectureCorrection = "Just so you know, you and your partner each talk with me in separate private chats, and nothing reaches them unless you approve it."

// forbiddenPhrases misdescribe the separate-channels architecture.
var forbiddenPhrases = []string{
	"in this chat together",
	"in this group",
	"group chat",
	"both of you here",
	"both of you in this chat",
	"your partner can see this",
	"your partner can read this",
	"your partner will see this",
	"your partner is reading",
	"share this chat with",
	"show this chat to",
	"we are all here",
	"we're all here",
}

// implicitQuestionOpeners start sentences that ask something without a question mark.
var implicitQuestionOpeners = []string{
	"tell me",
	"share with me",
	"describe",
	"explain",
	"help me understand",
	"walk me through",
	"let me know",
}

// Enforce applies the architecture, single-question and length passes in that order. Text
// that needs no change is returned unchanged.
func Enforce(text string) string {
	out := replaceArchitectureClaims(text)
	if strings.Count(out, "?") > 1 {
		out = keepFirstQuestion(out)
	}
	if wordCount(out) > TruncationCeiling {
		out = TruncateWords(out, TruncationCeiling)
	}
	return out
}

func replaceArchitectureClaims(text string) string {
	lower := strings.ToLower(text)
	hit := false
	for _, p := range forbiddenPhrases {
		if strings.Contains(lower, p) {
			hit = true
			break
		}
	}
	if !hit {
		return text
	}

	sentences := splitSentences(text)
	out := make([]string, 0, len(sentences))
	corrected := false
	for _, s := range sentences {
		if containsForbidden(s) {
			if !corrected {
				out = append(out, ArchitectureCorrection)
				corrected = true
			}
			continue
		}
		out = append(out, s)
	}
	return strings.Join(out, " ")
}

func containsForbidden(sentence string) bool {
	lower := strings.ToLower(sentence)
	for _, p := range forbiddenPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func keepFirstQuestion(text string) string {
	sentences := splitSentences(text)
	out := make([]string, 0, len(sentences))
	kept := false
	for _, s := range sentences {
		if isQuestion(s) {
			if kept {
				continue
			}
			kept = true
		}
		out = append(out, s)
	}
	return strings.Join(out, " ")
}

func isQuestion(sentence string) bool {
	if strings.Contains(sentence, "?") {
		return true
	}
	lower := strings.ToLower(strings.TrimLeftFunc(sentence, func(r rune) bool {
		return !unicode.IsLetter(r)
	}))
	for _, opener := range implicitQuestionOpeners {
		if strings.HasPrefix(lower, opener) {
			return true
		}
	}
	return false
}

// TruncateWords cuts text to at most limit words, ending at the last sentence boundary when
// that boundary lies past half of the cut text, otherwise at the word limit.
func TruncateWords(text string, limit int) string {
	words := strings.Fields(text)
	if len(words) <= limit {
		return text
	}
	cut := strings.Join(words[:limit], " ")
	boundary := strings.LastIndexAny(cut, ".!?")
	if boundary > len(cut)/2 {
		return cut[:boundary+1]
	}
	return cut
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}

// splitSentences splits on terminal punctuation followed by whitespace. Newlines also end a
// sentence. Empty fragments are dropped.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	runes := []rune(text)
	flush := func() {
		s := strings.TrimSpace(current.String())
		if s != "" {
			sentences = append(sentences, s)
		}
		current.Reset()
	}
	for i, r := range runes {
		if r == '\n' {
			flush()
			continue
		}
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				flush()
			}
		}
	}
	flush()
	return sentences
}

package policy

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ActionDecision is the result of screening a player action before it is
// stored and sent to a hosted model.
type ActionDecision struct {
	Blocked   bool
	Reason    string
	Sanitized string
	Redacted  bool
}

var promptBreakPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bignore (all|any|previous|prior|the) (instructions|rules|prompts?)\b`),
	regexp.MustCompile(`(?i)\b(system|developer) prompt\b`),
	regexp.MustCompile(`(?i)\byou are (now )?(an? )?(ai|assistant|language model|chatbot)\b`),
	regexp.MustCompile(`(?i)\b(reveal|show|print|repeat)\b.*\b(instructions|your prompt)\b`),
}

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// ScreenAction normalizes a player action and decides whether it may reach
// the narrator. Accepted actions come back sanitized: whitespace collapsed,
// control characters stripped, PII masked.
func ScreenAction(input string, maxChars int) ActionDecision {
	text := normalizeAction(input)
	if text == "" {
		return ActionDecision{
			Blocked: true,
			Reason:  "action text is empty",
		}
	}
	if maxChars > 0 && utf8.RuneCountInString(text) > maxChars {
		return ActionDecision{
			Blocked: true,
			Reason:  fmt.Sprintf("action text exceeds %d characters", maxChars),
		}
	}
	for _, re := range promptBreakPatterns {
		if re.MatchString(text) {
			return ActionDecision{
				Blocked: true,
				Reason:  "action tries to steer the narrator instead of the story",
			}
		}
	}

	redacted, changed := RedactPII(text)
	return ActionDecision{
		Sanitized: redacted,
		Redacted:  changed,
	}
}

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Run card redaction before phone to avoid card numbers being classified as phone.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

func normalizeAction(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

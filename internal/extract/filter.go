package extract

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// privateTagRegex matches <private>...</private> blocks (non-greedy, dotall).
var privateTagRegex = regexp.MustCompile(`(?s)<private>.*?</private>`)

// StripPrivate removes every <private>...</private> block and trims the rest.
func StripPrivate(content string) string {
	return strings.TrimSpace(privateTagRegex.ReplaceAllString(content, ""))
}

// denyPatterns match text that is never worth remembering on its own.
var denyPatterns = []*regexp.Regexp{
	// acknowledgements
	regexp.MustCompile(`(?i)^(ok(ay)?|yes|yep|yeah|no|nope|sure|thanks?( you)?( so much| a lot)?|thx|ty|great|cool|nice|perfect|awesome|got it|sounds good|lgtm|done|continue|go ahead|proceed|makes sense)[\s.!]*$`),
	// greetings
	regexp.MustCompile(`(?i)^(hi|hello|hey|good (morning|afternoon|evening))\b[^\n]{0,40}$`),
	// punctuation, symbols, and digits only
	regexp.MustCompile(`^[\p{P}\p{S}\p{N}\s]+$`),
	// single-line status narration
	regexp.MustCompile(`(?i)^(let me|let's|i'll|i will|i'm going to|now i('ll| will)|first,? i'll|next,? i'll|checking|looking at|reading|running|searching)\b[^\n]{0,120}$`),
}

// IsMeaningful reports whether text clears the length floor and the deny-list.
func IsMeaningful(text string, minLength int) bool {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < minLength {
		return false
	}
	for _, p := range denyPatterns {
		if p.MatchString(text) {
			return false
		}
	}
	return true
}

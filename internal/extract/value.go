package extract

import (
	"regexp"
	"strings"
)

// Value ranks how worth remembering a piece of text is.
type Value int

const (
	ValueNone Value = iota
	ValueStandard
	ValueHigh
)

func (v Value) String() string {
	switch v {
	case ValueHigh:
		return "high"
	case ValueStandard:
		return "standard"
	default:
		return "none"
	}
}

var highValuePatterns = []*regexp.Regexp{
	// decisions
	regexp.MustCompile(`(?i)\b(decided|decision|we chose|chose to|going with|opted (to|for)|settled on|instead of|trade-?off)\b`),
	// architecture
	regexp.MustCompile(`(?i)\b(architecture|design(ed)? (choice|decision|pattern)|schema|data model|interface between|layering|migration plan)\b`),
	// outcomes
	regexp.MustCompile(`(?i)\b(root cause|fixed|resolved|the fix|solution was|works now|now works|implemented|shipped)\b`),
	// blockers
	regexp.MustCompile(`(?i)\b(blocked|blocker|stuck on|workaround|unable to|can ?not|can't|fails because|failing because)\b`),
}

// structuralPattern spots code, paths, and other technical structure.
var structuralPattern = regexp.MustCompile("```|`[^`\\n]+`|\\b[\\w-]+\\.(go|ts|tsx|js|jsx|py|rs|java|rb|sql|ya?ml|json|toml|md|sh)\\b|\\bfunc\\s|=>|::|\\w\\(\\)|(^|\\s)/[\\w.-]+/[\\w./-]+")

const standardWordCount = 15

// Classify assigns a value tier. Text below standard is dropped by the
// extractor.
func Classify(text string) Value {
	for _, p := range highValuePatterns {
		if p.MatchString(text) {
			return ValueHigh
		}
	}
	if structuralPattern.MatchString(text) || len(strings.Fields(text)) >= standardWordCount {
		return ValueStandard
	}
	return ValueNone
}

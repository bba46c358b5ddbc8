package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/iammorganparry/recall/internal/models"
)

const (
	maxInsightRunes = 200
	maxInsights     = 10
	maxTopics       = 3
	maxTopicRunes   = 80
)

var (
	decisionPattern = regexp.MustCompile(`(?i)\b(?:decided to|decision(?: was|:)|we(?:'ll| will) (?:use|go with)|going with|chose to|opted (?:to|for)|settled on)\s+([^.!?\n]{8,300})`)
	outcomePattern  = regexp.MustCompile(`(?i)\b(?:fixed|resolved|implemented|completed|finished|shipped|successfully)\s+([^.!?\n]{5,300})`)
	blockerPattern  = regexp.MustCompile(`(?i)\b(?:blocked (?:by|on)|stuck on|unable to|cannot|can't|failing because|fails because)\s+([^.!?\n]{5,300})`)
)

// Insights is the heuristic digest of one session.
type Insights struct {
	Topics    []string
	Decisions []string
	Outcomes  []string
	Blockers  []string
}

// ExtractInsights pulls decision, outcome, and blocker phrases out of the
// turns. Topics come from the opening line of meaningful user turns.
func ExtractInsights(turns []models.Turn) Insights {
	var in Insights
	decisions := newPhraseSet()
	outcomes := newPhraseSet()
	blockers := newPhraseSet()
	topics := newPhraseSet()

	for _, t := range turns {
		content := StripPrivate(t.Content)
		collect(decisions, decisionPattern, content)
		collect(outcomes, outcomePattern, content)
		collect(blockers, blockerPattern, content)

		if t.Role == models.RoleUser && len(topics.items) < maxTopics {
			line := strings.TrimSpace(strings.SplitN(content, "\n", 2)[0])
			if IsMeaningful(line, 10) {
				topics.add(truncateRunes(line, maxTopicRunes))
			}
		}
	}

	in.Topics = topics.items
	in.Decisions = decisions.items
	in.Outcomes = outcomes.items
	in.Blockers = blockers.items
	return in
}

// Summary renders a one-paragraph description of the session.
func (in Insights) Summary() string {
	var parts []string
	if len(in.Topics) > 0 {
		parts = append(parts, "Worked on: "+strings.Join(in.Topics, "; ")+".")
	}
	if len(in.Outcomes) > 0 {
		n := min(2, len(in.Outcomes))
		parts = append(parts, "Outcomes: "+strings.Join(in.Outcomes[:n], "; ")+".")
	}
	if len(in.Decisions) > 0 {
		parts = append(parts, fmt.Sprintf("Decisions made: %d.", len(in.Decisions)))
	}
	if len(in.Blockers) > 0 {
		parts = append(parts, fmt.Sprintf("Open blockers: %d.", len(in.Blockers)))
	}
	if len(parts) == 0 {
		return "Session archived with no notable insights."
	}
	return strings.Join(parts, " ")
}

func collect(set *phraseSet, p *regexp.Regexp, content string) {
	for _, m := range p.FindAllStringSubmatch(content, -1) {
		if len(set.items) >= maxInsights {
			return
		}
		set.add(truncateRunes(strings.TrimSpace(m[1]), maxInsightRunes))
	}
}

// phraseSet keeps first-seen order and drops case-insensitive repeats.
type phraseSet struct {
	seen  map[string]bool
	items []string
}

func newPhraseSet() *phraseSet {
	return &phraseSet{seen: make(map[string]bool)}
}

func (s *phraseSet) add(phrase string) {
	if phrase == "" {
		return
	}
	key := strings.ToLower(phrase)
	if s.seen[key] {
		return
	}
	s.seen[key] = true
	s.items = append(s.items, phrase)
}

func truncateRunes(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return strings.TrimSpace(string(rs[:n]))
}

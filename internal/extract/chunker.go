package extract

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Chunker splits text into chunks whose rune length lies between Floor and
// Cap. Only the last chunk of a text may be shorter than Floor.
type Chunker struct {
	floor, target, cap, long int
}

func NewChunker(cfg Config) *Chunker {
	return &Chunker{floor: cfg.ChunkFloor, target: cfg.ChunkTarget, cap: cfg.ChunkCap, long: cfg.LongSentence}
}

var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)

// Chunk splits on paragraphs first. Paragraphs that fit under the cap are
// kept whole; longer ones are split at sentence boundaries.
func (c *Chunker) Chunk(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	p := &packer{c: c}
	for _, para := range paragraphBreak.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		n := runeLen(para)
		if n <= c.cap {
			p.add(para, "\n\n", n >= c.floor)
			continue
		}
		for i, s := range c.sentences(para) {
			sep := " "
			if i == 0 {
				sep = "\n\n"
			}
			p.add(s, sep, false)
		}
	}
	return p.finish()
}

// sentences splits a paragraph at sentence ends and line breaks. Sentences
// longer than the cap are cut at word boundaries.
func (c *Chunker) sentences(para string) []string {
	var out []string
	for _, s := range splitSentences(para) {
		for runeLen(s) > c.cap {
			head, tail := splitWords(s, c.cap)
			out = append(out, head)
			s = tail
		}
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// packer accumulates units into chunks.
type packer struct {
	c         *Chunker
	cur       string
	curSep    string // separator that joined cur to the previous chunk
	curWhole  bool   // cur is exactly one whole paragraph
	lastWhole bool   // the last emitted chunk is exactly one whole paragraph
	out       []string
}

func (p *packer) add(unit, sep string, whole bool) {
	if p.cur == "" {
		p.start(unit, sep, whole)
		return
	}
	curLen := runeLen(p.cur)

	// A paragraph that stands on its own starts a fresh chunk.
	if whole && curLen >= p.c.floor {
		p.flush()
		p.start(unit, sep, whole)
		return
	}

	joined := p.cur + sep + unit
	if runeLen(joined) > p.c.cap {
		if curLen >= p.c.floor {
			p.flush()
			p.start(unit, sep, whole)
			return
		}
		// A short remainder ahead of a whole paragraph goes backwards so
		// the paragraph is not cut.
		if whole && p.settleShort() {
			p.start(unit, sep, whole)
			return
		}
		// Too short to emit: top it up from the front of unit.
		head, tail := splitWords(unit, p.c.cap-curLen-runeLen(sep))
		if head != "" {
			p.cur += sep + head
		}
		p.flush()
		p.start(tail, " ", false)
		return
	}

	if curLen >= p.c.target && runeLen(unit) >= p.c.long {
		p.flush()
		p.start(unit, sep, whole)
		return
	}
	p.cur = joined
	p.curWhole = false
}

// settleShort disposes of a cur shorter than the floor without touching the
// next unit: it is appended to the previous chunk when the cap allows,
// otherwise the previous chunk and cur are re-split at a word boundary into
// two chunks within bounds. A previous chunk that is a whole paragraph is
// never re-split. Reports whether cur was disposed of.
func (p *packer) settleShort() bool {
	n := len(p.out)
	if n == 0 {
		return false
	}
	merged := p.out[n-1] + p.curSep + strings.TrimSpace(p.cur)
	total := runeLen(merged)
	if total <= p.c.cap {
		p.out[n-1] = merged
		p.lastWhole = false
		p.cur = ""
		return true
	}
	if p.lastWhole {
		return false
	}
	head, tail := splitWords(merged, min(p.c.cap, total-p.c.floor-1))
	if runeLen(head) < p.c.floor || runeLen(tail) < p.c.floor || runeLen(tail) > p.c.cap {
		return false
	}
	p.out[n-1] = head
	p.out = append(p.out, tail)
	p.lastWhole = false
	p.cur = ""
	return true
}

func (p *packer) start(unit, sep string, whole bool) {
	p.cur = unit
	p.curSep = sep
	p.curWhole = whole
}

func (p *packer) flush() {
	if s := strings.TrimSpace(p.cur); s != "" {
		p.out = append(p.out, s)
		p.lastWhole = p.curWhole
	}
	p.cur = ""
}

// finish emits the remainder, folding a short one into the previous chunk
// when the cap allows.
func (p *packer) finish() []string {
	rest := strings.TrimSpace(p.cur)
	p.cur = ""
	if rest == "" {
		return p.out
	}
	if n := len(p.out); n > 0 && runeLen(rest) < p.c.floor {
		merged := p.out[n-1] + p.curSep + rest
		if runeLen(merged) <= p.c.cap {
			p.out[n-1] = merged
			return p.out
		}
	}
	return append(p.out, rest)
}

func splitSentences(text string) []string {
	var out []string
	emit := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	rs := []rune(text)
	start := 0
	for i, r := range rs {
		switch {
		case r == '\n':
			emit(string(rs[start:i]))
			start = i + 1
		case (r == '.' || r == '!' || r == '?') && (i+1 == len(rs) || unicode.IsSpace(rs[i+1])):
			emit(string(rs[start : i+1]))
			start = i + 1
		}
	}
	emit(string(rs[start:]))
	return out
}

// splitWords cuts s so the head holds at most limit runes, preferring the
// last whitespace in the second half of the window.
func splitWords(s string, limit int) (head, tail string) {
	if limit < 1 {
		limit = 1
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return s, ""
	}
	cut := limit
	for i := limit; i > limit/2; i-- {
		if unicode.IsSpace(rs[i]) {
			cut = i
			break
		}
	}
	return strings.TrimSpace(string(rs[:cut])), strings.TrimSpace(string(rs[cut:]))
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

package otp

import (
	"cmp"
	"math"
	"slices"
	"sort"
	"unicode"
)

// Verdict is the classifier's decision for one candidate run.
type Verdict int

const (
	Accept Verdict = iota
	RejectInLink
	RejectIncidental
	RejectNoKeyword
	RejectNegative
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case RejectInLink:
		return "reject-in-link"
	case RejectIncidental:
		return "reject-incidental"
	case RejectNoKeyword:
		return "reject-no-keyword"
	case RejectNegative:
		return "reject-negative"
	default:
		return "unknown"
	}
}

// Source tells which part of the message a candidate came from.
type Source int

const (
	SourceSubject Source = iota
	SourceBody
)

func (s Source) String() string {
	if s == SourceSubject {
		return "subject"
	}
	return "body"
}

type span struct {
	start, end int
}

func (s span) overlaps(o span) bool {
	return s.start < o.end && o.start < s.end
}

func (s span) within(lo, hi int) bool {
	return s.start >= lo && s.end <= hi
}

// distance is the gap in runes between two spans, zero when they touch or overlap.
func (s span) distance(o span) int {
	switch {
	case s.end <= o.start:
		return o.start - s.end
	case o.end <= s.start:
		return s.start - o.end
	default:
		return 0
	}
}

type segment struct {
	source     Source
	start, end int
}

// haystack is subject and body joined by a newline. Segments keep the origin
// of each rune range explicit.
type haystack struct {
	text     []rune
	lower    []rune
	segments []segment
	// lineStarts holds the offset of every line, ascending.
	lineStarts []int
	links      []link
	linksDone  bool
}

func newHaystack(subject, body string) *haystack {
	subj := []rune(subject)
	text := make([]rune, 0, len(subj)+1+len(body))
	text = append(text, subj...)
	text = append(text, '\n')
	text = append(text, []rune(body)...)

	lower := make([]rune, len(text))
	lineStarts := []int{0}
	for i, r := range text {
		lower[i] = unicode.ToLower(r)
		if r == '\n' {
			lineStarts = append(lineStarts, i+1)
		}
	}

	return &haystack{
		text:       text,
		lower:      lower,
		lineStarts: lineStarts,
		segments: []segment{
			{source: SourceSubject, start: 0, end: len(subj)},
			{source: SourceBody, start: len(subj) + 1, end: len(text)},
		},
	}
}

func (h *haystack) origin(pos int) Source {
	for _, seg := range h.segments {
		if pos >= seg.start && pos < seg.end {
			return seg.source
		}
	}
	return SourceBody
}

func (h *haystack) subject() segment {
	return h.segments[0]
}

func (h *haystack) window(s span, radius int) (int, int) {
	return max(0, s.start-radius), min(len(h.text), s.end+radius)
}

// line returns the bounds of the line holding s, without its newline.
// Runs never span a newline.
func (h *haystack) line(s span) (int, int) {
	idx := sort.SearchInts(h.lineStarts, s.start+1)
	lo := h.lineStarts[idx-1]
	hi := len(h.text)
	if idx < len(h.lineStarts) {
		hi = h.lineStarts[idx] - 1
	}
	return lo, hi
}

// keywords holds lower-cased phrases as rune slices.
type keywords [][]rune

func compileKeywords(list []string) keywords {
	out := make(keywords, 0, len(list))
	for _, kw := range list {
		runes := []rune(kw)
		for i, r := range runes {
			runes[i] = unicode.ToLower(r)
		}
		if len(runes) > 0 {
			out = append(out, runes)
		}
	}
	return out
}

// find returns every occurrence of every keyword in text, ordered by start.
func (k keywords) find(text []rune) []span {
	var spans []span
	for _, kw := range k {
		for i := 0; i+len(kw) <= len(text); i++ {
			if hasPrefixAt(text, kw, i) {
				spans = append(spans, span{start: i, end: i + len(kw)})
			}
		}
	}
	slices.SortFunc(spans, func(a, b span) int {
		if c := cmp.Compare(a.start, b.start); c != 0 {
			return c
		}
		return cmp.Compare(a.end, b.end)
	})
	return spans
}

func hasPrefixAt(text, kw []rune, at int) bool {
	for j, r := range kw {
		if text[at+j] != r {
			return false
		}
	}
	return true
}

// firstFrom returns the index of the first span starting at or after lo.
// spans must be ordered by start.
func firstFrom(spans []span, lo int) int {
	return sort.Search(len(spans), func(i int) bool { return spans[i].start >= lo })
}

func anyWithin(spans []span, lo, hi int) bool {
	for i := firstFrom(spans, lo); i < len(spans) && spans[i].start < hi; i++ {
		if spans[i].end <= hi {
			return true
		}
	}
	return false
}

func nearest(spans []span, lo, hi int, target span) int {
	best := math.MaxInt
	for i := firstFrom(spans, lo); i < len(spans) && spans[i].start < hi; i++ {
		if spans[i].end <= hi {
			best = min(best, spans[i].distance(target))
		}
	}
	return best
}

// matches holds keyword occurrences for one haystack.
type matches struct {
	positive []span
	negative []span
	strong   []span
}

// link is a URL or e-mail address token. at is the offset of the rune that
// identified it; the token itself may start earlier.
type link struct {
	at int
	span
}

// linkIndex finds every URL and e-mail address token once per haystack,
// ordered by at.
func (h *haystack) linkIndex() []link {
	if h.linksDone {
		return h.links
	}
	h.linksDone = true

	text, lower := h.text, h.lower
	// stop[i] is the first URL terminator at or after i.
	stop := make([]int, len(text)+1)
	stop[len(text)] = len(text)
	for i := len(text) - 1; i >= 0; i-- {
		if isURLTerminator(text[i]) {
			stop[i] = i
		} else {
			stop[i] = stop[i+1]
		}
	}

	for i := range text {
		switch {
		case text[i] == ':' && i+2 < len(text) && text[i+1] == '/' && text[i+2] == '/':
			start := i
			for start > 0 && isSchemeRune(text[start-1]) {
				start--
			}
			h.links = append(h.links, link{at: i, span: span{start: start, end: stop[i]}})
		case lower[i] == 'w' && i+4 <= len(lower) && string(lower[i:i+4]) == "www." && (i == 0 || !isSchemeRune(text[i-1])):
			h.links = append(h.links, link{at: i, span: span{start: i, end: stop[i]}})
		case text[i] == '@':
			if tok, ok := emailToken(text, i); ok {
				h.links = append(h.links, link{at: i, span: tok})
			}
		}
	}
	return h.links
}

func emailToken(text []rune, at int) (span, bool) {
	start := at
	for start > 0 && isLocalRune(text[start-1]) {
		start--
	}
	if start == at {
		return span{}, false
	}

	end := at + 1
	for end < len(text) && isDomainRune(text[end]) {
		end++
	}
	for end > at+1 && text[end-1] == '.' {
		end--
	}

	domain := text[at+1 : end]
	dot := -1
	for i, r := range domain {
		if r == '.' {
			dot = i
		}
	}
	if dot <= 0 || len(domain)-dot-1 < 2 {
		return span{}, false
	}
	for _, r := range domain[dot+1:] {
		if !isASCIILetter(r) {
			return span{}, false
		}
	}
	return span{start: start, end: end}, true
}

func isSchemeRune(r rune) bool {
	return isASCIILetter(r) || isDigit(r) || r == '+' || r == '.' || r == '-'
}

func isURLTerminator(r rune) bool {
	return r >= 0x80 || unicode.IsSpace(r) || r == '"' || r == '\'' || r == '<' || r == '>'
}

func isLocalRune(r rune) bool {
	return isASCIILetter(r) || isDigit(r) || r == '.' || r == '_' || r == '%' || r == '+' || r == '-'
}

func isDomainRune(r rune) bool {
	return isASCIILetter(r) || isDigit(r) || r == '.' || r == '-'
}

func isASCIILetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func (e *Extractor) inLink(h *haystack, run Run) bool {
	if e.cfg.AllowDigitsInURL {
		return false
	}
	target := span{start: run.Start, end: run.End}
	lo, hi := h.window(target, e.cfg.LinkWindow)
	links := h.linkIndex()
	i := sort.Search(len(links), func(i int) bool { return links[i].at >= lo })
	for ; i < len(links) && links[i].at < hi; i++ {
		if links[i].overlaps(target) {
			return true
		}
	}
	return false
}

// incidental reports runs that look like dates, prices or fragments of a
// decimal number rather than codes.
func incidental(h *haystack, run Run) bool {
	return looksLikeDate(run) || adjoinsNumber(h.text, run) || nextToCurrency(h.text, run)
}

func looksLikeDate(run Run) bool {
	var lens []int
	n := 0
	for _, r := range run.Raw {
		switch {
		case isDigit(r):
			n++
		case r == '-':
			lens = append(lens, n)
			n = 0
		default:
			return false
		}
	}
	lens = append(lens, n)
	if len(lens) != 3 {
		return false
	}

	d := run.Digits
	switch {
	case lens[0] == 4 && lens[1] == 2 && lens[2] == 2:
		return validMonth(d[4:6])
	case lens[0] == 2 && lens[1] == 2 && lens[2] == 4:
		return validMonth(d[0:2]) || validMonth(d[2:4])
	}
	return false
}

func validMonth(s string) bool {
	m := int(s[0]-'0')*10 + int(s[1]-'0')
	return m >= 1 && m <= 12
}

func adjoinsNumber(text []rune, run Run) bool {
	if run.Start >= 2 && isNumberPunct(text[run.Start-1]) && isDigit(text[run.Start-2]) {
		return true
	}
	if run.End+1 < len(text) && isNumberPunct(text[run.End]) && isDigit(text[run.End+1]) {
		return true
	}
	return false
}

func isNumberPunct(r rune) bool {
	return r == '.' || r == ','
}

func nextToCurrency(text []rune, run Run) bool {
	i := run.Start - 1
	if i >= 0 && text[i] == ' ' {
		i--
	}
	if i >= 0 && isCurrency(text[i]) {
		return true
	}
	j := run.End
	if j < len(text) && text[j] == ' ' {
		j++
	}
	return j < len(text) && (text[j] == '元' || text[j] == '円')
}

func isCurrency(r rune) bool {
	switch r {
	case '$', '¥', '￥', '€', '£':
		return true
	}
	return false
}

// classify fills the verdict and ranking attributes of c.
func (e *Extractor) classify(h *haystack, m matches, c *Candidate) {
	if e.inLink(h, c.Run) {
		c.Verdict = RejectInLink
		return
	}
	if incidental(h, c.Run) {
		c.Verdict = RejectIncidental
		return
	}

	target := span{start: c.Start, end: c.End}
	lo, hi := h.window(target, e.cfg.NearWindow)
	ls, le := h.line(target)
	subj := h.subject()

	posNear := anyWithin(m.positive, lo, hi)
	posSubject := anyWithin(m.positive, subj.start, subj.end)
	if !posNear && !posSubject {
		c.Verdict = RejectNoKeyword
		return
	}

	c.SameLine = anyWithin(m.positive, ls, le)
	c.Distance = nearest(m.positive, lo, hi, target)
	switch {
	case c.SameLine:
		c.Tier = 0
	case posNear:
		c.Tier = 1
	default:
		c.Tier = 2
	}

	if anyWithin(m.negative, lo, hi) && !e.negativeOverridden(m, target, lo, hi, ls, le, posNear) {
		c.Verdict = RejectNegative
		return
	}
	c.Verdict = Accept
}

func (e *Extractor) negativeOverridden(m matches, target span, lo, hi, ls, le int, posNear bool) bool {
	switch e.cfg.NegativePolicy {
	case PolicyLenient:
		return posNear
	case PolicyStrong:
		if anyWithin(m.strong, ls, le) {
			return true
		}
		return nearest(m.strong, lo, hi, target) < nearest(m.negative, lo, hi, target)
	default:
		return false
	}
}

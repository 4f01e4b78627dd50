package otp

import (
	"iter"
	"strings"
	"unicode"
)

// Run is a chain of digit groups joined by single separators. Start and End
// are rune offsets into the haystack, End exclusive.
type Run struct {
	Raw    string
	Digits string
	Start  int
	End    int
}

// Len returns the number of digits in the run.
func (r Run) Len() int {
	return len(r.Digits)
}

type group struct {
	start, end int
}

func (g group) len() int {
	return g.end - g.start
}

// Runs yields every digit run in hay whose digit count lies in [minLen, maxLen].
// A run is never adjoined by an ASCII letter or a digit. Chains longer than
// maxLen are split only at their separators; a single group longer than maxLen
// belongs to a longer number and is dropped.
func Runs(hay []rune, minLen, maxLen int) iter.Seq[Run] {
	return func(yield func(Run) bool) {
		i := 0
		for i < len(hay) {
			if !isDigit(hay[i]) {
				i++
				continue
			}

			groups := scanChain(hay, i)
			start, end := groups[0].start, groups[len(groups)-1].end
			i = end

			if start > 0 && isWordRune(hay[start-1]) {
				continue
			}
			if end < len(hay) && isWordRune(hay[end]) {
				continue
			}

			for _, run := range splitChain(hay, groups, maxLen) {
				if n := run.Len(); n < minLen || n > maxLen {
					continue
				}
				if !yield(run) {
					return
				}
			}
		}
	}
}

// scanChain collects the digit groups of the chain starting at hay[start].
func scanChain(hay []rune, start int) []group {
	var groups []group
	i := start
	for {
		g := group{start: i}
		for i < len(hay) && isDigit(hay[i]) {
			i++
		}
		g.end = i
		groups = append(groups, g)

		if i+1 < len(hay) && isSeparator(hay[i]) && isDigit(hay[i+1]) {
			i++
			continue
		}
		return groups
	}
}

func splitChain(hay []rune, groups []group, maxLen int) []Run {
	total := 0
	for _, g := range groups {
		total += g.len()
	}
	if total <= maxLen {
		return []Run{newRun(hay, groups[0].start, groups[len(groups)-1].end)}
	}

	var (
		runs  []Run
		first = -1
		last  = -1
		count = 0
	)
	flush := func() {
		if first >= 0 {
			runs = append(runs, newRun(hay, groups[first].start, groups[last].end))
		}
		first, last, count = -1, -1, 0
	}
	for idx, g := range groups {
		if g.len() > maxLen {
			flush()
			continue
		}
		if count+g.len() > maxLen {
			flush()
		}
		if first < 0 {
			first = idx
		}
		last = idx
		count += g.len()
	}
	flush()
	return runs
}

func newRun(hay []rune, start, end int) Run {
	raw := string(hay[start:end])
	return Run{Raw: raw, Digits: Normalize(raw), Start: start, End: end}
}

// Normalize strips run separators. It is idempotent.
func Normalize(s string) string {
	return strings.Map(func(r rune) rune {
		if isSeparator(r) {
			return -1
		}
		return r
	}, s)
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func isSeparator(r rune) bool {
	return r == ' ' || r == '\t' || r == '-'
}

func isWordRune(r rune) bool {
	if r < 0x80 {
		return isDigit(r) || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
	}
	return unicode.IsDigit(r)
}

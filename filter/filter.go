package filter

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeSender  []string
	IncludeSubject []string
	ExcludeSender  []string
	ExcludeSubject []string
}

// Field names the message attribute a pattern is matched against.
type Field string

const (
	FieldSender  Field = "sender"
	FieldSubject Field = "subject"
)

// PatternStat reports how often a single pattern matched.
type PatternStat struct {
	Field   Field
	Exclude bool
	Pattern string
	Hits    int64
}

type pattern struct {
	re   *regexp.Regexp
	hits atomic.Int64
}

// Filter holds compiled regex patterns for filtering messages. It is safe for
// concurrent use.
type Filter struct {
	includeMode    bool
	excludeMode    bool
	includeSender  []*pattern
	includeSubject []*pattern
	excludeSender  []*pattern
	excludeSubject []*pattern
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeSender, err := compilePatterns(opts.IncludeSender)
	if err != nil {
		return nil, fmt.Errorf("compile include-sender pattern: %w", err)
	}
	includeSubject, err := compilePatterns(opts.IncludeSubject)
	if err != nil {
		return nil, fmt.Errorf("compile include-subject pattern: %w", err)
	}
	excludeSender, err := compilePatterns(opts.ExcludeSender)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-sender pattern: %w", err)
	}
	excludeSubject, err := compilePatterns(opts.ExcludeSubject)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-subject pattern: %w", err)
	}

	includeActive := len(includeSender) > 0 || len(includeSubject) > 0
	excludeActive := len(excludeSender) > 0 || len(excludeSubject) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		includeMode:    includeActive,
		excludeMode:    excludeActive,
		includeSender:  includeSender,
		includeSubject: includeSubject,
		excludeSender:  excludeSender,
		excludeSubject: excludeSubject,
	}, nil
}

// Active reports whether any pattern is configured.
func (f *Filter) Active() bool {
	return f.includeMode || f.excludeMode
}

// Allows returns true if the message passes the filter criteria. Sender is
// matched against the full From value, e.g. `Bank <no-reply@bank.example>`.
func (f *Filter) Allows(sender, subject string) bool {
	if f.includeMode {
		return matchAny(f.includeSender, sender) || matchAny(f.includeSubject, subject)
	}

	if f.excludeMode {
		if matchAny(f.excludeSender, sender) || matchAny(f.excludeSubject, subject) {
			return false
		}
	}

	return true
}

// Stats returns per-pattern hit counts, most hits first.
func (f *Filter) Stats() []PatternStat {
	var out []PatternStat
	add := func(field Field, exclude bool, patterns []*pattern) {
		for _, p := range patterns {
			out = append(out, PatternStat{Field: field, Exclude: exclude, Pattern: p.re.String(), Hits: p.hits.Load()})
		}
	}
	add(FieldSender, false, f.includeSender)
	add(FieldSubject, false, f.includeSubject)
	add(FieldSender, true, f.excludeSender)
	add(FieldSubject, true, f.excludeSubject)

	sort.SliceStable(out, func(i, j int) bool { return out[i].Hits > out[j].Hits })
	return out
}

func compilePatterns(patterns []string) ([]*pattern, error) {
	compiled := make([]*pattern, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		compiled = append(compiled, &pattern{re: re})
	}
	return compiled, nil
}

// matchAny counts a hit for every matching pattern, not just the first.
func matchAny(patterns []*pattern, text string) bool {
	matched := false
	for _, p := range patterns {
		if p.re.MatchString(text) {
			p.hits.Add(1)
			matched = true
		}
	}
	return matched
}

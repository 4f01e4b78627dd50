// Package otp finds one-time verification codes in mail text.
//
// Extraction is pure: an Extractor holds an immutable Config and may be used
// from many goroutines at once.
package otp

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

var ErrInvalidConfig = errors.New("invalid extraction config")

// Result is the full outcome of one extraction.
type Result struct {
	Code  string
	Found bool
	// Rule is the sender rule that decided the result, if any.
	Rule *SenderRule
	// Relaxed is set when the code came from the relaxed fallback.
	Relaxed    bool
	Candidates []Candidate
}

// Extractor applies a fixed Config to messages.
type Extractor struct {
	cfg      Config
	positive keywords
	negative keywords
	strong   keywords
}

// New validates cfg and returns an Extractor owning a private copy of it.
func New(cfg Config) (*Extractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	cfg = cloneConfig(cfg)
	return &Extractor{
		cfg:      cfg,
		positive: compileKeywords(cfg.PositiveKeywords),
		negative: compileKeywords(cfg.NegativeKeywords),
		strong:   compileKeywords(cfg.StrongKeywords),
	}, nil
}

// Config returns a copy of the extractor's configuration.
func (e *Extractor) Config() Config {
	return cloneConfig(e.cfg)
}

func cloneConfig(c Config) Config {
	c.PositiveKeywords = slices.Clone(c.PositiveKeywords)
	c.NegativeKeywords = slices.Clone(c.NegativeKeywords)
	c.StrongKeywords = slices.Clone(c.StrongKeywords)
	c.SenderRules = slices.Clone(c.SenderRules)
	return c
}

// Extract returns the most likely code in the message.
func (e *Extractor) Extract(body, subject, sender string) (string, bool) {
	res := e.Analyze(body, subject, sender)
	return res.Code, res.Found
}

// Analyze is Extract with every scored candidate attached.
func (e *Extractor) Analyze(body, subject, sender string) Result {
	if body == "" && subject == "" {
		return Result{}
	}
	h := newHaystack(subject, body)

	if rule := e.matchSender(sender); rule != nil {
		return e.analyzeRule(h, rule)
	}

	m := matches{
		positive: e.positive.find(h.lower),
		negative: e.negative.find(h.lower),
		strong:   e.strong.find(h.lower),
	}

	var cands []Candidate
	for run := range Runs(h.text, e.cfg.MinLength, e.cfg.MaxLength) {
		c := Candidate{Run: run, Source: h.origin(run.Start), Distance: math.MaxInt}
		e.classify(h, m, &c)
		cands = append(cands, c)
	}

	res := Result{Candidates: cands}
	if ranked := rank(cands); len(ranked) > 0 {
		res.Code, res.Found = ranked[0].Digits, true
		return res
	}

	if e.cfg.RelaxedLength > 0 {
		for _, c := range cands {
			if c.Verdict == RejectNoKeyword && c.Len() == e.cfg.RelaxedLength {
				res.Code, res.Found, res.Relaxed = c.Digits, true, true
				break
			}
		}
	}
	return res
}

// analyzeRule takes the first run of exactly rule.Length digits outside a link.
// Other lengths are never returned for a matched sender.
func (e *Extractor) analyzeRule(h *haystack, rule *SenderRule) Result {
	res := Result{Rule: rule}
	for run := range Runs(h.text, rule.Length, rule.Length) {
		c := Candidate{Run: run, Source: h.origin(run.Start), Distance: math.MaxInt}
		if e.inLink(h, run) {
			c.Verdict = RejectInLink
			res.Candidates = append(res.Candidates, c)
			continue
		}
		c.Verdict = Accept
		res.Candidates = append(res.Candidates, c)
		res.Code, res.Found = run.Digits, true
		return res
	}
	return res
}

package otp

import (
	"cmp"
	"slices"
)

// Candidate is a scanned run together with its classification.
type Candidate struct {
	Run
	Source  Source
	Verdict Verdict
	// SameLine is set when a positive keyword shares the run's line.
	SameLine bool
	// Distance to the nearest positive keyword in the near window, in runes.
	// math.MaxInt when only the subject supports the run.
	Distance int
	// Tier is 0 for same-line support, 1 for near-window support, 2 for
	// subject-only support.
	Tier int
}

func compareCandidates(a, b Candidate) int {
	if c := cmp.Compare(a.Tier, b.Tier); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Source, b.Source); c != 0 {
		return c
	}
	return cmp.Compare(a.Start, b.Start)
}

// rank returns the accepted candidates, best first.
func rank(cands []Candidate) []Candidate {
	accepted := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Verdict == Accept {
			accepted = append(accepted, c)
		}
	}
	slices.SortStableFunc(accepted, compareCandidates)
	return accepted
}

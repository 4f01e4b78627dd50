package runner

import (
	"sync"

	"github.com/dhcgn/mail-otp-relay/state"
)

// Gate decides which mailbox entries a polling source hands to the pipeline.
// It is shared across reconnects so in-flight messages are never emitted twice.
type Gate struct {
	mu           sync.Mutex
	tracker      state.Tracker
	startupLastN int
	maxPerPoll   int
	primed       bool
	emitted      map[string]struct{}
}

func NewGate(tracker state.Tracker, startupLastN, maxPerPoll int) *Gate {
	return &Gate{
		tracker:      tracker,
		startupLastN: startupLastN,
		maxPerPoll:   maxPerPoll,
		emitted:      make(map[string]struct{}),
	}
}

// Select takes the keys currently in the mailbox, oldest first. It returns
// the keys to fetch and, on the first call only, the older unseen keys that
// should be recorded as baseline instead of relayed.
func (g *Gate) Select(keys []string) (fetch, baseline []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	present := make(map[string]struct{}, len(keys))
	var unseen []string
	for _, key := range keys {
		present[key] = struct{}{}
		if _, ok := g.emitted[key]; ok {
			continue
		}
		if g.tracker.AlreadyProcessed(key) {
			continue
		}
		unseen = append(unseen, key)
	}

	for key := range g.emitted {
		if _, ok := present[key]; !ok || g.tracker.AlreadyProcessed(key) {
			delete(g.emitted, key)
		}
	}

	if !g.primed {
		g.primed = true
		if len(unseen) > g.startupLastN {
			cut := len(unseen) - g.startupLastN
			baseline = unseen[:cut:cut]
			unseen = unseen[cut:]
		}
	}

	if g.maxPerPoll > 0 && len(unseen) > g.maxPerPoll {
		unseen = unseen[len(unseen)-g.maxPerPoll:]
	}
	return unseen, baseline
}

// Emitted records that key was handed to the pipeline.
func (g *Gate) Emitted(key string) {
	g.mu.Lock()
	g.emitted[key] = struct{}{}
	g.mu.Unlock()
}

// Primed reports whether the startup baseline has been taken.
func (g *Gate) Primed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.primed
}

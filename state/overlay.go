package state

// Overlay answers lookups from a base tracker but keeps new ids in memory, so
// a dry run sees earlier state without changing it.
type Overlay struct {
	base    Tracker
	pending *MemoryTracker
}

func NewOverlay(base Tracker) *Overlay {
	return &Overlay{base: base, pending: NewMemoryTracker(0)}
}

func (o *Overlay) AlreadyProcessed(id string) bool {
	return o.pending.AlreadyProcessed(id) || o.base.AlreadyProcessed(id)
}

func (o *Overlay) MarkProcessed(id, outcome string) error {
	return o.pending.MarkProcessed(id, outcome)
}

func (o *Overlay) Snapshot() Snapshot {
	return Snapshot{Processed: o.base.Snapshot().Processed + o.pending.Snapshot().Processed}
}

// Close closes the base tracker. Pending ids are dropped.
func (o *Overlay) Close() error {
	return o.base.Close()
}

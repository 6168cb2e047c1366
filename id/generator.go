package id

import "github.com/pgpulse/pgpulse/hlc"

// Generator mints synced-field values for rows written on the server side of
// a sync session. Values are unique across processes and strictly increasing
// per process.
type Generator interface {
	NextSynced() uint64
}

// HLCGenerator backs a Generator with a hybrid logical clock.
// Thread-safe via the clock's internal mutex.
type HLCGenerator struct {
	clock *hlc.Clock
}

// NewHLCGenerator creates a generator on top of the given clock.
func NewHLCGenerator(clock *hlc.Clock) *HLCGenerator {
	return &HLCGenerator{clock: clock}
}

// NextSynced returns the next packed synced value.
// See hlc.Timestamp.ToSyncedValue for the bit layout.
func (g *HLCGenerator) NextSynced() uint64 {
	return g.clock.Now().ToSyncedValue()
}

// Observe folds a remote synced value into the underlying clock so later
// NextSynced calls order after it.
func (g *HLCGenerator) Observe(synced uint64) {
	g.clock.Observe(hlc.FromSyncedValue(synced))
}

package seedsafe

import (
	"sync/atomic"

	"github.com/renohub/autogate/internal/ledger"
)

// Entry is the seed-safe verdict for one stratum.
type Entry struct {
	Stratum    string
	SampleSize int
	SFNCount   int
	Certified  bool
}

// Set is an immutable certification snapshot. Certification is a starting
// trust signal only: the decision engine re-checks live critic state on
// every request, and one live SFN in a stratum voids its certification
// until the next rebuild finds it clean again.
type Set struct {
	entries map[string]Entry
}

func (s *Set) Certified(stratumKey string) bool {
	if s == nil {
		return false
	}
	return s.entries[stratumKey].Certified
}

func (s *Set) Entry(stratumKey string) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	e, ok := s.entries[stratumKey]
	return e, ok
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Build groups the historical validation corpus by stratum and certifies
// every stratum with at least minSeedSamples observations and zero SFNs.
func Build(records []ledger.HistoricalValidation, minSeedSamples int) *Set {
	entries := map[string]Entry{}
	for _, rec := range records {
		e := entries[rec.Stratum]
		e.Stratum = rec.Stratum
		e.SampleSize++
		if rec.SFN {
			e.SFNCount++
		}
		entries[rec.Stratum] = e
	}
	for stratum, e := range entries {
		e.Certified = e.SampleSize >= minSeedSamples && e.SFNCount == 0
		entries[stratum] = e
	}
	return &Set{entries: entries}
}

// Builder recomputes the seed safe set on a schedule and publishes it for
// lock-free reads by the decision engine.
type Builder struct {
	MinSeedSamples int

	set atomic.Pointer[Set]
}

func NewBuilder(minSeedSamples int) *Builder {
	b := &Builder{MinSeedSamples: minSeedSamples}
	b.set.Store(&Set{entries: map[string]Entry{}})
	return b
}

func (b *Builder) Rebuild(store ledger.Store) error {
	records, err := store.ListHistoricalValidations()
	if err != nil {
		return err
	}
	b.set.Store(Build(records, b.MinSeedSamples))
	return nil
}

// Snapshot returns the current certification set.
func (b *Builder) Snapshot() *Set {
	return b.set.Load()
}

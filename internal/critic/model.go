package critic

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/renohub/autogate/internal/ledger"
)

// Snapshot is an immutable view of all per-stratum stats. The decision
// engine reads it without locks; a slightly stale snapshot is acceptable
// because escalation is the default for anything it has not seen.
type Snapshot struct {
	stats map[string]Stats
}

// Stats returns the stratum's stats, or a zero value (n=0) when the
// stratum has never been observed.
func (s *Snapshot) Stats(stratumKey string) Stats {
	if s == nil {
		return Stats{}
	}
	return s.stats[stratumKey]
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.stats)
}

// Model is the safe contextual bandit state. Updates for the same stratum
// are serialized through a per-key lock (the only point of write
// contention in the system); updates for different strata proceed in
// parallel. Every update publishes a fresh snapshot.
type Model struct {
	ModelID string

	stateMu sync.Mutex
	state   map[string]Stats

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	snap atomic.Pointer[Snapshot]
}

func NewModel(modelID string) *Model {
	m := &Model{
		ModelID: modelID,
		state:   map[string]Stats{},
		locks:   map[string]*sync.Mutex{},
	}
	m.snap.Store(&Snapshot{stats: map[string]Stats{}})
	return m
}

// Load seeds the model from persisted state at startup.
func (m *Model) Load(store ledger.Store) error {
	records, err := store.ListCriticStates(m.ModelID)
	if err != nil {
		return err
	}

	m.stateMu.Lock()
	for _, rec := range records {
		m.state[rec.Stratum] = Stats{
			N:          rec.N,
			RewardMean: rec.RewardMean,
			RiskMean:   rec.RiskMean,
			SFNCount:   rec.SFNCount,
		}
	}
	m.stateMu.Unlock()

	m.publish()
	return nil
}

// Update folds one outcome into the stratum's stats and returns the new
// state as a persistable record. The caller owns durability; the model
// owns consistency.
func (m *Model) Update(stratumKey string, reward float64, sfn bool) ledger.CriticStateRecord {
	lock := m.lockFor(stratumKey)
	lock.Lock()
	defer lock.Unlock()

	m.stateMu.Lock()
	cur := m.state[stratumKey]
	m.stateMu.Unlock()

	next := cur.observe(reward, sfn)

	m.stateMu.Lock()
	m.state[stratumKey] = next
	m.stateMu.Unlock()

	m.publish()

	return ledger.CriticStateRecord{
		ModelID:    m.ModelID,
		Stratum:    stratumKey,
		N:          next.N,
		RewardMean: next.RewardMean,
		RiskMean:   next.RiskMean,
		SFNCount:   next.SFNCount,
		UpdatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
}

// Snapshot returns the current published view.
func (m *Model) Snapshot() *Snapshot {
	return m.snap.Load()
}

func (m *Model) lockFor(stratumKey string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock, ok := m.locks[stratumKey]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[stratumKey] = lock
	}
	return lock
}

func (m *Model) publish() {
	m.stateMu.Lock()
	copied := make(map[string]Stats, len(m.state))
	for k, v := range m.state {
		copied[k] = v
	}
	m.stateMu.Unlock()
	m.snap.Store(&Snapshot{stats: copied})
}

package ledger

import (
	"sort"
	"sync"
)

type InMemoryStore struct {
	mu sync.Mutex

	decisions   map[string]DecisionRecord
	outcomes    map[string]OutcomeRecord // keyed by decision_id
	inbox       map[string]OutcomeInboxRecord
	calibration []CalibrationPoint
	historical  []HistoricalValidation
	critic      map[string]CriticStateRecord // keyed by model_id + "\x00" + stratum
	alerts      map[string]AlertRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		decisions: make(map[string]DecisionRecord),
		outcomes:  make(map[string]OutcomeRecord),
		inbox:     make(map[string]OutcomeInboxRecord),
		critic:    make(map[string]CriticStateRecord),
		alerts:    make(map[string]AlertRecord),
	}
}

func (s *InMemoryStore) WithTx(fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn((*memTx)(s))
}

type memTx InMemoryStore

func criticKey(modelID, stratum string) string {
	return modelID + "\x00" + stratum
}

func (s *InMemoryStore) PutDecision(rec DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.decisions[rec.DecisionID]; ok {
		return nil
	}
	s.decisions[rec.DecisionID] = rec
	return nil
}

func (s *InMemoryStore) GetDecision(decisionID string) (DecisionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.decisions[decisionID]
	return rec, ok
}

func (s *InMemoryStore) ListDecisions(experimentID string, since, until string) ([]DecisionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []DecisionRecord{}
	for _, rec := range s.decisions {
		if !matchWindow(rec.ExperimentID, rec.CreatedAt, experimentID, since, until) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *InMemoryStore) PutOutcome(rec OutcomeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putOutcome(s.outcomes, rec)
}

func (s *InMemoryStore) GetOutcome(decisionID string) (OutcomeRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.outcomes[decisionID]
	return rec, ok
}

func (s *InMemoryStore) ListOutcomes(experimentID string, since, until string) ([]OutcomeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []OutcomeRecord{}
	for _, rec := range s.outcomes {
		if !matchWindow(rec.ExperimentID, rec.ObservedAt, experimentID, since, until) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObservedAt < out[j].ObservedAt })
	return out, nil
}

func (s *InMemoryStore) PutOutcomeInbox(rec OutcomeInboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbox[rec.InboxID] = rec
	return nil
}

func (s *InMemoryStore) GetOutcomeInbox(inboxID string) (OutcomeInboxRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inbox[inboxID]
	return rec, ok
}

func (s *InMemoryStore) GetOutcomeInboxByDecision(decisionID string) (OutcomeInboxRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.inbox {
		if rec.DecisionID == decisionID {
			return rec, true
		}
	}
	return OutcomeInboxRecord{}, false
}

func (s *InMemoryStore) ListOutcomeInboxDue(now string, limit int) ([]OutcomeInboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []OutcomeInboxRecord{}
	for _, rec := range s.inbox {
		if rec.Status != InboxStatusPending {
			continue
		}
		if rec.NextAttemptAt > now {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) AppendCalibration(point CalibrationPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calibration = append(s.calibration, point)
	return nil
}

func (s *InMemoryStore) ListCalibration(stratumKey string) ([]CalibrationPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []CalibrationPoint{}
	for _, p := range s.calibration {
		if p.Stratum == stratumKey {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListCalibrationAll() ([]CalibrationPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CalibrationPoint, len(s.calibration))
	copy(out, s.calibration)
	return out, nil
}

func (s *InMemoryStore) AppendHistoricalValidation(rec HistoricalValidation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historical = append(s.historical, rec)
	return nil
}

func (s *InMemoryStore) ListHistoricalValidations() ([]HistoricalValidation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoricalValidation, len(s.historical))
	copy(out, s.historical)
	return out, nil
}

func (s *InMemoryStore) PutCriticState(rec CriticStateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.critic[criticKey(rec.ModelID, rec.Stratum)] = rec
	return nil
}

func (s *InMemoryStore) ListCriticStates(modelID string) ([]CriticStateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []CriticStateRecord{}
	for _, rec := range s.critic {
		if rec.ModelID == modelID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stratum < out[j].Stratum })
	return out, nil
}

func (s *InMemoryStore) PutAlert(rec AlertRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[rec.AlertID] = rec
	return nil
}

func (s *InMemoryStore) ListAlerts(experimentID string, since string) ([]AlertRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []AlertRecord{}
	for _, rec := range s.alerts {
		if !matchWindow(rec.ExperimentID, rec.TriggeredAt, experimentID, since, "") {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt < out[j].TriggeredAt })
	return out, nil
}

func (t *memTx) GetDecision(decisionID string) (DecisionRecord, bool) {
	rec, ok := (*InMemoryStore)(t).decisions[decisionID]
	return rec, ok
}

func (t *memTx) GetOutcome(decisionID string) (OutcomeRecord, bool) {
	rec, ok := (*InMemoryStore)(t).outcomes[decisionID]
	return rec, ok
}

func (t *memTx) PutOutcome(rec OutcomeRecord) error {
	return putOutcome((*InMemoryStore)(t).outcomes, rec)
}

func (t *memTx) PutOutcomeInbox(rec OutcomeInboxRecord) error {
	(*InMemoryStore)(t).inbox[rec.InboxID] = rec
	return nil
}

func (t *memTx) GetOutcomeInbox(inboxID string) (OutcomeInboxRecord, bool) {
	rec, ok := (*InMemoryStore)(t).inbox[inboxID]
	return rec, ok
}

func (t *memTx) PutCriticState(rec CriticStateRecord) error {
	(*InMemoryStore)(t).critic[criticKey(rec.ModelID, rec.Stratum)] = rec
	return nil
}

// putOutcome is a no-op when an outcome for the decision already exists.
func putOutcome(outcomes map[string]OutcomeRecord, rec OutcomeRecord) error {
	if _, ok := outcomes[rec.DecisionID]; ok {
		return nil
	}
	outcomes[rec.DecisionID] = rec
	return nil
}

// matchWindow filters by experiment id and an RFC3339 half-open [since, until)
// window; empty bounds are unbounded. RFC3339 UTC strings sort correctly as
// plain strings.
func matchWindow(experimentID, at, wantExperiment, since, until string) bool {
	if wantExperiment != "" && experimentID != wantExperiment {
		return false
	}
	if since != "" && at < since {
		return false
	}
	if until != "" && at >= until {
		return false
	}
	return true
}

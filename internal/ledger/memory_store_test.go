package ledger

import (
	"errors"
	"testing"
)

func TestPutDecisionIsWriteOnce(t *testing.T) {
	s := NewInMemoryStore()
	first := DecisionRecord{DecisionID: "req-1", Decision: "automate", CreatedAt: "2026-08-20T00:00:00Z"}
	if err := s.PutDecision(first); err != nil {
		t.Fatalf("put: %v", err)
	}
	// A second write for the same id must not overwrite the record.
	if err := s.PutDecision(DecisionRecord{DecisionID: "req-1", Decision: "escalate"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	rec, ok := s.GetDecision("req-1")
	if !ok {
		t.Fatalf("decision missing")
	}
	if rec.Decision != "automate" {
		t.Fatalf("record was overwritten: %+v", rec)
	}
}

func TestPutOutcomeIdempotentOnDecisionID(t *testing.T) {
	s := NewInMemoryStore()
	if err := s.PutOutcome(OutcomeRecord{OutcomeID: "o1", DecisionID: "req-1", SFN: false}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutOutcome(OutcomeRecord{OutcomeID: "o2", DecisionID: "req-1", SFN: true}); err != nil {
		t.Fatalf("put: %v", err)
	}

	rec, _ := s.GetOutcome("req-1")
	if rec.OutcomeID != "o1" || rec.SFN {
		t.Fatalf("duplicate outcome overwrote the first: %+v", rec)
	}
}

func TestListDecisionsWindow(t *testing.T) {
	s := NewInMemoryStore()
	rows := []DecisionRecord{
		{DecisionID: "a", ExperimentID: "exp-1", CreatedAt: "2026-08-18T00:00:00Z"},
		{DecisionID: "b", ExperimentID: "exp-1", CreatedAt: "2026-08-19T00:00:00Z"},
		{DecisionID: "c", ExperimentID: "exp-1", CreatedAt: "2026-08-20T00:00:00Z"},
		{DecisionID: "d", ExperimentID: "exp-2", CreatedAt: "2026-08-19T00:00:00Z"},
	}
	for _, rec := range rows {
		if err := s.PutDecision(rec); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	// Half-open window: since inclusive, until exclusive.
	got, err := s.ListDecisions("exp-1", "2026-08-19T00:00:00Z", "2026-08-20T00:00:00Z")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].DecisionID != "b" {
		t.Fatalf("unexpected window result: %+v", got)
	}

	all, err := s.ListDecisions("exp-1", "", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 exp-1 decisions, got %d", len(all))
	}
	if all[0].DecisionID != "a" || all[2].DecisionID != "c" {
		t.Fatalf("expected chronological order: %+v", all)
	}
}

func TestListOutcomeInboxDue(t *testing.T) {
	s := NewInMemoryStore()
	rows := []OutcomeInboxRecord{
		{InboxID: "i1", DecisionID: "d1", Status: InboxStatusPending, NextAttemptAt: "2026-08-20T00:00:00Z"},
		{InboxID: "i2", DecisionID: "d2", Status: InboxStatusPending, NextAttemptAt: "2026-08-22T00:00:00Z"},
		{InboxID: "i3", DecisionID: "d3", Status: InboxStatusDone, NextAttemptAt: "2026-08-20T00:00:00Z"},
		{InboxID: "i4", DecisionID: "d4", Status: InboxStatusDead, NextAttemptAt: "2026-08-20T00:00:00Z"},
	}
	for _, rec := range rows {
		if err := s.PutOutcomeInbox(rec); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	due, err := s.ListOutcomeInboxDue("2026-08-21T00:00:00Z", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(due) != 1 || due[0].InboxID != "i1" {
		t.Fatalf("expected only the due pending entry, got %+v", due)
	}
}

func TestWithTxAtomicOutcomeFlow(t *testing.T) {
	s := NewInMemoryStore()
	if err := s.PutOutcomeInbox(OutcomeInboxRecord{InboxID: "i1", DecisionID: "req-1", Status: InboxStatusPending}); err != nil {
		t.Fatalf("put inbox: %v", err)
	}

	err := s.WithTx(func(tx Tx) error {
		if err := tx.PutOutcome(OutcomeRecord{OutcomeID: "o1", DecisionID: "req-1"}); err != nil {
			return err
		}
		rec, ok := tx.GetOutcomeInbox("i1")
		if !ok {
			return errors.New("inbox entry missing in tx")
		}
		rec.Status = InboxStatusDone
		return tx.PutOutcomeInbox(rec)
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	if _, ok := s.GetOutcome("req-1"); !ok {
		t.Fatalf("outcome not visible after tx")
	}
	inbox, _ := s.GetOutcomeInbox("i1")
	if inbox.Status != InboxStatusDone {
		t.Fatalf("inbox not retired: %+v", inbox)
	}
}

func TestCriticStateUpsert(t *testing.T) {
	s := NewInMemoryStore()
	if err := s.PutCriticState(CriticStateRecord{ModelID: "m", Stratum: "v1|a|b|c", N: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutCriticState(CriticStateRecord{ModelID: "m", Stratum: "v1|a|b|c", N: 2}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutCriticState(CriticStateRecord{ModelID: "other", Stratum: "v1|a|b|c", N: 9}); err != nil {
		t.Fatalf("put: %v", err)
	}

	states, err := s.ListCriticStates("m")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(states) != 1 || states[0].N != 2 {
		t.Fatalf("expected upserted state n=2, got %+v", states)
	}
}

func TestCalibrationIsAppendOnly(t *testing.T) {
	s := NewInMemoryStore()
	for i := 0; i < 3; i++ {
		if err := s.AppendCalibration(CalibrationPoint{Stratum: "v1|a|b|c", Score: float64(i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	points, err := s.ListCalibration("v1|a|b|c")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("expected 3 points, got %d", len(points))
	}
	all, err := s.ListCalibrationAll()
	if err != nil || len(all) != 3 {
		t.Fatalf("list all: %v %d", err, len(all))
	}
}

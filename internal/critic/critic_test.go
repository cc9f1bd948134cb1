package critic

import (
	"sync"
	"testing"

	"github.com/renohub/autogate/internal/ledger"
	"github.com/renohub/autogate/pkg/types"
)

const stratumKey = "v1|roofing|age_20_40|pnw"

func cleanStats(n int64) Stats {
	return Stats{N: n, RewardMean: 1, RiskMean: 0}
}

func TestWidthShrinksWithN(t *testing.T) {
	prev := Stats{}.Width(0.05)
	if prev != 1 {
		t.Fatalf("n=0 width must be 1, got %v", prev)
	}
	for _, n := range []int64{1, 10, 100, 1000, 10000} {
		w := cleanStats(n).Width(0.05)
		if w >= prev {
			t.Fatalf("width must shrink: n=%d width=%v prev=%v", n, w, prev)
		}
		prev = w
	}
}

func TestUpperRiskCappedAtOne(t *testing.T) {
	s := Stats{N: 1, RiskMean: 1}
	if got := s.UpperRisk(0.05); got != 1 {
		t.Fatalf("expected cap at 1, got %v", got)
	}
}

func TestDecideZeroEvidenceEscalates(t *testing.T) {
	kind, reason := Decide(Stats{}, false, 0.001, 0.05)
	if kind != types.DecisionEscalate || reason != types.ReasonNoEvidence {
		t.Fatalf("expected escalate/no_evidence, got %s/%s", kind, reason)
	}
}

func TestDecideCertifiedAutomatesImmediately(t *testing.T) {
	kind, reason := Decide(Stats{}, true, 0.001, 0.05)
	if kind != types.DecisionAutomate || reason != types.ReasonSeedCertified {
		t.Fatalf("expected automate/seed_certified, got %s/%s", kind, reason)
	}
}

func TestDecideCertifiedKeepsAutomatingOnCleanOutcomes(t *testing.T) {
	// Live clean observations must not demote a certified stratum, even
	// while n is far too small for the UCB to clear the budget on its own.
	kind, reason := Decide(cleanStats(50), true, 0.001, 0.05)
	if kind != types.DecisionAutomate || reason != types.ReasonSeedCertified {
		t.Fatalf("expected automate/seed_certified, got %s/%s", kind, reason)
	}
}

func TestDecideOneSFNVoidsCertification(t *testing.T) {
	stats := Stats{}
	for i := 0; i < 49; i++ {
		stats = stats.observe(1, false)
	}
	stats = stats.observe(0, true)

	kind, reason := Decide(stats, true, 0.001, 0.05)
	if kind != types.DecisionEscalate || reason != types.ReasonOverBudget {
		t.Fatalf("expected escalate/risk_over_budget, got %s/%s", kind, reason)
	}
}

func TestDecideUCBWithinBudget(t *testing.T) {
	// With delta=0.05 the width at n=10 is sqrt(ln(20)/20) ~ 0.387, so a
	// relaxed budget of 0.5 admits a clean stratum without certification.
	kind, reason := Decide(cleanStats(10), false, 0.5, 0.05)
	if kind != types.DecisionAutomate || reason != types.ReasonCriticApproved {
		t.Fatalf("expected automate/critic_within_budget, got %s/%s", kind, reason)
	}
}

func TestDecideMonotoneInEvidence(t *testing.T) {
	// Once a clean stratum clears the budget at some n, more clean
	// evidence must never flip it back to escalation.
	const budget, delta = 0.05, 0.05
	cleared := false
	for n := int64(1); n <= 100000; n *= 10 {
		kind, _ := Decide(cleanStats(n), false, budget, delta)
		if kind == types.DecisionAutomate {
			cleared = true
		} else if cleared {
			t.Fatalf("automation lost at n=%d after being earned", n)
		}
	}
	if !cleared {
		t.Fatalf("expected automation to be earned within 1e5 clean observations")
	}
}

func TestModelUpdateAccumulates(t *testing.T) {
	m := NewModel("critic-v1")

	m.Update(stratumKey, 1, false)
	m.Update(stratumKey, 1, false)
	rec := m.Update(stratumKey, 0, true)

	if rec.N != 3 || rec.SFNCount != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.RiskMean < 0.33 || rec.RiskMean > 0.34 {
		t.Fatalf("expected risk mean ~1/3, got %v", rec.RiskMean)
	}

	stats := m.Snapshot().Stats(stratumKey)
	if stats.N != 3 || stats.SFNCount != 1 {
		t.Fatalf("snapshot out of sync: %+v", stats)
	}
}

func TestModelLoadFromStore(t *testing.T) {
	store := ledger.NewInMemoryStore()
	err := store.PutCriticState(ledger.CriticStateRecord{
		ModelID:    "critic-v1",
		Stratum:    stratumKey,
		N:          500,
		RewardMean: 0.98,
		RiskMean:   0.0,
		SFNCount:   0,
		UpdatedAt:  "2026-08-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("seed state: %v", err)
	}

	m := NewModel("critic-v1")
	if err := m.Load(store); err != nil {
		t.Fatalf("load: %v", err)
	}
	stats := m.Snapshot().Stats(stratumKey)
	if stats.N != 500 || stats.RewardMean != 0.98 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestModelConcurrentUpdates(t *testing.T) {
	m := NewModel("critic-v1")
	strata := []string{"v1|a|b|c", "v1|d|e|f", "v1|g|h|i"}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Update(strata[i%len(strata)], 1, false)
		}(i)
	}
	wg.Wait()

	total := int64(0)
	for _, key := range strata {
		total += m.Snapshot().Stats(key).N
	}
	if total != 30 {
		t.Fatalf("expected 30 observations total, got %d", total)
	}
}

package critic

import "github.com/renohub/autogate/pkg/types"

// Decide applies the safety gate for one stratum. The order matters:
//
//  1. Any live SFN voids seed certification outright; no grace period and
//     no averaging-out.
//  2. A certified stratum with a clean live record automates.
//  3. Otherwise automation must be earned: the upper confidence bound on
//     the SFN probability has to clear the budget, which requires n > 0.
//     Zero evidence always escalates.
func Decide(stats Stats, certified bool, budget, delta float64) (types.DecisionKind, string) {
	if certified && stats.SFNCount == 0 {
		return types.DecisionAutomate, types.ReasonSeedCertified
	}
	if stats.N == 0 {
		return types.DecisionEscalate, types.ReasonNoEvidence
	}
	if stats.UpperRisk(delta) <= budget {
		return types.DecisionAutomate, types.ReasonCriticApproved
	}
	return types.DecisionEscalate, types.ReasonOverBudget
}

package critic

import "math"

// Stats is the per-stratum running state: observation count, mean reward
// of automating, mean SFN rate, and the live SFN count. All values derive
// from ingested outcomes only; historical validations never feed in here.
type Stats struct {
	N          int64
	RewardMean float64
	RiskMean   float64
	SFNCount   int64
}

// observe folds one outcome into the running means. Reward is the realized
// benefit of automating (1 for a clean automated case, 0 otherwise); risk
// is the SFN indicator.
func (s Stats) observe(reward float64, sfn bool) Stats {
	s.N++
	n := float64(s.N)
	s.RewardMean += (reward - s.RewardMean) / n
	risk := 0.0
	if sfn {
		risk = 1.0
		s.SFNCount++
	}
	s.RiskMean += (risk - s.RiskMean) / n
	return s
}

// Width is the Hoeffding confidence half-width sqrt(ln(1/delta) / 2n).
// With no observations the bound is vacuous, so the width is 1.
func (s Stats) Width(delta float64) float64 {
	if s.N == 0 {
		return 1
	}
	return math.Sqrt(math.Log(1/delta) / (2 * float64(s.N)))
}

// UpperRisk is the upper confidence bound on the SFN probability, capped
// at 1. It shrinks monotonically in n for a fixed empirical mean.
func (s Stats) UpperRisk(delta float64) float64 {
	u := s.RiskMean + s.Width(delta)
	if u > 1 {
		return 1
	}
	return u
}

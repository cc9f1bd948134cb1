package conformal

import (
	"errors"
	"math"
	"sort"
)

// ErrNoCalibration means neither the stratum pool nor the global pool has
// any calibration points. Callers treat this as a documented fallback to
// escalation, not as an infrastructure fault.
var ErrNoCalibration = errors.New("no calibration data available")

// Score converts a predicted class probability into a nonconformity score.
// Low probability on the true class means high nonconformity.
func Score(p float64) float64 {
	return 1 - p
}

// Threshold computes the split-conformal quantile over the calibration
// scores: the ceil((1-alpha)(m+1))/m empirical quantile. When the rank
// exceeds m (too few points for the requested coverage) the threshold is
// +Inf and every candidate class is included, which errs wide, never narrow.
func Threshold(scores []float64, alpha float64) float64 {
	m := len(scores)
	if m == 0 {
		return math.Inf(1)
	}
	sorted := make([]float64, m)
	copy(sorted, scores)
	sort.Float64s(sorted)

	rank := int(math.Ceil((1 - alpha) * float64(m+1)))
	if rank > m {
		return math.Inf(1)
	}
	return sorted[rank-1]
}

// SetFromProbs returns every class whose nonconformity score is at or
// below the threshold, sorted by name. Ties at the threshold are included.
func SetFromProbs(probs map[string]float64, threshold float64) []string {
	set := make([]string, 0, len(probs))
	for class, p := range probs {
		if Score(p) <= threshold {
			set = append(set, class)
		}
	}
	sort.Strings(set)
	return set
}

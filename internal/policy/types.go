package policy

// Policy is the versioned safety policy: every threshold that gates
// automation or raises an alert lives here, not in code. The loaded
// policy's hash is stamped on each decision record for provenance.
type Policy struct {
	PolicyID      string          `yaml:"policy_id"`
	PolicyVersion string          `yaml:"policy_version"`
	Conformal     ConformalConfig `yaml:"conformal"`
	Safety        SafetyConfig    `yaml:"safety"`
	Monitor       MonitorConfig   `yaml:"monitor"`
}

type ConformalConfig struct {
	// Alpha is the miscoverage rate; prediction sets contain the true
	// class with probability >= 1-alpha.
	Alpha float64 `yaml:"alpha"`
	// MinCalibration is the per-stratum calibration count below which
	// the predictor falls back to the global pool.
	MinCalibration int `yaml:"min_calibration"`
}

type SafetyConfig struct {
	// Budget is the hard cap on the upper confidence bound of the SFN
	// probability for a stratum to be automated.
	Budget float64 `yaml:"budget"`
	// ConfidenceDelta is the failure probability of the concentration
	// bound used for the confidence width.
	ConfidenceDelta float64 `yaml:"confidence_delta"`
	// MinSeedSamples is the historical sample size required to certify
	// a stratum into the seed safe set.
	MinSeedSamples int `yaml:"min_seed_samples"`
}

type MonitorConfig struct {
	SFNCritical        float64 `yaml:"sfn_critical"`
	CoverageMargin     float64 `yaml:"coverage_margin"`
	CoverageMinSamples int     `yaml:"coverage_min_samples"`
	SpikePoints        float64 `yaml:"spike_points"`
	MinObservations    int64   `yaml:"min_observations"`
}

// Defaults returns the policy used when no policy file is configured.
func Defaults() Policy {
	return Policy{
		PolicyID:      "autogate-default",
		PolicyVersion: "v1",
		Conformal: ConformalConfig{
			Alpha:          0.10,
			MinCalibration: 50,
		},
		Safety: SafetyConfig{
			Budget:          0.001,
			ConfidenceDelta: 0.05,
			MinSeedSamples:  1000,
		},
		Monitor: MonitorConfig{
			SFNCritical:        0.001,
			CoverageMargin:     0.05,
			CoverageMinSamples: 30,
			SpikePoints:        20.0,
			MinObservations:    100,
		},
	}
}

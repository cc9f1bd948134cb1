package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/renohub/autogate/internal/digest"
)

type LoadedPolicy struct {
	Policy Policy
	Hash   string
	Bytes  []byte
}

// LoadPolicy loads a YAML safety policy and computes its hash from the raw
// bytes. Zero-valued thresholds are filled from Defaults so a partial
// policy file never silently disables a check.
func LoadPolicy(path string) (LoadedPolicy, error) {
	// #nosec G304 -- path comes from operator-configured policy path.
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadedPolicy{}, err
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return LoadedPolicy{}, err
	}
	fillDefaults(&p)
	if err := p.Validate(); err != nil {
		return LoadedPolicy{}, err
	}

	return LoadedPolicy{
		Policy: p,
		Hash:   digest.WithPrefix(data),
		Bytes:  data,
	}, nil
}

// Default returns the built-in policy with a hash over its canonical YAML
// encoding, for deployments that run without a policy file.
func Default() LoadedPolicy {
	p := Defaults()
	data, _ := yaml.Marshal(p)
	return LoadedPolicy{Policy: p, Hash: digest.WithPrefix(data), Bytes: data}
}

func fillDefaults(p *Policy) {
	d := Defaults()
	if p.PolicyID == "" {
		p.PolicyID = d.PolicyID
	}
	if p.PolicyVersion == "" {
		p.PolicyVersion = d.PolicyVersion
	}
	if p.Conformal.Alpha == 0 {
		p.Conformal.Alpha = d.Conformal.Alpha
	}
	if p.Conformal.MinCalibration == 0 {
		p.Conformal.MinCalibration = d.Conformal.MinCalibration
	}
	if p.Safety.Budget == 0 {
		p.Safety.Budget = d.Safety.Budget
	}
	if p.Safety.ConfidenceDelta == 0 {
		p.Safety.ConfidenceDelta = d.Safety.ConfidenceDelta
	}
	if p.Safety.MinSeedSamples == 0 {
		p.Safety.MinSeedSamples = d.Safety.MinSeedSamples
	}
	if p.Monitor.SFNCritical == 0 {
		p.Monitor.SFNCritical = d.Monitor.SFNCritical
	}
	if p.Monitor.CoverageMargin == 0 {
		p.Monitor.CoverageMargin = d.Monitor.CoverageMargin
	}
	if p.Monitor.CoverageMinSamples == 0 {
		p.Monitor.CoverageMinSamples = d.Monitor.CoverageMinSamples
	}
	if p.Monitor.SpikePoints == 0 {
		p.Monitor.SpikePoints = d.Monitor.SpikePoints
	}
	if p.Monitor.MinObservations == 0 {
		p.Monitor.MinObservations = d.Monitor.MinObservations
	}
}

func (p Policy) Validate() error {
	if p.Conformal.Alpha <= 0 || p.Conformal.Alpha >= 1 {
		return fmt.Errorf("conformal.alpha must be in (0, 1), got %v", p.Conformal.Alpha)
	}
	if p.Safety.Budget <= 0 || p.Safety.Budget >= 1 {
		return fmt.Errorf("safety.budget must be in (0, 1), got %v", p.Safety.Budget)
	}
	if p.Safety.ConfidenceDelta <= 0 || p.Safety.ConfidenceDelta >= 1 {
		return fmt.Errorf("safety.confidence_delta must be in (0, 1), got %v", p.Safety.ConfidenceDelta)
	}
	if p.Safety.MinSeedSamples <= 0 {
		return fmt.Errorf("safety.min_seed_samples must be positive, got %d", p.Safety.MinSeedSamples)
	}
	return nil
}

package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writePolicy(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestLoadPolicy(t *testing.T) {
	path := writePolicy(t, `
policy_id: claims-2026q3
policy_version: v4
conformal:
  alpha: 0.05
  min_calibration: 100
safety:
  budget: 0.002
  confidence_delta: 0.01
  min_seed_samples: 2000
`)

	loaded, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Policy.PolicyID != "claims-2026q3" || loaded.Policy.PolicyVersion != "v4" {
		t.Fatalf("unexpected identity: %+v", loaded.Policy)
	}
	if loaded.Policy.Conformal.Alpha != 0.05 {
		t.Fatalf("alpha not loaded: %v", loaded.Policy.Conformal.Alpha)
	}
	if loaded.Policy.Safety.Budget != 0.002 {
		t.Fatalf("budget not loaded: %v", loaded.Policy.Safety.Budget)
	}
	if !strings.HasPrefix(loaded.Hash, "sha256:") {
		t.Fatalf("expected sha256-prefixed hash, got %q", loaded.Hash)
	}
}

func TestLoadPolicyFillsDefaults(t *testing.T) {
	path := writePolicy(t, `
policy_id: partial
safety:
  budget: 0.005
`)

	loaded, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// A partial file never silently disables a check.
	d := Defaults()
	if loaded.Policy.Conformal.Alpha != d.Conformal.Alpha {
		t.Fatalf("alpha default not applied: %v", loaded.Policy.Conformal.Alpha)
	}
	if loaded.Policy.Monitor.SFNCritical != d.Monitor.SFNCritical {
		t.Fatalf("monitor default not applied: %v", loaded.Policy.Monitor.SFNCritical)
	}
	if loaded.Policy.Safety.Budget != 0.005 {
		t.Fatalf("explicit value lost: %v", loaded.Policy.Safety.Budget)
	}
}

func TestLoadPolicyRejectsInvalidThresholds(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"alpha too large", "conformal:\n  alpha: 1.5\n"},
		{"negative budget", "safety:\n  budget: -0.1\n"},
		{"delta at one", "safety:\n  confidence_delta: 1.0\n"},
		{"negative seed samples", "safety:\n  min_seed_samples: -5\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadPolicy(writePolicy(t, tc.yaml)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadPolicyHashTracksBytes(t *testing.T) {
	a, err := LoadPolicy(writePolicy(t, "policy_id: a\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, err := LoadPolicy(writePolicy(t, "policy_id: b\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if a.Hash == b.Hash {
		t.Fatalf("different policy bytes must hash differently")
	}
}

func TestDefaultPolicyIsValid(t *testing.T) {
	loaded := Default()
	if err := loaded.Policy.Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	if loaded.Hash == "" || len(loaded.Bytes) == 0 {
		t.Fatalf("default policy must carry hash and bytes")
	}
}

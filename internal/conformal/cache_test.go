package conformal

import (
	"errors"
	"fmt"
	"testing"

	"github.com/renohub/autogate/internal/ledger"
)

func seedCalibration(t *testing.T, store ledger.Store, stratumKey string, scores []float64) {
	t.Helper()
	for _, score := range scores {
		err := store.AppendCalibration(ledger.CalibrationPoint{
			Stratum:   stratumKey,
			Score:     score,
			TrueLabel: "hail",
			CreatedAt: "2026-08-01T00:00:00Z",
		})
		if err != nil {
			t.Fatalf("append calibration: %v", err)
		}
	}
}

func manyScores(n int, value float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = value * float64(i+1) / float64(n)
	}
	return out
}

func TestPredictSetUsesStratumPool(t *testing.T) {
	store := ledger.NewInMemoryStore()
	seedCalibration(t, store, "v1|roofing|age_20_40|pnw", manyScores(100, 0.5))

	cache := NewCache(0.1, 50)
	if err := cache.Rebuild(store); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	res, err := cache.PredictSet("v1|roofing|age_20_40|pnw", map[string]float64{"hail": 0.9, "wear": 0.1})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if res.Source != SourceStratum {
		t.Fatalf("expected stratum source, got %s", res.Source)
	}
	if len(res.Set) == 0 {
		t.Fatalf("expected non-empty set")
	}
}

func TestPredictSetFallsBackToGlobalPool(t *testing.T) {
	store := ledger.NewInMemoryStore()
	// 10 points in the sparse stratum, 100 elsewhere; min is 50.
	seedCalibration(t, store, "v1|roofing|age_20_40|pnw", manyScores(10, 0.5))
	seedCalibration(t, store, "v1|siding|age_40_60|sw", manyScores(100, 0.5))

	cache := NewCache(0.1, 50)
	if err := cache.Rebuild(store); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	res, err := cache.PredictSet("v1|roofing|age_20_40|pnw", map[string]float64{"hail": 0.9})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if res.Source != SourceGlobal {
		t.Fatalf("expected global fallback, got %s", res.Source)
	}

	res, err = cache.PredictSet("v1|never|seen|anywhere", map[string]float64{"hail": 0.9})
	if err != nil {
		t.Fatalf("predict unseen stratum: %v", err)
	}
	if res.Source != SourceGlobal {
		t.Fatalf("unseen stratum: expected global fallback, got %s", res.Source)
	}
}

func TestPredictSetNoCalibrationAnywhere(t *testing.T) {
	cache := NewCache(0.1, 50)
	if err := cache.Rebuild(ledger.NewInMemoryStore()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	_, err := cache.PredictSet("v1|roofing|age_20_40|pnw", map[string]float64{"hail": 0.9})
	if !errors.Is(err, ErrNoCalibration) {
		t.Fatalf("expected ErrNoCalibration, got %v", err)
	}
}

func TestRebuildPublishesNewIndex(t *testing.T) {
	store := ledger.NewInMemoryStore()
	cache := NewCache(0.1, 5)

	seedCalibration(t, store, "v1|roofing|age_20_40|pnw", manyScores(10, 0.2))
	if err := cache.Rebuild(store); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	before, err := cache.PredictSet("v1|roofing|age_20_40|pnw", map[string]float64{"hail": 0.5})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}

	// Appending high scores widens the threshold on the next rebuild.
	seedCalibration(t, store, "v1|roofing|age_20_40|pnw", manyScores(50, 0.99))
	if err := cache.Rebuild(store); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	after, err := cache.PredictSet("v1|roofing|age_20_40|pnw", map[string]float64{"hail": 0.5})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}

	if after.Threshold <= before.Threshold {
		t.Fatalf("expected threshold to widen: before %v after %v", before.Threshold, after.Threshold)
	}
}

func ExampleCache_PredictSet() {
	store := ledger.NewInMemoryStore()
	for i := 0; i < 100; i++ {
		_ = store.AppendCalibration(ledger.CalibrationPoint{
			Stratum: "v1|roofing|age_20_40|pnw",
			Score:   float64(i) / 100,
		})
	}

	cache := NewCache(0.1, 50)
	_ = cache.Rebuild(store)

	res, _ := cache.PredictSet("v1|roofing|age_20_40|pnw", map[string]float64{
		"hail": 0.95,
		"wear": 0.04,
	})
	fmt.Println(res.Set, res.Source)
	// Output: [hail] stratum
}

package conformal

import (
	"sync/atomic"

	"github.com/renohub/autogate/internal/ledger"
)

type ThresholdSource string

const (
	SourceStratum ThresholdSource = "stratum"
	SourceGlobal  ThresholdSource = "global"
	// SourceNone marks decisions made without any usable threshold
	// (paused, malformed stratum, empty calibration corpus).
	SourceNone ThresholdSource = "none"
)

// Result is a prediction set plus the provenance of the threshold that
// produced it.
type Result struct {
	Set       []string
	Threshold float64
	Source    ThresholdSource
}

type stratumPool struct {
	count     int
	threshold float64
}

type index struct {
	byStratum map[string]stratumPool
	global    stratumPool
}

// Cache serves prediction sets from a precomputed threshold index so the
// synchronous decision path never touches storage. Rebuild runs out of
// band on a schedule; readers always see a complete index via the atomic
// pointer swap.
type Cache struct {
	Alpha          float64
	MinCalibration int

	idx atomic.Pointer[index]
}

func NewCache(alpha float64, minCalibration int) *Cache {
	c := &Cache{Alpha: alpha, MinCalibration: minCalibration}
	c.idx.Store(&index{byStratum: map[string]stratumPool{}})
	return c
}

// Rebuild recomputes every stratum threshold and the global-pool threshold
// from the calibration corpus and publishes the new index.
func (c *Cache) Rebuild(store ledger.Store) error {
	points, err := store.ListCalibrationAll()
	if err != nil {
		return err
	}

	grouped := map[string][]float64{}
	global := make([]float64, 0, len(points))
	for _, p := range points {
		grouped[p.Stratum] = append(grouped[p.Stratum], p.Score)
		global = append(global, p.Score)
	}

	next := &index{byStratum: make(map[string]stratumPool, len(grouped))}
	for stratum, scores := range grouped {
		next.byStratum[stratum] = stratumPool{
			count:     len(scores),
			threshold: Threshold(scores, c.Alpha),
		}
	}
	next.global = stratumPool{
		count:     len(global),
		threshold: Threshold(global, c.Alpha),
	}

	c.idx.Store(next)
	return nil
}

// PredictSet builds the prediction set for a stratum from the cached
// thresholds. Strata below the minimum calibration count fall back to the
// global pool; an empty global pool is ErrNoCalibration.
func (c *Cache) PredictSet(stratumKey string, probs map[string]float64) (Result, error) {
	idx := c.idx.Load()

	pool, ok := idx.byStratum[stratumKey]
	source := SourceStratum
	if !ok || pool.count < c.MinCalibration {
		pool = idx.global
		source = SourceGlobal
	}
	if pool.count == 0 {
		return Result{}, ErrNoCalibration
	}

	return Result{
		Set:       SetFromProbs(probs, pool.threshold),
		Threshold: pool.threshold,
		Source:    source,
	}, nil
}

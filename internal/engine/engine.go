package engine

import (
	"errors"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/renohub/autogate/internal/conformal"
	"github.com/renohub/autogate/internal/critic"
	"github.com/renohub/autogate/internal/ledger"
	"github.com/renohub/autogate/internal/seedsafe"
	"github.com/renohub/autogate/internal/stratum"
	"github.com/renohub/autogate/internal/telemetry"
	"github.com/renohub/autogate/pkg/types"
)

// Request lifecycle states. A request always reaches Logged: every path
// out of Decide, including every failure path, enqueues a decision record.
type State string

const (
	StateReceived   State = "received"
	StateStratified State = "stratified"
	StateScored     State = "scored"
	StateDecided    State = "decided"
	StateLogged     State = "logged"
)

var ErrMissingRequestID = errors.New("missing request_id")

// SetPredictor yields a prediction set for a stratum. Satisfied by
// *conformal.Cache.
type SetPredictor interface {
	PredictSet(stratumKey string, probs map[string]float64) (conformal.Result, error)
}

// Engine is the synchronous decision path. All lookups it performs are
// in-memory snapshot reads; storage is only touched by the asynchronous
// log writer. Any component fault fails closed to escalate.
type Engine struct {
	ExperimentID string
	PolicyHash   string
	Budget       float64
	Delta        float64

	Conformal SetPredictor
	Critic    *critic.Model
	Seeds     *seedsafe.Builder
	Store     ledger.Store
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics

	paused atomic.Bool
	logCh  chan logEntry
}

type logEntry struct {
	decision *ledger.DecisionRecord
	alert    *ledger.AlertRecord
}

const logBuffer = 1024

func New(experimentID string, loadedPolicyHash string, budget, delta float64, cache SetPredictor, model *critic.Model, seeds *seedsafe.Builder, store ledger.Store, logger *slog.Logger, metrics *telemetry.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ExperimentID: experimentID,
		PolicyHash:   loadedPolicyHash,
		Budget:       budget,
		Delta:        delta,
		Conformal:    cache,
		Critic:       model,
		Seeds:        seeds,
		Store:        store,
		Logger:       logger,
		Metrics:      metrics,
		logCh:        make(chan logEntry, logBuffer),
	}
}

// Pause engages the operator kill switch: every subsequent request is
// escalated regardless of any other signal.
func (e *Engine) Pause()       { e.paused.Store(true) }
func (e *Engine) Resume()      { e.paused.Store(false) }
func (e *Engine) Paused() bool { return e.paused.Load() }

// Decide runs the full RECEIVED -> LOGGED pipeline for one request. The
// returned error is non-nil only for requests that cannot be attributed
// to a decision record at all (no request id); everything else resolves
// to a decision, escalating on any doubt.
func (e *Engine) Decide(req types.DecideRequest) (types.Decision, error) {
	start := time.Now()

	if req.RequestID == "" {
		return types.Decision{}, ErrMissingRequestID
	}

	if e.paused.Load() {
		return e.finish(req, start, types.DecisionEscalate, types.ReasonPaused, conformal.Result{Source: conformal.SourceNone}, ""), nil
	}

	key := stratum.New(req.Context.Category, req.Context.AgeBin, req.Context.Region)
	if err := key.Validate(); err != nil {
		return e.finish(req, start, types.DecisionEscalate, types.ReasonInvalidStratum, conformal.Result{Source: conformal.SourceNone}, ""), nil
	}
	stratumKey := key.String()

	set, err := e.Conformal.PredictSet(stratumKey, req.Probabilities)
	switch {
	case errors.Is(err, conformal.ErrNoCalibration):
		// Documented fallback, not a fault: escalate with the full
		// candidate set so the record still shows what was considered.
		set = conformal.Result{Set: allClasses(req.Probabilities), Source: conformal.SourceNone}
		return e.finish(req, start, types.DecisionEscalate, types.ReasonNoCalibration, set, stratumKey), nil
	case err != nil:
		e.degrade(req, "conformal predictor", err)
		return e.finish(req, start, types.DecisionEscalate, types.ReasonDegraded, conformal.Result{Source: conformal.SourceNone}, stratumKey), nil
	}

	stats := e.Critic.Snapshot().Stats(stratumKey)
	certified := e.Seeds.Snapshot().Certified(stratumKey)

	kind, reason := critic.Decide(stats, certified, e.Budget, e.Delta)

	return e.finish(req, start, kind, reason, set, stratumKey), nil
}

func (e *Engine) finish(req types.DecideRequest, start time.Time, kind types.DecisionKind, reason string, set conformal.Result, stratumKey string) types.Decision {
	latency := time.Since(start)
	latencyMS := float64(latency.Microseconds()) / 1000.0

	experimentID := req.ExperimentID
	if experimentID == "" {
		experimentID = e.ExperimentID
	}

	rec := ledger.DecisionRecord{
		DecisionID:      req.RequestID,
		ExperimentID:    experimentID,
		Stratum:         stratumKey,
		PolicyHash:      e.PolicyHash,
		Decision:        string(kind),
		PredictionSet:   set.Set,
		ThresholdSource: string(set.Source),
		ReasonCode:      reason,
		LatencyMS:       latencyMS,
		CreatedAt:       time.Now().UTC().Format(time.RFC3339),
	}
	e.enqueue(logEntry{decision: &rec})

	if e.Metrics != nil {
		e.Metrics.DecisionsTotal.WithLabelValues(string(kind), reason).Inc()
		e.Metrics.DecisionLatency.Observe(latency.Seconds())
	}

	return types.Decision{
		RequestID:     req.RequestID,
		Decision:      kind,
		PredictionSet: set.Set,
		ReasonCode:    reason,
		LatencyMS:     latencyMS,
	}
}

func (e *Engine) degrade(req types.DecideRequest, component string, err error) {
	e.Logger.Error("decision path degraded, failing closed",
		"request_id", req.RequestID,
		"component", component,
		"error", err)
	if e.Metrics != nil {
		e.Metrics.DegradedTotal.Inc()
	}
	alert := ledger.AlertRecord{
		AlertID:      uuid.NewString(),
		ExperimentID: e.ExperimentID,
		Severity:     string(types.SeverityCritical),
		Type:         types.AlertDegradedMode,
		Message:      component + " failed: " + err.Error(),
		TriggeredAt:  time.Now().UTC().Format(time.RFC3339),
	}
	e.enqueue(logEntry{alert: &alert})
}

// enqueue hands a record to the async log writer. When the buffer is full
// the write happens on a fresh goroutine rather than blocking the caller.
func (e *Engine) enqueue(entry logEntry) {
	select {
	case e.logCh <- entry:
	default:
		go e.write(entry)
	}
}

// RunLogWriter drains the decision/alert log queue until ctx is done.
// Writes are idempotent (decision ids are caller-generated, alert ids are
// unique), so the retry inside write is safe.
func (e *Engine) RunLogWriter(done <-chan struct{}) {
	for {
		select {
		case <-done:
			// Drain what is already buffered before exiting.
			for {
				select {
				case entry := <-e.logCh:
					e.write(entry)
				default:
					return
				}
			}
		case entry := <-e.logCh:
			e.write(entry)
		}
	}
}

func (e *Engine) write(entry logEntry) {
	const attempts = 3
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(time.Duration(i) * 50 * time.Millisecond)
		}
		switch {
		case entry.decision != nil:
			err = e.Store.PutDecision(*entry.decision)
		case entry.alert != nil:
			err = e.Store.PutAlert(*entry.alert)
		}
		if err == nil {
			return
		}
	}
	e.Logger.Error("decision log write failed", "error", err)
}

func allClasses(probs map[string]float64) []string {
	out := make([]string, 0, len(probs))
	for class := range probs {
		out = append(out, class)
	}
	sort.Strings(out)
	return out
}

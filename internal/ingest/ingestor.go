package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/renohub/autogate/internal/critic"
	"github.com/renohub/autogate/internal/ledger"
	"github.com/renohub/autogate/internal/telemetry"
	"github.com/renohub/autogate/pkg/types"
)

// Ingestor consumes delayed ground truth. Submissions land in a durable
// inbox and are processed out of band with retry; the whole path is
// idempotent on decision id, so retries and duplicate submissions are
// no-ops rather than errors.
type Ingestor struct {
	Store   ledger.Store
	Critic  *critic.Model
	Logger  *slog.Logger
	Metrics *telemetry.Metrics

	// MaxAttempts bounds retries for one inbox entry before it is
	// parked as dead (e.g. ground truth for a decision id that never
	// appears in the log).
	MaxAttempts int
}

const defaultMaxAttempts = 10

func New(store ledger.Store, model *critic.Model, logger *slog.Logger, metrics *telemetry.Metrics) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		Store:       store,
		Critic:      model,
		Logger:      logger,
		Metrics:     metrics,
		MaxAttempts: defaultMaxAttempts,
	}
}

// Submit durably records a ground-truth label for later processing.
// Submitting the same decision twice is a no-op.
func (ing *Ingestor) Submit(sub types.OutcomeSubmission, now time.Time) error {
	if sub.RequestID == "" {
		return fmt.Errorf("missing request_id")
	}
	if _, ok := ing.Store.GetOutcome(sub.RequestID); ok {
		return nil
	}
	if _, ok := ing.Store.GetOutcomeInboxByDecision(sub.RequestID); ok {
		return nil
	}

	ts := now.UTC().Format(time.RFC3339)
	return ing.Store.PutOutcomeInbox(ledger.OutcomeInboxRecord{
		InboxID:         uuid.NewString(),
		DecisionID:      sub.RequestID,
		TrueClass:       sub.TrueClass,
		ReviewWarranted: sub.ReviewWarranted,
		Status:          ledger.InboxStatusPending,
		AttemptCount:    0,
		NextAttemptAt:   ts,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	})
}

// ProcessDue handles one batch of due pending inbox entries. Failures
// reschedule the entry with exponential backoff instead of aborting the
// batch.
func (ing *Ingestor) ProcessDue(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}

	due, err := ing.Store.ListOutcomeInboxDue(now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if rec.Status != ledger.InboxStatusPending {
			continue
		}
		if err := ing.process(rec, now); err != nil {
			ing.reschedule(rec, now, err)
		}
		processed++
	}
	return processed, nil
}

func (ing *Ingestor) process(rec ledger.OutcomeInboxRecord, now time.Time) error {
	decision, ok := ing.Store.GetDecision(rec.DecisionID)
	if !ok {
		// The decision may still be sitting in the async log buffer;
		// treat as transient and let backoff absorb the race.
		return fmt.Errorf("decision %s not found", rec.DecisionID)
	}

	ts := now.UTC().Format(time.RFC3339)
	sfn := decision.Decision == string(types.DecisionAutomate) && rec.ReviewWarranted
	coverageHit := contains(decision.PredictionSet, rec.TrueClass)
	reward := 0.0
	if decision.Decision == string(types.DecisionAutomate) && !sfn {
		reward = 1.0
	}

	outcome := ledger.OutcomeRecord{
		OutcomeID:    uuid.NewString(),
		DecisionID:   rec.DecisionID,
		ExperimentID: decision.ExperimentID,
		Stratum:      decision.Stratum,
		TrueClass:    rec.TrueClass,
		SFN:          sfn,
		CoverageHit:  coverageHit,
		ObservedAt:   ts,
	}

	alreadyLabeled := false
	err := ing.Store.WithTx(func(tx ledger.Tx) error {
		if _, ok := tx.GetOutcome(rec.DecisionID); ok {
			alreadyLabeled = true
		} else if err := tx.PutOutcome(outcome); err != nil {
			return err
		}
		rec.Status = ledger.InboxStatusDone
		rec.UpdatedAt = ts
		return tx.PutOutcomeInbox(rec)
	})
	if err != nil {
		return err
	}
	if alreadyLabeled {
		return nil
	}

	// The outcome is durable; now fold it into the critic. Per-stratum
	// serialization lives inside Update.
	state := ing.Critic.Update(decision.Stratum, reward, sfn)
	if err := ing.Store.PutCriticState(state); err != nil {
		// The in-memory model already has the observation; persisted
		// state catches up on the stratum's next update.
		ing.Logger.Warn("critic state persist failed", "stratum", decision.Stratum, "error", err)
	}

	if ing.Metrics != nil {
		ing.Metrics.OutcomesTotal.WithLabelValues(fmt.Sprintf("%t", sfn)).Inc()
	}
	ing.Logger.Info("outcome ingested",
		"decision_id", rec.DecisionID,
		"stratum", decision.Stratum,
		"sfn", sfn,
		"coverage_hit", coverageHit)
	return nil
}

func (ing *Ingestor) reschedule(rec ledger.OutcomeInboxRecord, now time.Time, cause error) {
	rec.AttemptCount++
	msg := cause.Error()
	rec.LastError = &msg
	rec.UpdatedAt = now.UTC().Format(time.RFC3339)

	if rec.AttemptCount >= ing.maxAttempts() {
		rec.Status = ledger.InboxStatusDead
		ing.Logger.Error("outcome ingestion gave up", "decision_id", rec.DecisionID, "attempts", rec.AttemptCount, "error", msg)
	} else {
		rec.NextAttemptAt = now.UTC().Add(nextAttempt(rec.AttemptCount)).Format(time.RFC3339)
		if ing.Metrics != nil {
			ing.Metrics.InboxRetries.Inc()
		}
	}

	if err := ing.Store.PutOutcomeInbox(rec); err != nil {
		ing.Logger.Error("inbox reschedule failed", "decision_id", rec.DecisionID, "error", err)
	}
}

func (ing *Ingestor) maxAttempts() int {
	if ing.MaxAttempts > 0 {
		return ing.MaxAttempts
	}
	return defaultMaxAttempts
}

func nextAttempt(attemptCount int) time.Duration {
	// 5s, 10s, 20s, 40s, ... capped at 5m.
	base := 5 * time.Second
	if attemptCount <= 0 {
		return base
	}
	d := base << attemptCount
	max := 5 * time.Minute
	if d > max {
		return max
	}
	return d
}

// RunWorker polls and processes due inbox entries until ctx is cancelled.
func RunWorker(ctx context.Context, ing *Ingestor, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := ing.ProcessDue(ctx, now, 25); err != nil && ctx.Err() == nil {
				ing.Logger.Error("inbox batch failed", "error", err)
			}
		}
	}
}

func contains(set []string, class string) bool {
	for _, c := range set {
		if c == class {
			return true
		}
	}
	return false
}

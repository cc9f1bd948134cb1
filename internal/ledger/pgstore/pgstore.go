package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/lib/pq"

	"github.com/renohub/autogate/internal/ledger"
)

type Store struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) WithTx(fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return err
	}
	wrapped := &Tx{tx: tx}
	if err := fn(wrapped); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) PutDecision(rec ledger.DecisionRecord) error {
	set, err := json.Marshal(rec.PredictionSet)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO decisions(decision_id, experiment_id, stratum, policy_hash, decision, prediction_set, threshold_source, reason_code, latency_ms, created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT(decision_id) DO NOTHING`,
		rec.DecisionID, rec.ExperimentID, rec.Stratum, rec.PolicyHash, rec.Decision, string(set), rec.ThresholdSource, rec.ReasonCode, rec.LatencyMS, rec.CreatedAt,
	)
	return err
}

func (s *Store) GetDecision(decisionID string) (ledger.DecisionRecord, bool) {
	row := s.db.QueryRow(`SELECT decision_id, experiment_id, stratum, policy_hash, decision, prediction_set, threshold_source, reason_code, latency_ms, created_at
FROM decisions WHERE decision_id = $1`, decisionID)
	return scanDecision(row)
}

func (s *Store) ListDecisions(experimentID string, since, until string) ([]ledger.DecisionRecord, error) {
	rows, err := s.db.Query(`SELECT decision_id, experiment_id, stratum, policy_hash, decision, prediction_set, threshold_source, reason_code, latency_ms, created_at
FROM decisions
WHERE ($1 = '' OR experiment_id = $1)
  AND ($2 = '' OR created_at >= $2)
  AND ($3 = '' OR created_at < $3)
ORDER BY created_at ASC`, experimentID, since, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.DecisionRecord{}
	for rows.Next() {
		var rec ledger.DecisionRecord
		var set string
		if err := rows.Scan(&rec.DecisionID, &rec.ExperimentID, &rec.Stratum, &rec.PolicyHash, &rec.Decision, &set, &rec.ThresholdSource, &rec.ReasonCode, &rec.LatencyMS, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(set), &rec.PredictionSet); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PutOutcome(rec ledger.OutcomeRecord) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutOutcome(rec) })
}

func (s *Store) GetOutcome(decisionID string) (ledger.OutcomeRecord, bool) {
	row := s.db.QueryRow(`SELECT outcome_id, decision_id, experiment_id, stratum, true_class, sfn, coverage_hit, observed_at
FROM outcomes WHERE decision_id = $1`, decisionID)
	return scanOutcome(row)
}

func (s *Store) ListOutcomes(experimentID string, since, until string) ([]ledger.OutcomeRecord, error) {
	rows, err := s.db.Query(`SELECT outcome_id, decision_id, experiment_id, stratum, true_class, sfn, coverage_hit, observed_at
FROM outcomes
WHERE ($1 = '' OR experiment_id = $1)
  AND ($2 = '' OR observed_at >= $2)
  AND ($3 = '' OR observed_at < $3)
ORDER BY observed_at ASC`, experimentID, since, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.OutcomeRecord{}
	for rows.Next() {
		var rec ledger.OutcomeRecord
		if err := rows.Scan(&rec.OutcomeID, &rec.DecisionID, &rec.ExperimentID, &rec.Stratum, &rec.TrueClass, &rec.SFN, &rec.CoverageHit, &rec.ObservedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PutOutcomeInbox(rec ledger.OutcomeInboxRecord) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutOutcomeInbox(rec) })
}

func (s *Store) GetOutcomeInbox(inboxID string) (ledger.OutcomeInboxRecord, bool) {
	row := s.db.QueryRow(`SELECT inbox_id, decision_id, true_class, review_warranted, status, attempt_count, next_attempt_at, last_error, created_at, updated_at
FROM outcome_inbox WHERE inbox_id = $1`, inboxID)
	return scanInbox(row)
}

func (s *Store) GetOutcomeInboxByDecision(decisionID string) (ledger.OutcomeInboxRecord, bool) {
	row := s.db.QueryRow(`SELECT inbox_id, decision_id, true_class, review_warranted, status, attempt_count, next_attempt_at, last_error, created_at, updated_at
FROM outcome_inbox WHERE decision_id = $1 ORDER BY created_at ASC LIMIT 1`, decisionID)
	return scanInbox(row)
}

func (s *Store) ListOutcomeInboxDue(now string, limit int) ([]ledger.OutcomeInboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT inbox_id, decision_id, true_class, review_warranted, status, attempt_count, next_attempt_at, last_error, created_at, updated_at
FROM outcome_inbox
WHERE status = 'pending' AND next_attempt_at <= $1
ORDER BY created_at ASC
LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.OutcomeInboxRecord{}
	for rows.Next() {
		var rec ledger.OutcomeInboxRecord
		if err := rows.Scan(&rec.InboxID, &rec.DecisionID, &rec.TrueClass, &rec.ReviewWarranted, &rec.Status, &rec.AttemptCount, &rec.NextAttemptAt, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) AppendCalibration(point ledger.CalibrationPoint) error {
	_, err := s.db.Exec(`INSERT INTO calibration_points(stratum, score, true_label, created_at) VALUES($1,$2,$3,$4)`,
		point.Stratum, point.Score, point.TrueLabel, point.CreatedAt)
	return err
}

func (s *Store) ListCalibration(stratumKey string) ([]ledger.CalibrationPoint, error) {
	return s.listCalibration(`SELECT stratum, score, true_label, created_at FROM calibration_points WHERE stratum = $1`, stratumKey)
}

func (s *Store) ListCalibrationAll() ([]ledger.CalibrationPoint, error) {
	return s.listCalibration(`SELECT stratum, score, true_label, created_at FROM calibration_points`)
}

func (s *Store) listCalibration(query string, args ...any) ([]ledger.CalibrationPoint, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.CalibrationPoint{}
	for rows.Next() {
		var p ledger.CalibrationPoint
		if err := rows.Scan(&p.Stratum, &p.Score, &p.TrueLabel, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) AppendHistoricalValidation(rec ledger.HistoricalValidation) error {
	_, err := s.db.Exec(`INSERT INTO historical_validations(stratum, sfn, created_at) VALUES($1,$2,$3)`,
		rec.Stratum, rec.SFN, rec.CreatedAt)
	return err
}

func (s *Store) ListHistoricalValidations() ([]ledger.HistoricalValidation, error) {
	rows, err := s.db.Query(`SELECT stratum, sfn, created_at FROM historical_validations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.HistoricalValidation{}
	for rows.Next() {
		var rec ledger.HistoricalValidation
		if err := rows.Scan(&rec.Stratum, &rec.SFN, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PutCriticState(rec ledger.CriticStateRecord) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutCriticState(rec) })
}

func (s *Store) ListCriticStates(modelID string) ([]ledger.CriticStateRecord, error) {
	rows, err := s.db.Query(`SELECT model_id, stratum, n, reward_mean, risk_mean, sfn_count, updated_at
FROM critic_state WHERE model_id = $1 ORDER BY stratum ASC`, modelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.CriticStateRecord{}
	for rows.Next() {
		var rec ledger.CriticStateRecord
		if err := rows.Scan(&rec.ModelID, &rec.Stratum, &rec.N, &rec.RewardMean, &rec.RiskMean, &rec.SFNCount, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PutAlert(rec ledger.AlertRecord) error {
	_, err := s.db.Exec(`INSERT INTO alerts(alert_id, experiment_id, severity, type, message, triggered_at)
VALUES($1,$2,$3,$4,$5,$6)
ON CONFLICT(alert_id) DO NOTHING`,
		rec.AlertID, rec.ExperimentID, rec.Severity, rec.Type, rec.Message, rec.TriggeredAt)
	return err
}

func (s *Store) ListAlerts(experimentID string, since string) ([]ledger.AlertRecord, error) {
	rows, err := s.db.Query(`SELECT alert_id, experiment_id, severity, type, message, triggered_at
FROM alerts
WHERE ($1 = '' OR experiment_id = $1)
  AND ($2 = '' OR triggered_at >= $2)
ORDER BY triggered_at ASC`, experimentID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.AlertRecord{}
	for rows.Next() {
		var rec ledger.AlertRecord
		if err := rows.Scan(&rec.AlertID, &rec.ExperimentID, &rec.Severity, &rec.Type, &rec.Message, &rec.TriggeredAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type Tx struct {
	tx *sql.Tx
}

func (t *Tx) GetDecision(decisionID string) (ledger.DecisionRecord, bool) {
	row := t.tx.QueryRow(`SELECT decision_id, experiment_id, stratum, policy_hash, decision, prediction_set, threshold_source, reason_code, latency_ms, created_at
FROM decisions WHERE decision_id = $1`, decisionID)
	return scanDecision(row)
}

func (t *Tx) GetOutcome(decisionID string) (ledger.OutcomeRecord, bool) {
	row := t.tx.QueryRow(`SELECT outcome_id, decision_id, experiment_id, stratum, true_class, sfn, coverage_hit, observed_at
FROM outcomes WHERE decision_id = $1`, decisionID)
	return scanOutcome(row)
}

func (t *Tx) PutOutcome(rec ledger.OutcomeRecord) error {
	_, err := t.tx.Exec(`INSERT INTO outcomes(outcome_id, decision_id, experiment_id, stratum, true_class, sfn, coverage_hit, observed_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT(decision_id) DO NOTHING`,
		rec.OutcomeID, rec.DecisionID, rec.ExperimentID, rec.Stratum, rec.TrueClass, rec.SFN, rec.CoverageHit, rec.ObservedAt,
	)
	return err
}

func (t *Tx) PutOutcomeInbox(rec ledger.OutcomeInboxRecord) error {
	_, err := t.tx.Exec(`INSERT INTO outcome_inbox(inbox_id, decision_id, true_class, review_warranted, status, attempt_count, next_attempt_at, last_error, created_at, updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT(inbox_id) DO UPDATE SET
  status=excluded.status,
  attempt_count=excluded.attempt_count,
  next_attempt_at=excluded.next_attempt_at,
  last_error=excluded.last_error,
  updated_at=excluded.updated_at`,
		rec.InboxID, rec.DecisionID, rec.TrueClass, rec.ReviewWarranted, rec.Status, rec.AttemptCount, rec.NextAttemptAt, rec.LastError, rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

func (t *Tx) GetOutcomeInbox(inboxID string) (ledger.OutcomeInboxRecord, bool) {
	row := t.tx.QueryRow(`SELECT inbox_id, decision_id, true_class, review_warranted, status, attempt_count, next_attempt_at, last_error, created_at, updated_at
FROM outcome_inbox WHERE inbox_id = $1`, inboxID)
	return scanInbox(row)
}

func (t *Tx) PutCriticState(rec ledger.CriticStateRecord) error {
	_, err := t.tx.Exec(`INSERT INTO critic_state(model_id, stratum, n, reward_mean, risk_mean, sfn_count, updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT(model_id, stratum) DO UPDATE SET
  n=excluded.n,
  reward_mean=excluded.reward_mean,
  risk_mean=excluded.risk_mean,
  sfn_count=excluded.sfn_count,
  updated_at=excluded.updated_at`,
		rec.ModelID, rec.Stratum, rec.N, rec.RewardMean, rec.RiskMean, rec.SFNCount, rec.UpdatedAt,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (ledger.DecisionRecord, bool) {
	var rec ledger.DecisionRecord
	var set string
	if err := row.Scan(&rec.DecisionID, &rec.ExperimentID, &rec.Stratum, &rec.PolicyHash, &rec.Decision, &set, &rec.ThresholdSource, &rec.ReasonCode, &rec.LatencyMS, &rec.CreatedAt); err != nil {
		return ledger.DecisionRecord{}, false
	}
	if err := json.Unmarshal([]byte(set), &rec.PredictionSet); err != nil {
		return ledger.DecisionRecord{}, false
	}
	return rec, true
}

func scanOutcome(row rowScanner) (ledger.OutcomeRecord, bool) {
	var rec ledger.OutcomeRecord
	if err := row.Scan(&rec.OutcomeID, &rec.DecisionID, &rec.ExperimentID, &rec.Stratum, &rec.TrueClass, &rec.SFN, &rec.CoverageHit, &rec.ObservedAt); err != nil {
		return ledger.OutcomeRecord{}, false
	}
	return rec, true
}

func scanInbox(row rowScanner) (ledger.OutcomeInboxRecord, bool) {
	var rec ledger.OutcomeInboxRecord
	if err := row.Scan(&rec.InboxID, &rec.DecisionID, &rec.TrueClass, &rec.ReviewWarranted, &rec.Status, &rec.AttemptCount, &rec.NextAttemptAt, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return ledger.OutcomeInboxRecord{}, false
	}
	return rec, true
}

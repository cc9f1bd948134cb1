package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "modernc.org/sqlite"

	"github.com/renohub/autogate/internal/ledger"
)

type Store struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) WithTx(fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return err
	}
	if _, err := tx.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = tx.Rollback()
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
VALUES(?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(decision_id) DO NOTHING`,
		rec.DecisionID, rec.ExperimentID, rec.Stratum, rec.PolicyHash, rec.Decision, string(set), rec.ThresholdSource, rec.ReasonCode, rec.LatencyMS, rec.CreatedAt,
	)
	return err
}

func (s *Store) GetDecision(decisionID string) (ledger.DecisionRecord, bool) {
	row := s.db.QueryRow(`SELECT decision_id, experiment_id, stratum, policy_hash, decision, prediction_set, threshold_source, reason_code, latency_ms, created_at
FROM decisions WHERE decision_id = ?`, decisionID)
	return scanDecision(row)
}

func (s *Store) ListDecisions(experimentID string, since, until string) ([]ledger.DecisionRecord, error) {
	rows, err := s.db.Query(`SELECT decision_id, experiment_id, stratum, policy_hash, decision, prediction_set, threshold_source, reason_code, latency_ms, created_at
FROM decisions
WHERE (? = '' OR experiment_id = ?)
  AND (? = '' OR created_at >= ?)
  AND (? = '' OR created_at < ?)
ORDER BY created_at ASC`, experimentID, experimentID, since, since, until, until)
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
FROM outcomes WHERE decision_id = ?`, decisionID)
	return scanOutcome(row)
}

func (s *Store) ListOutcomes(experimentID string, since, until string) ([]ledger.OutcomeRecord, error) {
	rows, err := s.db.Query(`SELECT outcome_id, decision_id, experiment_id, stratum, true_class, sfn, coverage_hit, observed_at
FROM outcomes
WHERE (? = '' OR experiment_id = ?)
  AND (? = '' OR observed_at >= ?)
  AND (? = '' OR observed_at < ?)
ORDER BY observed_at ASC`, experimentID, experimentID, since, since, until, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.OutcomeRecord{}
	for rows.Next() {
		var rec ledger.OutcomeRecord
		var sfn, hit int
		if err := rows.Scan(&rec.OutcomeID, &rec.DecisionID, &rec.ExperimentID, &rec.Stratum, &rec.TrueClass, &sfn, &hit, &rec.ObservedAt); err != nil {
			return nil, err
		}
		rec.SFN = sfn != 0
		rec.CoverageHit = hit != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PutOutcomeInbox(rec ledger.OutcomeInboxRecord) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutOutcomeInbox(rec) })
}

func (s *Store) GetOutcomeInbox(inboxID string) (ledger.OutcomeInboxRecord, bool) {
	row := s.db.QueryRow(`SELECT inbox_id, decision_id, true_class, review_warranted, status, attempt_count, next_attempt_at, last_error, created_at, updated_at
FROM outcome_inbox WHERE inbox_id = ?`, inboxID)
	return scanInbox(row)
}

func (s *Store) GetOutcomeInboxByDecision(decisionID string) (ledger.OutcomeInboxRecord, bool) {
	row := s.db.QueryRow(`SELECT inbox_id, decision_id, true_class, review_warranted, status, attempt_count, next_attempt_at, last_error, created_at, updated_at
FROM outcome_inbox WHERE decision_id = ? ORDER BY created_at ASC LIMIT 1`, decisionID)
	return scanInbox(row)
}

func (s *Store) ListOutcomeInboxDue(now string, limit int) ([]ledger.OutcomeInboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT inbox_id, decision_id, true_class, review_warranted, status, attempt_count, next_attempt_at, last_error, created_at, updated_at
FROM outcome_inbox
WHERE status = 'pending' AND next_attempt_at <= ?
ORDER BY created_at ASC
LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.OutcomeInboxRecord{}
	for rows.Next() {
		var rec ledger.OutcomeInboxRecord
		var warranted int
		if err := rows.Scan(&rec.InboxID, &rec.DecisionID, &rec.TrueClass, &warranted, &rec.Status, &rec.AttemptCount, &rec.NextAttemptAt, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.ReviewWarranted = warranted != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) AppendCalibration(point ledger.CalibrationPoint) error {
	_, err := s.db.Exec(`INSERT INTO calibration_points(stratum, score, true_label, created_at) VALUES(?,?,?,?)`,
		point.Stratum, point.Score, point.TrueLabel, point.CreatedAt)
	return err
}

func (s *Store) ListCalibration(stratumKey string) ([]ledger.CalibrationPoint, error) {
	return s.listCalibration(`SELECT stratum, score, true_label, created_at FROM calibration_points WHERE stratum = ?`, stratumKey)
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
	_, err := s.db.Exec(`INSERT INTO historical_validations(stratum, sfn, created_at) VALUES(?,?,?)`,
		rec.Stratum, boolToInt(rec.SFN), rec.CreatedAt)
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
		var sfn int
		if err := rows.Scan(&rec.Stratum, &sfn, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.SFN = sfn != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PutCriticState(rec ledger.CriticStateRecord) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutCriticState(rec) })
}

func (s *Store) ListCriticStates(modelID string) ([]ledger.CriticStateRecord, error) {
	rows, err := s.db.Query(`SELECT model_id, stratum, n, reward_mean, risk_mean, sfn_count, updated_at
FROM critic_state WHERE model_id = ? ORDER BY stratum ASC`, modelID)
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
VALUES(?,?,?,?,?,?)
ON CONFLICT(alert_id) DO NOTHING`,
		rec.AlertID, rec.ExperimentID, rec.Severity, rec.Type, rec.Message, rec.TriggeredAt)
	return err
}

func (s *Store) ListAlerts(experimentID string, since string) ([]ledger.AlertRecord, error) {
	rows, err := s.db.Query(`SELECT alert_id, experiment_id, severity, type, message, triggered_at
FROM alerts
WHERE (? = '' OR experiment_id = ?)
  AND (? = '' OR triggered_at >= ?)
ORDER BY triggered_at ASC`, experimentID, experimentID, since, since)
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
FROM decisions WHERE decision_id = ?`, decisionID)
	return scanDecision(row)
}

func (t *Tx) GetOutcome(decisionID string) (ledger.OutcomeRecord, bool) {
	row := t.tx.QueryRow(`SELECT outcome_id, decision_id, experiment_id, stratum, true_class, sfn, coverage_hit, observed_at
FROM outcomes WHERE decision_id = ?`, decisionID)
	return scanOutcome(row)
}

func (t *Tx) PutOutcome(rec ledger.OutcomeRecord) error {
	_, err := t.tx.Exec(`INSERT INTO outcomes(outcome_id, decision_id, experiment_id, stratum, true_class, sfn, coverage_hit, observed_at)
VALUES(?,?,?,?,?,?,?,?)
ON CONFLICT(decision_id) DO NOTHING`,
		rec.OutcomeID, rec.DecisionID, rec.ExperimentID, rec.Stratum, rec.TrueClass, boolToInt(rec.SFN), boolToInt(rec.CoverageHit), rec.ObservedAt,
	)
	return err
}

func (t *Tx) PutOutcomeInbox(rec ledger.OutcomeInboxRecord) error {
	_, err := t.tx.Exec(`INSERT INTO outcome_inbox(inbox_id, decision_id, true_class, review_warranted, status, attempt_count, next_attempt_at, last_error, created_at, updated_at)
VALUES(?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(inbox_id) DO UPDATE SET
  status=excluded.status,
  attempt_count=excluded.attempt_count,
  next_attempt_at=excluded.next_attempt_at,
  last_error=excluded.last_error,
  updated_at=excluded.updated_at`,
		rec.InboxID, rec.DecisionID, rec.TrueClass, boolToInt(rec.ReviewWarranted), rec.Status, rec.AttemptCount, rec.NextAttemptAt, rec.LastError, rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

func (t *Tx) GetOutcomeInbox(inboxID string) (ledger.OutcomeInboxRecord, bool) {
	row := t.tx.QueryRow(`SELECT inbox_id, decision_id, true_class, review_warranted, status, attempt_count, next_attempt_at, last_error, created_at, updated_at
FROM outcome_inbox WHERE inbox_id = ?`, inboxID)
	return scanInbox(row)
}

func (t *Tx) PutCriticState(rec ledger.CriticStateRecord) error {
	_, err := t.tx.Exec(`INSERT INTO critic_state(model_id, stratum, n, reward_mean, risk_mean, sfn_count, updated_at)
VALUES(?,?,?,?,?,?,?)
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
	var sfn, hit int
	if err := row.Scan(&rec.OutcomeID, &rec.DecisionID, &rec.ExperimentID, &rec.Stratum, &rec.TrueClass, &sfn, &hit, &rec.ObservedAt); err != nil {
		return ledger.OutcomeRecord{}, false
	}
	rec.SFN = sfn != 0
	rec.CoverageHit = hit != 0
	return rec, true
}

func scanInbox(row rowScanner) (ledger.OutcomeInboxRecord, bool) {
	var rec ledger.OutcomeInboxRecord
	var warranted int
	if err := row.Scan(&rec.InboxID, &rec.DecisionID, &rec.TrueClass, &warranted, &rec.Status, &rec.AttemptCount, &rec.NextAttemptAt, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return ledger.OutcomeInboxRecord{}, false
	}
	rec.ReviewWarranted = warranted != 0
	return rec, true
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

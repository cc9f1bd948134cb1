package ledger

// Store is the durable surface behind the decision engine, the outcome
// ingestor, and the metrics monitor. Implementations: in-memory (tests and
// dev), SQLite, and Postgres.
type Store interface {
	WithTx(fn func(Tx) error) error

	PutDecision(rec DecisionRecord) error
	GetDecision(decisionID string) (DecisionRecord, bool)
	ListDecisions(experimentID string, since, until string) ([]DecisionRecord, error)

	PutOutcome(rec OutcomeRecord) error
	GetOutcome(decisionID string) (OutcomeRecord, bool)
	ListOutcomes(experimentID string, since, until string) ([]OutcomeRecord, error)

	PutOutcomeInbox(rec OutcomeInboxRecord) error
	GetOutcomeInbox(inboxID string) (OutcomeInboxRecord, bool)
	GetOutcomeInboxByDecision(decisionID string) (OutcomeInboxRecord, bool)
	ListOutcomeInboxDue(now string, limit int) ([]OutcomeInboxRecord, error)

	AppendCalibration(point CalibrationPoint) error
	ListCalibration(stratumKey string) ([]CalibrationPoint, error)
	ListCalibrationAll() ([]CalibrationPoint, error)

	AppendHistoricalValidation(rec HistoricalValidation) error
	ListHistoricalValidations() ([]HistoricalValidation, error)

	PutCriticState(rec CriticStateRecord) error
	ListCriticStates(modelID string) ([]CriticStateRecord, error)

	PutAlert(rec AlertRecord) error
	ListAlerts(experimentID string, since string) ([]AlertRecord, error)
}

// Tx covers the write paths that must be atomic: recording an outcome,
// retiring its inbox entry, and persisting the critic state it produced.
type Tx interface {
	GetDecision(decisionID string) (DecisionRecord, bool)
	GetOutcome(decisionID string) (OutcomeRecord, bool)
	PutOutcome(rec OutcomeRecord) error
	PutOutcomeInbox(rec OutcomeInboxRecord) error
	GetOutcomeInbox(inboxID string) (OutcomeInboxRecord, bool)
	PutCriticState(rec CriticStateRecord) error
}

// DecisionRecord is written exactly once per request and never mutated.
// Timestamps are RFC3339 UTC strings.
type DecisionRecord struct {
	DecisionID      string
	ExperimentID    string
	Stratum         string
	PolicyHash      string
	Decision        string // automate | escalate
	PredictionSet   []string
	ThresholdSource string // stratum | global | none
	ReasonCode      string
	LatencyMS       float64
	CreatedAt       string
}

// OutcomeRecord joins delayed ground truth to a decision. At most one
// exists per decision; writes are idempotent on DecisionID.
type OutcomeRecord struct {
	OutcomeID    string
	DecisionID   string
	ExperimentID string
	Stratum      string
	TrueClass    string
	SFN          bool
	CoverageHit  bool
	ObservedAt   string
}

const (
	InboxStatusPending = "pending"
	InboxStatusDone    = "done"
	InboxStatusDead    = "dead"
)

// OutcomeInboxRecord is the durable ground-truth queue entry. Ingestion is
// retried with backoff; ground truth may lag the decision by days and the
// process may restart in between, so the queue lives in the store rather
// than in memory.
type OutcomeInboxRecord struct {
	InboxID         string
	DecisionID      string
	TrueClass       string
	ReviewWarranted bool
	Status          string // pending | done | dead
	AttemptCount    int
	NextAttemptAt   string
	LastError       *string
	CreatedAt       string
	UpdatedAt       string
}

// CalibrationPoint is one labeled nonconformity observation. Append-only.
type CalibrationPoint struct {
	Stratum   string
	Score     float64
	TrueLabel string
	CreatedAt string
}

// HistoricalValidation is one past human-reviewed outcome, used only to
// bootstrap the seed safe set. Append-only.
type HistoricalValidation struct {
	Stratum   string
	SFN       bool
	CreatedAt string
}

// CriticStateRecord is the persisted per-stratum critic state. Written
// only by the critic's single-writer update path.
type CriticStateRecord struct {
	ModelID    string
	Stratum    string
	N          int64
	RewardMean float64
	RiskMean   float64
	SFNCount   int64
	UpdatedAt  string
}

type AlertRecord struct {
	AlertID      string
	ExperimentID string
	Severity     string
	Type         string
	Message      string
	TriggeredAt  string
}

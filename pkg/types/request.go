package types

// DecideRequest is the synchronous input from the upstream classifier:
// a probability vector plus the context features that determine the stratum.
type DecideRequest struct {
	RequestID     string             `json:"request_id"`
	ExperimentID  string             `json:"experiment_id"`
	Probabilities map[string]float64 `json:"probabilities"`
	Context       StratumContext     `json:"context"`
}

// StratumContext carries the raw context features. The engine folds these
// into a versioned stratum key; callers never send a preformatted key.
type StratumContext struct {
	Category string `json:"category"`
	AgeBin   string `json:"age_bin"`
	Region   string `json:"region"`
}

// OutcomeSubmission is the delayed ground-truth input, keyed by the
// original request id. ReviewWarranted is true when the human review
// concluded the case genuinely required escalation.
type OutcomeSubmission struct {
	RequestID       string `json:"request_id"`
	TrueClass       string `json:"true_class"`
	ReviewWarranted bool   `json:"review_warranted"`
}

// CalibrationSubmission appends one labeled nonconformity observation
// to the calibration corpus.
type CalibrationSubmission struct {
	Context   StratumContext `json:"context"`
	Score     float64        `json:"score"`
	TrueLabel string         `json:"true_label"`
}

package types

type DecisionKind string

const (
	DecisionAutomate DecisionKind = "automate"
	DecisionEscalate DecisionKind = "escalate"
)

// Decision is the synchronous output returned to the caller.
type Decision struct {
	RequestID     string       `json:"request_id"`
	Decision      DecisionKind `json:"decision"`
	PredictionSet []string     `json:"prediction_set"`
	ReasonCode    string       `json:"reason_code,omitempty"`
	LatencyMS     float64      `json:"latency_ms"`
}

// Decision reason codes. These are stamped on the decision record and
// surfaced to callers; operators filter on them when auditing.
const (
	ReasonCriticApproved = "critic_within_budget"
	ReasonSeedCertified  = "seed_certified"
	ReasonNoEvidence     = "no_evidence"
	ReasonOverBudget     = "risk_over_budget"
	ReasonPaused         = "paused"
	ReasonNoCalibration  = "no_calibration"
	ReasonDegraded       = "degraded"
	ReasonInvalidStratum = "invalid_stratum"
)

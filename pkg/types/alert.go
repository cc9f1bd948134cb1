package types

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Alert types raised by the metrics monitor and the decision engine.
// Alerts are advisory: nothing in the system acts on them automatically.
const (
	AlertSFNBudgetViolation  = "sfn_budget_violation"
	AlertCoverageDeficit     = "coverage_deficit"
	AlertAutomationRateSpike = "automation_rate_spike"
	AlertLowObservations     = "low_critic_observations"
	AlertDegradedMode        = "degraded_mode"
)

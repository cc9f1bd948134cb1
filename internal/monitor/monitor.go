package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/renohub/autogate/internal/critic"
	"github.com/renohub/autogate/internal/ledger"
	"github.com/renohub/autogate/internal/policy"
	"github.com/renohub/autogate/pkg/types"
)

// Monitor aggregates the decision and outcome logs into safety metrics
// and raises alerts when a policy threshold is crossed. It is strictly
// out of band: it reads the logs, never the live engine state, so a
// monitor fault cannot affect the decision path.
type Monitor struct {
	Store        ledger.Store
	Critic       *critic.Model
	Policy       policy.Policy
	ExperimentID string
	Logger       *slog.Logger
}

func New(store ledger.Store, model *critic.Model, pol policy.Policy, experimentID string, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		Store:        store,
		Critic:       model,
		Policy:       pol,
		ExperimentID: experimentID,
		Logger:       logger,
	}
}

// StratumCoverage is the empirical coverage of labeled outcomes in one
// stratum.
type StratumCoverage struct {
	Stratum string
	Labeled int
	Hits    int
	Rate    float64
}

// TrendPoint is one day of decision volume. Days are UTC dates.
type TrendPoint struct {
	Day            string
	Decisions      int
	Automated      int
	AutomationRate float64
}

// Report is one monitoring window. Rate denominators differ on purpose:
// automation and escalation rates are over all decisions in the window,
// SFN and coverage rates are over labeled outcomes only.
type Report struct {
	ExperimentID string
	WindowStart  string
	WindowEnd    string

	Decisions      int
	Automated      int
	Escalated      int
	AutomationRate float64
	EscalationRate float64

	Labeled      int
	SFNCount     int
	SFNRate      float64
	CoverageHits int
	CoverageRate float64

	PerStratum []StratumCoverage
	Trend      []TrendPoint
}

// BuildReport aggregates the window [since, until).
func (m *Monitor) BuildReport(since, until time.Time) (Report, error) {
	sinceStr := since.UTC().Format(time.RFC3339)
	untilStr := until.UTC().Format(time.RFC3339)

	decisions, err := m.Store.ListDecisions(m.ExperimentID, sinceStr, untilStr)
	if err != nil {
		return Report{}, fmt.Errorf("list decisions: %w", err)
	}
	outcomes, err := m.Store.ListOutcomes(m.ExperimentID, sinceStr, untilStr)
	if err != nil {
		return Report{}, fmt.Errorf("list outcomes: %w", err)
	}

	rep := Report{
		ExperimentID: m.ExperimentID,
		WindowStart:  sinceStr,
		WindowEnd:    untilStr,
		Decisions:    len(decisions),
		Labeled:      len(outcomes),
	}

	byDay := map[string]*TrendPoint{}
	for _, d := range decisions {
		if d.Decision == string(types.DecisionAutomate) {
			rep.Automated++
		} else {
			rep.Escalated++
		}
		day := d.CreatedAt
		if len(day) >= 10 {
			day = day[:10]
		}
		tp, ok := byDay[day]
		if !ok {
			tp = &TrendPoint{Day: day}
			byDay[day] = tp
		}
		tp.Decisions++
		if d.Decision == string(types.DecisionAutomate) {
			tp.Automated++
		}
	}
	if rep.Decisions > 0 {
		rep.AutomationRate = float64(rep.Automated) / float64(rep.Decisions)
		rep.EscalationRate = float64(rep.Escalated) / float64(rep.Decisions)
	}

	perStratum := map[string]*StratumCoverage{}
	for _, o := range outcomes {
		if o.SFN {
			rep.SFNCount++
		}
		if o.CoverageHit {
			rep.CoverageHits++
		}
		sc, ok := perStratum[o.Stratum]
		if !ok {
			sc = &StratumCoverage{Stratum: o.Stratum}
			perStratum[o.Stratum] = sc
		}
		sc.Labeled++
		if o.CoverageHit {
			sc.Hits++
		}
	}
	if rep.Labeled > 0 {
		rep.SFNRate = float64(rep.SFNCount) / float64(rep.Labeled)
		rep.CoverageRate = float64(rep.CoverageHits) / float64(rep.Labeled)
	}

	for _, sc := range perStratum {
		if sc.Labeled > 0 {
			sc.Rate = float64(sc.Hits) / float64(sc.Labeled)
		}
		rep.PerStratum = append(rep.PerStratum, *sc)
	}
	sort.Slice(rep.PerStratum, func(i, j int) bool {
		return rep.PerStratum[i].Stratum < rep.PerStratum[j].Stratum
	})

	for _, tp := range byDay {
		if tp.Decisions > 0 {
			tp.AutomationRate = float64(tp.Automated) / float64(tp.Decisions)
		}
		rep.Trend = append(rep.Trend, *tp)
	}
	sort.Slice(rep.Trend, func(i, j int) bool { return rep.Trend[i].Day < rep.Trend[j].Day })

	return rep, nil
}

// Check evaluates the report against the monitoring thresholds and
// returns the alerts to raise, ordered most severe first.
func (m *Monitor) Check(rep Report, now time.Time) []ledger.AlertRecord {
	cfg := m.Policy.Monitor
	ts := now.UTC().Format(time.RFC3339)
	var alerts []ledger.AlertRecord

	add := func(severity types.Severity, alertType, message string) {
		alerts = append(alerts, ledger.AlertRecord{
			AlertID:      uuid.NewString(),
			ExperimentID: m.ExperimentID,
			Severity:     string(severity),
			Type:         alertType,
			Message:      message,
			TriggeredAt:  ts,
		})
	}

	// Observed SFN rate at or above the budget voids the whole premise
	// of automation; this is the alert an operator pauses on.
	if rep.Labeled > 0 && rep.SFNRate >= cfg.SFNCritical {
		add(types.SeverityCritical, types.AlertSFNBudgetViolation,
			fmt.Sprintf("observed sfn rate %.5f >= critical threshold %.5f over %d labeled outcomes",
				rep.SFNRate, cfg.SFNCritical, rep.Labeled))
	}

	// Per-stratum coverage below the conformal guarantee minus margin
	// means the calibration corpus has drifted for that stratum.
	target := 1.0 - m.Policy.Conformal.Alpha - cfg.CoverageMargin
	for _, sc := range rep.PerStratum {
		if sc.Labeled >= cfg.CoverageMinSamples && sc.Rate < target {
			add(types.SeverityWarning, types.AlertCoverageDeficit,
				fmt.Sprintf("stratum %s coverage %.4f below %.4f over %d labeled outcomes",
					sc.Stratum, sc.Rate, target, sc.Labeled))
		}
	}

	// Day-over-day automation rate jump in percentage points.
	if n := len(rep.Trend); n >= 2 {
		prev, last := rep.Trend[n-2], rep.Trend[n-1]
		jump := (last.AutomationRate - prev.AutomationRate) * 100.0
		if jump > cfg.SpikePoints {
			add(types.SeverityWarning, types.AlertAutomationRateSpike,
				fmt.Sprintf("automation rate jumped %.1f points (%s: %.2f%% -> %s: %.2f%%)",
					jump, prev.Day, prev.AutomationRate*100, last.Day, last.AutomationRate*100))
		}
	}

	// Strata the critic is automating on thin evidence.
	if m.Critic != nil {
		snap := m.Critic.Snapshot()
		for _, sc := range rep.PerStratum {
			stats := snap.Stats(sc.Stratum)
			if stats.N > 0 && stats.N < cfg.MinObservations {
				add(types.SeverityInfo, types.AlertLowObservations,
					fmt.Sprintf("stratum %s has only %d observations (minimum %d)",
						sc.Stratum, stats.N, cfg.MinObservations))
			}
		}
	}

	return alerts
}

// RunCycle builds one report over the trailing week, raises and persists
// any alerts, and returns the report.
func (m *Monitor) RunCycle(now time.Time) (Report, error) {
	rep, err := m.BuildReport(now.Add(-7*24*time.Hour), now)
	if err != nil {
		return Report{}, err
	}

	for _, alert := range m.Check(rep, now) {
		if err := m.Store.PutAlert(alert); err != nil {
			m.Logger.Error("alert persist failed", "type", alert.Type, "error", err)
			continue
		}
		m.Logger.Warn("safety alert raised",
			"type", alert.Type,
			"severity", alert.Severity,
			"message", alert.Message)
	}

	m.Logger.Info("monitor cycle",
		"decisions", rep.Decisions,
		"automation_rate", rep.AutomationRate,
		"labeled", rep.Labeled,
		"sfn_rate", rep.SFNRate,
		"coverage_rate", rep.CoverageRate)
	return rep, nil
}

// Run executes monitor cycles on a fixed interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := m.RunCycle(now); err != nil && ctx.Err() == nil {
				m.Logger.Error("monitor cycle failed", "error", err)
			}
		}
	}
}

package safety

import "time"

// Alert is one open or closed threshold breach. At most one alert is open
// per (rule, severity) at a time; opens and closes are edge-triggered with
// the rule's hysteresis margin guarding the close edge.
type Alert struct {
	AlertID     string    `json:"alert_id"`
	RuleID      string    `json:"rule_id"`
	Severity    Severity  `json:"severity"`
	MetricValue float64   `json:"metric_value"`
	OpenedAt    time.Time `json:"opened_at"`
	ClosedAt    time.Time `json:"closed_at,omitempty"`
}

// Open reports whether the alert is still open.
func (a Alert) Open() bool {
	return a.ClosedAt.IsZero()
}

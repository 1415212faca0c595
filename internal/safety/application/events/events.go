package events

import (
	"time"

	commands "vivarium-core/internal/commands/domain"
	safety "vivarium-core/internal/safety/domain"
)

// AlertOpened is published on the rising edge of a threshold crossing.
type AlertOpened struct {
	Alert      safety.Alert `json:"alert"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// AlertClosed is published when the metric retreats past the threshold
// minus the hysteresis margin.
type AlertClosed struct {
	Alert      safety.Alert `json:"alert"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// EmergencyEngaged is published when an EMERGENCY crossing latches an
// actuator class.
type EmergencyEngaged struct {
	RuleID      string         `json:"rule_id"`
	Class       commands.Class `json:"class"`
	MetricValue float64        `json:"metric_value"`
	OccurredAt  time.Time      `json:"occurred_at"`
}

// EmergencyCleared is published when the latch releases: metric retreated
// below critical minus hysteresis AND an acknowledgement was recorded.
type EmergencyCleared struct {
	RuleID     string         `json:"rule_id"`
	Class      commands.Class `json:"class"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// AcknowledgeEmergency is the inbound operator acknowledgement published by
// the API layer. Acknowledgement alone never releases the latch.
type AcknowledgeEmergency struct {
	Class          commands.Class `json:"class"`
	AcknowledgedBy string         `json:"acknowledged_by"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

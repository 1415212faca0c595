package safety

import (
	"errors"
	"fmt"

	commands "vivarium-core/internal/commands/domain"
	sensors "vivarium-core/internal/sensors/domain"
)

// Severity grades a threshold breach.
type Severity string

const (
	SeverityWarning   Severity = "WARNING"
	SeverityCritical  Severity = "CRITICAL"
	SeverityEmergency Severity = "EMERGENCY"
)

// Rank orders severities ascending.
func (s Severity) Rank() int {
	switch s {
	case SeverityEmergency:
		return 3
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Severities lists all severities ascending.
var Severities = []Severity{SeverityWarning, SeverityCritical, SeverityEmergency}

// Direction states which way a metric breaches its thresholds.
type Direction string

const (
	// DirectionExceeds breaches when the value rises past a threshold
	// (overheat, bad air).
	DirectionExceeds Direction = "exceeds"
	// DirectionFalls breaches when the value drops past a threshold
	// (dry reservoir, undercooling).
	DirectionFalls Direction = "falls"
)

// Action is a corrective command forced at CRITICAL severity without
// waiting for the control loop.
type Action struct {
	ActuatorID string         `json:"actuator_id"`
	Class      commands.Class `json:"class"`
	Desired    commands.State `json:"desired"`
}

// Rule is one graduated threshold rule. Reaction wiring is data: the
// corrective action at CRITICAL and the actuator class shut down and
// latched at EMERGENCY.
type Rule struct {
	RuleID             string          `json:"rule_id"`
	Metric             sensors.Metric  `json:"metric"`
	Direction          Direction       `json:"direction"`
	Warning            float64         `json:"warning"`
	Critical           float64         `json:"critical"`
	Emergency          float64         `json:"emergency"`
	Hysteresis         float64         `json:"hysteresis"`
	CriticalAction     *Action         `json:"critical_action,omitempty"`
	EmergencyClass     commands.Class  `json:"emergency_class,omitempty"`
	EmergencyActuators []string        `json:"emergency_actuators,omitempty"`
}

// Validate checks rule invariants: thresholds strictly ordered in the
// breach direction, non-negative hysteresis.
func (r Rule) Validate() error {
	if r.RuleID == "" {
		return errors.New("safety: empty rule id")
	}
	if !r.Metric.Valid() {
		return fmt.Errorf("safety: %s: invalid metric %q", r.RuleID, r.Metric)
	}
	switch r.Direction {
	case DirectionExceeds:
		if !(r.Warning < r.Critical && r.Critical < r.Emergency) {
			return fmt.Errorf("safety: %s: thresholds must satisfy warning < critical < emergency", r.RuleID)
		}
	case DirectionFalls:
		if !(r.Warning > r.Critical && r.Critical > r.Emergency) {
			return fmt.Errorf("safety: %s: thresholds must satisfy warning > critical > emergency", r.RuleID)
		}
	default:
		return fmt.Errorf("safety: %s: invalid direction %q", r.RuleID, r.Direction)
	}
	if r.Hysteresis < 0 {
		return fmt.Errorf("safety: %s: negative hysteresis", r.RuleID)
	}
	if r.EmergencyClass != "" && !r.EmergencyClass.Valid() {
		return fmt.Errorf("safety: %s: invalid emergency class %q", r.RuleID, r.EmergencyClass)
	}
	if r.CriticalAction != nil {
		if r.CriticalAction.ActuatorID == "" {
			return fmt.Errorf("safety: %s: critical action without actuator", r.RuleID)
		}
		if !r.CriticalAction.Class.Valid() {
			return fmt.Errorf("safety: %s: critical action invalid class", r.RuleID)
		}
	}
	return nil
}

// Threshold returns the threshold for a severity.
func (r Rule) Threshold(severity Severity) float64 {
	switch severity {
	case SeverityEmergency:
		return r.Emergency
	case SeverityCritical:
		return r.Critical
	default:
		return r.Warning
	}
}

// Breaches reports whether value crosses the severity's threshold.
func (r Rule) Breaches(severity Severity, value float64) bool {
	threshold := r.Threshold(severity)
	if r.Direction == DirectionFalls {
		return value <= threshold
	}
	return value >= threshold
}

// Clears reports whether value has retreated past the severity's threshold
// by at least the hysteresis margin.
func (r Rule) Clears(severity Severity, value float64) bool {
	threshold := r.Threshold(severity)
	if r.Direction == DirectionFalls {
		return value >= threshold+r.Hysteresis
	}
	return value <= threshold-r.Hysteresis
}

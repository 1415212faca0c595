// Package health holds the shared component record arena. Write ownership
// is split per field: Status belongs to the recovery service, the failure
// counters and LastSuccessAt belong to the data-path service that owns the
// component (sensor gateway, command service). Everyone else reads. The one
// crossover is the healthy transition, which re-arms the failure counter so
// a recovered-then-failing component can escalate again.
package health

import "time"

// Status is a component health status.
type Status string

const (
	StatusHealthy    Status = "HEALTHY"
	StatusDegraded   Status = "DEGRADED"
	StatusFailed     Status = "FAILED"
	StatusRecovering Status = "RECOVERING"
)

// Kind classifies a component for recovery strategy selection.
type Kind string

const (
	KindSensor   Kind = "sensor"
	KindActuator Kind = "actuator"
	KindService  Kind = "service"
	KindUnknown  Kind = "unknown"
)

// ComponentHealth is one component record.
type ComponentHealth struct {
	ComponentID         string    `json:"component_id"`
	Kind                Kind      `json:"kind"`
	Status              Status    `json:"status"`
	LastSuccessAt       time.Time `json:"last_success_at,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ComponentFailure is published whenever a component fault must become
// visible: dead sensors, actuator write faults, handler panics, feeder
// invariant breaches. It is the sole trigger for the recovery service.
type ComponentFailure struct {
	ComponentID string    `json:"component_id"`
	Kind        Kind      `json:"kind"`
	Reason      string    `json:"reason"`
	OccurredAt  time.Time `json:"occurred_at"`
}

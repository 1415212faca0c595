package events

import (
	"time"

	commands "vivarium-core/internal/commands/domain"
)

// CommandRequested asks the command service to drive an actuator. Published
// by the control loop engine (policy), the safety supervisor (override) and
// the manual-override consumer.
type CommandRequested struct {
	Command    commands.Command `json:"command"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// CommandApplied confirms a driver write succeeded.
type CommandApplied struct {
	Command    commands.Command `json:"command"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// CommandDiscarded records a command dropped at the bus boundary, either by
// the emergency latch or by a higher-priority command already in force.
type CommandDiscarded struct {
	Command    commands.Command `json:"command"`
	Cause      string           `json:"cause"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// CommandFailed records a driver write error or timeout.
type CommandFailed struct {
	Command    commands.Command `json:"command"`
	Error      string           `json:"error"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// OverrideLifted releases a safety override on one actuator, returning the
// write boundary to policy priority. Published by the safety supervisor
// when the triggering alert closes.
type OverrideLifted struct {
	ActuatorID string    `json:"actuator_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ManualOverrideCommand is the inbound manual-control event published by
// the API layer.
type ManualOverrideCommand struct {
	ActuatorID  string         `json:"actuator_id"`
	Class       commands.Class `json:"class"`
	Desired     commands.State `json:"desired"`
	RequestedBy string         `json:"requested_by"`
	OccurredAt  time.Time      `json:"occurred_at"`
}

// ManualOverrideReleased hands an actuator back to policy control. Without
// it a manual override would outprioritize the control loop until restart.
// Published by the API layer.
type ManualOverrideReleased struct {
	ActuatorID string    `json:"actuator_id"`
	ReleasedBy string    `json:"released_by"`
	OccurredAt time.Time `json:"occurred_at"`
}

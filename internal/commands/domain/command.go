package commands

import (
	"errors"
	"time"
)

// Reason records which source issued an actuator command. It doubles as
// the priority field checked at the actuator-write boundary.
type Reason string

const (
	ReasonPolicy         Reason = "policy"
	ReasonManual         Reason = "manual"
	ReasonSafetyOverride Reason = "safety_override"
)

// Priority orders command sources; a higher value supersedes a lower one
// regardless of arrival order.
func (r Reason) Priority() int {
	switch r {
	case ReasonSafetyOverride:
		return 2
	case ReasonManual:
		return 1
	default:
		return 0
	}
}

// Valid returns true for a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonPolicy, ReasonManual, ReasonSafetyOverride:
		return true
	default:
		return false
	}
}

// Class groups actuators for safety-level decisions (an emergency latch
// covers a whole class).
type Class string

const (
	ClassHeating     Class = "heating"
	ClassHumidity    Class = "humidity"
	ClassLighting    Class = "lighting"
	ClassVentilation Class = "ventilation"
	ClassFeeder      Class = "feeder"
)

// Valid returns true for a known class.
func (c Class) Valid() bool {
	switch c {
	case ClassHeating, ClassHumidity, ClassLighting, ClassVentilation, ClassFeeder:
		return true
	default:
		return false
	}
}

// State is the desired actuator output: On plus a 0-100 intensity for
// actuators that support it (relays ignore Intensity).
type State struct {
	On        bool    `json:"on"`
	Intensity float64 `json:"intensity"`
}

// Level maps the desired state to a driver output level.
func (s State) Level() float64 {
	if !s.On {
		return 0
	}
	if s.Intensity <= 0 || s.Intensity > 100 {
		return 100
	}
	return s.Intensity
}

// Off is the all-off state.
var Off = State{}

// FullOn is full-intensity on.
var FullOn = State{On: true, Intensity: 100}

// Command is one actuator command.
type Command struct {
	CommandID  string    `json:"command_id"`
	ActuatorID string    `json:"actuator_id"`
	Class      Class     `json:"class"`
	Desired    State     `json:"desired"`
	Reason     Reason    `json:"reason"`
	IssuedAt   time.Time `json:"issued_at"`
}

// Validate checks command invariants.
func (c Command) Validate() error {
	if c.ActuatorID == "" {
		return errors.New("commands: empty actuator id")
	}
	if !c.Class.Valid() {
		return errors.New("commands: invalid actuator class")
	}
	if !c.Reason.Valid() {
		return errors.New("commands: invalid reason")
	}
	return nil
}

package control

import (
	"errors"
	"fmt"
	"time"

	commands "vivarium-core/internal/commands/domain"
	sensors "vivarium-core/internal/sensors/domain"
)

// Mode selects how an actuator is governed.
type Mode string

const (
	// ModeThermostat drives the actuator from a measured metric with a
	// deadband around the profile setpoint.
	ModeThermostat Mode = "thermostat"
	// ModeSchedule drives the actuator from the day/night profile alone
	// (lighting).
	ModeSchedule Mode = "schedule"
)

// Direction states which side of the setpoint turns the actuator on.
type Direction string

const (
	// DirectionHeating turns on below the setpoint (heater, humidifier).
	DirectionHeating Direction = "heating"
	// DirectionCooling turns on above the setpoint (ventilation).
	DirectionCooling Direction = "cooling"
)

// Profile is one day-part configuration.
type Profile struct {
	Setpoint float64 `yaml:"setpoint" json:"setpoint"`
	On       bool    `yaml:"on" json:"on"`
}

// Policy governs one actuator. Read-only during runtime.
type Policy struct {
	ActuatorID   string         `json:"actuator_id"`
	Class        commands.Class `json:"class"`
	Metric       sensors.Metric `json:"metric"`
	Mode         Mode           `json:"mode"`
	Direction    Direction      `json:"direction"`
	Deadband     float64        `json:"deadband"`
	DayProfile   Profile        `json:"day_profile"`
	NightProfile Profile        `json:"night_profile"`
	MinOnTime    time.Duration  `json:"min_on_time"`
	MaxOnTime    time.Duration  `json:"max_on_time"`
}

// Validate checks policy invariants.
func (p Policy) Validate() error {
	if p.ActuatorID == "" {
		return errors.New("control: empty actuator id")
	}
	if !p.Class.Valid() {
		return fmt.Errorf("control: %s: invalid class %q", p.ActuatorID, p.Class)
	}
	switch p.Mode {
	case ModeThermostat:
		if !p.Metric.Valid() {
			return fmt.Errorf("control: %s: invalid metric %q", p.ActuatorID, p.Metric)
		}
		if p.Direction != DirectionHeating && p.Direction != DirectionCooling {
			return fmt.Errorf("control: %s: invalid direction %q", p.ActuatorID, p.Direction)
		}
	case ModeSchedule:
	default:
		return fmt.Errorf("control: %s: invalid mode %q", p.ActuatorID, p.Mode)
	}
	if p.Deadband < 0 {
		return fmt.Errorf("control: %s: negative deadband", p.ActuatorID)
	}
	if p.MinOnTime < 0 || p.MaxOnTime < 0 {
		return fmt.Errorf("control: %s: negative on-time bound", p.ActuatorID)
	}
	if p.MaxOnTime > 0 && p.MinOnTime > p.MaxOnTime {
		return fmt.Errorf("control: %s: min_on_time exceeds max_on_time", p.ActuatorID)
	}
	return nil
}

// ActiveProfile selects the profile for the given day-part.
func (p Policy) ActiveProfile(day bool) Profile {
	if day {
		return p.DayProfile
	}
	return p.NightProfile
}

// Package drivers defines the hardware boundary. Every call takes a
// context; callers bound it with a timeout so a hung driver cannot stall a
// tick. A timeout is treated identically to a read/write error.
package drivers

import (
	"context"
	"errors"
	"time"
)

// Reading is a raw driver sample before normalization.
type Reading struct {
	Value float64
	Unit  string
	At    time.Time
}

// SensorDriver reads raw values from physical or simulated sensors.
type SensorDriver interface {
	Read(ctx context.Context, sensorID string) (Reading, error)
}

// ActuatorDriver applies output levels to actuators. Level is 0-100 for
// intensity-style actuators and 0/100 for on-off relays; for servos it is
// the target angle in degrees.
type ActuatorDriver interface {
	Write(ctx context.Context, actuatorID string, level float64) error
}

// PositionDriver reports the last applied/acknowledged actuator position.
// Used by the feeding sequencer to verify gate positions before advancing.
type PositionDriver interface {
	Position(ctx context.Context, actuatorID string) (float64, error)
}

// ErrUnknownSensor is returned for unregistered sensor IDs.
var ErrUnknownSensor = errors.New("drivers: unknown sensor")

// ErrUnknownActuator is returned for unregistered actuator IDs.
var ErrUnknownActuator = errors.New("drivers: unknown actuator")

// ErrStale is returned when the bridge has no fresh value for a sensor.
var ErrStale = errors.New("drivers: stale reading")

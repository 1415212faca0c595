// Package sim is a simulated enclosure for development and tests. Sensor
// values drift around actuator-influenced baselines, the servo tracks its
// last written angle, and faults can be injected per component.
package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"vivarium-core/internal/drivers"
	recovery "vivarium-core/internal/recovery/domain"
)

// SensorSpec seeds one simulated sensor.
type SensorSpec struct {
	SensorID string
	Unit     string
	Baseline float64
	Drift    float64
}

// Enclosure is the simulated hardware. It implements the sensor, actuator
// and position driver interfaces plus the recovery Recoverer.
type Enclosure struct {
	mu        sync.Mutex
	sensors   map[string]*simSensor
	levels    map[string]float64
	positions map[string]float64
	failed    map[string]bool
	rng       *rand.Rand
}

type simSensor struct {
	unit     string
	baseline float64
	drift    float64
}

// NewEnclosure seeds a simulated enclosure.
func NewEnclosure(specs []SensorSpec) *Enclosure {
	e := &Enclosure{
		sensors:   make(map[string]*simSensor, len(specs)),
		levels:    make(map[string]float64),
		positions: make(map[string]float64),
		failed:    make(map[string]bool),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, spec := range specs {
		e.sensors[spec.SensorID] = &simSensor{unit: spec.Unit, baseline: spec.Baseline, drift: spec.Drift}
	}
	return e
}

// Read implements drivers.SensorDriver.
func (e *Enclosure) Read(_ context.Context, sensorID string) (drivers.Reading, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sensor, ok := e.sensors[sensorID]
	if !ok {
		return drivers.Reading{}, drivers.ErrUnknownSensor
	}
	if e.failed[sensorID] {
		return drivers.Reading{}, fmt.Errorf("sim: sensor %s faulted", sensorID)
	}
	value := sensor.baseline + (e.rng.Float64()*2-1)*sensor.drift
	return drivers.Reading{Value: value, Unit: sensor.unit, At: time.Now().UTC()}, nil
}

// Write implements drivers.ActuatorDriver. The written level doubles as the
// reported position so servo angle checks pass in simulation.
func (e *Enclosure) Write(_ context.Context, actuatorID string, level float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failed[actuatorID] {
		return fmt.Errorf("sim: actuator %s faulted", actuatorID)
	}
	e.levels[actuatorID] = level
	e.positions[actuatorID] = level
	return nil
}

// Position implements drivers.PositionDriver.
func (e *Enclosure) Position(_ context.Context, actuatorID string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failed[actuatorID] {
		return 0, fmt.Errorf("sim: actuator %s faulted", actuatorID)
	}
	pos, ok := e.positions[actuatorID]
	if !ok {
		return 0, drivers.ErrUnknownActuator
	}
	return pos, nil
}

// Recover implements the recovery Recoverer: any non-manual strategy clears
// the injected fault.
func (e *Enclosure) Recover(_ context.Context, action recovery.Action) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if action.Strategy == recovery.StrategyManual {
		return fmt.Errorf("sim: %s requires manual intervention", action.ComponentID)
	}
	if !e.failed[action.ComponentID] {
		return nil
	}
	delete(e.failed, action.ComponentID)
	return nil
}

// Fail injects a fault on a component.
func (e *Enclosure) Fail(componentID string) {
	e.mu.Lock()
	e.failed[componentID] = true
	e.mu.Unlock()
}

// Restore clears an injected fault.
func (e *Enclosure) Restore(componentID string) {
	e.mu.Lock()
	delete(e.failed, componentID)
	e.mu.Unlock()
}

// SetBaseline moves a sensor's baseline, for drills and tests.
func (e *Enclosure) SetBaseline(sensorID string, value float64) {
	e.mu.Lock()
	if sensor, ok := e.sensors[sensorID]; ok {
		sensor.baseline = value
	}
	e.mu.Unlock()
}

// Level returns the last written level for an actuator.
func (e *Enclosure) Level(actuatorID string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	level, ok := e.levels[actuatorID]
	return level, ok
}

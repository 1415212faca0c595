package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	commandevents "vivarium-core/internal/commands/application/events"
	commands "vivarium-core/internal/commands/domain"
	controldomain "vivarium-core/internal/control/domain"
	"vivarium-core/internal/eventing"
	"vivarium-core/internal/health"
	sensorevents "vivarium-core/internal/sensors/application/events"
	sensors "vivarium-core/internal/sensors/domain"
)

// DayNightSource reports the active day-part. Normally wall-clock driven;
// injected so tests and ephemeris integrations can replace it.
type DayNightSource interface {
	IsDay(now time.Time) bool
}

// WallClock is the default day-part source: day between DayStartHour
// (inclusive) and NightStartHour (exclusive), local time.
type WallClock struct {
	DayStartHour   int
	NightStartHour int
}

// IsDay implements DayNightSource.
func (w WallClock) IsDay(now time.Time) bool {
	hour := now.Hour()
	return hour >= w.DayStartHour && hour < w.NightStartHour
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type actuatorState struct {
	on           bool
	day          bool
	switchedOnAt time.Time
	pendingOff   bool
	latest       float64
	latestAt     time.Time
	haveReading  bool
}

// Engine runs one deadband-hysteresis state machine per governed actuator.
// Readings arrive over the bus; decisions are made on the control
// evaluation tick so min/max on-time bounds hold against the clock.
type Engine struct {
	policies []controldomain.Policy
	bus      eventing.Publisher
	dayNight DayNightSource
	clock    Clock
	logger   *log.Logger

	mu     sync.Mutex
	states map[string]*actuatorState
}

// EngineOption customizes the engine.
type EngineOption func(*Engine)

// WithClock assigns a clock.
func WithClock(clock Clock) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine constructs a control loop engine.
func NewEngine(policies []controldomain.Policy, bus eventing.Publisher, dayNight DayNightSource, logger *log.Logger, opts ...EngineOption) (*Engine, error) {
	if len(policies) == 0 {
		return nil, errors.New("control: no policies")
	}
	if bus == nil {
		return nil, errors.New("control: nil bus")
	}
	if dayNight == nil {
		return nil, errors.New("control: nil day/night source")
	}
	if logger == nil {
		return nil, errors.New("control: nil logger")
	}
	seen := make(map[string]bool, len(policies))
	for _, policy := range policies {
		if err := policy.Validate(); err != nil {
			return nil, err
		}
		if seen[policy.ActuatorID] {
			return nil, fmt.Errorf("control: duplicate policy for %s", policy.ActuatorID)
		}
		seen[policy.ActuatorID] = true
	}
	engine := &Engine{
		policies: policies,
		bus:      bus,
		dayNight: dayNight,
		clock:    systemClock{},
		logger:   logger,
		states:   make(map[string]*actuatorState, len(policies)),
	}
	for _, opt := range opts {
		opt(engine)
	}
	for _, policy := range policies {
		engine.states[policy.ActuatorID] = &actuatorState{day: true}
	}
	return engine, nil
}

// HandleReadingCaptured records the latest valid value for every policy
// governed by the reading's metric. Invalid readings are ignored; a dead
// sensor is escalated by the gateway, not smeared into control decisions.
func (e *Engine) HandleReadingCaptured(_ context.Context, evt sensorevents.ReadingCaptured) error {
	if !evt.Reading.Valid {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, policy := range e.policies {
		if policy.Mode != controldomain.ModeThermostat || policy.Metric != evt.Reading.Metric {
			continue
		}
		state := e.states[policy.ActuatorID]
		state.latest = evt.Reading.Value
		state.latestAt = evt.Reading.Timestamp
		state.haveReading = true
	}
	return nil
}

// Tick evaluates every policy once. Decisions are published after the
// state lock is released: bus delivery is synchronous and the applied/
// discarded reconciliation handlers take the lock again.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	if now.IsZero() {
		now = e.clock.Now()
	}
	e.mu.Lock()
	var decided []any
	for _, policy := range e.policies {
		decided = append(decided, e.evaluate(policy, e.states[policy.ActuatorID], now)...)
	}
	e.mu.Unlock()
	for _, evt := range decided {
		_ = e.bus.Publish(ctx, evt)
	}
}

// HandleCommandApplied reconciles the engine's belief with the
// authoritative applied command, whatever its source. A manual or safety
// command that energizes an actuator re-arms the on-time bounds from the
// moment it was applied.
func (e *Engine) HandleCommandApplied(_ context.Context, evt commandevents.CommandApplied) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.states[evt.Command.ActuatorID]
	if !ok {
		return nil
	}
	on := evt.Command.Desired.Level() > 0
	if on && !state.on {
		state.switchedOnAt = evt.OccurredAt
	}
	state.on = on
	if !on {
		state.pendingOff = false
	}
	return nil
}

// HandleCommandDiscarded rolls back the engine's own optimistic state flip
// when the write boundary drops a policy command (emergency latch, or a
// higher-priority command in force). The command never reached the
// actuator, so the next tick re-issues it; the gate keeps discarding until
// it releases.
func (e *Engine) HandleCommandDiscarded(_ context.Context, evt commandevents.CommandDiscarded) error {
	if evt.Command.Reason != commands.ReasonPolicy {
		return nil
	}
	e.revert(evt.Command)
	return nil
}

// HandleCommandFailed treats a failed driver write like a discard: the
// actuator did not change, so the next tick retries while the write
// boundary counts the failures toward escalation.
func (e *Engine) HandleCommandFailed(_ context.Context, evt commandevents.CommandFailed) error {
	if evt.Command.Reason != commands.ReasonPolicy {
		return nil
	}
	e.revert(evt.Command)
	return nil
}

func (e *Engine) revert(cmd commands.Command) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.states[cmd.ActuatorID]
	if !ok {
		return
	}
	if cmd.Desired.Level() > 0 {
		state.on = false
	} else {
		state.on = true
		state.pendingOff = true
	}
}

func (e *Engine) evaluate(policy controldomain.Policy, state *actuatorState, now time.Time) []any {
	minOnElapsed := !state.on || policy.MinOnTime == 0 || now.Sub(state.switchedOnAt) >= policy.MinOnTime

	// Profile boundaries never interrupt a command still under its
	// min-on-time hold; the swap waits for the next tick after expiry.
	wantDay := e.dayNight.IsDay(now)
	if wantDay != state.day && minOnElapsed {
		state.day = wantDay
	}
	profile := policy.ActiveProfile(state.day)

	if state.on && policy.MaxOnTime > 0 && now.Sub(state.switchedOnAt) >= policy.MaxOnTime {
		return e.forceOffMaxOn(policy, state, now)
	}

	want := e.desired(policy, profile, state)

	switch {
	case state.on && !want:
		if minOnElapsed {
			state.on = false
			state.pendingOff = false
			return []any{e.issue(policy, commands.Off, now)}
		}
		// Queued, not dropped: applied on the first tick after the
		// min-on hold expires.
		state.pendingOff = true
	case state.on && want && state.pendingOff:
		if minOnElapsed {
			state.on = false
			state.pendingOff = false
			return []any{e.issue(policy, commands.Off, now)}
		}
	case !state.on && want:
		state.on = true
		state.switchedOnAt = now
		state.pendingOff = false
		return []any{e.issue(policy, commands.State{On: true, Intensity: 100}, now)}
	}
	return nil
}

// desired applies the asymmetric deadband rule: cross setpoint-deadband to
// turn on (heating direction), re-cross setpoint+deadband to turn off;
// inside the band the previous state holds.
func (e *Engine) desired(policy controldomain.Policy, profile controldomain.Profile, state *actuatorState) bool {
	if policy.Mode == controldomain.ModeSchedule {
		return profile.On
	}
	if !state.haveReading {
		return state.on || state.pendingOff
	}
	value := state.latest
	switch policy.Direction {
	case controldomain.DirectionCooling:
		if value > profile.Setpoint+policy.Deadband {
			return true
		}
		if value < profile.Setpoint-policy.Deadband {
			return false
		}
	default:
		if value < profile.Setpoint-policy.Deadband {
			return true
		}
		if value > profile.Setpoint+policy.Deadband {
			return false
		}
	}
	return state.on || state.pendingOff
}

func (e *Engine) forceOffMaxOn(policy controldomain.Policy, state *actuatorState, now time.Time) []any {
	e.logger.Printf("actuator %s exceeded max on-time %s, forcing off", policy.ActuatorID, policy.MaxOnTime)
	state.on = false
	state.pendingOff = false
	return []any{
		e.issue(policy, commands.Off, now),
		health.ComponentFailure{
			ComponentID: policy.ActuatorID,
			Kind:        health.KindActuator,
			Reason:      fmt.Sprintf("on continuously for more than %s", policy.MaxOnTime),
			OccurredAt:  now.UTC(),
		},
	}
}

func (e *Engine) issue(policy controldomain.Policy, desired commands.State, now time.Time) any {
	cmd := commands.Command{
		CommandID:  uuid.NewString(),
		ActuatorID: policy.ActuatorID,
		Class:      policy.Class,
		Desired:    desired,
		Reason:     commands.ReasonPolicy,
		IssuedAt:   now.UTC(),
	}
	return commandevents.CommandRequested{Command: cmd, OccurredAt: now.UTC()}
}

// Policies exposes the loaded policies (read-only) for the API layer.
func (e *Engine) Policies() []controldomain.Policy {
	return e.policies
}

// LatestValue returns the last valid value seen for a metric by any policy,
// for status reporting.
func (e *Engine) LatestValue(metric sensors.Metric) (float64, time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, policy := range e.policies {
		if policy.Metric != metric {
			continue
		}
		state := e.states[policy.ActuatorID]
		if state.haveReading {
			return state.latest, state.latestAt, true
		}
	}
	return 0, time.Time{}, false
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

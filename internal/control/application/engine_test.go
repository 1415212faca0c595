package application

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	commandapp "vivarium-core/internal/commands/application"
	commandevents "vivarium-core/internal/commands/application/events"
	commands "vivarium-core/internal/commands/domain"
	controldomain "vivarium-core/internal/control/domain"
	"vivarium-core/internal/eventing"
	"vivarium-core/internal/health"
	sensorevents "vivarium-core/internal/sensors/application/events"
	sensors "vivarium-core/internal/sensors/domain"
)

type busRecorder struct {
	events []any
}

func (r *busRecorder) Publish(_ context.Context, event any) error {
	r.events = append(r.events, event)
	return nil
}

func (r *busRecorder) commandLevels() []float64 {
	var out []float64
	for _, event := range r.events {
		if evt, ok := event.(commandevents.CommandRequested); ok {
			out = append(out, evt.Command.Desired.Level())
		}
	}
	return out
}

type stubDayNight struct {
	day bool
}

func (s *stubDayNight) IsDay(time.Time) bool { return s.day }

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func heaterPolicy() controldomain.Policy {
	return controldomain.Policy{
		ActuatorID:   "heater-1",
		Class:        commands.ClassHeating,
		Metric:       sensors.MetricTemperature,
		Mode:         controldomain.ModeThermostat,
		Direction:    controldomain.DirectionHeating,
		Deadband:     0.5,
		DayProfile:   controldomain.Profile{Setpoint: 32},
		NightProfile: controldomain.Profile{Setpoint: 24},
		MinOnTime:    time.Minute,
		MaxOnTime:    45 * time.Minute,
	}
}

func newTestEngine(t *testing.T, policy controldomain.Policy, dayNight DayNightSource) (*Engine, *busRecorder) {
	t.Helper()
	recorder := &busRecorder{}
	engine, err := NewEngine([]controldomain.Policy{policy}, recorder, dayNight, testLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, recorder
}

func report(t *testing.T, engine *Engine, value float64, at time.Time) {
	t.Helper()
	err := engine.HandleReadingCaptured(context.Background(), sensorevents.ReadingCaptured{
		Reading: sensors.Reading{
			Metric:    sensors.MetricTemperature,
			Value:     value,
			Timestamp: at,
			Valid:     true,
		},
	})
	if err != nil {
		t.Fatalf("handle reading: %v", err)
	}
}

func TestDeadbandHysteresis(t *testing.T) {
	engine, recorder := newTestEngine(t, heaterPolicy(), &stubDayNight{day: true})
	now := time.Unix(1700000000, 0)

	// Below setpoint minus deadband: turn on.
	report(t, engine, 31.0, now)
	engine.Tick(context.Background(), now)
	if levels := recorder.commandLevels(); len(levels) != 1 || levels[0] != 100 {
		t.Fatalf("expected single ON command, got %v", levels)
	}

	// Inside the band: hold.
	report(t, engine, 32.2, now)
	engine.Tick(context.Background(), now.Add(2*time.Minute))
	if levels := recorder.commandLevels(); len(levels) != 1 {
		t.Fatalf("command issued inside deadband: %v", levels)
	}

	// Above setpoint plus deadband: turn off.
	report(t, engine, 32.6, now)
	engine.Tick(context.Background(), now.Add(4*time.Minute))
	levels := recorder.commandLevels()
	if len(levels) != 2 || levels[1] != 0 {
		t.Fatalf("expected OFF command, got %v", levels)
	}
}

func TestMinOnTimeDefersOff(t *testing.T) {
	engine, recorder := newTestEngine(t, heaterPolicy(), &stubDayNight{day: true})
	now := time.Unix(1700000000, 0)

	report(t, engine, 31.0, now)
	engine.Tick(context.Background(), now)

	// OFF wanted 10s after switch-on: held by min_on_time.
	report(t, engine, 32.6, now)
	engine.Tick(context.Background(), now.Add(10*time.Second))
	if levels := recorder.commandLevels(); len(levels) != 1 {
		t.Fatalf("OFF issued inside min on-time: %v", levels)
	}

	// The deferred OFF applies at expiry even though the value has
	// drifted back inside the band.
	report(t, engine, 32.2, now)
	engine.Tick(context.Background(), now.Add(70*time.Second))
	levels := recorder.commandLevels()
	if len(levels) != 2 || levels[1] != 0 {
		t.Fatalf("deferred OFF not applied at expiry: %v", levels)
	}
}

func TestMaxOnTimeForcesOffAndEscalates(t *testing.T) {
	policy := heaterPolicy()
	policy.MaxOnTime = 5 * time.Minute
	engine, recorder := newTestEngine(t, policy, &stubDayNight{day: true})
	now := time.Unix(1700000000, 0)

	report(t, engine, 20.0, now)
	engine.Tick(context.Background(), now)
	engine.Tick(context.Background(), now.Add(6*time.Minute))

	levels := recorder.commandLevels()
	if len(levels) != 2 || levels[1] != 0 {
		t.Fatalf("expected forced OFF, got %v", levels)
	}
	failure := false
	for _, event := range recorder.events {
		if evt, ok := event.(health.ComponentFailure); ok && evt.ComponentID == "heater-1" {
			failure = true
		}
	}
	if !failure {
		t.Fatal("max on-time breach did not publish a component failure")
	}
}

func TestProfileSwapDeferredByMinOnTime(t *testing.T) {
	dayNight := &stubDayNight{day: true}
	engine, recorder := newTestEngine(t, heaterPolicy(), dayNight)
	now := time.Unix(1700000000, 0)

	// On under the day profile at 30C (below 32 - 0.5).
	report(t, engine, 30.0, now)
	engine.Tick(context.Background(), now)
	if levels := recorder.commandLevels(); len(levels) != 1 {
		t.Fatalf("expected ON, got %v", levels)
	}

	// Night starts while the heater holds its min on-time. 30C is above
	// the night setpoint band (24 + 0.5), but the swap must wait.
	dayNight.day = false
	engine.Tick(context.Background(), now.Add(10*time.Second))
	if levels := recorder.commandLevels(); len(levels) != 1 {
		t.Fatalf("profile swap interrupted min on-time hold: %v", levels)
	}

	// After expiry the night profile takes effect and the heater stops.
	engine.Tick(context.Background(), now.Add(2*time.Minute))
	levels := recorder.commandLevels()
	if len(levels) != 2 || levels[1] != 0 {
		t.Fatalf("night profile not applied after hold: %v", levels)
	}
}

func TestSchedulePolicyFollowsProfile(t *testing.T) {
	policy := controldomain.Policy{
		ActuatorID:   "light-1",
		Class:        commands.ClassLighting,
		Mode:         controldomain.ModeSchedule,
		DayProfile:   controldomain.Profile{On: true},
		NightProfile: controldomain.Profile{On: false},
	}
	dayNight := &stubDayNight{day: true}
	engine, recorder := newTestEngine(t, policy, dayNight)
	now := time.Unix(1700000000, 0)

	engine.Tick(context.Background(), now)
	dayNight.day = false
	engine.Tick(context.Background(), now.Add(time.Minute))

	levels := recorder.commandLevels()
	if len(levels) != 2 || levels[0] != 100 || levels[1] != 0 {
		t.Fatalf("schedule levels %v, want [100 0]", levels)
	}
}

type switchDriver struct {
	levels map[string]float64
	err    error
}

func (d *switchDriver) Write(_ context.Context, actuatorID string, level float64) error {
	if d.err != nil {
		return d.err
	}
	if d.levels == nil {
		d.levels = make(map[string]float64)
	}
	d.levels[actuatorID] = level
	return nil
}

type classLatch struct {
	latched map[commands.Class]bool
}

func (l *classLatch) Latched(class commands.Class) bool { return l.latched[class] }

// wireGate runs the engine against the real bus and command service so the
// applied/discarded feedback loop is exercised end to end.
func wireGate(t *testing.T, policy controldomain.Policy, latch *classLatch) (*Engine, *commandapp.Service, *switchDriver, *eventing.InMemoryBus) {
	t.Helper()
	bus := eventing.NewInMemoryBus()
	driver := &switchDriver{}
	engine, err := NewEngine([]controldomain.Policy{policy}, bus, &stubDayNight{day: true}, testLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	gate, err := commandapp.NewService(driver, bus, latch, health.NewRegistry(), testLogger())
	if err != nil {
		t.Fatalf("new command service: %v", err)
	}
	eventing.On(bus, "commands.requested", gate.HandleCommandRequested)
	eventing.On(bus, "commands.override-lifted", gate.HandleOverrideLifted)
	eventing.On(bus, "control.applied", engine.HandleCommandApplied)
	eventing.On(bus, "control.discarded", engine.HandleCommandDiscarded)
	eventing.On(bus, "control.failed", engine.HandleCommandFailed)
	return engine, gate, driver, bus
}

func TestLatchReleaseReenergizesHeater(t *testing.T) {
	latch := &classLatch{latched: map[commands.Class]bool{commands.ClassHeating: true}}
	engine, gate, driver, _ := wireGate(t, heaterPolicy(), latch)
	now := time.Unix(1700000000, 0)

	// Cold enclosure under a latched heating class: every ON the engine
	// issues is discarded at the write boundary.
	report(t, engine, 20.0, now)
	for i := 0; i < 5; i++ {
		engine.Tick(context.Background(), now.Add(time.Duration(i)*time.Minute))
	}
	if level := driver.levels["heater-1"]; level != 0 {
		t.Fatalf("latched heater energized: level=%v", level)
	}

	// The latch releases; the next tick must re-issue and apply the ON.
	latch.latched[commands.ClassHeating] = false
	engine.Tick(context.Background(), now.Add(10*time.Minute))
	if level := driver.levels["heater-1"]; level != 100 {
		t.Fatalf("heater not re-energized after latch release: level=%v", level)
	}
	if cmd, ok := gate.Applied("heater-1"); !ok || cmd.Desired.Level() != 100 {
		t.Fatalf("no applied ON command after latch release: %+v ok=%v", cmd, ok)
	}
}

func TestWriteFailureRetriedNextTick(t *testing.T) {
	latch := &classLatch{latched: map[commands.Class]bool{}}
	engine, _, driver, _ := wireGate(t, heaterPolicy(), latch)
	now := time.Unix(1700000000, 0)

	driver.err = errors.New("relay stuck")
	report(t, engine, 20.0, now)
	engine.Tick(context.Background(), now)

	// The failed ON never reached the relay; once the driver comes back,
	// the next tick must re-issue it.
	driver.err = nil
	engine.Tick(context.Background(), now.Add(time.Minute))
	if level := driver.levels["heater-1"]; level != 100 {
		t.Fatalf("heater not re-energized after write failure: level=%v", level)
	}
}

func TestOverrideLiftedRestoresPolicyControl(t *testing.T) {
	policy := controldomain.Policy{
		ActuatorID:   "fan-1",
		Class:        commands.ClassVentilation,
		Metric:       sensors.MetricTemperature,
		Mode:         controldomain.ModeThermostat,
		Direction:    controldomain.DirectionCooling,
		Deadband:     0.5,
		DayProfile:   controldomain.Profile{Setpoint: 30},
		NightProfile: controldomain.Profile{Setpoint: 30},
	}
	latch := &classLatch{latched: map[commands.Class]bool{}}
	engine, _, driver, bus := wireGate(t, policy, latch)
	now := time.Unix(1700000000, 0)

	// Cool enclosure, fan off. A safety override forces it on.
	report(t, engine, 25.0, now)
	engine.Tick(context.Background(), now)
	_ = bus.Publish(context.Background(), commandevents.CommandRequested{
		Command: commands.Command{
			CommandID:  "force-fan",
			ActuatorID: "fan-1",
			Class:      commands.ClassVentilation,
			Desired:    commands.FullOn,
			Reason:     commands.ReasonSafetyOverride,
			IssuedAt:   now,
		},
		OccurredAt: now,
	})
	if level := driver.levels["fan-1"]; level != 100 {
		t.Fatalf("safety override not applied: level=%v", level)
	}

	// While the override holds, the engine's OFF is superseded.
	engine.Tick(context.Background(), now.Add(time.Minute))
	if level := driver.levels["fan-1"]; level != 100 {
		t.Fatalf("policy command displaced a safety override: level=%v", level)
	}

	// After the lift the fan must return to policy control and stop.
	_ = bus.Publish(context.Background(), commandevents.OverrideLifted{ActuatorID: "fan-1", OccurredAt: now.Add(2 * time.Minute)})
	engine.Tick(context.Background(), now.Add(3*time.Minute))
	if level := driver.levels["fan-1"]; level != 0 {
		t.Fatalf("fan stayed on after override lifted: level=%v", level)
	}
}

func TestNoCommandWithoutReading(t *testing.T) {
	engine, recorder := newTestEngine(t, heaterPolicy(), &stubDayNight{day: true})
	engine.Tick(context.Background(), time.Unix(1700000000, 0))
	if len(recorder.events) != 0 {
		t.Fatalf("thermostat acted without a reading: %v", recorder.events)
	}
}

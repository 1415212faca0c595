package application

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	commandevents "vivarium-core/internal/commands/application/events"
	commands "vivarium-core/internal/commands/domain"
	"vivarium-core/internal/safety/application/events"
	safety "vivarium-core/internal/safety/domain"
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

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func overheatRule() safety.Rule {
	return safety.Rule{
		RuleID:     "overheat",
		Metric:     sensors.MetricTemperature,
		Direction:  safety.DirectionExceeds,
		Warning:    30,
		Critical:   35,
		Emergency:  41,
		Hysteresis: 2,
		CriticalAction: &safety.Action{
			ActuatorID: "fan-1",
			Class:      commands.ClassVentilation,
			Desired:    commands.FullOn,
		},
		EmergencyClass:     commands.ClassHeating,
		EmergencyActuators: []string{"heater-1"},
	}
}

func newTestSupervisor(t *testing.T, rules ...safety.Rule) (*Supervisor, *busRecorder) {
	t.Helper()
	if len(rules) == 0 {
		rules = []safety.Rule{overheatRule()}
	}
	recorder := &busRecorder{}
	supervisor, err := NewSupervisor(rules, recorder, testLogger(), WithClock(fixedClock{now: time.Unix(1700000000, 0)}))
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	return supervisor, recorder
}

func feed(t *testing.T, supervisor *Supervisor, value float64) {
	t.Helper()
	err := supervisor.HandleReadingCaptured(context.Background(), sensorevents.ReadingCaptured{
		Reading: sensors.Reading{
			SensorID:  "temp-1",
			Metric:    sensors.MetricTemperature,
			Value:     value,
			Timestamp: time.Unix(1700000000, 0),
			Valid:     true,
		},
	})
	if err != nil {
		t.Fatalf("handle reading: %v", err)
	}
}

func alertTransitions(recorder *busRecorder) []string {
	var out []string
	for _, event := range recorder.events {
		switch evt := event.(type) {
		case events.AlertOpened:
			out = append(out, "open:"+string(evt.Alert.Severity))
		case events.AlertClosed:
			out = append(out, "close:"+string(evt.Alert.Severity))
		}
	}
	return out
}

func TestGraduatedAlertLifecycle(t *testing.T) {
	supervisor, recorder := newTestSupervisor(t)

	for _, value := range []float64{25, 30, 36, 38, 34, 28} {
		feed(t, supervisor, value)
	}

	got := alertTransitions(recorder)
	want := []string{"open:WARNING", "open:CRITICAL", "close:CRITICAL", "close:WARNING"}
	if len(got) != len(want) {
		t.Fatalf("transitions %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition %d = %s, want %s (all: %v)", i, got[i], want[i], got)
		}
	}
	if open := supervisor.OpenAlerts(); len(open) != 0 {
		t.Fatalf("expected no open alerts, got %d", len(open))
	}
}

func TestNoRetriggerWithoutClear(t *testing.T) {
	supervisor, recorder := newTestSupervisor(t)

	// Oscillate above the warning threshold without retreating past
	// warning minus hysteresis; only one WARNING may open.
	for _, value := range []float64{31, 29, 31, 29.5, 32} {
		feed(t, supervisor, value)
	}
	opens := 0
	for _, transition := range alertTransitions(recorder) {
		if transition == "open:WARNING" {
			opens++
		}
	}
	if opens != 1 {
		t.Fatalf("warning opened %d times, want 1", opens)
	}
}

func TestCriticalPublishesSafetyOverride(t *testing.T) {
	supervisor, recorder := newTestSupervisor(t)
	feed(t, supervisor, 36)

	var override *commandevents.CommandRequested
	for _, event := range recorder.events {
		if evt, ok := event.(commandevents.CommandRequested); ok {
			override = &evt
			break
		}
	}
	if override == nil {
		t.Fatal("no corrective command published at CRITICAL")
	}
	if override.Command.ActuatorID != "fan-1" || override.Command.Reason != commands.ReasonSafetyOverride {
		t.Fatalf("unexpected corrective command %+v", override.Command)
	}
	if !override.Command.Desired.On {
		t.Fatal("corrective command should energize the fan")
	}
}

func TestCriticalCloseLiftsOverride(t *testing.T) {
	supervisor, recorder := newTestSupervisor(t)
	feed(t, supervisor, 36)
	feed(t, supervisor, 32)

	found := false
	for _, event := range recorder.events {
		if evt, ok := event.(commandevents.OverrideLifted); ok && evt.ActuatorID == "fan-1" {
			found = true
		}
	}
	if !found {
		t.Fatal("override not lifted when CRITICAL closed")
	}
}

func TestEmergencyLatchesClass(t *testing.T) {
	supervisor, recorder := newTestSupervisor(t)
	feed(t, supervisor, 42)

	if !supervisor.Latched(commands.ClassHeating) {
		t.Fatal("heating class not latched")
	}

	var engaged bool
	var shutdown *commandevents.CommandRequested
	for _, event := range recorder.events {
		switch evt := event.(type) {
		case events.EmergencyEngaged:
			engaged = true
		case commandevents.CommandRequested:
			if evt.Command.ActuatorID == "heater-1" {
				shutdown = &evt
			}
		}
	}
	if !engaged {
		t.Fatal("EmergencyEngaged not published")
	}
	if shutdown == nil {
		t.Fatal("heater shutdown command not published")
	}
	if shutdown.Command.Desired.On || shutdown.Command.Reason != commands.ReasonSafetyOverride {
		t.Fatalf("unexpected shutdown command %+v", shutdown.Command)
	}

	// A spike straight to EMERGENCY still opens all three severities.
	got := alertTransitions(recorder)
	want := []string{"open:WARNING", "open:CRITICAL", "open:EMERGENCY"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions %v, want prefix %v", got, want)
		}
	}
}

func TestLatchNeedsAckAndRetreat(t *testing.T) {
	supervisor, recorder := newTestSupervisor(t)
	feed(t, supervisor, 42)

	// Retreat alone does not release.
	feed(t, supervisor, 30)
	if !supervisor.Latched(commands.ClassHeating) {
		t.Fatal("latch released without acknowledgement")
	}

	err := supervisor.HandleAcknowledgeEmergency(context.Background(), events.AcknowledgeEmergency{
		Class:          commands.ClassHeating,
		AcknowledgedBy: "keeper",
	})
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if supervisor.Latched(commands.ClassHeating) {
		t.Fatal("latch not released after ack plus retreat")
	}

	var cleared, lifted bool
	for _, event := range recorder.events {
		switch evt := event.(type) {
		case events.EmergencyCleared:
			cleared = true
		case commandevents.OverrideLifted:
			if evt.ActuatorID == "heater-1" {
				lifted = true
			}
		}
	}
	if !cleared || !lifted {
		t.Fatalf("release events missing: cleared=%v lifted=%v", cleared, lifted)
	}
}

func TestLatchAckBeforeRetreat(t *testing.T) {
	supervisor, _ := newTestSupervisor(t)
	feed(t, supervisor, 42)

	_ = supervisor.HandleAcknowledgeEmergency(context.Background(), events.AcknowledgeEmergency{
		Class: commands.ClassHeating,
	})
	if !supervisor.Latched(commands.ClassHeating) {
		t.Fatal("latch released while metric still above critical")
	}

	feed(t, supervisor, 30)
	if supervisor.Latched(commands.ClassHeating) {
		t.Fatal("latch not released on retreat after prior ack")
	}
}

func TestInvalidReadingsIgnored(t *testing.T) {
	supervisor, recorder := newTestSupervisor(t)
	err := supervisor.HandleReadingCaptured(context.Background(), sensorevents.ReadingCaptured{
		Reading: sensors.Reading{Metric: sensors.MetricTemperature, Value: 99, Valid: false},
	})
	if err != nil {
		t.Fatalf("handle invalid reading: %v", err)
	}
	if len(recorder.events) != 0 {
		t.Fatalf("invalid reading produced %d events", len(recorder.events))
	}
}

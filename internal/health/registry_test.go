package health

import (
	"testing"
	"time"
)

func TestRegisterIsIdempotent(t *testing.T) {
	registry := NewRegistry()
	registry.Register("temp-1", KindSensor)
	registry.RecordFailure("temp-1", "read timeout", time.Unix(1700000000, 0))
	registry.Register("temp-1", KindSensor)

	record, ok := registry.Get("temp-1")
	if !ok {
		t.Fatal("component not found")
	}
	if record.ConsecutiveFailures != 1 {
		t.Fatalf("re-registration reset the record: %+v", record)
	}
}

func TestFailureCountingAndReset(t *testing.T) {
	registry := NewRegistry()
	registry.Register("heater-1", KindActuator)
	now := time.Unix(1700000000, 0)

	if got := registry.RecordFailure("heater-1", "relay stuck", now); got != 1 {
		t.Fatalf("failure count %d, want 1", got)
	}
	if got := registry.RecordFailure("heater-1", "relay stuck", now); got != 2 {
		t.Fatalf("failure count %d, want 2", got)
	}

	registry.RecordSuccess("heater-1", now.Add(time.Second))
	record, _ := registry.Get("heater-1")
	if record.ConsecutiveFailures != 0 || record.LastError != "" {
		t.Fatalf("success did not clear failures: %+v", record)
	}
	if !record.LastSuccessAt.Equal(now.Add(time.Second).UTC()) {
		t.Fatalf("last success at %s", record.LastSuccessAt)
	}
}

func TestSetStatus(t *testing.T) {
	registry := NewRegistry()
	registry.Register("temp-1", KindSensor)
	registry.SetStatus("temp-1", StatusRecovering, time.Unix(1700000000, 0))

	record, _ := registry.Get("temp-1")
	if record.Status != StatusRecovering {
		t.Fatalf("status %s, want RECOVERING", record.Status)
	}
}

func TestHealthyStatusRearmsFailureCounter(t *testing.T) {
	registry := NewRegistry()
	registry.Register("temp-1", KindSensor)
	now := time.Unix(1700000000, 0)

	registry.RecordFailure("temp-1", "read timeout", now)
	registry.RecordFailure("temp-1", "read timeout", now)
	registry.SetStatus("temp-1", StatusFailed, now)

	// A successful recovery may happen without any data-path success, so
	// the healthy transition itself must clear the counter.
	registry.SetStatus("temp-1", StatusHealthy, now.Add(time.Minute))
	record, _ := registry.Get("temp-1")
	if record.ConsecutiveFailures != 0 || record.LastError != "" {
		t.Fatalf("healthy transition did not re-arm the counter: %+v", record)
	}

	if got := registry.RecordFailure("temp-1", "read timeout", now.Add(2*time.Minute)); got != 1 {
		t.Fatalf("failure count after re-arm %d, want 1", got)
	}
}

func TestFailureForUnknownComponentCreatesRecord(t *testing.T) {
	registry := NewRegistry()
	registry.RecordFailure("ghost", "boom", time.Unix(1700000000, 0))

	record, ok := registry.Get("ghost")
	if !ok || record.Kind != KindUnknown || record.ConsecutiveFailures != 1 {
		t.Fatalf("record %+v ok=%v", record, ok)
	}
}

func TestSnapshotCopies(t *testing.T) {
	registry := NewRegistry()
	registry.Register("temp-1", KindSensor)
	registry.Register("heater-1", KindActuator)

	snapshot := registry.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("snapshot size %d, want 2", len(snapshot))
	}
	snapshot[0].ConsecutiveFailures = 99
	for _, record := range registry.Snapshot() {
		if record.ConsecutiveFailures != 0 {
			t.Fatal("snapshot aliases registry state")
		}
	}
}

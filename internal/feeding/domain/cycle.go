package feeding

import (
	"errors"
	"time"
)

// Phase is the feed cycle state machine position.
type Phase string

const (
	// PhaseIdle means no cycle is active; both gates closed.
	PhaseIdle Phase = "IDLE"
	// PhaseEntryOpen meters food in through the entry gate.
	PhaseEntryOpen Phase = "ENTRY_OPEN"
	// PhaseExitOpen releases the metered portion through the exit gate.
	PhaseExitOpen Phase = "EXIT_OPEN"
	// PhaseSettling keeps both gates closed after the drop so vibration
	// settles before the next cycle is accepted.
	PhaseSettling Phase = "SETTLING"
)

// Outcome records how a cycle ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
)

// Cycle is one dual-gate feed cycle. The two gates are driven by a single
// servo with three calibrated angles, so at most one gate can be open at a
// time by construction.
type Cycle struct {
	CycleID        string        `json:"cycle_id"`
	TargetFlyCount int           `json:"target_fly_count"`
	EntryDuration  time.Duration `json:"entry_duration"`
	Phase          Phase         `json:"phase"`
	StartedAt      time.Time     `json:"started_at"`
	RequestedBy    string        `json:"requested_by"`
}

// ErrBusy is returned when a feed is requested while a cycle is active.
// Requests are rejected, never queued.
var ErrBusy = errors.New("feeding: cycle already active")

// ErrLatched is returned when the feeder class is under an emergency latch.
var ErrLatched = errors.New("feeding: feeder latched by emergency stop")

// EntryDuration converts a target fly count to an entry-gate open time
// using the calibrated flies-per-second rate, clamped to [min, max].
func EntryDuration(targetFlies int, calibrationRate float64, min, max time.Duration) (time.Duration, error) {
	if targetFlies <= 0 {
		return 0, errors.New("feeding: target must be positive")
	}
	if calibrationRate <= 0 {
		return 0, errors.New("feeding: calibration rate must be positive")
	}
	d := time.Duration(float64(time.Second) * float64(targetFlies) / calibrationRate)
	if d < min {
		return min, nil
	}
	if d > max {
		return max, nil
	}
	return d, nil
}

package recovery

import (
	"time"

	"vivarium-core/internal/health"
)

// Strategy names the recovery procedure attempted for a failed component.
type Strategy string

const (
	// StrategyRestart re-initializes the component (re-open a bus device,
	// resubscribe a topic).
	StrategyRestart Strategy = "RESTART"
	// StrategyReset drives an actuator to its safe position and clears its
	// driver state.
	StrategyReset Strategy = "RESET"
	// StrategyFallback switches to a degraded substitute: an alternate
	// source for a sensor, a local stand-in for an external service.
	StrategyFallback Strategy = "FALLBACK"
	// StrategyManual means automatic recovery is exhausted or not
	// applicable; an operator must intervene and clear.
	StrategyManual Strategy = "MANUAL"
)

// Outcome records how an action ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeEscalated Outcome = "escalated"
	OutcomeCleared   Outcome = "cleared"
)

// StrategyFor maps a component kind to its first-line strategy: sensors
// restart, actuators reset to their safe position, external services fall
// back to a substitute, anything unclassified goes straight to manual.
func StrategyFor(kind health.Kind) Strategy {
	switch kind {
	case health.KindSensor:
		return StrategyRestart
	case health.KindActuator:
		return StrategyReset
	case health.KindService:
		return StrategyFallback
	default:
		return StrategyManual
	}
}

// Action tracks recovery for one failed component. At most one action per
// component is active at a time.
type Action struct {
	ActionID     string       `json:"action_id"`
	ComponentID  string       `json:"component_id"`
	Kind         health.Kind  `json:"kind"`
	Strategy     Strategy     `json:"strategy"`
	Attempt      int          `json:"attempt"`
	Reason       string       `json:"reason"`
	BackoffUntil time.Time    `json:"backoff_until"`
	StartedAt    time.Time    `json:"started_at"`
	LastError    string       `json:"last_error,omitempty"`
	Outcome      Outcome      `json:"outcome,omitempty"`
}

// Backoff computes the wait before a given attempt: base doubled per
// attempt with jitter in [0, base), capped at max. The first attempt waits
// exactly base. Successive waits never decrease: the uncapped value for
// attempt n+1 exceeds base*2^n, the maximum attempt n can reach.
func Backoff(attempt int, base, max time.Duration, jitter func(time.Duration) time.Duration) time.Duration {
	if attempt <= 1 {
		return base
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if jitter != nil {
		d += jitter(base)
	}
	if d > max {
		return max
	}
	return d
}

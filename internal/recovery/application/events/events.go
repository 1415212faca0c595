package events

import (
	"time"

	recovery "vivarium-core/internal/recovery/domain"
)

// RecoveryScheduled is published when a component failure opens a recovery
// action.
type RecoveryScheduled struct {
	Action     recovery.Action `json:"action"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// RecoveryAttemptFailed is published after a failed attempt; the action is
// re-armed with a longer backoff.
type RecoveryAttemptFailed struct {
	Action     recovery.Action `json:"action"`
	Error      string          `json:"error"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// RecoverySucceeded is published when an attempt restores the component.
type RecoverySucceeded struct {
	Action     recovery.Action `json:"action"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// RecoveryEscalated is published when attempts are exhausted and the action
// converts to MANUAL. It stays visible until an operator clears it.
type RecoveryEscalated struct {
	Action     recovery.Action `json:"action"`
	OccurredAt time.Time       `json:"occurred_at"`
}

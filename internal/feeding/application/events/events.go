package events

import (
	"time"

	feeding "vivarium-core/internal/feeding/domain"
)

// FeedCycleStarted is published when a feed request is accepted and the
// entry gate opens.
type FeedCycleStarted struct {
	Cycle      feeding.Cycle `json:"cycle"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// FeedCycleCompleted is published when the settling phase finishes and the
// sequencer returns to idle.
type FeedCycleCompleted struct {
	Cycle      feeding.Cycle `json:"cycle"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// FeedCycleAborted is published when a gate position check fails and the
// cycle is force-closed.
type FeedCycleAborted struct {
	Cycle      feeding.Cycle `json:"cycle"`
	Phase      feeding.Phase `json:"phase"`
	Reason     string        `json:"reason"`
	OccurredAt time.Time     `json:"occurred_at"`
}

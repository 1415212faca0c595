package events

import (
	"time"

	sensors "vivarium-core/internal/sensors/domain"
)

// ReadingCaptured is published for every poll of every registered sensor,
// including failed reads (Reading.Valid == false).
type ReadingCaptured struct {
	Reading    sensors.Reading `json:"reading"`
	OccurredAt time.Time       `json:"occurred_at"`
}

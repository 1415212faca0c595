package eventing

import (
	"encoding/json"
	"errors"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps an event payload with metadata for external consumers
// (history archive, dashboards). The bus itself carries bare payloads.
type Envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// BuildEnvelope constructs an envelope from an event payload. OccurredAt is
// taken from the event's OccurredAt field when present.
func BuildEnvelope(event any) (Envelope, error) {
	if event == nil {
		return Envelope{}, ErrNilEvent
	}

	eventType := EventType(event)
	if eventType == "" {
		return Envelope{}, ErrInvalidEventType
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, err
	}

	occurredAt := extractTimeField(event, "OccurredAt")
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	return Envelope{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		OccurredAt: occurredAt.UTC(),
		Payload:    payload,
	}, nil
}

// ErrEmptyEnvelope is returned when an envelope has no type.
var ErrEmptyEnvelope = errors.New("eventing: empty envelope")

func extractTimeField(event any, name string) time.Time {
	value := reflect.ValueOf(event)
	for value.Kind() == reflect.Ptr {
		if value.IsNil() {
			return time.Time{}
		}
		value = value.Elem()
	}
	if value.Kind() != reflect.Struct {
		return time.Time{}
	}
	field := value.FieldByName(name)
	if !field.IsValid() {
		return time.Time{}
	}
	if t, ok := field.Interface().(time.Time); ok {
		return t
	}
	return time.Time{}
}

// Package mqtt bridges the driver interfaces onto an MQTT broker for
// enclosures whose sensor nodes and actuator controllers speak MQTT.
// Sensor values arrive on <prefix>/sensors/<id>, actuator levels are
// published to <prefix>/actuators/<id>/set, and controllers acknowledge
// applied positions on <prefix>/actuators/<id>/position.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"vivarium-core/internal/drivers"
	recovery "vivarium-core/internal/recovery/domain"
)

// sample is the wire payload published by sensor nodes.
type sample struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

type levelPayload struct {
	Level float64 `json:"level"`
}

type cached struct {
	reading drivers.Reading
	at      time.Time
}

// Bridge implements the sensor, actuator and position drivers over MQTT,
// plus the recovery Recoverer (RESTART resubscribes, RESET re-publishes the
// safe level).
type Bridge struct {
	client   paho.Client
	prefix   string
	maxAge   time.Duration
	qos      byte
	waitTime time.Duration
	logger   *log.Logger

	mu        sync.RWMutex
	readings  map[string]cached
	positions map[string]cached
}

// BridgeOption customizes the bridge.
type BridgeOption func(*Bridge)

// WithMaxAge sets the staleness bound for cached values.
func WithMaxAge(d time.Duration) BridgeOption {
	return func(b *Bridge) { b.maxAge = d }
}

// WithQoS sets the MQTT quality of service for publishes and subscriptions.
func WithQoS(qos byte) BridgeOption {
	return func(b *Bridge) { b.qos = qos }
}

// NewBridge wraps a connected paho client.
func NewBridge(client paho.Client, prefix string, logger *log.Logger, opts ...BridgeOption) (*Bridge, error) {
	if client == nil {
		return nil, fmt.Errorf("mqtt: nil client")
	}
	if prefix == "" {
		return nil, fmt.Errorf("mqtt: empty topic prefix")
	}
	if logger == nil {
		return nil, fmt.Errorf("mqtt: nil logger")
	}
	bridge := &Bridge{
		client:    client,
		prefix:    prefix,
		maxAge:    30 * time.Second,
		qos:       1,
		waitTime:  5 * time.Second,
		logger:    logger,
		readings:  make(map[string]cached),
		positions: make(map[string]cached),
	}
	for _, opt := range opts {
		opt(bridge)
	}
	return bridge, nil
}

// Start subscribes to the sensor and position topics.
func (b *Bridge) Start() error {
	if err := b.subscribe(b.prefix+"/sensors/+", b.onSensor); err != nil {
		return err
	}
	return b.subscribe(b.prefix+"/actuators/+/position", b.onPosition)
}

func (b *Bridge) subscribe(topic string, handler paho.MessageHandler) error {
	token := b.client.Subscribe(topic, b.qos, handler)
	if !token.WaitTimeout(b.waitTime) {
		return fmt.Errorf("mqtt: subscribe %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", topic, err)
	}
	return nil
}

func (b *Bridge) onSensor(_ paho.Client, msg paho.Message) {
	id := lastSegment(msg.Topic())
	var s sample
	if err := json.Unmarshal(msg.Payload(), &s); err != nil {
		b.logger.Printf("mqtt: bad sensor payload on %s: %v", msg.Topic(), err)
		return
	}
	now := time.Now().UTC()
	b.mu.Lock()
	b.readings[id] = cached{reading: drivers.Reading{Value: s.Value, Unit: s.Unit, At: now}, at: now}
	b.mu.Unlock()
}

func (b *Bridge) onPosition(_ paho.Client, msg paho.Message) {
	id := segmentBeforeLast(msg.Topic())
	var p levelPayload
	if err := json.Unmarshal(msg.Payload(), &p); err != nil {
		b.logger.Printf("mqtt: bad position payload on %s: %v", msg.Topic(), err)
		return
	}
	now := time.Now().UTC()
	b.mu.Lock()
	b.positions[id] = cached{reading: drivers.Reading{Value: p.Level, At: now}, at: now}
	b.mu.Unlock()
}

// Read implements drivers.SensorDriver from the latest cached sample.
func (b *Bridge) Read(_ context.Context, sensorID string) (drivers.Reading, error) {
	b.mu.RLock()
	entry, ok := b.readings[sensorID]
	b.mu.RUnlock()
	if !ok {
		return drivers.Reading{}, drivers.ErrUnknownSensor
	}
	if time.Since(entry.at) > b.maxAge {
		return drivers.Reading{}, drivers.ErrStale
	}
	return entry.reading, nil
}

// Write implements drivers.ActuatorDriver by publishing the target level.
func (b *Bridge) Write(ctx context.Context, actuatorID string, level float64) error {
	payload, err := json.Marshal(levelPayload{Level: level})
	if err != nil {
		return err
	}
	topic := fmt.Sprintf("%s/actuators/%s/set", b.prefix, actuatorID)
	token := b.client.Publish(topic, b.qos, false, payload)
	deadline := b.waitTime
	if d, ok := ctx.Deadline(); ok {
		if remaining := time.Until(d); remaining < deadline {
			deadline = remaining
		}
	}
	if !token.WaitTimeout(deadline) {
		return fmt.Errorf("mqtt: publish %s timed out", topic)
	}
	return token.Error()
}

// Position implements drivers.PositionDriver from the latest acknowledged
// position.
func (b *Bridge) Position(_ context.Context, actuatorID string) (float64, error) {
	b.mu.RLock()
	entry, ok := b.positions[actuatorID]
	b.mu.RUnlock()
	if !ok {
		return 0, drivers.ErrUnknownActuator
	}
	if time.Since(entry.at) > b.maxAge {
		return 0, drivers.ErrStale
	}
	return entry.reading.Value, nil
}

// Recover implements the recovery Recoverer.
func (b *Bridge) Recover(ctx context.Context, action recovery.Action) error {
	switch action.Strategy {
	case recovery.StrategyRestart, recovery.StrategyFallback:
		// Drop the stale cache entry and resubscribe; the next retained or
		// periodic publish refills it.
		b.mu.Lock()
		delete(b.readings, action.ComponentID)
		b.mu.Unlock()
		return b.Start()
	case recovery.StrategyReset:
		return b.Write(ctx, action.ComponentID, 0)
	default:
		return fmt.Errorf("mqtt: strategy %s requires manual intervention", action.Strategy)
	}
}

func lastSegment(topic string) string {
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == '/' {
			return topic[i+1:]
		}
	}
	return topic
}

func segmentBeforeLast(topic string) string {
	end := -1
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == '/' {
			if end == -1 {
				end = i
				continue
			}
			return topic[i+1 : end]
		}
	}
	return topic
}

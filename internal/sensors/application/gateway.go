package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"vivarium-core/internal/drivers"
	"vivarium-core/internal/eventing"
	"vivarium-core/internal/health"
	"vivarium-core/internal/observability/metrics"
	"vivarium-core/internal/sensors/application/events"
	sensors "vivarium-core/internal/sensors/domain"
)

// Spec describes one registered sensor.
type Spec struct {
	SensorID string
	Metric   sensors.Metric
	Unit     string
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Gateway polls registered sensors on a fixed tick, normalizes raw
// readings and publishes ReadingCaptured events. Failed or implausible
// reads are published as invalid readings, never dropped or thrown.
type Gateway struct {
	specs            []Spec
	driver           drivers.SensorDriver
	bus              eventing.Publisher
	registry         *health.Registry
	failureThreshold int
	readTimeout      time.Duration
	clock            Clock
	logger           *log.Logger
}

// GatewayOption customizes the gateway.
type GatewayOption func(*Gateway)

// WithClock assigns a clock.
func WithClock(clock Clock) GatewayOption {
	return func(g *Gateway) { g.clock = clock }
}

// WithFailureThreshold sets the consecutive invalid-read count that
// escalates a sensor as failed.
func WithFailureThreshold(n int) GatewayOption {
	return func(g *Gateway) { g.failureThreshold = n }
}

// WithReadTimeout bounds each driver read.
func WithReadTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.readTimeout = d }
}

// NewGateway constructs a sensor gateway.
func NewGateway(specs []Spec, driver drivers.SensorDriver, bus eventing.Publisher, registry *health.Registry, logger *log.Logger, opts ...GatewayOption) (*Gateway, error) {
	if len(specs) == 0 {
		return nil, errors.New("sensors: no sensors registered")
	}
	if driver == nil {
		return nil, errors.New("sensors: nil driver")
	}
	if bus == nil {
		return nil, errors.New("sensors: nil bus")
	}
	if registry == nil {
		return nil, errors.New("sensors: nil health registry")
	}
	if logger == nil {
		return nil, errors.New("sensors: nil logger")
	}
	for _, spec := range specs {
		if spec.SensorID == "" {
			return nil, errors.New("sensors: empty sensor id")
		}
		if !spec.Metric.Valid() {
			return nil, fmt.Errorf("sensors: %s: %w", spec.SensorID, sensors.ErrUnknownMetric)
		}
	}
	gateway := &Gateway{
		specs:            specs,
		driver:           driver,
		bus:              bus,
		registry:         registry,
		failureThreshold: 5,
		readTimeout:      2 * time.Second,
		clock:            systemClock{},
		logger:           logger,
	}
	for _, opt := range opts {
		opt(gateway)
	}
	for _, spec := range specs {
		registry.Register(spec.SensorID, health.KindSensor)
	}
	return gateway, nil
}

// Tick polls every registered sensor once.
func (g *Gateway) Tick(ctx context.Context, now time.Time) {
	if now.IsZero() {
		now = g.clock.Now()
	}
	for _, spec := range g.specs {
		g.poll(ctx, spec, now)
	}
}

func (g *Gateway) poll(ctx context.Context, spec Spec, now time.Time) {
	readCtx, cancel := context.WithTimeout(ctx, g.readTimeout)
	raw, err := g.driver.Read(readCtx, spec.SensorID)
	cancel()

	if err == nil && !sensors.Plausible(spec.Metric, raw.Value) {
		err = fmt.Errorf("sensors: %s value %.2f outside plausible range", spec.SensorID, raw.Value)
	}

	if err != nil {
		g.publishReading(ctx, sensors.Reading{
			SensorID:  spec.SensorID,
			Metric:    spec.Metric,
			Unit:      spec.Unit,
			Timestamp: now.UTC(),
			Valid:     false,
		}, now)
		metrics.IncReading(string(spec.Metric), "invalid")
		failures := g.registry.RecordFailure(spec.SensorID, err.Error(), now)
		if failures == g.failureThreshold {
			g.logger.Printf("sensor %s failed %d consecutive reads: %v", spec.SensorID, failures, err)
			_ = g.bus.Publish(ctx, health.ComponentFailure{
				ComponentID: spec.SensorID,
				Kind:        health.KindSensor,
				Reason:      err.Error(),
				OccurredAt:  now.UTC(),
			})
		}
		return
	}

	at := raw.At
	if at.IsZero() {
		at = now
	}
	g.publishReading(ctx, sensors.Reading{
		SensorID:  spec.SensorID,
		Metric:    spec.Metric,
		Value:     raw.Value,
		Unit:      spec.Unit,
		Timestamp: at.UTC(),
		Valid:     true,
	}, now)
	metrics.IncReading(string(spec.Metric), "valid")
	g.registry.RecordSuccess(spec.SensorID, now)
}

func (g *Gateway) publishReading(ctx context.Context, reading sensors.Reading, now time.Time) {
	_ = g.bus.Publish(ctx, events.ReadingCaptured{Reading: reading, OccurredAt: now.UTC()})
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

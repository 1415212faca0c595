package application

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"vivarium-core/internal/commands/application/events"
	commands "vivarium-core/internal/commands/domain"
	"vivarium-core/internal/drivers"
	"vivarium-core/internal/eventing"
	"vivarium-core/internal/health"
	"vivarium-core/internal/observability/metrics"
)

// LatchChecker reports whether an actuator class is under an emergency
// latch. Implemented by the safety supervisor.
type LatchChecker interface {
	Latched(class commands.Class) bool
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Service is the single write boundary for actuators. It applies the
// emergency latch, resolves priority between concurrent sources, keeps the
// one authoritative applied command per actuator, and performs the bounded
// driver write.
type Service struct {
	driver           drivers.ActuatorDriver
	bus              eventing.Publisher
	latch            LatchChecker
	registry         *health.Registry
	writeTimeout     time.Duration
	failureThreshold int
	clock            Clock
	logger           *log.Logger

	mu      sync.Mutex
	applied map[string]commands.Command
}

// ServiceOption customizes the command service.
type ServiceOption func(*Service)

// WithClock assigns a clock.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

// WithWriteTimeout bounds each driver write.
func WithWriteTimeout(d time.Duration) ServiceOption {
	return func(s *Service) { s.writeTimeout = d }
}

// WithFailureThreshold sets the consecutive write-failure count that
// escalates an actuator as failed.
func WithFailureThreshold(n int) ServiceOption {
	return func(s *Service) { s.failureThreshold = n }
}

// NewService constructs the command service.
func NewService(driver drivers.ActuatorDriver, bus eventing.Publisher, latch LatchChecker, registry *health.Registry, logger *log.Logger, opts ...ServiceOption) (*Service, error) {
	if driver == nil {
		return nil, errors.New("commands: nil driver")
	}
	if bus == nil {
		return nil, errors.New("commands: nil bus")
	}
	if latch == nil {
		return nil, errors.New("commands: nil latch checker")
	}
	if registry == nil {
		return nil, errors.New("commands: nil health registry")
	}
	if logger == nil {
		return nil, errors.New("commands: nil logger")
	}
	service := &Service{
		driver:           driver,
		bus:              bus,
		latch:            latch,
		registry:         registry,
		writeTimeout:     2 * time.Second,
		failureThreshold: 3,
		clock:            systemClock{},
		applied:          make(map[string]commands.Command),
	}
	service.logger = logger
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// HandleCommandRequested consumes CommandRequested events from the bus.
func (s *Service) HandleCommandRequested(ctx context.Context, evt events.CommandRequested) error {
	return s.apply(ctx, evt.Command)
}

// HandleManualOverride consumes ManualOverrideCommand events from the API.
func (s *Service) HandleManualOverride(ctx context.Context, evt events.ManualOverrideCommand) error {
	now := s.clock.Now()
	cmd := commands.Command{
		CommandID:  uuid.NewString(),
		ActuatorID: evt.ActuatorID,
		Class:      evt.Class,
		Desired:    evt.Desired,
		Reason:     commands.ReasonManual,
		IssuedAt:   now,
	}
	return s.apply(ctx, cmd)
}

// HandleManualReleased hands an actuator under manual control back to
// policy priority. The applied state is untouched; the next policy command
// supersedes it.
func (s *Service) HandleManualReleased(_ context.Context, evt events.ManualOverrideReleased) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.applied[evt.ActuatorID]
	if !ok || cur.Reason != commands.ReasonManual {
		return nil
	}
	cur.Reason = commands.ReasonPolicy
	s.applied[evt.ActuatorID] = cur
	return nil
}

// HandleOverrideLifted releases a safety override on one actuator.
func (s *Service) HandleOverrideLifted(_ context.Context, evt events.OverrideLifted) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.applied[evt.ActuatorID]
	if !ok || cur.Reason != commands.ReasonSafetyOverride {
		return nil
	}
	cur.Reason = commands.ReasonPolicy
	s.applied[evt.ActuatorID] = cur
	return nil
}

func (s *Service) apply(ctx context.Context, cmd commands.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	now := s.clock.Now()
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = now
	}

	// Latch check at the bus boundary: while a class is latched, nothing
	// but a safety override may reach its actuators.
	if cmd.Reason != commands.ReasonSafetyOverride && s.latch.Latched(cmd.Class) {
		metrics.IncCommand(string(cmd.Reason), "discarded")
		_ = s.bus.Publish(ctx, events.CommandDiscarded{Command: cmd, Cause: "emergency latch", OccurredAt: now.UTC()})
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.applied[cmd.ActuatorID]; ok && cmd.Reason.Priority() < cur.Reason.Priority() {
		metrics.IncCommand(string(cmd.Reason), "discarded")
		_ = s.bus.Publish(ctx, events.CommandDiscarded{Command: cmd, Cause: "superseded by " + string(cur.Reason), OccurredAt: now.UTC()})
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	err := s.driver.Write(writeCtx, cmd.ActuatorID, cmd.Desired.Level())
	cancel()

	if err != nil {
		metrics.IncCommand(string(cmd.Reason), "failed")
		s.logger.Printf("actuator %s write failed: %v", cmd.ActuatorID, err)
		_ = s.bus.Publish(ctx, events.CommandFailed{Command: cmd, Error: err.Error(), OccurredAt: now.UTC()})
		failures := s.registry.RecordFailure(cmd.ActuatorID, err.Error(), now)
		if failures == s.failureThreshold {
			_ = s.bus.Publish(ctx, health.ComponentFailure{
				ComponentID: cmd.ActuatorID,
				Kind:        health.KindActuator,
				Reason:      err.Error(),
				OccurredAt:  now.UTC(),
			})
		}
		return nil
	}

	s.applied[cmd.ActuatorID] = cmd
	s.registry.RecordSuccess(cmd.ActuatorID, now)
	metrics.IncCommand(string(cmd.Reason), "applied")
	_ = s.bus.Publish(ctx, events.CommandApplied{Command: cmd, OccurredAt: now.UTC()})
	return nil
}

// Applied returns the authoritative applied command for an actuator.
func (s *Service) Applied(actuatorID string) (commands.Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.applied[actuatorID]
	return cmd, ok
}

// AppliedSnapshot returns the applied command per actuator.
func (s *Service) AppliedSnapshot() []commands.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]commands.Command, 0, len(s.applied))
	for _, cmd := range s.applied {
		out = append(out, cmd)
	}
	return out
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

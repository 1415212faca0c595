package application

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"vivarium-core/internal/eventing"
	"vivarium-core/internal/health"
	"vivarium-core/internal/observability/metrics"
	"vivarium-core/internal/recovery/application/events"
	recovery "vivarium-core/internal/recovery/domain"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Recoverer executes one recovery attempt. Implementations live at the
// driver layer; the service only schedules.
type Recoverer interface {
	Recover(ctx context.Context, action recovery.Action) error
}

// Service owns the Status field of the health registry and runs bounded
// automatic recovery with exponential backoff. One active action per
// component; exhausted actions escalate to MANUAL and wait for an operator.
type Service struct {
	bus            eventing.Publisher
	registry       *health.Registry
	recoverer      Recoverer
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	maxAttempts    int
	attemptTimeout time.Duration
	clock          Clock
	jitter         func(time.Duration) time.Duration
	logger         *log.Logger

	mu     sync.Mutex
	active map[string]*recovery.Action
}

// ServiceOption customizes the recovery service.
type ServiceOption func(*Service)

// WithClock assigns a clock.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

// WithBackoff sets the base and maximum backoff.
func WithBackoff(base, max time.Duration) ServiceOption {
	return func(s *Service) {
		s.baseBackoff = base
		s.maxBackoff = max
	}
}

// WithMaxAttempts bounds automatic attempts before escalation.
func WithMaxAttempts(n int) ServiceOption {
	return func(s *Service) { s.maxAttempts = n }
}

// WithJitter replaces the backoff jitter source.
func WithJitter(jitter func(time.Duration) time.Duration) ServiceOption {
	return func(s *Service) { s.jitter = jitter }
}

// NewService constructs the recovery service.
func NewService(bus eventing.Publisher, registry *health.Registry, recoverer Recoverer, logger *log.Logger, opts ...ServiceOption) (*Service, error) {
	if bus == nil {
		return nil, errors.New("recovery: nil bus")
	}
	if registry == nil {
		return nil, errors.New("recovery: nil health registry")
	}
	if recoverer == nil {
		return nil, errors.New("recovery: nil recoverer")
	}
	if logger == nil {
		return nil, errors.New("recovery: nil logger")
	}
	service := &Service{
		bus:            bus,
		registry:       registry,
		recoverer:      recoverer,
		baseBackoff:    5 * time.Second,
		maxBackoff:     5 * time.Minute,
		maxAttempts:    5,
		attemptTimeout: 10 * time.Second,
		clock:          systemClock{},
		jitter: func(base time.Duration) time.Duration {
			return time.Duration(rand.Int63n(int64(base)))
		},
		logger: logger,
		active: make(map[string]*recovery.Action),
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// HandleComponentFailure opens a recovery action unless one is already
// active for the component.
func (s *Service) HandleComponentFailure(ctx context.Context, evt health.ComponentFailure) error {
	now := evt.OccurredAt
	if now.IsZero() {
		now = s.clock.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.active[evt.ComponentID]; exists {
		return nil
	}

	s.registry.SetStatus(evt.ComponentID, health.StatusFailed, now)
	action := &recovery.Action{
		ActionID:     uuid.NewString(),
		ComponentID:  evt.ComponentID,
		Kind:         evt.Kind,
		Strategy:     recovery.StrategyFor(evt.Kind),
		Attempt:      1,
		Reason:       evt.Reason,
		BackoffUntil: now.Add(s.baseBackoff),
		StartedAt:    now.UTC(),
	}
	s.active[evt.ComponentID] = action
	s.logger.Printf("recovery scheduled for %s (%s): %s", evt.ComponentID, action.Strategy, evt.Reason)
	_ = s.bus.Publish(ctx, events.RecoveryScheduled{Action: *action, OccurredAt: now.UTC()})

	if action.Strategy == recovery.StrategyManual {
		s.escalateLocked(ctx, action, now)
	}
	return nil
}

// Sweep runs every due action once. Called on the recovery tick.
func (s *Service) Sweep(ctx context.Context, now time.Time) {
	if now.IsZero() {
		now = s.clock.Now()
	}
	for _, action := range s.due(now) {
		s.attempt(ctx, action, now)
	}
}

// due snapshots the actions ready to run.
func (s *Service) due(now time.Time) []*recovery.Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*recovery.Action
	for _, action := range s.active {
		if action.Strategy == recovery.StrategyManual {
			continue
		}
		if !now.Before(action.BackoffUntil) {
			out = append(out, action)
		}
	}
	return out
}

func (s *Service) attempt(ctx context.Context, action *recovery.Action, now time.Time) {
	s.registry.SetStatus(action.ComponentID, health.StatusRecovering, now)
	s.logger.Printf("recovery attempt %d/%d for %s (%s)", action.Attempt, s.maxAttempts, action.ComponentID, action.Strategy)

	attemptCtx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
	err := s.recoverer.Recover(attemptCtx, *action)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[action.ComponentID] != action {
		// Cleared while the attempt ran.
		return
	}

	if err == nil {
		action.Outcome = recovery.OutcomeSucceeded
		delete(s.active, action.ComponentID)
		s.registry.SetStatus(action.ComponentID, health.StatusHealthy, now)
		metrics.IncRecovery(string(action.Strategy), "succeeded")
		s.logger.Printf("recovery succeeded for %s after %d attempt(s)", action.ComponentID, action.Attempt)
		_ = s.bus.Publish(ctx, events.RecoverySucceeded{Action: *action, OccurredAt: now.UTC()})
		return
	}

	action.LastError = err.Error()
	metrics.IncRecovery(string(action.Strategy), "failed")
	s.logger.Printf("recovery attempt %d for %s failed: %v", action.Attempt, action.ComponentID, err)
	_ = s.bus.Publish(ctx, events.RecoveryAttemptFailed{Action: *action, Error: err.Error(), OccurredAt: now.UTC()})

	action.Attempt++
	if action.Attempt > s.maxAttempts {
		s.registry.SetStatus(action.ComponentID, health.StatusFailed, now)
		s.escalateLocked(ctx, action, now)
		return
	}
	if action.Kind == health.KindSensor && action.Attempt > s.maxAttempts/2 {
		// Restarting is not working; try the degraded substitute source.
		action.Strategy = recovery.StrategyFallback
	}
	action.BackoffUntil = now.Add(recovery.Backoff(action.Attempt, s.baseBackoff, s.maxBackoff, s.jitter))
}

// escalateLocked converts the action to MANUAL. It stays in the active set,
// skipped by sweeps, until ClearManual. Caller holds the lock.
func (s *Service) escalateLocked(ctx context.Context, action *recovery.Action, now time.Time) {
	action.Strategy = recovery.StrategyManual
	action.Outcome = recovery.OutcomeEscalated
	metrics.IncRecovery(string(recovery.StrategyManual), "escalated")
	s.logger.Printf("recovery for %s escalated to manual after %d attempt(s)", action.ComponentID, action.Attempt-1)
	_ = s.bus.Publish(ctx, events.RecoveryEscalated{Action: *action, OccurredAt: now.UTC()})
}

// ClearManual removes an escalated action after operator intervention and
// marks the component healthy again.
func (s *Service) ClearManual(ctx context.Context, componentID string) error {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	action, ok := s.active[componentID]
	if !ok {
		return errors.New("recovery: no active action for " + componentID)
	}
	if action.Strategy != recovery.StrategyManual {
		return errors.New("recovery: action for " + componentID + " is not manual")
	}
	action.Outcome = recovery.OutcomeCleared
	delete(s.active, componentID)
	s.registry.SetStatus(componentID, health.StatusHealthy, now)
	metrics.IncRecovery(string(recovery.StrategyManual), "cleared")
	s.logger.Printf("manual recovery for %s cleared by operator", componentID)
	_ = s.bus.Publish(ctx, events.RecoverySucceeded{Action: *action, OccurredAt: now.UTC()})
	return nil
}

// Actions returns the active recovery actions, oldest first.
func (s *Service) Actions() []recovery.Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recovery.Action, 0, len(s.active))
	for _, action := range s.active {
		out = append(out, *action)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

package application

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	commandevents "vivarium-core/internal/commands/application/events"
	commands "vivarium-core/internal/commands/domain"
	"vivarium-core/internal/eventing"
	"vivarium-core/internal/observability/metrics"
	"vivarium-core/internal/safety/application/events"
	safety "vivarium-core/internal/safety/domain"
	sensorevents "vivarium-core/internal/sensors/application/events"
	sensors "vivarium-core/internal/sensors/domain"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type latchState struct {
	ruleID string
	acked  bool
}

// Supervisor is the independent threshold monitor. It runs on every
// reading, ahead of and with higher priority than the control loop, and
// owns the emergency latch consulted by the command service.
type Supervisor struct {
	rulesByMetric map[sensors.Metric][]safety.Rule
	bus           eventing.Publisher
	clock         Clock
	logger        *log.Logger

	mu        sync.RWMutex
	open      map[string]map[safety.Severity]*safety.Alert
	latched   map[commands.Class]*latchState
	lastValue map[sensors.Metric]float64
	haveValue map[sensors.Metric]bool
}

// SupervisorOption customizes the supervisor.
type SupervisorOption func(*Supervisor)

// WithClock assigns a clock.
func WithClock(clock Clock) SupervisorOption {
	return func(s *Supervisor) { s.clock = clock }
}

// NewSupervisor constructs a safety supervisor.
func NewSupervisor(rules []safety.Rule, bus eventing.Publisher, logger *log.Logger, opts ...SupervisorOption) (*Supervisor, error) {
	if len(rules) == 0 {
		return nil, errors.New("safety: no threshold rules")
	}
	if bus == nil {
		return nil, errors.New("safety: nil bus")
	}
	if logger == nil {
		return nil, errors.New("safety: nil logger")
	}
	byMetric := make(map[sensors.Metric][]safety.Rule)
	seen := make(map[string]bool, len(rules))
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		if seen[rule.RuleID] {
			return nil, errors.New("safety: duplicate rule id " + rule.RuleID)
		}
		seen[rule.RuleID] = true
		byMetric[rule.Metric] = append(byMetric[rule.Metric], rule)
	}
	supervisor := &Supervisor{
		rulesByMetric: byMetric,
		bus:           bus,
		clock:         systemClock{},
		logger:        logger,
		open:          make(map[string]map[safety.Severity]*safety.Alert),
		latched:       make(map[commands.Class]*latchState),
		lastValue:     make(map[sensors.Metric]float64),
		haveValue:     make(map[sensors.Metric]bool),
	}
	for _, opt := range opts {
		opt(supervisor)
	}
	return supervisor, nil
}

// Latched implements the command service's latch check.
func (s *Supervisor) Latched(class commands.Class) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latched[class] != nil
}

// LatchedClasses returns the currently latched actuator classes.
func (s *Supervisor) LatchedClasses() []commands.Class {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]commands.Class, 0, len(s.latched))
	for class := range s.latched {
		out = append(out, class)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// OpenAlerts returns copies of all open alerts, newest first.
func (s *Supervisor) OpenAlerts() []safety.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]safety.Alert, 0)
	for _, bySeverity := range s.open {
		for _, alert := range bySeverity {
			out = append(out, *alert)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out
}

// HandleReadingCaptured evaluates every rule for the reading's metric.
func (s *Supervisor) HandleReadingCaptured(ctx context.Context, evt sensorevents.ReadingCaptured) error {
	if !evt.Reading.Valid {
		return nil
	}
	value := evt.Reading.Value
	now := evt.Reading.Timestamp
	if now.IsZero() {
		now = s.clock.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastValue[evt.Reading.Metric] = value
	s.haveValue[evt.Reading.Metric] = true

	for _, rule := range s.rulesByMetric[evt.Reading.Metric] {
		s.evaluateRule(ctx, rule, value, now)
	}
	return nil
}

// HandleAcknowledgeEmergency records the external acknowledgement for a
// latched class. The latch releases only once the metric has also
// retreated below critical minus hysteresis.
func (s *Supervisor) HandleAcknowledgeEmergency(ctx context.Context, evt events.AcknowledgeEmergency) error {
	now := evt.OccurredAt
	if now.IsZero() {
		now = s.clock.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	latch := s.latched[evt.Class]
	if latch == nil {
		return nil
	}
	latch.acked = true
	s.logger.Printf("emergency latch on %s acknowledged by %s", evt.Class, evt.AcknowledgedBy)

	rule, ok := s.findRule(latch.ruleID)
	if !ok {
		return nil
	}
	if s.haveValue[rule.Metric] && rule.Clears(safety.SeverityCritical, s.lastValue[rule.Metric]) {
		s.release(ctx, rule, evt.Class, now)
	}
	return nil
}

// evaluateRule runs the per-severity alert state machines. Opens ascend so
// an excursion straight to EMERGENCY still records the lower severities;
// closes descend so a retreat clears CRITICAL before WARNING. Caller holds
// the lock.
func (s *Supervisor) evaluateRule(ctx context.Context, rule safety.Rule, value float64, now time.Time) {
	for _, severity := range safety.Severities {
		if rule.Breaches(severity, value) && !s.isOpen(rule.RuleID, severity) {
			s.openAlert(ctx, rule, severity, value, now)
		}
	}
	for i := len(safety.Severities) - 1; i >= 0; i-- {
		severity := safety.Severities[i]
		if s.isOpen(rule.RuleID, severity) && rule.Clears(severity, value) {
			s.closeAlert(ctx, rule, severity, value, now)
		}
	}
	if latch := s.latched[rule.EmergencyClass]; latch != nil && latch.ruleID == rule.RuleID && latch.acked &&
		rule.Clears(safety.SeverityCritical, value) {
		s.release(ctx, rule, rule.EmergencyClass, now)
	}
}

func (s *Supervisor) isOpen(ruleID string, severity safety.Severity) bool {
	bySeverity := s.open[ruleID]
	if bySeverity == nil {
		return false
	}
	_, ok := bySeverity[severity]
	return ok
}

func (s *Supervisor) openAlert(ctx context.Context, rule safety.Rule, severity safety.Severity, value float64, now time.Time) {
	alert := &safety.Alert{
		AlertID:     uuid.NewString(),
		RuleID:      rule.RuleID,
		Severity:    severity,
		MetricValue: value,
		OpenedAt:    now.UTC(),
	}
	if s.open[rule.RuleID] == nil {
		s.open[rule.RuleID] = make(map[safety.Severity]*safety.Alert)
	}
	s.open[rule.RuleID][severity] = alert
	metrics.IncAlert(string(severity), "opened")
	s.logger.Printf("alert %s opened: rule=%s value=%.2f", severity, rule.RuleID, value)
	_ = s.bus.Publish(ctx, events.AlertOpened{Alert: *alert, OccurredAt: now.UTC()})

	switch severity {
	case safety.SeverityCritical:
		if rule.CriticalAction != nil {
			s.issueOverride(ctx, rule.CriticalAction.ActuatorID, rule.CriticalAction.Class, rule.CriticalAction.Desired, now)
		}
	case safety.SeverityEmergency:
		s.engage(ctx, rule, value, now)
	}
}

func (s *Supervisor) closeAlert(ctx context.Context, rule safety.Rule, severity safety.Severity, value float64, now time.Time) {
	alert := s.open[rule.RuleID][severity]
	delete(s.open[rule.RuleID], severity)
	alert.ClosedAt = now.UTC()
	alert.MetricValue = value
	metrics.IncAlert(string(severity), "closed")
	s.logger.Printf("alert %s closed: rule=%s value=%.2f", severity, rule.RuleID, value)
	_ = s.bus.Publish(ctx, events.AlertClosed{Alert: *alert, OccurredAt: now.UTC()})

	if severity == safety.SeverityCritical && rule.CriticalAction != nil {
		_ = s.bus.Publish(ctx, commandevents.OverrideLifted{ActuatorID: rule.CriticalAction.ActuatorID, OccurredAt: now.UTC()})
	}
}

// engage latches the rule's emergency class and forces its actuators off.
// The latch is set before the shutdown commands are published so a policy
// command racing on the same tick cannot re-energize the class.
func (s *Supervisor) engage(ctx context.Context, rule safety.Rule, value float64, now time.Time) {
	if rule.EmergencyClass == "" {
		return
	}
	if s.latched[rule.EmergencyClass] != nil {
		return
	}
	s.latched[rule.EmergencyClass] = &latchState{ruleID: rule.RuleID}
	metrics.IncEmergency()
	metrics.SetLatchedClasses(len(s.latched))
	s.logger.Printf("EMERGENCY STOP: class=%s rule=%s value=%.2f", rule.EmergencyClass, rule.RuleID, value)
	for _, actuatorID := range rule.EmergencyActuators {
		s.issueOverride(ctx, actuatorID, rule.EmergencyClass, commands.Off, now)
	}
	_ = s.bus.Publish(ctx, events.EmergencyEngaged{
		RuleID:      rule.RuleID,
		Class:       rule.EmergencyClass,
		MetricValue: value,
		OccurredAt:  now.UTC(),
	})
}

// release clears the latch. Caller holds the lock and has verified both
// exit conditions.
func (s *Supervisor) release(ctx context.Context, rule safety.Rule, class commands.Class, now time.Time) {
	delete(s.latched, class)
	metrics.SetLatchedClasses(len(s.latched))
	s.logger.Printf("emergency latch on %s released", class)
	for _, actuatorID := range rule.EmergencyActuators {
		_ = s.bus.Publish(ctx, commandevents.OverrideLifted{ActuatorID: actuatorID, OccurredAt: now.UTC()})
	}
	_ = s.bus.Publish(ctx, events.EmergencyCleared{RuleID: rule.RuleID, Class: class, OccurredAt: now.UTC()})
}

func (s *Supervisor) issueOverride(ctx context.Context, actuatorID string, class commands.Class, desired commands.State, now time.Time) {
	cmd := commands.Command{
		CommandID:  uuid.NewString(),
		ActuatorID: actuatorID,
		Class:      class,
		Desired:    desired,
		Reason:     commands.ReasonSafetyOverride,
		IssuedAt:   now.UTC(),
	}
	_ = s.bus.Publish(ctx, commandevents.CommandRequested{Command: cmd, OccurredAt: now.UTC()})
}

func (s *Supervisor) findRule(ruleID string) (safety.Rule, bool) {
	for _, rules := range s.rulesByMetric {
		for _, rule := range rules {
			if rule.RuleID == ruleID {
				return rule, true
			}
		}
	}
	return safety.Rule{}, false
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

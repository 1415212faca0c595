package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	commands "vivarium-core/internal/commands/domain"
	"vivarium-core/internal/drivers"
	"vivarium-core/internal/eventing"
	"vivarium-core/internal/feeding/application/events"
	feeding "vivarium-core/internal/feeding/domain"
	"vivarium-core/internal/health"
	"vivarium-core/internal/observability/metrics"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// LatchChecker reports whether an actuator class is under an emergency
// latch. Implemented by the safety supervisor.
type LatchChecker interface {
	Latched(class commands.Class) bool
}

// Config calibrates the dual-gate feeder hardware. One servo drives both
// gates through three angles; ClosedAngle shuts both.
type Config struct {
	ServoID           string
	ClosedAngle       float64
	EntryAngle        float64
	ExitAngle         float64
	MinEntry          time.Duration
	MaxEntry          time.Duration
	DrainDelay        time.Duration
	SettleDelay       time.Duration
	CalibrationRate   float64
	PositionTolerance float64
}

// Validate checks the calibration.
func (c Config) Validate() error {
	if c.ServoID == "" {
		return errors.New("feeding: empty servo id")
	}
	if c.CalibrationRate <= 0 {
		return errors.New("feeding: calibration rate must be positive")
	}
	if c.MinEntry <= 0 || c.MaxEntry < c.MinEntry {
		return errors.New("feeding: entry duration bounds must satisfy 0 < min <= max")
	}
	if c.PositionTolerance <= 0 {
		return errors.New("feeding: position tolerance must be positive")
	}
	angles := []float64{c.ClosedAngle, c.EntryAngle, c.ExitAngle}
	for i := 0; i < len(angles); i++ {
		for j := i + 1; j < len(angles); j++ {
			if math.Abs(angles[i]-angles[j]) <= 2*c.PositionTolerance {
				return errors.New("feeding: gate angles too close to distinguish")
			}
		}
	}
	return nil
}

// Sequencer runs feed cycles through the dual-gate state machine. One cycle
// at a time; concurrent requests are rejected with ErrBusy. Every phase
// transition verifies the reported servo position before advancing, and any
// mismatch aborts the cycle with a forced close.
type Sequencer struct {
	cfg      Config
	servo    drivers.ActuatorDriver
	position drivers.PositionDriver
	bus      eventing.Publisher
	latch    LatchChecker
	clock    Clock
	logger   *log.Logger

	mu          sync.Mutex
	cycle       *feeding.Cycle
	phaseEndsAt time.Time
	lastCycle   *feeding.Cycle
	lastOutcome feeding.Outcome
}

// SequencerOption customizes the sequencer.
type SequencerOption func(*Sequencer)

// WithClock assigns a clock.
func WithClock(clock Clock) SequencerOption {
	return func(s *Sequencer) { s.clock = clock }
}

// NewSequencer constructs the feeding sequencer.
func NewSequencer(cfg Config, servo drivers.ActuatorDriver, position drivers.PositionDriver, bus eventing.Publisher, latch LatchChecker, logger *log.Logger, opts ...SequencerOption) (*Sequencer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if servo == nil {
		return nil, errors.New("feeding: nil servo driver")
	}
	if position == nil {
		return nil, errors.New("feeding: nil position driver")
	}
	if bus == nil {
		return nil, errors.New("feeding: nil bus")
	}
	if latch == nil {
		return nil, errors.New("feeding: nil latch checker")
	}
	if logger == nil {
		return nil, errors.New("feeding: nil logger")
	}
	sequencer := &Sequencer{
		cfg:      cfg,
		servo:    servo,
		position: position,
		bus:      bus,
		latch:    latch,
		clock:    systemClock{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(sequencer)
	}
	return sequencer, nil
}

// Request starts a feed cycle for the target fly count. Returns ErrBusy
// while a cycle is active and ErrLatched while the feeder class is latched.
func (s *Sequencer) Request(ctx context.Context, targetFlies int, requestedBy string) (feeding.Cycle, error) {
	entry, err := feeding.EntryDuration(targetFlies, s.cfg.CalibrationRate, s.cfg.MinEntry, s.cfg.MaxEntry)
	if err != nil {
		return feeding.Cycle{}, err
	}
	if s.latch.Latched(commands.ClassFeeder) {
		return feeding.Cycle{}, feeding.ErrLatched
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cycle != nil {
		return feeding.Cycle{}, feeding.ErrBusy
	}

	now := s.clock.Now()
	cycle := feeding.Cycle{
		CycleID:        uuid.NewString(),
		TargetFlyCount: targetFlies,
		EntryDuration:  entry,
		Phase:          feeding.PhaseEntryOpen,
		StartedAt:      now.UTC(),
		RequestedBy:    requestedBy,
	}
	if err := s.write(ctx, s.cfg.EntryAngle); err != nil {
		s.abortLocked(ctx, &cycle, "entry gate write failed: "+err.Error(), now)
		return feeding.Cycle{}, err
	}
	s.cycle = &cycle
	s.phaseEndsAt = now.Add(entry)
	s.logger.Printf("feed cycle %s started: target=%d flies entry=%s", cycle.CycleID, targetFlies, entry)
	_ = s.bus.Publish(ctx, events.FeedCycleStarted{Cycle: cycle, OccurredAt: now.UTC()})
	return cycle, nil
}

// Tick advances the active cycle. Called on the feeder evaluation tick.
func (s *Sequencer) Tick(ctx context.Context, now time.Time) {
	if now.IsZero() {
		now = s.clock.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cycle == nil {
		return
	}

	if s.cycle.Phase != feeding.PhaseSettling && s.latch.Latched(commands.ClassFeeder) {
		s.abortLocked(ctx, s.cycle, "feeder latched mid-cycle", now)
		return
	}

	if !s.verifyPosition(ctx) {
		s.abortLocked(ctx, s.cycle, "gate position mismatch", now)
		return
	}
	if now.Before(s.phaseEndsAt) {
		return
	}

	switch s.cycle.Phase {
	case feeding.PhaseEntryOpen:
		if err := s.write(ctx, s.cfg.ExitAngle); err != nil {
			s.abortLocked(ctx, s.cycle, "exit gate write failed: "+err.Error(), now)
			return
		}
		s.cycle.Phase = feeding.PhaseExitOpen
		s.phaseEndsAt = now.Add(s.cfg.DrainDelay)
	case feeding.PhaseExitOpen:
		if err := s.write(ctx, s.cfg.ClosedAngle); err != nil {
			s.abortLocked(ctx, s.cycle, "close write failed: "+err.Error(), now)
			return
		}
		s.cycle.Phase = feeding.PhaseSettling
		s.phaseEndsAt = now.Add(s.cfg.SettleDelay)
	case feeding.PhaseSettling:
		done := *s.cycle
		done.Phase = feeding.PhaseIdle
		s.cycle = nil
		s.lastCycle = &done
		s.lastOutcome = feeding.OutcomeCompleted
		metrics.IncFeedCycle("completed")
		s.logger.Printf("feed cycle %s completed", done.CycleID)
		_ = s.bus.Publish(ctx, events.FeedCycleCompleted{Cycle: done, OccurredAt: now.UTC()})
	}
}

// Active returns the running cycle, if any.
func (s *Sequencer) Active() (feeding.Cycle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cycle == nil {
		return feeding.Cycle{}, false
	}
	return *s.cycle, true
}

// Last returns the most recently finished cycle and its outcome.
func (s *Sequencer) Last() (feeding.Cycle, feeding.Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastCycle == nil {
		return feeding.Cycle{}, "", false
	}
	return *s.lastCycle, s.lastOutcome, true
}

// verifyPosition checks the reported servo angle against the expected angle
// for the current phase. A read error counts as a mismatch.
func (s *Sequencer) verifyPosition(ctx context.Context) bool {
	var expected float64
	switch s.cycle.Phase {
	case feeding.PhaseEntryOpen:
		expected = s.cfg.EntryAngle
	case feeding.PhaseExitOpen:
		expected = s.cfg.ExitAngle
	default:
		expected = s.cfg.ClosedAngle
	}
	posCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	got, err := s.position.Position(posCtx, s.cfg.ServoID)
	if err != nil {
		s.logger.Printf("feeder position read failed: %v", err)
		return false
	}
	return math.Abs(got-expected) <= s.cfg.PositionTolerance
}

// abortLocked force-closes both gates, escalates the feeder, and returns the
// machine to idle. Caller holds the lock.
func (s *Sequencer) abortLocked(ctx context.Context, cycle *feeding.Cycle, reason string, now time.Time) {
	phase := cycle.Phase
	if err := s.write(ctx, s.cfg.ClosedAngle); err != nil {
		// Closed is the safe position; nothing further to do but report.
		s.logger.Printf("feeder force-close failed: %v", err)
	}
	done := *cycle
	done.Phase = feeding.PhaseIdle
	s.cycle = nil
	s.lastCycle = &done
	s.lastOutcome = feeding.OutcomeAborted
	metrics.IncFeedCycle("aborted")
	s.logger.Printf("feed cycle %s aborted in %s: %s", done.CycleID, phase, reason)
	_ = s.bus.Publish(ctx, events.FeedCycleAborted{Cycle: done, Phase: phase, Reason: reason, OccurredAt: now.UTC()})
	_ = s.bus.Publish(ctx, health.ComponentFailure{
		ComponentID: s.cfg.ServoID,
		Kind:        health.KindActuator,
		Reason:      fmt.Sprintf("feed cycle aborted in %s: %s", phase, reason),
		OccurredAt:  now.UTC(),
	})
}

func (s *Sequencer) write(ctx context.Context, angle float64) error {
	writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.servo.Write(writeCtx, s.cfg.ServoID, angle)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

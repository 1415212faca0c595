// Package notify delivers safety notifications to external channels.
package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	recoveryevents "vivarium-core/internal/recovery/application/events"
	"vivarium-core/internal/safety/application/events"
)

// Channel sends one rendered notification.
type Channel interface {
	Send(ctx context.Context, content string) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type sendRecord struct {
	at   time.Time
	hash string
}

// Notifier renders alert and emergency events and pushes them to a channel.
// Identical content inside the dedupe window is suppressed so a flapping
// metric cannot flood the channel.
type Notifier struct {
	channel      Channel
	template     *Template
	clock        Clock
	logger       *log.Logger
	cooldown     time.Duration
	dedupeWindow time.Duration

	mu   sync.Mutex
	sent map[string]sendRecord
}

// Option configures the notifier.
type Option func(*Notifier)

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithCooldown sets a minimum interval between notifications for the same
// alert and event.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// NewNotifier constructs a safety notifier.
func NewNotifier(channel Channel, template *Template, logger *log.Logger, opts ...Option) (*Notifier, error) {
	if channel == nil {
		return nil, errors.New("safety notifier: nil channel")
	}
	if logger == nil {
		return nil, errors.New("safety notifier: nil logger")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &Notifier{
		channel:      channel,
		template:     template,
		clock:        systemClock{},
		logger:       logger,
		cooldown:     time.Minute,
		dedupeWindow: 5 * time.Minute,
		sent:         make(map[string]sendRecord),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// HandleAlertOpened notifies on a new alert.
func (n *Notifier) HandleAlertOpened(ctx context.Context, evt events.AlertOpened) error {
	return n.dispatch(ctx, TemplateData{
		Event:       "opened",
		EventLabel:  "Opened",
		RuleID:      evt.Alert.RuleID,
		Severity:    string(evt.Alert.Severity),
		MetricValue: evt.Alert.MetricValue,
		At:          evt.OccurredAt,
	}, evt.Alert.AlertID)
}

// HandleAlertClosed notifies on a cleared alert.
func (n *Notifier) HandleAlertClosed(ctx context.Context, evt events.AlertClosed) error {
	return n.dispatch(ctx, TemplateData{
		Event:       "closed",
		EventLabel:  "Closed",
		RuleID:      evt.Alert.RuleID,
		Severity:    string(evt.Alert.Severity),
		MetricValue: evt.Alert.MetricValue,
		At:          evt.OccurredAt,
	}, evt.Alert.AlertID)
}

// HandleEmergencyEngaged notifies on an emergency latch.
func (n *Notifier) HandleEmergencyEngaged(ctx context.Context, evt events.EmergencyEngaged) error {
	return n.dispatch(ctx, TemplateData{
		Event:       "emergency",
		EventLabel:  "EMERGENCY STOP",
		RuleID:      evt.RuleID,
		Severity:    "EMERGENCY",
		Class:       string(evt.Class),
		MetricValue: evt.MetricValue,
		At:          evt.OccurredAt,
	}, evt.RuleID)
}

// HandleEmergencyCleared notifies on a latch release.
func (n *Notifier) HandleEmergencyCleared(ctx context.Context, evt events.EmergencyCleared) error {
	return n.dispatch(ctx, TemplateData{
		Event:      "emergency_cleared",
		EventLabel: "Emergency Cleared",
		RuleID:     evt.RuleID,
		Class:      string(evt.Class),
		At:         evt.OccurredAt,
	}, evt.RuleID)
}

// HandleRecoveryEscalated notifies when automatic recovery is exhausted and
// a component waits on operator intervention.
func (n *Notifier) HandleRecoveryEscalated(ctx context.Context, evt recoveryevents.RecoveryEscalated) error {
	return n.dispatch(ctx, TemplateData{
		Event:      "recovery_escalated",
		EventLabel: "Recovery Escalated",
		Severity:   "MANUAL",
		Component:  evt.Action.ComponentID,
		Detail:     fmt.Sprintf("automatic recovery exhausted after %d attempt(s): %s", evt.Action.Attempt-1, evt.Action.Reason),
		At:         evt.OccurredAt,
	}, evt.Action.ComponentID)
}

func (n *Notifier) dispatch(ctx context.Context, data TemplateData, key string) error {
	content, err := n.template.Render(data)
	if err != nil {
		return err
	}
	if !n.shouldSend(key, data.Event, content) {
		return nil
	}
	if err := n.channel.Send(ctx, content); err != nil {
		n.logger.Printf("notification send failed: %v", err)
		return err
	}
	n.markSent(key, data.Event, content)
	return nil
}

func (n *Notifier) shouldSend(key, event, content string) bool {
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	now := n.clock.Now().UTC()
	hash := hashContent(content)

	n.mu.Lock()
	record, ok := n.sent[key+"|"+event]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hash && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

func (n *Notifier) markSent(key, event, content string) {
	n.mu.Lock()
	n.sent[key+"|"+event] = sendRecord{at: n.clock.Now().UTC(), hash: hashContent(content)}
	n.mu.Unlock()
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

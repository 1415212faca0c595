// Package metrics exposes the supervisor's Prometheus instrumentation.
// Collectors are registered once on first use so tests importing multiple
// packages never double-register.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	readingsTotal    *prometheus.CounterVec
	commandsTotal    *prometheus.CounterVec
	alertsTotal      *prometheus.CounterVec
	emergenciesTotal prometheus.Counter
	latchedClasses   prometheus.Gauge
	recoveriesTotal  *prometheus.CounterVec
	feedCyclesTotal  *prometheus.CounterVec
	handlerFailures  *prometheus.CounterVec
)

func ensure() {
	once.Do(func() {
		readingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vivarium_readings_total",
			Help: "Sensor readings by metric and validity.",
		}, []string{"metric", "result"})
		commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vivarium_commands_total",
			Help: "Actuator commands by reason and outcome.",
		}, []string{"reason", "result"})
		alertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vivarium_alerts_total",
			Help: "Alert state transitions by severity.",
		}, []string{"severity", "event"})
		emergenciesTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "vivarium_emergency_stops_total",
			Help: "Emergency latch engagements.",
		})
		latchedClasses = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vivarium_latched_classes",
			Help: "Actuator classes currently under an emergency latch.",
		})
		recoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vivarium_recovery_attempts_total",
			Help: "Recovery attempts by strategy and outcome.",
		}, []string{"strategy", "result"})
		feedCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vivarium_feed_cycles_total",
			Help: "Feed cycles by outcome.",
		}, []string{"result"})
		handlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vivarium_handler_failures_total",
			Help: "Event handler errors and panics by subscription.",
		}, []string{"subscription"})
	})
}

// IncReading counts a captured reading.
func IncReading(metric, result string) {
	ensure()
	readingsTotal.WithLabelValues(metric, result).Inc()
}

// IncCommand counts an actuator command outcome.
func IncCommand(reason, result string) {
	ensure()
	commandsTotal.WithLabelValues(reason, result).Inc()
}

// IncAlert counts an alert transition.
func IncAlert(severity, event string) {
	ensure()
	alertsTotal.WithLabelValues(severity, event).Inc()
}

// IncEmergency counts an emergency latch engagement.
func IncEmergency() {
	ensure()
	emergenciesTotal.Inc()
}

// SetLatchedClasses records how many classes are latched.
func SetLatchedClasses(n int) {
	ensure()
	latchedClasses.Set(float64(n))
}

// IncRecovery counts a recovery attempt outcome.
func IncRecovery(strategy, result string) {
	ensure()
	recoveriesTotal.WithLabelValues(strategy, result).Inc()
}

// IncFeedCycle counts a finished feed cycle.
func IncFeedCycle(result string) {
	ensure()
	feedCyclesTotal.WithLabelValues(result).Inc()
}

// IncHandlerFailure counts a bus handler error or recovered panic.
func IncHandlerFailure(subscription string) {
	ensure()
	handlerFailures.WithLabelValues(subscription).Inc()
}

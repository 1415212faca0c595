// Package postgres archives readings, alerts and event envelopes for
// reporting. The archive is an observer: control and safety never read
// from it, so a database outage degrades reports only.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	safetyevents "vivarium-core/internal/safety/application/events"
	safety "vivarium-core/internal/safety/domain"
	sensorevents "vivarium-core/internal/sensors/application/events"
	sensors "vivarium-core/internal/sensors/domain"

	"vivarium-core/internal/eventing"
)

const schema = `
CREATE TABLE IF NOT EXISTS readings (
	sensor_id TEXT NOT NULL,
	metric TEXT NOT NULL,
	value DOUBLE PRECISION NOT NULL,
	unit TEXT NOT NULL,
	valid BOOLEAN NOT NULL,
	ts TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS readings_ts_idx ON readings (ts);

CREATE TABLE IF NOT EXISTS alerts (
	alert_id TEXT PRIMARY KEY,
	rule_id TEXT NOT NULL,
	severity TEXT NOT NULL,
	metric_value DOUBLE PRECISION NOT NULL,
	opened_at TIMESTAMPTZ NOT NULL,
	closed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS alerts_opened_idx ON alerts (opened_at);

CREATE TABLE IF NOT EXISTS events (
	event_id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	payload JSONB NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS events_occurred_idx ON events (occurred_at);
`

// Archiver persists the event stream for reports.
type Archiver struct {
	db     *sql.DB
	logger *log.Logger
}

// NewArchiver constructs an archiver.
func NewArchiver(db *sql.DB, logger *log.Logger) (*Archiver, error) {
	if db == nil {
		return nil, errors.New("history: nil db")
	}
	if logger == nil {
		return nil, errors.New("history: nil logger")
	}
	return &Archiver{db: db, logger: logger}, nil
}

// EnsureSchema creates the archive tables.
func (a *Archiver) EnsureSchema(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, schema)
	return err
}

// HandleReadingCaptured stores one reading row.
func (a *Archiver) HandleReadingCaptured(ctx context.Context, evt sensorevents.ReadingCaptured) error {
	_, err := a.db.ExecContext(ctx, `
INSERT INTO readings (sensor_id, metric, value, unit, valid, ts)
VALUES ($1, $2, $3, $4, $5, $6)`,
		evt.Reading.SensorID, string(evt.Reading.Metric), evt.Reading.Value,
		evt.Reading.Unit, evt.Reading.Valid, evt.Reading.Timestamp.UTC())
	return err
}

// HandleAlertOpened stores a new alert row.
func (a *Archiver) HandleAlertOpened(ctx context.Context, evt safetyevents.AlertOpened) error {
	_, err := a.db.ExecContext(ctx, `
INSERT INTO alerts (alert_id, rule_id, severity, metric_value, opened_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (alert_id) DO NOTHING`,
		evt.Alert.AlertID, evt.Alert.RuleID, string(evt.Alert.Severity),
		evt.Alert.MetricValue, evt.Alert.OpenedAt.UTC())
	return err
}

// HandleAlertClosed stamps the alert's close time.
func (a *Archiver) HandleAlertClosed(ctx context.Context, evt safetyevents.AlertClosed) error {
	_, err := a.db.ExecContext(ctx, `
UPDATE alerts SET closed_at = $2, metric_value = $3 WHERE alert_id = $1`,
		evt.Alert.AlertID, evt.Alert.ClosedAt.UTC(), evt.Alert.MetricValue)
	return err
}

// ArchiveEvent stores any event as an envelope row. Wired as a catch-all
// subscriber for the event types worth auditing.
func (a *Archiver) ArchiveEvent(ctx context.Context, event any) error {
	env, err := eventing.BuildEnvelope(event)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx, `
INSERT INTO events (event_id, event_type, payload, occurred_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (event_id) DO NOTHING`,
		env.EventID, env.EventType, []byte(env.Payload), env.OccurredAt)
	return err
}

// ReadingRow is one archived reading.
type ReadingRow struct {
	SensorID  string
	Metric    sensors.Metric
	Value     float64
	Unit      string
	Valid     bool
	Timestamp time.Time
}

// ListReadings returns the valid readings in [from, to).
func (a *Archiver) ListReadings(ctx context.Context, from, to time.Time) ([]ReadingRow, error) {
	rows, err := a.db.QueryContext(ctx, `
SELECT sensor_id, metric, value, unit, valid, ts
FROM readings
WHERE ts >= $1 AND ts < $2 AND valid
ORDER BY ts ASC`, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReadingRow
	for rows.Next() {
		var row ReadingRow
		var metric string
		if err := rows.Scan(&row.SensorID, &metric, &row.Value, &row.Unit, &row.Valid, &row.Timestamp); err != nil {
			return nil, err
		}
		row.Metric = sensors.Metric(metric)
		out = append(out, row)
	}
	return out, rows.Err()
}

// ListAlerts returns alerts opened in [from, to).
func (a *Archiver) ListAlerts(ctx context.Context, from, to time.Time) ([]safety.Alert, error) {
	rows, err := a.db.QueryContext(ctx, `
SELECT alert_id, rule_id, severity, metric_value, opened_at, closed_at
FROM alerts
WHERE opened_at >= $1 AND opened_at < $2
ORDER BY opened_at ASC`, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []safety.Alert
	for rows.Next() {
		var alert safety.Alert
		var severity string
		var closedAt sql.NullTime
		if err := rows.Scan(&alert.AlertID, &alert.RuleID, &severity, &alert.MetricValue, &alert.OpenedAt, &closedAt); err != nil {
			return nil, err
		}
		alert.Severity = safety.Severity(severity)
		if closedAt.Valid {
			alert.ClosedAt = closedAt.Time
		}
		out = append(out, alert)
	}
	return out, rows.Err()
}

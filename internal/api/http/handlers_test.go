package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	commandevents "vivarium-core/internal/commands/application/events"
	commands "vivarium-core/internal/commands/domain"
	controldomain "vivarium-core/internal/control/domain"
	feeding "vivarium-core/internal/feeding/domain"
	"vivarium-core/internal/health"
	"vivarium-core/internal/history/postgres"
	recovery "vivarium-core/internal/recovery/domain"
	safetyevents "vivarium-core/internal/safety/application/events"
	safety "vivarium-core/internal/safety/domain"
	sensors "vivarium-core/internal/sensors/domain"
)

type busRecorder struct {
	events []any
}

func (r *busRecorder) Publish(_ context.Context, event any) error {
	r.events = append(r.events, event)
	return nil
}

type stubControl struct{}

func (stubControl) Policies() []controldomain.Policy {
	return []controldomain.Policy{{ActuatorID: "heater-1", Metric: sensors.MetricTemperature}}
}

func (stubControl) LatestValue(sensors.Metric) (float64, time.Time, bool) {
	return 28.5, time.Unix(1700000000, 0), true
}

type stubCommands struct{}

func (stubCommands) AppliedSnapshot() []commands.Command { return nil }

type stubSafety struct {
	alerts  []safety.Alert
	latched []commands.Class
}

func (s stubSafety) OpenAlerts() []safety.Alert       { return s.alerts }
func (s stubSafety) LatchedClasses() []commands.Class { return s.latched }

type stubFeeder struct {
	err   error
	cycle feeding.Cycle
}

func (f stubFeeder) Request(_ context.Context, targetFlies int, _ string) (feeding.Cycle, error) {
	if f.err != nil {
		return feeding.Cycle{}, f.err
	}
	cycle := f.cycle
	cycle.TargetFlyCount = targetFlies
	return cycle, nil
}

func (f stubFeeder) Active() (feeding.Cycle, bool)                { return feeding.Cycle{}, false }
func (f stubFeeder) Last() (feeding.Cycle, feeding.Outcome, bool) { return feeding.Cycle{}, "", false }

type stubRecovery struct {
	clearErr error
}

func (stubRecovery) Actions() []recovery.Action { return nil }
func (s stubRecovery) ClearManual(context.Context, string) error {
	return s.clearErr
}

type stubHistory struct{}

func (stubHistory) ListReadings(context.Context, time.Time, time.Time) ([]postgres.ReadingRow, error) {
	return []postgres.ReadingRow{
		{Metric: sensors.MetricTemperature, Unit: "C", Value: 28, Valid: true},
	}, nil
}

func (stubHistory) ListAlerts(context.Context, time.Time, time.Time) ([]safety.Alert, error) {
	return nil, nil
}

func newTestServer(t *testing.T, feeder FeedSource, recoverySource RecoverySource, history HistorySource) (*Server, *busRecorder, *mux.Router) {
	t.Helper()
	if feeder == nil {
		feeder = stubFeeder{}
	}
	if recoverySource == nil {
		recoverySource = stubRecovery{}
	}
	recorder := &busRecorder{}
	server, err := NewServer(recorder, stubControl{}, stubCommands{}, stubSafety{}, feeder, recoverySource,
		health.NewRegistry(), history, NewSSEBroker(), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	router := mux.NewRouter()
	server.Routes(router)
	return server, recorder, router
}

func doJSON(t *testing.T, router *mux.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	_, _, router := newTestServer(t, nil, nil, nil)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	var response struct {
		Metrics []struct {
			Metric string  `json:"metric"`
			Value  float64 `json:"value"`
		} `json:"metrics"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(response.Metrics) != 1 || response.Metrics[0].Value != 28.5 {
		t.Fatalf("metrics %+v", response.Metrics)
	}
}

func TestOverridePublishesManualCommand(t *testing.T) {
	_, recorder, router := newTestServer(t, nil, nil, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/actuators/heater-1/override", map[string]any{
		"class":        "heating",
		"on":           true,
		"intensity":    80,
		"requested_by": "keeper",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if len(recorder.events) != 1 {
		t.Fatalf("events %v", recorder.events)
	}
	evt, ok := recorder.events[0].(commandevents.ManualOverrideCommand)
	if !ok {
		t.Fatalf("event %T", recorder.events[0])
	}
	if evt.ActuatorID != "heater-1" || !evt.Desired.On || evt.Desired.Intensity != 80 {
		t.Fatalf("event %+v", evt)
	}
}

func TestOverrideRejectsUnknownClass(t *testing.T) {
	_, recorder, router := newTestServer(t, nil, nil, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/actuators/heater-1/override", map[string]any{
		"class": "warp-drive",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
	if len(recorder.events) != 0 {
		t.Fatalf("invalid override published %v", recorder.events)
	}
}

func TestReleasePublishesManualRelease(t *testing.T) {
	_, recorder, router := newTestServer(t, nil, nil, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/actuators/heater-1/release", map[string]any{
		"released_by": "keeper",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d, want 202: %s", rec.Code, rec.Body.String())
	}
	evt, ok := recorder.events[0].(commandevents.ManualOverrideReleased)
	if !ok || evt.ActuatorID != "heater-1" || evt.ReleasedBy != "keeper" {
		t.Fatalf("event %+v ok=%v", recorder.events[0], ok)
	}
}

func TestFeedEndpointStatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		feeder FeedSource
		want   int
	}{
		{"accepted", stubFeeder{}, http.StatusAccepted},
		{"busy", stubFeeder{err: feeding.ErrBusy}, http.StatusConflict},
		{"latched", stubFeeder{err: feeding.ErrLatched}, http.StatusLocked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, router := newTestServer(t, tc.feeder, nil, nil)
			rec := doJSON(t, router, http.MethodPost, "/api/v1/feed", map[string]any{"target_fly_count": 5})
			if rec.Code != tc.want {
				t.Fatalf("status %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestEmergencyAckPublishes(t *testing.T) {
	_, recorder, router := newTestServer(t, nil, nil, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/emergency/ack", map[string]any{
		"class":           "heating",
		"acknowledged_by": "keeper",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d, want 202", rec.Code)
	}
	evt, ok := recorder.events[0].(safetyevents.AcknowledgeEmergency)
	if !ok || evt.Class != commands.ClassHeating || evt.AcknowledgedBy != "keeper" {
		t.Fatalf("event %+v ok=%v", recorder.events[0], ok)
	}
}

func TestRecoveryClearNotFound(t *testing.T) {
	_, _, router := newTestServer(t, nil, stubRecovery{clearErr: context.DeadlineExceeded}, nil)
	rec := doJSON(t, router, http.MethodPost, "/api/v1/recovery/ghost/clear", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rec.Code)
	}
}

func TestDailyReportWithoutArchive(t *testing.T) {
	_, _, router := newTestServer(t, nil, nil, nil)
	rec := doJSON(t, router, http.MethodGet, "/api/v1/reports/daily", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", rec.Code)
	}
}

func TestDailyReportFormats(t *testing.T) {
	_, _, router := newTestServer(t, nil, nil, stubHistory{})

	rec := doJSON(t, router, http.MethodGet, "/api/v1/reports/daily?day=2026-08-29", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var report struct {
		Summaries []struct {
			Metric string `json:"metric"`
		} `json:"summaries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(report.Summaries) != 1 || report.Summaries[0].Metric != "temperature" {
		t.Fatalf("report %+v", report)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/reports/daily?day=2026-08-29&format=csv", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "text/csv" {
		t.Fatalf("csv status %d content-type %q", rec.Code, rec.Header().Get("Content-Type"))
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/reports/daily?day=not-a-day", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad day status %d, want 400", rec.Code)
	}
}

// Package apihttp is the operator-facing HTTP surface. Mutations are
// translated into bus events or service calls; the process state itself is
// owned by the application services.
package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	commandevents "vivarium-core/internal/commands/application/events"
	commands "vivarium-core/internal/commands/domain"
	controldomain "vivarium-core/internal/control/domain"
	"vivarium-core/internal/eventing"
	"vivarium-core/internal/export"
	feeding "vivarium-core/internal/feeding/domain"
	"vivarium-core/internal/health"
	"vivarium-core/internal/history/postgres"
	recovery "vivarium-core/internal/recovery/domain"
	safetyevents "vivarium-core/internal/safety/application/events"
	safety "vivarium-core/internal/safety/domain"
	sensors "vivarium-core/internal/sensors/domain"
)

// ControlSource reports control loop state.
type ControlSource interface {
	Policies() []controldomain.Policy
	LatestValue(metric sensors.Metric) (float64, time.Time, bool)
}

// CommandSource reports applied actuator commands.
type CommandSource interface {
	AppliedSnapshot() []commands.Command
}

// SafetySource reports alert and latch state.
type SafetySource interface {
	OpenAlerts() []safety.Alert
	LatchedClasses() []commands.Class
}

// FeedSource runs and reports feed cycles.
type FeedSource interface {
	Request(ctx context.Context, targetFlies int, requestedBy string) (feeding.Cycle, error)
	Active() (feeding.Cycle, bool)
	Last() (feeding.Cycle, feeding.Outcome, bool)
}

// RecoverySource reports and clears recovery actions.
type RecoverySource interface {
	Actions() []recovery.Action
	ClearManual(ctx context.Context, componentID string) error
}

// HistorySource reads archived rows for reports. Nil when no database is
// configured.
type HistorySource interface {
	ListReadings(ctx context.Context, from, to time.Time) ([]postgres.ReadingRow, error)
	ListAlerts(ctx context.Context, from, to time.Time) ([]safety.Alert, error)
}

// Server bundles the API dependencies.
type Server struct {
	bus       eventing.Publisher
	control   ControlSource
	commands  CommandSource
	safety    SafetySource
	feeder    FeedSource
	recovery  RecoverySource
	registry  *health.Registry
	history   HistorySource
	broker    *SSEBroker
	logger    *log.Logger
}

// NewServer constructs the API server.
func NewServer(bus eventing.Publisher, control ControlSource, commandSource CommandSource, safetySource SafetySource, feeder FeedSource, recoverySource RecoverySource, registry *health.Registry, history HistorySource, broker *SSEBroker, logger *log.Logger) (*Server, error) {
	if bus == nil {
		return nil, errors.New("api: nil bus")
	}
	if control == nil || commandSource == nil || safetySource == nil || feeder == nil || recoverySource == nil {
		return nil, errors.New("api: nil service dependency")
	}
	if registry == nil {
		return nil, errors.New("api: nil health registry")
	}
	if broker == nil {
		return nil, errors.New("api: nil broker")
	}
	if logger == nil {
		return nil, errors.New("api: nil logger")
	}
	return &Server{
		bus:      bus,
		control:  control,
		commands: commandSource,
		safety:   safetySource,
		feeder:   feeder,
		recovery: recoverySource,
		registry: registry,
		history:  history,
		broker:   broker,
		logger:   logger,
	}, nil
}

// Routes registers all handlers on a router.
func (s *Server) Routes(router *mux.Router) {
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/recovery", s.handleRecovery).Methods(http.MethodGet)
	api.HandleFunc("/recovery/{component}/clear", s.handleRecoveryClear).Methods(http.MethodPost)
	api.HandleFunc("/actuators/{id}/override", s.handleOverride).Methods(http.MethodPost)
	api.HandleFunc("/actuators/{id}/release", s.handleRelease).Methods(http.MethodPost)
	api.HandleFunc("/feed", s.handleFeed).Methods(http.MethodPost)
	api.HandleFunc("/emergency/ack", s.handleEmergencyAck).Methods(http.MethodPost)
	api.HandleFunc("/reports/daily", s.handleDailyReport).Methods(http.MethodGet)
	api.Handle("/events/stream", NewStreamHandler(s.broker)).Methods(http.MethodGet)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusMetric struct {
	Metric sensors.Metric `json:"metric"`
	Value  float64        `json:"value"`
	At     time.Time      `json:"at"`
}

type statusResponse struct {
	Metrics    []statusMetric     `json:"metrics"`
	Actuators  []commands.Command `json:"actuators"`
	Latched    []commands.Class   `json:"latched_classes"`
	OpenAlerts int                `json:"open_alerts"`
	FeedActive *feeding.Cycle     `json:"feed_active,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var metrics []statusMetric
	seen := make(map[sensors.Metric]bool)
	for _, policy := range s.control.Policies() {
		if policy.Metric == "" || seen[policy.Metric] {
			continue
		}
		seen[policy.Metric] = true
		if value, at, ok := s.control.LatestValue(policy.Metric); ok {
			metrics = append(metrics, statusMetric{Metric: policy.Metric, Value: value, At: at})
		}
	}

	response := statusResponse{
		Metrics:    metrics,
		Actuators:  s.commands.AppliedSnapshot(),
		Latched:    s.safety.LatchedClasses(),
		OpenAlerts: len(s.safety.OpenAlerts()),
	}
	if cycle, ok := s.feeder.Active(); ok {
		response.FeedActive = &cycle
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.safety.OpenAlerts())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

func (s *Server) handleRecovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.recovery.Actions())
}

func (s *Server) handleRecoveryClear(w http.ResponseWriter, r *http.Request) {
	component := mux.Vars(r)["component"]
	if err := s.recovery.ClearManual(r.Context(), component); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"component": component, "status": "cleared"})
}

type overrideRequest struct {
	Class       commands.Class `json:"class"`
	On          bool           `json:"on"`
	Intensity   float64        `json:"intensity"`
	RequestedBy string         `json:"requested_by"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	actuatorID := mux.Vars(r)["id"]
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if !req.Class.Valid() {
		http.Error(w, "invalid actuator class", http.StatusBadRequest)
		return
	}
	evt := commandevents.ManualOverrideCommand{
		ActuatorID:  actuatorID,
		Class:       req.Class,
		Desired:     commands.State{On: req.On, Intensity: req.Intensity},
		RequestedBy: req.RequestedBy,
		OccurredAt:  time.Now().UTC(),
	}
	if err := s.bus.Publish(r.Context(), evt); err != nil {
		http.Error(w, "publish failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"actuator_id": actuatorID, "status": "accepted"})
}

type releaseRequest struct {
	ReleasedBy string `json:"released_by"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	actuatorID := mux.Vars(r)["id"]
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	evt := commandevents.ManualOverrideReleased{
		ActuatorID: actuatorID,
		ReleasedBy: req.ReleasedBy,
		OccurredAt: time.Now().UTC(),
	}
	if err := s.bus.Publish(r.Context(), evt); err != nil {
		http.Error(w, "publish failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"actuator_id": actuatorID, "status": "released"})
}

type feedRequest struct {
	TargetFlyCount int    `json:"target_fly_count"`
	RequestedBy    string `json:"requested_by"`
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	var req feedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	cycle, err := s.feeder.Request(r.Context(), req.TargetFlyCount, req.RequestedBy)
	switch {
	case errors.Is(err, feeding.ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, feeding.ErrLatched):
		http.Error(w, err.Error(), http.StatusLocked)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, cycle)
}

type ackRequest struct {
	Class          commands.Class `json:"class"`
	AcknowledgedBy string         `json:"acknowledged_by"`
}

func (s *Server) handleEmergencyAck(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if !req.Class.Valid() {
		http.Error(w, "invalid actuator class", http.StatusBadRequest)
		return
	}
	evt := safetyevents.AcknowledgeEmergency{
		Class:          req.Class,
		AcknowledgedBy: req.AcknowledgedBy,
		OccurredAt:     time.Now().UTC(),
	}
	if err := s.bus.Publish(r.Context(), evt); err != nil {
		http.Error(w, "publish failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"class": string(req.Class), "status": "acknowledged"})
}

func (s *Server) handleDailyReport(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history archive not configured", http.StatusServiceUnavailable)
		return
	}
	dayParam := r.URL.Query().Get("day")
	day := time.Now().UTC().Truncate(24 * time.Hour)
	if dayParam != "" {
		parsed, err := time.Parse("2006-01-02", dayParam)
		if err != nil {
			http.Error(w, "day must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		day = parsed
	}
	from := day
	to := day.Add(24 * time.Hour)

	readings, err := s.history.ListReadings(r.Context(), from, to)
	if err != nil {
		s.logger.Printf("report: list readings failed: %v", err)
		http.Error(w, "archive query failed", http.StatusInternalServerError)
		return
	}
	alerts, err := s.history.ListAlerts(r.Context(), from, to)
	if err != nil {
		s.logger.Printf("report: list alerts failed: %v", err)
		http.Error(w, "archive query failed", http.StatusInternalServerError)
		return
	}
	report := export.BuildDailyReport(day, readings, alerts)

	filename := fmt.Sprintf("vivarium-%s", day.Format("2006-01-02"))
	switch r.URL.Query().Get("format") {
	case "pdf":
		payload, err := export.BuildPDF(report)
		if err != nil {
			http.Error(w, "render failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.pdf"`, filename))
		_, _ = w.Write(payload)
	case "xlsx":
		payload, err := export.BuildXLSX(report)
		if err != nil {
			http.Error(w, "render failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.xlsx"`, filename))
		_, _ = w.Write(payload)
	case "csv":
		payload, err := export.BuildCSV(report)
		if err != nil {
			http.Error(w, "render failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.csv"`, filename))
		_, _ = w.Write(payload)
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// LoggingMiddleware logs each request line.
func LoggingMiddleware(logger *log.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
		})
	}
}

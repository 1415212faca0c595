package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apihttp "vivarium-core/internal/api/http"
	"vivarium-core/internal/auth"
	"vivarium-core/internal/cache"
	commandapp "vivarium-core/internal/commands/application"
	commandevents "vivarium-core/internal/commands/application/events"
	"vivarium-core/internal/config"
	controlapp "vivarium-core/internal/control/application"
	"vivarium-core/internal/drivers"
	mqttdriver "vivarium-core/internal/drivers/mqtt"
	"vivarium-core/internal/drivers/sim"
	"vivarium-core/internal/eventing"
	feedapp "vivarium-core/internal/feeding/application"
	feedevents "vivarium-core/internal/feeding/application/events"
	"vivarium-core/internal/health"
	historypg "vivarium-core/internal/history/postgres"
	"vivarium-core/internal/observability/metrics"
	recoveryapp "vivarium-core/internal/recovery/application"
	recoveryevents "vivarium-core/internal/recovery/application/events"
	safetyapp "vivarium-core/internal/safety/application"
	safetyevents "vivarium-core/internal/safety/application/events"
	safetynotify "vivarium-core/internal/safety/notify"
	sensorapp "vivarium-core/internal/sensors/application"
	sensorevents "vivarium-core/internal/sensors/application/events"
)

func main() {
	cfg := loadEnv()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	enclosureCfg, err := config.Load(cfg.ConfigPath)
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}

	bus := eventing.NewInMemoryBus()
	registry := health.NewRegistry()

	sensorDriver, actuatorDriver, positionDriver, recoverer := buildDrivers(cfg, enclosureCfg, logger)

	supervisor, err := safetyapp.NewSupervisor(enclosureCfg.ThresholdRules(), bus, logger)
	if err != nil {
		logger.Fatalf("safety supervisor error: %v", err)
	}

	gateway, err := sensorapp.NewGateway(enclosureCfg.SensorSpecs(), sensorDriver, bus, registry, logger)
	if err != nil {
		logger.Fatalf("sensor gateway error: %v", err)
	}

	engine, err := controlapp.NewEngine(
		enclosureCfg.ControlPolicies(),
		bus,
		controlapp.WallClock{
			DayStartHour:   enclosureCfg.Schedule.DayStartHour,
			NightStartHour: enclosureCfg.Schedule.NightStartHour,
		},
		logger,
	)
	if err != nil {
		logger.Fatalf("control engine error: %v", err)
	}

	commandService, err := commandapp.NewService(actuatorDriver, bus, supervisor, registry, logger)
	if err != nil {
		logger.Fatalf("command service error: %v", err)
	}

	sequencer, err := feedapp.NewSequencer(enclosureCfg.FeederSettings(), actuatorDriver, positionDriver, bus, supervisor, logger)
	if err != nil {
		logger.Fatalf("feeding sequencer error: %v", err)
	}
	registry.Register(enclosureCfg.Feeder.ServoID, health.KindActuator)

	recoveryService, err := recoveryapp.NewService(bus, registry, recoverer, logger,
		recoveryapp.WithBackoff(enclosureCfg.Recovery.BaseBackoff.Std(), enclosureCfg.Recovery.MaxBackoff.Std()),
		recoveryapp.WithMaxAttempts(enclosureCfg.Recovery.MaxAttempts),
	)
	if err != nil {
		logger.Fatalf("recovery service error: %v", err)
	}

	// Handler failures surface as component failures so the recovery
	// service sees them; a failing ComponentFailure handler only logs,
	// otherwise the sink would feed itself.
	bus.SetFailureSink(func(ctx context.Context, subscription string, event any, err error) {
		metrics.IncHandlerFailure(subscription)
		logger.Printf("handler %s failed: %v", subscription, err)
		if _, isFailure := event.(health.ComponentFailure); isFailure {
			return
		}
		_ = bus.Publish(ctx, health.ComponentFailure{
			ComponentID: subscription,
			Kind:        health.KindService,
			Reason:      err.Error(),
			OccurredAt:  time.Now().UTC(),
		})
	})

	// Safety evaluates each reading before the control loop stores it.
	eventing.On(bus, "safety.readings", supervisor.HandleReadingCaptured)
	eventing.On(bus, "control.readings", engine.HandleReadingCaptured)
	eventing.On(bus, "commands.requested", commandService.HandleCommandRequested)
	eventing.On(bus, "commands.manual", commandService.HandleManualOverride)
	eventing.On(bus, "commands.manual-released", commandService.HandleManualReleased)
	eventing.On(bus, "commands.override-lifted", commandService.HandleOverrideLifted)
	// The engine's belief tracks the actuator, not its own issuance: applied
	// and discarded outcomes feed back so a released latch or lifted
	// override is re-evaluated on the next tick.
	eventing.On(bus, "control.applied", engine.HandleCommandApplied)
	eventing.On(bus, "control.discarded", engine.HandleCommandDiscarded)
	eventing.On(bus, "control.failed", engine.HandleCommandFailed)
	eventing.On(bus, "safety.ack", supervisor.HandleAcknowledgeEmergency)
	eventing.On(bus, "recovery.failures", recoveryService.HandleComponentFailure)

	broker := apihttp.NewSSEBroker()
	for _, eventType := range []string{
		eventing.EventTypeOf[sensorevents.ReadingCaptured](),
		eventing.EventTypeOf[commandevents.CommandApplied](),
		eventing.EventTypeOf[commandevents.CommandDiscarded](),
		eventing.EventTypeOf[commandevents.CommandFailed](),
		eventing.EventTypeOf[safetyevents.AlertOpened](),
		eventing.EventTypeOf[safetyevents.AlertClosed](),
		eventing.EventTypeOf[safetyevents.EmergencyEngaged](),
		eventing.EventTypeOf[safetyevents.EmergencyCleared](),
		eventing.EventTypeOf[feedevents.FeedCycleStarted](),
		eventing.EventTypeOf[feedevents.FeedCycleCompleted](),
		eventing.EventTypeOf[feedevents.FeedCycleAborted](),
		eventing.EventTypeOf[recoveryevents.RecoveryScheduled](),
		eventing.EventTypeOf[recoveryevents.RecoverySucceeded](),
		eventing.EventTypeOf[recoveryevents.RecoveryEscalated](),
		eventing.EventTypeOf[health.ComponentFailure](),
	} {
		bus.Subscribe(eventType, "sse.stream", broker.Forward)
	}

	var archiver *historypg.Archiver
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("db open error: %v", err)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			logger.Fatalf("db ping error: %v", err)
		}
		archiver, err = historypg.NewArchiver(db, logger)
		if err != nil {
			logger.Fatalf("archiver error: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := archiver.EnsureSchema(ctx); err != nil {
			cancel()
			logger.Fatalf("archive schema error: %v", err)
		}
		cancel()
		eventing.On(bus, "history.readings", archiver.HandleReadingCaptured)
		eventing.On(bus, "history.alerts-opened", archiver.HandleAlertOpened)
		eventing.On(bus, "history.alerts-closed", archiver.HandleAlertClosed)
		for _, eventType := range []string{
			eventing.EventTypeOf[safetyevents.EmergencyEngaged](),
			eventing.EventTypeOf[safetyevents.EmergencyCleared](),
			eventing.EventTypeOf[commandevents.CommandApplied](),
			eventing.EventTypeOf[feedevents.FeedCycleCompleted](),
			eventing.EventTypeOf[feedevents.FeedCycleAborted](),
			eventing.EventTypeOf[recoveryevents.RecoveryEscalated](),
			eventing.EventTypeOf[health.ComponentFailure](),
		} {
			bus.Subscribe(eventType, "history.events", archiver.ArchiveEvent)
		}
	} else {
		logger.Printf("DATABASE_URL not set, history archive disabled")
	}

	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		latestCache, err := cache.NewLatestCache(redisClient, logger)
		if err != nil {
			logger.Fatalf("cache error: %v", err)
		}
		eventing.On(bus, "cache.readings", latestCache.HandleReadingCaptured)
	}

	if cfg.WebhookURL != "" {
		template, err := safetynotify.NewTemplate(cfg.NotifyTemplate)
		if err != nil {
			logger.Fatalf("notify template error: %v", err)
		}
		notifier, err := safetynotify.NewNotifier(safetynotify.NewWebhookChannel(cfg.WebhookURL), template, logger,
			safetynotify.WithCooldown(cfg.NotifyCooldown),
		)
		if err != nil {
			logger.Fatalf("notifier error: %v", err)
		}
		eventing.On(bus, "notify.alerts-opened", notifier.HandleAlertOpened)
		eventing.On(bus, "notify.alerts-closed", notifier.HandleAlertClosed)
		eventing.On(bus, "notify.emergency", notifier.HandleEmergencyEngaged)
		eventing.On(bus, "notify.emergency-cleared", notifier.HandleEmergencyCleared)
		eventing.On(bus, "notify.recovery-escalated", notifier.HandleRecoveryEscalated)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runTicker(ctx, cfg.PollInterval, func(now time.Time) { gateway.Tick(ctx, now) })
	go runTicker(ctx, cfg.ControlTick, func(now time.Time) { engine.Tick(ctx, now) })
	go runTicker(ctx, cfg.FeederTick, func(now time.Time) { sequencer.Tick(ctx, now) })
	go runTicker(ctx, cfg.RecoverySweep, func(now time.Time) { recoveryService.Sweep(ctx, now) })

	var history apihttp.HistorySource
	if archiver != nil {
		history = archiver
	}
	server, err := apihttp.NewServer(bus, engine, commandService, supervisor, sequencer, recoveryService, registry, history, broker, logger)
	if err != nil {
		logger.Fatalf("api server error: %v", err)
	}

	router := mux.NewRouter()
	server.Routes(router)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.Use(apihttp.LoggingMiddleware(logger))

	if cfg.JWTSecret == "" {
		logger.Printf("WARNING: JWT_SECRET not set, API auth disabled")
	}
	handler := auth.Middleware([]byte(cfg.JWTSecret), logger)(router)

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: handler}
	logger.Printf("http listening on %s", cfg.HTTPAddr)
	logger.Fatal(httpServer.ListenAndServe())
}

func buildDrivers(cfg envConfig, enclosureCfg *config.Config, logger *log.Logger) (drivers.SensorDriver, drivers.ActuatorDriver, drivers.PositionDriver, recoveryapp.Recoverer) {
	if cfg.DriverMode == "mqtt" {
		opts := paho.NewClientOptions().
			AddBroker(cfg.MQTTBrokerURL).
			SetClientID(cfg.MQTTClientID).
			SetAutoReconnect(true).
			SetConnectTimeout(10 * time.Second)
		client := paho.NewClient(opts)
		if token := client.Connect(); !token.WaitTimeout(15*time.Second) || token.Error() != nil {
			logger.Fatalf("mqtt connect error: %v", token.Error())
		}
		bridge, err := mqttdriver.NewBridge(client, cfg.MQTTTopicPrefix, logger)
		if err != nil {
			logger.Fatalf("mqtt bridge error: %v", err)
		}
		if err := bridge.Start(); err != nil {
			logger.Fatalf("mqtt bridge start error: %v", err)
		}
		return bridge, bridge, bridge, bridge
	}

	specs := make([]sim.SensorSpec, 0, len(enclosureCfg.Sensors))
	for _, sensor := range enclosureCfg.Sensors {
		specs = append(specs, sim.SensorSpec{
			SensorID: sensor.SensorID,
			Unit:     sensor.Unit,
			Baseline: simBaseline(sensor.Metric),
			Drift:    1,
		})
	}
	enclosure := sim.NewEnclosure(specs)
	logger.Printf("running against simulated enclosure")
	return enclosure, enclosure, enclosure, enclosure
}

func simBaseline(metric string) float64 {
	switch metric {
	case "temperature":
		return 28
	case "actuator_temp_probe":
		return 40
	case "humidity":
		return 65
	case "air_quality":
		return 40
	case "water_level":
		return 80
	default:
		return 0
	}
}

func runTicker(ctx context.Context, interval time.Duration, fn func(now time.Time)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			fn(tick.UTC())
		}
	}
}

type envConfig struct {
	ConfigPath      string
	HTTPAddr        string
	DriverMode      string
	MQTTBrokerURL   string
	MQTTClientID    string
	MQTTTopicPrefix string
	DatabaseURL     string
	RedisAddr       string
	WebhookURL      string
	NotifyTemplate  string
	NotifyCooldown  time.Duration
	JWTSecret       string
	PollInterval    time.Duration
	ControlTick     time.Duration
	FeederTick      time.Duration
	RecoverySweep   time.Duration
}

func loadEnv() envConfig {
	return envConfig{
		ConfigPath:      getenvDefault("VIVARIUM_CONFIG", "vivarium.yaml"),
		HTTPAddr:        getenvDefault("HTTP_ADDR", ":8080"),
		DriverMode:      getenvDefault("DRIVER_MODE", "sim"),
		MQTTBrokerURL:   getenvDefault("MQTT_BROKER_URL", "tcp://localhost:1883"),
		MQTTClientID:    getenvDefault("MQTT_CLIENT_ID", "vivarium-core"),
		MQTTTopicPrefix: getenvDefault("MQTT_TOPIC_PREFIX", "vivarium"),
		DatabaseURL:     getenvDefault("DATABASE_URL", ""),
		RedisAddr:       getenvDefault("REDIS_ADDR", ""),
		WebhookURL:      getenvDefault("ALERT_WEBHOOK_URL", ""),
		NotifyTemplate:  getenvDefault("ALERT_NOTIFY_TEMPLATE", ""),
		NotifyCooldown:  getenvDuration("ALERT_NOTIFY_COOLDOWN", time.Minute),
		JWTSecret:       getenvDefault("JWT_SECRET", ""),
		PollInterval:    getenvDuration("SENSOR_POLL_INTERVAL", 5*time.Second),
		ControlTick:     getenvDuration("CONTROL_TICK", 2*time.Second),
		FeederTick:      getenvDuration("FEEDER_TICK", 500*time.Millisecond),
		RecoverySweep:   getenvDuration("RECOVERY_SWEEP", time.Second),
	}
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Fatal(fmt.Sprintf("%s: invalid duration %q", key, value))
	}
	return parsed
}

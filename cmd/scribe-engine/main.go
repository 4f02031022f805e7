package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	scribeengine "github.com/snarg/scribe-engine"
	"github.com/snarg/scribe-engine/internal/api"
	"github.com/snarg/scribe-engine/internal/config"
	"github.com/snarg/scribe-engine/internal/database"
	"github.com/snarg/scribe-engine/internal/ingest"
	"github.com/snarg/scribe-engine/internal/media"
	"github.com/snarg/scribe-engine/internal/metrics"
	"github.com/snarg/scribe-engine/internal/mqttclient"
	"github.com/snarg/scribe-engine/internal/notify"
	"github.com/snarg/scribe-engine/internal/saga"
	"github.com/snarg/scribe-engine/internal/storage"
	"github.com/snarg/scribe-engine/internal/transcribe"
	"github.com/snarg/scribe-engine/internal/workflow"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL URL (overrides DATABASE_URL)")
	flag.StringVar(&overrides.MQTTBrokerURL, "mqtt-broker", "", "MQTT broker URL (overrides MQTT_BROKER_URL)")
	flag.StringVar(&overrides.InboxDir, "inbox", "", "request drop directory (overrides INBOX_DIR)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("scribe-engine starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	if err := db.InitSchema(ctx, scribeengine.SchemaSQL); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize schema")
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate schema")
	}

	// Durable step store
	wfLog := log.With().Str("component", "workflow").Logger()
	var store workflow.StepStore = workflow.NewMemoryStore()
	var redisPing api.Pinger
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		store = workflow.NewRedisStore(rdb, "scribe", cfg.Workflow.StepTTL)
		redisPing = api.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		wfLog.Info().Str("addr", cfg.RedisAddr).Msg("using redis step store")
	} else {
		wfLog.Warn().Msg("REDIS_ADDR not set, step results will not survive a restart")
	}

	bus := workflow.NewBus(cfg.Workflow.ReplaySize, wfLog)
	engine := workflow.NewEngine(workflow.Options{
		Bus:         bus,
		Store:       store,
		Workers:     cfg.Workflow.Workers,
		QueueSize:   cfg.Workflow.QueueSize,
		MaxAttempts: cfg.Workflow.MaxAttempts,
		RetryDelay:  cfg.Workflow.RetryDelay,
		Log:         wfLog,
	})

	// Transcript artifacts
	storeLog := log.With().Str("component", "storage").Logger()
	artifacts, services, err := storage.New(cfg.S3, cfg.ArtifactDir, storeLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize artifact storage")
	}
	for _, svc := range services {
		svc.Start()
		defer svc.Stop()
	}
	storeLog.Info().Str("type", artifacts.Type()).Str("dir", cfg.ArtifactDir).Msg("artifact storage ready")

	// Providers
	provLog := log.With().Str("component", "providers").Logger()
	tools := media.NewToolkit(cfg.Providers.YtDlpPath, cfg.Providers.FFmpegPath, cfg.Providers.FFprobePath, cfg.Providers.HTTPTimeout)
	catalog := transcribe.NewCatalog(cfg.Providers, tools, provLog)
	orchestrator := transcribe.NewOrchestrator(catalog, log.With().Str("component", "orchestrator").Logger())

	// Finalization signal
	var notifier saga.Notifier = notify.NewLogNotifier(log)
	if len(cfg.KafkaBrokers) > 0 {
		kn := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaFinalizeTopic, log)
		defer kn.Close()
		notifier = notify.Multi{notify.NewLogNotifier(log), kn}
	}

	// Saga and provider workers
	sagaLog := log.With().Str("component", "saga").Logger()
	coordinator := saga.NewCoordinator(saga.Options{
		Engine:    engine,
		Jobs:      db,
		Artifacts: artifacts,
		Notifier:  notifier,
		Prober:    tools,
		Fallback:  orchestrator,
		Config:    cfg.Saga,
		Workers:   cfg.Workflow.SagaWorkers,
		Log:       sagaLog,
	})
	coordinator.Register()
	saga.NewProviderWorker(engine, catalog, artifacts, log.With().Str("component", "provider-worker").Logger()).Register()

	// MQTT: cross-process event bridge and request topic
	var mqttStatus api.ConnectionChecker
	if cfg.MQTTBrokerURL != "" {
		prefix := strings.TrimRight(cfg.MQTTTopicPrefix, "/")
		mqttLog := log.With().Str("component", "mqtt").Logger()
		mqtt, err := mqttclient.Connect(mqttclient.Options{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Topics:    mqttclient.Topics(prefix),
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			Log:       mqttLog,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer mqtt.Close()
		mqttStatus = mqtt

		bridge := workflow.NewBridge(engine, mqtt, prefix, mqttLog)
		mqtt.Handle(bridge.TopicPrefix(), bridge.HandleMessage)
		requests := ingest.NewRequestHandler(coordinator, mqtt, prefix+"/requests/rejected", cfg.Saga.AllowPaidDefault, log)
		mqtt.Handle(prefix+"/requests", requests.HandleMessage)
	} else {
		log.Info().Msg("MQTT_BROKER_URL not set, running single-process")
	}

	prometheus.MustRegister(metrics.NewCollector(db.Pool, engine))

	engine.Start()
	if _, err := engine.Resume(ctx); err != nil {
		wfLog.Error().Err(err).Msg("failed to resume active runs")
	}

	// Drop directory
	if cfg.InboxDir != "" {
		watcher := ingest.NewFileWatcher(cfg.InboxDir, coordinator, cfg.Saga.AllowPaidDefault, log)
		if err := watcher.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start inbox watcher")
		}
		defer watcher.Stop()
	}

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	health := api.NewHealthHandler(api.HealthOptions{
		DB:        db,
		Redis:     redisPing,
		MQTT:      mqttStatus,
		Engine:    engine,
		Version:   version,
		StartTime: startTime,
	})
	jobs := api.NewJobsHandler(coordinator, db, artifacts, cfg.Saga.AllowPaidDefault)
	srv := api.NewServer(cfg, jobs, health, httpLog)

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	engine.Stop()

	log.Info().Msg("scribe-engine stopped")
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	http_handler "eca.monitor/internal/adapters/handler/http"
	"eca.monitor/internal/adapters/handler/mqtt"
	redis_adapter "eca.monitor/internal/adapters/pubsub/redis"
	"eca.monitor/internal/adapters/repository/pg"
	"eca.monitor/internal/adapters/upstream"
	"eca.monitor/internal/config"
	"eca.monitor/internal/core/logger"
	"eca.monitor/internal/core/services"
	"eca.monitor/internal/core/tracing"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Initialize structured logger
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Starting ECA Monitor", "version", "0.1.0", "upstream", cfg.UpstreamURL)

	// Initialize tracing
	var shutdownTracing func(context.Context) error
	if cfg.EnableTracing {
		shutdownTracing, err = tracing.Init(cfg.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("Failed to initialize tracing", "error", err)
		} else {
			logger.Info("Tracing initialized", "endpoint", cfg.OTLPEndpoint)
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					logger.Error("Failed to shutdown tracing", "error", err)
				}
			}()
		}
	}

	// Initialize adapters
	watchRepo, err := pg.NewRepository(cfg.DatabaseURL)
	if err != nil {
		logger.Error("Failed to init postgres", "error", err)
		log.Fatalf("failed to init postgres: %v", err)
	}

	sink, redisClient, err := redis_adapter.NewRedisAdapter(cfg.RedisURL)
	if err != nil {
		logger.Error("Failed to init redis", "error", err)
		log.Fatalf("failed to init redis: %v", err)
	}
	archive := redis_adapter.NewFailureArchive(redisClient)

	source := upstream.NewClient(cfg.UpstreamURL)

	// Initialize domain services
	poller := services.NewPoller(source, sink)
	if cfg.EnableMetrics {
		poller.OnCycle = http_handler.RecordPollCycle
		poller.OnFetchFailure = http_handler.RecordFetchFailure
		poller.OnParse = http_handler.ObserveParseDuration
	}
	watchService := services.NewWatchService(watchRepo, source, archive, poller, cfg.MaxActiveWatches)

	// Get DB instance for health check
	pgRepo := watchRepo.(*pg.Repository)
	db, _ := pgRepo.DB()
	healthService := services.NewHealthService(db, redisClient, source, "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Watch monitor sweeps live sessions and feeds the session gauges
	monitor := services.NewWatchMonitor(watchService)
	if cfg.EnableMetrics {
		monitor.OnStats = func(active, lost int) {
			http_handler.SetActiveSessions(active)
			http_handler.SetConnectionLostSessions(lost)
		}
	}
	go monitor.Start(ctx)
	go monitor.LogAlerts(ctx)

	// Initialize HTTP handlers
	hub := http_handler.NewHub(sink)
	go hub.Run()
	go hub.ProgressConsumer(ctx)

	// Initialize MQTT bridge
	if cfg.EnableMQTT {
		mqttPublisher, err := mqtt.NewPublisher(sink, cfg.MQTTBroker)
		if err != nil {
			logger.Error("Failed to init MQTT publisher", "error", err)
		} else {
			mqttPublisher.Start(ctx)
			logger.Info("MQTT Publisher started", "broker", cfg.MQTTBroker)
		}
	}

	httpServer := http_handler.NewServer(watchService, healthService, archive, hub, cfg.EnableMetrics)

	// Start HTTP Server
	go func() {
		logger.Info("HTTP Server starting", "port", cfg.HTTPPort)
		if err := httpServer.Run(":" + cfg.HTTPPort); err != nil {
			logger.Error("HTTP server failed", "error", err)
			log.Fatalf("failed to serve http: %v", err)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	cancel()
	if shutdownTracing != nil {
		shutdownTracing(context.Background())
	}
}

package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"frameworks/api_rooms/internal/analytics"
	"frameworks/api_rooms/internal/bus"
	"frameworks/api_rooms/internal/dashboard"
	"frameworks/api_rooms/internal/handlers"
	"frameworks/api_rooms/internal/metrics"
	"frameworks/api_rooms/internal/rooms"
	"frameworks/api_rooms/internal/security"
	"frameworks/api_rooms/internal/store"
	"frameworks/api_rooms/internal/websocket"
	"frameworks/api_rooms/pkg/auth"
	"frameworks/api_rooms/pkg/config"
	"frameworks/api_rooms/pkg/geoip"
	"frameworks/api_rooms/pkg/kafka"
	"frameworks/api_rooms/pkg/logging"
	"frameworks/api_rooms/pkg/middleware"
	"frameworks/api_rooms/pkg/models"
	"frameworks/api_rooms/pkg/monitoring"
	"frameworks/api_rooms/pkg/redis"
	"frameworks/api_rooms/pkg/server"
	"frameworks/api_rooms/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("coxswain")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Coxswain (Live Room Core)")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("coxswain", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("coxswain", version.Version, version.GitCommit)
	serviceMetrics := metrics.New(metricsCollector)

	// Connection security governor, optionally geo-enriched
	secCfg := security.DefaultConfig()
	if origins := config.GetEnv("ALLOWED_ORIGINS", ""); origins != "" {
		secCfg.AllowedOrigins = strings.Split(origins, ",")
	}
	secCfg.MaxConnectionsPerIP = config.GetEnvInt("MAX_CONNECTIONS_PER_IP", secCfg.MaxConnectionsPerIP)
	secCfg.MaxPayloadBytes = config.GetEnvInt("MAX_PAYLOAD_BYTES", secCfg.MaxPayloadBytes)
	secCfg.SuspicionThreshold = config.GetEnvInt("SUSPICION_THRESHOLD", secCfg.SuspicionThreshold)

	var geoResolver security.GeoResolver
	geoReader, err := geoip.NewReader(config.GetEnv("GEOIP_DB_PATH", ""))
	if err != nil {
		logger.WithError(err).Warn("Failed to open GeoIP database, audit entries will not carry countries")
	} else if geoReader != nil {
		defer geoReader.Close()
		geoResolver = geoReader
		logger.WithField("provider", geoReader.GetProvider()).Info("GeoIP enabled")
	}

	governor := security.New(secCfg, logger, geoResolver)
	governor.Denials = serviceMetrics.SecurityDenials

	// Event bus
	eventBus := bus.New(bus.Config{
		MaxHistoryPerStream: config.GetEnvInt("EVENT_HISTORY_PER_STREAM", bus.DefaultConfig().MaxHistoryPerStream),
		EventsPublished:     serviceMetrics.EventsPublished,
	}, logger)

	// WebSocket hub with JWT session identity
	jwtSecret := []byte(config.RequireEnv("JWT_SECRET"))
	resolveIdentity := func(r *http.Request) websocket.Identity {
		claims, err := auth.SessionClaims(r, jwtSecret)
		if err != nil {
			return websocket.Identity{}
		}
		return websocket.Identity{UserID: claims.UserID, Role: claims.Role}
	}

	hub := websocket.NewHub(governor, resolveIdentity, logger)
	go hub.Run()
	metrics.RegisterSessionGauge(metricsCollector, hub.SessionCount)

	// Room broadcast layer, optionally mirrored across nodes over Redis
	roomMgr := rooms.NewManager(eventBus, hub, rooms.Config{
		TeardownDelay: config.GetEnvDuration("ROOM_TEARDOWN_DELAY", rooms.DefaultConfig().TeardownDelay),
	}, logger)

	if redisURL := config.GetEnv("REDIS_URL", ""); redisURL != "" {
		redisClient, err := redis.NewClientFromURL(ctx, redisURL)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisClient.Close()

		bridge := rooms.NewRedisBridge(redisClient, logger)
		roomMgr.WithBridge(bridge)
		go func() {
			if err := bridge.Run(ctx, roomMgr); err != nil {
				logger.WithError(err).Error("Room bridge stopped")
			}
		}()
		logger.Info("Cross-node room mirroring enabled")
	}

	// Dashboard manager
	dashMgr := dashboard.NewManager(eventBus, hub, dashboard.Config{
		SummaryInterval: config.GetEnvDuration("DASHBOARD_SUMMARY_INTERVAL", dashboard.DefaultConfig().SummaryInterval),
	}, logger)

	// Analytics storage: Postgres when configured, in-memory otherwise
	var analyticsStore store.Store
	if dbURL := config.GetEnv("DATABASE_URL", ""); dbURL != "" {
		pgCfg := store.DefaultPostgresConfig()
		pgCfg.URL = dbURL
		db, err := store.ConnectPostgres(pgCfg, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Postgres")
		}
		defer db.Close()
		analyticsStore = store.NewPostgresStore(db)
		healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	} else {
		logger.Warn("DATABASE_URL not set, analytics are held in memory only")
		analyticsStore = store.NewMemoryStore()
	}

	// Aggregation engine
	engineCfg := analytics.DefaultConfig()
	engineCfg.SnapshotsIngested = serviceMetrics.SnapshotsIngested
	engineCfg.QualityDetected = serviceMetrics.QualityDetected
	engine := analytics.New(analyticsStore, eventBus, engineCfg, logger)

	if chAddr := config.GetEnv("CLICKHOUSE_ADDR", ""); chAddr != "" {
		sink, err := store.ConnectClickHouse(
			chAddr,
			config.GetEnv("CLICKHOUSE_DATABASE", "analytics"),
			config.GetEnv("CLICKHOUSE_USERNAME", "default"),
			config.GetEnv("CLICKHOUSE_PASSWORD", ""),
			logger,
		)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		engine.WithSink(sink)
		healthChecker.AddCheck("clickhouse", monitoring.ClickHouseNativeHealthCheck(sink.Conn()))
	}

	if brokers := config.GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		producer, err := kafka.NewProducer(strings.Split(brokers, ","), config.GetEnv("KAFKA_SOURCE", "coxswain"), logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize Kafka producer")
		}
		defer producer.Close()
		engine.WithFirehose(producer)
		healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(producer.GetClient()))
	}

	// Feed the engine from the bus
	ingestTimeout := config.GetEnvDuration("INGEST_TIMEOUT", 10*time.Second)
	eventBus.Subscribe(string(models.EventStatsUpdated), func(ev models.StreamEvent) {
		if ev.Stats == nil {
			return
		}
		ictx, icancel := context.WithTimeout(ctx, ingestTimeout)
		defer icancel()
		if err := engine.IngestStats(ictx, ev.StreamID, *ev.Stats); err != nil {
			logger.WithError(err).WithField("stream_id", ev.StreamID).Error("Failed to ingest telemetry snapshot")
		}
	})
	eventBus.Subscribe(string(models.EventViewerJoined), func(ev models.StreamEvent) {
		if ev.ViewerJoined == nil {
			return
		}
		ictx, icancel := context.WithTimeout(ctx, ingestTimeout)
		defer icancel()
		if err := engine.IngestViewerEvent(ictx, ev.StreamID, ev.ViewerJoined.SessionID, ev.Type, ev.ViewerJoined.Viewer); err != nil {
			logger.WithError(err).WithField("stream_id", ev.StreamID).Warn("Failed to record viewer join")
		}
	})
	eventBus.Subscribe(string(models.EventViewerLeft), func(ev models.StreamEvent) {
		if ev.ViewerLeft == nil {
			return
		}
		ictx, icancel := context.WithTimeout(ctx, ingestTimeout)
		defer icancel()
		if err := engine.IngestViewerEvent(ictx, ev.StreamID, ev.ViewerLeft.SessionID, ev.Type, ev.ViewerLeft.Viewer); err != nil {
			logger.WithError(err).WithField("stream_id", ev.StreamID).Warn("Failed to record viewer leave")
		}
	})
	eventBus.Subscribe(string(models.EventStreamDeleted), func(ev models.StreamEvent) {
		engine.ForgetStream(ev.StreamID)
	})
	eventBus.Subscribe(string(models.EventChatMessage), func(ev models.StreamEvent) {
		if ev.Chat == nil {
			return
		}
		ictx, icancel := context.WithTimeout(ctx, ingestTimeout)
		defer icancel()
		if err := engine.RecordChatMessage(ictx, ev.StreamID, ev.Chat.SessionID); err != nil {
			logger.WithError(err).WithField("stream_id", ev.StreamID).Warn("Failed to record chat message")
		}
	})

	// Periodic retention pass
	cleanupInterval := config.GetEnvDuration("ANALYTICS_CLEANUP_INTERVAL", time.Hour)
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := engine.RunCleanup(ctx); err != nil {
					logger.WithError(err).Error("Retention cleanup failed")
				}
			}
		}
	}()

	serviceToken := config.RequireEnv("SERVICE_TOKEN")

	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"JWT_SECRET":    string(jwtSecret),
		"SERVICE_TOKEN": serviceToken,
	}))

	// HTTP surface
	roomHandlers := handlers.NewRoomHandlers(eventBus, governor, roomMgr, dashMgr, engine, hub, logger)

	router := server.SetupServiceRouter(logger, "coxswain", healthChecker, metricsCollector)
	router.Use(middleware.BodyLimitMiddleware(int64(secCfg.MaxPayloadBytes)))
	roomHandlers.RegisterRoutes(router, auth.ServiceAuthMiddleware(serviceToken))

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("coxswain", "18015")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}

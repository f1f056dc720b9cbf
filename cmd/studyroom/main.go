package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"studyroom/internal/core/domain"
	"studyroom/internal/core/ports"
	"studyroom/internal/core/services"
	httphandlers "studyroom/internal/handlers/http"
	"studyroom/internal/infrastructure/distributed"
	"studyroom/internal/infrastructure/middleware"
	"studyroom/internal/infrastructure/monitoring"
	"studyroom/internal/infrastructure/repositories"
	wsserver "studyroom/internal/infrastructure/signal"
	"studyroom/pkg/clock"
	"studyroom/pkg/config"
	dlease "studyroom/pkg/distributed"
	"studyroom/pkg/logger"
	"studyroom/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	startTime := time.Now()

	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	if p := os.Getenv("STUDYROOM_CONFIG"); p != "" {
		*configPath = p
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("failed to load config", "path", *configPath, "error", err)
	}

	zapLogger, err := newLogger(cfg)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("failed to build logger", "error", err)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "studyroom",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	store := repositories.Open(cfg, log)
	roomRepo, userRepo := store.Rooms, store.Users
	sessionRepo, messageRepo := store.Sessions, store.Messages

	var metrics ports.MetricsRecorder = ports.NopMetrics{}
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	clk := clock.Real{}
	tiers := tierTable(cfg)

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, userRepo, clk)

	wsServer := wsserver.NewWebSocketServer(authService, websocketConfig(cfg), metrics, log)

	instanceID := uuid.NewString()

	var notifier ports.Notifier
	var leaser ports.Leaser
	if client := store.Redis(); client != nil {
		notifier = distributed.NewRedisNotifier(client, cfg.Notifications.Channel, instanceID, log)
		leaser = dlease.NewLeaser(client, "studyroom:lease:", instanceID)
	} else {
		notifier = distributed.NewLogNotifier(log)
	}

	badges := distributed.NewProgressPublisher(userRepo, notifier)
	membership := services.NewMembershipService(roomRepo, userRepo, sessionRepo, badges, tiers, clk, metrics, log)
	timers := services.NewTimerService(clk, wsServer, metrics, log)
	quota := services.NewQuotaService(userRepo, membership, wsServer, notifier, tiers, clk, cfg.Quota.CheckInterval, metrics, log)
	relay := services.NewRelayService(roomRepo, userRepo, wsServer, clk, metrics, log)
	chat := services.NewChatService(messageRepo, userRepo, wsServer, clk, log)

	coordinator := services.NewCoordinator(
		membership,
		timers,
		quota,
		relay,
		chat,
		wsServer,
		notifier,
		iceServers(cfg),
		clk,
		metrics,
		log,
	)
	wsServer.SetHandler(coordinator)

	expiry := services.NewExpiryScheduler(roomRepo, wsServer, coordinator, clk, cfg.Expiry.SweepInterval, log)
	streaks := services.NewStreakService(userRepo, clk, log)
	if leaser != nil {
		expiry.UseLeaser(leaser)
		streaks.UseLeaser(leaser)
	}
	expiry.Start()
	streaks.Start()

	health := monitoring.NewHealthChecker()
	health.AddRedisCheck(store.Redis(), 2*time.Second)
	health.AddRepositoryCheck(roomRepo, 2*time.Second)

	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLogger(logger.NewContextLogger(zapLogger)),
		middleware.NewHTTPRateLimitMiddleware(cfg, clk),
		middleware.ErrorHandlerMiddleware(log),
	)

	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"connections": wsServer.ConnectionCount(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		status := health.CheckAll(ctx)
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
		log.Infow("prometheus metrics enabled", "path", cfg.Monitoring.MetricsPath)
	}

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(authService))
	httphandlers.NewRoomHandler(membership, coordinator).SetupRoutes(api)

	admin := api.Group("/admin")
	admin.Use(middleware.AdminOnly())
	httphandlers.NewAdminHandler(membership, coordinator, streaks).SetupRoutes(admin)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting studyroom server", "address", cfg.Server.Address, "backend", store.Backend(), "instance_id", instanceID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	expiry.Stop()
	streaks.Stop()
	wsServer.Shutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	if err := store.Close(); err != nil {
		log.Errorw("error closing repositories", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer provider", "error", err)
	}

	log.Info("studyroom server stopped")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Logging.Format == "console" {
		return logger.NewDevelopment(), nil
	}
	return logger.New(cfg.Logging.Level)
}

func tierTable(cfg *config.Config) services.TierTable {
	tiers := services.DefaultTierTable()

	free := tiers[domain.TierFree]
	free.DailyStudyMinutes = cfg.Quota.FreeDailyMinutes
	free.RoomsPerDay = cfg.Quota.FreeRoomsPerDay
	free.RoomDuration = cfg.Quota.FreeRoomDuration
	free.WarningBeforeKick = cfg.Quota.WarningBeforeKick
	tiers[domain.TierFree] = free

	monthly := tiers[domain.TierMonthly]
	monthly.RoomsPerDay = cfg.Quota.MonthlyRoomsPerDay
	tiers[domain.TierMonthly] = monthly

	return tiers
}

func websocketConfig(cfg *config.Config) wsserver.Config {
	wsCfg := wsserver.Config{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendBufferSize: cfg.Signal.SendBufferSize,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		wsCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		wsCfg.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	if wsCfg.MaxMessageSize <= 0 {
		wsCfg.MaxMessageSize = wsserver.DefaultConfig().MaxMessageSize
	}
	return wsCfg
}

func iceServers(cfg *config.Config) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.Signal.ICEServers))
	for _, s := range cfg.Signal.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(servers) == 0 {
		servers = append(servers, webrtc.ICEServer{URLs: []string{"stun:stun.l.google.com:19302"}})
	}
	return servers
}

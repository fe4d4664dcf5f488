package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"carelink-backend/internal/config"
	"carelink-backend/internal/database"
	callHandler "carelink-backend/internal/handler/http/call"
	pushHandler "carelink-backend/internal/handler/http/push"
	recordingHandler "carelink-backend/internal/handler/http/recording"
	wsHandler "carelink-backend/internal/handler/ws"
	"carelink-backend/internal/middleware"
	"carelink-backend/internal/notify"
	"carelink-backend/internal/pubsub"
	"carelink-backend/internal/registry"
	pgRepo "carelink-backend/internal/repository/postgres"
	redisRepo "carelink-backend/internal/repository/redis"
	callService "carelink-backend/internal/service/call"
	qualityService "carelink-backend/internal/service/quality"
	recordingService "carelink-backend/internal/service/recording"
	signalingService "carelink-backend/internal/service/signaling"
	"carelink-backend/internal/storage"
	"carelink-backend/pkg/constants"
	"carelink-backend/pkg/jwt"
	"carelink-backend/pkg/logger"
	"carelink-backend/pkg/metrics"
	"carelink-backend/pkg/push"
)

func main() {
	logger.InitDefault()
	defer logger.Sync()

	ctx := context.Background()
	cfg := config.Load()

	// 1. JWT manager
	if cfg.JWTSecret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}
	if len(cfg.JWTSecret) < 32 {
		logger.Fatal("JWT_SECRET must be at least 32 characters")
	}
	jwtManager := jwt.NewJWTManager(cfg.JWTSecret, constants.AccessTokenExpiry)

	// 2. Postgres with exponential backoff retry
	db := connectPostgres(ctx, cfg)
	defer db.Close()

	callRepo := pgRepo.NewCallRepository(db.Pool)
	participantRepo := pgRepo.NewParticipantRepository(db.Pool)
	recordingRepo := pgRepo.NewRecordingRepository(db.Pool)

	// 3. Redis
	redisClient, err := database.NewRedis(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Connected to Redis")

	presenceRepo := redisRepo.NewPresenceRepository(redisClient)
	pushTokenRepo := redisRepo.NewPushTokenRepository(redisClient)

	// 4. Pub/sub bus
	var bus pubsub.Bus
	switch cfg.BusBackend {
	case "memory":
		if cfg.IsProduction() {
			logger.Warn("BUS_BACKEND=memory limits event delivery to a single instance")
		}
		bus = pubsub.NewMemoryBus()
	default:
		bus = pubsub.NewRedisBus(redisClient)
	}
	notifier := notify.New(bus)

	// 5. Push notifications
	pushProvider, err := push.NewProviderFromEnv()
	if err != nil {
		logger.Fatal("Failed to initialize push provider", zap.Error(err))
	}
	if _, isMock := pushProvider.(*push.MockProvider); isMock && cfg.IsProduction() {
		logger.Fatal("Mock push provider is not allowed in production")
	}
	pushSvc := push.NewService(pushProvider, pushTokenRepo)

	// 6. Blob storage for recording media
	blobStore, err := storage.NewMinioStore(ctx, &cfg.Minio)
	if err != nil {
		logger.Fatal("Failed to initialize blob storage", zap.Error(err))
	}
	logger.Info("Connected to MinIO", zap.String("bucket", cfg.Minio.Bucket))

	// 7. Metrics
	appMetrics := metrics.NewMetrics("call-service")
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 8. Services
	callSvc := callService.NewService(callRepo, participantRepo, presenceRepo, pushSvc, notifier, appMetrics, callService.Config{
		RingTimeout:          cfg.RingTimeout,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	defer callSvc.Close()

	signalingRouter := signalingService.NewRouter(callRepo, notifier, appMetrics)

	qualityMonitor := qualityService.NewMonitor(callRepo, callRepo, participantRepo, notifier, appMetrics, qualityService.Config{
		PollInterval:         cfg.QualityPollInterval,
		PacketLossWarningPct: cfg.PacketLossWarningPct,
		LatencyWarningMs:     cfg.LatencyWarningMs,
	})
	defer qualityMonitor.Close()

	recordingSvc := recordingService.NewService(callRepo, recordingRepo, blobStore, notifier, recordingService.Config{
		RequireAllConsent: cfg.RecordingRequireAllConsent,
	})

	// 9. Handlers
	callHdlr := callHandler.NewHandler(callSvc, qualityMonitor, recordingSvc)
	recordingHdlr := recordingHandler.NewHandler(recordingSvc)
	pushHdlr := pushHandler.NewHandler(pushSvc)

	reg := registry.New()
	hub := wsHandler.NewHub(reg, bus, callSvc, signalingRouter, qualityMonitor, presenceRepo, appMetrics)

	// 10. Router
	router := gin.New()
	router.SetTrustedProxies(nil)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(prometheusMiddleware.Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "call-service",
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler())

	revocationChecker := middleware.NewRedisRevocationChecker(redisClient)
	auth := middleware.AuthMiddleware(jwtManager, revocationChecker)

	v1 := router.Group("/v1", auth)
	{
		calls := v1.Group("/calls")
		{
			calls.POST("", callHdlr.Initiate)
			calls.GET("", callHdlr.List)
			calls.GET("/:id", callHdlr.Get)
			calls.POST("/:id/ring", callHdlr.Ring)
			calls.POST("/:id/answer", callHdlr.Answer)
			calls.POST("/:id/end", callHdlr.End)
			calls.POST("/:id/cancel", callHdlr.Cancel)
			calls.POST("/:id/missed", callHdlr.Missed)
			calls.POST("/:id/failed", callHdlr.Fail)
			calls.GET("/:id/statistics", callHdlr.Statistics)
			calls.PATCH("/:id/quality", callHdlr.ReportQuality)

			calls.POST("/:id/recordings", recordingHdlr.Start)
			calls.GET("/:id/recordings", recordingHdlr.ListByCall)

			// WebSocket endpoint for signaling and call events
			calls.GET("/ws", hub.ServeWS)
		}

		recordings := v1.Group("/recordings")
		{
			recordings.GET("/:id", recordingHdlr.Get)
			recordings.POST("/:id/stop", recordingHdlr.Stop)
			recordings.POST("/:id/media", recordingHdlr.AttachMedia)
			recordings.GET("/:id/media-url", recordingHdlr.MediaURL)
		}

		tokens := v1.Group("/push/tokens")
		{
			tokens.POST("", pushHdlr.RegisterToken)
			tokens.DELETE("", pushHdlr.UnregisterToken)
		}
	}

	// 11. Serve with graceful shutdown
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Call service starting",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down call service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}

// connectPostgres dials Postgres with exponential backoff. The service cannot
// run without its call store, so exhausting the retries is fatal.
func connectPostgres(ctx context.Context, cfg *config.Config) *database.Postgres {
	const maxRetries = 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	var db *database.Postgres
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		db, err = database.NewPostgres(ctx, &cfg.Postgres)
		if err == nil {
			logger.Info("Connected to Postgres",
				zap.String("host", cfg.Postgres.Host),
				zap.Int("attempt", attempt))
			return db
		}

		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("Postgres connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		time.Sleep(delay)
	}

	logger.Fatal("Failed to connect to Postgres",
		zap.Int("attempts", maxRetries),
		zap.Error(err))
	return nil
}

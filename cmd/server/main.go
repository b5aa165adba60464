package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/wanderlust/booking-backend/internal/cache"
	"github.com/wanderlust/booking-backend/internal/config"
	"github.com/wanderlust/booking-backend/internal/database"
	"github.com/wanderlust/booking-backend/internal/events"
	"github.com/wanderlust/booking-backend/internal/handlers"
	"github.com/wanderlust/booking-backend/internal/middleware"
	"github.com/wanderlust/booking-backend/internal/models"
	"github.com/wanderlust/booking-backend/internal/services"
	"github.com/wanderlust/booking-backend/pkg/gateway"
	"github.com/wanderlust/booking-backend/pkg/jwt"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	logger.Info("Starting Wanderlust Booking Backend")
	logger.Infof("Version: %s, Build Time: %s", version, buildTime)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	logLevel, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logger.Warn("Invalid log level, using INFO")
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Database
	logger.Info("Connecting to database...")
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Database connection established")

	if cfg.Database.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := database.InitSchema(ctx, db); err != nil {
			cancel()
			logger.Fatalf("Failed to initialize schema: %v", err)
		}
		cancel()
		logger.Info("✓ Database schema ready")
	}

	// Redis (client handoff signals)
	redisClient := cache.NewRedisClient(cfg.Redis)
	defer redisClient.Close()
	handoffStore := cache.NewHandoffStore(redisClient, cfg.Reconciliation.HandoffHeartbeatTTL, cfg.Reconciliation.HandoffMaxWatch)

	// Kafka (booking outcome events)
	var publisher services.OutcomePublisher
	var producer *events.Producer
	if cfg.Kafka.PublishEvents {
		producer = events.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.BookingTopic, logger)
		publisher = producer
		logger.WithField("topic", cfg.Kafka.BookingTopic).Info("✓ Booking outcome events enabled")
	}

	// Payment gateway
	rootCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	gatewayClient := gateway.NewClient(gateway.Config{
		BaseURL:            cfg.Payment.BaseURL,
		ClientID:           cfg.Payment.ClientID,
		ClientSecret:       cfg.Payment.ClientSecret,
		MerchantKey:        cfg.Payment.MerchantKey,
		ReturnURL:          cfg.Payment.ReturnURL,
		WebhookURL:         cfg.Payment.WebhookURL,
		RequestTimeout:     cfg.Payment.RequestTimeout,
		TokenRefreshMargin: cfg.Payment.TokenRefreshMargin,
		MaxRetries:         cfg.Payment.MaxRetries,
		RetryBaseDelay:     cfg.Payment.RetryBaseDelay,
	}, logger)
	go gatewayClient.StartTokenRefresher(rootCtx)
	signer := gateway.NewSigner(cfg.Payment.MerchantKey, cfg.Payment.WebhookSecret)

	// Repositories
	ledgerRepo := database.NewLedgerRepository(db, logger)
	tourRepo := database.NewTourRepository(db)
	auditRepo := database.NewPaymentAuditRepository(db, logger)

	// Services
	reconcileConfig := services.DefaultReconciliationConfig()
	reconcileConfig.SweepStaleAfter = cfg.Reconciliation.SweepStaleAfter
	reconcileConfig.SweepBatchSize = cfg.Reconciliation.SweepBatchSize
	reconciliationService := services.NewReconciliationService(ledgerRepo, auditRepo, gatewayClient, signer, publisher, reconcileConfig, logger)

	handoffWatcher := services.NewHandoffWatcher(ledgerRepo, handoffStore, reconciliationService, services.HandoffWatcherConfig{
		PollInterval: cfg.Reconciliation.HandoffPollInterval,
		MaxWatch:     cfg.Reconciliation.HandoffMaxWatch,
		MaxWatchers:  cfg.Reconciliation.HandoffMaxWatchers,
	}, logger)

	bookingConfig := services.DefaultBookingServiceConfig()
	bookingConfig.ConfirmationPolicy = models.ConfirmationPolicy(cfg.Booking.ConfirmationPolicy)
	bookingConfig.PhoneCountryCode = cfg.Booking.PhoneCountryCode
	bookingService := services.NewBookingService(ledgerRepo, tourRepo, tourRepo, gatewayClient, reconciliationService, handoffWatcher, bookingConfig, logger)

	cronService := services.NewCronService(reconciliationService, cfg.Reconciliation.SweepSchedule, logger)
	if err := cronService.Start(); err != nil {
		logger.Fatalf("Failed to start cron service: %v", err)
	}
	logger.Info("✓ Cron service started - stale payment sweep enabled")

	jwtService := jwt.NewService(cfg.JWT.Secret, cfg.JWT.Issuer)

	// Handlers
	bookingHandler := handlers.NewBookingHandler(bookingService, handoffStore, logger)
	paymentHandler := handlers.NewPaymentHandler(reconciliationService, auditRepo, cronService, cfg.Payment.FrontendResultURL, logger)
	healthHandler := handlers.NewHealthHandler(version, db, handlers.PingFunc(func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	}))

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", healthHandler.Health)

	v1 := router.Group("/api/v1")
	{
		// Gateway callbacks are authenticated by signature, not by user token
		paymentHandler.RegisterRoutes(v1.Group("/payments"))

		bookings := v1.Group("/bookings")
		bookings.Use(middleware.AuthMiddleware(jwtService, logger))
		bookingHandler.RegisterRoutes(bookings)

		admin := v1.Group("/admin")
		admin.Use(middleware.AuthMiddleware(jwtService, logger))
		admin.Use(middleware.RequireRole(jwt.RoleAdmin))
		paymentHandler.RegisterAdminRoutes(admin)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	logger.Info("Stopping cron service...")
	cronService.Stop()

	logger.WithField("active", handoffWatcher.Active()).Info("Stopping handoff watchers...")
	if err := handoffWatcher.Stop(ctx); err != nil {
		logger.WithError(err).Warn("Handoff watchers did not stop in time")
	}

	stopBackground()

	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.WithError(err).Error("Failed to close Kafka producer")
		}
	}

	logger.Info("Server exited successfully")
}

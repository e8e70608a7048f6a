package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relief-inventory-api/internal/config"
	"relief-inventory-api/internal/events"
	"relief-inventory-api/internal/handlers"
	"relief-inventory-api/internal/logging"
	"relief-inventory-api/internal/middleware"
	"relief-inventory-api/internal/services"
	"relief-inventory-api/internal/storage"
	"relief-inventory-api/internal/telemetry"

	"go.uber.org/zap"
)

func main() {
	issueToken := flag.String("issue-token", "", "print a bearer token for this subject and exit")
	tokenRole := flag.String("token-role", middleware.RoleOperator, "role claim for -issue-token (operator or admin)")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of the token printed by -issue-token")
	flag.Parse()

	// Load configuration from .env file, the optional TOML file and environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	authenticator := middleware.NewAuthenticator(middleware.AuthConfig{
		APIKeys:      cfg.APIKeyList(),
		AdminAPIKeys: cfg.AdminAPIKeyList(),
		JWTSecret:    cfg.JWTSecret,
	})

	if *issueToken != "" {
		token, err := authenticator.IssueToken(*issueToken, *tokenRole, *tokenTTL)
		if err != nil {
			zap.L().Fatal("Failed to issue token", zap.Error(err))
		}
		fmt.Println(token)
		return
	}

	if err := run(cfg, authenticator); err != nil {
		zap.L().Error("Server exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, authenticator *middleware.Authenticator) error {
	zap.L().Info("Starting Relief Inventory API",
		zap.String("version", "1.0.0"),
		zap.String("environment", cfg.Environment),
		zap.String("storage_backend", cfg.StorageBackend),
		zap.String("config_file", cfg.ConfigFile))

	ctx := context.Background()

	// Initialize OpenTelemetry telemetry system
	otelTelemetry, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		MeterName: telemetry.MeterName,
		Exporter:  cfg.MetricsExporter,
		Addr:      cfg.MetricsAddr,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	apiTelemetry := telemetry.NewLedgerTelemetry()
	if err := apiTelemetry.InitializeTelemetry(otelTelemetry.Meter()); err != nil {
		return fmt.Errorf("initializing API telemetry: %w", err)
	}

	store, err := storage.Open(ctx, storage.Options{
		Backend:         cfg.StorageBackend,
		DataPath:        cfg.DataPath,
		SQLitePath:      cfg.SQLitePath,
		MongoURI:        cfg.MongoURI,
		MongoDatabase:   cfg.MongoDatabase,
		MongoCollection: cfg.MongoCollection,
	})
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.StorageBackend, err)
	}

	eventQueue, err := events.NewEventQueue(events.EventQueueConfig{
		FilePath:  cfg.EventsFilePath,
		MaxEvents: cfg.MaxEvents(),
	})
	if err != nil {
		return fmt.Errorf("initializing event queue: %w", err)
	}

	ledgerService := services.NewLedgerService(store, services.Options{
		WorkerCount:                cfg.WorkerCount(),
		QueueBufferSize:            cfg.QueueBufferSize(),
		MaxRetries:                 cfg.MaxRetries(),
		IdempotencyTTL:             cfg.IdempotencyTTL(),
		IdempotencyCleanupInterval: cfg.IdempotencyCleanupInterval(),
		LockCompactionInterval:     cfg.LockCompactionIntervalDuration(),
		Events:                     eventQueue,
		Recorder:                   apiTelemetry,
	})

	var rateLimiter *middleware.RateLimiter
	if rateLimitConfig := middleware.ParseRateLimitConfig(cfg); rateLimitConfig.Enabled {
		rateLimiter = middleware.NewRateLimiter(rateLimitConfig)
	} else {
		zap.L().Info("Rate limiting middleware disabled")
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		LedgerService: ledgerService,
		EventQueue:    eventQueue,
		Authenticator: authenticator,
		RateLimiter:   rateLimiter,
		Telemetry:     apiTelemetry,
		Store:         store,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		zap.L().Info("Server ready to accept connections", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		zap.L().Info("Shutting down server...", zap.String("signal", sig.String()))
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeoutDuration())
	defer cancel()

	// Stop accepting requests, then drain the workers before closing what they write to
	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("Server forced to shutdown", zap.Error(err))
	}
	ledgerService.Stop()
	if rateLimiter != nil {
		rateLimiter.Stop()
	}
	if err := eventQueue.Close(); err != nil {
		zap.L().Error("Error closing event queue", zap.Error(err))
	}
	if err := store.Close(shutdownCtx); err != nil {
		zap.L().Error("Error closing store", zap.Error(err))
	}
	if err := otelTelemetry.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("Error shutting down telemetry", zap.Error(err))
	}

	zap.L().Info("Server exited")
	return runErr
}

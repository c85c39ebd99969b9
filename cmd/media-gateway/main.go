package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mediacdn/engine/internal/common/config"
	"github.com/mediacdn/engine/internal/common/logger"
	"github.com/mediacdn/engine/internal/common/metricsserver"
	"github.com/mediacdn/engine/internal/common/redis"
	"github.com/mediacdn/engine/internal/edge/admission"
	"github.com/mediacdn/engine/internal/edge/background"
	"github.com/mediacdn/engine/internal/edge/cleanup"
	"github.com/mediacdn/engine/internal/edge/fetch"
	"github.com/mediacdn/engine/internal/edge/metrics"
	"github.com/mediacdn/engine/internal/edge/proxy"
	"github.com/mediacdn/engine/internal/edge/registry"
	"github.com/mediacdn/engine/internal/edge/stats"
	"github.com/mediacdn/engine/internal/edge/store"
	"github.com/mediacdn/engine/internal/edge/usage"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("c", "configs/media-gateway.yaml", "path to configuration file")
	flag.Parse()

	initialLogger, err := logger.NewDefaultLogger()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	initialLogger.Info("Starting Media Gateway",
		zap.String("config_path", *configPath),
		zap.String("version", version))

	configManager, err := config.NewManager(*configPath, initialLogger.Logger)
	if err != nil {
		initialLogger.Fatal("Failed to load configuration", zap.Error(err))
	}
	cfg := configManager.GetConfig()

	dynamicLogger, err := logger.NewLoggerWithStartupOverride(cfg.Log)
	if err != nil {
		initialLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}
	defer dynamicLogger.Sync()
	appLogger := dynamicLogger.Logger

	// Tenant registry (optional; required for registered mode, which the
	// config validator already enforced)
	var domainRegistry *registry.Registry
	if cfg.Registry.Enabled {
		redisClient, err := redis.NewClient(&cfg.Registry.Redis, appLogger)
		if err != nil {
			appLogger.Fatal("Failed to connect to registry Redis", zap.Error(err))
		}
		defer redisClient.Close()
		domainRegistry = registry.New(redisClient, cfg.Registry.KeyPrefix, appLogger)
		appLogger.Info("Tenant registry connected",
			zap.String("addr", cfg.Registry.Redis.Addr))
	}

	objectStore, err := store.NewFilesystemStore(
		cfg.Storage.BasePath,
		cfg.Storage.Compression,
		int64(cfg.Storage.CompressionThreshold),
		appLogger,
	)
	if err != nil {
		appLogger.Fatal("Failed to initialize object store", zap.Error(err))
	}

	// admission.New tolerates a nil registry; passing the typed nil
	// directly would hide behind a non-nil interface
	var registryLookup admission.RegistryLookup
	if domainRegistry != nil {
		registryLookup = domainRegistry
	}
	admissionValidator := admission.New(
		cfg.Origin.Mode,
		cfg.Origin.Allowed,
		cfg.Origin.Blocked,
		registryLookup,
		appLogger,
	)

	fetcher := fetch.NewFetcher(
		cfg.Origin.UserAgent,
		time.Duration(cfg.Origin.FetchTimeout),
		cfg.Origin.ForwardClientIP,
		appLogger,
	)

	// Billing store (optional); without it the aggregator discards usage
	var billingStore usage.BillingStore
	if cfg.Billing.Enabled {
		mysqlStore, err := usage.NewMySQLBillingStore(cfg.Billing.DSN, appLogger)
		if err != nil {
			appLogger.Fatal("Failed to connect to billing store", zap.Error(err))
		}
		defer mysqlStore.Close()
		billingStore = mysqlStore
		appLogger.Info("Billing store connected")
	}

	aggregator, err := usage.NewAggregator(
		cfg.Usage.WALPath,
		billingStore,
		time.Duration(cfg.Billing.FlushInterval),
		appLogger,
	)
	if err != nil {
		appLogger.Fatal("Failed to initialize usage aggregator", zap.Error(err))
	}
	aggregator.Start()

	metricsCollector := metrics.NewPrometheusMetrics(cfg.Metrics.Namespace, appLogger)
	metricsServer, err := metricsserver.StartMetricsServer(
		cfg.Metrics.Enabled,
		cfg.Metrics.Listen,
		cfg.Metrics.Path,
		metricsCollector,
		appLogger,
	)
	if err != nil {
		appLogger.Fatal("Failed to start metrics server", zap.Error(err))
	}

	cleanupWorker := cleanup.NewWorker(
		&cfg.Storage.Cleanup,
		cfg.Storage.BasePath,
		objectStore,
		appLogger,
		cleanup.NewMetrics(cfg.Metrics.Namespace, appLogger),
	)
	cleanupWorker.Start()

	statsCollector := stats.NewCollector(version, prometheus.DefaultGatherer, appLogger)
	backgroundRegistry := background.NewRegistry(appLogger)

	srv := proxy.NewServer(
		configManager,
		objectStore,
		fetcher,
		admissionValidator,
		aggregator,
		metricsCollector,
		statsCollector,
		backgroundRegistry,
		version,
		appLogger,
	)

	serverErrors := make(chan error, 1)
	go func() {
		if err := srv.Start(cfg.Server.Listen); err != nil {
			serverErrors <- err
		}
	}()

	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-serverErrors:
		appLogger.Fatal("Server failed to start", zap.Error(err))
	default:
	}

	appLogger.Info("Media Gateway started",
		zap.String("listen", cfg.Server.Listen),
		zap.String("origin_mode", cfg.Origin.Mode),
		zap.String("storage", cfg.Storage.BasePath))

	dynamicLogger.SwitchToConfiguredLevel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		dynamicLogger.EnsureInfoLevelForShutdown()
		appLogger.Info("Shutting down Media Gateway...")
	case err := <-serverErrors:
		dynamicLogger.EnsureInfoLevelForShutdown()
		appLogger.Error("Server failed, initiating shutdown", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server shutdown error", zap.Error(err))
	}

	// In-flight cache writes and usage records finish before the final
	// usage flush so nothing recorded is lost.
	if err := backgroundRegistry.Wait(shutdownCtx); err != nil {
		appLogger.Warn("Background tasks did not drain in time", zap.Error(err))
	}

	cleanupWorker.Shutdown()

	if err := aggregator.Stop(shutdownCtx); err != nil {
		appLogger.Error("Usage aggregator shutdown error", zap.Error(err))
	}

	if metricsServer != nil {
		if err := metricsServer.ShutdownWithContext(shutdownCtx); err != nil {
			appLogger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	appLogger.Info("Media Gateway stopped")
}

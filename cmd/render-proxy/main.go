package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acorn1010/render/internal/cache"
	"github.com/acorn1010/render/internal/common/config"
	logutil "github.com/acorn1010/render/internal/common/logger"
	"github.com/acorn1010/render/internal/common/metricsserver"
	"github.com/acorn1010/render/internal/common/redis"
	"github.com/acorn1010/render/internal/lock"
	"github.com/acorn1010/render/internal/metrics"
	"github.com/acorn1010/render/internal/orchestrator"
	"github.com/acorn1010/render/internal/refetch"
	"github.com/acorn1010/render/internal/render/chrome"
	"github.com/acorn1010/render/internal/server"
	"github.com/acorn1010/render/internal/tenant"
)

func main() {
	configPath := flag.String("c", "configs/render-proxy.yaml", "Path to render-proxy configuration file")
	flag.Parse()

	initialLogger, err := logutil.NewDefaultLogger()
	if err != nil {
		panic(err)
	}

	cfg, err := config.LoadProxyConfig(*configPath, initialLogger.Logger)
	if err != nil {
		initialLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// INFO during startup even if a quieter level is configured
	dynamicLogger, err := logutil.NewLoggerWithStartupOverride(cfg.Log)
	if err != nil {
		initialLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}
	logger := dynamicLogger.Logger

	hostname, _ := os.Hostname()
	ownerID := cfg.ProxyID + "/" + hostname + "/" + uuid.NewString()

	logger.Info("Render proxy starting",
		zap.String("proxy_id", cfg.ProxyID),
		zap.String("owner_id", ownerID),
		zap.String("listen", cfg.Server.Listen))

	redisClient, err := redis.NewClient(&cfg.Redis, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()

	metricsCollector := metrics.New(cfg.Metrics.Namespace, logger)
	metricsServer, err := metricsserver.Start(cfg.Metrics, metricsCollector, logger)
	if err != nil {
		logger.Fatal("Failed to start metrics server", zap.Error(err))
	}

	cacheStore, err := cache.NewStore(redisClient, cfg.Cache, logger)
	if err != nil {
		logger.Fatal("Failed to create cache store", zap.Error(err))
	}
	tenantStore, err := tenant.NewStore(redisClient, logger)
	if err != nil {
		logger.Fatal("Failed to create tenant store", zap.Error(err))
	}
	lockService, err := lock.NewService(redisClient, cfg.Lock, ownerID, logger)
	if err != nil {
		logger.Fatal("Failed to create lock service", zap.Error(err))
	}

	chromeConfig := chrome.NewConfig(cfg.Chrome)
	if err := chromeConfig.Validate(); err != nil {
		logger.Fatal("Invalid Chrome configuration", zap.Error(err))
	}
	fetcher := chrome.NewHTTPFetcher(
		cfg.Chrome.FetchTimeout.ToDuration(),
		cfg.Chrome.FetchMaxRedirects,
		cfg.Server.AllowPrivateTargets,
		logger)

	pool, err := chrome.NewPool(chromeConfig, chrome.NewLauncher(chromeConfig, logger), fetcher, logger,
		chrome.WithMetrics(metricsCollector))
	if err != nil {
		logger.Fatal("Failed to create browser pool", zap.Error(err))
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := pool.Start(startCtx); err != nil {
		startCancel()
		logger.Fatal("Failed to start browser pool", zap.Error(err))
	}
	startCancel()

	orch, err := orchestrator.New(orchestrator.Config{
		AllowPrivateTargets: cfg.Server.AllowPrivateTargets,
		WriteTimeout:        cfg.Cache.WriteTimeout.ToDuration(),
	}, pool, cacheStore, tenantStore, logger, orchestrator.WithMetrics(metricsCollector))
	if err != nil {
		logger.Fatal("Failed to create orchestrator", zap.Error(err))
	}

	var refetcher *refetch.Refetcher
	if cfg.Refetch.Enabled {
		refetcher, err = refetch.New(cfg.Refetch, pool, cacheStore, lockService, orch, tenantStore, logger,
			refetch.WithMetrics(metricsCollector))
		if err != nil {
			logger.Fatal("Failed to create refetcher", zap.Error(err))
		}
		refetcher.Start(context.Background())
	} else {
		logger.Info("Background refetch disabled")
	}

	httpServer, err := server.NewServer(cfg.Server, orch, cacheStore, tenantStore, pool, metricsCollector, logger).Start()
	if err != nil {
		logger.Fatal("Failed to start HTTP server", zap.Error(err))
	}

	logger.Info("Render proxy ready",
		zap.String("proxy_id", cfg.ProxyID),
		zap.Int("capacity", pool.Capacity()))

	dynamicLogger.SwitchToConfiguredLevel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	dynamicLogger.EnsureInfoLevelForShutdown()
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	// Refetcher first so it stops taking capacity from in-flight requests
	if refetcher != nil {
		refetcher.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	orch.Wait()

	if err := pool.Shutdown(chromeConfig.ShutdownTimeout); err != nil {
		logger.Error("Browser pool shutdown error", zap.Error(err))
	}

	if metricsServer != nil {
		if err := metricsServer.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	logger.Info("Render proxy stopped")
}

// Package main runs sqlpoold: it opens the configured SQL Server pools,
// bounds them across instances through Redis, and serves health and
// Prometheus endpoints until it receives a shutdown signal.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/joao-brasil/sqlpool/internal/config"
	"github.com/joao-brasil/sqlpool/internal/coordinator"
	"github.com/joao-brasil/sqlpool/internal/health"
	"github.com/joao-brasil/sqlpool/pkg/sqlpool"
)

var configPath = flag.String("config", "configs/sqlpoold.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("sqlpoold failed", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	return zc.Build()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting sqlpoold", zap.Int("pools", len(cfg.Pools)))

	// ─── Metrics ─────────────────────────────────────────────────────
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.ListenAddr, cfg.Server.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	// ─── Slot coordinator ────────────────────────────────────────────
	var (
		rdb redis.UniversalClient
		rc  *coordinator.RedisCoordinator
	)
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		defer rdb.Close()

		var err error
		rc, err = coordinator.New(ctx, rdb, coordinator.Options{
			InstanceID:        cfg.Server.InstanceID,
			Fallback:          cfg.Fallback.Enabled,
			LocalLimitDivisor: cfg.Fallback.LocalLimitDivisor,
			Logger:            logger,
		})
		if err != nil {
			return fmt.Errorf("initializing coordinator: %w", err)
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := rc.Close(shutCtx); err != nil {
				logger.Warn("coordinator close error", zap.Error(err))
			}
		}()
		if rc.IsFallback() {
			logger.Warn("coordinator started in fallback mode")
		}
		coordinator.NewHeartbeat(rc, cfg.Redis.HeartbeatInterval, cfg.Redis.HeartbeatTTL).Start(ctx)
	}

	// ─── Pools ───────────────────────────────────────────────────────
	instanceID := cfg.Server.InstanceID
	if rc != nil {
		instanceID = rc.InstanceID()
	}
	opts := []health.Option{health.WithLogger(logger)}
	if rdb != nil {
		opts = append(opts, health.WithRedis(rdb))
	}
	checker := health.NewChecker(instanceID, opts...)

	for i := range cfg.Pools {
		pc := &cfg.Pools[i]
		b, err := pc.Builder()
		if err != nil {
			return fmt.Errorf("pool %s: %w", pc.Name, err)
		}
		b.Logger(logger)

		if rc != nil {
			global := pc.GlobalMaxSize
			if global == 0 {
				global = b.Config().MaxSize
			}
			if err := rc.Register(ctx, pc.Name, global); err != nil {
				return fmt.Errorf("pool %s: %w", pc.Name, err)
			}
			b.SlotLimiter(rc.Limiter(pc.Name))
		}

		p, err := b.CreatePool()
		if err != nil {
			return fmt.Errorf("pool %s: %w", pc.Name, err)
		}
		defer p.Close()
		checker.AddPool(pc.Name, p)
	}

	// ─── Health ──────────────────────────────────────────────────────
	healthServer := checker.Serve(fmt.Sprintf("%s:%d", cfg.Server.ListenAddr, cfg.Server.HealthCheckPort))
	go healthLoop(ctx, checker, cfg.Server.HealthCheckInterval, logger)

	logger.Info("sqlpoold ready, waiting for shutdown signal")
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown error", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", zap.Error(err))
	}
	return nil
}

// healthLoop logs the health report periodically; it also keeps the pools'
// connections validated while traffic is low.
func healthLoop(ctx context.Context, checker *health.Checker, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		logReport(checker.Check(ctx), logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func logReport(report *health.Report, logger *zap.Logger) {
	for _, comp := range report.Components {
		fields := []zap.Field{
			zap.String("name", comp.Name),
			zap.String("status", string(comp.Status)),
			zap.String("message", comp.Message),
			zap.String("latency", comp.Latency),
		}
		if comp.Status == health.StatusUnhealthy {
			logger.Warn("component unhealthy", fields...)
		} else {
			logger.Debug("component healthy", fields...)
		}
	}
}

var _ sqlpool.SlotLimiter = (*coordinator.Limiter)(nil)

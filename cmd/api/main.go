// Package main is the entry point for the creditmeter API server.
//
// The server exposes the credit reservation engine over HTTP:
// balance reads, reserve/settle/cancel, streaming usage tracking,
// and the sweeper admin surface. It runs with:
//
// - Graceful shutdown on SIGTERM/SIGINT
// - Health and readiness endpoints for load balancers
// - Prometheus metrics endpoint
// - Structured logging with log levels
//
// Lifecycle:
// 1. Load configuration (yaml file + env overrides)
// 2. Connect PostgreSQL, optionally Redis
// 3. Wire ledger, reservation manager, stream tracker, sweeper
// 4. Start the HTTP server and the background sweeper
// 5. Wait for shutdown signal, drain, clean up
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/scottdaly/creditmeter/internal/api"
	"github.com/scottdaly/creditmeter/internal/config"
	"github.com/scottdaly/creditmeter/internal/estimator"
	"github.com/scottdaly/creditmeter/internal/ledger"
	"github.com/scottdaly/creditmeter/internal/metrics"
	"github.com/scottdaly/creditmeter/internal/reservation"
	"github.com/scottdaly/creditmeter/internal/store/postgres"
	"github.com/scottdaly/creditmeter/internal/streaming"
	"github.com/scottdaly/creditmeter/internal/sweeper"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().
		Str("environment", cfg.Environment).
		Str("listen_addr", cfg.ListenAddr).
		Msg("starting creditmeter api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	st, err := postgres.Open(ctx, cfg.PostgresURL)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgresql")
	}
	defer st.Close()
	logger.Info().Msg("connected to postgresql")

	// Redis is a read cache only. When unreachable the server runs
	// degraded with every balance read hitting PostgreSQL.
	var cache *ledger.Cache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DialTimeout:  100 * time.Millisecond,
			ReadTimeout:  50 * time.Millisecond,
			WriteTimeout: 50 * time.Millisecond,
			PoolSize:     100,
			MinIdleConns: 25,
		})
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).
				Msg("redis unreachable, running without balance cache")
		} else {
			cache = ledger.NewCache(rdb, cfg.CacheTTL(), logger)
			logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
		}
		pingCancel()
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	ldgr := ledger.New(st, cache, ledger.Config{CreditFloor: cfg.Floor()}, logger, m)

	mgr := reservation.New(st, ldgr, reservation.Config{
		DefaultTTL: cfg.ReservationTTL(),
	}, logger, m)

	pricing := buildPricing(cfg)
	tracker := streaming.New(mgr, estimator.NewHeuristic(), pricing, streaming.Config{
		BufferMultiplier: cfg.BufferMultiplier,
		WarnRatio:        cfg.ApproachingLimitRatio,
	}, logger, m)

	sw := sweeper.New(mgr, tracker, ldgr, sweeper.Config{
		Interval:          cfg.SweepInterval(),
		BatchSize:         cfg.SweepBatchSize,
		TrackerStaleAfter: cfg.TrackerStaleAfter(),
	}, logger, m)
	sw.Start()
	defer sw.Stop()

	// Pre-populate the balance cache so the first reads after startup
	// avoid a thundering herd on PostgreSQL.
	warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := ldgr.WarmCache(warmCtx, 1000); err != nil {
		logger.Warn().Err(err).Msg("balance cache warm-up failed")
	}
	warmCancel()

	svc := api.NewService(ldgr, mgr, tracker, sw, logger)
	handler := api.NewHandler(svc, st, logger)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("http server stopped")

	logger.Info().Msg("shutdown complete")
}

// setupLogger creates a structured logger. Development gets pretty console
// output, production gets JSON.
func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var logger zerolog.Logger
	if environment == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			Level(level).
			With().
			Timestamp().
			Str("service", "creditmeter-api").
			Str("environment", environment).
			Logger()
	}

	return logger
}

// buildPricing converts configured model prices into the pricing table,
// falling back to defaults for unconfigured models.
func buildPricing(cfg *config.Config) *estimator.Pricing {
	if len(cfg.Pricing) == 0 {
		return estimator.DefaultPricing()
	}
	prices := make([]estimator.ModelPrice, 0, len(cfg.Pricing))
	for _, p := range cfg.Pricing {
		prices = append(prices, estimator.ModelPrice{
			Model:            p.Model,
			InputPerMillion:  decimal.NewFromFloat(p.InputPerMillion),
			OutputPerMillion: decimal.NewFromFloat(p.OutputPerMillion),
		})
	}
	return estimator.NewPricing(prices, estimator.ModelPrice{
		InputPerMillion:  decimal.NewFromInt(5),
		OutputPerMillion: decimal.NewFromInt(15),
	})
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"hypernode-facilitator/internal/api"
	"hypernode-facilitator/internal/config"
	"hypernode-facilitator/internal/escrow"
	"hypernode-facilitator/internal/events"
	"hypernode-facilitator/internal/facilitator"
	"hypernode-facilitator/internal/ledger"
	"hypernode-facilitator/internal/logging"
	"hypernode-facilitator/internal/models"
	"hypernode-facilitator/internal/oracle"
	"hypernode-facilitator/internal/queue"
	"hypernode-facilitator/internal/ratelimit"
	"hypernode-facilitator/internal/store"
	"hypernode-facilitator/internal/telemetry"
	"hypernode-facilitator/internal/verify"
)

func main() {
	cfg, err := config.Load()
	logger := logging.New("facilitator", cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations")
	}

	led, err := ledger.Open(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("open ledger")
	}
	defer led.Close()

	attestations, err := oracle.NewVerifier(cfg.OraclePublicKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("oracle public key")
	}

	bus := events.NewBus()
	defer bus.Close()
	bus.OnDrop(func(models.SettlementEvent) { telemetry.DroppedEvents.Inc() })

	machine := escrow.New(escrow.Deps{
		Repo:         st,
		Backend:      store.NewCustody(st),
		Ledger:       led,
		Verifier:     verify.New(led, cfg.AssetID),
		Attestations: attestations,
		Events:       bus,
		Logger:       logger,
	}, escrow.Config{
		OracleIdentity: cfg.OraclePublicKey,
		BackendTimeout: cfg.BackendTimeout,
	})

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	fac := facilitator.New(facilitator.Deps{
		Settlement:   machine,
		Ledger:       led,
		Attestations: st,
		Queue:        queue.NewRedisQueue(rdb, cfg),
		Audit:        st,
		Nonces:       ledger.NewRedisNonces(rdb),
		Limiter:      ratelimit.NewTokenBucket(rdb, "ratelimit:authorize:", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour),
		Logger:       logger,
	}, facilitator.Config{
		AssetID:     cfg.AssetID,
		MaxAttempts: cfg.MaxAttempts,
		SweepBatch:  cfg.SweepBatch,
	}).WithDropCounter(bus.Dropped)

	sub, unsubscribe := bus.Subscribe(cfg.EventBuffer)
	defer unsubscribe()
	go fac.ConsumeEvents(ctx, sub)
	go fac.RunSweeper(ctx, cfg.SweepInterval)

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(fac, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().Str("port", cfg.HTTPPort).Str("ledger", cfg.LedgerBackend).Str("asset", cfg.AssetID).Msg("facilitator listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("listen")
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("shutdown")
	}
}

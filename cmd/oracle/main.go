package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"hypernode-facilitator/internal/config"
	"hypernode-facilitator/internal/escrow"
	"hypernode-facilitator/internal/events"
	"hypernode-facilitator/internal/evidence"
	"hypernode-facilitator/internal/intent"
	"hypernode-facilitator/internal/ledger"
	"hypernode-facilitator/internal/logging"
	"hypernode-facilitator/internal/models"
	"hypernode-facilitator/internal/oracle"
	"hypernode-facilitator/internal/queue"
	"hypernode-facilitator/internal/store"
	"hypernode-facilitator/internal/telemetry"
	"hypernode-facilitator/internal/verify"
	"hypernode-facilitator/internal/worker"
)

func main() {
	cfg, err := config.Load()
	logger := logging.New("oracle", cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	key, err := intent.KeyPairFromHex(cfg.OraclePrivateKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("ORACLE_PRIVATE_KEY")
	}
	if key.Identity() != cfg.OraclePublicKey {
		logger.Fatal().Str("configured", cfg.OraclePublicKey).Str("derived", key.Identity()).Msg("oracle key pair mismatch")
	}
	policy, err := oracle.LoadPolicy(cfg.OraclePolicyFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("load policy")
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

	attestations, err := oracle.NewVerifier(key.Identity())
	if err != nil {
		logger.Fatal().Err(err).Msg("oracle verifier")
	}
	// Settlements happen in this process, so its own bus feeds the audit log.
	bus := events.NewBus()
	defer bus.Close()
	bus.OnDrop(func(models.SettlementEvent) { telemetry.DroppedEvents.Inc() })
	sub, unsubscribe := bus.Subscribe(cfg.EventBuffer)
	defer unsubscribe()
	go events.Consume(ctx, sub, st, logger)

	machine := escrow.New(escrow.Deps{
		Repo:         st,
		Backend:      store.NewCustody(st),
		Ledger:       led,
		Verifier:     verify.New(led, cfg.AssetID),
		Attestations: attestations,
		Events:       bus,
		Logger:       logger,
	}, escrow.Config{
		OracleIdentity: key.Identity(),
		BackendTimeout: cfg.BackendTimeout,
	})

	archive, err := evidence.Open(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("open evidence archive")
	}

	o := oracle.New(
		oracle.NewEvaluator(st, policy),
		oracle.NewSigner(key, oracle.DefaultAttestationTTL),
		machine,
		archive,
		logger,
	)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	processor := worker.NewProcessor(cfg, queue.NewRedisQueue(rdb, cfg), st, o, logger)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	logger.Info().
		Str("identity", o.Identity()).
		Float64("threshold", policy.Threshold).
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("backoff_initial", cfg.BackoffInitial).
		Msg("oracle started")
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("oracle stopped")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
}

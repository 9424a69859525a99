package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/studioglow/conversion-relay/internal/capi"
	"github.com/studioglow/conversion-relay/internal/config"
	"github.com/studioglow/conversion-relay/internal/dedup"
	"github.com/studioglow/conversion-relay/internal/httpserver"
	"github.com/studioglow/conversion-relay/internal/keyspace"
	"github.com/studioglow/conversion-relay/internal/kvstore"
	"github.com/studioglow/conversion-relay/internal/logging"
	"github.com/studioglow/conversion-relay/internal/pipeline"
	"github.com/studioglow/conversion-relay/internal/ratelimit"
	"github.com/studioglow/conversion-relay/internal/retry"
	"github.com/studioglow/conversion-relay/internal/store"
)

// main boots the service: config → shared store → pipeline → HTTP server,
// with the retry drain loop running alongside the server.
func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("config")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	kv, err := kvstore.NewRESTStore(cfg.KVRestURL, cfg.KVRestToken)
	if err != nil {
		logging.Fatal().Err(err).Msg("key-value store")
	}

	ks, err := keyspace.New(cfg.Namespace)
	if err != nil {
		logging.Fatal().Err(err).Msg("keyspace")
	}

	deduper := dedup.New(kv, ks, cfg.DedupTTL)
	limiter := ratelimit.New(kv, ks)

	dispatcher := capi.New(capi.Config{
		Endpoint:      cfg.CAPIEndpoint,
		PixelID:       cfg.PixelID,
		AccessToken:   cfg.AccessToken,
		TestEventCode: cfg.TestEventCode,
		Timeout:       cfg.DispatchTimeout,
	}, deduper)

	// Dead-letter archive is optional; the KV store keeps dead letters
	// either way.
	var archive retry.Archive
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresArchive(cfg.DatabaseURL)
		if err != nil {
			logging.Fatal().Err(err).Msg("dead-letter archive")
		}
		defer pg.Close()
		if err := pg.EnsureSchema(); err != nil {
			logging.Fatal().Err(err).Msg("dead-letter schema")
		}
		archive = pg
	}

	queue := retry.New(kv, ks, retry.Config{
		MaxAttempts:        cfg.RetryMaxAttempts,
		BaseDelay:          cfg.RetryBaseDelay,
		MaxDelay:           cfg.RetryMaxDelay,
		Staleness:          cfg.RetryStaleness,
		Batch:              cfg.DrainBatch,
		DispatchRateWindow: cfg.DispatchRateWindow,
		DispatchRateMax:    cfg.DispatchRateMax,
	}, dispatcher, limiter, archive)

	// Every producer writing to the shared store must resolve to one
	// canonical namespace. Divergence here has silently broken dedup
	// before, so it aborts boot instead of warning.
	if err := keyspace.Validate(cfg.Namespace, deduper.KeyPrefix(), limiter.KeyPrefix(), queue.KeyPrefix()); err != nil {
		logging.Fatal().Err(err).Msg("keyspace validation")
	}

	pipe := pipeline.New(pipeline.Config{
		IngestRateMax:    cfg.IngestRateMax,
		IngestRateWindow: cfg.IngestRateWindow,
		DispatchTimeout:  cfg.DispatchTimeout,
		TestEventCode:    cfg.TestEventCode,
	}, limiter, dispatcher, queue)

	router := httpserver.NewRouter(cfg, kv, pipe, queue)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go retry.RunDrainLoop(ctx, queue, cfg.DrainInterval)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		logging.Info().Str("addr", cfg.ListenAddr).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal().Err(err).Msg("server")
		}
	}()

	<-ctx.Done()
	logging.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("shutdown")
	}
}

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/studioglow/conversion-relay/internal/capi"
	"github.com/studioglow/conversion-relay/internal/config"
	"github.com/studioglow/conversion-relay/internal/dedup"
	"github.com/studioglow/conversion-relay/internal/keyspace"
	"github.com/studioglow/conversion-relay/internal/kvstore"
	"github.com/studioglow/conversion-relay/internal/logging"
	"github.com/studioglow/conversion-relay/internal/ratelimit"
	"github.com/studioglow/conversion-relay/internal/retry"
	"github.com/studioglow/conversion-relay/internal/store"
)

// main runs only the retry drain loop, for deployments that separate the
// ingest instances from the background worker. Safe to run alongside the
// in-process loop of cmd/api: the per-item claim prevents double-processing.
func main() {
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

	if err := keyspace.Validate(cfg.Namespace, deduper.KeyPrefix(), limiter.KeyPrefix(), queue.KeyPrefix()); err != nil {
		logging.Fatal().Err(err).Msg("keyspace validation")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Msg("retry worker started")
	retry.RunDrainLoop(ctx, queue, cfg.DrainInterval)
	logging.Info().Msg("retry worker stopped")
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/studioglow/conversion-relay/internal/keyspace"
)

// Config contains runtime configuration required by the pipeline.
type Config struct {
	ListenAddr string

	// Shared key-value store (REST access only).
	KVRestURL   string
	KVRestToken string
	Namespace   string

	// Outbound Conversions API.
	CAPIEndpoint    string
	PixelID         string
	AccessToken     string
	TestEventCode   string
	DispatchTimeout time.Duration

	// Deduplication.
	DedupTTL time.Duration

	// Rate limiting: inbound requests per client and outbound dispatches
	// (first attempts and retries share the dispatch budget).
	IngestRateMax      int
	IngestRateWindow   time.Duration
	DispatchRateMax    int
	DispatchRateWindow time.Duration

	// Retry queue.
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryStaleness   time.Duration
	DrainInterval    time.Duration
	DrainBatch       int

	// Optional Postgres dead-letter archive. Empty disables the archive.
	DatabaseURL string

	// Admin API keys. API_KEYS format: "name1:key1,name2:key2".
	APIKeys map[string]string

	LogLevel  string
	LogFormat string
}

// Load reads required values from environment variables.
func Load() (Config, error) {
	kvURL := strings.TrimSpace(os.Getenv("KV_REST_URL"))
	if kvURL == "" {
		return Config{}, errors.New("KV_REST_URL required")
	}
	kvToken := strings.TrimSpace(os.Getenv("KV_REST_TOKEN"))
	if kvToken == "" {
		return Config{}, errors.New("KV_REST_TOKEN required")
	}

	pixelID := strings.TrimSpace(os.Getenv("CAPI_PIXEL_ID"))
	if pixelID == "" {
		return Config{}, errors.New("CAPI_PIXEL_ID required")
	}
	accessToken := strings.TrimSpace(os.Getenv("CAPI_ACCESS_TOKEN"))
	if accessToken == "" {
		return Config{}, errors.New("CAPI_ACCESS_TOKEN required")
	}

	namespace := strings.TrimSpace(os.Getenv("KV_NAMESPACE"))
	if namespace == "" {
		namespace = keyspace.DefaultNamespace
	}
	if _, err := keyspace.New(namespace); err != nil {
		return Config{}, err
	}

	apiKeys, err := parseAPIKeys(os.Getenv("API_KEYS"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:  envString("LISTEN_ADDR", ":8080"),
		KVRestURL:   kvURL,
		KVRestToken: kvToken,
		Namespace:   namespace,

		CAPIEndpoint:  envString("CAPI_ENDPOINT", "https://graph.facebook.com/v19.0"),
		PixelID:       pixelID,
		AccessToken:   accessToken,
		TestEventCode: strings.TrimSpace(os.Getenv("CAPI_TEST_EVENT_CODE")),

		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		APIKeys:     apiKeys,

		LogLevel:  envString("LOG_LEVEL", "info"),
		LogFormat: envString("LOG_FORMAT", "json"),
	}

	cfg.DispatchTimeout, err = envDuration("CAPI_TIMEOUT", 3*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.DedupTTL, err = envDuration("DEDUP_TTL", time.Hour)
	if err != nil {
		return Config{}, err
	}
	cfg.IngestRateWindow, err = envDuration("RATE_LIMIT_INGEST_WINDOW", time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg.DispatchRateWindow, err = envDuration("RATE_LIMIT_DISPATCH_WINDOW", time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryBaseDelay, err = envDuration("RETRY_BASE_DELAY", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryMaxDelay, err = envDuration("RETRY_MAX_DELAY", 15*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryStaleness, err = envDuration("RETRY_STALENESS", 6*time.Hour)
	if err != nil {
		return Config{}, err
	}
	cfg.DrainInterval, err = envDuration("RETRY_DRAIN_INTERVAL", time.Minute)
	if err != nil {
		return Config{}, err
	}

	cfg.IngestRateMax, err = envInt("RATE_LIMIT_INGEST_MAX", 60)
	if err != nil {
		return Config{}, err
	}
	cfg.DispatchRateMax, err = envInt("RATE_LIMIT_DISPATCH_MAX", 600)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryMaxAttempts, err = envInt("RETRY_MAX_ATTEMPTS", 3)
	if err != nil {
		return Config{}, err
	}
	cfg.DrainBatch, err = envInt("RETRY_DRAIN_BATCH", 25)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// parseAPIKeys parses the "name:key,name:key" format used for the admin
// endpoints. A dev fallback is provided so the service runs out-of-the-box.
func parseAPIKeys(raw string) (map[string]string, error) {
	apiKeys := map[string]string{}
	raw = strings.TrimSpace(raw)
	if raw != "" {
		for _, p := range strings.Split(raw, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			parts := strings.SplitN(p, ":", 2)
			if len(parts) != 2 {
				return nil, errors.New(`API_KEYS must be "name:key,name:key"`)
			}
			name := strings.TrimSpace(parts[0])
			key := strings.TrimSpace(parts[1])
			if name == "" || key == "" {
				return nil, errors.New(`API_KEYS must be "name:key,name:key"`)
			}
			apiKeys[key] = name
		}
	}
	if len(apiKeys) == 0 {
		apiKeys["admin-key-123"] = "admin"
	}
	return apiKeys, nil
}

func envString(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", name, err)
	}
	return n, nil
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 30s or 5m: %w", name, err)
	}
	return d, nil
}

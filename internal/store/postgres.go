package store

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/studioglow/conversion-relay/internal/models"
)

// schemaSQL is embedded so the archive can self-bootstrap its table.
//
//go:embed schema.sql
var schemaSQL string

// PostgresArchive is the durable sink for dead-lettered retry items. The
// key-value store keeps dead letters for a bounded window; this archive keeps
// them until someone inspects and deletes them.
type PostgresArchive struct {
	pool *pgxpool.Pool
}

// NewPostgresArchive creates a connection pool and fails fast if the
// database is unreachable.
func NewPostgresArchive(dbURL string) (*PostgresArchive, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresArchive{pool: pool}, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresArchive) EnsureSchema() error {
	_, err := p.pool.Exec(context.Background(), schemaSQL)
	return err
}

// Ping validates connectivity for the readiness endpoint.
func (p *PostgresArchive) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresArchive) Close() {
	p.pool.Close()
}

// Archive persists a dead-lettered item. Archival is idempotent on item id:
// a drain worker crashing between the KV write and this one may replay it.
func (p *PostgresArchive) Archive(ctx context.Context, item models.RetryItem, reason string) error {
	if item.ID == "" || item.EventID == "" {
		return errors.New("item id and event id required")
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO dead_letters(item_id, event_id, event_name, payload, attempt_count, reason, enqueued_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (item_id) DO NOTHING
	`, item.ID, item.EventID, item.EventName, []byte(item.Payload), item.AttemptCount, reason, item.EnqueuedAt)

	return err
}

// ListRecent returns the most recently archived items for inspection.
func (p *PostgresArchive) ListRecent(ctx context.Context, limit int) ([]models.RetryItem, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := p.pool.Query(ctx, `
		SELECT item_id, event_id, event_name, payload, attempt_count, reason, enqueued_at
		FROM dead_letters
		ORDER BY archived_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.RetryItem
	for rows.Next() {
		var item models.RetryItem
		var payload []byte
		var reason string
		if err := rows.Scan(&item.ID, &item.EventID, &item.EventName, &payload, &item.AttemptCount, &reason, &item.EnqueuedAt); err != nil {
			return nil, err
		}
		item.Payload = payload
		item.LastError = reason
		items = append(items, item)
	}
	return items, rows.Err()
}

// Package database persists scrape metadata to Postgres.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/seya-ai/scraper-service/internal/model"
	"github.com/seya-ai/scraper-service/internal/scraper"
)

const upsertStmtName = "metadata_upsert"

const upsertSQL = `
INSERT INTO metadata (
  url, url_hash, domain, r2_key_raw, r2_key_rendered, r2_snapshot_key, r2_bucket,
  r2_url, content_hash, http_status, response_headers, fetched_at, ttl_expire_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), $12)
ON CONFLICT (url) DO UPDATE SET
  r2_key_raw = EXCLUDED.r2_key_raw,
  r2_key_rendered = EXCLUDED.r2_key_rendered,
  r2_snapshot_key = EXCLUDED.r2_snapshot_key,
  r2_bucket = EXCLUDED.r2_bucket,
  r2_url = EXCLUDED.r2_url,
  content_hash = EXCLUDED.content_hash,
  http_status = EXCLUDED.http_status,
  response_headers = EXCLUDED.response_headers,
  ttl_expire_at = EXCLUDED.ttl_expire_at,
  fetched_at = now()
RETURNING id`

const bootstrapSQL = `
CREATE EXTENSION IF NOT EXISTS pgcrypto;
CREATE TABLE IF NOT EXISTS metadata (
  id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  url TEXT UNIQUE,
  url_hash TEXT,
  domain TEXT,
  r2_key_raw TEXT,
  r2_key_rendered TEXT,
  r2_snapshot_key TEXT,
  r2_bucket TEXT,
  r2_url TEXT,
  content_hash TEXT,
  http_status INT,
  response_headers JSONB,
  fetched_at TIMESTAMPTZ DEFAULT now(),
  rendered_by TEXT,
  rendered_at TIMESTAMPTZ,
  parse_warnings JSONB,
  parsed BOOLEAN DEFAULT FALSE,
  ttl_expire_at TIMESTAMPTZ
)`

// Config carries the connection settings.
type Config struct {
	DSN             string
	MinConns        int32
	MaxConns        int32
	ConnectTimeout  time.Duration
	BootstrapSchema bool
}

func (c *Config) applyDefaults() {
	if c.MinConns == 0 {
		c.MinConns = 1
	}
	if c.MaxConns == 0 {
		c.MaxConns = 4
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

// querier is the slice of the pool the store uses; pgxmock satisfies it.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements scraper.MetadataStore over a pgx pool. Each
// connection prepares the upsert once at connect time; QueryRow then executes
// by statement name. If a connection lost its prepared statement the store
// retries with the full SQL text.
type PostgresStore struct {
	pool   querier
	closer func()
	logger *zap.Logger
}

// New connects the pool and optionally bootstraps the dev schema.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*PostgresStore, error) {
	cfg.applyDefaults()
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if _, err := conn.Prepare(ctx, upsertStmtName, upsertSQL); err != nil {
			return fmt.Errorf("prepare %s: %w", upsertStmtName, err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if cfg.BootstrapSchema {
		if _, err := pool.Exec(ctx, bootstrapSQL); err != nil {
			logger.Warn("schema bootstrap failed, assuming migrations ran", zap.Error(err))
		}
	}
	return &PostgresStore{pool: pool, closer: pool.Close, logger: logger}, nil
}

// newWithQuerier is the test seam.
func newWithQuerier(pool querier, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, closer: func() {}, logger: logger}
}

// Upsert writes the record and returns the row id. The same URL always maps
// to the same row; repeats update it in place.
func (s *PostgresStore) Upsert(ctx context.Context, rec model.MetadataRecord) (string, error) {
	headers, err := json.Marshal(rec.Headers)
	if err != nil {
		return "", fmt.Errorf("marshal response headers: %w", err)
	}

	args := []any{
		rec.URL, rec.URLHash, rec.Domain,
		nullable(rec.RawKey), nullable(rec.RenderedKey), nullable(rec.SnapshotKey),
		rec.Bucket, rec.PublicURL, rec.ContentHash, rec.HTTPStatus,
		headers, rec.TTLExpireAt,
	}

	var id string
	if err := s.pool.QueryRow(ctx, upsertStmtName, args...).Scan(&id); err != nil {
		if !isMissingPreparedStmt(err) {
			return "", fmt.Errorf("upsert metadata: %w", err)
		}
		s.logger.Warn("prepared statement missing, retrying with inline sql", zap.Error(err))
		if err := s.pool.QueryRow(ctx, upsertSQL, args...).Scan(&id); err != nil {
			return "", fmt.Errorf("upsert metadata (inline): %w", err)
		}
	}
	return id, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.closer()
}

// isMissingPreparedStmt matches invalid_sql_statement_name, raised when a
// pooled connection no longer has the statement (for example after a
// pgbouncer handoff).
func isMissingPreparedStmt(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "26000"
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ scraper.MetadataStore = (*PostgresStore)(nil)

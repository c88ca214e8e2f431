// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/hostile-scraper/internal/scrape"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RecordStoreConfig controls the Postgres connection pool used for records.
type RecordStoreConfig struct {
	DSN             string
	Table           string
	TTL             time.Duration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// RecordStore keeps normalized records in a single table keyed by
// (collection, key), with an expiry column enforcing the TTL.
type RecordStore struct {
	pool  pool
	table string
	ttl   time.Duration
	clock scrape.Clock
}

// NewRecordStore creates a Postgres-backed RecordStore using the provided config.
func NewRecordStore(ctx context.Context, cfg RecordStoreConfig, clock scrape.Clock) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("records.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewRecordStoreWithPool(p, cfg.Table, cfg.TTL, clock)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(p pool, table string, ttl time.Duration, clock scrape.Clock) (*RecordStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if table == "" {
		table = "records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RecordStore{pool: p, table: table, ttl: ttl, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the records table when it does not exist.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	collection TEXT NOT NULL,
	key TEXT NOT NULL,
	record JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ,
	PRIMARY KEY (collection, key)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create records table: %w", err)
	}
	return nil
}

// Get loads an unexpired record.
func (s *RecordStore) Get(ctx context.Context, collection, key string) (scrape.Record, bool, error) {
	query := fmt.Sprintf(`
SELECT record FROM %s
WHERE collection = $1 AND key = $2 AND (expires_at IS NULL OR expires_at > $3)`, s.table)

	var raw []byte
	err := s.pool.QueryRow(ctx, query, collection, key, s.clock.Now()).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Record{}, false, nil
	}
	if err != nil {
		return scrape.Record{}, false, fmt.Errorf("select record: %w", err)
	}
	var rec scrape.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return scrape.Record{}, false, fmt.Errorf("decode record: %w", err)
	}
	return rec, true, nil
}

// Put upserts a record and refreshes its expiry.
func (s *RecordStore) Put(ctx context.Context, collection, key string, record scrape.Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	now := s.clock.Now()
	var expires *time.Time
	if s.ttl > 0 {
		at := now.Add(s.ttl)
		expires = &at
	}
	query := fmt.Sprintf(`
INSERT INTO %s (collection, key, record, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (collection, key) DO UPDATE
SET record = EXCLUDED.record, updated_at = EXCLUDED.updated_at, expires_at = EXCLUDED.expires_at`, s.table)

	if _, err := s.pool.Exec(ctx, query, collection, key, payload, now, expires); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// Prune deletes expired rows and returns how many were removed.
func (s *RecordStore) Prune(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("prune records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Package postgres provides a Postgres-backed page cache store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/webtomd/internal/cache"
	"github.com/JakeFAU/webtomd/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PageStoreConfig controls the Postgres connection pool used for cached pages.
type PageStoreConfig struct {
	DSN             string
	Table           string
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

// PageStore implements cache.Store on a single Postgres table.
type PageStore struct {
	pool  pool
	table string
	clock crawler.Clock

	schemaMu      sync.Mutex
	schemaPending atomic.Bool
}

// NewPageStore creates a Postgres-backed PageStore using the provided config.
func NewPageStore(ctx context.Context, cfg PageStoreConfig, clock crawler.Clock) (*PageStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("cache.postgres.dsn is required")
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
	store, err := NewPageStoreWithPool(p, cfg.Table, clock)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewPageStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewPageStoreWithPool(p pool, table string, clock crawler.Clock) (*PageStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = "page_cache"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PageStore{pool: p, table: table, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *PageStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *PageStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the cache table when it does not exist. After a
// failure every later Get, Set and PurgeExpired retries it first.
func (s *PageStore) EnsureSchema(ctx context.Context) error {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	cache_key  TEXT PRIMARY KEY,
	payload    JSONB NOT NULL,
	stored_at  TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_expires_at_idx ON %[1]s (expires_at)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		s.schemaPending.Store(true)
		return fmt.Errorf("create cache table: %w", err)
	}
	s.schemaPending.Store(false)
	return nil
}

func (s *PageStore) pendingSchema(ctx context.Context) error {
	if !s.schemaPending.Load() {
		return nil
	}
	return s.EnsureSchema(ctx)
}

// Get reads an unexpired entry for key.
func (s *PageStore) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	if err := s.pendingSchema(ctx); err != nil {
		return cache.Entry{}, false, err
	}
	query := fmt.Sprintf(`
SELECT payload, stored_at, expires_at
FROM %s
WHERE cache_key = $1 AND expires_at > $2`, s.table)

	var (
		payload []byte
		entry   cache.Entry
	)
	err := s.pool.QueryRow(ctx, query, key, s.now()).Scan(&payload, &entry.StoredAt, &entry.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return cache.Entry{}, false, nil
		}
		return cache.Entry{}, false, fmt.Errorf("select cached page: %w", err)
	}
	if err := json.Unmarshal(payload, &entry.Page); err != nil {
		return cache.Entry{}, false, fmt.Errorf("decode cached page: %w", err)
	}
	return entry, true, nil
}

// Set upserts entry under key; the latest write wins.
func (s *PageStore) Set(ctx context.Context, key string, entry cache.Entry) error {
	if err := s.pendingSchema(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(entry.Page)
	if err != nil {
		return fmt.Errorf("encode cached page: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (cache_key, payload, stored_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (cache_key) DO UPDATE SET
	payload = EXCLUDED.payload,
	stored_at = EXCLUDED.stored_at,
	expires_at = EXCLUDED.expires_at`, s.table)

	if _, err := s.pool.Exec(ctx, query, key, payload, entry.StoredAt, entry.ExpiresAt); err != nil {
		return fmt.Errorf("upsert cached page: %w", err)
	}
	return nil
}

// PurgeExpired deletes expired rows and returns how many were removed.
func (s *PageStore) PurgeExpired(ctx context.Context) (int64, error) {
	if err := s.pendingSchema(ctx); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, s.now())
	if err != nil {
		return 0, fmt.Errorf("purge cached pages: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PageStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

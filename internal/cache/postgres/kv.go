// Package postgres provides a Postgres-backed KeyValueStore.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edgefetch/edgefetch/internal/relay"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for cache rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// KV implements relay.KeyValueStore over a (key, value, expires_at) table.
// Expired rows are filtered on read; a background sweep is left to the
// database (cron or pg_cron) since reads never see stale rows.
type KV struct {
	pool  dbPool
	table string
}

// NewKV connects a Postgres-backed KV using the provided config.
func NewKV(ctx context.Context, cfg Config) (*KV, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("cache.postgres_dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &KV{pool: pool, table: table}, nil
}

// NewKVWithPool constructs a KV from an existing pool (primarily for
// testing).
func NewKVWithPool(pool dbPool, table string) (*KV, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &KV{pool: pool, table: name}, nil
}

// Close releases the underlying pool resources.
func (s *KV) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Get returns the value for key, reporting found=false for missing or
// expired rows.
func (s *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	query := fmt.Sprintf(
		`SELECT value FROM %s WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		s.table,
	)
	var value []byte
	err := s.pool.QueryRow(ctx, query, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select cache row: %w", err)
	}
	return value, true, nil
}

// Put upserts key with the given ttl. ttl <= 0 stores the row without
// expiry.
func (s *KV) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	query := fmt.Sprintf(`
INSERT INTO %s (key, value, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		s.table,
	)
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().UTC().Add(ttl)
		expiresAt = &t
	}
	if _, err := s.pool.Exec(ctx, query, key, value, expiresAt); err != nil {
		return fmt.Errorf("upsert cache row: %w", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *KV) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, key); err != nil {
		return fmt.Errorf("delete cache row: %w", err)
	}
	return nil
}

// List returns up to limit live keys with the given prefix in key order,
// starting after cursor.
func (s *KV) List(ctx context.Context, prefix string, cursor string, limit int) (relay.KeyPage, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := fmt.Sprintf(`
SELECT key FROM %s
WHERE key LIKE $1 AND key > $2 AND (expires_at IS NULL OR expires_at > now())
ORDER BY key
LIMIT $3`,
		s.table,
	)
	rows, err := s.pool.Query(ctx, query, likePrefix(prefix), cursor, limit+1)
	if err != nil {
		return relay.KeyPage{}, fmt.Errorf("list cache keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return relay.KeyPage{}, fmt.Errorf("scan cache key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return relay.KeyPage{}, fmt.Errorf("iterate cache keys: %w", err)
	}

	page := relay.KeyPage{Complete: true}
	if len(keys) > limit {
		keys = keys[:limit]
		page.Cursor = keys[len(keys)-1]
		page.Complete = false
	}
	page.Keys = keys
	return page, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "fetch_cache"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// likePrefix escapes LIKE metacharacters so the prefix matches literally.
func likePrefix(prefix string) string {
	escaped := make([]byte, 0, len(prefix)+4)
	for i := 0; i < len(prefix); i++ {
		switch prefix[i] {
		case '%', '_', '\\':
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, prefix[i])
	}
	return string(escaped) + "%"
}

// Package postgres stores checkpoints as rows keyed by run name.
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

	"github.com/zpx01/video-scraper/internal/checkpoint"
	"github.com/zpx01/video-scraper/internal/media"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for checkpoints.
type Config struct {
	DSN             string
	Table           string
	Name            string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store keeps one row per run name. A save is a single upsert, so the
// previous record stays visible until the new one commits.
//
//	CREATE TABLE checkpoints (
//		name       TEXT PRIMARY KEY,
//		seq        BIGINT NOT NULL,
//		record     JSONB NOT NULL,
//		saved_at   TIMESTAMPTZ NOT NULL
//	);
type Store struct {
	pool  pool
	table string
	name  string
}

var _ checkpoint.Store = (*Store)(nil)

// New connects a pgx pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("checkpoint.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg.Table, cfg.Name)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table, name string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "checkpoints"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if name == "" {
		name = "default"
	}
	return &Store{pool: p, table: table, name: name}, nil
}

// Load implements checkpoint.Store.
func (s *Store) Load(ctx context.Context) (*checkpoint.Record, error) {
	var data []byte
	query := fmt.Sprintf(`SELECT record FROM %s WHERE name = $1`, s.table)
	err := s.pool.QueryRow(ctx, query, s.name).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, media.Fatal("load checkpoint", fmt.Errorf("select checkpoint: %w", err))
	}
	return checkpoint.Decode(data)
}

// Save implements checkpoint.Store. Rows never move backwards: a save
// carrying an older sequence number than the stored one is ignored.
func (s *Store) Save(ctx context.Context, rec *checkpoint.Record) error {
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now().UTC()
	}
	data, err := checkpoint.Encode(rec)
	if err != nil {
		return media.Fatal("save checkpoint", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (name, seq, record, saved_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO UPDATE
SET seq = EXCLUDED.seq, record = EXCLUDED.record, saved_at = EXCLUDED.saved_at
WHERE %s.seq <= EXCLUDED.seq`, s.table, s.table)
	if _, err := s.pool.Exec(ctx, query, s.name, int64(rec.Seq), data, rec.SavedAt); err != nil {
		return media.Fatal("save checkpoint", fmt.Errorf("upsert checkpoint: %w", err))
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping checkpoint database: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

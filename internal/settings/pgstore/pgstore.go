// Package pgstore provides a PostgreSQL-backed [settings.Persister].
//
// Settings blobs are stored as JSONB rows keyed by the store key (usually
// derived from the user id). [Migrate] creates the table on first use.
//
// Usage:
//
//	ps, err := pgstore.New(ctx, dsn)
//	if err != nil { … }
//	defer ps.Close()
//	store := settings.NewStore(settings.NewGuard(ps), settings.WithKey("user:42"))
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxctl/internal/settings"
)

const ddlVoiceSettings = `
CREATE TABLE IF NOT EXISTS voice_settings (
    key         TEXT         PRIMARY KEY,
    blob        JSONB        NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates the voice_settings table if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlVoiceSettings); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

// Store persists settings blobs in PostgreSQL.
//
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn, pings the server and runs [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// NewFromPool wraps an existing pool. The caller owns the pool and must have
// run [Migrate].
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Load implements [settings.Persister].
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx,
		`SELECT blob FROM voice_settings WHERE key = $1`, key,
	).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, settings.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: load %q: %w", key, err)
	}
	return blob, nil
}

// Save implements [settings.Persister].
func (s *Store) Save(ctx context.Context, key string, blob []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO voice_settings (key, blob, updated_at)
		VALUES ($1, $2::jsonb, now())
		ON CONFLICT (key) DO UPDATE
		SET blob = EXCLUDED.blob, updated_at = EXCLUDED.updated_at`,
		key, string(blob),
	)
	if err != nil {
		return fmt.Errorf("pgstore: save %q: %w", key, err)
	}
	return nil
}

// Ping checks connectivity; it doubles as a readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("pgstore: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

var _ settings.Persister = (*Store)(nil)

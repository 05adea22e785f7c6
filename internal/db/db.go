package db

import (
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"

	"inventory-ledger/internal/config"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrationLockKey serializes concurrent migrators (server start, inventoryctl).
const migrationLockKey = 7462839

//go:embed schema.sql
var schemaSQL string

func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable not set")
	}

	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse DATABASE_URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	if cfg.ConnMaxLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return pool, nil
}

// Migrate applies the embedded schema under an advisory lock and records its
// checksum in schema_migrations. Every statement is idempotent so this is safe
// to run on each start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	sum := sha256.Sum256([]byte(schemaSQL))
	checksum := hex.EncodeToString(sum[:])

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockKey); err != nil {
			return fmt.Errorf("failed to acquire migration lock: %w", err)
		}
		if _, err := tx.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO schema_migrations (checksum) VALUES ($1)
			ON CONFLICT (checksum) DO NOTHING`, checksum)
		if err != nil {
			return fmt.Errorf("failed to record schema checksum: %w", err)
		}
		return nil
	})
}

package app

import (
	"context"
	"fmt"
	"time"

	authapi "quill/cmd/internal/auth/api"
	"quill/cmd/profile"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewDBPool builds a pgxpool with the configured limits and validates connectivity.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse QUILL_DATABASE_URL: %w", err)
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// ApplySchema creates the schema with its audit and profile tables if they are missing.
// The audit DDL creates the schema itself, so it runs first.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	steps := []struct{ name, ddl string }{
		{"audit_log", authapi.AuditSchema(schema)},
		{"profiles", profile.Schema(schema)},
	}
	for _, s := range steps {
		if _, err := pool.Exec(ctx, s.ddl); err != nil {
			return fmt.Errorf("apply %s schema: %w", s.name, err)
		}
	}
	return nil
}

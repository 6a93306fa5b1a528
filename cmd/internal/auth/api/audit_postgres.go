package authapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAuditLog stores audit entries in <schema>.audit_log.
type PostgresAuditLog struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresAuditLog constructs a PostgresAuditLog. A blank schema means "quill".
func NewPostgresAuditLog(pool *pgxpool.Pool, schema string) (*PostgresAuditLog, error) {
	if pool == nil {
		return nil, fmt.Errorf("authapi: nil pool")
	}
	if strings.TrimSpace(schema) == "" {
		schema = "quill"
	}
	return &PostgresAuditLog{pool: pool, schema: schema}, nil
}

// AuditSchema returns the DDL for the audit table.
func AuditSchema(schema string) string {
	t := pgx.Identifier{schema, "audit_log"}.Sanitize()
	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %[1]s;
CREATE TABLE IF NOT EXISTS %[2]s (
	id         bigserial PRIMARY KEY,
	action     text        NOT NULL,
	user_id    text,
	ip         inet,
	user_agent text,
	meta       jsonb,
	created_at timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_log_action_ip_created_idx ON %[2]s (action, ip, created_at);
`, pgx.Identifier{schema}.Sanitize(), t)
}

func (s *PostgresAuditLog) table() string {
	return pgx.Identifier{s.schema, "audit_log"}.Sanitize()
}

func (s *PostgresAuditLog) Record(ctx context.Context, e AuditEntry) error {
	var ipVal any
	if e.IP != nil {
		ipVal = e.IP.String()
	}
	var metaVal *string
	if len(e.Meta) > 0 {
		if b, err := json.Marshal(e.Meta); err == nil {
			m := string(b)
			metaVal = &m
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.table()+` (action, user_id, ip, user_agent, meta, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	`, e.Action, nilIfBlank(e.UserID), ipVal, nilIfBlank(e.UserAgent), metaVal, e.At)
	return err
}

func (s *PostgresAuditLog) FailuresSince(ctx context.Context, ip net.IP, since time.Time) ([]time.Time, error) {
	if ip == nil {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT created_at
		FROM `+s.table()+`
		WHERE action = ANY($1)
		  AND ip = $2
		  AND created_at >= $3
		ORDER BY created_at DESC
	`, failureActions, ip.String(), since)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[time.Time])
}

func nilIfBlank(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}

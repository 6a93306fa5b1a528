package profile

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over PostgreSQL.
//
// Notes:
// - The pgx pool is owned by the caller; this store must NOT close it.
// - Schema/table identifiers are quoted to avoid SQL injection via identifiers.
// - Unique violations are mapped to ConflictError by constraint name.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the store (default "quill").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("profile: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("profile: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "quill",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("profile: nil pool")
	}
	return st, nil
}

// Schema is the DDL the store expects, for the given schema name.
// Applied by migrations; tests apply it directly.
func Schema(schema string) string {
	profiles := pgIdent(schema, "profiles")
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  username TEXT NOT NULL,
  username_norm TEXT NOT NULL,
  full_name TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT uq_profiles_username_norm UNIQUE (username_norm),
  CONSTRAINT chk_profiles_username_len CHECK (char_length(username) BETWEEN 3 AND 32)
);
`, profiles)
}

func (s *PostgresStore) UsernameExists(ctx context.Context, username string) (bool, error) {
	const op = "profile.UsernameExists"

	norm := NormalizeUsername(username)
	if norm == "" {
		return false, invalid(op, "empty username")
	}

	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+pgIdent(s.schema, "profiles")+` WHERE username_norm = $1)`,
		norm,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return exists, nil
}

func (s *PostgresStore) Create(ctx context.Context, in CreateInput) (Profile, error) {
	const op = "profile.Create"

	in, err := in.validate(op)
	if err != nil {
		return Profile{}, err
	}
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}

	out := Profile{
		ID:           in.ID,
		Username:     strings.TrimSpace(in.Username),
		UsernameNorm: NormalizeUsername(in.Username),
		FullName:     in.FullName,
		CreatedAt:    in.Now,
		UpdatedAt:    in.Now,
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "profiles")+` (
		     id, username, username_norm, full_name, created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $5)`,
		out.ID, out.Username, out.UsernameNorm, out.FullName, out.CreatedAt,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return Profile{}, ConflictError{Op: op, Field: field}
		}
		return Profile{}, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (Profile, error) {
	const op = "profile.GetByID"

	if strings.TrimSpace(id) == "" {
		return Profile{}, invalid(op, "missing id")
	}

	var p Profile
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, username_norm, full_name, created_at, updated_at
		   FROM `+pgIdent(s.schema, "profiles")+`
		  WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Username, &p.UsernameNorm, &p.FullName, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, OpError{Op: op, Kind: ErrNotFound}
		}
		return Profile{}, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}

func (s *PostgresStore) UpdateFullName(ctx context.Context, id string, fullName *string, now time.Time) (Profile, error) {
	const op = "profile.UpdateFullName"

	if strings.TrimSpace(id) == "" {
		return Profile{}, invalid(op, "missing id")
	}
	fullName = trimPtr(fullName)
	if fullName != nil && len([]rune(*fullName)) > fullNameMaxLen {
		return Profile{}, invalid(op, "full name too long")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var p Profile
	err := s.pool.QueryRow(ctx,
		`UPDATE `+pgIdent(s.schema, "profiles")+`
		    SET full_name = $2, updated_at = $3
		  WHERE id = $1
		RETURNING id, username, username_norm, full_name, created_at, updated_at`,
		id, fullName, now,
	).Scan(&p.ID, &p.Username, &p.UsernameNorm, &p.FullName, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, OpError{Op: op, Kind: ErrNotFound}
		}
		return Profile{}, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	const op = "profile.Delete"

	tag, err := s.pool.Exec(ctx, `DELETE FROM `+pgIdent(s.schema, "profiles")+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return OpError{Op: op, Kind: ErrNotFound}
	}
	return nil
}

// ---- helpers ----

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	// Prefer stable constraint names; fall back to substring matching.
	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))
	switch {
	case c == "uq_profiles_username_norm", strings.Contains(c, "username"):
		return "username", true
	case c == "profiles_pkey":
		return "id", true
	default:
		return "unique", true
	}
}

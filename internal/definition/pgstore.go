package definition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/careflow/model"
)

const definitionsDDL = `
CREATE TABLE IF NOT EXISTS process_definitions (
	id           TEXT        NOT NULL,
	version      INTEGER     NOT NULL,
	checksum     TEXT        NOT NULL,
	document     JSONB       NOT NULL,
	published_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (id, version)
)`

// PgStore is a PostgreSQL-backed definition Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL definition store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema creates the definitions table if it does not exist.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, definitionsDDL); err != nil {
		return fmt.Errorf("create process_definitions: %w", err)
	}
	return nil
}

// Publish implements Store. Version assignment is serialized per id with a
// transaction-scoped advisory lock.
func (s *PgStore) Publish(ctx context.Context, def model.ProcessDefinition) (model.ProcessDefinition, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.ProcessDefinition{}, fmt.Errorf("begin publish: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, def.ID); err != nil {
		return model.ProcessDefinition{}, fmt.Errorf("lock definition id: %w", err)
	}

	if def.Version == 0 {
		var latest int
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM process_definitions WHERE id = $1`, def.ID,
		).Scan(&latest); err != nil {
			return model.ProcessDefinition{}, fmt.Errorf("query latest version: %w", err)
		}
		def.Version = latest + 1
	}
	if def.PublishedAt.IsZero() {
		def.PublishedAt = time.Now().UTC()
	}

	doc, err := json.Marshal(def)
	if err != nil {
		return model.ProcessDefinition{}, fmt.Errorf("marshal definition: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO process_definitions (id, version, checksum, document, published_at)
		VALUES ($1, $2, $3, $4, $5)`,
		def.ID, def.Version, def.Checksum, doc, def.PublishedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.ProcessDefinition{}, model.NewConflictError(
			fmt.Sprintf("definition %s already published", def.Ref()),
		)
	}
	if err != nil {
		return model.ProcessDefinition{}, fmt.Errorf("insert definition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.ProcessDefinition{}, fmt.Errorf("commit publish: %w", err)
	}
	return def, nil
}

// Get implements Store.
func (s *PgStore) Get(ctx context.Context, id string, version int) (model.ProcessDefinition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT document FROM process_definitions WHERE id = $1 AND version = $2`, id, version)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ProcessDefinition{}, model.NewNotFoundError(fmt.Sprintf("definition %s@%d not found", id, version))
	}
	return def, err
}

// Latest implements Store.
func (s *PgStore) Latest(ctx context.Context, id string) (model.ProcessDefinition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT document FROM process_definitions
		WHERE id = $1 ORDER BY version DESC LIMIT 1`, id)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ProcessDefinition{}, model.NewNotFoundError(fmt.Sprintf("definition %q not found", id))
	}
	return def, err
}

// List implements Store.
func (s *PgStore) List(ctx context.Context) ([]model.ProcessDefinition, error) {
	return s.query(ctx, `
		SELECT DISTINCT ON (id) document FROM process_definitions
		ORDER BY id, version DESC`)
}

// Versions implements Store.
func (s *PgStore) Versions(ctx context.Context, id string) ([]model.ProcessDefinition, error) {
	defs, err := s.query(ctx, `
		SELECT document FROM process_definitions
		WHERE id = $1 ORDER BY version ASC`, id)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, model.NewNotFoundError(fmt.Sprintf("definition %q not found", id))
	}
	return defs, nil
}

func (s *PgStore) query(ctx context.Context, query string, args ...any) ([]model.ProcessDefinition, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query definitions: %w", err)
	}
	defer rows.Close()

	var defs []model.ProcessDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func scanDefinition(row pgx.Row) (model.ProcessDefinition, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ProcessDefinition{}, err
		}
		return model.ProcessDefinition{}, fmt.Errorf("scan definition: %w", err)
	}
	var def model.ProcessDefinition
	if err := json.Unmarshal(doc, &def); err != nil {
		return model.ProcessDefinition{}, fmt.Errorf("unmarshal definition: %w", err)
	}
	return def, nil
}

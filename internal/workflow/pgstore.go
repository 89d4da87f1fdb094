package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/careflow/model"
)

const instancesDDL = `
CREATE TABLE IF NOT EXISTS workflow_instances (
	id                 TEXT        PRIMARY KEY,
	definition_id      TEXT        NOT NULL,
	definition_version INTEGER     NOT NULL,
	status             TEXT        NOT NULL,
	parent_id          TEXT,
	suspend_reason     TEXT        NOT NULL DEFAULT '',
	next_seq           INTEGER     NOT NULL,
	idempotency_key    TEXT        NOT NULL DEFAULT '',
	trigger            JSONB       NOT NULL,
	variables          JSONB       NOT NULL,
	pointers           JSONB       NOT NULL,
	forks              JSONB       NOT NULL,
	steps              JSONB       NOT NULL,
	sla                JSONB,
	parent             JSONB,
	error              JSONB,
	version            INTEGER     NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	ended_at           TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS workflow_instances_status_idx ON workflow_instances (status, created_at DESC);
CREATE INDEX IF NOT EXISTS workflow_instances_parent_idx ON workflow_instances (parent_id);
CREATE TABLE IF NOT EXISTS workflow_events (
	seq         BIGSERIAL   PRIMARY KEY,
	id          TEXT        NOT NULL UNIQUE,
	instance_id TEXT        NOT NULL REFERENCES workflow_instances (id),
	step_id     TEXT        NOT NULL DEFAULT '',
	step_seq    INTEGER     NOT NULL DEFAULT 0,
	event       TEXT        NOT NULL,
	actor_id    TEXT        NOT NULL,
	data        JSONB,
	comment     TEXT        NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_events_instance_idx ON workflow_events (instance_id, seq)`

const instanceColumns = `id, definition_id, definition_version, status, suspend_reason,
	next_seq, idempotency_key, trigger, variables, pointers, forks, steps,
	sla, parent, error, version, created_at, updated_at, ended_at`

// PgStore is a PostgreSQL-backed InstanceStore using pgx/v5. Variables,
// pointers, forks, step instances and the SLA clock are stored as JSONB.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL instance store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema creates the instance and event tables if they do not exist.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, instancesDDL); err != nil {
		return fmt.Errorf("create workflow tables: %w", err)
	}
	return nil
}

// documents holds the JSONB-encoded parts of an instance.
type documents struct {
	trigger, variables, pointers, forks, steps []byte
	sla, parent, failure                       []byte
}

func encode(inst model.Instance) (documents, error) {
	var d documents
	var err error
	marshal := func(dst *[]byte, v any, name string) {
		if err != nil {
			return
		}
		if *dst, err = json.Marshal(v); err != nil {
			err = fmt.Errorf("marshal %s: %w", name, err)
		}
	}
	vars := inst.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	marshal(&d.trigger, inst.Trigger, "trigger")
	marshal(&d.variables, vars, "variables")
	marshal(&d.pointers, nonNil(inst.Pointers), "pointers")
	marshal(&d.forks, nonNil(inst.Forks), "forks")
	marshal(&d.steps, nonNil(inst.Steps), "steps")
	if inst.SLA != nil {
		marshal(&d.sla, inst.SLA, "sla")
	}
	if inst.Parent != nil {
		marshal(&d.parent, inst.Parent, "parent")
	}
	if inst.Error != nil {
		marshal(&d.failure, inst.Error, "error")
	}
	return d, err
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func parentID(inst model.Instance) *string {
	if inst.Parent == nil {
		return nil
	}
	return &inst.Parent.InstanceID
}

// Create inserts a new instance.
func (s *PgStore) Create(ctx context.Context, inst model.Instance) error {
	d, err := encode(inst)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, definition_id, definition_version, status, parent_id, suspend_reason,
			next_seq, idempotency_key, trigger, variables, pointers, forks, steps,
			sla, parent, error, version, created_at, updated_at, ended_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20
		)`,
		inst.ID, inst.DefinitionID, inst.DefinitionVersion, inst.Status, parentID(inst), inst.SuspendReason,
		inst.NextSeq, inst.IdempotencyKey, d.trigger, d.variables, d.pointers, d.forks, d.steps,
		d.sla, d.parent, d.failure, inst.Version, inst.CreatedAt, inst.UpdatedAt, inst.EndedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.NewConflictError(fmt.Sprintf("instance %q already exists", inst.ID))
	}
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

// Get retrieves an instance by ID.
func (s *PgStore) Get(ctx context.Context, instanceID string) (model.Instance, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, instanceID)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Instance{}, model.NewNotFoundError(
			fmt.Sprintf("instance %q not found", instanceID),
		)
	}
	return inst, err
}

// Update persists an updated instance with optimistic locking.
func (s *PgStore) Update(ctx context.Context, inst model.Instance) error {
	d, err := encode(inst)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET
			status = $1,
			suspend_reason = $2,
			next_seq = $3,
			variables = $4,
			pointers = $5,
			forks = $6,
			steps = $7,
			sla = $8,
			error = $9,
			version = $10,
			updated_at = $11,
			ended_at = $12
		WHERE id = $13 AND version = $14`,
		inst.Status, inst.SuspendReason, inst.NextSeq,
		d.variables, d.pointers, d.forks, d.steps, d.sla, d.failure,
		inst.Version+1, inst.UpdatedAt, inst.EndedAt,
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}
	return nil
}

// AppendEvent adds an event to the audit trail.
func (s *PgStore) AppendEvent(ctx context.Context, event model.WorkflowEvent) error {
	var dataJSON []byte
	if event.Data != nil {
		var err error
		if dataJSON, err = json.Marshal(event.Data); err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_events (
			id, instance_id, step_id, step_seq, event, actor_id, data, comment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ID, event.InstanceID, event.StepID, event.StepSeq, event.Event,
		event.ActorID, dataJSON, event.Comment, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert workflow event: %w", err)
	}
	return nil
}

// GetEvents retrieves all events for an instance.
func (s *PgStore) GetEvents(ctx context.Context, instanceID string) ([]model.WorkflowEvent, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflow_instances WHERE id = $1)`, instanceID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("query instance: %w", err)
	}
	if !exists {
		return nil, model.NewNotFoundError(fmt.Sprintf("instance %q not found", instanceID))
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, step_id, step_seq, event, actor_id, data, comment, created_at
		FROM workflow_events
		WHERE instance_id = $1
		ORDER BY seq ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow events: %w", err)
	}
	defer rows.Close()

	var events []model.WorkflowEvent
	for rows.Next() {
		var evt model.WorkflowEvent
		var dataJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.InstanceID, &evt.StepID, &evt.StepSeq, &evt.Event,
			&evt.ActorID, &dataJSON, &evt.Comment, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan workflow event: %w", err)
		}
		if dataJSON != nil {
			if err := json.Unmarshal(dataJSON, &evt.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// List returns instances matching filters, newest first.
func (s *PgStore) List(ctx context.Context, filters InstanceFilters) ([]model.Instance, int, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filters.DefinitionID != "" {
		where = append(where, "definition_id = "+arg(filters.DefinitionID))
	}
	if filters.ParentID != "" {
		where = append(where, "parent_id = "+arg(filters.ParentID))
	}
	if len(filters.Statuses) > 0 {
		statuses := make([]string, len(filters.Statuses))
		for i, st := range filters.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM workflow_instances`+clause, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count instances: %w", err)
	}

	query := `SELECT ` + instanceColumns + ` FROM workflow_instances` + clause +
		` ORDER BY created_at DESC, id ASC`
	if filters.Limit > 0 {
		query += " LIMIT " + arg(filters.Limit)
	}
	if filters.Offset > 0 {
		query += " OFFSET " + arg(filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	instances := []model.Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, 0, err
		}
		instances = append(instances, inst)
	}
	return instances, total, rows.Err()
}

func scanInstance(row pgx.Row) (model.Instance, error) {
	var inst model.Instance
	var d documents
	err := row.Scan(
		&inst.ID, &inst.DefinitionID, &inst.DefinitionVersion, &inst.Status, &inst.SuspendReason,
		&inst.NextSeq, &inst.IdempotencyKey, &d.trigger, &d.variables, &d.pointers, &d.forks, &d.steps,
		&d.sla, &d.parent, &d.failure, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt, &inst.EndedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Instance{}, err
	}
	if err != nil {
		return model.Instance{}, fmt.Errorf("scan instance: %w", err)
	}

	parts := []struct {
		raw  []byte
		dst  any
		name string
	}{
		{d.trigger, &inst.Trigger, "trigger"},
		{d.variables, &inst.Variables, "variables"},
		{d.pointers, &inst.Pointers, "pointers"},
		{d.forks, &inst.Forks, "forks"},
		{d.steps, &inst.Steps, "steps"},
		{d.sla, &inst.SLA, "sla"},
		{d.parent, &inst.Parent, "parent"},
		{d.failure, &inst.Error, "error"},
	}
	for _, p := range parts {
		if p.raw == nil {
			continue
		}
		if err := json.Unmarshal(p.raw, p.dst); err != nil {
			return model.Instance{}, fmt.Errorf("unmarshal %s: %w", p.name, err)
		}
	}
	return inst, nil
}

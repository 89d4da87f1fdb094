package timer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/careflow/model"
)

const timersDDL = `
CREATE TABLE IF NOT EXISTS process_timers (
	key         TEXT        PRIMARY KEY,
	instance_id TEXT        NOT NULL,
	fire_at     TIMESTAMPTZ NOT NULL,
	due_at      TIMESTAMPTZ NOT NULL,
	claim_token TEXT        NOT NULL DEFAULT '',
	payload     JSONB       NOT NULL
);
ALTER TABLE process_timers ADD COLUMN IF NOT EXISTS claim_token TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS process_timers_due_idx ON process_timers (due_at);
CREATE INDEX IF NOT EXISTS process_timers_instance_idx ON process_timers (instance_id)`

// PgStore is a PostgreSQL-backed timer Store. Concurrent pollers claim
// disjoint batches through FOR UPDATE SKIP LOCKED.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL timer store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema creates the timers table if it does not exist.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, timersDDL); err != nil {
		return fmt.Errorf("create process_timers: %w", err)
	}
	return nil
}

// Schedule implements Store.
func (s *PgStore) Schedule(ctx context.Context, t model.Timer) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("marshal timer payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO process_timers (key, instance_id, fire_at, due_at, payload)
		VALUES ($1, $2, $3, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			fire_at     = EXCLUDED.fire_at,
			due_at      = EXCLUDED.due_at,
			claim_token = '',
			payload     = EXCLUDED.payload`,
		t.Key, t.Payload.InstanceID, t.FireAt, payload,
	)
	if err != nil {
		return fmt.Errorf("schedule timer %s: %w", t.Key, err)
	}
	return nil
}

// Cancel implements Store.
func (s *PgStore) Cancel(ctx context.Context, _, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM process_timers WHERE key = $1`, key); err != nil {
		return fmt.Errorf("cancel timer %s: %w", key, err)
	}
	return nil
}

// CancelInstance implements Store.
func (s *PgStore) CancelInstance(ctx context.Context, instanceID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM process_timers WHERE instance_id = $1`, instanceID); err != nil {
		return fmt.Errorf("cancel timers for %s: %w", instanceID, err)
	}
	return nil
}

// ClaimDue implements Store.
func (s *PgStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Claim, error) {
	leaseUntil := now.Add(lease).Truncate(time.Microsecond)
	token := uuid.NewString()
	rows, err := s.pool.Query(ctx, `
		WITH due AS (
			SELECT key FROM process_timers
			WHERE due_at <= $1
			ORDER BY due_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE process_timers t SET due_at = $3, claim_token = $4
		FROM due
		WHERE t.key = due.key
		RETURNING t.key, t.fire_at, t.due_at, t.claim_token, t.payload`,
		now, limit, leaseUntil, token,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due timers: %w", err)
	}
	defer rows.Close()

	var claims []Claim
	for rows.Next() {
		var (
			c       Claim
			payload []byte
		)
		if err := rows.Scan(&c.Timer.Key, &c.Timer.FireAt, &c.LeaseUntil, &c.Token, &payload); err != nil {
			return nil, fmt.Errorf("scan timer: %w", err)
		}
		if err := json.Unmarshal(payload, &c.Timer.Payload); err != nil {
			return nil, fmt.Errorf("decode timer %s: %w", c.Timer.Key, err)
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// Ack implements Store.
func (s *PgStore) Ack(ctx context.Context, c Claim) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM process_timers WHERE key = $1 AND claim_token = $2`,
		c.Timer.Key, c.Token,
	)
	if err != nil {
		return fmt.Errorf("ack timer %s: %w", c.Timer.Key, err)
	}
	return nil
}

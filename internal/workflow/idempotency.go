package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/careflow/model"
)

// IdempotencyStore deduplicates instance starts delivered more than once by
// a trigger. The key format is "idem:start:{key}".
type IdempotencyStore interface {
	// Reserve claims key for instanceID. If the key is already held it
	// returns the owning instance id. If the key was used with a different
	// input hash it returns a CONFLICT error.
	Reserve(ctx context.Context, key, inputHash, instanceID string, ttl time.Duration) (owner string, err error)

	// Release drops a reservation whose start failed.
	Release(ctx context.Context, key string) error
}

type idempotencyEntry struct {
	InstanceID string `json:"instance_id"`
	InputHash  string `json:"input_hash"`
}

func (e idempotencyEntry) owner(key, inputHash string) (string, error) {
	if e.InputHash != inputHash {
		return "", model.NewConflictError(
			fmt.Sprintf("idempotency key %q already used with different input", key),
		)
	}
	return e.InstanceID, nil
}

// FormatIdempotencyKey builds the standard idempotency key.
func FormatIdempotencyKey(key string) string {
	return "idem:start:" + key
}

// HashStartInput hashes the parts of a start request that identify it.
func HashStartInput(definitionID string, version int, vars map[string]any) string {
	data, _ := json.Marshal(struct {
		DefinitionID string         `json:"definition_id"`
		Version      int            `json:"version"`
		Variables    map[string]any `json:"variables"`
	}{definitionID, version, vars})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// --- MemoryIdempotencyStore ---

// MemoryIdempotencyStore is an in-memory IdempotencyStore with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates a new in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Reserve implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Reserve(_ context.Context, key, inputHash, instanceID string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry, exists := s.entries[key]; exists && now.Before(entry.expiresAt) {
		return entry.data.owner(key, inputHash)
	}

	s.entries[key] = &memEntry{
		data:      idempotencyEntry{InstanceID: instanceID, InputHash: inputHash},
		expiresAt: now.Add(ttl),
	}
	return instanceID, nil
}

// Release implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// --- RedisIdempotencyStore ---

// RedisIdempotencyStore is a Redis-backed IdempotencyStore. Reservation is
// a single SET NX so concurrent deliveries agree on one owner.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a new Redis-backed idempotency store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Reserve implements IdempotencyStore.
func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key, inputHash, instanceID string, ttl time.Duration) (string, error) {
	data, err := json.Marshal(idempotencyEntry{InstanceID: instanceID, InputHash: inputHash})
	if err != nil {
		return "", fmt.Errorf("marshal idempotency entry: %w", err)
	}

	ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("redis setnx %q: %w", key, err)
	}
	if ok {
		return instanceID, nil
	}

	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		return s.Reserve(ctx, key, inputHash, instanceID, ttl)
	}
	if err != nil {
		return "", fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry idempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return "", fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	return entry.owner(key, inputHash)
}

// Release implements IdempotencyStore.
func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

package timer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/careflow/model"
)

// claimScript leases due members by moving their score to the lease
// deadline and stamping the claim token. It returns alternating key,
// payload pairs.
var claimScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
local out = {}
for _, k in ipairs(due) do
  local p = redis.call("HGET", KEYS[2], k)
  if p then
    redis.call("ZADD", KEYS[1], ARGV[3], k)
    redis.call("HSET", KEYS[3], k, ARGV[4])
    table.insert(out, k)
    table.insert(out, p)
  else
    redis.call("ZREM", KEYS[1], k)
  end
end
return out
`)

var ackScript = redis.NewScript(`
local token = redis.call("HGET", KEYS[4], ARGV[1])
if token and token == ARGV[2] then
  redis.call("ZREM", KEYS[1], ARGV[1])
  redis.call("HDEL", KEYS[2], ARGV[1])
  redis.call("SREM", KEYS[3], ARGV[1])
  redis.call("HDEL", KEYS[4], ARGV[1])
  return 1
end
return 0
`)

var cancelInstanceScript = redis.NewScript(`
local keys = redis.call("SMEMBERS", KEYS[3])
for _, k in ipairs(keys) do
  redis.call("ZREM", KEYS[1], k)
  redis.call("HDEL", KEYS[2], k)
  redis.call("HDEL", KEYS[4], k)
end
redis.call("DEL", KEYS[3])
return #keys
`)

// RedisStore keeps timers in a sorted set scored by due time in
// milliseconds, with payloads and claim tokens in hashes and a
// per-instance index set.
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedisStore creates a RedisStore under namespace.
func NewRedisStore(client redis.UniversalClient, namespace string) *RedisStore {
	return &RedisStore{client: client, namespace: strings.TrimSuffix(namespace, ":")}
}

func (s *RedisStore) key(parts ...string) string {
	k := strings.Join(parts, ":")
	if s.namespace == "" {
		return k
	}
	return s.namespace + ":" + k
}

func (s *RedisStore) dueKey() string     { return s.key("timers", "due") }
func (s *RedisStore) payloadKey() string { return s.key("timers", "payload") }
func (s *RedisStore) tokenKey() string   { return s.key("timers", "token") }
func (s *RedisStore) instanceKey(id string) string {
	return s.key("timers", "instance", id)
}

// Schedule implements Store.
func (s *RedisStore) Schedule(ctx context.Context, t model.Timer) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal timer: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.payloadKey(), t.Key, data)
	pipe.HDel(ctx, s.tokenKey(), t.Key)
	pipe.ZAdd(ctx, s.dueKey(), redis.Z{Score: float64(t.FireAt.UnixMilli()), Member: t.Key})
	pipe.SAdd(ctx, s.instanceKey(t.Payload.InstanceID), t.Key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule timer %s: %w", t.Key, err)
	}
	return nil
}

// Cancel implements Store.
func (s *RedisStore) Cancel(ctx context.Context, instanceID, key string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.dueKey(), key)
	pipe.HDel(ctx, s.payloadKey(), key)
	pipe.HDel(ctx, s.tokenKey(), key)
	pipe.SRem(ctx, s.instanceKey(instanceID), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cancel timer %s: %w", key, err)
	}
	return nil
}

// CancelInstance implements Store.
func (s *RedisStore) CancelInstance(ctx context.Context, instanceID string) error {
	err := cancelInstanceScript.Run(ctx, s.client,
		[]string{s.dueKey(), s.payloadKey(), s.instanceKey(instanceID), s.tokenKey()},
	).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("cancel timers for %s: %w", instanceID, err)
	}
	return nil
}

// ClaimDue implements Store.
func (s *RedisStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Claim, error) {
	leaseUntil := time.UnixMilli(now.Add(lease).UnixMilli()).UTC()
	token := uuid.NewString()
	res, err := claimScript.Run(ctx, s.client,
		[]string{s.dueKey(), s.payloadKey(), s.tokenKey()},
		strconv.FormatInt(now.UnixMilli(), 10),
		limit,
		strconv.FormatInt(leaseUntil.UnixMilli(), 10),
		token,
	).Slice()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("claim due timers: %w", err)
	}

	claims := make([]Claim, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		payload, _ := res[i+1].(string)
		var t model.Timer
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return nil, fmt.Errorf("decode timer %v: %w", res[i], err)
		}
		claims = append(claims, Claim{Timer: t, LeaseUntil: leaseUntil, Token: token})
	}
	return claims, nil
}

// Ack implements Store.
func (s *RedisStore) Ack(ctx context.Context, c Claim) error {
	err := ackScript.Run(ctx, s.client,
		[]string{s.dueKey(), s.payloadKey(), s.instanceKey(c.Timer.Payload.InstanceID), s.tokenKey()},
		c.Timer.Key,
		c.Token,
	).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("ack timer %s: %w", c.Timer.Key, err)
	}
	return nil
}

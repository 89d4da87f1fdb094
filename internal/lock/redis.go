package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultTTL = 30 * time.Second

// ErrNotAcquired is returned when the lock could not be taken before the
// wait budget ran out.
var ErrNotAcquired = errors.New("lock: not acquired")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a distributed lock backed by SET NX PX. Each acquisition holds a
// random token so only the owner can release it.
type Redis struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration
	wait      time.Duration
	logger    *zap.Logger
}

// NewRedis creates a Redis locker. ttl bounds how long a crashed holder can
// block others; wait bounds how long Lock polls before giving up.
func NewRedis(client redis.UniversalClient, namespace string, ttl, wait time.Duration, logger *zap.Logger) *Redis {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if wait <= 0 {
		wait = ttl
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, namespace: strings.TrimSuffix(namespace, ":"), ttl: ttl, wait: wait, logger: logger}
}

// Lock polls with exponential backoff until key is acquired.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	rkey := r.key(key)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = r.wait

	err := backoff.Retry(func() error {
		ok, err := r.client.SetNX(ctx, rkey, token, r.ttl).Result()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("lock %s: %w", key, err))
		}
		if !ok {
			return ErrNotAcquired
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	return func() {
		// Release must succeed even when the caller's context is done.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, r.client, []string{rkey}, token).Err(); err != nil {
			r.logger.Warn("lock release failed", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func (r *Redis) key(k string) string {
	if r.namespace == "" {
		return "lock:" + k
	}
	return r.namespace + ":lock:" + k
}

package assignee

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// CachedDirectory wraps a Directory with a TTL cache. Lookups that fail are
// retried with exponential backoff before the error is surfaced.
type CachedDirectory struct {
	next    Directory
	cache   *gocache.Cache
	retries uint64
	logger  *zap.Logger
}

// NewCachedDirectory creates a CachedDirectory. retries is the number of
// additional attempts after the first failed lookup.
func NewCachedDirectory(next Directory, ttl time.Duration, retries int, logger *zap.Logger) *CachedDirectory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retries < 0 {
		retries = 0
	}
	return &CachedDirectory{
		next:    next,
		cache:   gocache.New(ttl, 2*ttl),
		retries: uint64(retries),
		logger:  logger,
	}
}

// MembersOfRole implements Directory.
func (c *CachedDirectory) MembersOfRole(ctx context.Context, role string) ([]string, error) {
	return c.lookup(ctx, "role-members:"+role, func(ctx context.Context) ([]string, error) {
		return c.next.MembersOfRole(ctx, role)
	})
}

// MembersOfTeam implements Directory.
func (c *CachedDirectory) MembersOfTeam(ctx context.Context, team string) ([]string, error) {
	return c.lookup(ctx, "team-members:"+team, func(ctx context.Context) ([]string, error) {
		return c.next.MembersOfTeam(ctx, team)
	})
}

// RolesOf implements Directory.
func (c *CachedDirectory) RolesOf(ctx context.Context, userID string) ([]string, error) {
	return c.lookup(ctx, "roles-of:"+userID, func(ctx context.Context) ([]string, error) {
		return c.next.RolesOf(ctx, userID)
	})
}

// TeamsOf implements Directory.
func (c *CachedDirectory) TeamsOf(ctx context.Context, userID string) ([]string, error) {
	return c.lookup(ctx, "teams-of:"+userID, func(ctx context.Context) ([]string, error) {
		return c.next.TeamsOf(ctx, userID)
	})
}

// Invalidate drops every cached entry.
func (c *CachedDirectory) Invalidate() {
	c.cache.Flush()
}

func (c *CachedDirectory) lookup(ctx context.Context, key string, fetch func(context.Context) ([]string, error)) ([]string, error) {
	if v, ok := c.cache.Get(key); ok {
		return v.([]string), nil
	}

	var out []string
	policy := backoff.WithContext(
		backoff.WithMaxRetries(newLookupBackoff(), c.retries), ctx,
	)
	err := backoff.RetryNotify(func() error {
		var err error
		out, err = fetch(ctx)
		return err
	}, policy, func(err error, wait time.Duration) {
		c.logger.Warn("directory lookup failed, retrying",
			zap.String("key", key),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		return nil, err
	}

	c.cache.SetDefault(key, out)
	return out, nil
}

func newLookupBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 5 * time.Second
	return b
}

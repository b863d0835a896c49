// Package credential keeps the HARP access token used by the sync service.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/Seann-Moser/usersync/harp"
	"github.com/Seann-Moser/usersync/metrics"
)

const (
	DefaultRefreshInterval = 20 * time.Minute
	DefaultSharedKey       = "usersync:harp-token"
)

// Cache holds at most one provider credential. All refreshes are serialized,
// so concurrent callers never obtain duplicate tokens.
type Cache struct {
	api harp.API

	mu      sync.Mutex
	current *harp.Token

	now             func() time.Time
	refreshInterval time.Duration

	redis     redis.Cmdable
	sharedKey string
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithRefreshInterval sets how often Run forces a refresh.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.refreshInterval = d
		}
	}
}

// WithSharedKey sets the redis key the token is shared under.
func WithSharedKey(key string) Option {
	return func(c *Cache) {
		if key != "" {
			c.sharedKey = key
		}
	}
}

// New creates an empty Cache backed by api.
func New(api harp.API, opts ...Option) *Cache {
	c := &Cache{
		api:             api,
		now:             time.Now,
		refreshInterval: DefaultRefreshInterval,
		sharedKey:       DefaultSharedKey,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetupRedis shares the token between replicas through cmdable.
func (c *Cache) SetupRedis(cmdable redis.Cmdable) {
	c.redis = cmdable
}

// Current returns a non-expired token, obtaining a new one when needed.
func (c *Cache) Current(ctx context.Context) (*harp.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.current.Expired(now) {
		return c.current, nil
	}
	if shared := c.loadShared(ctx, now); shared != nil {
		c.current = shared
		return shared, nil
	}
	if err := c.refreshLocked(ctx); err != nil {
		return nil, err
	}
	return c.current, nil
}

// ForceRefresh replaces the cached token unconditionally. On failure the cache
// is emptied and the next Current call retries.
func (c *Cache) ForceRefresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.refreshLocked(ctx); err != nil {
		c.dropShared(ctx)
		return err
	}
	return nil
}

// Run refreshes immediately and then on every interval until ctx is done.
// Refresh failures are logged, never fatal.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()
	for {
		if err := c.ForceRefresh(ctx); err != nil {
			slog.Error("scheduled HARP token refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Cache) refreshLocked(ctx context.Context) error {
	tok, err := c.api.ObtainCredential(ctx)
	if err == nil && tok == nil {
		err = errors.New("provider returned no token")
	}
	metrics.CredentialRefreshed(err)
	if err != nil {
		c.current = nil
		return fmt.Errorf("failed to refresh HARP token: %w", err)
	}
	c.current = tok
	c.storeShared(ctx, tok)
	return nil
}

func (c *Cache) loadShared(ctx context.Context, now time.Time) *harp.Token {
	if c.redis == nil {
		return nil
	}
	data, err := c.redis.Get(ctx, c.sharedKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("failed to read shared HARP token", "error", err)
		}
		return nil
	}
	var tok harp.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		slog.Warn("failed to decode shared HARP token", "error", err)
		return nil
	}
	if tok.Expired(now) {
		return nil
	}
	return &tok
}

func (c *Cache) storeShared(ctx context.Context, tok *harp.Token) {
	if c.redis == nil {
		return
	}
	exp, ok := tok.ExpiresAt()
	if !ok {
		return
	}
	ttl := exp.Sub(c.now())
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(tok)
	if err != nil {
		slog.Warn("failed to encode shared HARP token", "error", err)
		return
	}
	if err := c.redis.Set(ctx, c.sharedKey, data, ttl).Err(); err != nil {
		slog.Warn("failed to publish shared HARP token", "error", err)
	}
}

func (c *Cache) dropShared(ctx context.Context) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, c.sharedKey).Err(); err != nil {
		slog.Warn("failed to drop shared HARP token", "error", err)
	}
}

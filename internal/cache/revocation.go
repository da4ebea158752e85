package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"identra.org/internal/obs"
)

const revokedPrefix = "revoked:"

const (
	defaultSyncInterval  = 10 * time.Second
	defaultFailThreshold = 6
	scanBatchSize        = 256
)

// RevocationCache keeps revoked token ids. Redis holds the authoritative set
// (entries expire with their tokens); an in-process mirror answers IsRevoked
// without a network round trip, which keeps the authentication hot path at
// local-lookup latency. A background loop replaces the mirror every interval.
// Sync failure is fail-open: the previous mirror stays in place, a counter
// rises, and nothing crashes the host process.
type RevocationCache struct {
	client        *redis.Client
	interval      time.Duration
	failThreshold int
	log           zerolog.Logger
	now           func() time.Time

	mu                  sync.RWMutex
	local               map[string]struct{}
	lastSync            time.Time
	consecutiveFailures int

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// RevocationOption configures the cache.
type RevocationOption func(*RevocationCache)

func WithSyncInterval(d time.Duration) RevocationOption {
	return func(c *RevocationCache) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithFailThreshold(n int) RevocationOption {
	return func(c *RevocationCache) {
		if n > 0 {
			c.failThreshold = n
		}
	}
}

func WithRevocationLogger(log zerolog.Logger) RevocationOption {
	return func(c *RevocationCache) { c.log = log }
}

func withClock(now func() time.Time) RevocationOption {
	return func(c *RevocationCache) { c.now = now }
}

func NewRevocationCache(client *redis.Client, opts ...RevocationOption) *RevocationCache {
	c := &RevocationCache{
		client:        client,
		interval:      defaultSyncInterval,
		failThreshold: defaultFailThreshold,
		log:           obs.Component("revocation"),
		now:           time.Now,
		local:         make(map[string]struct{}),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Revoke marks a token id as revoked for the remainder of its lifetime. The
// entry self-expires with the token, so the remote set stays bounded. The
// local mirror picks it up immediately; other processes converge within one
// sync interval.
func (c *RevocationCache) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if jti == "" {
		return errors.New("jti is empty")
	}
	if ttl <= 0 {
		// Token already expired; nothing to revoke.
		return nil
	}
	if err := c.client.Set(ctx, revokedPrefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke %s: %w", jti, err)
	}
	c.mu.Lock()
	c.local[jti] = struct{}{}
	c.mu.Unlock()
	return nil
}

// RevokeToken extracts jti and expiry from a raw JWT and revokes it. The
// token signature is not verified here; revocation of a forged token is
// harmless.
func (c *RevocationCache) RevokeToken(ctx context.Context, raw string) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return errors.New("token has no jti claim")
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return errors.New("token has no exp claim")
	}
	return c.Revoke(ctx, jti, exp.Sub(c.now()))
}

// IsRevoked answers from the local mirror only. It never performs I/O.
func (c *RevocationCache) IsRevoked(jti string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.local[jti]
	return ok
}

// Healthy reports whether the last sync cycles succeeded.
func (c *RevocationCache) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.lastSync.IsZero() && c.consecutiveFailures < c.failThreshold
}

// Stats returns the health counters.
func (c *RevocationCache) Stats() (lastSync time.Time, consecutiveFailures int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSync, c.consecutiveFailures
}

// Start launches the background sync loop. The first sync runs immediately.
func (c *RevocationCache) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		go c.run(ctx)
	})
}

// Stop terminates the loop and waits for it to exit. Safe to call multiple
// times and before Start.
func (c *RevocationCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
}

func (c *RevocationCache) run(ctx context.Context) {
	defer close(c.done)
	c.syncOnce(ctx)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.syncOnce(ctx)
		}
	}
}

// syncOnce pulls the full remote key set and swaps the mirror. Errors are
// observed, counted and logged, never propagated.
func (c *RevocationCache) syncOnce(ctx context.Context) {
	fresh, err := c.fetchRemote(ctx)
	if err != nil {
		c.mu.Lock()
		c.consecutiveFailures++
		failures := c.consecutiveFailures
		c.mu.Unlock()

		obs.RevocationSyncFailed(failures)
		evt := c.log.Warn()
		if failures >= c.failThreshold {
			evt = c.log.Error().Bool("critical", true)
		}
		evt.Err(err).Int("consecutive_failures", failures).Msg("revocation sync failed, serving previous mirror")
		return
	}

	now := c.now()
	c.mu.Lock()
	c.local = fresh
	c.lastSync = now
	c.consecutiveFailures = 0
	size := len(fresh)
	c.mu.Unlock()

	obs.RevocationSynced(now, size)
	c.log.Debug().Int("entries", size).Msg("revocation mirror synced")
}

func (c *RevocationCache) fetchRemote(ctx context.Context) (map[string]struct{}, error) {
	fresh := make(map[string]struct{})
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, revokedPrefix+"*", scanBatchSize).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			fresh[strings.TrimPrefix(key, revokedPrefix)] = struct{}{}
		}
		cursor = next
		if cursor == 0 {
			return fresh, nil
		}
	}
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const userContextPrefix = "usercontext:"

const defaultUserContextTTL = 30 * time.Minute

// UserContextCache stores per-user prompt-context blobs with their own TTL,
// in a namespace separate from confirmations and revocations.
type UserContextCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewUserContextCache(client *redis.Client, defaultTTL time.Duration) *UserContextCache {
	if defaultTTL <= 0 {
		defaultTTL = defaultUserContextTTL
	}
	return &UserContextCache{client: client, ttl: defaultTTL}
}

func (c *UserContextCache) Put(ctx context.Context, userID string, blob []byte, ttl time.Duration) error {
	if userID == "" {
		return errors.New("user id is empty")
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	if err := c.client.Set(ctx, userContextPrefix+userID, blob, ttl).Err(); err != nil {
		return fmt.Errorf("put user context %s: %w", userID, err)
	}
	return nil
}

// Get returns nil when no blob is cached for the user.
func (c *UserContextCache) Get(ctx context.Context, userID string) ([]byte, error) {
	blob, err := c.client.Get(ctx, userContextPrefix+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user context %s: %w", userID, err)
	}
	return blob, nil
}

func (c *UserContextCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, userContextPrefix+userID).Err(); err != nil {
		return fmt.Errorf("invalidate user context %s: %w", userID, err)
	}
	return nil
}

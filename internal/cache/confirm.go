// Package cache holds the ephemeral distributed state shared through Redis:
// single-use action confirmations, the revoked-token mirror and per-user
// context blobs.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const pendingPrefix = "pending:"

const defaultConfirmationTTL = 5 * time.Minute

// ConfirmationStore implements the propose/confirm protocol for hard-to-undo
// actions: a caller stores a payload under a fresh id, and only an explicit
// confirm step can retrieve it. Retrieval deletes the entry, so a payload is
// consumed at most once even under concurrent confirmers.
type ConfirmationStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewConfirmationStore(client *redis.Client, defaultTTL time.Duration) *ConfirmationStore {
	if defaultTTL <= 0 {
		defaultTTL = defaultConfirmationTTL
	}
	return &ConfirmationStore{client: client, ttl: defaultTTL}
}

// NewConfirmationID returns a fresh id for a proposed action.
func NewConfirmationID() string { return uuid.NewString() }

// Store persists the payload exactly as given. No re-serialization happens,
// so byte-level equality checks downstream keep working.
func (s *ConfirmationStore) Store(ctx context.Context, id string, payload []byte, ttl time.Duration) error {
	if id == "" {
		return errors.New("confirmation id is empty")
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	if err := s.client.Set(ctx, pendingPrefix+id, payload, ttl).Err(); err != nil {
		return fmt.Errorf("store confirmation %s: %w", id, err)
	}
	return nil
}

// Get atomically fetches and deletes the payload. A nil result means the
// confirmation is absent, expired or already consumed.
func (s *ConfirmationStore) Get(ctx context.Context, id string) ([]byte, error) {
	payload, err := s.client.GetDel(ctx, pendingPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get confirmation %s: %w", id, err)
	}
	return payload, nil
}

// Delete cancels a pending confirmation. Deleting an absent id is fine.
func (s *ConfirmationStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, pendingPrefix+id).Err(); err != nil {
		return fmt.Errorf("delete confirmation %s: %w", id, err)
	}
	return nil
}

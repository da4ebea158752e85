package cache

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestRevokeConvergesWithinOneSync(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	writer := NewRevocationCache(client)
	if err := writer.Revoke(ctx, "jti-1", time.Minute); err != nil {
		t.Fatal(err)
	}
	// The writing process sees the revocation immediately.
	if !writer.IsRevoked("jti-1") {
		t.Fatal("writer mirror must contain jti-1")
	}

	// A second process converges after one sync cycle.
	reader := NewRevocationCache(client)
	if reader.IsRevoked("jti-1") {
		t.Fatal("fresh mirror must start empty")
	}
	reader.syncOnce(ctx)
	if !reader.IsRevoked("jti-1") {
		t.Fatal("mirror must contain jti-1 after sync")
	}
	if !reader.Healthy() {
		t.Fatal("cache must be healthy after a successful sync")
	}
}

func TestRevocationExpiresWithToken(t *testing.T) {
	srv, client := newTestRedis(t)
	ctx := context.Background()

	c := NewRevocationCache(client)
	if err := c.Revoke(ctx, "jti-2", 30*time.Second); err != nil {
		t.Fatal(err)
	}
	c.syncOnce(ctx)
	if !c.IsRevoked("jti-2") {
		t.Fatal("jti-2 must be revoked")
	}

	srv.FastForward(31 * time.Second)
	c.syncOnce(ctx)
	if c.IsRevoked("jti-2") {
		t.Fatal("expired marker must leave the mirror after the next sync")
	}
}

func TestRevokeExpiredTokenIsNoop(t *testing.T) {
	_, client := newTestRedis(t)
	c := NewRevocationCache(client)
	if err := c.Revoke(context.Background(), "jti-old", -time.Second); err != nil {
		t.Fatal(err)
	}
	if c.IsRevoked("jti-old") {
		t.Fatal("expired token must not enter the mirror")
	}
}

func TestSyncFailureKeepsPreviousMirror(t *testing.T) {
	srv, client := newTestRedis(t)
	ctx := context.Background()

	c := NewRevocationCache(client, WithFailThreshold(2))
	if err := c.Revoke(ctx, "jti-3", time.Minute); err != nil {
		t.Fatal(err)
	}
	c.syncOnce(ctx)

	// Remote store goes away; the cache fails open.
	srv.Close()

	c.syncOnce(ctx)
	if _, failures := c.Stats(); failures != 1 {
		t.Fatalf("consecutive failures = %d, want 1", failures)
	}
	if !c.IsRevoked("jti-3") {
		t.Fatal("previous mirror must survive a failed sync")
	}
	if !c.Healthy() {
		t.Fatal("one failure below threshold must stay healthy")
	}

	c.syncOnce(ctx)
	if _, failures := c.Stats(); failures != 2 {
		t.Fatalf("consecutive failures = %d, want 2", failures)
	}
	if c.Healthy() {
		t.Fatal("failures at threshold must flip health")
	}
}

func TestSyncRecoveryResetsFailures(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	c := NewRevocationCache(client)
	c.mu.Lock()
	c.consecutiveFailures = 3
	c.mu.Unlock()

	c.syncOnce(ctx)
	if _, failures := c.Stats(); failures != 0 {
		t.Fatalf("consecutive failures = %d, want 0 after recovery", failures)
	}
}

func TestRevokeToken(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	c := NewRevocationCache(client, withClock(func() time.Time { return now }))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"jti": "jti-token",
		"exp": now.Add(10 * time.Minute).Unix(),
		"sub": "alice",
	})
	raw, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}

	if err := c.RevokeToken(ctx, raw); err != nil {
		t.Fatal(err)
	}
	if !c.IsRevoked("jti-token") {
		t.Fatal("jti from token must be revoked")
	}

	ttl := client.TTL(ctx, "revoked:jti-token").Val()
	if ttl <= 0 || ttl > 10*time.Minute {
		t.Fatalf("marker ttl = %v, want remaining token lifetime", ttl)
	}
}

func TestRevokeTokenWithoutJTI(t *testing.T) {
	_, client := newTestRedis(t)
	c := NewRevocationCache(client)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	raw, err := token.SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.RevokeToken(context.Background(), raw); err == nil {
		t.Fatal("token without jti must be rejected")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	_, client := newTestRedis(t)
	c := NewRevocationCache(client, WithSyncInterval(10*time.Millisecond))
	c.Start(context.Background())
	c.Stop()
	c.Stop()
}

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

var testRule = Rule{Key: "rl:test:", Limit: 3, Window: 5 * time.Second}

func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		iter := client.Scan(ctx, 0, testRule.Key+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewLimiter(client, nil), client
}

func TestAllow_WithinAndOverLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 1; i <= testRule.Limit; i++ {
		ok, err := l.Allow(ctx, "u1", testRule)
		if err != nil {
			t.Fatalf("Allow #%d error: %v", i, err)
		}
		if !ok {
			t.Fatalf("Allow #%d: expected allowed", i)
		}
	}

	ok, err := l.Allow(ctx, "u1", testRule)
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if ok {
		t.Fatal("expected request over the limit to be denied")
	}

	// Other identifiers have their own window.
	ok, _ = l.Allow(ctx, "u2", testRule)
	if !ok {
		t.Fatal("expected u2 to be allowed")
	}
}

func TestAllow_SetsWindowExpiry(t *testing.T) {
	l, client := newTestLimiter(t)
	ctx := context.Background()

	if _, err := l.Allow(ctx, "u1", testRule); err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	ttl, err := client.TTL(ctx, testRule.Key+"u1").Result()
	if err != nil {
		t.Fatalf("TTL error: %v", err)
	}
	if ttl <= 0 || ttl > testRule.Window {
		t.Errorf("expected TTL in (0, %v], got %v", testRule.Window, ttl)
	}

	retry, err := l.RetryAfter(ctx, "u1", testRule)
	if err != nil {
		t.Fatalf("RetryAfter error: %v", err)
	}
	if retry <= 0 || retry > testRule.Window {
		t.Errorf("expected RetryAfter in (0, %v], got %v", testRule.Window, retry)
	}
}

func TestRetryAfter_NoWindow(t *testing.T) {
	l, _ := newTestLimiter(t)

	retry, err := l.RetryAfter(context.Background(), "nobody", testRule)
	if err != nil {
		t.Fatalf("RetryAfter error: %v", err)
	}
	if retry != 0 {
		t.Errorf("expected 0, got %v", retry)
	}
}

func TestRemaining(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	n, err := l.Remaining(ctx, "u1", testRule)
	if err != nil {
		t.Fatalf("Remaining error: %v", err)
	}
	if n != testRule.Limit {
		t.Errorf("expected %d before any request, got %d", testRule.Limit, n)
	}

	for i := 0; i < testRule.Limit+2; i++ {
		_, _ = l.Allow(ctx, "u1", testRule)
	}
	n, _ = l.Remaining(ctx, "u1", testRule)
	if n != 0 {
		t.Errorf("expected 0 remaining, got %d", n)
	}
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer client.Close()
	l := NewLimiter(client, nil)

	ok, err := l.Allow(context.Background(), "u1", testRule)
	if err == nil {
		t.Fatal("expected an error from an unreachable redis")
	}
	if !ok {
		t.Fatal("expected fail-open allow on redis error")
	}
}

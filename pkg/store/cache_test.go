package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCacheTTL(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	if err := c.Set(ctx, "k", "v", 30*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("unexpected get: %q %v", got, err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after expiry, got %v", err)
	}
}

func TestMemoryCacheDel(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after delete, got %v", err)
	}
}

func TestRedisCache(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewCache(ctx, client)
	if _, ok := c.(*RedisCache); !ok {
		t.Fatalf("expected redis-backed cache, got %T", c)
	}
	if err := c.Set(ctx, "root:abc", "cached", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := c.Get(ctx, "root:abc")
	if err != nil || got != "cached" {
		t.Fatalf("unexpected get: %q %v", got, err)
	}
	if _, err := c.Get(ctx, "missing"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
}

func TestNewCacheFallsBackToMemory(t *testing.T) {
	ctx := context.Background()
	if _, ok := NewCache(ctx, nil).(*MemoryCache); !ok {
		t.Fatal("expected memory fallback without redis")
	}
}

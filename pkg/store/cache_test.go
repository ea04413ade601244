package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewMemoryCache()

	if _, err := c.Get(ctx, "fp:reg-1:AAPL:20231025"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected cache miss, got %v", err)
	}
	if err := c.Set(ctx, "fp:reg-1:AAPL:20231025", "ab"+"cd", time.Minute); err != nil {
		t.Fatal(err)
	}
	got, err := c.Get(ctx, "fp:reg-1:AAPL:20231025")
	if err != nil {
		t.Fatal(err)
	}
	if got != "abcd" {
		t.Fatalf("got %q", got)
	}
	if err := c.Del(ctx, "fp:reg-1:AAPL:20231025"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, "fp:reg-1:AAPL:20231025"); !errors.Is(err, ErrCacheMiss) {
		t.Fatal("expected miss after delete")
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewMemoryCache()
	if err := c.Set(ctx, "k", "v", -time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatal("expected expired entry to read as a miss")
	}
}

func TestRedisCacheWithMiniredis(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	c := NewCache(ctx, client)
	if _, ok := c.(*RedisCache); !ok {
		t.Fatalf("expected redis-backed cache, got %T", c)
	}

	if _, err := c.Get(ctx, "fp:reg-1:MSFT:20231026"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
	if err := c.Set(ctx, "fp:reg-1:MSFT:20231026", "feed", time.Hour); err != nil {
		t.Fatal(err)
	}
	got, err := c.Get(ctx, "fp:reg-1:MSFT:20231026")
	if err != nil || got != "feed" {
		t.Fatalf("get: %q %v", got, err)
	}
	if err := c.Del(ctx, "fp:reg-1:MSFT:20231026"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, "fp:reg-1:MSFT:20231026"); !errors.Is(err, ErrCacheMiss) {
		t.Fatal("expected miss after delete")
	}
}

func TestNewCacheFallsBackToMemory(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close()

	c := NewCache(context.Background(), client)
	if _, ok := c.(*MemoryCache); !ok {
		t.Fatalf("expected memory fallback, got %T", c)
	}

	c = NewCache(context.Background(), nil)
	if _, ok := c.(*MemoryCache); !ok {
		t.Fatalf("expected memory cache for nil client, got %T", c)
	}
}

package surveillance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestDedupStore(t *testing.T) (*DedupStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })
	return NewDedupStore(redisClient, "test", time.Hour, nil, nil, nil), mr
}

func TestDedupStore_MarkThenContains(t *testing.T) {
	store, _ := newTestDedupStore(t)
	ctx := context.Background()

	found, err := store.Contains(ctx, "0xabc")
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if found {
		t.Error("unmarked key should not be found")
	}

	if err := store.Mark(ctx, "0xabc"); err != nil {
		t.Fatalf("mark: %v", err)
	}

	found, err = store.Contains(ctx, "0xabc")
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if !found {
		t.Error("marked key should be found")
	}
}

func TestDedupStore_TTLExpires(t *testing.T) {
	store, mr := newTestDedupStore(t)
	store.ttl = 50 * time.Millisecond
	ctx := context.Background()

	if err := store.Mark(ctx, "0xabc"); err != nil {
		t.Fatalf("mark: %v", err)
	}

	mr.FastForward(100 * time.Millisecond)

	found, err := store.Contains(ctx, "0xabc")
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if found {
		t.Error("key should have expired")
	}
}

func TestDedupStore_FallbackWhenRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewDedupStore(redisClient, "test", time.Hour, nil, nil, nil)
	ctx := context.Background()

	mr.Close() // simulate an outage

	if err := store.Mark(ctx, "0xdef"); err != nil {
		t.Fatalf("mark should degrade gracefully: %v", err)
	}

	found, err := store.Contains(ctx, "0xdef")
	if err != nil {
		t.Fatalf("contains should degrade gracefully: %v", err)
	}
	if !found {
		t.Error("fallback set should report the key as marked")
	}
}

func TestDedupStore_NilRedisUsesFallbackOnly(t *testing.T) {
	store := NewDedupStore(nil, "test", time.Hour, nil, nil, nil)
	ctx := context.Background()

	if err := store.Mark(ctx, "0x1"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	found, err := store.Contains(ctx, "0x1")
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if !found {
		t.Error("expected fallback hit")
	}
}

func TestDedupStore_FallbackEvictsOldestOverBound(t *testing.T) {
	store := NewDedupStore(nil, "test", time.Hour, nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < MaxFallbackEntries+10; i++ {
		key := fmt.Sprintf("key-%d", i)
		if err := store.Mark(ctx, key); err != nil {
			t.Fatalf("mark %s: %v", key, err)
		}
	}

	if len(store.fallback) != MaxFallbackEntries {
		t.Fatalf("expected fallback size capped at %d, got %d", MaxFallbackEntries, len(store.fallback))
	}

	found, _ := store.Contains(ctx, "key-0")
	if found {
		t.Error("oldest key should have been evicted")
	}

	found, _ = store.Contains(ctx, fmt.Sprintf("key-%d", MaxFallbackEntries+9))
	if !found {
		t.Error("most recently marked key should still be present")
	}
}

func TestDedupStore_DuplicateMarkIsIdempotent(t *testing.T) {
	store, _ := newTestDedupStore(t)
	ctx := context.Background()

	if err := store.Mark(ctx, "0xabc"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := store.Mark(ctx, "0xabc"); err != nil {
		t.Fatalf("second mark: %v", err)
	}

	found, err := store.Contains(ctx, "0xabc")
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if !found {
		t.Error("key should still be marked")
	}
}

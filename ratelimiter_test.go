package surveillance

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiter_AllowsBurst(t *testing.T) {
	rl := NewRateLimiter(10, 3, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := rl.Do(ctx, "chain-rpc", func() error { return nil })
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
}

func TestRateLimiter_SurfacesThunkErrorUnchanged(t *testing.T) {
	rl := NewRateLimiter(100, 5, nil, nil)
	ctx := context.Background()

	sentinel := errors.New("upstream exploded")
	err := rl.Do(ctx, "indexer", func() error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Errorf("expected sentinel error passed through, got %v", err)
	}
}

func TestRateLimiter_CancellableByDeadline(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil, nil)
	ctx := context.Background()

	// consume the single burst token
	if err := rl.Do(ctx, "market-data", func() error { return nil }); err != nil {
		t.Fatalf("first call: %v", err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()

	err := rl.Do(shortCtx, "market-data", func() error {
		t.Fatal("fn should not run: limiter should have blocked past the deadline")
		return nil
	})
	if err == nil {
		t.Fatal("expected deadline-exceeded error")
	}
}

func TestRateLimiter_IndependentPerUpstream(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil, nil)
	ctx := context.Background()

	if err := rl.Do(ctx, "chain-rpc", func() error { return nil }); err != nil {
		t.Fatalf("chain-rpc: %v", err)
	}

	// explorer has its own bucket, unaffected by chain-rpc's consumption
	if err := rl.Do(ctx, "explorer", func() error { return nil }); err != nil {
		t.Fatalf("explorer should have its own independent bucket: %v", err)
	}
}

func TestRateLimiter_BackingOffSignal(t *testing.T) {
	rl := NewRateLimiter(10, 5, nil, nil)

	if rl.IsBackingOff("market-data") {
		t.Error("should not be backing off before any report")
	}

	rl.ReportRateLimited("market-data", 50*time.Millisecond)
	if !rl.IsBackingOff("market-data") {
		t.Error("should be backing off immediately after report")
	}

	time.Sleep(70 * time.Millisecond)
	if rl.IsBackingOff("market-data") {
		t.Error("backoff window should have elapsed")
	}
}

func TestRateLimiter_BackoffIsPerUpstream(t *testing.T) {
	rl := NewRateLimiter(10, 5, nil, nil)

	rl.ReportRateLimited("indexer", time.Second)
	if rl.IsBackingOff("explorer") {
		t.Error("backoff on one upstream must not affect another")
	}
}

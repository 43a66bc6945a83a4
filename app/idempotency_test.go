package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestCache(t *testing.T) (*EventCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewEventCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})), mr
}

func TestMarkProcessingClaimsOnce(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	claimed, err := cache.MarkProcessing(ctx, "evt_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !claimed {
		t.Fatalf("first claim should succeed")
	}

	claimed, err = cache.MarkProcessing(ctx, "evt_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed {
		t.Fatalf("second claim of the same event must fail")
	}
}

func TestClearReleasesClaim(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	if _, err := cache.MarkProcessing(ctx, "evt_1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cache.Clear(ctx, "evt_1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	claimed, err := cache.MarkProcessing(ctx, "evt_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !claimed {
		t.Fatalf("event should be claimable again after Clear")
	}
}

func TestMarkerExpires(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	if _, err := cache.MarkProcessing(ctx, "evt_1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ttl := mr.TTL("stripe:webhook:evt_1")
	if ttl != 24*time.Hour {
		t.Fatalf("expected 24h marker TTL, got %v", ttl)
	}

	mr.FastForward(25 * time.Hour)
	claimed, err := cache.MarkProcessing(ctx, "evt_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !claimed {
		t.Fatalf("expired marker should be claimable again")
	}
}

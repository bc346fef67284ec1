package ledger

import (
	"context"
	"testing"
	"time"

	"commonground/internal/config"
	"commonground/internal/redis"
)

func newRedisCache(t *testing.T) *redis.Client {
	t.Helper()
	cache, err := redis.NewClient(&config.Config{})
	if err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestReserveAndReleaseViaRedis(t *testing.T) {
	cache := newRedisCache(t)
	led, _ := newTestLedger(t, 2, 100)
	led.cache = cache

	ctx := context.Background()
	// Unique user id keeps leftover counters from previous runs out of play.
	userID := time.Now().UnixNano()
	t.Cleanup(func() {
		dayKey, monthKey := led.keys(userID)
		_ = cache.Del(ctx, dayKey, monthKey)
	})

	for i := 0; i < 2; i++ {
		dec, err := led.CheckAndReserve(ctx, userID)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if !dec.Allowed {
			t.Fatalf("reserve %d denied: %+v", i, dec)
		}
	}

	dec, err := led.CheckAndReserve(ctx, userID)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("third reservation should be denied")
	}
	if dec.Reason != ReasonDailyLimit {
		t.Fatalf("reason %q, want %q", dec.Reason, ReasonDailyLimit)
	}

	led.Release(ctx, userID)
	dec, err = led.CheckAndReserve(ctx, userID)
	if err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("released slot not reclaimable: %+v", dec)
	}
}

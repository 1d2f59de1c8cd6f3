package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLocalRateLimiter_Burst(t *testing.T) {
	l := NewLocalRateLimiter()
	ctx := context.Background()
	limit := Limit{Rate: 1, Period: time.Hour, Burst: 3}

	for i := range 3 {
		res, err := l.Allow(ctx, "venue-a", limit)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
	res, _ := l.Allow(ctx, "venue-a", limit)
	if res.Allowed {
		t.Error("request beyond burst should be rejected")
	}
	if res.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %s, want positive", res.RetryAfter)
	}

	// 不同 key 使用独立的令牌桶
	if res, _ := l.Allow(ctx, "venue-b", limit); !res.Allowed {
		t.Error("another key should have its own bucket")
	}
}

func TestLocalRateLimiter_Unlimited(t *testing.T) {
	l := NewLocalRateLimiter()
	for range 100 {
		res, err := l.Allow(context.Background(), "k", Limit{})
		if err != nil || !res.Allowed {
			t.Fatal("zero limit should allow everything")
		}
	}
}

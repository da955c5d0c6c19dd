package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

func TestWindowAllowsNThenRejects(t *testing.T) {
	limiter := New(time.Minute, 5, 3)
	now := time.Now()

	for i := 0; i < 5; i++ {
		ok, _ := limiter.Allow("t1|u1", ClassMetadata, now)
		if !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	ok, retryAfter := limiter.Allow("t1|u1", ClassMetadata, now)
	if ok {
		t.Fatal("request 6 should be rejected")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("unexpected retry-after %v", retryAfter)
	}
}

func TestWindowResetsAfterElapse(t *testing.T) {
	limiter := New(time.Minute, 2, 2)
	now := time.Now()

	limiter.Allow("t1|u1", ClassMetadata, now)
	limiter.Allow("t1|u1", ClassMetadata, now)
	if ok, _ := limiter.Allow("t1|u1", ClassMetadata, now); ok {
		t.Fatal("third request in window should be rejected")
	}

	later := now.Add(time.Minute + time.Second)
	if ok, _ := limiter.Allow("t1|u1", ClassMetadata, later); !ok {
		t.Fatal("request after window elapsed should be allowed")
	}
}

func TestClassesAreIndependent(t *testing.T) {
	limiter := New(time.Minute, 10, 1)
	now := time.Now()

	if ok, _ := limiter.Allow("t1|u1", ClassState, now); !ok {
		t.Fatal("first state request should be allowed")
	}
	if ok, _ := limiter.Allow("t1|u1", ClassState, now); ok {
		t.Fatal("second state request should be rejected")
	}
	// Metadata allowance is untouched by exhausted state allowance.
	if ok, _ := limiter.Allow("t1|u1", ClassMetadata, now); !ok {
		t.Fatal("metadata request should be allowed")
	}
}

func TestIdentitiesAreIndependent(t *testing.T) {
	limiter := New(time.Minute, 1, 1)
	now := time.Now()

	limiter.Allow("t1|u1", ClassMetadata, now)
	if ok, _ := limiter.Allow("t1|u1", ClassMetadata, now); ok {
		t.Fatal("exhausted identity should be rejected")
	}
	if ok, _ := limiter.Allow("t1|u2", ClassMetadata, now); !ok {
		t.Fatal("different identity should be unaffected")
	}
}

func TestPruneDropsExpiredBuckets(t *testing.T) {
	limiter := New(time.Minute, 10, 10)
	now := time.Now()

	for i := 0; i < 2000; i++ {
		limiter.Allow(fmt.Sprintf("identity-%d", i), ClassMetadata, now)
	}

	// A rollover far in the future triggers pruning of everything stale.
	limiter.Allow("fresh", ClassMetadata, now.Add(2*time.Minute))

	limiter.mu.Lock()
	remaining := len(limiter.buckets)
	limiter.mu.Unlock()
	if remaining > 2 {
		t.Fatalf("expected stale buckets pruned, %d remain", remaining)
	}
}

package security

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func testLimiter(rule RateLimitRule) (*RateLimiter, *time.Time) {
	l := NewRateLimiter(map[string]RateLimitRule{"op": rule})
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowNPlusOne(t *testing.T) {
	l, _ := testLimiter(RateLimitRule{MaxRequests: 5, Window: time.Minute, BackoffMultiplier: 2, MaxBackoff: time.Hour})

	for i := 0; i < 5; i++ {
		if err := l.Allow("op", "user-1"); err != nil {
			t.Fatalf("request %d denied: %v", i+1, err)
		}
	}
	err := l.Allow("op", "user-1")
	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("request 6 err = %v, want *RateLimitError", err)
	}
	if rlErr.Rule != "op" || rlErr.Key != "user-1" {
		t.Errorf("error identity = %s/%s", rlErr.Rule, rlErr.Key)
	}
	if rlErr.RetryAfter != time.Minute {
		t.Errorf("first violation RetryAfter = %v, want the window", rlErr.RetryAfter)
	}
}

func TestAllowKeyIsolation(t *testing.T) {
	l, _ := testLimiter(RateLimitRule{MaxRequests: 2, Window: time.Minute, BackoffMultiplier: 2, MaxBackoff: time.Hour})

	for i := 0; i < 3; i++ {
		l.Allow("op", "noisy")
	}
	if err := l.Allow("op", "quiet"); err != nil {
		t.Errorf("unrelated key denied: %v", err)
	}
}

func TestBackoffEscalatesPerViolation(t *testing.T) {
	l, now := testLimiter(RateLimitRule{MaxRequests: 1, Window: time.Minute, BackoffMultiplier: 2, MaxBackoff: time.Hour})

	violate := func() *RateLimitError {
		t.Helper()
		l.Allow("op", "user-1")
		err := l.Allow("op", "user-1")
		var rlErr *RateLimitError
		if !errors.As(err, &rlErr) {
			t.Fatalf("expected violation, got %v", err)
		}
		return rlErr
	}

	first := violate()
	if first.RetryAfter != time.Minute {
		t.Errorf("violation 1 backoff = %v, want 1m", first.RetryAfter)
	}

	// Wait out the backoff; the fresh window still remembers the
	// violation streak because the previous window was violated.
	*now = now.Add(first.RetryAfter + time.Second)
	second := violate()
	if second.RetryAfter != 2*time.Minute {
		t.Errorf("violation 2 backoff = %v, want 2m", second.RetryAfter)
	}

	*now = now.Add(second.RetryAfter + time.Second)
	third := violate()
	if third.RetryAfter != 4*time.Minute {
		t.Errorf("violation 3 backoff = %v, want 4m", third.RetryAfter)
	}
}

func TestBackoffCap(t *testing.T) {
	l, now := testLimiter(RateLimitRule{MaxRequests: 1, Window: time.Minute, BackoffMultiplier: 10, MaxBackoff: 5 * time.Minute})

	l.Allow("op", "user-1")
	l.Allow("op", "user-1") // violation 1: 1m
	*now = now.Add(2 * time.Minute)
	l.Allow("op", "user-1")
	err := l.Allow("op", "user-1") // violation 2: 10m uncapped
	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected violation, got %v", err)
	}
	if rlErr.RetryAfter != 5*time.Minute {
		t.Errorf("backoff = %v, want the 5m cap", rlErr.RetryAfter)
	}
}

func TestRequestsDuringBackoffAreDenied(t *testing.T) {
	l, now := testLimiter(RateLimitRule{MaxRequests: 1, Window: time.Minute, BackoffMultiplier: 2, MaxBackoff: time.Hour})

	l.Allow("op", "user-1")
	l.Allow("op", "user-1")

	*now = now.Add(30 * time.Second)
	err := l.Allow("op", "user-1")
	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected denial during backoff, got %v", err)
	}
	if rlErr.RetryAfter != 30*time.Second {
		t.Errorf("remaining backoff = %v, want 30s", rlErr.RetryAfter)
	}
}

func TestCleanWindowResetsViolations(t *testing.T) {
	l, now := testLimiter(RateLimitRule{MaxRequests: 2, Window: time.Minute, BackoffMultiplier: 2, MaxBackoff: time.Hour})

	l.Allow("op", "user-1")
	l.Allow("op", "user-1")
	l.Allow("op", "user-1") // violation 1

	// Sit out the backoff, then behave for a full window.
	*now = now.Add(2 * time.Minute)
	if err := l.Allow("op", "user-1"); err != nil {
		t.Fatalf("post-backoff request denied: %v", err)
	}
	*now = now.Add(2 * time.Minute)
	l.Allow("op", "user-1")
	l.Allow("op", "user-1")
	err := l.Allow("op", "user-1")
	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected violation, got %v", err)
	}
	if rlErr.RetryAfter != time.Minute {
		t.Errorf("backoff after clean window = %v, want the base window", rlErr.RetryAfter)
	}
}

func TestUnknownRulePasses(t *testing.T) {
	l, _ := testLimiter(RateLimitRule{MaxRequests: 1, Window: time.Minute})
	for i := 0; i < 100; i++ {
		if err := l.Allow("unconfigured", "user-1"); err != nil {
			t.Fatalf("unknown rule denied: %v", err)
		}
	}
}

func TestRemainingAndReset(t *testing.T) {
	l, _ := testLimiter(RateLimitRule{MaxRequests: 3, Window: time.Minute, BackoffMultiplier: 2, MaxBackoff: time.Hour})

	if got := l.Remaining("op", "user-1"); got != 3 {
		t.Errorf("untouched Remaining = %d", got)
	}
	l.Allow("op", "user-1")
	if got := l.Remaining("op", "user-1"); got != 2 {
		t.Errorf("Remaining after one = %d", got)
	}
	l.Reset("op", "user-1")
	if got := l.Remaining("op", "user-1"); got != 3 {
		t.Errorf("Remaining after reset = %d", got)
	}
}

func TestAllowConcurrentCounts(t *testing.T) {
	l := NewRateLimiter(map[string]RateLimitRule{
		"op": {MaxRequests: 50, Window: time.Minute, BackoffMultiplier: 2, MaxBackoff: time.Hour},
	})

	var wg sync.WaitGroup
	var denied sync.Map
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := l.Allow("op", "user-1"); err != nil {
				denied.Store(n, true)
			}
		}(i)
	}
	wg.Wait()

	count := 0
	denied.Range(func(_, _ interface{}) bool { count++; return true })
	if count != 50 {
		t.Errorf("denied = %d of 100, want exactly 50", count)
	}
}

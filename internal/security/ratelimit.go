package security

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// RateLimitError reports a denied request together with how long the
// caller must wait. This subsystem never retries on the caller's behalf.
type RateLimitError struct {
	Rule       string
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s/%s, retry after %s", e.Rule, e.Key, e.RetryAfter.Round(time.Millisecond))
}

// RateLimitRule configures a fixed window for one named rule.
type RateLimitRule struct {
	MaxRequests       int
	Window            time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultRules covers the sensitive operations this subsystem guards.
func DefaultRules() map[string]RateLimitRule {
	return map[string]RateLimitRule{
		"token_refresh":  {MaxRequests: 10, Window: time.Minute, BackoffMultiplier: 2, MaxBackoff: time.Hour},
		"session_create": {MaxRequests: 5, Window: time.Minute, BackoffMultiplier: 2, MaxBackoff: time.Hour},
		"login_attempt":  {MaxRequests: 5, Window: 5 * time.Minute, BackoffMultiplier: 2, MaxBackoff: time.Hour},
	}
}

type limitState struct {
	mu               sync.Mutex
	windowStart      time.Time
	count            int
	violations       int
	violatedInWindow bool
	backoffUntil     time.Time
}

// RateLimiter enforces fixed windows per (rule, key) with exponential
// backoff on repeated violations. State is owned by the instance and
// guarded per entry so unrelated keys do not contend; only the map
// itself shares a lock.
type RateLimiter struct {
	mu     sync.RWMutex
	rules  map[string]RateLimitRule
	states map[string]*limitState
	now    func() time.Time
}

// NewRateLimiter returns a limiter for the given rules. Unknown rules
// pass unrestricted.
func NewRateLimiter(rules map[string]RateLimitRule) *RateLimiter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &RateLimiter{
		rules:  rules,
		states: make(map[string]*limitState),
		now:    time.Now,
	}
}

func (l *RateLimiter) state(rule, key string) *limitState {
	mapKey := rule + "\x00" + key
	l.mu.RLock()
	st := l.states[mapKey]
	l.mu.RUnlock()
	if st != nil {
		return st
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if st = l.states[mapKey]; st == nil {
		st = &limitState{}
		l.states[mapKey] = st
	}
	return st
}

// Allow records one request for (rule, key). It returns nil when the
// request fits the window, or a *RateLimitError carrying the remaining
// backoff when the limit is exceeded or a backoff is in force.
func (l *RateLimiter) Allow(rule, key string) error {
	cfg, ok := l.rules[rule]
	if !ok || cfg.MaxRequests <= 0 || cfg.Window <= 0 {
		return nil
	}
	now := l.now()
	st := l.state(rule, key)
	st.mu.Lock()
	defer st.mu.Unlock()

	if now.Before(st.backoffUntil) {
		return &RateLimitError{Rule: rule, Key: key, RetryAfter: st.backoffUntil.Sub(now)}
	}

	// Roll the window. A window that elapsed without a violation resets
	// the consecutive-violation counter.
	if st.windowStart.IsZero() || !now.Before(st.windowStart.Add(cfg.Window)) {
		if !st.violatedInWindow {
			st.violations = 0
		}
		st.windowStart = now
		st.count = 0
		st.violatedInWindow = false
	}

	st.count++
	if st.count <= cfg.MaxRequests {
		return nil
	}

	st.violations++
	st.violatedInWindow = true
	backoff := l.backoffFor(cfg, st.violations)
	st.backoffUntil = now.Add(backoff)
	return &RateLimitError{Rule: rule, Key: key, RetryAfter: backoff}
}

// Remaining reports how many requests are still allowed for (rule, key)
// in the current window, without consuming one.
func (l *RateLimiter) Remaining(rule, key string) int {
	cfg, ok := l.rules[rule]
	if !ok {
		return math.MaxInt
	}
	now := l.now()
	st := l.state(rule, key)
	st.mu.Lock()
	defer st.mu.Unlock()
	if now.Before(st.backoffUntil) {
		return 0
	}
	if st.windowStart.IsZero() || !now.Before(st.windowStart.Add(cfg.Window)) {
		return cfg.MaxRequests
	}
	if remaining := cfg.MaxRequests - st.count; remaining > 0 {
		return remaining
	}
	return 0
}

// Reset clears state for (rule, key), e.g. after a successful login.
func (l *RateLimiter) Reset(rule, key string) {
	mapKey := rule + "\x00" + key
	l.mu.Lock()
	delete(l.states, mapKey)
	l.mu.Unlock()
}

func (l *RateLimiter) backoffFor(cfg RateLimitRule, violations int) time.Duration {
	multiplier := cfg.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	backoff := time.Duration(float64(cfg.Window) * math.Pow(multiplier, float64(violations-1)))
	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}
	return backoff
}

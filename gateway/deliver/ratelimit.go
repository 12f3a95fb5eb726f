package deliver

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sluicehq/sluice/gateway/rule"
)

// maxInlineWait bounds how long a delivery blocks on its rule's token bucket
// before being parked for the retry worker instead.
const maxInlineWait = time.Second

type (
	// UsageRecorder persists per-rule usage counters in fixed windows so
	// operators can inspect consumption against the configured limits.
	// Recording is best-effort and never blocks a delivery.
	UsageRecorder interface {
		RecordUsage(ctx context.Context, tenant, ruleID string, window time.Time, n int) error
	}

	// limiters holds one token bucket per rule, rebuilt when the rule's
	// rate limit policy changes.
	limiters struct {
		mu     sync.Mutex
		byRule map[string]*ruleLimiter
	}

	ruleLimiter struct {
		limiter *rate.Limiter
		policy  rule.RateLimitPolicy
	}
)

func newLimiters() *limiters {
	return &limiters{byRule: make(map[string]*ruleLimiter)}
}

// acquire takes one token from the rule's bucket. It returns (0, nil) when
// the delivery may proceed, possibly after a short inline wait. When the
// bucket demands a wait longer than maxInlineWait the reservation is released
// and the required delay is returned so the caller can park the delivery.
func (l *limiters) acquire(ctx context.Context, rl *rule.Rule) (time.Duration, error) {
	if rl.RateLimit.Capacity <= 0 {
		return 0, nil
	}

	lim := l.limiterFor(rl)
	res := lim.Reserve()
	if !res.OK() {
		// Burst smaller than the request cannot happen with one token per
		// delivery, but guard anyway.
		return time.Duration(rl.RateLimit.WindowSeconds) * time.Second, nil
	}

	delay := res.Delay()
	if delay == 0 {
		return 0, nil
	}
	if delay > maxInlineWait {
		res.Cancel()
		return delay, nil
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		res.Cancel()
		return 0, ctx.Err()
	case <-t.C:
		return 0, nil
	}
}

// forget drops the cached bucket for a rule, releasing it after deletion.
func (l *limiters) forget(ruleID string) {
	l.mu.Lock()
	delete(l.byRule, ruleID)
	l.mu.Unlock()
}

func (l *limiters) limiterFor(rl *rule.Rule) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.byRule[rl.ID]
	if ok && entry.policy == rl.RateLimit {
		return entry.limiter
	}

	window := time.Duration(rl.RateLimit.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Second
	}
	perSecond := float64(rl.RateLimit.Capacity) / window.Seconds()
	lim := rate.NewLimiter(rate.Limit(perSecond), rl.RateLimit.Capacity)

	l.byRule[rl.ID] = &ruleLimiter{limiter: lim, policy: rl.RateLimit}
	return lim
}

// usageWindow aligns t to the start of the rule's rate limit window for
// usage accounting.
func usageWindow(rl *rule.Rule, t time.Time) time.Time {
	window := time.Duration(rl.RateLimit.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	return t.Truncate(window)
}

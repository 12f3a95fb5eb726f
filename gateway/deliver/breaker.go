package deliver

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sluicehq/sluice/gateway/rule"
)

// ErrCircuitOpen reports a delivery short-circuited by the rule's breaker,
// either fully open or half-open with the single probe already taken.
var ErrCircuitOpen = errors.New("circuit open")

type (
	// breakers holds one circuit breaker per rule. Breakers are rebuilt when
	// the rule's circuit policy changes and state transitions are reported
	// through onChange for persistence.
	breakers struct {
		mu       sync.Mutex
		byRule   map[string]*breakerEntry
		onChange func(ruleID string, c rule.Circuit)
		now      func() time.Time
	}

	breakerEntry struct {
		cb     *gobreaker.CircuitBreaker
		policy rule.CircuitPolicy
	}
)

func newBreakers(onChange func(string, rule.Circuit)) *breakers {
	return &breakers{
		byRule:   make(map[string]*breakerEntry),
		onChange: onChange,
		now:      time.Now,
	}
}

// execute runs fn under the rule's breaker. A short-circuited call returns
// ErrCircuitOpen without invoking fn. Rules without a circuit policy run fn
// directly.
func (b *breakers) execute(rl *rule.Rule, fn func() error) error {
	policy := rl.Breaker.Normalized()
	if policy.Threshold <= 0 {
		return fn()
	}

	cb := b.breakerFor(rl, policy)
	_, err := cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// state returns the rule's current breaker snapshot for ops display.
func (b *breakers) state(ruleID string) (rule.Circuit, bool) {
	b.mu.Lock()
	entry, ok := b.byRule[ruleID]
	b.mu.Unlock()
	if !ok {
		return rule.Circuit{}, false
	}
	return rule.Circuit{
		State:    circuitState(entry.cb.State()),
		Failures: int(entry.cb.Counts().ConsecutiveFailures),
	}, true
}

// forget drops the breaker for a deleted rule.
func (b *breakers) forget(ruleID string) {
	b.mu.Lock()
	delete(b.byRule, ruleID)
	b.mu.Unlock()
}

func (b *breakers) breakerFor(rl *rule.Rule, policy rule.CircuitPolicy) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.byRule[rl.ID]
	if ok && entry.policy == policy {
		return entry.cb
	}

	ruleID := rl.ID
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        ruleID,
		MaxRequests: 1, // half-open admits a single probe
		Interval:    time.Duration(policy.OpenMs) * time.Millisecond,
		Timeout:     time.Duration(policy.OpenMs) * time.Millisecond,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(policy.Threshold)
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			if b.onChange == nil {
				return
			}
			snap := rule.Circuit{State: circuitState(to)}
			if to == gobreaker.StateOpen {
				snap.Failures = policy.Threshold
				snap.OpenedAt = b.now()
			}
			// Persisting the snapshot does I/O; do not hold up the breaker.
			go b.onChange(ruleID, snap)
		},
	})

	b.byRule[ruleID] = &breakerEntry{cb: cb, policy: policy}
	return cb
}

func circuitState(s gobreaker.State) rule.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return rule.CircuitOpen
	case gobreaker.StateHalfOpen:
		return rule.CircuitHalfOpen
	default:
		return rule.CircuitClosed
	}
}

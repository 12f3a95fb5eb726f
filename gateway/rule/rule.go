// Package rule defines integration rules: the per-tenant routing
// configuration that binds event types to delivery targets.
//
// A rule selects events by type and organizational scope, describes how to
// shape the payload, and carries the delivery policy (auth, signing,
// timeouts, retries, rate limiting, circuit breaking). Rules are resolved
// against incoming events by the Resolver and cached per tenant by the
// Cache, which is invalidated through a change feed published by the
// operator API.
package rule

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sluicehq/sluice/gateway/transform"
)

type (
	// ScopePolicy controls which organizational units a rule applies to.
	ScopePolicy string

	// DeliveryMode controls when matched events are delivered.
	DeliveryMode string

	// AuthKind selects the outgoing authentication strategy.
	AuthKind string

	// CircuitState is the persisted breaker state.
	CircuitState string

	// Scope is the organizational reach of a rule.
	Scope struct {
		// Policy is SELF, INCLUDE_CHILDREN or ALL.
		Policy ScopePolicy
		// Excludes lists org units exempted from INCLUDE_CHILDREN and ALL.
		Excludes []string
	}

	// AuthSpec configures outgoing request authentication. Only the fields
	// for the selected Kind are consulted.
	AuthSpec struct {
		Kind AuthKind
		// API_KEY
		Header string
		Value  string
		// BASIC
		Username string
		Password string
		// BEARER
		Token string
		// OAUTH1
		ConsumerKey    string
		ConsumerSecret string
		AccessToken    string
		AccessSecret   string
		// OAUTH2 client credentials
		TokenURL     string
		ClientID     string
		ClientSecret string
		Scopes       []string
		// CUSTOM static headers
		Headers map[string]string
	}

	// SignatureSpec configures HMAC-SHA256 body signing with dual-secret
	// rotation: while the previous secret is within its phase-out window the
	// signature header carries digests for both secrets.
	SignatureSpec struct {
		// Header receiving the signature. Defaults to X-Sluice-Signature.
		Header string
		// Secret is the current signing secret.
		Secret string
		// PreviousSecret is the rotating-out secret, if any.
		PreviousSecret string
		// PreviousExpiresAt ends the dual-signing window.
		PreviousExpiresAt time.Time
	}

	// RateLimitPolicy is the per-rule token bucket. Zero capacity disables
	// limiting.
	RateLimitPolicy struct {
		// Capacity is the maximum deliveries per window.
		Capacity int
		// WindowSeconds is the bucket refill window.
		WindowSeconds int
	}

	// CircuitPolicy is the per-rule breaker. Zero values take the defaults;
	// a negative threshold disables the breaker entirely.
	CircuitPolicy struct {
		// Threshold is the consecutive-failure count that opens the circuit.
		Threshold int
		// OpenMs is how long the circuit stays open before a probe.
		OpenMs int
	}

	// Circuit is the persisted breaker snapshot, written back best-effort so
	// operators see breaker state across restarts.
	Circuit struct {
		State    CircuitState
		Failures int
		OpenedAt time.Time
	}

	// SubAction is one step of a multi-action rule. Each sub-action has its
	// own target, transformation and auth; they execute in order.
	SubAction struct {
		// Name identifies the step in logs.
		Name string
		// Target is the delivery URL.
		Target string
		// Method is the HTTP method. Defaults to the rule's method.
		Method string
		// Headers are static request headers.
		Headers map[string]string
		// Auth overrides the rule's auth when Kind is non-empty.
		Auth AuthSpec
		// Transform overrides the rule's transformation when Kind is
		// non-empty.
		Transform transform.Spec
		// CriticalPath aborts remaining sub-actions when this one fails.
		CriticalPath bool
	}

	// Rule is the integration rule aggregate.
	Rule struct {
		ID      string
		Tenant  string
		OrgUnit string
		Name    string
		// EventType is the selector: a literal type, a trailing-wildcard
		// prefix ("invoice.*") or "*".
		EventType string
		Scope     Scope
		// Target is the delivery URL for single-action rules.
		Target string
		// Method is the HTTP method. Defaults to POST.
		Method  string
		Headers map[string]string
		Auth    AuthSpec
		// Signature enables HMAC body signing when its Secret is set.
		Signature SignatureSpec
		// TimeoutMs bounds each delivery attempt. Clamped to
		// [MinTimeoutMs, MaxTimeoutMs]; zero uses the client default.
		TimeoutMs int
		// RetryCount is how many automatic retries follow a failed attempt.
		RetryCount int
		Transform  transform.Spec
		// Lookup is applied after transformation when its Type is set.
		Lookup transform.LookupSpec
		// Actions, when non-empty, replaces Target with a multi-step
		// delivery.
		Actions []SubAction
		// ActionDelayMs separates consecutive sub-actions. Zero uses the
		// default; ParallelActions forces zero.
		ActionDelayMs   int
		ParallelActions bool
		// Mode is immediate, delayed or recurring.
		Mode DeliveryMode
		// Schedule is the sandboxed scheduling script for delayed and
		// recurring rules.
		Schedule  string
		RateLimit RateLimitPolicy
		Breaker   CircuitPolicy
		// CircuitSnapshot is the persisted breaker state.
		CircuitSnapshot Circuit
		// Priority orders rules for an event, highest first.
		Priority int
		Active   bool
		Deleted  bool
		CreatedAt time.Time
		UpdatedAt time.Time
	}
)

const (
	// ScopeSelf applies the rule to its own org unit only.
	ScopeSelf ScopePolicy = "SELF"
	// ScopeIncludeChildren applies the rule to its org unit and all
	// descendants.
	ScopeIncludeChildren ScopePolicy = "INCLUDE_CHILDREN"
	// ScopeAll applies the rule to every org unit in the tenant.
	ScopeAll ScopePolicy = "ALL"
)

const (
	// ModeImmediate delivers matched events inline.
	ModeImmediate DeliveryMode = "immediate"
	// ModeDelayed delivers at a script-computed future time.
	ModeDelayed DeliveryMode = "delayed"
	// ModeRecurring delivers on a script-computed schedule.
	ModeRecurring DeliveryMode = "recurring"
)

const (
	AuthNone   AuthKind = "NONE"
	AuthAPIKey AuthKind = "API_KEY"
	AuthBasic  AuthKind = "BASIC"
	AuthBearer AuthKind = "BEARER"
	AuthOAuth1 AuthKind = "OAUTH1"
	AuthOAuth2 AuthKind = "OAUTH2"
	AuthCustom AuthKind = "CUSTOM"
)

const (
	// CircuitClosed admits deliveries.
	CircuitClosed CircuitState = "CLOSED"
	// CircuitOpen short-circuits deliveries.
	CircuitOpen CircuitState = "OPEN"
	// CircuitHalfOpen admits a single probe.
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

const (
	// MinTimeoutMs is the lower clamp for per-rule delivery timeouts.
	MinTimeoutMs = 500
	// MaxTimeoutMs is the upper clamp for per-rule delivery timeouts.
	MaxTimeoutMs = 60000
	// DefaultActionDelay separates consecutive sub-actions unless the rule
	// overrides it.
	DefaultActionDelay = 10 * time.Second
	// DefaultSignatureHeader carries HMAC body signatures.
	DefaultSignatureHeader = "X-Sluice-Signature"
	// DefaultBreakerThreshold is the consecutive-failure count that opens a
	// rule's circuit when the rule does not set its own.
	DefaultBreakerThreshold = 5
	// DefaultBreakerOpenMs is how long an opened circuit rejects deliveries
	// before admitting a probe.
	DefaultBreakerOpenMs = 60000
)

// ErrInvalid reports a rule that fails validation.
var ErrInvalid = errors.New("invalid rule")

// Matches reports whether the rule's selector accepts the event type.
func (r *Rule) Matches(eventType string) bool {
	switch {
	case r.EventType == "*":
		return true
	case strings.HasSuffix(r.EventType, "*"):
		return strings.HasPrefix(eventType, strings.TrimSuffix(r.EventType, "*"))
	default:
		return r.EventType == eventType
	}
}

// Excluded reports whether the org unit is exempted by the rule's scope.
func (r *Rule) Excluded(orgUnit string) bool {
	for _, ex := range r.Scope.Excludes {
		if ex == orgUnit {
			return true
		}
	}
	return false
}

// EffectiveTimeout resolves the per-attempt delivery timeout, applying the
// fallback and clamping to the allowed range.
func (r *Rule) EffectiveTimeout(fallback time.Duration) time.Duration {
	d := fallback
	if r.TimeoutMs > 0 {
		d = time.Duration(r.TimeoutMs) * time.Millisecond
	}
	if d < MinTimeoutMs*time.Millisecond {
		return MinTimeoutMs * time.Millisecond
	}
	if d > MaxTimeoutMs*time.Millisecond {
		return MaxTimeoutMs * time.Millisecond
	}
	return d
}

// ActionDelay resolves the pause between consecutive sub-actions.
func (r *Rule) ActionDelay() time.Duration {
	if r.ParallelActions {
		return 0
	}
	if r.ActionDelayMs > 0 {
		return time.Duration(r.ActionDelayMs) * time.Millisecond
	}
	return DefaultActionDelay
}

// MaxAttempts is the total number of delivery attempts the rule allows.
func (r *Rule) MaxAttempts() int {
	if r.RetryCount < 0 {
		return 1
	}
	return r.RetryCount + 1
}

// Normalized resolves the circuit policy against the defaults. The returned
// policy has Threshold <= 0 only when the rule disabled the breaker.
func (p CircuitPolicy) Normalized() CircuitPolicy {
	if p.Threshold < 0 {
		return CircuitPolicy{Threshold: -1}
	}
	out := p
	if out.Threshold == 0 {
		out.Threshold = DefaultBreakerThreshold
	}
	if out.OpenMs <= 0 {
		out.OpenMs = DefaultBreakerOpenMs
	}
	return out
}

// Validate checks the structural invariants of a rule.
func (r *Rule) Validate() error {
	if r.Tenant == "" {
		return fmt.Errorf("%w: tenant is required", ErrInvalid)
	}
	if r.EventType == "" {
		return fmt.Errorf("%w: event type selector is required", ErrInvalid)
	}
	switch r.Scope.Policy {
	case ScopeSelf, ScopeIncludeChildren, ScopeAll:
	case "":
		return fmt.Errorf("%w: scope policy is required", ErrInvalid)
	default:
		return fmt.Errorf("%w: unknown scope policy %q", ErrInvalid, r.Scope.Policy)
	}
	if len(r.Actions) == 0 {
		if r.Target == "" {
			return fmt.Errorf("%w: target is required", ErrInvalid)
		}
		if err := validTarget(r.Target); err != nil {
			return err
		}
	}
	for i, a := range r.Actions {
		if a.Target == "" {
			return fmt.Errorf("%w: action %d: target is required", ErrInvalid, i)
		}
		if err := validTarget(a.Target); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	switch r.Mode {
	case ModeImmediate, "":
	case ModeDelayed, ModeRecurring:
		if strings.TrimSpace(r.Schedule) == "" {
			return fmt.Errorf("%w: %s mode requires a scheduling script", ErrInvalid, r.Mode)
		}
	default:
		return fmt.Errorf("%w: unknown delivery mode %q", ErrInvalid, r.Mode)
	}
	switch r.Transform.Kind {
	case "", transform.KindNone:
	case transform.KindMapping:
		if r.Transform.Mapping == nil {
			return fmt.Errorf("%w: mapping transform requires a mapping", ErrInvalid)
		}
	case transform.KindScript:
		if strings.TrimSpace(r.Transform.Script) == "" {
			return fmt.Errorf("%w: script transform requires a script", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown transform kind %q", ErrInvalid, r.Transform.Kind)
	}
	if r.RetryCount < 0 {
		return fmt.Errorf("%w: retry count must be >= 0", ErrInvalid)
	}
	if r.RateLimit.Capacity < 0 || r.RateLimit.WindowSeconds < 0 {
		return fmt.Errorf("%w: rate limit values must be >= 0", ErrInvalid)
	}
	if r.RateLimit.Capacity > 0 && r.RateLimit.WindowSeconds == 0 {
		return fmt.Errorf("%w: rate limit window is required", ErrInvalid)
	}
	// Threshold -1 disables the breaker.
	if r.Breaker.Threshold < -1 {
		return fmt.Errorf("%w: circuit breaker threshold must be >= -1", ErrInvalid)
	}
	if r.Breaker.OpenMs < 0 {
		return fmt.Errorf("%w: circuit breaker open window must be >= 0", ErrInvalid)
	}
	return nil
}

func validTarget(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("%w: target %q: %s", ErrInvalid, target, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: target %q: scheme must be http or https", ErrInvalid, target)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: target %q: host is required", ErrInvalid, target)
	}
	return nil
}

// SignatureHeader resolves the signature header name.
func (s SignatureSpec) SignatureHeader() string {
	if s.Header != "" {
		return s.Header
	}
	return DefaultSignatureHeader
}

// DualSigningActive reports whether the previous secret should still be used
// at the given time.
func (s SignatureSpec) DualSigningActive(now time.Time) bool {
	return s.PreviousSecret != "" && (s.PreviousExpiresAt.IsZero() || now.Before(s.PreviousExpiresAt))
}

// Package execlog defines the execution log: the durable record of every
// delivery the gateway attempts on behalf of a rule.
//
// The log is the source of truth for retry state. The delivery executor
// appends entries and per-attempt records; the retry worker scans the log for
// work; operators inspect, retry and abandon entries through the control
// surface.
package execlog

import (
	"context"
	"errors"
	"time"
)

type (
	// Status is the lifecycle state of an execution log entry.
	Status string

	// Trigger records what initiated an execution.
	Trigger string

	// Category is the coarse error classification used for retry decisions
	// and reporting.
	Category string

	// ErrorInfo captures a classified delivery failure.
	ErrorInfo struct {
		// Category is the coarse classification.
		Category Category
		// Code is a stable machine-readable code within the category.
		Code string
		// Message is a human-readable description, truncated for storage.
		Message string
	}

	// ResponseInfo captures the observable part of an HTTP response.
	ResponseInfo struct {
		// StatusCode is the HTTP status, zero when no response was received.
		StatusCode int
		// Body is a snippet of the response body, truncated for storage.
		Body string
		// Headers holds the response headers, first value only.
		Headers map[string]string
	}

	// Entry is one execution of one rule for one event.
	Entry struct {
		// ID is the store-assigned identifier.
		ID string
		// Tenant owns the entry.
		Tenant string
		// OrgUnit is the event's organizational unit.
		OrgUnit string
		// RuleID identifies the rule that matched.
		RuleID string
		// RuleName is denormalized at write time for display.
		RuleName string
		// Action names the rule sub-action this entry covers. Empty for
		// single-target rules.
		Action string
		// Target is the denormalized delivery URL.
		Target string
		// EventID is the gateway event identifier.
		EventID string
		// EventType is the event's business type.
		EventType string
		// Fingerprint is the event dedup fingerprint.
		Fingerprint string
		// Status is the current lifecycle state.
		Status Status
		// Trigger records what initiated the execution.
		Trigger Trigger
		// Attempts counts delivery attempts made so far.
		Attempts int
		// MaxAttempts is 1 + the rule's retry count at execution time.
		MaxAttempts int
		// ShouldRetry marks the entry eligible for the retry worker.
		ShouldRetry bool
		// Error is the classification of the most recent failure.
		Error *ErrorInfo
		// Response is the most recent HTTP response snapshot.
		Response *ResponseInfo
		// EventPayload is the original event payload before transformation.
		EventPayload []byte
		// Payload is the transformed payload that was (or will be) sent.
		Payload []byte
		// Duration is how long the most recent attempt took.
		Duration time.Duration
		// CorrelationID ties the entry to its ingestion.
		CorrelationID string
		// ScheduledID links to the scheduled delivery that fired this
		// execution, if any.
		ScheduledID string
		// CreatedAt is when the entry was appended.
		CreatedAt time.Time
		// UpdatedAt is bumped on every mutation.
		UpdatedAt time.Time
		// LastAttemptAt is when the most recent attempt started.
		LastAttemptAt time.Time
		// NextAttemptAt, when set, is the earliest time the retry worker may
		// pick the entry up. When zero the worker derives the delay from
		// LastAttemptAt and the backoff schedule.
		NextAttemptAt time.Time
	}

	// Attempt is the per-try record kept alongside the entry.
	Attempt struct {
		// ID is the store-assigned identifier.
		ID string
		// LogID is the execution log entry this attempt belongs to.
		LogID string
		// Tenant owns the attempt.
		Tenant string
		// RuleID identifies the rule.
		RuleID string
		// Number is the 1-based attempt ordinal.
		Number int
		// Status is SUCCESS, FAILED or SKIPPED.
		Status Status
		// Error is the classified failure, if any.
		Error *ErrorInfo
		// Response is the HTTP response snapshot, if any.
		Response *ResponseInfo
		// Duration is how long the attempt took.
		Duration time.Duration
		// StartedAt is when the attempt began.
		StartedAt time.Time
	}

	// Filter selects entries for listing.
	Filter struct {
		Tenant    string
		RuleID    string
		EventType string
		Status    Status
		From      time.Time
		To        time.Time
		// Cursor is an opaque pagination token from a previous page.
		Cursor string
		// Limit caps the page size. Must be > 0.
		Limit int
	}

	// Page is a forward page of entries.
	Page struct {
		Entries []*Entry
		// NextCursor is empty when there are no further entries.
		NextCursor string
	}

	// Store persists execution log entries and attempts.
	Store interface {
		// Append stores a new entry, assigning its ID.
		Append(ctx context.Context, e *Entry) error

		// Update replaces the mutable fields of an existing entry.
		Update(ctx context.Context, e *Entry) error

		// RecordAttempt appends a per-attempt record.
		RecordAttempt(ctx context.Context, a *Attempt) error

		// Get returns the entry by ID or ErrNotFound.
		Get(ctx context.Context, id string) (*Entry, error)

		// List returns a forward page of entries matching the filter,
		// newest first.
		List(ctx context.Context, f Filter) (Page, error)

		// ListAttempts returns all attempts for an entry, oldest first.
		ListAttempts(ctx context.Context, logID string) ([]*Attempt, error)

		// ListRetryable returns entries eligible for the retry worker:
		// status FAILED or RETRYING, ShouldRetry set and attempts below
		// MaxAttempts. Limit caps the batch.
		ListRetryable(ctx context.Context, limit int) ([]*Entry, error)

		// ResetStuck moves RETRYING entries whose last update is older than
		// cutoff back to FAILED so the next scan reconsiders them. Returns
		// the number of entries reset.
		ResetStuck(ctx context.Context, cutoff time.Time) (int64, error)

		// StampRuleMetadata denormalizes the rule name and target onto
		// historical entries for the rule. Returns the number updated.
		StampRuleMetadata(ctx context.Context, ruleID, ruleName, target string) (int64, error)
	}
)

const (
	// StatusPending marks an entry created but not yet attempted.
	StatusPending Status = "PENDING"
	// StatusSuccess marks a delivered entry.
	StatusSuccess Status = "SUCCESS"
	// StatusFailed marks a failed attempt that may still be retried.
	StatusFailed Status = "FAILED"
	// StatusRetrying marks an entry the retry worker has picked up.
	StatusRetrying Status = "RETRYING"
	// StatusAbandoned marks an entry that exhausted its attempts.
	StatusAbandoned Status = "ABANDONED"
	// StatusSkipped marks an entry short-circuited without I/O (open
	// circuit, policy block).
	StatusSkipped Status = "SKIPPED"
	// StatusDuplicate marks an ingestion suppressed by the dedup check.
	StatusDuplicate Status = "DUPLICATE"
)

const (
	// TriggerIngest marks executions started by event ingestion.
	TriggerIngest Trigger = "ingest"
	// TriggerRetry marks executions started by the retry worker.
	TriggerRetry Trigger = "retry"
	// TriggerScheduled marks executions fired by the scheduler.
	TriggerScheduled Trigger = "scheduled"
	// TriggerManual marks operator-initiated executions.
	TriggerManual Trigger = "manual"
)

const (
	// CategoryTransient covers failures expected to heal (timeouts, DNS,
	// connection errors, 5xx).
	CategoryTransient Category = "TRANSIENT"
	// CategoryRateLimited covers 429 responses and local bucket exhaustion.
	CategoryRateLimited Category = "RATE_LIMITED"
	// CategoryPermanent covers failures retrying cannot fix (4xx other than
	// 408/429, malformed targets).
	CategoryPermanent Category = "PERMANENT"
	// CategoryConfig covers rule misconfiguration (bad URL, missing auth).
	CategoryConfig Category = "CONFIG"
	// CategoryScript covers sandbox failures (syntax, runtime, limits).
	CategoryScript Category = "SCRIPT"
	// CategoryPolicy covers deliveries blocked by security policy.
	CategoryPolicy Category = "POLICY"
	// CategoryCircuitOpen covers deliveries skipped by an open breaker.
	CategoryCircuitOpen Category = "CIRCUIT_OPEN"
	// CategoryScheduledTimePassed covers scheduled deliveries cancelled past
	// their grace window.
	CategoryScheduledTimePassed Category = "SCHEDULED_TIME_PASSED"
	// CategoryShutdown covers work abandoned by process shutdown.
	CategoryShutdown Category = "SHUTDOWN"
)

// Stable error codes within categories.
const (
	CodeTimeout         = "TIMEOUT"
	CodeDNS             = "DNS"
	CodeNetwork         = "NETWORK"
	CodeConnectionReset = "CONNECTION_RESET"
	CodeHTTP4xx         = "HTTP_4XX"
	CodeHTTP5xx         = "HTTP_5XX"
	CodeRateLimited     = "RATE_LIMITED"
	CodeCircuitOpen     = "CIRCUIT_OPEN"
	CodeMissingAuth     = "MISSING_AUTH"
	CodeBadTarget       = "BAD_TARGET"
	CodeRuleInactive    = "RULE_INACTIVE"
	CodeBadTransform    = "BAD_TRANSFORM"
	CodeBadSchedule     = "BAD_SCHEDULE"
	CodeSandboxLimit    = "SANDBOX_LIMIT"
	CodeScriptRuntime   = "SCRIPT_RUNTIME"
	CodeScriptCompile   = "SCRIPT_COMPILE"
	CodeCriticalPath    = "CRITICAL_PATH_ABORTED"
	CodePrivateNetwork  = "PRIVATE_NETWORK"
	CodeInsecureURL     = "INSECURE_URL"
	CodeLookupUnmapped  = "LOOKUP_UNMAPPED"
	CodeShutdown        = "SHUTDOWN"
	CodeTimePassed      = "TIME_PASSED"
)

// ErrNotFound reports a missing entry.
var ErrNotFound = errors.New("execution log entry not found")

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusAbandoned, StatusSkipped, StatusDuplicate:
		return true
	default:
		return false
	}
}

// Retryable reports whether the category is eligible for automatic retry.
func (c Category) Retryable() bool {
	switch c {
	case CategoryTransient, CategoryRateLimited:
		return true
	default:
		return false
	}
}

// Exhausted reports whether the entry has used all its attempts.
func (e *Entry) Exhausted() bool {
	return e.Attempts >= e.MaxAttempts
}

const (
	// MaxBodySnippet bounds stored response bodies.
	MaxBodySnippet = 2048
	// MaxErrorMessage bounds stored error messages.
	MaxErrorMessage = 1024
)

// Snippet truncates s for storage in a response or error record.
func Snippet(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

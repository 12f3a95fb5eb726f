// Package dlq defines the dead-letter queue for deliveries that exhausted
// their retries or failed in a way automatic retry cannot fix.
//
// Entries reference the originating execution log entry so operators can
// inspect the full attempt history before promoting a retry.
package dlq

import (
	"context"
	"errors"
	"time"

	"github.com/sluicehq/sluice/gateway/execlog"
)

type (
	// Entry is one dead-lettered delivery.
	Entry struct {
		// ID is the store-assigned identifier.
		ID string
		// LogID references the execution log entry that was abandoned.
		LogID string
		// Tenant owns the entry.
		Tenant string
		// RuleID identifies the failing rule.
		RuleID string
		// RuleName is denormalized for display.
		RuleName string
		// EventType is the event's business type.
		EventType string
		// Error is the final classified failure.
		Error execlog.ErrorInfo
		// Attempts is how many delivery attempts were made.
		Attempts int
		// NextRetryAt is an operator-facing hint for when a manual retry is
		// reasonable; the gateway never acts on it automatically.
		NextRetryAt time.Time
		// CreatedAt is when the entry was dead-lettered.
		CreatedAt time.Time
		// ResolvedAt is set when an operator resolves or promotes the entry.
		ResolvedAt time.Time
	}

	// Filter selects entries for listing.
	Filter struct {
		Tenant   string
		RuleID   string
		Category execlog.Category
		// Unresolved limits the listing to open entries.
		Unresolved bool
		Cursor     string
		Limit      int
	}

	// Page is a forward page of entries.
	Page struct {
		Entries    []*Entry
		NextCursor string
	}

	// Store persists dead-lettered deliveries.
	Store interface {
		// Add stores a new entry, assigning its ID.
		Add(ctx context.Context, e *Entry) error

		// Get returns the entry by ID or ErrNotFound.
		Get(ctx context.Context, id string) (*Entry, error)

		// List returns a forward page of entries, newest first.
		List(ctx context.Context, f Filter) (Page, error)

		// Resolve marks the entry handled. Resolving twice is an error.
		Resolve(ctx context.Context, id string, at time.Time) error
	}
)

// ErrNotFound reports a missing entry.
var ErrNotFound = errors.New("dead-letter entry not found")

// ErrResolved reports an entry that was already resolved.
var ErrResolved = errors.New("dead-letter entry already resolved")

// Resolved reports whether the entry has been handled.
func (e *Entry) Resolved() bool {
	return !e.ResolvedAt.IsZero()
}

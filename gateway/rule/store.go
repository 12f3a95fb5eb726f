package rule

import (
	"context"
	"errors"
	"time"
)

type (
	// Filter selects rules for listing.
	Filter struct {
		Tenant string
		// EventType, when set, restricts to rules whose selector could match
		// the literal type (exact or wildcard).
		EventType string
		// IncludeInactive includes paused rules.
		IncludeInactive bool
		// IncludeDeleted includes soft-deleted rules.
		IncludeDeleted bool
		Cursor         string
		Limit          int
	}

	// Page is a forward page of rules.
	Page struct {
		Rules      []*Rule
		NextCursor string
	}

	// Store persists integration rules.
	Store interface {
		// Create stores a new rule, assigning its ID.
		Create(ctx context.Context, r *Rule) error

		// Update replaces an existing rule and bumps UpdatedAt.
		Update(ctx context.Context, r *Rule) error

		// Get returns the rule by ID or ErrNotFound. Soft-deleted rules are
		// returned; callers check Deleted.
		Get(ctx context.Context, id string) (*Rule, error)

		// List returns a forward page of rules for the filter.
		List(ctx context.Context, f Filter) (Page, error)

		// ListActive returns every active, non-deleted rule for the tenant.
		// This is the resolver's working set and is served from the Cache in
		// the hot path.
		ListActive(ctx context.Context, tenant string) ([]*Rule, error)

		// SetActive pauses or resumes a rule.
		SetActive(ctx context.Context, id string, active bool, at time.Time) error

		// Delete soft-deletes a rule.
		Delete(ctx context.Context, id string, at time.Time) error

		// SaveCircuit persists the breaker snapshot for a rule. Best-effort:
		// callers log and continue on failure.
		SaveCircuit(ctx context.Context, id string, c Circuit) error
	}

	// OrgDirectory answers organizational ancestry questions for
	// INCLUDE_CHILDREN scope resolution.
	OrgDirectory interface {
		// IsDescendant reports whether child is a (transitive) descendant of
		// ancestor within the tenant.
		IsDescendant(ctx context.Context, tenant, ancestor, child string) (bool, error)
	}
)

// ErrNotFound reports a missing rule.
var ErrNotFound = errors.New("rule not found")

package rule

import (
	"context"
	"fmt"
	"sort"

	"github.com/sluicehq/sluice/gateway/event"
)

type (
	// Source supplies the active rule set for a tenant. Implemented by the
	// Cache in production and by plain stores in tests.
	Source interface {
		ListActive(ctx context.Context, tenant string) ([]*Rule, error)
	}

	// Resolver matches incoming events to the rules that should fire.
	Resolver struct {
		source Source
		orgs   OrgDirectory
	}
)

// NewResolver returns a resolver reading rules from source and answering
// scope questions through orgs. A nil orgs directory restricts
// INCLUDE_CHILDREN matching to the fast paths (same unit, direct parent).
func NewResolver(source Source, orgs OrgDirectory) *Resolver {
	return &Resolver{source: source, orgs: orgs}
}

// Resolve returns the rules that apply to the event, ordered by priority
// descending then least-recently-updated first. Rules with open circuits are
// included; the executor decides whether to skip them.
func (r *Resolver) Resolve(ctx context.Context, ev *event.Event) ([]*Rule, error) {
	rules, err := r.source.ListActive(ctx, ev.Tenant)
	if err != nil {
		return nil, fmt.Errorf("list rules for %q: %w", ev.Tenant, err)
	}

	var matched []*Rule
	for _, rl := range rules {
		if !rl.Active || rl.Deleted {
			continue
		}
		if !rl.Matches(ev.Type) {
			continue
		}
		ok, err := r.inScope(ctx, rl, ev)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, rl)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return matched, nil
}

func (r *Resolver) inScope(ctx context.Context, rl *Rule, ev *event.Event) (bool, error) {
	switch rl.Scope.Policy {
	case ScopeSelf:
		return rl.OrgUnit == ev.OrgUnit, nil

	case ScopeAll:
		return !rl.Excluded(ev.OrgUnit), nil

	case ScopeIncludeChildren:
		if rl.Excluded(ev.OrgUnit) {
			return false, nil
		}
		if rl.OrgUnit == ev.OrgUnit {
			return true, nil
		}
		// Direct-parent fast path saves a directory walk when the source
		// supplies the parent unit on the envelope.
		if ev.OrgUnitParent != "" && rl.OrgUnit == ev.OrgUnitParent {
			return true, nil
		}
		if r.orgs == nil || ev.OrgUnit == "" {
			return false, nil
		}
		ok, err := r.orgs.IsDescendant(ctx, ev.Tenant, rl.OrgUnit, ev.OrgUnit)
		if err != nil {
			return false, fmt.Errorf("resolve descendants of %q: %w", rl.OrgUnit, err)
		}
		return ok, nil

	default:
		return false, nil
	}
}

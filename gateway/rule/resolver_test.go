package rule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluicehq/sluice/gateway/event"
)

type fakeSource struct {
	rules []*Rule
	err   error
}

func (f *fakeSource) ListActive(context.Context, string) ([]*Rule, error) {
	return f.rules, f.err
}

type fakeOrgs struct {
	// descendants maps ancestor -> children (transitive).
	descendants map[string][]string
	err         error
}

func (f *fakeOrgs) IsDescendant(_ context.Context, _, ancestor, child string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	for _, c := range f.descendants[ancestor] {
		if c == child {
			return true, nil
		}
	}
	return false, nil
}

func TestResolveScope(t *testing.T) {
	t.Parallel()

	mk := func(id string, policy ScopePolicy, orgUnit string, excludes ...string) *Rule {
		return &Rule{
			ID:        id,
			Tenant:    "acme",
			OrgUnit:   orgUnit,
			EventType: "*",
			Scope:     Scope{Policy: policy, Excludes: excludes},
			Active:    true,
		}
	}

	type testCase struct {
		name    string
		rule    *Rule
		event   event.Event
		orgs    *fakeOrgs
		wantHit bool
	}
	cases := []testCase{
		{
			name:    "self_same_unit",
			rule:    mk("r1", ScopeSelf, "ou-1"),
			event:   event.Event{Tenant: "acme", Type: "t", OrgUnit: "ou-1"},
			wantHit: true,
		},
		{
			name:    "self_other_unit",
			rule:    mk("r1", ScopeSelf, "ou-1"),
			event:   event.Event{Tenant: "acme", Type: "t", OrgUnit: "ou-2"},
			wantHit: false,
		},
		{
			name:    "all_matches_any",
			rule:    mk("r1", ScopeAll, "ou-1"),
			event:   event.Event{Tenant: "acme", Type: "t", OrgUnit: "ou-99"},
			wantHit: true,
		},
		{
			name:    "all_respects_excludes",
			rule:    mk("r1", ScopeAll, "ou-1", "ou-99"),
			event:   event.Event{Tenant: "acme", Type: "t", OrgUnit: "ou-99"},
			wantHit: false,
		},
		{
			name:    "children_same_unit",
			rule:    mk("r1", ScopeIncludeChildren, "ou-1"),
			event:   event.Event{Tenant: "acme", Type: "t", OrgUnit: "ou-1"},
			wantHit: true,
		},
		{
			name:    "children_direct_parent_fast_path",
			rule:    mk("r1", ScopeIncludeChildren, "ou-1"),
			event:   event.Event{Tenant: "acme", Type: "t", OrgUnit: "ou-2", OrgUnitParent: "ou-1"},
			wantHit: true,
		},
		{
			name:    "children_via_directory",
			rule:    mk("r1", ScopeIncludeChildren, "ou-1"),
			event:   event.Event{Tenant: "acme", Type: "t", OrgUnit: "ou-5"},
			orgs:    &fakeOrgs{descendants: map[string][]string{"ou-1": {"ou-5"}}},
			wantHit: true,
		},
		{
			name:    "children_not_descendant",
			rule:    mk("r1", ScopeIncludeChildren, "ou-1"),
			event:   event.Event{Tenant: "acme", Type: "t", OrgUnit: "ou-5"},
			orgs:    &fakeOrgs{descendants: map[string][]string{"ou-1": {"ou-6"}}},
			wantHit: false,
		},
		{
			name:    "children_excluded_descendant",
			rule:    mk("r1", ScopeIncludeChildren, "ou-1", "ou-5"),
			event:   event.Event{Tenant: "acme", Type: "t", OrgUnit: "ou-5"},
			orgs:    &fakeOrgs{descendants: map[string][]string{"ou-1": {"ou-5"}}},
			wantHit: false,
		},
		{
			name:    "children_no_directory_no_match",
			rule:    mk("r1", ScopeIncludeChildren, "ou-1"),
			event:   event.Event{Tenant: "acme", Type: "t", OrgUnit: "ou-5"},
			wantHit: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var orgs OrgDirectory
			if tc.orgs != nil {
				orgs = tc.orgs
			}
			res := NewResolver(&fakeSource{rules: []*Rule{tc.rule}}, orgs)
			got, err := res.Resolve(context.Background(), &tc.event)
			require.NoError(t, err)
			if tc.wantHit {
				require.Len(t, got, 1)
				assert.Equal(t, tc.rule.ID, got[0].ID)
				return
			}
			assert.Empty(t, got)
		})
	}
}

func TestResolveOrdering(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mk := func(id string, priority int, updated time.Time) *Rule {
		return &Rule{
			ID:        id,
			Tenant:    "acme",
			EventType: "*",
			Scope:     Scope{Policy: ScopeAll},
			Active:    true,
			Priority:  priority,
			UpdatedAt: updated,
		}
	}
	rules := []*Rule{
		mk("r-low", 1, base),
		mk("r-high-new", 9, base.Add(time.Hour)),
		mk("r-high-old", 9, base),
		mk("r-mid", 5, base),
	}

	res := NewResolver(&fakeSource{rules: rules}, nil)
	got, err := res.Resolve(context.Background(), &event.Event{Tenant: "acme", Type: "t"})
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, r := range got {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"r-high-old", "r-high-new", "r-mid", "r-low"}, ids)
}

func TestResolveSkipsInactiveAndDeleted(t *testing.T) {
	t.Parallel()

	rules := []*Rule{
		{ID: "off", Tenant: "acme", EventType: "*", Scope: Scope{Policy: ScopeAll}, Active: false},
		{ID: "gone", Tenant: "acme", EventType: "*", Scope: Scope{Policy: ScopeAll}, Active: true, Deleted: true},
		{ID: "on", Tenant: "acme", EventType: "*", Scope: Scope{Policy: ScopeAll}, Active: true},
	}
	res := NewResolver(&fakeSource{rules: rules}, nil)
	got, err := res.Resolve(context.Background(), &event.Event{Tenant: "acme", Type: "t"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "on", got[0].ID)
}

func TestResolveSourceError(t *testing.T) {
	t.Parallel()

	boom := errors.New("store down")
	res := NewResolver(&fakeSource{err: boom}, nil)
	_, err := res.Resolve(context.Background(), &event.Event{Tenant: "acme", Type: "t"})
	require.ErrorIs(t, err, boom)
}

func TestResolveDirectoryError(t *testing.T) {
	t.Parallel()

	boom := errors.New("directory down")
	rules := []*Rule{{
		ID: "r1", Tenant: "acme", OrgUnit: "ou-1", EventType: "*",
		Scope: Scope{Policy: ScopeIncludeChildren}, Active: true,
	}}
	res := NewResolver(&fakeSource{rules: rules}, &fakeOrgs{err: boom})
	_, err := res.Resolve(context.Background(), &event.Event{Tenant: "acme", Type: "t", OrgUnit: "ou-5"})
	require.ErrorIs(t, err, boom)
}

package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/sluicehq/sluice/gateway/dedup"
	"github.com/sluicehq/sluice/gateway/dlq"
	"github.com/sluicehq/sluice/gateway/execlog"
	"github.com/sluicehq/sluice/gateway/rule"
	"github.com/sluicehq/sluice/gateway/schedule"
	"github.com/sluicehq/sluice/gateway/transform"
)

func TestRuleStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newRuleStore(newFakeCollection(), time.Second)

	r := &rule.Rule{
		Tenant:    "100",
		OrgUnit:   "store-7",
		Name:      "order webhook",
		EventType: "order.created",
		Scope:     rule.Scope{Policy: rule.ScopeIncludeChildren, Excludes: []string{"store-9"}},
		Target:    "https://example.com/hook",
		Method:    "POST",
		Headers:   map[string]string{"X-Env": "prod"},
		Auth:      rule.AuthSpec{Kind: rule.AuthAPIKey, Header: "X-Api-Key", Value: "s3cret"},
		Signature: rule.SignatureSpec{Header: "X-Signature", Secret: "hmac"},
		TimeoutMs: 5000,
		Transform: transform.Spec{
			Kind: "mapping",
			Mapping: &transform.Mapping{
				Fields:  []transform.Field{{SourcePath: "order.id", TargetPath: "id", Required: true}},
				Statics: []transform.Static{{TargetPath: "source", Value: "sluice"}},
			},
		},
		Mode:      rule.ModeImmediate,
		RateLimit: rule.RateLimitPolicy{Capacity: 10, WindowSeconds: 60},
		Breaker:   rule.CircuitPolicy{Threshold: 5, OpenMs: 30000},
		Priority:  3,
		Active:    true,
	}
	require.NoError(t, s.Create(ctx, r))
	require.NotEmpty(t, r.ID)

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "order webhook", got.Name)
	assert.Equal(t, rule.ScopeIncludeChildren, got.Scope.Policy)
	assert.Equal(t, []string{"store-9"}, got.Scope.Excludes)
	assert.Equal(t, rule.AuthAPIKey, got.Auth.Kind)
	assert.Equal(t, "X-Signature", got.Signature.Header)
	require.NotNil(t, got.Transform.Mapping)
	assert.Equal(t, "order.id", got.Transform.Mapping.Fields[0].SourcePath)
	assert.Equal(t, "sluice", got.Transform.Mapping.Statics[0].Value)
	assert.Equal(t, 10, got.RateLimit.Capacity)
	assert.Equal(t, 3, got.Priority)
	assert.True(t, got.Active)

	got.Name = "renamed"
	require.NoError(t, s.Update(ctx, got))
	again, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", again.Name)
}

func TestRuleStoreNotFound(t *testing.T) {
	ctx := context.Background()
	s := newRuleStore(newFakeCollection(), time.Second)

	_, err := s.Get(ctx, "not-a-hex-id")
	assert.ErrorIs(t, err, rule.ErrNotFound)
	_, err = s.Get(ctx, "65f000000000000000000000")
	assert.ErrorIs(t, err, rule.ErrNotFound)
	assert.ErrorIs(t, s.Update(ctx, &rule.Rule{ID: "65f000000000000000000000"}), rule.ErrNotFound)
	assert.ErrorIs(t, s.SetActive(ctx, "65f000000000000000000000", false, time.Now()), rule.ErrNotFound)
}

func TestRuleStoreSoftDelete(t *testing.T) {
	ctx := context.Background()
	s := newRuleStore(newFakeCollection(), time.Second)

	r := &rule.Rule{Tenant: "100", Name: "doomed", EventType: "*", Active: true}
	require.NoError(t, s.Create(ctx, r))
	require.NoError(t, s.Delete(ctx, r.ID, time.Now()))

	// Soft-deleted rules stay readable but leave the active listings.
	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.False(t, got.Active)

	active, err := s.ListActive(ctx, "100")
	require.NoError(t, err)
	assert.Empty(t, active)

	page, err := s.List(ctx, rule.Filter{Tenant: "100", IncludeInactive: true})
	require.NoError(t, err)
	assert.Empty(t, page.Rules)

	page, err = s.List(ctx, rule.Filter{Tenant: "100", IncludeInactive: true, IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, page.Rules, 1)
}

func TestRuleStoreSaveCircuit(t *testing.T) {
	ctx := context.Background()
	s := newRuleStore(newFakeCollection(), time.Second)

	r := &rule.Rule{Tenant: "100", Name: "breaker", EventType: "*", Active: true}
	require.NoError(t, s.Create(ctx, r))

	openedAt := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveCircuit(ctx, r.ID, rule.Circuit{
		State:    rule.CircuitOpen,
		Failures: 7,
		OpenedAt: openedAt,
	}))

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.CircuitOpen, got.CircuitSnapshot.State)
	assert.Equal(t, 7, got.CircuitSnapshot.Failures)
	assert.True(t, got.CircuitSnapshot.OpenedAt.Equal(openedAt))
}

func TestRuleStoreListPaging(t *testing.T) {
	ctx := context.Background()
	s := newRuleStore(newFakeCollection(), time.Second)

	for _, name := range []string{"one", "two", "three"} {
		require.NoError(t, s.Create(ctx, &rule.Rule{Tenant: "100", Name: name, EventType: "*", Active: true}))
	}

	first, err := s.List(ctx, rule.Filter{Tenant: "100", Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Rules, 2)
	require.NotEmpty(t, first.NextCursor)
	// Newest first.
	assert.Equal(t, "three", first.Rules[0].Name)
	assert.Equal(t, "two", first.Rules[1].Name)

	rest, err := s.List(ctx, rule.Filter{Tenant: "100", Limit: 2, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, rest.Rules, 1)
	assert.Equal(t, "one", rest.Rules[0].Name)
	assert.Empty(t, rest.NextCursor)
}

func TestRuleStoreListEventTypeFilter(t *testing.T) {
	ctx := context.Background()
	s := newRuleStore(newFakeCollection(), time.Second)

	require.NoError(t, s.Create(ctx, &rule.Rule{Tenant: "100", Name: "orders", EventType: "order.*", Active: true}))
	require.NoError(t, s.Create(ctx, &rule.Rule{Tenant: "100", Name: "stock", EventType: "inventory.low", Active: true}))

	page, err := s.List(ctx, rule.Filter{Tenant: "100", EventType: "order.created"})
	require.NoError(t, err)
	require.Len(t, page.Rules, 1)
	assert.Equal(t, "orders", page.Rules[0].Name)
}

func TestLogStoreListRetryable(t *testing.T) {
	ctx := context.Background()
	s := newLogStore(newFakeCollection(), newFakeCollection(), time.Second)

	older := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	entries := []*execlog.Entry{
		{Tenant: "100", EventID: "e1", EventType: "order.created", Status: execlog.StatusFailed,
			Trigger: execlog.TriggerIngest, Attempts: 1, MaxAttempts: 3, ShouldRetry: true, LastAttemptAt: newer},
		{Tenant: "100", EventID: "e2", EventType: "order.created", Status: execlog.StatusRetrying,
			Trigger: execlog.TriggerRetry, Attempts: 2, MaxAttempts: 5, ShouldRetry: true, LastAttemptAt: older},
		// Exhausted: attempts == max.
		{Tenant: "100", EventID: "e3", EventType: "order.created", Status: execlog.StatusFailed,
			Trigger: execlog.TriggerIngest, Attempts: 3, MaxAttempts: 3, ShouldRetry: true, LastAttemptAt: older},
		// Terminal failure, retries disabled.
		{Tenant: "100", EventID: "e4", EventType: "order.created", Status: execlog.StatusFailed,
			Trigger: execlog.TriggerIngest, Attempts: 1, MaxAttempts: 3, ShouldRetry: false, LastAttemptAt: older},
		{Tenant: "100", EventID: "e5", EventType: "order.created", Status: execlog.StatusSuccess,
			Trigger: execlog.TriggerIngest, Attempts: 1, MaxAttempts: 3, ShouldRetry: false, LastAttemptAt: older},
	}
	for _, e := range entries {
		require.NoError(t, s.Append(ctx, e))
	}

	out, err := s.ListRetryable(ctx, 10)
	require.NoError(t, err)
	require.Len(t, out, 2)
	// Oldest attempt first.
	assert.Equal(t, "e2", out[0].EventID)
	assert.Equal(t, "e1", out[1].EventID)
}

func TestLogStoreResetStuck(t *testing.T) {
	ctx := context.Background()
	s := newLogStore(newFakeCollection(), newFakeCollection(), time.Second)

	base := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	stuck := &execlog.Entry{Tenant: "100", EventID: "stuck", EventType: "t", Status: execlog.StatusRetrying,
		Trigger: execlog.TriggerRetry, MaxAttempts: 3}
	require.NoError(t, s.Append(ctx, stuck))

	s.now = func() time.Time { return base.Add(time.Hour) }
	fresh := &execlog.Entry{Tenant: "100", EventID: "fresh", EventType: "t", Status: execlog.StatusRetrying,
		Trigger: execlog.TriggerRetry, MaxAttempts: 3}
	require.NoError(t, s.Append(ctx, fresh))

	n, err := s.ResetStuck(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, execlog.StatusFailed, got.Status)

	got, err = s.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, execlog.StatusRetrying, got.Status)
}

func TestLogStoreAttempts(t *testing.T) {
	ctx := context.Background()
	s := newLogStore(newFakeCollection(), newFakeCollection(), time.Second)

	e := &execlog.Entry{Tenant: "100", EventID: "e1", EventType: "t", Status: execlog.StatusFailed,
		Trigger: execlog.TriggerIngest, MaxAttempts: 3}
	require.NoError(t, s.Append(ctx, e))

	start := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	for i := 1; i <= 2; i++ {
		require.NoError(t, s.RecordAttempt(ctx, &execlog.Attempt{
			LogID:     e.ID,
			Tenant:    "100",
			Number:    i,
			Status:    execlog.StatusFailed,
			Error:     &execlog.ErrorInfo{Category: execlog.CategoryTransient, Code: "HTTP_503"},
			StartedAt: start.Add(time.Duration(i) * time.Minute),
		}))
	}

	out, err := s.ListAttempts(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 1, out[0].Number)
	assert.Equal(t, 2, out[1].Number)
	require.NotNil(t, out[0].Error)
	assert.Equal(t, execlog.CategoryTransient, out[0].Error.Category)
}

func TestLogStoreStampRuleMetadata(t *testing.T) {
	ctx := context.Background()
	s := newLogStore(newFakeCollection(), newFakeCollection(), time.Second)

	for _, id := range []string{"e1", "e2"} {
		require.NoError(t, s.Append(ctx, &execlog.Entry{Tenant: "100", EventID: id, EventType: "t",
			RuleID: "r1", Status: execlog.StatusSuccess, Trigger: execlog.TriggerIngest, MaxAttempts: 1}))
	}
	require.NoError(t, s.Append(ctx, &execlog.Entry{Tenant: "100", EventID: "e3", EventType: "t",
		RuleID: "r2", Status: execlog.StatusSuccess, Trigger: execlog.TriggerIngest, MaxAttempts: 1}))

	n, err := s.StampRuleMetadata(ctx, "r1", "renamed rule", "https://new.example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	page, err := s.List(ctx, execlog.Filter{RuleID: "r1"})
	require.NoError(t, err)
	for _, e := range page.Entries {
		assert.Equal(t, "renamed rule", e.RuleName)
		assert.Equal(t, "https://new.example.com", e.Target)
	}
}

func TestDLQStoreResolve(t *testing.T) {
	ctx := context.Background()
	s := newDLQStore(newFakeCollection(), time.Second)

	e := &dlq.Entry{
		LogID:     "log-1",
		Tenant:    "100",
		RuleID:    "r1",
		EventType: "order.created",
		Error:     execlog.ErrorInfo{Category: execlog.CategoryPermanent, Code: "HTTP_410"},
		Attempts:  5,
	}
	require.NoError(t, s.Add(ctx, e))

	require.NoError(t, s.Resolve(ctx, e.ID, time.Now()))
	assert.ErrorIs(t, s.Resolve(ctx, e.ID, time.Now()), dlq.ErrResolved)
	assert.ErrorIs(t, s.Resolve(ctx, "65f000000000000000000000", time.Now()), dlq.ErrNotFound)

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, got.ResolvedAt.IsZero())
}

func TestDLQStoreListUnresolved(t *testing.T) {
	ctx := context.Background()
	s := newDLQStore(newFakeCollection(), time.Second)

	open := &dlq.Entry{LogID: "l1", Tenant: "100", Error: execlog.ErrorInfo{Category: execlog.CategoryPermanent}}
	closed := &dlq.Entry{LogID: "l2", Tenant: "100", Error: execlog.ErrorInfo{Category: execlog.CategoryPermanent}}
	require.NoError(t, s.Add(ctx, open))
	require.NoError(t, s.Add(ctx, closed))
	require.NoError(t, s.Resolve(ctx, closed.ID, time.Now()))

	page, err := s.List(ctx, dlq.Filter{Tenant: "100", Unresolved: true})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "l1", page.Entries[0].LogID)

	page, err = s.List(ctx, dlq.Filter{Tenant: "100"})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 2)
}

func TestSeenStoreInsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := newSeenStore(newFakeCollection([]string{"fingerprint"}), time.Second)

	fresh, err := s.InsertIfAbsent(ctx, "100", "fp-1", time.Now())
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.InsertIfAbsent(ctx, "100", "fp-1", time.Now())
	require.NoError(t, err)
	assert.False(t, fresh)

	fresh, err = s.InsertIfAbsent(ctx, "100", "fp-2", time.Now())
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestAuditStoreCollapsesOffsetReplays(t *testing.T) {
	ctx := context.Background()
	coll := newFakeCollection([]string{"source", "source_offset"})
	s := newAuditStore(coll, time.Second)

	rec := dedup.AuditRecord{
		EventID:      "ev-1",
		Tenant:       "100",
		EventType:    "order.created",
		Source:       "relational",
		SourceOffset: "42",
		Fingerprint:  "fp-1",
		ReceivedAt:   time.Date(2026, 8, 25, 12, 30, 0, 0, time.UTC),
		CheckedAt:    time.Now(),
	}
	require.NoError(t, s.Record(ctx, rec))

	// A replayed source record is already audited; the second insert hits
	// the offset key and is absorbed.
	rec.Duplicate = true
	require.NoError(t, s.Record(ctx, rec))

	n, err := coll.CountDocuments(ctx, bson.M{"source": "relational"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// A different offset is a different source record.
	rec.SourceOffset = "43"
	require.NoError(t, s.Record(ctx, rec))
	n, err = coll.CountDocuments(ctx, bson.M{"source": "relational"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestAuditStoreFallbackBucketKey(t *testing.T) {
	ctx := context.Background()
	coll := newFakeCollection([]string{"tenant", "fingerprint", "bucket"})
	s := newAuditStore(coll, time.Second)

	received := time.Date(2026, 8, 25, 12, 30, 0, 0, time.UTC)
	rec := dedup.AuditRecord{
		EventID:     "ev-1",
		Tenant:      "100",
		EventType:   "order.created",
		Source:      "push",
		Fingerprint: "fp-1",
		ReceivedAt:  received,
		CheckedAt:   time.Now(),
	}
	require.NoError(t, s.Record(ctx, rec))

	// Same fingerprint in the same bucket collapses.
	rec.ReceivedAt = received.Add(10 * time.Minute)
	require.NoError(t, s.Record(ctx, rec))
	n, err := coll.CountDocuments(ctx, bson.M{"tenant": "100"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The next bucket gets its own row.
	rec.ReceivedAt = received.Add(auditBucket)
	require.NoError(t, s.Record(ctx, rec))
	n, err = coll.CountDocuments(ctx, bson.M{"tenant": "100"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestScheduleStoreClaimDue(t *testing.T) {
	ctx := context.Background()
	s := newScheduleStore(newFakeCollection(), time.Second)

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	mk := func(eventID string, due time.Time) *schedule.Delivery {
		d := &schedule.Delivery{
			Tenant:    "100",
			RuleID:    "r1",
			EventID:   eventID,
			EventType: "order.created",
			DueAt:     due,
			Status:    schedule.StatusPending,
		}
		require.NoError(t, s.Create(ctx, d))
		return d
	}
	mk("late", now.Add(-time.Minute))
	mk("later", now.Add(-time.Hour))
	future := mk("future", now.Add(time.Hour))

	claimed, err := s.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	// Soonest due first, and the claim itself flips the status.
	assert.Equal(t, "later", claimed[0].EventID)
	assert.Equal(t, "late", claimed[1].EventID)
	for _, d := range claimed {
		assert.Equal(t, schedule.StatusProcessing, d.Status)
	}

	// Nothing left due; the future delivery is untouched.
	again, err := s.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
	got, err := s.Get(ctx, future.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusPending, got.Status)
}

func TestScheduleStoreCancel(t *testing.T) {
	ctx := context.Background()
	s := newScheduleStore(newFakeCollection(), time.Second)

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	d := &schedule.Delivery{Tenant: "100", RuleID: "r1", EventID: "e1", EventType: "t",
		DueAt: now.Add(time.Hour), Status: schedule.StatusPending}
	require.NoError(t, s.Create(ctx, d))

	require.NoError(t, s.Cancel(ctx, d.ID, now, "operator request"))
	got, err := s.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusCancelled, got.Status)
	assert.Equal(t, "operator request", got.Reason)

	// Leaving PENDING is one-way.
	assert.ErrorIs(t, s.Cancel(ctx, d.ID, now, "again"), schedule.ErrNotPending)
	assert.ErrorIs(t, s.Cancel(ctx, "65f000000000000000000000", now, "x"), schedule.ErrNotFound)
}

func TestScheduleStoreCancelOverdue(t *testing.T) {
	ctx := context.Background()
	s := newScheduleStore(newFakeCollection(), time.Second)

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	overdue := &schedule.Delivery{Tenant: "100", RuleID: "r1", EventID: "old", EventType: "t",
		DueAt: now.Add(-48 * time.Hour), Status: schedule.StatusPending}
	due := &schedule.Delivery{Tenant: "100", RuleID: "r1", EventID: "soon", EventType: "t",
		DueAt: now.Add(-time.Minute), Status: schedule.StatusPending}
	require.NoError(t, s.Create(ctx, overdue))
	require.NoError(t, s.Create(ctx, due))

	n, err := s.CancelOverdue(ctx, now.Add(-24*time.Hour), now, "past grace window")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusCancelled, got.Status)
	got, err = s.Get(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusPending, got.Status)
}

func TestScheduleStoreResetStuck(t *testing.T) {
	ctx := context.Background()
	s := newScheduleStore(newFakeCollection(), time.Second)

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	d := &schedule.Delivery{Tenant: "100", RuleID: "r1", EventID: "e1", EventType: "t",
		DueAt: now.Add(-time.Minute), Status: schedule.StatusPending}
	require.NoError(t, s.Create(ctx, d))

	claimed, err := s.ClaimDue(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// A crash between claim and completion leaves the row PROCESSING; the
	// sweep hands it back once the claim goes stale.
	n, err := s.ResetStuck(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusPending, got.Status)
}

func TestCheckpointStoreMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newCheckpointStore(newFakeCollection([]string{"source_kind", "source_id", "tenant"}), time.Second)

	_, found, err := s.Load(ctx, "relational", "src-1", "100")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Save(ctx, "relational", "src-1", "100", 10))
	pos, found, err := s.Load(ctx, "relational", "src-1", "100")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(10), pos)

	// A stale writer can never move the position backwards.
	require.NoError(t, s.Save(ctx, "relational", "src-1", "100", 5))
	pos, _, err = s.Load(ctx, "relational", "src-1", "100")
	require.NoError(t, err)
	assert.Equal(t, int64(10), pos)

	require.NoError(t, s.Save(ctx, "relational", "src-1", "100", 20))
	pos, _, err = s.Load(ctx, "relational", "src-1", "100")
	require.NoError(t, err)
	assert.Equal(t, int64(20), pos)

	// Checkpoints are per (kind, source, tenant).
	require.NoError(t, s.Save(ctx, "relational", "src-1", "200", 3))
	pos, _, err = s.Load(ctx, "relational", "src-1", "200")
	require.NoError(t, err)
	assert.Equal(t, int64(3), pos)
}

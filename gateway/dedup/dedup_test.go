package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluicehq/sluice/gateway/event"
)

type fakeSeen struct {
	entries map[string]bool
	err     error
	inserts int
}

func (f *fakeSeen) InsertIfAbsent(_ context.Context, tenant, fp string, _ time.Time) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.inserts++
	key := tenant + "/" + fp
	if f.entries == nil {
		f.entries = make(map[string]bool)
	}
	if f.entries[key] {
		return false, nil
	}
	f.entries[key] = true
	return true, nil
}

type fakeAudit struct {
	records []AuditRecord
	err     error
}

func (f *fakeAudit) Record(_ context.Context, rec AuditRecord) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

func testEvent(id string) *event.Event {
	return &event.Event{
		ID:           id,
		Tenant:       "acme",
		OrgUnit:      "store-1",
		Type:         "invoice.created",
		Source:       event.SourcePush,
		SourceOffset: id,
		Payload:      []byte(`{"total":42}`),
		ReceivedAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestCheckerFreshThenDuplicate(t *testing.T) {
	t.Parallel()

	seen := &fakeSeen{}
	audit := &fakeAudit{}
	checker, err := NewChecker(seen, audit)
	require.NoError(t, err)

	ev := testEvent("evt-1")
	fresh, fp, err := checker.Check(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Len(t, fp, 64)

	// Same logical event again: same fingerprint, no longer fresh.
	again := testEvent("evt-1")
	fresh, fp2, err := checker.Check(context.Background(), again)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, fp, fp2)

	require.Len(t, audit.records, 2)
	assert.False(t, audit.records[0].Duplicate)
	assert.True(t, audit.records[1].Duplicate)
	assert.Equal(t, "acme", audit.records[0].Tenant)
	assert.Equal(t, fp, audit.records[0].Fingerprint)
	assert.Equal(t, "evt-1", audit.records[0].SourceOffset)
}

func TestCheckerTenantsDoNotCollide(t *testing.T) {
	t.Parallel()

	seen := &fakeSeen{}
	checker, err := NewChecker(seen, nil)
	require.NoError(t, err)

	a := testEvent("evt-1")
	b := testEvent("evt-1")
	b.Tenant = "globex"

	fresh, _, err := checker.Check(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, _, err = checker.Check(context.Background(), b)
	require.NoError(t, err)
	assert.True(t, fresh, "different tenant must not be treated as a duplicate")
}

func TestCheckerSeenStoreError(t *testing.T) {
	t.Parallel()

	seen := &fakeSeen{err: errors.New("connection reset")}
	audit := &fakeAudit{}
	checker, err := NewChecker(seen, audit)
	require.NoError(t, err)

	_, _, err = checker.Check(context.Background(), testEvent("evt-1"))
	require.Error(t, err)
	assert.Empty(t, audit.records, "no audit entry when freshness is unknown")
}

func TestCheckerAuditFailureDoesNotBlock(t *testing.T) {
	t.Parallel()

	seen := &fakeSeen{}
	audit := &fakeAudit{err: errors.New("audit down")}
	checker, err := NewChecker(seen, audit)
	require.NoError(t, err)

	fresh, _, err := checker.Check(context.Background(), testEvent("evt-1"))
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestNewCheckerRequiresSeenStore(t *testing.T) {
	t.Parallel()

	_, err := NewChecker(nil, nil)
	require.Error(t, err)
}

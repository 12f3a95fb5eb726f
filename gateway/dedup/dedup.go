// Package dedup suppresses duplicate events. Every event carries a content
// fingerprint; the fingerprint is inserted into a seen-set with a retention
// window and the event only proceeds to rule resolution when the insert found
// no prior entry. Every check is also appended to an audit trail so operators
// can reconstruct why an event was or was not delivered.
package dedup

import (
	"context"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/sluicehq/sluice/gateway/event"
	"github.com/sluicehq/sluice/gateway/telemetry"
)

type (
	// SeenStore persists event fingerprints for the dedup window.
	SeenStore interface {
		// InsertIfAbsent atomically records the fingerprint unless it is
		// already present. It returns true when the fingerprint was new.
		InsertIfAbsent(ctx context.Context, tenant, fingerprint string, at time.Time) (bool, error)
	}

	// AuditStore appends dedup decisions to the event audit trail.
	AuditStore interface {
		Record(ctx context.Context, rec AuditRecord) error
	}

	// AuditRecord captures one dedup decision. SourceOffset keys the trail:
	// replays of the same source record collapse onto one row.
	AuditRecord struct {
		EventID      string
		Tenant       string
		OrgUnit      string
		EventType    string
		Source       string
		SourceOffset string
		Fingerprint  string
		Duplicate    bool
		ReceivedAt   time.Time
		CheckedAt    time.Time
	}

	// Checker runs the fingerprint gate for incoming events.
	Checker struct {
		seen    SeenStore
		audit   AuditStore
		metrics telemetry.Metrics
		now     func() time.Time
	}

	// CheckerOption customizes a Checker.
	CheckerOption func(*Checker)
)

// WithMetrics sets the metrics recorder used for duplicate counters.
func WithMetrics(m telemetry.Metrics) CheckerOption {
	return func(c *Checker) { c.metrics = m }
}

// NewChecker constructs a Checker. audit may be nil when no trail is wanted.
func NewChecker(seen SeenStore, audit AuditStore, opts ...CheckerOption) (*Checker, error) {
	if seen == nil {
		return nil, fmt.Errorf("dedup: seen store is required")
	}
	c := &Checker{
		seen:    seen,
		audit:   audit,
		metrics: telemetry.NewNopMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Check fingerprints ev and records it in the seen-set. It returns the
// fingerprint and true when the event is new. A false return means a prior
// event with the same fingerprint was already processed inside the retention
// window; callers log the execution as a duplicate and acknowledge without
// delivering.
//
// An error means the seen-set could not be consulted; the event's freshness is
// unknown and the caller should negatively acknowledge so the source retries.
func (c *Checker) Check(ctx context.Context, ev *event.Event) (bool, string, error) {
	fp, err := ev.Fingerprint()
	if err != nil {
		return false, "", fmt.Errorf("dedup: fingerprint event: %w", err)
	}
	now := c.now()

	fresh, err := c.seen.InsertIfAbsent(ctx, ev.Tenant, fp, now)
	if err != nil {
		return false, fp, fmt.Errorf("dedup: record fingerprint: %w", err)
	}

	if !fresh {
		c.metrics.IncCounter(telemetry.MetricDuplicates, 1,
			"tenant", ev.Tenant, "event_type", ev.Type)
	}

	if c.audit != nil {
		rec := AuditRecord{
			EventID:      ev.ID,
			Tenant:       ev.Tenant,
			OrgUnit:      ev.OrgUnit,
			EventType:    ev.Type,
			Source:       string(ev.Source),
			SourceOffset: ev.SourceOffset,
			Fingerprint:  fp,
			Duplicate:    !fresh,
			ReceivedAt:   ev.ReceivedAt,
			CheckedAt:    now,
		}
		// The audit trail is observability, not correctness: a failed append
		// must not block or duplicate deliveries.
		if aerr := c.audit.Record(ctx, rec); aerr != nil {
			log.Error(ctx, aerr, log.KV{K: "msg", V: "dedup: audit append failed"},
				log.KV{K: "event_id", V: ev.ID},
				log.KV{K: "tenant", V: ev.Tenant})
		}
	}

	return fresh, fp, nil
}

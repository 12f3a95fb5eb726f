// Package mongo implements the gateway's persistence interfaces on MongoDB.
// One Stores value owns every collection; New wires the sub-stores and
// creates their indexes so a fresh deployment bootstraps itself.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	clientsmongo "github.com/sluicehq/sluice/features/store/mongo/clients/mongo"
)

const (
	collRules       = "integration_rules"
	collLogs        = "execution_logs"
	collAttempts    = "delivery_attempts"
	collDLQ         = "failed_deliveries"
	collSeen        = "processed_events"
	collAudit       = "event_audit"
	collScheduled   = "scheduled_deliveries"
	collCheckpoints = "source_checkpoints"
	collPending     = "pending_events"
	collSources     = "event_source_configs"
	collLookups     = "lookups"
	collOrgs        = "org_units"
	collUsage       = "rate_limits"
	collUIConfig    = "ui_config"

	defaultOpTimeout = 5 * time.Second
	storeName        = "gateway-mongo"
)

// Options configures the Mongo stores.
type Options struct {
	// Client is the connected driver client. Required.
	Client *mongodriver.Client
	// Database is the database name. Required.
	Database string
	// Timeout bounds individual store operations.
	Timeout time.Duration
	// DedupTTL is the seen-set retention window.
	DedupTTL time.Duration
	// AuditTTL is the audit and execution log retention window.
	AuditTTL time.Duration
	// PendingTTL is how long terminal pending events are kept.
	PendingTTL time.Duration
}

// Stores bundles every Mongo-backed gateway store.
type Stores struct {
	Rules       *RuleStore
	Logs        *LogStore
	DLQ         *DLQStore
	Seen        *SeenStore
	Audit       *AuditStore
	Scheduled   *ScheduleStore
	Checkpoints *CheckpointStore
	Pending     *PendingStore
	Sources     *SourceConfigStore
	Lookups     *LookupStore
	Orgs        *OrgDirectory
	Usage       *UsageStore
	UIConfig    *UIConfigStore

	client  *mongodriver.Client
	timeout time.Duration
}

// New builds every store on the given database and creates their indexes.
func New(ctx context.Context, opts Options) (*Stores, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	dedupTTL := opts.DedupTTL
	if dedupTTL <= 0 {
		dedupTTL = 6 * time.Hour
	}
	auditTTL := opts.AuditTTL
	if auditTTL <= 0 {
		auditTTL = 90 * 24 * time.Hour
	}
	pendingTTL := opts.PendingTTL
	if pendingTTL <= 0 {
		pendingTTL = 7 * 24 * time.Hour
	}

	db := opts.Client.Database(opts.Database)
	wrap := func(name string) clientsmongo.Collection {
		return clientsmongo.Wrap(db.Collection(name))
	}

	s := &Stores{
		Rules:       newRuleStore(wrap(collRules), timeout),
		Logs:        newLogStore(wrap(collLogs), wrap(collAttempts), timeout),
		DLQ:         newDLQStore(wrap(collDLQ), timeout),
		Seen:        newSeenStore(wrap(collSeen), timeout),
		Audit:       newAuditStore(wrap(collAudit), timeout),
		Scheduled:   newScheduleStore(wrap(collScheduled), timeout),
		Checkpoints: newCheckpointStore(wrap(collCheckpoints), timeout),
		Pending:     newPendingStore(wrap(collPending), timeout),
		Sources:     newSourceConfigStore(wrap(collSources), timeout),
		Lookups:     newLookupStore(wrap(collLookups), timeout),
		Orgs:        newOrgDirectory(wrap(collOrgs), timeout),
		Usage:       newUsageStore(wrap(collUsage), timeout),
		UIConfig:    newUIConfigStore(wrap(collUIConfig), timeout),
		client:      opts.Client,
		timeout:     timeout,
	}

	ctx, cancel := context.WithTimeout(ctx, timeout*4)
	defer cancel()
	for _, b := range []struct {
		name string
		fn   func(context.Context) error
	}{
		{collRules, s.Rules.ensureIndexes},
		{collLogs, s.Logs.ensureIndexes(auditTTL)},
		{collDLQ, s.DLQ.ensureIndexes},
		{collSeen, s.Seen.ensureIndexes(dedupTTL)},
		{collAudit, s.Audit.ensureIndexes(auditTTL)},
		{collScheduled, s.Scheduled.ensureIndexes},
		{collCheckpoints, s.Checkpoints.ensureIndexes},
		{collPending, s.Pending.ensureIndexes(pendingTTL)},
		{collSources, s.Sources.ensureIndexes},
		{collLookups, s.Lookups.ensureIndexes},
		{collOrgs, s.Orgs.ensureIndexes},
		{collUsage, s.Usage.ensureIndexes},
	} {
		if err := b.fn(ctx); err != nil {
			return nil, fmt.Errorf("ensure %s indexes: %w", b.name, err)
		}
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Stores) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Stores) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.client.Ping(ctx, readpref.Primary())
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/sluicehq/sluice/gateway/event"
	"github.com/sluicehq/sluice/gateway/telemetry"
)

type (
	// PendingEvent is one document written by the HTTP push ingress and
	// drained by the push adapter.
	PendingEvent struct {
		// ID is the store-assigned identifier; it doubles as the source
		// offset.
		ID string
		// Tenant owns the event.
		Tenant string
		// OrgUnit is the organizational unit, if supplied.
		OrgUnit string
		// EventType is the business event type.
		EventType string
		// Payload is the raw JSON payload.
		Payload json.RawMessage
		// PartitionKey orders the event relative to others, if supplied.
		PartitionKey string
		// ReceivedAt is when the ingress accepted the event.
		ReceivedAt time.Time
	}

	// PendingStore drains the push ingress collection. Terminal statuses
	// age out on a store-side retention window.
	PendingStore interface {
		// Claim atomically transitions up to limit new documents to
		// processing and returns them, oldest first.
		Claim(ctx context.Context, tenant string, limit int) ([]*PendingEvent, error)

		// MarkDone records successful intake.
		MarkDone(ctx context.Context, id string, at time.Time) error

		// MarkFailed records a terminally failed intake.
		MarkFailed(ctx context.Context, id string, at time.Time, reason string) error

		// Release returns a claimed document to new so a later scan picks
		// it up again.
		Release(ctx context.Context, id string) error
	}

	// PushOptions configures a push poll adapter.
	PushOptions struct {
		// Store drains the pending collection. Required.
		Store PendingStore
		// Config is the source configuration. Required, kind push.
		Config *SourceConfig
		// Metrics records ingestion counters. Defaults to a no-op recorder.
		Metrics telemetry.Metrics
		// Heartbeat, when set, is called after every completed tick.
		Heartbeat func(name string)
	}

	// PushAdapter drains events the HTTP ingress queued for the tenant.
	PushAdapter struct {
		store     PendingStore
		cfg       *SourceConfig
		metrics   telemetry.Metrics
		heartbeat func(string)

		interval time.Duration
		batch    int

		mu      sync.Mutex
		stop    context.CancelFunc
		done    chan struct{}
		started bool
	}
)

// NewPushAdapter constructs a push poll adapter.
func NewPushAdapter(opts PushOptions) (*PushAdapter, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("ingest: pending store is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("ingest: source config is required")
	}
	if opts.Config.Kind != event.SourcePush {
		return nil, fmt.Errorf("%w: kind %q is not push", ErrInvalidConfig, opts.Config.Kind)
	}
	a := &PushAdapter{
		store:     opts.Store,
		cfg:       opts.Config,
		metrics:   opts.Metrics,
		heartbeat: opts.Heartbeat,
		interval:  DefaultPollInterval,
		batch:     DefaultPollBatch,
	}
	if a.metrics == nil {
		a.metrics = telemetry.NewNopMetrics()
	}
	if opts.Config.PollMs > 0 {
		a.interval = time.Duration(opts.Config.PollMs) * time.Millisecond
	}
	if opts.Config.BatchSize > 0 {
		a.batch = opts.Config.BatchSize
	}
	return a, nil
}

// Name implements Adapter.
func (a *PushAdapter) Name() string { return a.cfg.AdapterName() }

// Start implements Adapter.
func (a *PushAdapter) Start(ctx context.Context, handler Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.mu.Lock()
	a.stop = cancel
	a.done = done
	a.started = true
	a.mu.Unlock()
	defer close(done)
	defer cancel()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	log.Printf(ctx, "push adapter %s polling every %s", a.Name(), a.interval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.drain(ctx, handler); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("ingest: drain %s: %w", a.Name(), err)
			}
			if a.heartbeat != nil {
				a.heartbeat(a.Name())
			}
		}
	}
}

// drain claims one batch of pending documents and hands them to the handler.
func (a *PushAdapter) drain(ctx context.Context, handler Handler) error {
	pending, err := a.store.Claim(ctx, a.cfg.Tenant, a.batch)
	if err != nil {
		return err
	}

	for _, p := range pending {
		ev := a.toEvent(p)
		rc := a.receipt(p.ID)
		if herr := handler(ctx, ev, rc); herr != nil {
			log.Error(ctx, herr, log.KV{K: "msg", V: "push handler failed, releasing claim"},
				log.KV{K: "adapter", V: a.Name()},
				log.KV{K: "pending_id", V: p.ID})
			if rerr := a.store.Release(ctx, p.ID); rerr != nil {
				log.Error(ctx, rerr, log.KV{K: "msg", V: "pending release failed"},
					log.KV{K: "pending_id", V: p.ID})
			}
			continue
		}
		a.metrics.IncCounter(telemetry.MetricIngested, 1,
			"tenant", a.cfg.Tenant, "source", string(event.SourcePush))
	}
	return nil
}

// receipt maps ack/nack onto the pending document's status transitions.
func (a *PushAdapter) receipt(id string) Receipt {
	return Receipt{
		Ack: func(ctx context.Context) error {
			return a.store.MarkDone(ctx, id, time.Now())
		},
		Nack: func(ctx context.Context, _ time.Duration) error {
			return a.store.MarkFailed(ctx, id, time.Now(), "intake declined")
		},
	}
}

func (a *PushAdapter) toEvent(p *PendingEvent) *event.Event {
	received := p.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	return &event.Event{
		ID:           p.ID,
		Tenant:       p.Tenant,
		OrgUnit:      p.OrgUnit,
		Type:         p.EventType,
		Payload:      p.Payload,
		Source:       event.SourcePush,
		SourceOffset: p.ID,
		PartitionKey: p.PartitionKey,
		ReceivedAt:   received.UTC(),
	}
}

// Stop implements Adapter.
func (a *PushAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	stop, done, started := a.stop, a.done, a.started
	a.mu.Unlock()
	if !started {
		return nil
	}
	stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ingest: %s did not drain: %w", a.Name(), ctx.Err())
	}
}

package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/sluicehq/sluice/gateway/deliver"
	"github.com/sluicehq/sluice/gateway/event"
	"github.com/sluicehq/sluice/gateway/execlog"
	"github.com/sluicehq/sluice/gateway/rule"
	"github.com/sluicehq/sluice/gateway/telemetry"
)

const (
	// DefaultInterval separates scheduler ticks.
	DefaultInterval = time.Minute
	// DefaultBatchSize bounds deliveries claimed per tick.
	DefaultBatchSize = 50
	// DefaultConcurrency bounds parallel firings within a tick.
	DefaultConcurrency = 5
	// DefaultStuckAfter is how long a delivery may sit in PROCESSING before
	// the watchdog returns it to PENDING.
	DefaultStuckAfter = 10 * time.Minute
)

type (
	// RuleSource resolves rules for firing deliveries.
	RuleSource interface {
		Get(ctx context.Context, id string) (*rule.Rule, error)
	}

	// Runner executes a delivery. Implemented by the delivery executor.
	Runner interface {
		Run(ctx context.Context, d deliver.Delivery) ([]*execlog.Entry, error)
	}

	// Options configures a Scheduler.
	Options struct {
		// Store persists scheduled deliveries. Required.
		Store Store
		// Rules resolves rules at fire time. Required.
		Rules RuleSource
		// Runner executes due deliveries. Required.
		Runner Runner
		// Metrics records scheduler counters. Defaults to a no-op recorder.
		Metrics telemetry.Metrics
		// Interval separates ticks. Defaults to DefaultInterval.
		Interval time.Duration
		// BatchSize bounds claims per tick. Defaults to DefaultBatchSize.
		BatchSize int
		// Concurrency bounds parallel firings. Defaults to
		// DefaultConcurrency.
		Concurrency int
		// StuckAfter is the PROCESSING watchdog threshold.
		StuckAfter time.Duration
	}

	// Scheduler claims due deliveries and fires them through the executor.
	Scheduler struct {
		store   Store
		rules   RuleSource
		runner  Runner
		planner *Planner
		metrics telemetry.Metrics

		interval    time.Duration
		batchSize   int
		concurrency int
		stuckAfter  time.Duration
		now         func() time.Time
	}
)

// NewScheduler constructs a Scheduler from options.
func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("schedule: store is required")
	}
	if opts.Rules == nil {
		return nil, fmt.Errorf("schedule: rule source is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("schedule: runner is required")
	}
	s := &Scheduler{
		store:       opts.Store,
		rules:       opts.Rules,
		runner:      opts.Runner,
		planner:     &Planner{store: opts.Store, now: time.Now},
		metrics:     opts.Metrics,
		interval:    opts.Interval,
		batchSize:   opts.BatchSize,
		concurrency: opts.Concurrency,
		stuckAfter:  opts.StuckAfter,
		now:         time.Now,
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewNopMetrics()
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultBatchSize
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultConcurrency
	}
	if s.stuckAfter <= 0 {
		s.stuckAfter = DefaultStuckAfter
	}
	return s, nil
}

// Run ticks on the configured interval until ctx ends. Ticks are
// single-flight.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	log.Printf(ctx, "scheduler started, interval %s", s.interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf(ctx, "scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "scheduler tick failed"})
			}
		}
	}
}

// Tick runs one scheduler pass: reset stuck claims, claim due deliveries and
// fire them. It returns the number fired.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now()

	if n, err := s.store.ResetStuck(ctx, now.Add(-s.stuckAfter)); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "scheduler watchdog reset failed"})
	} else if n > 0 {
		log.Printf(ctx, "scheduler watchdog reset %d stuck deliveries", n)
	}

	due, err := s.store.ClaimDue(ctx, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("schedule: claim due: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for _, d := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(d *Delivery) {
			defer wg.Done()
			defer func() { <-sem }()
			s.fire(ctx, d)
		}(d)
	}
	wg.Wait()
	return len(due), nil
}

// CancelOverdue cancels PENDING deliveries past their due time plus grace.
// It backs the operator's cancel-overdue action and returns the number
// cancelled.
func (s *Scheduler) CancelOverdue(ctx context.Context, grace time.Duration) (int64, error) {
	if grace <= 0 {
		grace = DefaultGrace
	}
	now := s.now()
	n, err := s.store.CancelOverdue(ctx, now.Add(-grace), now, string(execlog.CategoryScheduledTimePassed))
	if err != nil {
		return 0, fmt.Errorf("schedule: cancel overdue: %w", err)
	}
	if n > 0 {
		log.Printf(ctx, "cancelled %d overdue scheduled deliveries", n)
	}
	return n, nil
}

// fire executes one claimed delivery and writes its terminal status. A
// recurring delivery that succeeds schedules its next occurrence.
func (s *Scheduler) fire(ctx context.Context, d *Delivery) {
	if ctx.Err() != nil {
		// Shutdown between claim and fire: the watchdog will reclaim.
		return
	}

	rl, err := s.rules.Get(ctx, d.RuleID)
	if err != nil {
		if errors.Is(err, rule.ErrNotFound) {
			s.complete(ctx, d, StatusCancelled, "rule deleted")
			return
		}
		log.Error(ctx, err, log.KV{K: "msg", V: "scheduled delivery rule lookup failed"},
			log.KV{K: "scheduled_id", V: d.ID})
		s.complete(ctx, d, StatusFailed, "rule lookup failed")
		return
	}
	if rl.Deleted || !rl.Active {
		s.complete(ctx, d, StatusCancelled, "rule inactive")
		return
	}

	ev := &event.Event{
		ID:         d.EventID,
		Tenant:     d.Tenant,
		OrgUnit:    d.OrgUnit,
		Type:       d.EventType,
		Payload:    d.Payload,
		ReceivedAt: d.CreatedAt,
	}
	entries, err := s.runner.Run(ctx, deliver.Delivery{
		Event:         ev,
		Rule:          rl,
		Trigger:       execlog.TriggerScheduled,
		Fingerprint:   d.Fingerprint,
		CorrelationID: d.CorrelationID,
		ScheduledID:   d.ID,
	})
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "scheduled delivery execution failed"},
			log.KV{K: "scheduled_id", V: d.ID})
		s.complete(ctx, d, StatusFailed, "execution error")
		return
	}

	status, reason := StatusDone, ""
	for _, e := range entries {
		if e.Status != execlog.StatusSuccess {
			status = StatusFailed
			reason = string(e.Status)
			break
		}
	}
	s.complete(ctx, d, status, reason)
	s.metrics.IncCounter(telemetry.MetricScheduled, 1,
		"tenant", d.Tenant, "status", string(status))

	// Each occurrence schedules its successor independently of the firing
	// outcome of siblings; only this occurrence's success gates the chain.
	if status == StatusDone && d.Recurring {
		if _, err := s.planner.next(ctx, d); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "next occurrence scheduling failed"},
				log.KV{K: "scheduled_id", V: d.ID})
		}
	}
}

func (s *Scheduler) complete(ctx context.Context, d *Delivery, status Status, reason string) {
	d.Status = status
	d.Reason = reason
	if err := s.store.Complete(ctx, d.ID, status, s.now(), reason); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "scheduled delivery completion failed"},
			log.KV{K: "scheduled_id", V: d.ID},
			log.KV{K: "status", V: string(status)})
	}
}

// Package pipeline ties ingestion to delivery. The Handler it exposes is
// wired into every ingestion adapter: each event runs through the dedup
// gate, rule resolution, and then either the delivery executor (immediate
// rules, fanned out over keyed ordering lanes) or the schedule planner
// (delayed and recurring rules). Source progress is acknowledged only after
// the event's outcome is durable in the execution log or the schedule store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/sluicehq/sluice/gateway/deliver"
	"github.com/sluicehq/sluice/gateway/event"
	"github.com/sluicehq/sluice/gateway/execlog"
	"github.com/sluicehq/sluice/gateway/ingest"
	"github.com/sluicehq/sluice/gateway/rule"
	"github.com/sluicehq/sluice/gateway/sandbox"
	"github.com/sluicehq/sluice/gateway/schedule"
	"github.com/sluicehq/sluice/gateway/telemetry"
)

type (
	// Deduper runs the fingerprint gate. Implemented by dedup.Checker.
	Deduper interface {
		Check(ctx context.Context, ev *event.Event) (fresh bool, fingerprint string, err error)
	}

	// RuleResolver matches events to rules. Implemented by rule.Resolver.
	RuleResolver interface {
		Resolve(ctx context.Context, ev *event.Event) ([]*rule.Rule, error)
	}

	// Runner executes immediate deliveries. Implemented by deliver.Executor.
	Runner interface {
		Run(ctx context.Context, d deliver.Delivery) ([]*execlog.Entry, error)
	}

	// Planner persists delayed and recurring deliveries. Implemented by
	// schedule.Planner.
	Planner interface {
		Plan(ctx context.Context, ev *event.Event, rl *rule.Rule, fingerprint, correlationID string) (*schedule.Delivery, error)
	}

	// Options configures a Pipeline.
	Options struct {
		// Dedup is the fingerprint gate. Required.
		Dedup Deduper
		// Resolver matches events to rules. Required.
		Resolver RuleResolver
		// Runner executes immediate deliveries. Required.
		Runner Runner
		// Planner persists scheduled deliveries. Required.
		Planner Planner
		// Logs records duplicate suppressions and planning failures.
		// Required.
		Logs execlog.Store
		// Metrics records pipeline counters. Defaults to a no-op recorder.
		Metrics telemetry.Metrics
		// Buckets is the number of serial delivery lanes.
		Buckets int
		// BucketDepth bounds each lane's queue.
		BucketDepth int
	}

	// Pipeline is the per-event processing chain shared by all adapters.
	Pipeline struct {
		dedup    Deduper
		resolver RuleResolver
		runner   Runner
		planner  Planner
		logs     execlog.Store
		metrics  telemetry.Metrics
		buckets  *buckets
		now      func() time.Time
	}
)

// New constructs a Pipeline from options.
func New(opts Options) (*Pipeline, error) {
	if opts.Dedup == nil {
		return nil, fmt.Errorf("pipeline: dedup checker is required")
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("pipeline: rule resolver is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("pipeline: delivery runner is required")
	}
	if opts.Planner == nil {
		return nil, fmt.Errorf("pipeline: schedule planner is required")
	}
	if opts.Logs == nil {
		return nil, fmt.Errorf("pipeline: execution log store is required")
	}
	p := &Pipeline{
		dedup:    opts.Dedup,
		resolver: opts.Resolver,
		runner:   opts.Runner,
		planner:  opts.Planner,
		logs:     opts.Logs,
		metrics:  opts.Metrics,
		now:      time.Now,
	}
	if p.metrics == nil {
		p.metrics = telemetry.NewNopMetrics()
	}
	p.buckets = newBuckets(opts.Buckets, opts.BucketDepth, p.metrics)
	return p, nil
}

// Handler returns the ingest handler bound to this pipeline.
func (p *Pipeline) Handler() ingest.Handler {
	return p.process
}

// Close stops delivery intake and drains the ordering lanes.
func (p *Pipeline) Close(ctx context.Context) error {
	return p.buckets.close(ctx)
}

// process runs one event through the chain. It returns an error only when
// intake itself failed and the source should redeliver; delivery failures
// are absorbed into the execution log.
func (p *Pipeline) process(ctx context.Context, ev *event.Event, rc ingest.Receipt) error {
	fresh, fp, err := p.dedup.Check(ctx, ev)
	if err != nil {
		return err
	}
	if !fresh {
		p.recordDuplicate(ctx, ev, fp)
		return rc.Ack(ctx)
	}

	rules, err := p.resolver.Resolve(ctx, ev)
	if err != nil {
		return fmt.Errorf("pipeline: resolve rules: %w", err)
	}

	correlationID := uuid.NewString()
	var immediate []*rule.Rule
	for _, rl := range rules {
		switch rl.Mode {
		case rule.ModeDelayed, rule.ModeRecurring:
			if err := p.plan(ctx, ev, rl, fp, correlationID); err != nil {
				return err
			}
		default:
			immediate = append(immediate, rl)
		}
	}

	if len(immediate) == 0 {
		return rc.Ack(ctx)
	}
	return p.enqueue(ctx, ev, immediate, fp, correlationID, rc)
}

// enqueue hands the event's immediate deliveries to the lane owning its
// ordering key. The receipt is acknowledged inside the lane, after the last
// delivery's outcome is durable, so a crash before then redelivers the
// event instead of losing it.
func (p *Pipeline) enqueue(ctx context.Context, ev *event.Event, rules []*rule.Rule, fp, correlationID string, rc ingest.Receipt) error {
	// Deliveries outlive the intake call; only shutdown stops them.
	dctx := context.WithoutCancel(ctx)
	return p.buckets.submit(ctx, ev.Key(), func() {
		for _, rl := range rules {
			_, err := p.runner.Run(dctx, deliver.Delivery{
				Event:         ev,
				Rule:          rl,
				Trigger:       execlog.TriggerIngest,
				Fingerprint:   fp,
				CorrelationID: correlationID,
			})
			if err != nil {
				// The executor already recorded the failure; the retry
				// worker owns it from here.
				log.Error(dctx, err, log.KV{K: "msg", V: "immediate delivery failed"},
					log.KV{K: "tenant", V: ev.Tenant},
					log.KV{K: "rule_id", V: rl.ID},
					log.KV{K: "event_id", V: ev.ID})
			}
		}
		if err := rc.Ack(dctx); err != nil {
			log.Error(dctx, err, log.KV{K: "msg", V: "source ack failed"},
				log.KV{K: "tenant", V: ev.Tenant},
				log.KV{K: "event_id", V: ev.ID})
		}
	})
}

// plan persists one delayed or recurring delivery. Script and bad-plan
// failures are terminal: the scheduling script is part of the rule's
// configuration, so they are logged for the operator rather than retried.
// Anything else is a schedule store failure; it propagates so the source
// redelivers the event instead of losing the scheduled delivery.
func (p *Pipeline) plan(ctx context.Context, ev *event.Event, rl *rule.Rule, fp, correlationID string) error {
	_, err := p.planner.Plan(ctx, ev, rl, fp, correlationID)
	if err == nil {
		return nil
	}
	var serr *sandbox.Error
	var perr *schedule.BadPlanError
	if errors.As(err, &serr) || errors.As(err, &perr) {
		p.recordPlanFailure(ctx, ev, rl, fp, correlationID, err)
		return nil
	}
	return fmt.Errorf("pipeline: plan delivery: %w", err)
}

// recordDuplicate appends the suppressed execution so operators can see why
// the event produced no deliveries. Best effort: the fingerprint is already
// in the seen-set, so a failed append must not block the ack.
func (p *Pipeline) recordDuplicate(ctx context.Context, ev *event.Event, fp string) {
	now := p.now()
	e := &execlog.Entry{
		Tenant:       ev.Tenant,
		OrgUnit:      ev.OrgUnit,
		EventID:      ev.ID,
		EventType:    ev.Type,
		Fingerprint:  fp,
		Status:       execlog.StatusDuplicate,
		Trigger:      execlog.TriggerIngest,
		EventPayload: ev.Payload,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.logs.Append(ctx, e); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "duplicate log append failed"},
			log.KV{K: "tenant", V: ev.Tenant},
			log.KV{K: "event_id", V: ev.ID})
	}
}

// recordPlanFailure classifies the planning error and appends a terminal
// FAILED entry for it.
func (p *Pipeline) recordPlanFailure(ctx context.Context, ev *event.Event, rl *rule.Rule, fp, correlationID string, err error) {
	log.Error(ctx, err, log.KV{K: "msg", V: "schedule planning failed"},
		log.KV{K: "tenant", V: ev.Tenant},
		log.KV{K: "rule_id", V: rl.ID},
		log.KV{K: "event_id", V: ev.ID})

	now := p.now()
	e := &execlog.Entry{
		Tenant:        ev.Tenant,
		OrgUnit:       ev.OrgUnit,
		RuleID:        rl.ID,
		RuleName:      rl.Name,
		Target:        rl.Target,
		EventID:       ev.ID,
		EventType:     ev.Type,
		Fingerprint:   fp,
		Status:        execlog.StatusFailed,
		Trigger:       execlog.TriggerIngest,
		Attempts:      1,
		MaxAttempts:   1,
		ShouldRetry:   false,
		Error:         classifyPlanError(err),
		EventPayload:  ev.Payload,
		CorrelationID: correlationID,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastAttemptAt: now,
	}
	if aerr := p.logs.Append(ctx, e); aerr != nil {
		log.Error(ctx, aerr, log.KV{K: "msg", V: "plan failure log append failed"},
			log.KV{K: "tenant", V: ev.Tenant},
			log.KV{K: "event_id", V: ev.ID})
	}
}

// classifyPlanError maps planner errors onto the execution log taxonomy.
func classifyPlanError(err error) *execlog.ErrorInfo {
	var serr *sandbox.Error
	if errors.As(err, &serr) {
		code := execlog.CodeScriptRuntime
		switch serr.Kind {
		case sandbox.ErrorCompile:
			code = execlog.CodeScriptCompile
		case sandbox.ErrorLimit, sandbox.ErrorInput, sandbox.ErrorOutput:
			code = execlog.CodeSandboxLimit
		}
		return &execlog.ErrorInfo{
			Category: execlog.CategoryScript,
			Code:     code,
			Message:  serr.Error(),
		}
	}
	var perr *schedule.BadPlanError
	if errors.As(err, &perr) {
		return &execlog.ErrorInfo{
			Category: execlog.CategoryConfig,
			Code:     execlog.CodeBadSchedule,
			Message:  perr.Error(),
		}
	}
	return &execlog.ErrorInfo{
		Category: execlog.CategoryConfig,
		Code:     execlog.CodeBadSchedule,
		Message:  err.Error(),
	}
}

package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/sluicehq/sluice/gateway/event"
	"github.com/sluicehq/sluice/gateway/rule"
	"github.com/sluicehq/sluice/gateway/sandbox"
)

type (
	// ScriptRunner evaluates scheduling scripts. Implemented by the sandbox.
	ScriptRunner interface {
		RunSchedule(ctx context.Context, script string, event map[string]any, now time.Time) (sandbox.SchedulePlan, error)
	}

	// Planner turns matched (event, rule) pairs into persisted scheduled
	// deliveries.
	Planner struct {
		store   Store
		scripts ScriptRunner
		now     func() time.Time
	}

	// BadPlanError reports a scheduling script result the scheduler cannot
	// use (wrong shape for the rule's mode, missing firing time). Script
	// compile, runtime and limit failures surface as sandbox errors instead.
	BadPlanError struct {
		Reason string
	}
)

func (e *BadPlanError) Error() string {
	return fmt.Sprintf("unusable schedule plan: %s", e.Reason)
}

// NewPlanner constructs a Planner.
func NewPlanner(store Store, scripts ScriptRunner) (*Planner, error) {
	if store == nil {
		return nil, fmt.Errorf("schedule: store is required")
	}
	if scripts == nil {
		return nil, fmt.Errorf("schedule: script runner is required")
	}
	return &Planner{store: store, scripts: scripts, now: time.Now}, nil
}

// Plan evaluates the rule's scheduling script against the event and persists
// the resulting delivery. The returned delivery is PENDING with its first
// firing time; recurring schedules materialize later occurrences as earlier
// ones complete.
func (p *Planner) Plan(ctx context.Context, ev *event.Event, rl *rule.Rule, fingerprint, correlationID string) (*Delivery, error) {
	now := p.now()

	tree, err := scriptEvent(ev)
	if err != nil {
		return nil, &BadPlanError{Reason: fmt.Sprintf("event payload is not valid JSON: %s", err)}
	}

	plan, err := p.scripts.RunSchedule(ctx, rl.Schedule, tree, now)
	if err != nil {
		return nil, err
	}
	if err := checkPlan(plan, rl.Mode); err != nil {
		return nil, err
	}

	d := &Delivery{
		Tenant:         ev.Tenant,
		OrgUnit:        ev.OrgUnit,
		RuleID:         rl.ID,
		EventID:        ev.ID,
		EventType:      ev.Type,
		Fingerprint:    fingerprint,
		CorrelationID:  correlationID,
		Payload:        append(json.RawMessage(nil), ev.Payload...),
		DueAt:          plan.FireAt.UTC(),
		Status:         StatusPending,
		Recurring:      plan.Recurring,
		Occurrence:     1,
		MaxOccurrences: plan.MaxOccurrences,
		Interval:       plan.Interval,
		CreatedAt:      now,
	}
	if err := p.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("schedule: persist delivery: %w", err)
	}

	log.Debug(ctx, log.KV{K: "msg", V: "delivery scheduled"},
		log.KV{K: "scheduled_id", V: d.ID},
		log.KV{K: "rule_id", V: rl.ID},
		log.KV{K: "due_at", V: d.DueAt.Format(time.RFC3339)},
		log.KV{K: "recurring", V: d.Recurring})
	return d, nil
}

// Next persists the follow-up occurrence of a recurring delivery. It returns
// nil without side effects when d was the last allowed occurrence.
func (p *Planner) next(ctx context.Context, d *Delivery) (*Delivery, error) {
	if d.LastOccurrence() {
		return nil, nil
	}
	n := &Delivery{
		Tenant:         d.Tenant,
		OrgUnit:        d.OrgUnit,
		RuleID:         d.RuleID,
		EventID:        d.EventID,
		EventType:      d.EventType,
		Fingerprint:    d.Fingerprint,
		CorrelationID:  d.CorrelationID,
		Payload:        append(json.RawMessage(nil), d.Payload...),
		DueAt:          d.DueAt.Add(d.Interval),
		Status:         StatusPending,
		Recurring:      true,
		Occurrence:     d.Occurrence + 1,
		MaxOccurrences: d.MaxOccurrences,
		Interval:       d.Interval,
		CreatedAt:      p.now(),
	}
	if err := p.store.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("schedule: persist next occurrence: %w", err)
	}
	return n, nil
}

// checkPlan validates the script result against the rule's delivery mode.
func checkPlan(plan sandbox.SchedulePlan, mode rule.DeliveryMode) error {
	if plan.FireAt.IsZero() {
		return &BadPlanError{Reason: "script returned no firing time"}
	}
	switch mode {
	case rule.ModeDelayed:
		if plan.Recurring {
			return &BadPlanError{Reason: "delayed rule's script returned a recurring schedule"}
		}
	case rule.ModeRecurring:
		if !plan.Recurring {
			return &BadPlanError{Reason: "recurring rule's script returned a single firing time"}
		}
		if plan.Interval <= 0 {
			return &BadPlanError{Reason: "recurring schedule needs a positive intervalMs"}
		}
		if plan.MaxOccurrences < 0 {
			return &BadPlanError{Reason: "maxOccurrences must be >= 0"}
		}
	default:
		return &BadPlanError{Reason: fmt.Sprintf("rule mode %q does not schedule", mode)}
	}
	return nil
}

// scriptEvent shapes the event for the scheduling script: envelope metadata
// plus the decoded payload tree.
func scriptEvent(ev *event.Event) (map[string]any, error) {
	var payload any
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return nil, err
		}
	}
	return map[string]any{
		"id":        ev.ID,
		"tenant":    ev.Tenant,
		"orgUnit":   ev.OrgUnit,
		"eventType": ev.Type,
		"payload":   payload,
	}, nil
}

// Package retry re-drives failed deliveries. A periodic worker scans the
// execution log for entries marked retryable, waits out the exponential
// backoff schedule, and re-executes them through the delivery executor. The
// executor owns the terminal bookkeeping: when the last allowed attempt
// fails it abandons the entry and promotes it to the dead letter queue.
//
// The worker also runs the watchdog that returns entries stuck in RETRYING
// (a crash between pickup and completion) to FAILED so a later scan
// reconsiders them.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/sluicehq/sluice/gateway/execlog"
	"github.com/sluicehq/sluice/gateway/rule"
	"github.com/sluicehq/sluice/gateway/telemetry"
)

const (
	// DefaultInterval separates retry scans.
	DefaultInterval = 30 * time.Second
	// DefaultBatchSize bounds entries considered per scan.
	DefaultBatchSize = 50
	// DefaultStuckAfter is how long an entry may sit in RETRYING before the
	// watchdog resets it.
	DefaultStuckAfter = 5 * time.Minute
)

type (
	// RuleSource resolves rules for entries being retried.
	RuleSource interface {
		// Get returns the rule by ID or rule.ErrNotFound.
		Get(ctx context.Context, id string) (*rule.Rule, error)
	}

	// Runner re-executes an existing execution log entry. Implemented by
	// the delivery executor.
	Runner interface {
		Rerun(ctx context.Context, e *execlog.Entry, rl *rule.Rule) error
	}

	// Options configures a Worker.
	Options struct {
		// Logs is the execution log store. Required.
		Logs execlog.Store
		// Rules resolves rules for retried entries. Required.
		Rules RuleSource
		// Runner re-executes entries. Required.
		Runner Runner
		// Metrics records retry counters. Defaults to a no-op recorder.
		Metrics telemetry.Metrics
		// Interval separates scans. Defaults to DefaultInterval.
		Interval time.Duration
		// BatchSize bounds entries per scan. Defaults to DefaultBatchSize.
		BatchSize int
		// BackoffBase is the first retry delay.
		BackoffBase time.Duration
		// BackoffCap bounds the exponential schedule.
		BackoffCap time.Duration
		// StuckAfter is the RETRYING watchdog threshold.
		StuckAfter time.Duration
		// Rand supplies jitter values in [0, 1). Tests inject a fixed source.
		Rand func() float64
	}

	// Worker scans the execution log and re-drives retryable entries.
	Worker struct {
		logs    execlog.Store
		rules   RuleSource
		runner  Runner
		metrics telemetry.Metrics

		interval   time.Duration
		batchSize  int
		base       time.Duration
		cap        time.Duration
		stuckAfter time.Duration
		rnd        func() float64
		now        func() time.Time
	}
)

// NewWorker constructs a Worker from options.
func NewWorker(opts Options) (*Worker, error) {
	if opts.Logs == nil {
		return nil, fmt.Errorf("retry: execution log store is required")
	}
	if opts.Rules == nil {
		return nil, fmt.Errorf("retry: rule source is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("retry: runner is required")
	}
	w := &Worker{
		logs:       opts.Logs,
		rules:      opts.Rules,
		runner:     opts.Runner,
		metrics:    opts.Metrics,
		interval:   opts.Interval,
		batchSize:  opts.BatchSize,
		base:       opts.BackoffBase,
		cap:        opts.BackoffCap,
		stuckAfter: opts.StuckAfter,
		rnd:        opts.Rand,
		now:        time.Now,
	}
	if w.metrics == nil {
		w.metrics = telemetry.NewNopMetrics()
	}
	if w.interval <= 0 {
		w.interval = DefaultInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = DefaultBatchSize
	}
	if w.stuckAfter <= 0 {
		w.stuckAfter = DefaultStuckAfter
	}
	return w, nil
}

// Run scans on the configured interval until ctx ends. Scans are
// single-flight: the next tick waits for the previous one to finish.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	log.Printf(ctx, "retry worker started, interval %s", w.interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf(ctx, "retry worker stopped")
			return
		case <-ticker.C:
			if _, err := w.Tick(ctx); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "retry scan failed"})
			}
		}
	}
}

// Tick runs one scan: reset stuck entries, list retryable work, re-execute
// everything past its backoff. It returns the number of entries re-driven.
func (w *Worker) Tick(ctx context.Context) (int, error) {
	now := w.now()

	if n, err := w.logs.ResetStuck(ctx, now.Add(-w.stuckAfter)); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "retry watchdog reset failed"})
	} else if n > 0 {
		log.Printf(ctx, "retry watchdog reset %d stuck entries", n)
	}

	entries, err := w.logs.ListRetryable(ctx, w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("retry: list retryable: %w", err)
	}

	retried := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return retried, ctx.Err()
		}
		if !w.due(e, now) {
			continue
		}
		if err := w.redrive(ctx, e); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "retry redrive failed"},
				log.KV{K: "log_id", V: e.ID})
			continue
		}
		retried++
	}
	return retried, nil
}

// due reports whether the entry's backoff has elapsed. A Retry-After parked
// entry carries an explicit NextAttemptAt; everything else derives its delay
// from the attempt count.
func (w *Worker) due(e *execlog.Entry, now time.Time) bool {
	if !e.NextAttemptAt.IsZero() {
		return !now.Before(e.NextAttemptAt)
	}
	if e.LastAttemptAt.IsZero() {
		return true
	}
	delay := Backoff(w.base, w.cap, e.Attempts, w.rnd)
	return !now.Before(e.LastAttemptAt.Add(delay))
}

// redrive marks the entry RETRYING and hands it to the executor. The
// executor writes the terminal state; a crash in between leaves the entry
// RETRYING for the watchdog.
func (w *Worker) redrive(ctx context.Context, e *execlog.Entry) error {
	e.Status = execlog.StatusRetrying
	e.UpdatedAt = w.now()
	if err := w.logs.Update(ctx, e); err != nil {
		return fmt.Errorf("mark retrying: %w", err)
	}

	rl, err := w.rules.Get(ctx, e.RuleID)
	if err != nil && !errors.Is(err, rule.ErrNotFound) {
		// Put the entry back so the next scan retries the lookup.
		e.Status = execlog.StatusFailed
		if uerr := w.logs.Update(ctx, e); uerr != nil {
			return fmt.Errorf("restore after rule lookup: %w", uerr)
		}
		return fmt.Errorf("load rule %s: %w", e.RuleID, err)
	}

	w.metrics.IncCounter(telemetry.MetricRetries, 1,
		"tenant", e.Tenant, "rule", e.RuleID)
	log.Debug(ctx, log.KV{K: "msg", V: "retrying delivery"},
		log.KV{K: "log_id", V: e.ID},
		log.KV{K: "attempt", V: e.Attempts + 1},
		log.KV{K: "max_attempts", V: e.MaxAttempts})
	return w.runner.Rerun(ctx, e, rl)
}

// Package ingest feeds the gateway with events. An adapter owns the stream
// for exactly one (tenant, source) pair and hands every decoded event to the
// pipeline handler together with a receipt; acknowledging the receipt commits
// source progress so the event is not redelivered after a restart.
//
// Three adapter variants exist: a relational table poller, a partitioned log
// consumer and a poller over the HTTP push ingress collection. A Supervisor
// builds adapters from stored source configurations, runs each in its own
// goroutine, and restarts crashed ones with backoff.
package ingest

import (
	"context"
	"time"

	"github.com/sluicehq/sluice/gateway/event"
)

type (
	// Receipt controls source progress for one delivered event.
	Receipt struct {
		// Ack commits progress past the event. Acked events are never
		// redelivered.
		Ack func(ctx context.Context) error
		// Nack declines the event. Depending on the adapter's policy the
		// event is redelivered after retryAfter or progress advances anyway
		// with retry delegated to the execution log.
		Nack func(ctx context.Context, retryAfter time.Duration) error
	}

	// Handler processes one event. Handlers absorb delivery failures (the
	// execution log owns retry state) and return an error only when event
	// intake itself failed, e.g. the dedup store was unreachable.
	Handler func(ctx context.Context, ev *event.Event, rc Receipt) error

	// Adapter produces events for one (tenant, source) pair.
	Adapter interface {
		// Start produces events until ctx ends, calling handler for each.
		// It returns when the source is drained or ctx is cancelled; a
		// non-nil error means the adapter died and should be restarted.
		Start(ctx context.Context, handler Handler) error

		// Stop drains in-flight work and releases resources. The context
		// bounds the drain.
		Stop(ctx context.Context) error

		// Name returns the stable adapter identifier used in logs, metrics
		// and checkpoints.
		Name() string
	}
)

// StopDeadline bounds adapter drain on shutdown.
const StopDeadline = 30 * time.Second

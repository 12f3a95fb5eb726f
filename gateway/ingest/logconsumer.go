package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/sluicehq/sluice/gateway/event"
	"github.com/sluicehq/sluice/gateway/telemetry"
)

const (
	// resubscribeBase is the first reconnection delay after a subscription
	// drops.
	resubscribeBase = 5 * time.Second
	// resubscribeCap bounds the reconnection backoff.
	resubscribeCap = 30 * time.Second
)

type (
	// Message is one record read from a partitioned log topic.
	Message struct {
		// Offset is the source-assigned position within the partition.
		Offset string
		// Key is the partition key the producer set, if any.
		Key string
		// Payload is the raw message value.
		Payload []byte
		// Ack commits the offset. Unacked messages are redelivered when
		// the consumer group rebalances.
		Ack func(ctx context.Context) error
	}

	// LogSource opens consumer-group subscriptions on partitioned log
	// topics. Implemented by features/source/pulse.
	LogSource interface {
		// Subscribe joins the group on the topic and returns the message
		// channel plus a close function. The channel closes when the
		// subscription drops.
		Subscribe(ctx context.Context, topic, group string) (<-chan Message, func(ctx context.Context), error)
	}

	// LogOptions configures a partitioned log adapter.
	LogOptions struct {
		// Source opens subscriptions. Required.
		Source LogSource
		// Config is the source configuration. Required, kind log.
		Config *SourceConfig
		// Metrics records ingestion counters. Defaults to a no-op recorder.
		Metrics telemetry.Metrics
		// Heartbeat, when set, is called for every consumed message and on
		// every successful (re)subscription.
		Heartbeat func(name string)
	}

	// LogAdapter consumes a topic through the tenant's consumer group. The
	// group commits offsets independently of other tenants; ordering holds
	// per partition key.
	LogAdapter struct {
		source    LogSource
		cfg       *SourceConfig
		metrics   telemetry.Metrics
		heartbeat func(string)

		mu      sync.Mutex
		stop    context.CancelFunc
		done    chan struct{}
		started bool
	}
)

// NewLogAdapter constructs a partitioned log adapter.
func NewLogAdapter(opts LogOptions) (*LogAdapter, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("ingest: log source is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("ingest: source config is required")
	}
	if opts.Config.Kind != event.SourceLog {
		return nil, fmt.Errorf("%w: kind %q is not log", ErrInvalidConfig, opts.Config.Kind)
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	a := &LogAdapter{
		source:    opts.Source,
		cfg:       opts.Config,
		metrics:   opts.Metrics,
		heartbeat: opts.Heartbeat,
	}
	if a.metrics == nil {
		a.metrics = telemetry.NewNopMetrics()
	}
	return a, nil
}

// Name implements Adapter.
func (a *LogAdapter) Name() string { return a.cfg.AdapterName() }

// Start implements Adapter. Dropped subscriptions reconnect automatically
// with exponential backoff.
func (a *LogAdapter) Start(ctx context.Context, handler Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.mu.Lock()
	a.stop = cancel
	a.done = done
	a.started = true
	a.mu.Unlock()
	defer close(done)
	defer cancel()

	delay := resubscribeBase
	for {
		msgs, closeSub, err := a.source.Subscribe(ctx, a.cfg.Topic, a.cfg.ConsumerGroup())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error(ctx, err, log.KV{K: "msg", V: "log subscribe failed, retrying"},
				log.KV{K: "adapter", V: a.Name()},
				log.KV{K: "delay", V: delay.String()})
			if werr := wait(ctx, delay); werr != nil {
				return nil
			}
			delay = min(delay*2, resubscribeCap)
			continue
		}

		delay = resubscribeBase
		if a.heartbeat != nil {
			a.heartbeat(a.Name())
		}
		log.Printf(ctx, "log adapter %s consuming topic %s as group %s",
			a.Name(), a.cfg.Topic, a.cfg.ConsumerGroup())

		again := a.consume(ctx, msgs, handler)
		closeSub(context.WithoutCancel(ctx))
		if !again {
			return nil
		}
		a.metrics.IncCounter(telemetry.MetricSourceRestarts, 1,
			"adapter", a.Name(), "reason", "subscription_closed")
	}
}

// consume drains the subscription channel. It returns true when the channel
// closed and a resubscribe is wanted, false on context cancellation.
func (a *LogAdapter) consume(ctx context.Context, msgs <-chan Message, handler Handler) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-msgs:
			if !ok {
				return true
			}
			a.handle(ctx, msg, handler)
			if a.heartbeat != nil {
				a.heartbeat(a.Name())
			}
		}
	}
}

// handle decodes one message and runs the handler. Undecodable messages are
// acked and dropped: redelivery cannot fix a malformed envelope.
func (a *LogAdapter) handle(ctx context.Context, msg Message, handler Handler) {
	ev, err := event.Decode(msg.Payload, event.SourceLog, time.Now())
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "undecodable log message dropped"},
			log.KV{K: "adapter", V: a.Name()},
			log.KV{K: "offset", V: msg.Offset})
		a.ack(ctx, msg)
		return
	}
	ev.SourceOffset = msg.Offset
	if ev.PartitionKey == "" {
		ev.PartitionKey = msg.Key
	}
	if ev.Tenant == "" {
		ev.Tenant = a.cfg.Tenant
	} else if ev.Tenant != a.cfg.Tenant {
		// Topics are shared; other tenants' events belong to their own
		// consumer group instances.
		a.ack(ctx, msg)
		return
	}

	rc := Receipt{
		Ack: msg.Ack,
		// Offsets are committed manually; leaving the message unacked means
		// the group redelivers it after the retry window.
		Nack: func(context.Context, time.Duration) error { return nil },
	}
	if err := handler(ctx, ev, rc); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "log handler failed, message left unacked"},
			log.KV{K: "adapter", V: a.Name()},
			log.KV{K: "offset", V: msg.Offset})
		return
	}
	a.metrics.IncCounter(telemetry.MetricIngested, 1,
		"tenant", a.cfg.Tenant, "source", string(event.SourceLog))
}

func (a *LogAdapter) ack(ctx context.Context, msg Message) {
	if msg.Ack == nil {
		return
	}
	if err := msg.Ack(ctx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "log ack failed"},
			log.KV{K: "adapter", V: a.Name()},
			log.KV{K: "offset", V: msg.Offset})
	}
}

// Stop implements Adapter.
func (a *LogAdapter) Stop(ctx context.Context) error {
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

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

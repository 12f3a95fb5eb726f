// Package pulse implements the gateway's partitioned log ingestion on Pulse
// streams (Redis streams with consumer groups). Each tenant's log adapter
// opens a sink on its topic; the sink name is the tenant's consumer group, so
// offsets commit per tenant and unacked events are redelivered on rebalance.
package pulse

import (
	"context"
	"errors"
	"fmt"

	"goa.design/pulse/streaming"

	clientspulse "github.com/sluicehq/sluice/features/source/pulse/clients/pulse"
	"github.com/sluicehq/sluice/gateway/ingest"
)

// DefaultBuffer is the per-subscription message channel capacity.
const DefaultBuffer = 64

// defaultEventName names stream entries published without a partition key.
// Pulse requires a non-empty event name.
const defaultEventName = "event"

type (
	// LogSourceOptions configures a Pulse-backed log source.
	LogSourceOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// Buffer is the message channel capacity. Defaults to DefaultBuffer.
		Buffer int
	}

	// LogSource implements ingest.LogSource on Pulse streams.
	LogSource struct {
		client clientspulse.Client
		buffer int
	}
)

// NewLogSource constructs a Pulse-backed log source.
func NewLogSource(opts LogSourceOptions) (*LogSource, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &LogSource{client: opts.Client, buffer: buffer}, nil
}

// Subscribe implements ingest.LogSource. The returned channel closes when
// the sink drops or the close function runs; the log adapter resubscribes
// with backoff.
func (s *LogSource) Subscribe(ctx context.Context, topic, group string) (<-chan ingest.Message, func(ctx context.Context), error) {
	str, err := s.client.Stream(topic)
	if err != nil {
		return nil, nil, fmt.Errorf("open stream %q: %w", topic, err)
	}
	sink, err := str.NewSink(ctx, group)
	if err != nil {
		return nil, nil, fmt.Errorf("join group %q on %q: %w", group, topic, err)
	}

	out := make(chan ingest.Message, s.buffer)
	pumpCtx, cancel := context.WithCancel(ctx)
	go pump(pumpCtx, sink, out)
	closeFn := func(ctx context.Context) {
		cancel()
		sink.Close(ctx)
	}
	return out, closeFn, nil
}

// pump converts sink events into ingest messages until the sink channel
// closes or the subscription is cancelled.
func pump(ctx context.Context, sink clientspulse.Sink, out chan<- ingest.Message) {
	defer close(out)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			msg := toMessage(sink, evt)
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func toMessage(sink clientspulse.Sink, evt *streaming.Event) ingest.Message {
	key := evt.EventName
	if key == defaultEventName {
		key = ""
	}
	return ingest.Message{
		Offset:  evt.ID,
		Key:     key,
		Payload: evt.Payload,
		Ack: func(ctx context.Context) error {
			return sink.Ack(ctx, evt)
		},
	}
}

// Publisher writes events onto Pulse topics. Production traffic arrives from
// upstream producers; the gateway publishes only through the operator API's
// test hook.
type Publisher struct {
	client clientspulse.Client
}

// NewPublisher constructs a publisher on the given client.
func NewPublisher(client clientspulse.Client) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("pulse client is required")
	}
	return &Publisher{client: client}, nil
}

// Publish appends one event to the topic and returns its offset. The
// partition key becomes the Pulse event name so consumers can key their
// ordering on it; an empty key publishes under a generic name.
func (p *Publisher) Publish(ctx context.Context, topic, key string, payload []byte) (string, error) {
	if topic == "" {
		return "", errors.New("topic is required")
	}
	str, err := p.client.Stream(topic)
	if err != nil {
		return "", fmt.Errorf("open stream %q: %w", topic, err)
	}
	name := key
	if name == "" {
		name = defaultEventName
	}
	id, err := str.Add(ctx, name, payload)
	if err != nil {
		return "", fmt.Errorf("publish to %q: %w", topic, err)
	}
	return id, nil
}

package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluicehq/sluice/gateway/event"
)

type fakeLogSource struct {
	mu     sync.Mutex
	msgs   chan Message
	subs   int
	closed int
	err    error
}

func (f *fakeLogSource) Subscribe(context.Context, string, string) (<-chan Message, func(context.Context), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs++
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.msgs, func(context.Context) {
		f.mu.Lock()
		f.closed++
		f.mu.Unlock()
	}, nil
}

func logConfig() *SourceConfig {
	return &SourceConfig{
		ID:     "src-log",
		Tenant: "100",
		Kind:   event.SourceLog,
		Topic:  "business-events",
	}
}

func ackCounter(n *int, mu *sync.Mutex) func(context.Context) error {
	return func(context.Context) error {
		mu.Lock()
		*n++
		mu.Unlock()
		return nil
	}
}

func startLogAdapter(t *testing.T, a *LogAdapter, handler Handler) {
	t.Helper()
	started := make(chan struct{})
	go func() {
		close(started)
		_ = a.Start(context.Background(), handler)
	}()
	<-started
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
}

func TestLogAdapterDecodesAndAcks(t *testing.T) {
	t.Parallel()

	src := &fakeLogSource{msgs: make(chan Message, 1)}
	a, err := NewLogAdapter(LogOptions{Source: src, Config: logConfig()})
	require.NoError(t, err)

	var mu sync.Mutex
	acks := 0
	got := make(chan *event.Event, 1)
	startLogAdapter(t, a, func(ctx context.Context, ev *event.Event, rc Receipt) error {
		got <- ev
		return rc.Ack(ctx)
	})

	src.msgs <- Message{
		Offset:  "12-0",
		Key:     "order-A1",
		Payload: []byte(`{"tenantId":"100","eventType":"ORDER_CREATED","payload":{"orderId":"A1"}}`),
		Ack:     ackCounter(&acks, &mu),
	}

	select {
	case ev := <-got:
		assert.Equal(t, "100", ev.Tenant)
		assert.Equal(t, "ORDER_CREATED", ev.Type)
		assert.Equal(t, "12-0", ev.SourceOffset)
		assert.Equal(t, "order-A1", ev.PartitionKey)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return acks == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLogAdapterDefaultsTenantFromConfig(t *testing.T) {
	t.Parallel()

	src := &fakeLogSource{msgs: make(chan Message, 1)}
	a, err := NewLogAdapter(LogOptions{Source: src, Config: logConfig()})
	require.NoError(t, err)

	var mu sync.Mutex
	acks := 0
	got := make(chan *event.Event, 1)
	startLogAdapter(t, a, func(ctx context.Context, ev *event.Event, rc Receipt) error {
		got <- ev
		return rc.Ack(ctx)
	})

	// No tenant field anywhere; the adapter owns a single tenant's group so
	// the event belongs to it.
	src.msgs <- Message{
		Offset:  "7-0",
		Payload: []byte(`{"eventType":"ORDER_CREATED","payload":{"orderId":"B2"}}`),
		Ack:     ackCounter(&acks, &mu),
	}

	select {
	case ev := <-got:
		assert.Equal(t, "100", ev.Tenant)
		assert.Equal(t, "ORDER_CREATED", ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return acks == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLogAdapterDropsUndecodable(t *testing.T) {
	t.Parallel()

	src := &fakeLogSource{msgs: make(chan Message, 1)}
	a, err := NewLogAdapter(LogOptions{Source: src, Config: logConfig()})
	require.NoError(t, err)

	var mu sync.Mutex
	acks := 0
	startLogAdapter(t, a, func(context.Context, *event.Event, Receipt) error {
		t.Error("handler must not see undecodable messages")
		return nil
	})

	src.msgs <- Message{Offset: "1-0", Payload: []byte("not json"), Ack: ackCounter(&acks, &mu)}

	// Malformed envelopes are acked so the group does not redeliver them.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return acks == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLogAdapterSkipsForeignTenant(t *testing.T) {
	t.Parallel()

	src := &fakeLogSource{msgs: make(chan Message, 1)}
	a, err := NewLogAdapter(LogOptions{Source: src, Config: logConfig()})
	require.NoError(t, err)

	var mu sync.Mutex
	acks := 0
	startLogAdapter(t, a, func(context.Context, *event.Event, Receipt) error {
		t.Error("handler must not see other tenants' events")
		return nil
	})

	src.msgs <- Message{
		Offset:  "3-0",
		Payload: []byte(`{"tenantId":"200","eventType":"ORDER_CREATED","payload":{}}`),
		Ack:     ackCounter(&acks, &mu),
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return acks == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLogAdapterLeavesFailedIntakeUnacked(t *testing.T) {
	t.Parallel()

	src := &fakeLogSource{msgs: make(chan Message, 1)}
	a, err := NewLogAdapter(LogOptions{Source: src, Config: logConfig()})
	require.NoError(t, err)

	var mu sync.Mutex
	acks := 0
	handled := make(chan struct{}, 1)
	startLogAdapter(t, a, func(context.Context, *event.Event, Receipt) error {
		handled <- struct{}{}
		return assert.AnError
	})

	src.msgs <- Message{
		Offset:  "5-0",
		Payload: []byte(`{"tenantId":"100","eventType":"ORDER_CREATED","payload":{}}`),
		Ack:     ackCounter(&acks, &mu),
	}

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, acks, "failed intake must leave the offset uncommitted")
}

func TestLogAdapterResubscribesOnChannelClose(t *testing.T) {
	t.Parallel()

	src := &fakeLogSource{msgs: make(chan Message)}
	a, err := NewLogAdapter(LogOptions{Source: src, Config: logConfig()})
	require.NoError(t, err)
	startLogAdapter(t, a, func(context.Context, *event.Event, Receipt) error { return nil })

	assert.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.subs == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Closing the channel simulates a dropped subscription; a fresh channel
	// must be requested.
	src.mu.Lock()
	old := src.msgs
	src.msgs = make(chan Message)
	src.mu.Unlock()
	close(old)

	assert.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.subs >= 2 && src.closed >= 1
	}, 10*time.Second, 50*time.Millisecond)
}

func TestLogAdapterRejectsWrongKind(t *testing.T) {
	t.Parallel()

	cfg := logConfig()
	cfg.Kind = event.SourceRelational
	_, err := NewLogAdapter(LogOptions{Source: &fakeLogSource{}, Config: cfg})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

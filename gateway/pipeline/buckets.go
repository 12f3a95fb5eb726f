package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/sluicehq/sluice/gateway/telemetry"
)

const (
	// DefaultBuckets is the number of serial delivery lanes.
	DefaultBuckets = 16
	// DefaultBucketDepth bounds the per-lane queue. A full lane blocks
	// submission, pushing backpressure onto the ingestion adapter.
	DefaultBucketDepth = 64
)

// buckets fans deliveries out over a fixed set of serial lanes. Jobs sharing
// an ordering key always land in the same lane and therefore run in
// submission order; jobs with different keys run concurrently.
type buckets struct {
	lanes   []chan func()
	metrics telemetry.Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func newBuckets(n, depth int, metrics telemetry.Metrics) *buckets {
	if n <= 0 {
		n = DefaultBuckets
	}
	if depth <= 0 {
		depth = DefaultBucketDepth
	}
	b := &buckets{
		lanes:   make([]chan func(), n),
		metrics: metrics,
	}
	for i := range b.lanes {
		lane := make(chan func(), depth)
		b.lanes[i] = lane
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for job := range lane {
				job()
			}
		}()
	}
	return b
}

// submit enqueues job on the lane owning key. It blocks when the lane is
// full and fails only on shutdown or context cancellation.
func (b *buckets) submit(ctx context.Context, key string, job func()) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("pipeline: ordering buckets are shut down")
	}
	lane := b.lane(key)
	select {
	case lane <- job:
		b.metrics.RecordGauge(telemetry.MetricBucketDepth, float64(len(lane)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline: submit delivery: %w", ctx.Err())
	}
}

func (b *buckets) lane(key string) chan func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	return b.lanes[h.Sum32()%uint32(len(b.lanes))]
}

// close stops intake and drains queued jobs. The context bounds the drain.
// Safe to call more than once.
func (b *buckets) close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	// No submitter can reach a lane now; closing them lets the workers
	// finish the queued jobs and exit.
	for _, lane := range b.lanes {
		close(lane)
	}
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline: drain buckets: %w", ctx.Err())
	}
}

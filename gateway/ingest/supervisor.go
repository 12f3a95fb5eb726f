package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/sluicehq/sluice/gateway/telemetry"
)

const (
	// restartBase is the first delay before restarting a crashed adapter.
	restartBase = 5 * time.Second
	// restartCap bounds the restart backoff.
	restartCap = 30 * time.Second
	// DefaultStaleHeartbeat is how long an adapter may go without a
	// heartbeat before it is reported unhealthy.
	DefaultStaleHeartbeat = 2 * time.Minute
)

type (
	// Factory builds an adapter from a source configuration.
	Factory func(cfg *SourceConfig) (Adapter, error)

	// SupervisorOptions configures a Supervisor.
	SupervisorOptions struct {
		// Configs lists the sources to run. Required.
		Configs ConfigStore
		// Factory builds adapters. Required. The supervisor passes its own
		// heartbeat hook through the config-specific options, so factories
		// should call Supervisor.Beat from their adapters' Heartbeat.
		Factory Factory
		// Handler processes every produced event. Required.
		Handler Handler
		// Metrics records supervisor counters. Defaults to a no-op
		// recorder.
		Metrics telemetry.Metrics
		// StaleAfter is the heartbeat staleness threshold.
		StaleAfter time.Duration
	}

	// Supervisor runs one goroutine per configured source, restarts
	// crashed adapters with backoff, and tracks per-adapter heartbeats.
	Supervisor struct {
		configs ConfigStore
		factory Factory
		handler Handler
		metrics telemetry.Metrics

		staleAfter time.Duration
		now        func() time.Time

		mu         sync.Mutex
		adapters   map[string]Adapter
		heartbeats map[string]time.Time
		cancel     context.CancelFunc
		wg         sync.WaitGroup
		started    bool

		closeOnce sync.Once
	}
)

// NewSupervisor constructs a Supervisor from options.
func NewSupervisor(opts SupervisorOptions) (*Supervisor, error) {
	if opts.Configs == nil {
		return nil, fmt.Errorf("ingest: config store is required")
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("ingest: adapter factory is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("ingest: handler is required")
	}
	s := &Supervisor{
		configs:    opts.Configs,
		factory:    opts.Factory,
		handler:    opts.Handler,
		metrics:    opts.Metrics,
		staleAfter: opts.StaleAfter,
		now:        time.Now,
		adapters:   make(map[string]Adapter),
		heartbeats: make(map[string]time.Time),
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewNopMetrics()
	}
	if s.staleAfter <= 0 {
		s.staleAfter = DefaultStaleHeartbeat
	}
	return s, nil
}

// Start builds and launches an adapter for every active source config.
func (s *Supervisor) Start(ctx context.Context) error {
	configs, err := s.configs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("ingest: list source configs: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.started = true
	s.mu.Unlock()

	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			log.Error(runCtx, err, log.KV{K: "msg", V: "skipping invalid source config"},
				log.KV{K: "config_id", V: cfg.ID},
				log.KV{K: "tenant", V: cfg.Tenant})
			continue
		}
		adapter, err := s.factory(cfg)
		if err != nil {
			log.Error(runCtx, err, log.KV{K: "msg", V: "adapter build failed"},
				log.KV{K: "config_id", V: cfg.ID},
				log.KV{K: "tenant", V: cfg.Tenant})
			continue
		}
		s.launch(runCtx, adapter)
	}
	log.Printf(runCtx, "supervisor running %d adapters", len(s.Names()))
	return nil
}

// launch runs the adapter in its own goroutine, restarting it with backoff
// when Start returns an error.
func (s *Supervisor) launch(ctx context.Context, adapter Adapter) {
	name := adapter.Name()
	s.mu.Lock()
	s.adapters[name] = adapter
	s.heartbeats[name] = s.now()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		delay := restartBase
		for {
			err := adapter.Start(ctx, s.handler)
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				// Source drained; nothing left to do.
				log.Printf(ctx, "adapter %s finished", name)
				return
			}
			log.Error(ctx, err, log.KV{K: "msg", V: "adapter crashed, restarting"},
				log.KV{K: "adapter", V: name},
				log.KV{K: "delay", V: delay.String()})
			s.metrics.IncCounter(telemetry.MetricSourceRestarts, 1,
				"adapter", name, "reason", "crash")
			if werr := wait(ctx, delay); werr != nil {
				return
			}
			delay = min(delay*2, restartCap)
		}
	}()
}

// Beat records a heartbeat for the named adapter. Adapters call it through
// the Heartbeat hook their options carry.
func (s *Supervisor) Beat(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[name] = s.now()
}

// Names returns the identifiers of the running adapters.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.adapters))
	for n := range s.adapters {
		names = append(names, n)
	}
	return names
}

// Stale returns adapters whose last heartbeat is older than the staleness
// threshold.
func (s *Supervisor) Stale() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.staleAfter)
	var stale []string
	for name, beat := range s.heartbeats {
		if beat.Before(cutoff) {
			stale = append(stale, name)
		}
	}
	return stale
}

// Stop drains every adapter within the stop deadline. Safe to call more
// than once.
func (s *Supervisor) Stop(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		cancel, started := s.cancel, s.started
		adapters := make([]Adapter, 0, len(s.adapters))
		for _, a := range s.adapters {
			adapters = append(adapters, a)
		}
		s.mu.Unlock()
		if !started {
			return
		}

		cancel()
		for _, a := range adapters {
			if serr := a.Stop(ctx); serr != nil {
				log.Error(ctx, serr, log.KV{K: "msg", V: "adapter stop failed"},
					log.KV{K: "adapter", V: a.Name()})
				err = serr
			}
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("ingest: supervisor drain: %w", ctx.Err())
		}
	})
	return err
}

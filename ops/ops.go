// Package ops is the operator control surface: a chi-backed JSON API for
// pushing events, managing rules, inspecting and re-driving the execution
// log, working the dead letter queue, supervising scheduled deliveries and
// editing per-tenant console settings.
//
// The package depends on the gateway contracts only; backends are injected
// through Options. Rule mutations publish a change notification so every
// node's rule cache drops the affected tenant.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/sluicehq/sluice/gateway/dlq"
	"github.com/sluicehq/sluice/gateway/execlog"
	"github.com/sluicehq/sluice/gateway/ingest"
	"github.com/sluicehq/sluice/gateway/retry"
	"github.com/sluicehq/sluice/gateway/rule"
	"github.com/sluicehq/sluice/gateway/schedule"
)

const (
	// defaultPageLimit is the page size for list endpoints when the caller
	// does not set one.
	defaultPageLimit = 50
	// maxPageLimit caps caller-supplied page sizes.
	maxPageLimit = 500
	// maxBodyBytes bounds request bodies.
	maxBodyBytes = 1 << 20
)

type (
	// Enqueuer accepts pushed events into the pending collection. The push
	// poll adapter drains them.
	Enqueuer interface {
		Enqueue(ctx context.Context, p *ingest.PendingEvent) error
	}

	// RuleNotifier broadcasts rule changes to every gateway node.
	RuleNotifier interface {
		NotifyRuleChange(ctx context.Context, tenant string) error
	}

	// StreamPublisher publishes event envelopes onto a log topic. Used by
	// the operator test hook.
	StreamPublisher interface {
		Publish(ctx context.Context, topic, key string, payload []byte) (string, error)
	}

	// UIConfigStore persists per-tenant console settings.
	UIConfigStore interface {
		// Get returns the settings and whether the tenant has any.
		Get(ctx context.Context, tenant string) (map[string]any, bool, error)
		// Put replaces the settings.
		Put(ctx context.Context, tenant string, settings map[string]any) error
	}

	// Options configures a Server.
	Options struct {
		// Rules is the rule store. Required.
		Rules rule.Store
		// Logs is the execution log store. Required.
		Logs execlog.Store
		// DLQ is the dead letter store. Required.
		DLQ dlq.Store
		// Scheduled is the scheduled delivery store. Required.
		Scheduled schedule.Store
		// Pending accepts pushed events. Required.
		Pending Enqueuer
		// Runner re-executes log entries for the retry endpoints. Required.
		Runner retry.Runner
		// UIConfig persists console settings. Optional; the ui-config
		// endpoints answer 503 when unset.
		UIConfig UIConfigStore
		// Notifier publishes rule-change notifications. Optional; rule
		// mutations skip the broadcast when unset.
		Notifier RuleNotifier
		// Publisher backs the stream publish hook. Optional; the endpoint
		// answers 503 when unset.
		Publisher StreamPublisher
		// Pingers are the backends reported by /healthz and /livez.
		Pingers []health.Pinger
		// CORSOrigins lists allowed cross-origin callers. Empty disables
		// CORS handling.
		CORSOrigins []string
		// Debug mounts the pprof and debug-log endpoints.
		Debug bool
	}

	// Server is the operator API.
	Server struct {
		rules     rule.Store
		logs      execlog.Store
		dlqs      dlq.Store
		scheduled schedule.Store
		pending   Enqueuer
		runner    retry.Runner
		uiconfig  UIConfigStore
		notifier  RuleNotifier
		publisher StreamPublisher
		pingers   []health.Pinger
		origins   []string
		debug     bool

		now func() time.Time
	}
)

// New constructs a Server from options.
func New(opts Options) (*Server, error) {
	if opts.Rules == nil {
		return nil, fmt.Errorf("ops: rule store is required")
	}
	if opts.Logs == nil {
		return nil, fmt.Errorf("ops: execution log store is required")
	}
	if opts.DLQ == nil {
		return nil, fmt.Errorf("ops: dlq store is required")
	}
	if opts.Scheduled == nil {
		return nil, fmt.Errorf("ops: scheduled delivery store is required")
	}
	if opts.Pending == nil {
		return nil, fmt.Errorf("ops: pending event store is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("ops: delivery runner is required")
	}
	return &Server{
		rules:     opts.Rules,
		logs:      opts.Logs,
		dlqs:      opts.DLQ,
		scheduled: opts.Scheduled,
		pending:   opts.Pending,
		runner:    opts.Runner,
		uiconfig:  opts.UIConfig,
		notifier:  opts.Notifier,
		publisher: opts.Publisher,
		pingers:   opts.Pingers,
		origins:   opts.CORSOrigins,
		debug:     opts.Debug,
		now:       time.Now,
	}, nil
}

// Handler builds the HTTP handler. ctx is the logging context every request
// inherits.
func (s *Server) Handler(ctx context.Context) http.Handler {
	r := chi.NewRouter()

	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))
	}

	var check http.Handler = health.Handler(health.NewChecker(s.pingers...))
	r.Method(http.MethodGet, "/healthz", check)
	r.Method(http.MethodGet, "/livez", check)

	if s.debug {
		dbg := http.NewServeMux()
		debug.MountDebugLogEnabler(dbg)
		debug.MountPprofHandlers(dbg)
		r.Handle("/debug/*", dbg)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", s.postEvent)

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.listRules)
			r.Post("/", s.createRule)
			r.Get("/{id}", s.getRule)
			r.Put("/{id}", s.updateRule)
			r.Delete("/{id}", s.deleteRule)
			r.Post("/{id}/pause", s.pauseRule)
			r.Post("/{id}/resume", s.resumeRule)
		})

		r.Route("/logs", func(r chi.Router) {
			r.Get("/", s.listLogs)
			r.Post("/retry", s.bulkRetryLogs)
			r.Get("/{id}", s.getLog)
			r.Post("/{id}/retry", s.retryLog)
			r.Post("/{id}/abandon", s.abandonLog)
		})

		r.Route("/dlq", func(r chi.Router) {
			r.Get("/", s.listDLQ)
			r.Post("/{id}/retry", s.retryDLQ)
			r.Post("/{id}/resolve", s.resolveDLQ)
		})

		r.Route("/scheduled", func(r chi.Router) {
			r.Get("/", s.listScheduled)
			r.Post("/cancel-overdue", s.cancelOverdue)
			r.Post("/{id}/cancel", s.cancelScheduled)
		})

		r.Post("/backfill/rule-metadata", s.backfillRuleMetadata)

		r.Get("/ui-config/{tenant}", s.getUIConfig)
		r.Put("/ui-config/{tenant}", s.putUIConfig)

		r.Post("/streams/{topic}/publish", s.publishStream)
	})

	var h http.Handler = r
	if s.debug {
		h = debug.HTTP()(h)
	}
	return log.HTTP(ctx)(h)
}

// respond writes v as JSON with the given status.
func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error(context.Background(), err, log.KV{K: "msg", V: "ops: encode response"})
	}
}

// respondError writes a JSON error body.
func respondError(w http.ResponseWriter, status int, format string, args ...any) {
	respond(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// decode reads a bounded JSON request body into v.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// pageLimit parses the limit query parameter within bounds.
func pageLimit(r *http.Request) int {
	limit := defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return limit
}

// parseTime parses an RFC 3339 query parameter; empty returns the zero time.
func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

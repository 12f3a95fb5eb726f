package ops

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/sluicehq/sluice/gateway/dlq"
	"github.com/sluicehq/sluice/gateway/execlog"
	"github.com/sluicehq/sluice/gateway/ingest"
	"github.com/sluicehq/sluice/gateway/rule"
	"github.com/sluicehq/sluice/gateway/schedule"
)

type fakeRuleStore struct {
	mu    sync.Mutex
	seq   int
	rules map[string]*rule.Rule
}

func newFakeRuleStore() *fakeRuleStore {
	return &fakeRuleStore{rules: make(map[string]*rule.Rule)}
}

func (s *fakeRuleStore) Create(_ context.Context, r *rule.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	r.ID = fmt.Sprintf("rule-%d", s.seq)
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	cp := *r
	s.rules[r.ID] = &cp
	return nil
}

func (s *fakeRuleStore) Update(_ context.Context, r *rule.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; !ok {
		return rule.ErrNotFound
	}
	r.UpdatedAt = time.Now()
	cp := *r
	s.rules[r.ID] = &cp
	return nil
}

func (s *fakeRuleStore) Get(_ context.Context, id string) (*rule.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, rule.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *fakeRuleStore) List(_ context.Context, f rule.Filter) (rule.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var page rule.Page
	for _, r := range s.rules {
		if r.Tenant != f.Tenant {
			continue
		}
		if r.Deleted && !f.IncludeDeleted {
			continue
		}
		if !r.Active && !r.Deleted && !f.IncludeInactive {
			continue
		}
		cp := *r
		page.Rules = append(page.Rules, &cp)
	}
	return page, nil
}

func (s *fakeRuleStore) ListActive(_ context.Context, tenant string) ([]*rule.Rule, error) {
	page, _ := s.List(context.Background(), rule.Filter{Tenant: tenant})
	return page.Rules, nil
}

func (s *fakeRuleStore) SetActive(_ context.Context, id string, active bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return rule.ErrNotFound
	}
	r.Active = active
	r.UpdatedAt = at
	return nil
}

func (s *fakeRuleStore) Delete(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return rule.ErrNotFound
	}
	r.Deleted = true
	r.Active = false
	r.UpdatedAt = at
	return nil
}

func (s *fakeRuleStore) SaveCircuit(_ context.Context, id string, c rule.Circuit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rules[id]; ok {
		r.CircuitSnapshot = c
	}
	return nil
}

type fakeLogStore struct {
	mu       sync.Mutex
	seq      int
	entries  map[string]*execlog.Entry
	attempts map[string][]*execlog.Attempt
	stamped  int64
}

func newFakeLogStore() *fakeLogStore {
	return &fakeLogStore{
		entries:  make(map[string]*execlog.Entry),
		attempts: make(map[string][]*execlog.Attempt),
	}
}

func (s *fakeLogStore) Append(_ context.Context, e *execlog.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	e.ID = fmt.Sprintf("log-%d", s.seq)
	cp := *e
	s.entries[e.ID] = &cp
	return nil
}

func (s *fakeLogStore) Update(_ context.Context, e *execlog.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.ID]; !ok {
		return execlog.ErrNotFound
	}
	cp := *e
	s.entries[e.ID] = &cp
	return nil
}

func (s *fakeLogStore) RecordAttempt(_ context.Context, a *execlog.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.attempts[a.LogID] = append(s.attempts[a.LogID], &cp)
	return nil
}

func (s *fakeLogStore) Get(_ context.Context, id string) (*execlog.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, execlog.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *fakeLogStore) List(_ context.Context, f execlog.Filter) (execlog.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var page execlog.Page
	if f.Cursor != "" {
		// A single fake page; a cursor means everything was served.
		return page, nil
	}
	for i := 1; i <= s.seq; i++ {
		e, ok := s.entries[fmt.Sprintf("log-%d", i)]
		if !ok || e.Tenant != f.Tenant {
			continue
		}
		if f.RuleID != "" && e.RuleID != f.RuleID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		cp := *e
		page.Entries = append(page.Entries, &cp)
	}
	return page, nil
}

func (s *fakeLogStore) ListAttempts(_ context.Context, logID string) ([]*execlog.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*execlog.Attempt(nil), s.attempts[logID]...), nil
}

func (s *fakeLogStore) ListRetryable(context.Context, int) ([]*execlog.Entry, error) {
	return nil, nil
}

func (s *fakeLogStore) ResetStuck(context.Context, time.Time) (int64, error) { return 0, nil }

func (s *fakeLogStore) StampRuleMetadata(_ context.Context, ruleID, ruleName, target string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.entries {
		if e.RuleID != ruleID {
			continue
		}
		e.RuleName = ruleName
		e.Target = target
		n++
	}
	s.stamped = n
	return n, nil
}

type fakeDLQStore struct {
	mu      sync.Mutex
	seq     int
	entries map[string]*dlq.Entry
}

func newFakeDLQStore() *fakeDLQStore {
	return &fakeDLQStore{entries: make(map[string]*dlq.Entry)}
}

func (s *fakeDLQStore) Add(_ context.Context, e *dlq.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	e.ID = fmt.Sprintf("dlq-%d", s.seq)
	cp := *e
	s.entries[e.ID] = &cp
	return nil
}

func (s *fakeDLQStore) Get(_ context.Context, id string) (*dlq.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, dlq.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *fakeDLQStore) List(_ context.Context, f dlq.Filter) (dlq.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var page dlq.Page
	for i := 1; i <= s.seq; i++ {
		e, ok := s.entries[fmt.Sprintf("dlq-%d", i)]
		if !ok || e.Tenant != f.Tenant {
			continue
		}
		if f.Unresolved && e.Resolved() {
			continue
		}
		cp := *e
		page.Entries = append(page.Entries, &cp)
	}
	return page, nil
}

func (s *fakeDLQStore) Resolve(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return dlq.ErrNotFound
	}
	if e.Resolved() {
		return dlq.ErrResolved
	}
	e.ResolvedAt = at
	return nil
}

type fakeScheduleStore struct {
	mu        sync.Mutex
	seq       int
	entries   map[string]*schedule.Delivery
	cancelled int64
}

func newFakeScheduleStore() *fakeScheduleStore {
	return &fakeScheduleStore{entries: make(map[string]*schedule.Delivery)}
}

func (s *fakeScheduleStore) Create(_ context.Context, d *schedule.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	d.ID = fmt.Sprintf("sched-%d", s.seq)
	cp := *d
	s.entries[d.ID] = &cp
	return nil
}

func (s *fakeScheduleStore) Get(_ context.Context, id string) (*schedule.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.entries[id]
	if !ok {
		return nil, schedule.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *fakeScheduleStore) List(_ context.Context, f schedule.Filter) (schedule.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var page schedule.Page
	for i := 1; i <= s.seq; i++ {
		d, ok := s.entries[fmt.Sprintf("sched-%d", i)]
		if !ok || d.Tenant != f.Tenant {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		cp := *d
		page.Deliveries = append(page.Deliveries, &cp)
	}
	return page, nil
}

func (s *fakeScheduleStore) ClaimDue(context.Context, time.Time, int) ([]*schedule.Delivery, error) {
	return nil, nil
}

func (s *fakeScheduleStore) Complete(_ context.Context, id string, status schedule.Status, at time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.entries[id]
	if !ok {
		return schedule.ErrNotFound
	}
	d.Status = status
	d.CompletedAt = at
	d.Reason = reason
	return nil
}

func (s *fakeScheduleStore) Cancel(_ context.Context, id string, at time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.entries[id]
	if !ok {
		return schedule.ErrNotFound
	}
	if d.Status != schedule.StatusPending {
		return schedule.ErrNotPending
	}
	d.Status = schedule.StatusCancelled
	d.CompletedAt = at
	d.Reason = reason
	return nil
}

func (s *fakeScheduleStore) CancelOverdue(_ context.Context, cutoff time.Time, at time.Time, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, d := range s.entries {
		if d.Status != schedule.StatusPending || !d.DueAt.Before(cutoff) {
			continue
		}
		d.Status = schedule.StatusCancelled
		d.CompletedAt = at
		d.Reason = reason
		n++
	}
	s.cancelled = n
	return n, nil
}

func (s *fakeScheduleStore) ResetStuck(context.Context, time.Time) (int64, error) { return 0, nil }

type fakeEnqueuer struct {
	mu     sync.Mutex
	queued []*ingest.PendingEvent
	err    error
}

func (s *fakeEnqueuer) Enqueue(_ context.Context, p *ingest.PendingEvent) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.queued = append(s.queued, &cp)
	return nil
}

type fakeRunner struct {
	mu    sync.Mutex
	logs  *fakeLogStore
	reran []string
	rules []*rule.Rule
}

// Rerun marks the entry delivered the way the executor would after a
// successful attempt.
func (r *fakeRunner) Rerun(ctx context.Context, e *execlog.Entry, rl *rule.Rule) error {
	r.mu.Lock()
	r.reran = append(r.reran, e.ID)
	r.rules = append(r.rules, rl)
	r.mu.Unlock()
	e.Attempts++
	e.Status = execlog.StatusSuccess
	e.ShouldRetry = false
	return r.logs.Update(ctx, e)
}

type fakeNotifier struct {
	mu      sync.Mutex
	tenants []string
}

func (n *fakeNotifier) NotifyRuleChange(_ context.Context, tenant string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tenants = append(n.tenants, tenant)
	return nil
}

func (n *fakeNotifier) notified() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.tenants...)
}

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	keys   []string
}

func (p *fakePublisher) Publish(_ context.Context, topic, key string, _ []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.keys = append(p.keys, key)
	return "1700000000000-0", nil
}

type fakeUIConfig struct {
	mu       sync.Mutex
	settings map[string]map[string]any
}

func newFakeUIConfig() *fakeUIConfig {
	return &fakeUIConfig{settings: make(map[string]map[string]any)}
}

func (s *fakeUIConfig) Get(_ context.Context, tenant string) (map[string]any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.settings[tenant]
	return cfg, ok, nil
}

func (s *fakeUIConfig) Put(_ context.Context, tenant string, settings map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[tenant] = settings
	return nil
}

type fakePinger struct{ name string }

func (p *fakePinger) Name() string               { return p.name }
func (p *fakePinger) Ping(context.Context) error { return nil }

// testHarness bundles the server and its fakes.
type testHarness struct {
	server    *Server
	handler   http.Handler
	rules     *fakeRuleStore
	logs      *fakeLogStore
	dlqs      *fakeDLQStore
	scheduled *fakeScheduleStore
	pending   *fakeEnqueuer
	runner    *fakeRunner
	notifier  *fakeNotifier
	publisher *fakePublisher
	uiconfig  *fakeUIConfig
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		rules:     newFakeRuleStore(),
		logs:      newFakeLogStore(),
		dlqs:      newFakeDLQStore(),
		scheduled: newFakeScheduleStore(),
		pending:   &fakeEnqueuer{},
		notifier:  &fakeNotifier{},
		publisher: &fakePublisher{},
		uiconfig:  newFakeUIConfig(),
	}
	h.runner = &fakeRunner{logs: h.logs}
	srv, err := New(Options{
		Rules:     h.rules,
		Logs:      h.logs,
		DLQ:       h.dlqs,
		Scheduled: h.scheduled,
		Pending:   h.pending,
		Runner:    h.runner,
		UIConfig:  h.uiconfig,
		Notifier:  h.notifier,
		Publisher: h.publisher,
		Pingers:   []health.Pinger{&fakePinger{name: "fake"}},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	h.server = srv
	h.handler = srv.Handler(log.Context(context.Background()))
	return h
}

package deliver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluicehq/sluice/gateway/dlq"
	"github.com/sluicehq/sluice/gateway/event"
	"github.com/sluicehq/sluice/gateway/execlog"
	"github.com/sluicehq/sluice/gateway/rule"
	"github.com/sluicehq/sluice/gateway/transform"
)

type fakeLogs struct {
	mu       sync.Mutex
	seq      int
	entries  map[string]*execlog.Entry
	attempts []*execlog.Attempt
}

func newFakeLogs() *fakeLogs {
	return &fakeLogs{entries: make(map[string]*execlog.Entry)}
}

func (f *fakeLogs) Append(_ context.Context, e *execlog.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	e.ID = fmt.Sprintf("log-%d", f.seq)
	f.entries[e.ID] = e
	return nil
}

func (f *fakeLogs) Update(_ context.Context, e *execlog.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[e.ID]; !ok {
		return execlog.ErrNotFound
	}
	f.entries[e.ID] = e
	return nil
}

func (f *fakeLogs) RecordAttempt(_ context.Context, a *execlog.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, a)
	return nil
}

func (f *fakeLogs) Get(_ context.Context, id string) (*execlog.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return nil, execlog.ErrNotFound
	}
	return e, nil
}

func (f *fakeLogs) List(context.Context, execlog.Filter) (execlog.Page, error) {
	return execlog.Page{}, nil
}

func (f *fakeLogs) ListAttempts(_ context.Context, logID string) ([]*execlog.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*execlog.Attempt
	for _, a := range f.attempts {
		if a.LogID == logID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeLogs) ListRetryable(context.Context, int) ([]*execlog.Entry, error) {
	return nil, nil
}

func (f *fakeLogs) ResetStuck(context.Context, time.Time) (int64, error) { return 0, nil }

func (f *fakeLogs) StampRuleMetadata(context.Context, string, string, string) (int64, error) {
	return 0, nil
}

func (f *fakeLogs) attemptsFor(logID string) []*execlog.Attempt {
	out, _ := f.ListAttempts(context.Background(), logID)
	return out
}

type fakeDLQ struct {
	mu      sync.Mutex
	seq     int
	entries []*dlq.Entry
}

func (f *fakeDLQ) Add(_ context.Context, e *dlq.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	e.ID = fmt.Sprintf("dlq-%d", f.seq)
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeDLQ) Get(_ context.Context, id string) (*dlq.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, dlq.ErrNotFound
}

func (f *fakeDLQ) List(context.Context, dlq.Filter) (dlq.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return dlq.Page{Entries: append([]*dlq.Entry(nil), f.entries...)}, nil
}

func (f *fakeDLQ) Resolve(context.Context, string, time.Time) error { return nil }

func (f *fakeDLQ) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type execFixture struct {
	x    *Executor
	logs *fakeLogs
	dlqs *fakeDLQ
}

func newFixture(t *testing.T, security SecurityPolicy) *execFixture {
	t.Helper()
	logs := newFakeLogs()
	dlqs := &fakeDLQ{}
	x, err := NewExecutor(Options{
		Logs:        logs,
		DLQ:         dlqs,
		Transformer: transform.NewTransformer(nil, nil),
		Security:    security,
		Timeout:     5 * time.Second,
	})
	require.NoError(t, err)
	return &execFixture{x: x, logs: logs, dlqs: dlqs}
}

func testDelivery(target string, retryCount int) Delivery {
	return Delivery{
		Event: &event.Event{
			ID:         "evt-1",
			Tenant:     "acme",
			OrgUnit:    "store-1",
			Type:       "invoice.created",
			Source:     event.SourcePush,
			Payload:    []byte(`{"total":42}`),
			ReceivedAt: time.Now(),
		},
		Rule: &rule.Rule{
			ID:         "rule-1",
			Tenant:     "acme",
			Name:       "forward invoices",
			EventType:  "invoice.created",
			Scope:      rule.Scope{Policy: rule.ScopeAll},
			Target:     target,
			Method:     http.MethodPost,
			RetryCount: retryCount,
			Active:     true,
		},
		Trigger:       execlog.TriggerIngest,
		Fingerprint:   strings.Repeat("ab", 32),
		CorrelationID: "corr-1",
	}
}

func TestRunSuccess(t *testing.T) {
	t.Parallel()

	var (
		gotBody   []byte
		gotHeader http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	fx := newFixture(t, SecurityPolicy{})
	d := testDelivery(srv.URL, 2)
	d.Rule.Signature = rule.SignatureSpec{Secret: "whsec_1"}

	entries, err := fx.x.Run(context.Background(), d)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, execlog.StatusSuccess, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, 3, e.MaxAttempts)
	assert.False(t, e.ShouldRetry)
	assert.Nil(t, e.Error)
	require.NotNil(t, e.Response)
	assert.Equal(t, http.StatusOK, e.Response.StatusCode)
	assert.Equal(t, `{"ok":true}`, e.Response.Body)
	assert.JSONEq(t, `{"total":42}`, string(e.Payload))
	assert.Greater(t, e.Duration, time.Duration(0))

	assert.JSONEq(t, `{"total":42}`, string(gotBody))
	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.Equal(t, "evt-1", gotHeader.Get("X-Sluice-Event-Id"))
	assert.Equal(t, "corr-1", gotHeader.Get("X-Sluice-Correlation-Id"))

	// The signature verifies against the signed body and timestamp.
	sig := gotHeader.Get(rule.DefaultSignatureHeader)
	require.NotEmpty(t, sig)
	parts := strings.Split(sig, ",")
	require.Len(t, parts, 2)
	ts, err := strconv.ParseInt(strings.TrimPrefix(parts[0], "t="), 10, 64)
	require.NoError(t, err)
	assert.Equal(t, "v1="+expectedSig("whsec_1", ts, gotBody), parts[1])

	attempts := fx.logs.attemptsFor(e.ID)
	require.Len(t, attempts, 1)
	assert.Equal(t, execlog.StatusSuccess, attempts[0].Status)
	assert.Equal(t, 1, attempts[0].Number)
	assert.Zero(t, fx.dlqs.count())
}

func TestRunTransientFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	fx := newFixture(t, SecurityPolicy{})
	entries, err := fx.x.Run(context.Background(), testDelivery(srv.URL, 2))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, execlog.StatusFailed, e.Status)
	assert.True(t, e.ShouldRetry)
	assert.Equal(t, 1, e.Attempts)
	require.NotNil(t, e.Error)
	assert.Equal(t, execlog.CategoryTransient, e.Error.Category)
	assert.Equal(t, execlog.CodeHTTP5xx, e.Error.Code)
	assert.Equal(t, http.StatusInternalServerError, e.Response.StatusCode)
	assert.Zero(t, fx.dlqs.count(), "retryable failures must not reach the DLQ")
}

func TestRunPermanentFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such hook", http.StatusNotFound)
	}))
	defer srv.Close()

	fx := newFixture(t, SecurityPolicy{})
	entries, err := fx.x.Run(context.Background(), testDelivery(srv.URL, 5))
	require.NoError(t, err)

	e := entries[0]
	assert.Equal(t, execlog.StatusFailed, e.Status)
	assert.False(t, e.ShouldRetry)
	assert.Equal(t, execlog.CategoryPermanent, e.Error.Category)

	require.Equal(t, 1, fx.dlqs.count())
	promoted := fx.dlqs.entries[0]
	assert.Equal(t, e.ID, promoted.LogID)
	assert.Equal(t, execlog.CategoryPermanent, promoted.Error.Category)
	assert.Equal(t, "forward invoices", promoted.RuleName)
}

func TestRunExhaustedAbandons(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	fx := newFixture(t, SecurityPolicy{})
	entries, err := fx.x.Run(context.Background(), testDelivery(srv.URL, 0))
	require.NoError(t, err)

	e := entries[0]
	assert.Equal(t, execlog.StatusAbandoned, e.Status)
	assert.False(t, e.ShouldRetry)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, 1, e.MaxAttempts)
	assert.Equal(t, 1, fx.dlqs.count())
}

func TestRunHonoursRetryAfter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	fx := newFixture(t, SecurityPolicy{})
	before := time.Now()
	entries, err := fx.x.Run(context.Background(), testDelivery(srv.URL, 2))
	require.NoError(t, err)

	e := entries[0]
	assert.Equal(t, execlog.StatusFailed, e.Status)
	assert.True(t, e.ShouldRetry)
	assert.Equal(t, execlog.CategoryRateLimited, e.Error.Category)
	assert.True(t, e.NextAttemptAt.After(before.Add(119*time.Second)),
		"NextAttemptAt %v must honour Retry-After", e.NextAttemptAt)
}

func TestRunEnforceHTTPS(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	fx := newFixture(t, SecurityPolicy{EnforceHTTPS: true})
	entries, err := fx.x.Run(context.Background(), testDelivery(srv.URL, 2))
	require.NoError(t, err)

	e := entries[0]
	assert.Equal(t, execlog.StatusFailed, e.Status)
	assert.False(t, e.ShouldRetry)
	assert.Equal(t, execlog.CategoryPolicy, e.Error.Category)
	assert.Equal(t, execlog.CodeInsecureURL, e.Error.Code)
	assert.Zero(t, hits.Load(), "blocked delivery must not hit the target")
	assert.Equal(t, 1, fx.dlqs.count())
}

func TestRunBlocksPrivateNetwork(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fx := newFixture(t, SecurityPolicy{BlockPrivateNetworks: true})
	entries, err := fx.x.Run(context.Background(), testDelivery(srv.URL, 2))
	require.NoError(t, err)

	e := entries[0]
	assert.Equal(t, execlog.StatusFailed, e.Status)
	assert.False(t, e.ShouldRetry)
	assert.Equal(t, execlog.CategoryPolicy, e.Error.Category)
	assert.Equal(t, execlog.CodePrivateNetwork, e.Error.Code)
}

func TestRunMultiActionCriticalPathAborts(t *testing.T) {
	t.Parallel()

	var secondHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/first":
			http.Error(w, "down", http.StatusInternalServerError)
		case "/second":
			secondHits.Add(1)
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	d := testDelivery("", 0)
	d.Rule.Target = ""
	d.Rule.ParallelActions = true // no inter-action delay
	d.Rule.Actions = []rule.SubAction{
		{Name: "erp-sync", Target: srv.URL + "/first", CriticalPath: true},
		{Name: "notify", Target: srv.URL + "/second"},
	}

	fx := newFixture(t, SecurityPolicy{})
	entries, err := fx.x.Run(context.Background(), d)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, execlog.StatusAbandoned, entries[0].Status)
	assert.Equal(t, "erp-sync", entries[0].Action)

	assert.Equal(t, execlog.StatusSkipped, entries[1].Status)
	assert.Equal(t, "notify", entries[1].Action)
	require.NotNil(t, entries[1].Error)
	assert.Equal(t, execlog.CodeCriticalPath, entries[1].Error.Code)
	assert.Zero(t, secondHits.Load())
}

func TestRunMultiActionIndependentFailures(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/first" {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := testDelivery("", 1)
	d.Rule.Target = ""
	d.Rule.ParallelActions = true
	d.Rule.Actions = []rule.SubAction{
		{Name: "erp-sync", Target: srv.URL + "/first"},
		{Name: "notify", Target: srv.URL + "/second"},
	}

	fx := newFixture(t, SecurityPolicy{})
	entries, err := fx.x.Run(context.Background(), d)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, execlog.StatusFailed, entries[0].Status)
	assert.True(t, entries[0].ShouldRetry)
	assert.Equal(t, execlog.StatusSuccess, entries[1].Status)
}

func TestRunRateLimitParks(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fx := newFixture(t, SecurityPolicy{})
	d := testDelivery(srv.URL, 2)
	d.Rule.RateLimit = rule.RateLimitPolicy{Capacity: 1, WindowSeconds: 3600}

	first, err := fx.x.Run(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, execlog.StatusSuccess, first[0].Status)

	second, err := fx.x.Run(context.Background(), d)
	require.NoError(t, err)
	e := second[0]
	assert.Equal(t, execlog.StatusFailed, e.Status)
	assert.True(t, e.ShouldRetry)
	assert.Zero(t, e.Attempts, "parked deliveries must not consume an attempt")
	assert.Equal(t, execlog.CategoryRateLimited, e.Error.Category)
	assert.True(t, e.NextAttemptAt.After(time.Now().Add(30*time.Minute)))
	assert.Equal(t, int32(1), hits.Load())
}

func TestRunCircuitOpensAndSkips(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	fx := newFixture(t, SecurityPolicy{})
	d := testDelivery(srv.URL, 0)
	d.Rule.Breaker = rule.CircuitPolicy{Threshold: 2, OpenMs: 60000}

	for i := 0; i < 2; i++ {
		entries, err := fx.x.Run(context.Background(), d)
		require.NoError(t, err)
		assert.Equal(t, execlog.StatusAbandoned, entries[0].Status)
	}
	require.Equal(t, int32(2), hits.Load())

	entries, err := fx.x.Run(context.Background(), d)
	require.NoError(t, err)
	e := entries[0]
	assert.Equal(t, execlog.StatusSkipped, e.Status)
	assert.Equal(t, execlog.CategoryCircuitOpen, e.Error.Category)
	assert.Zero(t, e.Attempts)
	assert.Equal(t, int32(2), hits.Load(), "open circuit must not send")

	snap, ok := fx.x.CircuitState(d.Rule.ID)
	require.True(t, ok)
	assert.Equal(t, rule.CircuitOpen, snap.State)
}

func TestRunOAuth2RefreshOn401(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		n := tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("tok-%d", n),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/hook", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fx := newFixture(t, SecurityPolicy{})
	d := testDelivery(srv.URL+"/hook", 0)
	d.Rule.Auth = rule.AuthSpec{
		Kind:         rule.AuthOAuth2,
		TokenURL:     srv.URL + "/token",
		ClientID:     "client-1",
		ClientSecret: "secret-1",
	}

	entries, err := fx.x.Run(context.Background(), d)
	require.NoError(t, err)
	e := entries[0]
	assert.Equal(t, execlog.StatusSuccess, e.Status)
	assert.Equal(t, 1, e.Attempts, "the refresh resend is part of the same attempt")
	assert.Equal(t, int32(2), tokenCalls.Load())
}

func TestRunTransformFailureSkipsSend(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	d := testDelivery(srv.URL, 2)
	d.Rule.Transform = transform.Spec{
		Kind: transform.KindMapping,
		Mapping: &transform.Mapping{
			Fields: []transform.Field{
				{SourcePath: "missing.path", TargetPath: "x", Required: true},
			},
		},
	}

	fx := newFixture(t, SecurityPolicy{})
	entries, err := fx.x.Run(context.Background(), d)
	require.NoError(t, err)

	e := entries[0]
	assert.Equal(t, execlog.StatusFailed, e.Status)
	assert.False(t, e.ShouldRetry)
	assert.Equal(t, execlog.CategoryConfig, e.Error.Category)
	assert.Equal(t, execlog.CodeBadTransform, e.Error.Code)
	assert.Zero(t, e.Attempts)
	assert.Zero(t, hits.Load())
	assert.Equal(t, 1, fx.dlqs.count())
}

func TestRerunSendsStoredPayload(t *testing.T) {
	t.Parallel()

	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fx := newFixture(t, SecurityPolicy{})
	d := testDelivery(srv.URL, 2)

	e := &execlog.Entry{
		ID:          "log-7",
		Tenant:      "acme",
		RuleID:      d.Rule.ID,
		EventID:     "evt-1",
		EventType:   "invoice.created",
		Status:      execlog.StatusRetrying,
		Trigger:     execlog.TriggerIngest,
		Attempts:    1,
		MaxAttempts: 3,
		Payload:     []byte(`{"cached":true}`),
	}
	fx.logs.entries["log-7"] = e

	require.NoError(t, fx.x.Rerun(context.Background(), e, d.Rule))
	assert.Equal(t, execlog.StatusSuccess, e.Status)
	assert.Equal(t, 2, e.Attempts)
	assert.JSONEq(t, `{"cached":true}`, string(gotBody))
}

func TestRerunInactiveRule(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, SecurityPolicy{})
	d := testDelivery("https://api.example.com/hook", 2)
	d.Rule.Active = false

	e := &execlog.Entry{
		ID:          "log-9",
		Tenant:      "acme",
		RuleID:      d.Rule.ID,
		Status:      execlog.StatusRetrying,
		Attempts:    1,
		MaxAttempts: 3,
		Payload:     []byte(`{}`),
	}
	fx.logs.entries["log-9"] = e

	require.NoError(t, fx.x.Rerun(context.Background(), e, d.Rule))
	assert.Equal(t, execlog.StatusFailed, e.Status)
	assert.False(t, e.ShouldRetry)
	assert.Equal(t, execlog.CategoryConfig, e.Error.Category)
	assert.Equal(t, execlog.CodeRuleInactive, e.Error.Code)
	assert.Equal(t, 1, fx.dlqs.count())
}

func TestNewExecutorValidation(t *testing.T) {
	t.Parallel()

	_, err := NewExecutor(Options{})
	require.Error(t, err)

	_, err = NewExecutor(Options{Logs: newFakeLogs()})
	require.Error(t, err)

	_, err = NewExecutor(Options{Logs: newFakeLogs(), DLQ: &fakeDLQ{}})
	require.Error(t, err)
}

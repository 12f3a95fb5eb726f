// Package deliver executes outbound deliveries: it shapes the request payload
// through the rule's transformation, applies outgoing authentication and body
// signing, and sends the HTTP request under per-rule rate limit and circuit
// breaker control. Every execution is recorded in the execution log with a
// per-attempt trail; terminal failures are promoted to the dead letter queue.
//
// The executor enforces the delivery-time security policy (HTTPS enforcement
// and private network blocking) and classifies every failure into the
// gateway's error taxonomy so the retry worker and operators can act on it.
package deliver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"goa.design/clue/log"

	"github.com/sluicehq/sluice/gateway/dlq"
	"github.com/sluicehq/sluice/gateway/event"
	"github.com/sluicehq/sluice/gateway/execlog"
	"github.com/sluicehq/sluice/gateway/rule"
	"github.com/sluicehq/sluice/gateway/telemetry"
	"github.com/sluicehq/sluice/gateway/transform"
)

const (
	// userAgent identifies the gateway on outbound requests.
	userAgent = "sluice-gateway/1.0"

	// DefaultTimeout bounds delivery attempts when neither the rule nor the
	// executor options set one.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRedirects bounds how many redirects a delivery follows.
	DefaultMaxRedirects = 5

	// persistTimeout bounds log and DLQ writes that must survive a canceled
	// delivery context.
	persistTimeout = 5 * time.Second

	// dlqRetryHint is the suggested operator retry delay stamped on DLQ
	// entries.
	dlqRetryHint = time.Hour
)

type (
	// Options configures an Executor.
	Options struct {
		// Logs is the execution log store. Required.
		Logs execlog.Store
		// DLQ receives terminal failures. Required.
		DLQ dlq.Store
		// Transformer shapes request payloads. Required.
		Transformer *transform.Transformer
		// Rules, when set, receives circuit breaker snapshots so breaker
		// state survives for operator inspection.
		Rules rule.Store
		// Usage, when set, records per-rule usage windows.
		Usage UsageRecorder
		// Metrics records delivery counters. Defaults to a no-op recorder.
		Metrics telemetry.Metrics
		// Security is the delivery-time network policy.
		Security SecurityPolicy
		// Client overrides the delivery HTTP client. Tests use this; the
		// default client is built from Security.
		Client *http.Client
		// Timeout bounds attempts for rules without their own timeout.
		Timeout time.Duration
		// MaxRedirects bounds redirect following. Defaults to 5.
		MaxRedirects int
	}

	// Delivery is one unit of work: deliver an event through a rule.
	Delivery struct {
		Event *event.Event
		Rule  *rule.Rule
		// Trigger records what initiated the execution.
		Trigger execlog.Trigger
		// Fingerprint is the event's dedup fingerprint.
		Fingerprint string
		// CorrelationID ties the execution back to its ingestion.
		CorrelationID string
		// ScheduledID links to the scheduled delivery that fired this
		// execution, if any.
		ScheduledID string
	}

	// Executor sends deliveries and owns their execution log records.
	Executor struct {
		logs        execlog.Store
		dlqs        dlq.Store
		rules       rule.Store
		transformer *transform.Transformer
		usage       UsageRecorder
		metrics     telemetry.Metrics

		security SecurityPolicy
		client   *http.Client
		auth     *authenticator
		limits   *limiters
		breakers *breakers

		timeout time.Duration
		now     func() time.Time
	}
)

// NewExecutor constructs an Executor from options.
func NewExecutor(opts Options) (*Executor, error) {
	if opts.Logs == nil {
		return nil, fmt.Errorf("deliver: execution log store is required")
	}
	if opts.DLQ == nil {
		return nil, fmt.Errorf("deliver: dlq store is required")
	}
	if opts.Transformer == nil {
		return nil, fmt.Errorf("deliver: transformer is required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxRedirects := opts.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}

	transport := NewTransport(opts.Security)
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport:     transport,
			CheckRedirect: redirectPolicy(maxRedirects, opts.Security),
		}
	}
	// Token endpoint calls obey the same network policy as deliveries.
	tokenClient := &http.Client{Transport: transport, Timeout: timeout}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNopMetrics()
	}

	x := &Executor{
		logs:        opts.Logs,
		dlqs:        opts.DLQ,
		rules:       opts.Rules,
		transformer: opts.Transformer,
		usage:       opts.Usage,
		metrics:     metrics,
		security:    opts.Security,
		client:      client,
		auth:        newAuthenticator(tokenClient),
		limits:      newLimiters(),
		timeout:     timeout,
		now:         time.Now,
	}
	x.breakers = newBreakers(x.persistCircuit)
	return x, nil
}

// Run executes the delivery across all of the rule's actions, in order. It
// returns one execution log entry per action. The error return reports log
// store failures only; delivery failures are encoded in the entries.
func (x *Executor) Run(ctx context.Context, d Delivery) ([]*execlog.Entry, error) {
	acts := actionsOf(d.Rule)
	entries := make([]*execlog.Entry, 0, len(acts))
	delay := d.Rule.ActionDelay()

	var abortReason *execlog.ErrorInfo
	for i, act := range acts {
		if i > 0 && abortReason == nil && delay > 0 {
			if err := sleepCtx(ctx, delay); err != nil {
				abortReason = &execlog.ErrorInfo{
					Category: execlog.CategoryShutdown,
					Code:     execlog.CodeShutdown,
					Message:  "remaining actions abandoned by shutdown",
				}
			}
		}

		e := x.newEntry(d, act)
		entries = append(entries, e)

		if abortReason != nil {
			x.finishAborted(ctx, e, abortReason)
			continue
		}

		if err := x.logs.Append(ctx, e); err != nil {
			return entries, fmt.Errorf("deliver: append log entry: %w", err)
		}

		payload, terr := x.transformer.Apply(ctx, act.Transform, d.Rule.Lookup, transform.Input{
			Tenant:        d.Event.Tenant,
			OrgUnit:       d.Event.OrgUnit,
			EventID:       d.Event.ID,
			EventType:     d.Event.Type,
			RuleID:        d.Rule.ID,
			CorrelationID: d.CorrelationID,
			Payload:       d.Event.Payload,
		})
		if terr != nil {
			x.finish(ctx, e, ClassifyTransformError(terr), nil, 0)
		} else {
			e.Payload = payload
			x.attempt(ctx, e, act, d.Rule, payload)
		}

		if act.CriticalPath && e.Status != execlog.StatusSuccess {
			abortReason = &execlog.ErrorInfo{
				Category: execlog.CategoryPermanent,
				Code:     execlog.CodeCriticalPath,
				Message:  fmt.Sprintf("critical action %q did not succeed", act.Name),
			}
		}
	}
	return entries, nil
}

// Rerun re-executes an existing log entry, sending the payload recorded on
// the entry. The caller is responsible for attempt budget adjustments when
// the rerun is operator-initiated. Rules that have been deleted or paused
// abandon the entry instead of sending.
func (x *Executor) Rerun(ctx context.Context, e *execlog.Entry, rl *rule.Rule) error {
	if rl == nil || rl.Deleted || !rl.Active {
		x.finish(ctx, e, Outcome{
			Category: execlog.CategoryConfig,
			Code:     execlog.CodeRuleInactive,
			Message:  "rule is no longer active",
		}, nil, 0)
		return nil
	}

	act, ok := actionFor(rl, e.Action)
	if !ok {
		x.finish(ctx, e, Outcome{
			Category: execlog.CategoryConfig,
			Code:     execlog.CodeBadTarget,
			Message:  fmt.Sprintf("rule no longer has action %q", e.Action),
		}, nil, 0)
		return nil
	}

	payload := e.Payload
	if len(payload) == 0 {
		// Entries parked before transformation carry only the original
		// payload; shape it now.
		out, terr := x.transformer.Apply(ctx, act.Transform, rl.Lookup, transform.Input{
			Tenant:        e.Tenant,
			OrgUnit:       e.OrgUnit,
			EventID:       e.EventID,
			EventType:     e.EventType,
			RuleID:        rl.ID,
			CorrelationID: e.CorrelationID,
			Payload:       e.EventPayload,
		})
		if terr != nil {
			x.finish(ctx, e, ClassifyTransformError(terr), nil, 0)
			return nil
		}
		payload = out
		e.Payload = out
	}

	x.attempt(ctx, e, act, rl, payload)
	return nil
}

// ReleaseRule drops per-rule delivery state (token bucket, breaker) after a
// rule is deleted.
func (x *Executor) ReleaseRule(ruleID string) {
	x.limits.forget(ruleID)
	x.breakers.forget(ruleID)
}

// CircuitState reports the live breaker snapshot for a rule, falling back to
// the persisted snapshot semantics when no breaker has been built yet.
func (x *Executor) CircuitState(ruleID string) (rule.Circuit, bool) {
	return x.breakers.state(ruleID)
}

// attempt performs one delivery attempt for the entry: rate limit gate,
// breaker gate, send, classification and persistence.
func (x *Executor) attempt(ctx context.Context, e *execlog.Entry, act action, rl *rule.Rule, payload []byte) {
	parked, err := x.limits.acquire(ctx, rl)
	if err != nil {
		// Canceled while waiting for bucket capacity.
		x.finish(ctx, e, ClassifyError(err), nil, 0)
		return
	}
	if parked > 0 {
		x.park(ctx, e, parked)
		return
	}

	started := x.now()
	e.Attempts++
	e.LastAttemptAt = started
	e.NextAttemptAt = time.Time{}

	attemptCtx, cancel := context.WithTimeout(ctx, rl.EffectiveTimeout(x.timeout))
	defer cancel()

	meta := requestMeta{
		EventID:       e.EventID,
		EventType:     e.EventType,
		CorrelationID: e.CorrelationID,
	}

	var (
		out  Outcome
		resp *execlog.ResponseInfo
	)
	berr := x.breakers.execute(rl, func() error {
		resp, out = x.send(attemptCtx, act, rl, payload, meta)
		if breakerFailure(out) {
			return errors.New(out.Code)
		}
		return nil
	})
	if errors.Is(berr, ErrCircuitOpen) {
		// No request was made; the attempt does not count.
		e.Attempts--
		x.skipOpenCircuit(ctx, e)
		return
	}

	duration := x.now().Sub(started)

	if x.usage != nil && rl.RateLimit.Capacity > 0 {
		x.recordUsage(e.Tenant, rl)
	}

	x.recordAttempt(ctx, e, out, resp, duration, started)
	x.finish(ctx, e, out, resp, duration)
}

// send performs the HTTP exchange, refreshing an OAuth2 token once when the
// target rejects it with 401.
func (x *Executor) send(ctx context.Context, act action, rl *rule.Rule, payload []byte, meta requestMeta) (*execlog.ResponseInfo, Outcome) {
	for refreshed := false; ; {
		req, client, err := x.buildRequest(ctx, act, rl, payload, meta)
		if err != nil {
			return nil, classifyBuildError(err)
		}
		if client == nil {
			client = x.client
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, ClassifyError(err)
		}
		info := readResponse(resp)

		if resp.StatusCode == http.StatusUnauthorized && act.Auth.Kind == rule.AuthOAuth2 && !refreshed {
			x.auth.invalidate(act.Auth)
			refreshed = true
			continue
		}
		return info, ClassifyResponse(resp.StatusCode, info.Body, resp.Header, x.now())
	}
}

// finish applies the classified outcome to the entry and persists it. The
// status transition follows the taxonomy: retryable failures stay FAILED with
// the retry flag until attempts are exhausted, everything else is terminal.
func (x *Executor) finish(ctx context.Context, e *execlog.Entry, out Outcome, resp *execlog.ResponseInfo, duration time.Duration) {
	now := x.now()
	e.UpdatedAt = now
	e.Duration = duration
	if resp != nil {
		e.Response = resp
	}

	promote := false
	switch {
	case out.OK:
		e.Status = execlog.StatusSuccess
		e.ShouldRetry = false
		e.Error = nil

	case out.Category == execlog.CategoryShutdown:
		e.Status = execlog.StatusAbandoned
		e.ShouldRetry = false
		e.Error = out.errorInfo()
		promote = true

	case out.Retryable() && !e.Exhausted():
		e.Status = execlog.StatusFailed
		e.ShouldRetry = true
		e.Error = out.errorInfo()
		if out.RetryAfter > 0 {
			e.NextAttemptAt = now.Add(out.RetryAfter)
		}

	case out.Retryable():
		e.Status = execlog.StatusAbandoned
		e.ShouldRetry = false
		e.Error = out.errorInfo()
		promote = true

	default:
		e.Status = execlog.StatusFailed
		e.ShouldRetry = false
		e.Error = out.errorInfo()
		promote = true
	}

	x.update(ctx, e)
	if promote {
		x.promote(ctx, e)
	}

	x.metrics.IncCounter(telemetry.MetricDeliveries, 1,
		"tenant", e.Tenant, "status", string(e.Status))
	if duration > 0 {
		x.metrics.RecordTimer(telemetry.MetricDeliveryDuration, duration, "tenant", e.Tenant)
	}
}

// park records a locally rate limited delivery for the retry worker without
// consuming an attempt.
func (x *Executor) park(ctx context.Context, e *execlog.Entry, delay time.Duration) {
	now := x.now()
	e.Status = execlog.StatusFailed
	e.ShouldRetry = true
	e.NextAttemptAt = now.Add(delay)
	e.UpdatedAt = now
	e.Error = &execlog.ErrorInfo{
		Category: execlog.CategoryRateLimited,
		Code:     execlog.CodeRateLimited,
		Message:  fmt.Sprintf("rule rate limit exceeded, next slot in %s", delay.Round(time.Millisecond)),
	}
	x.update(ctx, e)
	x.metrics.IncCounter(telemetry.MetricRateLimited, 1, "tenant", e.Tenant, "rule", e.RuleID)
}

// skipOpenCircuit records a delivery short-circuited by an open breaker.
func (x *Executor) skipOpenCircuit(ctx context.Context, e *execlog.Entry) {
	now := x.now()
	e.Status = execlog.StatusSkipped
	e.ShouldRetry = false
	e.UpdatedAt = now
	e.Error = &execlog.ErrorInfo{
		Category: execlog.CategoryCircuitOpen,
		Code:     execlog.CodeCircuitOpen,
		Message:  "circuit open for rule target",
	}
	x.recordAttempt(ctx, e, Outcome{Category: execlog.CategoryCircuitOpen, Code: execlog.CodeCircuitOpen, Message: e.Error.Message}, nil, 0, now)
	x.update(ctx, e)
	x.metrics.IncCounter(telemetry.MetricDeliveries, 1,
		"tenant", e.Tenant, "status", string(execlog.StatusSkipped))
}

// finishAborted records an action skipped because an earlier critical action
// failed or shutdown interrupted the sequence. The entry is appended already
// terminal.
func (x *Executor) finishAborted(ctx context.Context, e *execlog.Entry, reason *execlog.ErrorInfo) {
	if reason.Category == execlog.CategoryShutdown {
		e.Status = execlog.StatusAbandoned
	} else {
		e.Status = execlog.StatusSkipped
	}
	e.ShouldRetry = false
	e.Error = reason
	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := x.logs.Append(pctx, e); err != nil {
		log.Error(pctx, err, log.KV{K: "msg", V: "deliver: append aborted entry"},
			log.KV{K: "event_id", V: e.EventID})
		return
	}
	if e.Status == execlog.StatusAbandoned {
		x.promote(ctx, e)
	}
}

// newEntry builds the PENDING log entry for one action of a delivery.
func (x *Executor) newEntry(d Delivery, act action) *execlog.Entry {
	now := x.now()
	return &execlog.Entry{
		Tenant:        d.Event.Tenant,
		OrgUnit:       d.Event.OrgUnit,
		RuleID:        d.Rule.ID,
		RuleName:      d.Rule.Name,
		Action:        act.Name,
		Target:        act.Target,
		EventID:       d.Event.ID,
		EventType:     d.Event.Type,
		Fingerprint:   d.Fingerprint,
		Status:        execlog.StatusPending,
		Trigger:       d.Trigger,
		MaxAttempts:   d.Rule.MaxAttempts(),
		EventPayload:  d.Event.Payload,
		CorrelationID: d.CorrelationID,
		ScheduledID:   d.ScheduledID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// promote copies a terminal failure to the dead letter queue.
func (x *Executor) promote(ctx context.Context, e *execlog.Entry) {
	if e.Error == nil {
		return
	}
	now := x.now()
	pctx, cancel := persistCtx(ctx)
	defer cancel()
	err := x.dlqs.Add(pctx, &dlq.Entry{
		LogID:       e.ID,
		Tenant:      e.Tenant,
		RuleID:      e.RuleID,
		RuleName:    e.RuleName,
		EventType:   e.EventType,
		Error:       *e.Error,
		Attempts:    e.Attempts,
		NextRetryAt: now.Add(dlqRetryHint),
		CreatedAt:   now,
	})
	if err != nil {
		log.Error(pctx, err, log.KV{K: "msg", V: "deliver: dlq promotion failed"},
			log.KV{K: "log_id", V: e.ID})
		return
	}
	x.metrics.IncCounter(telemetry.MetricDLQ, 1, "tenant", e.Tenant, "category", string(e.Error.Category))
}

func (x *Executor) update(ctx context.Context, e *execlog.Entry) {
	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := x.logs.Update(pctx, e); err != nil {
		log.Error(pctx, err, log.KV{K: "msg", V: "deliver: log update failed"},
			log.KV{K: "log_id", V: e.ID},
			log.KV{K: "status", V: string(e.Status)})
	}
}

func (x *Executor) recordAttempt(ctx context.Context, e *execlog.Entry, out Outcome, resp *execlog.ResponseInfo, duration time.Duration, started time.Time) {
	status := execlog.StatusSuccess
	switch {
	case out.Category == execlog.CategoryCircuitOpen:
		status = execlog.StatusSkipped
	case !out.OK:
		status = execlog.StatusFailed
	}
	pctx, cancel := persistCtx(ctx)
	defer cancel()
	err := x.logs.RecordAttempt(pctx, &execlog.Attempt{
		LogID:     e.ID,
		Tenant:    e.Tenant,
		RuleID:    e.RuleID,
		Number:    e.Attempts,
		Status:    status,
		Error:     out.errorInfo(),
		Response:  resp,
		Duration:  duration,
		StartedAt: started,
	})
	if err != nil {
		log.Error(pctx, err, log.KV{K: "msg", V: "deliver: attempt record failed"},
			log.KV{K: "log_id", V: e.ID})
	}
}

// recordUsage bumps the rule's usage window, detached from the delivery.
func (x *Executor) recordUsage(tenant string, rl *rule.Rule) {
	window := usageWindow(rl, x.now())
	ruleID := rl.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := x.usage.RecordUsage(ctx, tenant, ruleID, window, 1); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "deliver: usage record failed"},
				log.KV{K: "rule_id", V: ruleID})
		}
	}()
}

// persistCircuit writes breaker snapshots back to the rule store.
func (x *Executor) persistCircuit(ruleID string, c rule.Circuit) {
	x.metrics.IncCounter(telemetry.MetricBreakerTransitions, 1,
		"rule", ruleID, "state", string(c.State))
	if x.rules == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := x.rules.SaveCircuit(ctx, ruleID, c); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "deliver: circuit snapshot failed"},
			log.KV{K: "rule_id", V: ruleID})
	}
}

// classifyBuildError maps request construction failures into the taxonomy.
func classifyBuildError(err error) Outcome {
	var cerr *configError
	if errors.As(err, &cerr) {
		return Outcome{
			Category: execlog.CategoryConfig,
			Code:     cerr.code,
			Message:  cerr.msg,
		}
	}
	var perr *PolicyError
	if errors.As(err, &perr) {
		return Outcome{
			Category: execlog.CategoryPolicy,
			Code:     perr.Code,
			Message:  perr.Message,
		}
	}
	// Token fetches fail with transport errors.
	return ClassifyError(err)
}

// breakerFailure reports whether the outcome counts against the rule's
// breaker. Only failures the target caused do; local policy and configuration
// problems never open a circuit.
func breakerFailure(out Outcome) bool {
	if out.OK {
		return false
	}
	switch out.Category {
	case execlog.CategoryTransient, execlog.CategoryRateLimited, execlog.CategoryPermanent:
		return true
	default:
		return false
	}
}

// readResponse drains the response into a bounded snapshot and closes it.
func readResponse(resp *http.Response) *execlog.ResponseInfo {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, execlog.MaxBodySnippet))
	// Drain a little extra so keep-alive connections can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &execlog.ResponseInfo{
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Headers:    headers,
	}
}

// redirectPolicy bounds redirect chains and re-checks the scheme policy on
// every hop.
func redirectPolicy(maxRedirects int, policy SecurityPolicy) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return policy.CheckURL(req.URL)
	}
}

// persistCtx detaches persistence writes from a possibly canceled delivery
// context while still honoring a live one.
func persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

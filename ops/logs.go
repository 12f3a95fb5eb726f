package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sluicehq/sluice/gateway/execlog"
	"github.com/sluicehq/sluice/gateway/rule"
)

// bulkRetryCap bounds how many entries one bulk retry request re-drives.
const bulkRetryCap = 1000

type (
	errorInfoDoc struct {
		Category string `json:"category"`
		Code     string `json:"code,omitempty"`
		Message  string `json:"message,omitempty"`
	}

	responseInfoDoc struct {
		StatusCode int               `json:"statusCode,omitempty"`
		Body       string            `json:"body,omitempty"`
		Headers    map[string]string `json:"headers,omitempty"`
	}

	logDoc struct {
		ID            string           `json:"id"`
		Tenant        string           `json:"tenant"`
		OrgUnit       string           `json:"orgUnit,omitempty"`
		RuleID        string           `json:"ruleId"`
		RuleName      string           `json:"ruleName,omitempty"`
		Action        string           `json:"action,omitempty"`
		Target        string           `json:"target,omitempty"`
		EventID       string           `json:"eventId,omitempty"`
		EventType     string           `json:"eventType,omitempty"`
		Fingerprint   string           `json:"fingerprint,omitempty"`
		Status        string           `json:"status"`
		Trigger       string           `json:"trigger,omitempty"`
		Attempts      int              `json:"attempts"`
		MaxAttempts   int              `json:"maxAttempts"`
		ShouldRetry   bool             `json:"shouldRetry"`
		Error         *errorInfoDoc    `json:"error,omitempty"`
		Response      *responseInfoDoc `json:"response,omitempty"`
		EventPayload  json.RawMessage  `json:"eventPayload,omitempty"`
		Payload       json.RawMessage  `json:"payload,omitempty"`
		DurationMs    int64            `json:"durationMs,omitempty"`
		CorrelationID string           `json:"correlationId,omitempty"`
		ScheduledID   string           `json:"scheduledId,omitempty"`
		CreatedAt     time.Time        `json:"createdAt"`
		UpdatedAt     time.Time        `json:"updatedAt"`
		LastAttemptAt *time.Time       `json:"lastAttemptAt,omitempty"`
		NextAttemptAt *time.Time       `json:"nextAttemptAt,omitempty"`
	}

	attemptDoc struct {
		Number     int              `json:"number"`
		Status     string           `json:"status"`
		Error      *errorInfoDoc    `json:"error,omitempty"`
		Response   *responseInfoDoc `json:"response,omitempty"`
		DurationMs int64            `json:"durationMs,omitempty"`
		StartedAt  time.Time        `json:"startedAt"`
	}

	logPageDoc struct {
		Entries    []*logDoc `json:"entries"`
		NextCursor string    `json:"nextCursor,omitempty"`
	}

	logDetailDoc struct {
		logDoc
		AttemptTrail []*attemptDoc `json:"attemptTrail"`
	}

	bulkRetryRequest struct {
		Tenant    string `json:"tenant"`
		RuleID    string `json:"ruleId,omitempty"`
		EventType string `json:"eventType,omitempty"`
		Status    string `json:"status,omitempty"`
		From      string `json:"from,omitempty"`
		To        string `json:"to,omitempty"`
		Limit     int    `json:"limit,omitempty"`
	}

	backfillRequest struct {
		RuleID string `json:"ruleId"`
	}
)

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	f, err := logFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "%s", err)
		return
	}
	page, err := s.logs.List(r.Context(), f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list logs: %s", err)
		return
	}
	out := logPageDoc{Entries: make([]*logDoc, len(page.Entries)), NextCursor: page.NextCursor}
	for i, e := range page.Entries {
		out.Entries[i] = fromEntry(e)
	}
	respond(w, http.StatusOK, out)
}

func (s *Server) getLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := s.logs.Get(r.Context(), id)
	if err != nil {
		s.logError(w, err)
		return
	}
	attempts, err := s.logs.ListAttempts(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list attempts: %s", err)
		return
	}
	out := logDetailDoc{logDoc: *fromEntry(e), AttemptTrail: make([]*attemptDoc, len(attempts))}
	for i, a := range attempts {
		out.AttemptTrail[i] = fromAttempt(a)
	}
	respond(w, http.StatusOK, out)
}

// retryLog re-drives a single entry immediately, regardless of backoff.
// Exhausted entries are granted one extra attempt; the executor owns the
// terminal bookkeeping.
func (s *Server) retryLog(w http.ResponseWriter, r *http.Request) {
	e, err := s.logs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.logError(w, err)
		return
	}
	if e.Status == execlog.StatusSuccess {
		respondError(w, http.StatusConflict, "entry %s already delivered", e.ID)
		return
	}
	if err := s.redrive(r.Context(), e); err != nil {
		respondError(w, http.StatusInternalServerError, "retry entry: %s", err)
		return
	}
	respond(w, http.StatusOK, fromEntry(e))
}

// bulkRetryLogs re-drives every matching failed or abandoned entry.
func (s *Server) bulkRetryLogs(w http.ResponseWriter, r *http.Request) {
	var req bulkRetryRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if req.Tenant == "" {
		respondError(w, http.StatusBadRequest, "tenant is required")
		return
	}
	from, err := parseTime(req.From)
	if err != nil {
		respondError(w, http.StatusBadRequest, "parse from: %s", err)
		return
	}
	to, err := parseTime(req.To)
	if err != nil {
		respondError(w, http.StatusBadRequest, "parse to: %s", err)
		return
	}
	limit := req.Limit
	if limit <= 0 || limit > bulkRetryCap {
		limit = bulkRetryCap
	}
	status := execlog.Status(req.Status)
	if status == "" {
		status = execlog.StatusFailed
	}

	f := execlog.Filter{
		Tenant:    req.Tenant,
		RuleID:    req.RuleID,
		EventType: req.EventType,
		Status:    status,
		From:      from,
		To:        to,
		Limit:     defaultPageLimit,
	}

	retried := 0
	for retried < limit {
		page, err := s.logs.List(r.Context(), f)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "list logs: %s", err)
			return
		}
		for _, e := range page.Entries {
			if retried >= limit {
				break
			}
			if e.Status == execlog.StatusSuccess {
				continue
			}
			if err := s.redrive(r.Context(), e); err != nil {
				respondError(w, http.StatusInternalServerError, "retry entry %s: %s", e.ID, err)
				return
			}
			retried++
		}
		if page.NextCursor == "" {
			break
		}
		f.Cursor = page.NextCursor
	}
	respond(w, http.StatusOK, map[string]int{"retried": retried})
}

// abandonLog removes an entry from the retry worker's consideration.
func (s *Server) abandonLog(w http.ResponseWriter, r *http.Request) {
	e, err := s.logs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.logError(w, err)
		return
	}
	if e.Status.Terminal() {
		respondError(w, http.StatusConflict, "entry %s is already terminal", e.ID)
		return
	}
	e.Status = execlog.StatusAbandoned
	e.ShouldRetry = false
	e.UpdatedAt = s.now()
	if err := s.logs.Update(r.Context(), e); err != nil {
		respondError(w, http.StatusInternalServerError, "abandon entry: %s", err)
		return
	}
	respond(w, http.StatusOK, fromEntry(e))
}

// backfillRuleMetadata stamps the rule's current name and target onto its
// historical log entries.
func (s *Server) backfillRuleMetadata(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if req.RuleID == "" {
		respondError(w, http.StatusBadRequest, "ruleId is required")
		return
	}
	rl, err := s.rules.Get(r.Context(), req.RuleID)
	if err != nil {
		s.ruleError(w, err)
		return
	}
	target := rl.Target
	if target == "" && len(rl.Actions) > 0 {
		target = rl.Actions[0].Target
	}
	n, err := s.logs.StampRuleMetadata(r.Context(), rl.ID, rl.Name, target)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "backfill rule metadata: %s", err)
		return
	}
	respond(w, http.StatusOK, map[string]int64{"updated": n})
}

// redrive hands an entry to the executor under the manual trigger. Entries
// whose rule has vanished are passed a nil rule; the executor abandons them.
func (s *Server) redrive(ctx context.Context, e *execlog.Entry) error {
	if e.Exhausted() {
		// Operator retries extend the budget by one attempt.
		e.MaxAttempts = e.Attempts + 1
	}
	e.Status = execlog.StatusRetrying
	e.Trigger = execlog.TriggerManual
	e.ShouldRetry = true
	e.NextAttemptAt = time.Time{}
	e.UpdatedAt = s.now()
	if err := s.logs.Update(ctx, e); err != nil {
		return err
	}

	rl, err := s.rules.Get(ctx, e.RuleID)
	if err != nil && !errors.Is(err, rule.ErrNotFound) {
		return err
	}
	return s.runner.Rerun(ctx, e, rl)
}

func (s *Server) logError(w http.ResponseWriter, err error) {
	if errors.Is(err, execlog.ErrNotFound) {
		respondError(w, http.StatusNotFound, "execution log entry not found")
		return
	}
	respondError(w, http.StatusInternalServerError, "%s", err)
}

func logFilter(r *http.Request) (execlog.Filter, error) {
	q := r.URL.Query()
	from, err := parseTime(q.Get("from"))
	if err != nil {
		return execlog.Filter{}, errors.New("from must be RFC 3339")
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		return execlog.Filter{}, errors.New("to must be RFC 3339")
	}
	f := execlog.Filter{
		Tenant:    q.Get("tenant"),
		RuleID:    q.Get("rule"),
		EventType: q.Get("eventType"),
		Status:    execlog.Status(q.Get("status")),
		From:      from,
		To:        to,
		Cursor:    q.Get("cursor"),
		Limit:     pageLimit(r),
	}
	if f.Tenant == "" {
		return execlog.Filter{}, errors.New("tenant query parameter is required")
	}
	return f, nil
}

func fromEntry(e *execlog.Entry) *logDoc {
	doc := &logDoc{
		ID:            e.ID,
		Tenant:        e.Tenant,
		OrgUnit:       e.OrgUnit,
		RuleID:        e.RuleID,
		RuleName:      e.RuleName,
		Action:        e.Action,
		Target:        e.Target,
		EventID:       e.EventID,
		EventType:     e.EventType,
		Fingerprint:   e.Fingerprint,
		Status:        string(e.Status),
		Trigger:       string(e.Trigger),
		Attempts:      e.Attempts,
		MaxAttempts:   e.MaxAttempts,
		ShouldRetry:   e.ShouldRetry,
		Error:         fromErrorInfo(e.Error),
		Response:      fromResponseInfo(e.Response),
		EventPayload:  json.RawMessage(e.EventPayload),
		Payload:       json.RawMessage(e.Payload),
		DurationMs:    e.Duration.Milliseconds(),
		CorrelationID: e.CorrelationID,
		ScheduledID:   e.ScheduledID,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
	if !e.LastAttemptAt.IsZero() {
		t := e.LastAttemptAt
		doc.LastAttemptAt = &t
	}
	if !e.NextAttemptAt.IsZero() {
		t := e.NextAttemptAt
		doc.NextAttemptAt = &t
	}
	return doc
}

func fromAttempt(a *execlog.Attempt) *attemptDoc {
	return &attemptDoc{
		Number:     a.Number,
		Status:     string(a.Status),
		Error:      fromErrorInfo(a.Error),
		Response:   fromResponseInfo(a.Response),
		DurationMs: a.Duration.Milliseconds(),
		StartedAt:  a.StartedAt,
	}
}

func fromErrorInfo(e *execlog.ErrorInfo) *errorInfoDoc {
	if e == nil {
		return nil
	}
	return &errorInfoDoc{Category: string(e.Category), Code: e.Code, Message: e.Message}
}

func fromResponseInfo(r *execlog.ResponseInfo) *responseInfoDoc {
	if r == nil {
		return nil
	}
	return &responseInfoDoc{StatusCode: r.StatusCode, Body: r.Body, Headers: r.Headers}
}

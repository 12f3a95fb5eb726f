package ops

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sluicehq/sluice/gateway/dlq"
	"github.com/sluicehq/sluice/gateway/execlog"
)

type (
	dlqDoc struct {
		ID          string       `json:"id"`
		LogID       string       `json:"logId"`
		Tenant      string       `json:"tenant"`
		RuleID      string       `json:"ruleId"`
		RuleName    string       `json:"ruleName,omitempty"`
		EventType   string       `json:"eventType,omitempty"`
		Error       errorInfoDoc `json:"error"`
		Attempts    int          `json:"attempts"`
		NextRetryAt time.Time    `json:"nextRetryAt"`
		CreatedAt   time.Time    `json:"createdAt"`
		ResolvedAt  *time.Time   `json:"resolvedAt,omitempty"`
	}

	dlqPageDoc struct {
		Entries    []*dlqDoc `json:"entries"`
		NextCursor string    `json:"nextCursor,omitempty"`
	}
)

func (s *Server) listDLQ(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := dlq.Filter{
		Tenant:     q.Get("tenant"),
		RuleID:     q.Get("rule"),
		Category:   execlog.Category(q.Get("category")),
		Unresolved: q.Get("unresolved") == "true",
		Cursor:     q.Get("cursor"),
		Limit:      pageLimit(r),
	}
	if f.Tenant == "" {
		respondError(w, http.StatusBadRequest, "tenant query parameter is required")
		return
	}
	page, err := s.dlqs.List(r.Context(), f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list dlq: %s", err)
		return
	}
	out := dlqPageDoc{Entries: make([]*dlqDoc, len(page.Entries)), NextCursor: page.NextCursor}
	for i, e := range page.Entries {
		out.Entries[i] = fromDLQEntry(e)
	}
	respond(w, http.StatusOK, out)
}

// retryDLQ promotes a dead-lettered delivery back into the retry path: the
// underlying log entry is re-driven and the DLQ entry resolved.
func (s *Server) retryDLQ(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := s.dlqs.Get(r.Context(), id)
	if err != nil {
		s.dlqError(w, err)
		return
	}
	if entry.Resolved() {
		respondError(w, http.StatusConflict, "dead-letter entry %s already resolved", id)
		return
	}

	e, err := s.logs.Get(r.Context(), entry.LogID)
	if err != nil {
		s.logError(w, err)
		return
	}
	if err := s.redrive(r.Context(), e); err != nil {
		respondError(w, http.StatusInternalServerError, "retry entry: %s", err)
		return
	}
	if err := s.dlqs.Resolve(r.Context(), id, s.now()); err != nil && !errors.Is(err, dlq.ErrResolved) {
		respondError(w, http.StatusInternalServerError, "resolve dead-letter entry: %s", err)
		return
	}
	respond(w, http.StatusOK, fromEntry(e))
}

func (s *Server) resolveDLQ(w http.ResponseWriter, r *http.Request) {
	if err := s.dlqs.Resolve(r.Context(), chi.URLParam(r, "id"), s.now()); err != nil {
		s.dlqError(w, err)
		return
	}
	respond(w, http.StatusNoContent, nil)
}

func (s *Server) dlqError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dlq.ErrNotFound):
		respondError(w, http.StatusNotFound, "dead-letter entry not found")
	case errors.Is(err, dlq.ErrResolved):
		respondError(w, http.StatusConflict, "dead-letter entry already resolved")
	default:
		respondError(w, http.StatusInternalServerError, "%s", err)
	}
}

func fromDLQEntry(e *dlq.Entry) *dlqDoc {
	doc := &dlqDoc{
		ID:          e.ID,
		LogID:       e.LogID,
		Tenant:      e.Tenant,
		RuleID:      e.RuleID,
		RuleName:    e.RuleName,
		EventType:   e.EventType,
		Error:       errorInfoDoc{Category: string(e.Error.Category), Code: e.Error.Code, Message: e.Error.Message},
		Attempts:    e.Attempts,
		NextRetryAt: e.NextRetryAt,
		CreatedAt:   e.CreatedAt,
	}
	if e.Resolved() {
		t := e.ResolvedAt
		doc.ResolvedAt = &t
	}
	return doc
}

package ops

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sluicehq/sluice/gateway/schedule"
)

type (
	scheduledDoc struct {
		ID             string     `json:"id"`
		Tenant         string     `json:"tenant"`
		OrgUnit        string     `json:"orgUnit,omitempty"`
		RuleID         string     `json:"ruleId"`
		EventID        string     `json:"eventId,omitempty"`
		EventType      string     `json:"eventType,omitempty"`
		DueAt          time.Time  `json:"dueAt"`
		Status         string     `json:"status"`
		Overdue        bool       `json:"overdue"`
		Recurring      bool       `json:"recurring,omitempty"`
		Occurrence     int        `json:"occurrence,omitempty"`
		MaxOccurrences int        `json:"maxOccurrences,omitempty"`
		IntervalMs     int64      `json:"intervalMs,omitempty"`
		Reason         string     `json:"reason,omitempty"`
		CreatedAt      time.Time  `json:"createdAt"`
		CompletedAt    *time.Time `json:"completedAt,omitempty"`
	}

	scheduledPageDoc struct {
		Deliveries []*scheduledDoc `json:"deliveries"`
		NextCursor string          `json:"nextCursor,omitempty"`
	}

	cancelRequest struct {
		Reason string `json:"reason,omitempty"`
	}
)

func (s *Server) listScheduled(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dueBefore, err := parseTime(q.Get("dueBefore"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "dueBefore must be RFC 3339")
		return
	}
	f := schedule.Filter{
		Tenant:    q.Get("tenant"),
		RuleID:    q.Get("rule"),
		Status:    schedule.Status(q.Get("status")),
		DueBefore: dueBefore,
		Cursor:    q.Get("cursor"),
		Limit:     pageLimit(r),
	}
	if f.Tenant == "" {
		respondError(w, http.StatusBadRequest, "tenant query parameter is required")
		return
	}
	page, err := s.scheduled.List(r.Context(), f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list scheduled deliveries: %s", err)
		return
	}
	now := s.now()
	out := scheduledPageDoc{Deliveries: make([]*scheduledDoc, len(page.Deliveries)), NextCursor: page.NextCursor}
	for i, d := range page.Deliveries {
		out.Deliveries[i] = fromScheduled(d, now)
	}
	respond(w, http.StatusOK, out)
}

func (s *Server) cancelScheduled(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "%s", err)
			return
		}
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by operator"
	}
	id := chi.URLParam(r, "id")
	if err := s.scheduled.Cancel(r.Context(), id, s.now(), reason); err != nil {
		s.scheduleError(w, err)
		return
	}
	d, err := s.scheduled.Get(r.Context(), id)
	if err != nil {
		s.scheduleError(w, err)
		return
	}
	respond(w, http.StatusOK, fromScheduled(d, s.now()))
}

// cancelOverdue sweeps PENDING deliveries whose due time plus grace has
// passed. graceHours defaults to the schedule package grace window.
func (s *Server) cancelOverdue(w http.ResponseWriter, r *http.Request) {
	grace := schedule.DefaultGrace
	if raw := r.URL.Query().Get("graceHours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "graceHours must be a non-negative integer")
			return
		}
		grace = time.Duration(n) * time.Hour
	}
	now := s.now()
	n, err := s.scheduled.CancelOverdue(r.Context(), now.Add(-grace), now, "scheduled time passed")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "cancel overdue deliveries: %s", err)
		return
	}
	respond(w, http.StatusOK, map[string]int64{"cancelled": n})
}

func (s *Server) scheduleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, schedule.ErrNotFound):
		respondError(w, http.StatusNotFound, "scheduled delivery not found")
	case errors.Is(err, schedule.ErrNotPending):
		respondError(w, http.StatusConflict, "scheduled delivery is not pending")
	default:
		respondError(w, http.StatusInternalServerError, "%s", err)
	}
}

func fromScheduled(d *schedule.Delivery, now time.Time) *scheduledDoc {
	doc := &scheduledDoc{
		ID:             d.ID,
		Tenant:         d.Tenant,
		OrgUnit:        d.OrgUnit,
		RuleID:         d.RuleID,
		EventID:        d.EventID,
		EventType:      d.EventType,
		DueAt:          d.DueAt,
		Status:         string(d.Status),
		Overdue:        d.Overdue(now, 0),
		Recurring:      d.Recurring,
		Occurrence:     d.Occurrence,
		MaxOccurrences: d.MaxOccurrences,
		IntervalMs:     d.Interval.Milliseconds(),
		Reason:         d.Reason,
		CreatedAt:      d.CreatedAt,
	}
	if !d.CompletedAt.IsZero() {
		t := d.CompletedAt
		doc.CompletedAt = &t
	}
	return doc
}

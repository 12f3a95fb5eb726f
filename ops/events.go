package ops

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sluicehq/sluice/gateway/ingest"
)

type (
	pushEventRequest struct {
		Tenant       string          `json:"tenant"`
		OrgUnit      string          `json:"orgUnit,omitempty"`
		EventType    string          `json:"eventType"`
		Payload      json.RawMessage `json:"payload"`
		PartitionKey string          `json:"partitionKey,omitempty"`
	}

	pushEventResponse struct {
		ID         string    `json:"id"`
		ReceivedAt time.Time `json:"receivedAt"`
	}

	publishRequest struct {
		Key     string          `json:"key,omitempty"`
		Payload json.RawMessage `json:"payload"`
	}
)

// postEvent is the HTTP push ingress: accepted events land in the pending
// collection and the push poll adapter drains them into the pipeline. 202
// means durably queued, not delivered.
func (s *Server) postEvent(w http.ResponseWriter, r *http.Request) {
	var req pushEventRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if req.Tenant == "" {
		respondError(w, http.StatusBadRequest, "tenant is required")
		return
	}
	if req.EventType == "" {
		respondError(w, http.StatusBadRequest, "eventType is required")
		return
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		respondError(w, http.StatusBadRequest, "payload must be valid JSON")
		return
	}

	p := &ingest.PendingEvent{
		ID:           uuid.NewString(),
		Tenant:       req.Tenant,
		OrgUnit:      req.OrgUnit,
		EventType:    req.EventType,
		Payload:      req.Payload,
		PartitionKey: req.PartitionKey,
		ReceivedAt:   s.now(),
	}
	if err := s.pending.Enqueue(r.Context(), p); err != nil {
		respondError(w, http.StatusInternalServerError, "enqueue event: %s", err)
		return
	}
	respond(w, http.StatusAccepted, pushEventResponse{ID: p.ID, ReceivedAt: p.ReceivedAt})
}

// publishStream drops an envelope onto a log topic. Operator test hook: it
// exercises the log adapter path end to end without touching the source
// system.
func (s *Server) publishStream(w http.ResponseWriter, r *http.Request) {
	if s.publisher == nil {
		respondError(w, http.StatusServiceUnavailable, "stream publishing is not configured")
		return
	}
	topic := chi.URLParam(r, "topic")
	var req publishRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		respondError(w, http.StatusBadRequest, "payload must be valid JSON")
		return
	}
	id, err := s.publisher.Publish(r.Context(), topic, req.Key, req.Payload)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "publish to %s: %s", topic, err)
		return
	}
	respond(w, http.StatusAccepted, map[string]string{"id": id})
}

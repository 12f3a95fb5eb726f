package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// envelope is the wire form accepted from log topics and the push ingress.
// It tolerates the legacy field names still emitted by older producers;
// the gateway itself only ever writes the modern names.
type envelope struct {
	ID           string          `json:"id"`
	EventID      string          `json:"eventId"`
	Tenant       string          `json:"tenant"`
	TenantID     string          `json:"tenantId"`
	OrgID        string          `json:"org_id"`
	OrgIDCamel   string          `json:"orgId"`
	OrgUnit      string          `json:"orgUnit"`
	EntityRID    string          `json:"entityRid"`
	ParentRID    string          `json:"entityParentRid"`
	Type         string          `json:"eventType"`
	TypeSnake    string          `json:"event_type"`
	TypeLegacy   string          `json:"transaction_type"`
	TypeShort    string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Data         json.RawMessage `json:"data"`
	PartitionKey string          `json:"partitionKey"`
}

// Decode parses a wire envelope into a normalized Event. Legacy aliases are
// honored on read (tenantId/org_id for tenant, entityRid for orgUnit, data
// for payload, transaction_type/event_type/type for eventType). The event is
// stamped with the given source and receive time and assigned an ID when the
// envelope carries none. The tenant may be empty: adapters bound to a single
// tenant default it from their source configuration, then run Validate.
func Decode(raw []byte, source Source, receivedAt time.Time) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, err)
	}

	ev := &Event{
		ID:            firstOf(env.ID, env.EventID),
		Tenant:        firstOf(env.Tenant, env.TenantID, env.OrgID, env.OrgIDCamel),
		OrgUnit:       firstOf(env.OrgUnit, env.EntityRID),
		OrgUnitParent: env.ParentRID,
		Type:          strings.TrimSpace(firstOf(env.Type, env.TypeSnake, env.TypeLegacy, env.TypeShort)),
		Payload:       env.Payload,
		Source:        source,
		PartitionKey:  env.PartitionKey,
		ReceivedAt:    receivedAt.UTC(),
	}
	if len(ev.Payload) == 0 {
		ev.Payload = env.Data
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("%w: event type is required", ErrInvalid)
	}
	return ev, nil
}

// MarshalWire encodes the event in the modern wire form used by the
// gateway's own publishers.
func (e *Event) MarshalWire() ([]byte, error) {
	return json.Marshal(struct {
		ID           string          `json:"id"`
		Tenant       string          `json:"tenant"`
		OrgUnit      string          `json:"orgUnit,omitempty"`
		Type         string          `json:"eventType"`
		Payload      json.RawMessage `json:"payload,omitempty"`
		PartitionKey string          `json:"partitionKey,omitempty"`
	}{
		ID:           e.ID,
		Tenant:       e.Tenant,
		OrgUnit:      e.OrgUnit,
		Type:         e.Type,
		Payload:      e.Payload,
		PartitionKey: e.PartitionKey,
	})
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

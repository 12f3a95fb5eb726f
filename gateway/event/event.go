// Package event defines the normalized event envelope that flows through the
// gateway.
//
// Adapters decode source-specific records into Events; every downstream stage
// (dedup, rule resolution, transformation, delivery, scheduling) consumes the
// same envelope. Events are identified for dedup purposes by a deterministic
// fingerprint over their identity fields and canonicalized payload.
package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type (
	// Source identifies the kind of adapter an event entered through.
	Source string

	// Event is the normalized envelope produced by ingestion adapters.
	Event struct {
		// ID is the gateway-assigned identifier for this ingestion.
		ID string
		// Tenant is the owning tenant identifier. Required.
		Tenant string
		// OrgUnit is the organizational unit the event belongs to.
		OrgUnit string
		// OrgUnitParent is the parent organizational unit when the source
		// supplies it. Used as a fast path for child-scope matching.
		OrgUnitParent string
		// Type is the business event type (e.g. "invoice.created"). Required.
		Type string
		// Payload is the raw JSON payload as received from the source.
		Payload json.RawMessage
		// Source is the adapter kind that produced the event.
		Source Source
		// SourceOffset is the source-specific position (row id, stream offset,
		// document id). Empty when the source has no stable offset.
		SourceOffset string
		// PartitionKey orders events relative to each other: events sharing
		// (Tenant, PartitionKey) are processed serially. Defaults to OrgUnit,
		// then Tenant.
		PartitionKey string
		// ReceivedAt is stamped by the gateway when the event is accepted.
		ReceivedAt time.Time
	}
)

const (
	// SourceRelational marks events polled from a relational table.
	SourceRelational Source = "relational"
	// SourceLog marks events consumed from a partitioned log topic.
	SourceLog Source = "log"
	// SourcePush marks events accepted through the HTTP push ingress.
	SourcePush Source = "push"
)

// ErrInvalid reports an event that fails envelope validation.
var ErrInvalid = errors.New("invalid event")

// Validate checks the envelope invariants shared by all sources.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalid)
	}
	if e.Tenant == "" {
		return fmt.Errorf("%w: tenant is required", ErrInvalid)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: event type is required", ErrInvalid)
	}
	return nil
}

// Key returns the ordering key for the event. Events with equal keys are
// processed serially in arrival order.
func (e *Event) Key() string {
	switch {
	case e.PartitionKey != "":
		return e.Tenant + "/" + e.PartitionKey
	case e.OrgUnit != "":
		return e.Tenant + "/" + e.OrgUnit
	default:
		return e.Tenant
	}
}

// Fingerprint computes the deterministic dedup fingerprint:
// SHA-256 over tenant, event type, source, source offset and the
// canonicalized payload. Two ingestions of the same source record always
// produce the same fingerprint regardless of JSON key order.
func (e *Event) Fingerprint() (string, error) {
	canon, err := CanonicalJSON(e.Payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	h := sha256.New()
	for _, part := range []string{e.Tenant, e.Type, string(e.Source), e.SourceOffset} {
		h.Write([]byte(part))
		h.Write([]byte{0x1f})
	}
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CanonicalJSON re-encodes raw JSON with object keys sorted recursively.
// Numbers round-trip verbatim and array order is preserved. A nil or empty
// payload canonicalizes to "null".
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	// encoding/json sorts map keys when marshaling, which is exactly the
	// canonical form needed for stable fingerprints.
	return json.Marshal(v)
}

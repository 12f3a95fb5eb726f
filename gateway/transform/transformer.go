package transform

import (
	"context"
	"encoding/json"
	"fmt"
)

type (
	// Spec selects how a payload is shaped before delivery.
	Spec struct {
		// Kind is "none", "mapping" or "script".
		Kind string
		// Mapping is the declarative transformation, for Kind "mapping".
		Mapping *Mapping
		// Script is the sandboxed transform source, for Kind "script".
		Script string
	}

	// Meta is the read-only context handed to transform scripts.
	Meta struct {
		Tenant        string
		OrgUnit       string
		EventID       string
		EventType     string
		RuleID        string
		CorrelationID string
		// Lookup resolves a code through the rule's lookup tables. Bound by
		// the transformer so scripts share the mapping semantics of the
		// declarative lookup pass.
		Lookup func(typ, code string) (string, bool, error)
	}

	// ScriptRunner evaluates transform scripts. Implemented by the sandbox.
	ScriptRunner interface {
		// RunTransform executes the script against the payload and returns
		// the produced value.
		RunTransform(ctx context.Context, script string, payload any, meta Meta) (any, error)
	}

	// Transformer applies a rule's transformation and lookup pass to event
	// payloads.
	Transformer struct {
		scripts ScriptRunner
		lookups Resolver
	}

	// Input carries the event context into a transformation.
	Input struct {
		Tenant        string
		OrgUnit       string
		EventID       string
		EventType     string
		RuleID        string
		CorrelationID string
		Payload       json.RawMessage
	}
)

// Spec kinds.
const (
	KindNone    = "none"
	KindMapping = "mapping"
	KindScript  = "script"
)

// NewTransformer returns a transformer running scripts through scripts and
// lookups through lookups. Either may be nil when rules never use the
// corresponding feature.
func NewTransformer(scripts ScriptRunner, lookups Resolver) *Transformer {
	return &Transformer{scripts: scripts, lookups: lookups}
}

// Apply shapes the input payload per the spec and lookup configuration and
// returns the JSON document to deliver.
func (t *Transformer) Apply(ctx context.Context, spec Spec, lookup LookupSpec, in Input) (json.RawMessage, error) {
	payload, err := ParsePayload(in.Payload)
	if err != nil {
		return nil, &MappingError{Path: "$", Reason: fmt.Sprintf("payload is not valid JSON: %s", err)}
	}

	var out any
	switch spec.Kind {
	case "", KindNone:
		out = payload

	case KindMapping:
		if spec.Mapping == nil {
			return nil, &MappingError{Path: "$", Reason: "mapping transform has no mapping"}
		}
		doc, err := spec.Mapping.Apply(payload)
		if err != nil {
			return nil, err
		}
		out = doc

	case KindScript:
		if t.scripts == nil {
			return nil, &MappingError{Path: "$", Reason: "script transforms are not enabled"}
		}
		meta := Meta{
			Tenant:        in.Tenant,
			OrgUnit:       in.OrgUnit,
			EventID:       in.EventID,
			EventType:     in.EventType,
			RuleID:        in.RuleID,
			CorrelationID: in.CorrelationID,
		}
		if t.lookups != nil {
			meta.Lookup = func(typ, code string) (string, bool, error) {
				return t.lookups.Lookup(ctx, in.Tenant, in.OrgUnit, typ, code)
			}
		}
		out, err = t.scripts.RunTransform(ctx, spec.Script, payload, meta)
		if err != nil {
			return nil, err
		}

	default:
		return nil, &MappingError{Path: "$", Reason: fmt.Sprintf("unknown transform kind %q", spec.Kind)}
	}

	if lookup.Type != "" {
		if t.lookups == nil {
			return nil, &MappingError{Path: "$", Reason: "lookups are not enabled"}
		}
		doc, ok := out.(map[string]any)
		if !ok {
			return nil, &MappingError{Path: "$", Reason: fmt.Sprintf("lookup pass requires an object payload, got %T", out)}
		}
		if err := ApplyLookups(ctx, lookup, t.lookups, in.Tenant, in.OrgUnit, doc); err != nil {
			return nil, err
		}
		out = doc
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, &MappingError{Path: "$", Reason: fmt.Sprintf("encode transformed payload: %s", err)}
	}
	return raw, nil
}

// ParsePayload decodes a raw JSON payload into the generic tree the mapping
// engine and sandbox operate on. A nil payload decodes to nil.
func ParsePayload(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

package transform

import (
	"context"
	"fmt"
)

type (
	// UnmappedBehavior controls what happens when a code has no lookup row.
	UnmappedBehavior string

	// LookupSpec configures the post-transform lookup pass: the named fields
	// hold source-system codes that are swapped for target-system codes of
	// the given lookup type.
	LookupSpec struct {
		// Type is the lookup table name (e.g. "gl-account"). Empty disables
		// the pass.
		Type string
		// Fields are paths into the transformed document, with the same []
		// fan-out semantics as mapping paths.
		Fields []string
		// Unmapped selects the behavior for codes with no mapping.
		Unmapped UnmappedBehavior
		// Default replaces unmapped codes when Unmapped is DEFAULT.
		Default string
	}

	// Resolver answers lookup queries. Implementations resolve the most
	// specific row: (tenant, orgUnit, type, code) before (tenant, "", type,
	// code).
	Resolver interface {
		// Lookup returns the mapped code and whether a mapping exists.
		Lookup(ctx context.Context, tenant, orgUnit, typ, code string) (string, bool, error)
	}

	// LookupError reports an unmapped code under the FAIL behavior. Lookup
	// errors are permanent.
	LookupError struct {
		Type string
		Code string
	}
)

func (e *LookupError) Error() string {
	return fmt.Sprintf("no %s lookup for code %q", e.Type, e.Code)
}

const (
	// UnmappedPassthrough keeps the original code.
	UnmappedPassthrough UnmappedBehavior = "PASSTHROUGH"
	// UnmappedDefault substitutes the spec default.
	UnmappedDefault UnmappedBehavior = "DEFAULT"
	// UnmappedFail fails the delivery.
	UnmappedFail UnmappedBehavior = "FAIL"
)

// ApplyLookups rewrites the spec's fields in doc through the resolver. The
// document is modified in place.
func ApplyLookups(ctx context.Context, spec LookupSpec, resolver Resolver, tenant, orgUnit string, doc map[string]any) error {
	if spec.Type == "" || len(spec.Fields) == 0 {
		return nil
	}
	for _, path := range spec.Fields {
		val, ok := Get(doc, path)
		if !ok || val == nil {
			continue
		}
		mapped, err := lookupValue(ctx, spec, resolver, tenant, orgUnit, val)
		if err != nil {
			return err
		}
		if err := Set(doc, path, mapped); err != nil {
			return fmt.Errorf("lookup field %q: %w", path, err)
		}
	}
	return nil
}

func lookupValue(ctx context.Context, spec LookupSpec, resolver Resolver, tenant, orgUnit string, val any) (any, error) {
	switch v := val.(type) {
	case string:
		return lookupCode(ctx, spec, resolver, tenant, orgUnit, v)
	case []any:
		out := make([]any, len(v))
		for i, el := range v {
			if el == nil {
				continue
			}
			mapped, err := lookupValue(ctx, spec, resolver, tenant, orgUnit, el)
			if err != nil {
				return nil, err
			}
			out[i] = mapped
		}
		return out, nil
	default:
		// Non-string codes pass through untouched.
		return val, nil
	}
}

func lookupCode(ctx context.Context, spec LookupSpec, resolver Resolver, tenant, orgUnit, code string) (any, error) {
	mapped, ok, err := resolver.Lookup(ctx, tenant, orgUnit, spec.Type, code)
	if err != nil {
		return nil, fmt.Errorf("lookup %s/%s: %w", spec.Type, code, err)
	}
	if ok {
		return mapped, nil
	}
	switch spec.Unmapped {
	case UnmappedDefault:
		return spec.Default, nil
	case UnmappedFail:
		return nil, &LookupError{Type: spec.Type, Code: code}
	default:
		return code, nil
	}
}

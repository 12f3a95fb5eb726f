package transform

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type (
	// Field maps one source path to one target path with an optional
	// shaping function.
	Field struct {
		// SourcePath reads from the event payload.
		SourcePath string
		// TargetPath writes into the output document.
		TargetPath string
		// Function is one of the closed shaping functions: "", trim, upper,
		// lower, format-date, default.
		Function string
		// Format is the output layout for format-date (Go reference layout).
		Format string
		// Default substitutes missing or empty values. Used by the default
		// function and by missing source paths when Required is false.
		Default any
		// Required fails the mapping when the source path is absent.
		Required bool
	}

	// Static writes a fixed value into the output document.
	Static struct {
		TargetPath string
		Value      any
	}

	// Mapping is the declarative payload transformation.
	Mapping struct {
		// Fields apply in order.
		Fields []Field
		// Statics apply after fields.
		Statics []Static
	}

	// MappingError reports a mapping that cannot be applied to a payload.
	// Mapping errors are permanent: retrying the same event cannot fix them.
	MappingError struct {
		Path   string
		Reason string
	}
)

func (e *MappingError) Error() string {
	return fmt.Sprintf("mapping %q: %s", e.Path, e.Reason)
}

// Shaping functions.
const (
	FuncTrim       = "trim"
	FuncUpper      = "upper"
	FuncLower      = "lower"
	FuncFormatDate = "format-date"
	FuncDefault    = "default"
)

// acceptedDateLayouts are tried in order when parsing format-date inputs.
var acceptedDateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// Apply shapes the payload into a fresh output document. The input is never
// mutated.
func (m *Mapping) Apply(payload any) (map[string]any, error) {
	out := map[string]any{}
	for _, f := range m.Fields {
		val, ok := Get(payload, f.SourcePath)
		if !ok || val == nil {
			if f.Required {
				return nil, &MappingError{Path: f.SourcePath, Reason: "required source path is missing"}
			}
			if f.Default == nil {
				continue
			}
			val = f.Default
		}
		shaped, err := applyFunc(f, val)
		if err != nil {
			return nil, err
		}
		if err := Set(out, f.TargetPath, shaped); err != nil {
			return nil, &MappingError{Path: f.TargetPath, Reason: err.Error()}
		}
	}
	for _, s := range m.Statics {
		if err := Set(out, s.TargetPath, s.Value); err != nil {
			return nil, &MappingError{Path: s.TargetPath, Reason: err.Error()}
		}
	}
	return out, nil
}

// Validate rejects mappings referencing unknown functions or empty paths.
func (m *Mapping) Validate() error {
	for i, f := range m.Fields {
		if f.SourcePath == "" {
			return &MappingError{Path: fmt.Sprintf("fields[%d]", i), Reason: "source path is required"}
		}
		if f.TargetPath == "" {
			return &MappingError{Path: f.SourcePath, Reason: "target path is required"}
		}
		switch f.Function {
		case "", FuncTrim, FuncUpper, FuncLower, FuncDefault:
		case FuncFormatDate:
			if f.Format == "" {
				return &MappingError{Path: f.SourcePath, Reason: "format-date requires a format"}
			}
		default:
			return &MappingError{Path: f.SourcePath, Reason: fmt.Sprintf("unknown function %q", f.Function)}
		}
	}
	for i, s := range m.Statics {
		if s.TargetPath == "" {
			return &MappingError{Path: fmt.Sprintf("statics[%d]", i), Reason: "target path is required"}
		}
	}
	return nil
}

func applyFunc(f Field, val any) (any, error) {
	if f.Function == "" {
		return val, nil
	}
	// Fan-out values are shaped element-wise.
	if arr, ok := val.([]any); ok && f.Function != FuncDefault {
		out := make([]any, len(arr))
		for i, el := range arr {
			if el == nil {
				continue
			}
			shaped, err := applyFunc(f, el)
			if err != nil {
				return nil, err
			}
			out[i] = shaped
		}
		return out, nil
	}

	switch f.Function {
	case FuncTrim:
		s, err := asString(f, val)
		if err != nil {
			return nil, err
		}
		return strings.TrimSpace(s), nil
	case FuncUpper:
		s, err := asString(f, val)
		if err != nil {
			return nil, err
		}
		return strings.ToUpper(s), nil
	case FuncLower:
		s, err := asString(f, val)
		if err != nil {
			return nil, err
		}
		return strings.ToLower(s), nil
	case FuncFormatDate:
		return formatDate(f, val)
	case FuncDefault:
		if isEmpty(val) {
			return f.Default, nil
		}
		return val, nil
	default:
		return nil, &MappingError{Path: f.SourcePath, Reason: fmt.Sprintf("unknown function %q", f.Function)}
	}
}

func asString(f Field, val any) (string, error) {
	s, ok := val.(string)
	if !ok {
		return "", &MappingError{Path: f.SourcePath, Reason: fmt.Sprintf("%s requires a string, got %T", f.Function, val)}
	}
	return s, nil
}

func formatDate(f Field, val any) (any, error) {
	var t time.Time
	switch v := val.(type) {
	case string:
		var err error
		t, err = parseDate(v)
		if err != nil {
			return nil, &MappingError{Path: f.SourcePath, Reason: err.Error()}
		}
	case float64:
		t = fromEpoch(int64(v))
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return nil, &MappingError{Path: f.SourcePath, Reason: fmt.Sprintf("invalid epoch %q", v)}
		}
		t = fromEpoch(n)
	default:
		return nil, &MappingError{Path: f.SourcePath, Reason: fmt.Sprintf("format-date requires a string or number, got %T", val)}
	}
	return t.UTC().Format(f.Format), nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range acceptedDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

// fromEpoch accepts seconds or milliseconds, disambiguated by magnitude.
func fromEpoch(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}

func isEmpty(val any) bool {
	switch v := val.(type) {
	case nil:
		return true
	case string:
		return v == ""
	default:
		return false
	}
}

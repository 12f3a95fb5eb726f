// Package transform shapes event payloads for delivery.
//
// Rules choose between a declarative field mapping and a sandboxed script;
// both are followed by an optional lookup pass that swaps source codes for
// target-system codes. Payloads are generic JSON trees (map[string]any,
// []any, scalars) addressed by dotted paths. A path segment suffixed with
// "[]" fans out over an array: "items[].sku" reads every sku in items, and
// writing "lines[].code" pairs values element-wise with the source fan-out.
package transform

import (
	"fmt"
	"strings"
)

// Get resolves path against doc. Array fan-out segments return a slice with
// one entry per element; elements missing the remainder of the path
// contribute nil so fan-out results stay index-aligned across fields.
func Get(doc any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	return getSegs(doc, strings.Split(path, "."))
}

func getSegs(cur any, segs []string) (any, bool) {
	if len(segs) == 0 {
		return cur, true
	}
	seg := segs[0]

	if name, isFan := strings.CutSuffix(seg, "[]"); isFan {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		arr, ok := m[name].([]any)
		if !ok {
			return nil, false
		}
		out := make([]any, len(arr))
		for i, el := range arr {
			if v, ok := getSegs(el, segs[1:]); ok {
				out[i] = v
			}
		}
		return out, true
	}

	m, ok := cur.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[seg]
	if !ok {
		return nil, false
	}
	return getSegs(v, segs[1:])
}

// Set writes value at path into doc, creating intermediate objects. A single
// "[]" segment is allowed: value must then be a slice and elements are
// written pairwise into the target array, which is created or grown as
// needed. Nil elements leave their slot untouched so sparse fan-outs from
// Get keep alignment.
func Set(doc map[string]any, path string, value any) error {
	if path == "" {
		return fmt.Errorf("empty target path")
	}
	segs := strings.Split(path, ".")

	fanIdx := -1
	for i, seg := range segs {
		if strings.HasSuffix(seg, "[]") {
			if fanIdx >= 0 {
				return fmt.Errorf("target path %q: multiple [] segments", path)
			}
			fanIdx = i
		}
	}

	if fanIdx < 0 {
		parent, err := descend(doc, segs[:len(segs)-1], path)
		if err != nil {
			return err
		}
		parent[segs[len(segs)-1]] = value
		return nil
	}

	values, ok := value.([]any)
	if !ok {
		return fmt.Errorf("target path %q: fan-out requires a slice value, got %T", path, value)
	}

	arrName := strings.TrimSuffix(segs[fanIdx], "[]")
	parent, err := descend(doc, segs[:fanIdx], path)
	if err != nil {
		return err
	}
	arr, _ := parent[arrName].([]any)
	for len(arr) < len(values) {
		arr = append(arr, map[string]any{})
	}
	parent[arrName] = arr

	rest := segs[fanIdx+1:]
	for i, v := range values {
		if v == nil {
			continue
		}
		el, ok := arr[i].(map[string]any)
		if !ok {
			return fmt.Errorf("target path %q: element %d is not an object", path, i)
		}
		if len(rest) == 0 {
			arr[i] = v
			continue
		}
		elParent, err := descend(el, rest[:len(rest)-1], path)
		if err != nil {
			return err
		}
		elParent[rest[len(rest)-1]] = v
	}
	return nil
}

// descend walks (creating) object segments and returns the innermost map.
func descend(doc map[string]any, segs []string, fullPath string) (map[string]any, error) {
	cur := doc
	for _, seg := range segs {
		next, ok := cur[seg]
		if !ok {
			child := map[string]any{}
			cur[seg] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("target path %q: segment %q is not an object", fullPath, seg)
		}
		cur = child
	}
	return cur, nil
}

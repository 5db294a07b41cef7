package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/types/known/structpb"
)

// ErrNotWireSafe is returned for values the wire codec cannot carry: strings
// or keys with invalid UTF-8, and non-finite numbers.
var ErrNotWireSafe = errors.New("value cannot be encoded on the wire")

// Tree maps module names to JSON-like value trees. Values held in a Tree are
// always in canonical form: map[string]any, []any, string, float64, bool or
// nil.
type Tree map[string]any

// Normalize converts an arbitrary serializable value into canonical form.
// Integers become float64, typed slices and maps become []any and
// map[string]any, structs are flattened through their json tags. Values
// that could not cross the wire are rejected with ErrNotWireSafe.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if isCanonical(v) {
		return canonicalCopy(v)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize %T: %w", v, err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("normalize %T: %w", v, err)
	}
	return out, nil
}

// NormalizeMap normalizes a payload object. A nil map becomes an empty one
// so that local and decoded copies compare equal.
func NormalizeMap(m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if !utf8.ValidString(k) {
			return nil, fmt.Errorf("key %q: %w", k, ErrNotWireSafe)
		}
		nv, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

func NormalizeTree(t map[string]any) (Tree, error) {
	m, err := NormalizeMap(t)
	if err != nil {
		return nil, err
	}
	return Tree(m), nil
}

func (t Tree) Clone() Tree {
	if t == nil {
		return Tree{}
	}
	return Tree(CloneMap(t))
}

func (t Tree) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	return keys
}

// CloneMap deep-copies a canonical map.
func CloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a canonical value. Scalars are returned as is.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case Tree:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = CloneValue(e)
		}
		return out
	default:
		return v
	}
}

func isCanonical(v any) bool {
	switch val := v.(type) {
	case nil, string, float64, bool:
		return true
	case map[string]any:
		for _, e := range val {
			if !isCanonical(e) {
				return false
			}
		}
		return true
	case []any:
		for _, e := range val {
			if !isCanonical(e) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// canonicalCopy runs a canonical value through the wire model so the copy
// is exactly what a peer decodes.
func canonicalCopy(v any) (any, error) {
	pv, err := structpb.NewValue(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotWireSafe, err)
	}
	if err := checkFinite(pv); err != nil {
		return nil, err
	}
	return pv.AsInterface(), nil
}

func checkFinite(v *structpb.Value) error {
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		if math.IsNaN(k.NumberValue) || math.IsInf(k.NumberValue, 0) {
			return fmt.Errorf("%w: number %v", ErrNotWireSafe, k.NumberValue)
		}
	case *structpb.Value_StructValue:
		for _, e := range k.StructValue.GetFields() {
			if err := checkFinite(e); err != nil {
				return err
			}
		}
	case *structpb.Value_ListValue:
		for _, e := range k.ListValue.GetValues() {
			if err := checkFinite(e); err != nil {
				return err
			}
		}
	}
	return nil
}

package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// MaxDepth bounds object/list nesting. Descriptors are trees decoded from
// documents and so cannot be cyclic; the bound turns a pathological input
// into a SchemaError instead of unbounded recursion.
const MaxDepth = 32

// Reserved output keys that a top-level field may not shadow.
const (
	StatusKey     = "status"
	RetryCountKey = "retry_count"
)

// Compile builds a Spec from a declarative descriptor. Nested object fields
// compile to Specs named "<parent>.<field>"; list element objects to
// "<parent>.<field>.items".
func Compile(name string, d *Descriptor) (*Spec, error) {
	if d == nil {
		return nil, &SchemaError{Schema: name, Reason: "descriptor is nil"}
	}
	s, err := compileObject(name, "", d, 0)
	if err != nil {
		return nil, err
	}
	for _, reserved := range []string{StatusKey, RetryCountKey} {
		if _, ok := s.Field(reserved); ok {
			return nil, &SchemaError{Schema: name, Field: reserved, Reason: "field name is reserved for record metadata"}
		}
	}
	return s, nil
}

func compileObject(name, path string, d *Descriptor, depth int) (*Spec, error) {
	if depth > MaxDepth {
		return nil, &SchemaError{Schema: name, Field: path, Reason: fmt.Sprintf("nesting deeper than %d levels", MaxDepth)}
	}
	fields := make([]*FieldSpec, 0, d.Len())
	for _, fname := range d.names {
		f, err := compileField(name, joinPath(path, fname), fname, d.fields[fname], depth)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return NewSpec(name, fields...)
}

func compileField(owner, path, fname string, fd *FieldDescriptor, depth int) (*FieldSpec, error) {
	fail := func(format string, args ...any) error {
		return &SchemaError{Schema: owner, Field: path, Reason: fmt.Sprintf(format, args...)}
	}
	if fd == nil {
		return nil, fail("missing field descriptor")
	}
	f := &FieldSpec{
		Name:        fname,
		Optional:    fd.Optional,
		Description: fd.Description,
	}

	kind, known := ParseKind(fd.Type)
	if len(fd.Literals) > 0 || (known && kind == KindEnum) {
		if known && (kind == KindList || kind == KindObject) {
			return nil, fail("literals are only supported on scalar fields, not %q", fd.Type)
		}
		if fd.Type != "" && !known {
			return nil, fail("unsupported field type %q", fd.Type)
		}
		if len(fd.Literals) == 0 {
			return nil, fail("enum field requires at least one literal")
		}
		allowed, err := normalizeLiterals(fd.Literals)
		if err != nil {
			return nil, fail("%v", err)
		}
		f.Kind = KindEnum
		f.Allowed = allowed
		return f, nil
	}
	if !known {
		return nil, fail("unsupported field type %q", fd.Type)
	}
	f.Kind = kind

	switch kind {
	case KindList:
		if fd.Items == nil {
			return nil, fail("'items' must be defined for list fields")
		}
		if depth+1 > MaxDepth {
			return nil, fail("nesting deeper than %d levels", MaxDepth)
		}
		elem, err := compileField(owner+"."+fname, path+"[]", "items", fd.Items, depth+1)
		if err != nil {
			return nil, err
		}
		f.Element = elem
	case KindObject:
		if fd.Properties == nil {
			return nil, fail("'properties' must be defined for dict fields")
		}
		nested, err := compileObject(owner+"."+fname, path, fd.Properties, depth+1)
		if err != nil {
			return nil, err
		}
		f.Nested = nested
	}
	return f, nil
}

// normalizeLiterals converts decoded literals to string, bool, int64 or
// float64 so membership checks compare like with like.
func normalizeLiterals(in []any) ([]any, error) {
	out := make([]any, 0, len(in))
	for _, v := range in {
		n, ok := NormalizeScalar(v)
		if !ok {
			return nil, fmt.Errorf("literal %v (%T) must be a string, number or boolean", v, v)
		}
		for _, seen := range out {
			if ScalarEqual(seen, n) {
				return nil, fmt.Errorf("duplicate literal %v", v)
			}
		}
		out = append(out, n)
	}
	return out, nil
}

// NormalizeScalar maps Go and JSON scalar representations onto string, bool,
// int64 or float64. Integral floats become int64.
func NormalizeScalar(v any) (any, bool) {
	switch x := v.(type) {
	case string, bool:
		return x, true
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return float64(x), true
		}
		return int64(x), true
	case float32:
		return normalizeFloat(float64(x))
	case float64:
		return normalizeFloat(x)
	case json.Number:
		if i, err := strconv.ParseInt(string(x), 10, 64); err == nil {
			return i, true
		}
		f, err := x.Float64()
		if err != nil {
			return nil, false
		}
		return normalizeFloat(f)
	}
	return nil, false
}

func normalizeFloat(f float64) (any, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, false
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f), true
	}
	return f, true
}

// ScalarEqual compares two normalized scalars. Numbers compare by value.
func ScalarEqual(a, b any) bool {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return x == y
		case float64:
			return float64(x) == y
		}
	case float64:
		switch y := b.(type) {
		case int64:
			return x == float64(y)
		case float64:
			return x == y
		}
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	}
	return false
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

// Package validate checks candidate records against a schema.Spec.
//
// Validation walks the FieldSpec tree directly and returns a Result instead
// of an error: a failing candidate is an expected outcome that feeds the
// repair loop, not an exceptional one.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/jackzampolin/sift/internal/schema"
)

// Issue is one reason a candidate failed validation.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// Result is the outcome of validating one candidate.
type Result struct {
	// Values holds the conforming record, restricted to declared fields with
	// coercions applied. Nil unless OK.
	Values map[string]any
	Issues []Issue
}

// OK reports whether the candidate conforms.
func (r Result) OK() bool { return len(r.Issues) == 0 }

// Err joins the issues into a single error, or returns nil when OK.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	errs := make([]error, len(r.Issues))
	for i, issue := range r.Issues {
		errs[i] = errors.New(issue.String())
	}
	return errors.Join(errs...)
}

// Validate checks candidate against spec. A nil candidate stands for output
// with no extractable payload and always fails.
//
// Rules: every declared field must be present unless optional (absent or
// null both accepted); numeric strings coerce to integer and float fields but
// numbers never coerce to strings; integer fields accept integral floats;
// enum values must be exact members; lists and objects are checked
// recursively. Undeclared keys are ignored and dropped from Values.
func Validate(spec *schema.Spec, candidate map[string]any) Result {
	if candidate == nil {
		return Result{Issues: []Issue{{Message: "no JSON object found in output"}}}
	}
	var issues []Issue
	values := checkObject(spec, candidate, "", &issues)
	if len(issues) > 0 {
		return Result{Issues: issues}
	}
	return Result{Values: values}
}

func checkObject(spec *schema.Spec, obj map[string]any, path string, issues *[]Issue) map[string]any {
	out := make(map[string]any, spec.Len())
	for _, f := range spec.Fields() {
		fpath := join(path, f.Name)
		v, present := obj[f.Name]
		if !present {
			if f.Optional {
				out[f.Name] = nil
				continue
			}
			*issues = append(*issues, Issue{Path: fpath, Message: "required field is missing"})
			continue
		}
		if cv, ok := checkValue(f, v, fpath, issues); ok {
			out[f.Name] = cv
		}
	}
	return out
}

func checkValue(f *schema.FieldSpec, v any, path string, issues *[]Issue) (any, bool) {
	fail := func(format string, args ...any) (any, bool) {
		*issues = append(*issues, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
		return nil, false
	}

	if v == nil {
		if f.Optional || f.Kind == schema.KindAny {
			return nil, true
		}
		return fail("must not be null")
	}

	switch f.Kind {
	case schema.KindString:
		s, ok := v.(string)
		if !ok {
			return fail("expected string, got %s", describe(v))
		}
		return s, true

	case schema.KindInteger:
		n, ok := toInteger(v)
		if !ok {
			return fail("expected integer, got %s", describe(v))
		}
		return n, true

	case schema.KindFloat:
		n, ok := toFloat(v)
		if !ok {
			return fail("expected number, got %s", describe(v))
		}
		return n, true

	case schema.KindBoolean:
		b, ok := v.(bool)
		if !ok {
			return fail("expected boolean, got %s", describe(v))
		}
		return b, true

	case schema.KindAny:
		return plain(v), true

	case schema.KindEnum:
		if n, ok := schema.NormalizeScalar(v); ok {
			for _, allowed := range f.Allowed {
				if schema.ScalarEqual(allowed, n) {
					return allowed, true
				}
			}
		}
		return fail("value %s is not one of %s", describe(v), formatAllowed(f.Allowed))

	case schema.KindList:
		items, ok := v.([]any)
		if !ok {
			return fail("expected list, got %s", describe(v))
		}
		out := make([]any, 0, len(items))
		valid := true
		for i, item := range items {
			cv, ok := checkValue(f.Element, item, fmt.Sprintf("%s[%d]", path, i), issues)
			valid = valid && ok
			out = append(out, cv)
		}
		if !valid {
			return nil, false
		}
		return out, true

	case schema.KindObject:
		obj, ok := v.(map[string]any)
		if !ok {
			return fail("expected object, got %s", describe(v))
		}
		before := len(*issues)
		out := checkObject(f.Nested, obj, path, issues)
		if len(*issues) > before {
			return nil, false
		}
		return out, true
	}
	return fail("unsupported kind %q", f.Kind)
}

func toInteger(v any) (int64, bool) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
		f, ok := parseFiniteFloat(s)
		if !ok {
			return 0, false
		}
		v = f
	}
	if _, isBool := v.(bool); isBool {
		return 0, false
	}
	n, ok := schema.NormalizeScalar(v)
	if !ok {
		return 0, false
	}
	i, ok := n.(int64)
	return i, ok
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case string:
		return parseFiniteFloat(strings.TrimSpace(x))
	case bool:
		return 0, false
	case json.Number:
		f, err := x.Float64()
		if err != nil || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, false
		}
		return x, true
	}
	n, ok := schema.NormalizeScalar(v)
	if !ok {
		return 0, false
	}
	switch x := n.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// parseFiniteFloat accepts decimal notation only; "NaN" and "Inf" spellings
// that strconv understands are rejected.
func parseFiniteFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// plain replaces json.Number with int64 or float64 throughout v.
func plain(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, ok := schema.NormalizeScalar(x); ok {
			return n
		}
		return x.String()
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = plain(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = plain(item)
		}
		return out
	}
	return v
}

func describe(v any) string {
	switch x := v.(type) {
	case string:
		return strconv.Quote(x)
	case json.Number:
		return x.String()
	case map[string]any:
		return "object"
	case []any:
		return "list"
	}
	return fmt.Sprintf("%v", v)
}

func formatAllowed(allowed []any) string {
	parts := make([]string, len(allowed))
	for i, a := range allowed {
		parts[i] = describe(a)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func join(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}
